package analysis

import (
	"context"
	"fmt"
	"time"

	"github.com/BSMU-ITLab/vision-biocell/internal/models"
	"github.com/BSMU-ITLab/vision-biocell/pkg/inference"
)

// batchLoop groups dispatched tile requests into batches of up to the
// configured size. A partial batch is flushed as soon as a worker is free,
// so a slow trickle of tiles never stalls waiting for a full batch.
func (s *Session) batchLoop(ctx context.Context, dispatch <-chan models.TileRequest, batches chan<- []models.TileRequest) {
	maxBatch := s.cfg.Inference.BatchSize
	var buf []models.TileRequest
	for {
		if len(buf) == 0 {
			select {
			case <-ctx.Done():
				return
			case req := <-dispatch:
				buf = append(buf, req)
			}
			continue
		}
		if len(buf) >= maxBatch {
			select {
			case <-ctx.Done():
				return
			case batches <- buf:
				buf = nil
			}
			continue
		}
		select {
		case <-ctx.Done():
			return
		case req := <-dispatch:
			buf = append(buf, req)
		case batches <- buf:
			buf = nil
		}
	}
}

// workerLoop consumes batches until the session's scheduler shuts it down.
func (s *Session) workerLoop(ctx context.Context, batches <-chan []models.TileRequest, events chan<- tileEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case batch := <-batches:
			s.runBatch(batch, events)
		}
	}
}

// runBatch extracts the batch's tiles, submits them to the engine under the
// batch timeout and reports one event per tile. Workers never touch the
// slide map; merging stays with the scheduler loop.
func (s *Session) runBatch(batch []models.TileRequest, events chan<- tileEvent) {
	// Cooperative cancellation: a batch not yet started is not worth
	// starting. Already running batches drain instead.
	if s.aborted() {
		for _, req := range batch {
			events <- tileEvent{req: req, err: context.Canceled}
		}
		return
	}

	live := make([]models.TileRequest, 0, len(batch))
	tiles := make([]*models.Tile, 0, len(batch))
	for _, req := range batch {
		tile, err := s.slide.Extract(req)
		if err != nil {
			events <- tileEvent{req: req, err: err}
			continue
		}
		live = append(live, req)
		tiles = append(tiles, tile)
	}
	if len(live) == 0 {
		return
	}

	// The timeout context deliberately does not descend from the session
	// context: cancellation lets running batches finish.
	bctx, cancel := context.WithTimeout(context.Background(), time.Duration(s.cfg.Inference.BatchTimeout))
	defer cancel()

	scores, err := s.engine.Infer(bctx, tiles)
	if err != nil {
		// Batch-level failure: every tile of the batch shares the
		// classification.
		for _, req := range live {
			events <- tileEvent{req: req, err: fmt.Errorf("batch %v: %w", coords(live), err)}
		}
		return
	}
	if len(scores) != len(tiles) {
		err := &inference.Error{Kind: inference.Fatal, Op: "infer",
			Err: fmt.Errorf("engine returned %d score maps for %d tiles", len(scores), len(tiles))}
		for _, req := range live {
			events <- tileEvent{req: req, err: err}
		}
		return
	}

	for i, req := range live {
		rect := tiles[i].Rect
		if len(scores[i]) != rect.W*rect.H {
			events <- tileEvent{req: req, err: &inference.Error{Kind: inference.InvalidInput, Op: "infer",
				Err: fmt.Errorf("score map holds %d values for %dx%d tile", len(scores[i]), rect.W, rect.H)}}
			continue
		}
		events <- tileEvent{req: req, pred: &models.TilePrediction{
			Coord:   req.Coord,
			Rect:    rect,
			Scores:  scores[i],
			Weights: s.weightsFor(rect.W, rect.H),
		}}
	}
}

// coords renders a batch's coordinates for error tagging.
func coords(reqs []models.TileRequest) []models.TileCoordinate {
	cs := make([]models.TileCoordinate, len(reqs))
	for i, r := range reqs {
		cs[i] = r.Coord
	}
	return cs
}
