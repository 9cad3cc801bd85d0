package analysis

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/BSMU-ITLab/vision-biocell/internal/models"
	"github.com/BSMU-ITLab/vision-biocell/pkg/inference"
	"github.com/BSMU-ITLab/vision-biocell/pkg/slide"
)

// tileState is the per-tile scheduling state. Retries are driven by this
// explicit state machine in the scheduler loop, never by callers retrying on
// errors.
type tileState int

const (
	tilePending tileState = iota
	tileInFlight
	tileSucceeded
	tileTransientFail
	tilePermanentFail
)

// retryBackoffBase is the delay before the first retry of a transient
// failure; it doubles with every further attempt.
const retryBackoffBase = 500 * time.Millisecond

// tileEvent reports the outcome of one dispatched tile back to the
// scheduler loop. pred is set iff err is nil.
type tileEvent struct {
	req  models.TileRequest
	pred *models.TilePrediction
	err  error
}

// planGrid partitions the working extent into a row-major covering grid.
// Cores tile the extent exactly once; the extraction region grows each core
// by the overlap margin on every side.
func (s *Session) planGrid() []models.TileRequest {
	tileSize := s.cfg.Tiling.TileSize
	margin := s.cfg.Tiling.OverlapMargin
	level := s.cfg.Tiling.WorkingLevel

	rows := (s.extent.H + tileSize - 1) / tileSize
	cols := (s.extent.W + tileSize - 1) / tileSize

	plan := make([]models.TileRequest, 0, rows*cols)
	for row := 0; row < rows; row++ {
		for col := 0; col < cols; col++ {
			core := models.Rect{
				X: col * tileSize,
				Y: row * tileSize,
				W: tileSize,
				H: tileSize,
			}
			// Border cores shrink to the slide extent so cores never
			// overlap; the margin alone produces the overlap pixels.
			core = core.Intersect(s.extent)
			plan = append(plan, models.TileRequest{
				Coord:  models.TileCoordinate{Level: level, Row: row, Col: col},
				Core:   core,
				Margin: margin,
				Extract: models.Rect{
					X: core.X - margin,
					Y: core.Y - margin,
					W: core.W + 2*margin,
					H: core.H + 2*margin,
				},
			})
		}
	}
	return plan
}

// run is the scheduler event loop. It owns all per-tile state; workers only
// report outcomes through the events channel.
func (s *Session) run() {
	defer close(s.done)
	start := time.Now()

	plan := s.planGrid()
	log.Printf("analysis %s: %d tiles planned over %dx%d at level %d",
		s.id, len(plan), s.extent.W, s.extent.H, s.cfg.Tiling.WorkingLevel)

	queue := make([]models.TileRequest, 0, len(plan))
	for _, req := range plan {
		s.slideMap.Plan(req.Coord)
		if s.mask != nil && s.mask.IsBackground(req.Extract) {
			s.slideMap.MarkSkipped(req.Coord)
			continue
		}
		queue = append(queue, req)
	}
	if skipped := len(plan) - len(queue); skipped > 0 {
		log.Printf("analysis %s: %d background tiles skipped", s.id, skipped)
	}

	dispatch := make(chan models.TileRequest)
	batches := make(chan []models.TileRequest)
	events := make(chan tileEvent)
	retries := make(chan models.TileRequest)

	workCtx, stopWorkers := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.batchLoop(workCtx, dispatch, batches)
	}()
	for i := 0; i < s.cfg.Scheduling.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.workerLoop(workCtx, batches, events)
		}()
	}

	states := make(map[models.TileCoordinate]tileState, len(queue))
	attempts := make(map[models.TileCoordinate]int, len(queue))

	outstanding := len(queue)
	inFlight := 0
	stopped := false
	var fatalErr error
	ctxDone := s.ctx.Done()

	// stop drops every tile not yet dispatched; in-flight and
	// backoff-waiting tiles still drain through the loop.
	stop := func() {
		if stopped {
			return
		}
		stopped = true
		outstanding -= len(queue)
		queue = nil
	}

	for outstanding > 0 {
		// Admission control: issue only while fewer than
		// MaxInFlightTiles extracted buffers can exist.
		var issueCh chan<- models.TileRequest
		var next models.TileRequest
		if !stopped && len(queue) > 0 && inFlight < s.cfg.Scheduling.MaxInFlightTiles {
			issueCh = dispatch
			next = queue[0]
		}

		select {
		case issueCh <- next:
			queue = queue[1:]
			inFlight++
			attempts[next.Coord]++
			states[next.Coord] = tileInFlight

		case req := <-retries:
			if stopped {
				outstanding--
				continue
			}
			states[req.Coord] = tilePending
			queue = append(queue, req)

		case ev := <-events:
			inFlight--
			if fatal := s.handleEvent(ev, states, attempts, retries, &wg, workCtx, stopped, &outstanding); fatal != nil {
				fatalErr = fatal
				s.abort.Store(true)
				stop()
			}

		case <-ctxDone:
			ctxDone = nil
			stop()
		}
	}

	stopWorkers()
	wg.Wait()

	pm, finErr := s.slideMap.Finalize()

	final := StateCompleted
	switch {
	case fatalErr != nil:
		final = StateFailed
	case s.ctx.Err() != nil:
		final = StateCancelled
	}
	if finErr != nil {
		final = StateFailed
		if fatalErr == nil {
			fatalErr = finErr
		}
		pm = nil
	}

	s.mu.Lock()
	s.state = final
	s.runErr = fatalErr
	s.pm = pm
	s.mu.Unlock()

	cov := s.slideMap.Coverage()
	log.Printf("analysis %s: %s in %.2fs (%d merged, %d skipped, %d failed of %d planned)",
		s.id, final, time.Since(start).Seconds(), cov.Merged, cov.Skipped, cov.Failed, cov.Planned)
	if fatalErr != nil {
		log.Printf("analysis %s: fatal error: %v", s.id, fatalErr)
	}
}

// handleEvent resolves one tile outcome. It returns a non-nil error when the
// session must abort. outstanding is decremented for every terminal outcome.
func (s *Session) handleEvent(
	ev tileEvent,
	states map[models.TileCoordinate]tileState,
	attempts map[models.TileCoordinate]int,
	retries chan<- models.TileRequest,
	wg *sync.WaitGroup,
	workCtx context.Context,
	stopped bool,
	outstanding *int,
) error {
	coord := ev.req.Coord

	if ev.err == nil {
		(*outstanding)--
		if s.ctx.Err() != nil && s.cfg.Scheduling.AbandonInFlightOnCancel {
			// Abandoned by configuration: prediction dropped whole,
			// never half-merged, so the map stays consistent.
			return nil
		}
		if err := s.slideMap.Merge(ev.pred); err != nil {
			return err
		}
		states[coord] = tileSucceeded
		return nil
	}

	// Cancellation observed by a worker before the batch started.
	if errors.Is(ev.err, context.Canceled) && s.aborted() {
		(*outstanding)--
		return nil
	}

	// A region fully outside the slide cannot hold tissue; record and
	// move on.
	var oob *slide.OutOfBoundsError
	if errors.As(ev.err, &oob) {
		log.Printf("analysis %s: tile %s outside slide bounds, skipped", s.id, coord)
		s.slideMap.MarkSkipped(coord)
		states[coord] = tilePermanentFail
		(*outstanding)--
		return nil
	}

	switch inference.KindOf(ev.err) {
	case inference.Transient:
		if !stopped && attempts[coord] < s.cfg.Inference.RetryBudget {
			states[coord] = tileTransientFail
			delay := retryBackoffBase << (attempts[coord] - 1)
			log.Printf("analysis %s: tile %s transient failure (attempt %d/%d), retrying in %s: %v",
				s.id, coord, attempts[coord], s.cfg.Inference.RetryBudget, delay, ev.err)
			req := ev.req
			wg.Add(1)
			go func() {
				defer wg.Done()
				t := time.NewTimer(delay)
				defer t.Stop()
				select {
				case <-t.C:
				case <-workCtx.Done():
					return
				}
				select {
				case retries <- req:
				case <-workCtx.Done():
				}
			}()
			return nil
		}
		log.Printf("analysis %s: tile %s failed after %d attempts: %v", s.id, coord, attempts[coord], ev.err)
		s.slideMap.MarkFailed(coord)
		states[coord] = tilePermanentFail
		(*outstanding)--
		return nil

	case inference.InvalidInput:
		log.Printf("analysis %s: tile %s rejected by engine, marked failed: %v", s.id, coord, ev.err)
		s.slideMap.MarkFailed(coord)
		states[coord] = tilePermanentFail
		(*outstanding)--
		return nil

	default: // inference.Fatal
		s.slideMap.MarkFailed(coord)
		states[coord] = tilePermanentFail
		(*outstanding)--
		return ev.err
	}
}
