package analysis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BSMU-ITLab/vision-biocell/internal/models"
	"github.com/BSMU-ITLab/vision-biocell/pkg/aggregate"
	"github.com/BSMU-ITLab/vision-biocell/pkg/config"
	"github.com/BSMU-ITLab/vision-biocell/pkg/inference"
	"github.com/BSMU-ITLab/vision-biocell/pkg/slide"
	"github.com/BSMU-ITLab/vision-biocell/pkg/stitch"
)

// Fake pixel intensities: the fake engine scores a pixel as intensity/255,
// so with a 0.5 threshold tumor pixels binarize to foreground and the rest
// to background.
const (
	tumorIntensity      = 230
	backgroundIntensity = 25
)

// fakeProvider is a single-level, single-channel in-memory slide with tumor
// pixels inside the given rectangles.
type fakeProvider struct {
	w, h  int
	tumor []models.Rect
}

func (p *fakeProvider) LevelCount() int { return 1 }

func (p *fakeProvider) LevelDimensions(level int) (int, int, error) {
	return p.w, p.h, nil
}

func (p *fakeProvider) ReadRegion(level, x, y, w, h int) (*models.Tile, error) {
	pixels := make([]uint8, w*h)
	for row := 0; row < h; row++ {
		for col := 0; col < w; col++ {
			v := uint8(backgroundIntensity)
			for _, r := range p.tumor {
				if r.Contains(x+col, y+row) {
					v = tumorIntensity
					break
				}
			}
			pixels[row*w+col] = v
		}
	}
	return &models.Tile{
		Rect:     models.Rect{X: x, Y: y, W: w, H: h},
		Channels: 1,
		Pixels:   pixels,
	}, nil
}

func (p *fakeProvider) Close() error { return nil }

// fakeEngine scores every pixel as intensity/255. The optional fail hook can
// reject a batch; delay simulates inference latency, either on every call or
// only on the first slowCalls calls.
type fakeEngine struct {
	mu    sync.Mutex
	calls int

	fail      func(batch []*models.Tile, call int) error
	delay     time.Duration
	slowCalls int
}

func (e *fakeEngine) Infer(ctx context.Context, batch []*models.Tile) ([][]float32, error) {
	e.mu.Lock()
	e.calls++
	call := e.calls
	e.mu.Unlock()

	if e.delay > 0 && (e.slowCalls == 0 || call <= e.slowCalls) {
		select {
		case <-time.After(e.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if e.fail != nil {
		if err := e.fail(batch, call); err != nil {
			return nil, err
		}
	}

	out := make([][]float32, len(batch))
	for i, tile := range batch {
		scores := make([]float32, tile.Rect.W*tile.Rect.H)
		for j := range scores {
			scores[j] = float32(tile.Pixels[j*tile.Channels]) / 255
		}
		out[i] = scores
	}
	return out, nil
}

func (e *fakeEngine) Close() error { return nil }

func (e *fakeEngine) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// fakeMask treats everything outside the tissue rectangle as background.
type fakeMask struct {
	tissue models.Rect
}

func (m *fakeMask) IsBackground(region models.Rect) bool {
	return region.Intersect(m.tissue).Empty()
}

// testConfig returns a configuration scaled down for fast tests: 32 pixel
// tiles with a 4 pixel overlap margin.
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Tiling.TileSize = 32
	cfg.Tiling.OverlapMargin = 4
	cfg.Scheduling.MaxInFlightTiles = 8
	cfg.Scheduling.Workers = 2
	cfg.Inference.BatchSize = 2
	cfg.Inference.RetryBudget = 2
	cfg.Inference.BatchTimeout = config.Duration(5 * time.Second)
	cfg.Aggregation.SegmentationThreshold = 0.5
	cfg.Aggregation.RegionMinArea = 16
	return cfg
}

func openFakeSlide(t *testing.T, w, h int, tumor ...models.Rect) *slide.Slide {
	t.Helper()
	s, err := slide.New("fake.svs", &fakeProvider{w: w, h: h, tumor: tumor})
	if err != nil {
		t.Fatalf("Failed to open fake slide: %v", err)
	}
	return s
}

func waitTerminal(t *testing.T, s *Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Session did not terminate: %v", err)
	}
}

func TestPlanGridCoversExtentOnce(t *testing.T) {
	cfg := testConfig()
	s := &Session{cfg: cfg, extent: models.Rect{W: 100, H: 70}}

	plan := s.planGrid()
	if want := 4 * 3; len(plan) != want {
		t.Fatalf("Planned %d tiles for 100x70, want %d", len(plan), want)
	}

	// Every pixel of the extent must be owned by exactly one core.
	covered := make([]int, 100*70)
	for _, req := range plan {
		if req.Core.Empty() {
			t.Fatalf("Tile %s has an empty core", req.Coord)
		}
		for y := req.Core.Y; y < req.Core.Y+req.Core.H; y++ {
			for x := req.Core.X; x < req.Core.X+req.Core.W; x++ {
				covered[y*100+x]++
			}
		}
		// The extraction region is the core grown by the margin on
		// every side.
		wantExtract := models.Rect{
			X: req.Core.X - 4, Y: req.Core.Y - 4,
			W: req.Core.W + 8, H: req.Core.H + 8,
		}
		if req.Extract != wantExtract {
			t.Fatalf("Tile %s extract = %+v, want %+v", req.Coord, req.Extract, wantExtract)
		}
	}
	for i, n := range covered {
		if n != 1 {
			t.Fatalf("Pixel %d covered by %d cores, want exactly 1", i, n)
		}
	}
}

func TestPlanGridFullResolutionSlide(t *testing.T) {
	cfg := testConfig()
	cfg.Tiling.TileSize = 512
	cfg.Tiling.OverlapMargin = 32
	s := &Session{cfg: cfg, extent: models.Rect{W: 4096, H: 4096}}

	plan := s.planGrid()
	if len(plan) != 64 {
		t.Fatalf("Planned %d tiles for a 4096x4096 slide at 512 stride, want 64", len(plan))
	}
	for _, req := range plan {
		if req.Core.W != 512 || req.Core.H != 512 {
			t.Fatalf("Tile %s core = %+v, want full 512x512 (extent divides evenly)", req.Coord, req.Core)
		}
		if req.Extract.W != 576 || req.Extract.H != 576 {
			t.Fatalf("Tile %s extract = %+v, want 576x576", req.Coord, req.Extract)
		}
	}
}

func TestPlanGridSlideSmallerThanTile(t *testing.T) {
	cfg := testConfig()
	s := &Session{cfg: cfg, extent: models.Rect{W: 20, H: 20}}

	plan := s.planGrid()
	if len(plan) != 1 {
		t.Fatalf("Planned %d tiles for a sub-tile slide, want 1", len(plan))
	}
	if plan[0].Core != (models.Rect{X: 0, Y: 0, W: 20, H: 20}) {
		t.Errorf("Core = %+v, want the whole 20x20 extent", plan[0].Core)
	}
}

func TestStartValidation(t *testing.T) {
	sl := openFakeSlide(t, 64, 64)
	engine := &fakeEngine{}

	if _, err := Start(nil, engine, testConfig()); err == nil {
		t.Error("Start should reject a nil slide")
	}
	if _, err := Start(sl, nil, testConfig()); err == nil {
		t.Error("Start should reject a nil engine")
	}

	bad := testConfig()
	bad.Tiling.TileSize = 0
	if _, err := Start(sl, engine, bad); err == nil {
		t.Error("Start should reject an invalid configuration")
	}
}

func TestAnalysisCompletes(t *testing.T) {
	tumor := models.Rect{X: 10, Y: 10, W: 20, H: 20}
	sl := openFakeSlide(t, 96, 64, tumor)
	engine := &fakeEngine{}

	s, err := Start(sl, engine, testConfig())
	if err != nil {
		t.Fatalf("Failed to start session: %v", err)
	}
	if s.ID() == "" {
		t.Error("Session should carry an identifier")
	}
	waitTerminal(t, s)

	if got := s.State(); got != StateCompleted {
		t.Fatalf("State = %s, want completed (err: %v)", got, s.Err())
	}
	progress, cov := s.Progress()
	if progress != 1 {
		t.Errorf("Progress = %g, want 1", progress)
	}
	if !cov.Full() {
		t.Errorf("Coverage = %+v, want all %d tiles merged", cov, 3*2)
	}

	pm := s.ProbabilityMap()
	if pm == nil {
		t.Fatal("Completed session should expose a probability map")
	}
	if pm.KnownFraction() != 1 {
		t.Errorf("KnownFraction = %g, want 1", pm.KnownFraction())
	}

	res, err := s.Result()
	if err != nil {
		t.Fatalf("Failed to get result: %v", err)
	}
	if res.Partial {
		t.Error("Complete run should not be partial")
	}
	if len(res.Regions) != 1 {
		t.Fatalf("Got %d regions, want 1: %+v", len(res.Regions), res.Regions)
	}
	region := res.Regions[0]
	if region.Bounds != tumor {
		t.Errorf("Region bounds = %+v, want %+v", region.Bounds, tumor)
	}
	if region.Area != tumor.Area() {
		t.Errorf("Region area = %d, want %d", region.Area, tumor.Area())
	}
	wantScore := float64(tumorIntensity) / 255
	if diff := region.MeanScore - wantScore; diff > 1e-4 || diff < -1e-4 {
		t.Errorf("Region mean score = %g, want %g", region.MeanScore, wantScore)
	}
}

func TestAnalysisWithCenterWeighting(t *testing.T) {
	// Center weighting changes the blend, not the outcome: every source
	// pixel has one underlying intensity, so the weighted mean equals it.
	tumor := models.Rect{X: 8, Y: 8, W: 16, H: 16}
	sl := openFakeSlide(t, 64, 64, tumor)
	cfg := testConfig()
	cfg.Stitching.CenterWeighting = true

	s, err := Start(sl, &fakeEngine{}, cfg)
	if err != nil {
		t.Fatalf("Failed to start session: %v", err)
	}
	waitTerminal(t, s)

	if got := s.State(); got != StateCompleted {
		t.Fatalf("State = %s, want completed (err: %v)", got, s.Err())
	}
	res, err := s.Result()
	if err != nil {
		t.Fatalf("Failed to get result: %v", err)
	}
	if len(res.Regions) != 1 || res.Regions[0].Bounds != tumor {
		t.Errorf("Regions = %+v, want one region at %+v", res.Regions, tumor)
	}
}

func TestAnalysisSkipsBackgroundTiles(t *testing.T) {
	tumor := models.Rect{X: 5, Y: 5, W: 10, H: 10}
	sl := openFakeSlide(t, 96, 64, tumor)

	s, err := Start(sl, &fakeEngine{}, testConfig(), WithTissueMask(&fakeMask{tissue: tumor}))
	if err != nil {
		t.Fatalf("Failed to start session: %v", err)
	}
	waitTerminal(t, s)

	if got := s.State(); got != StateCompleted {
		t.Fatalf("State = %s, want completed (err: %v)", got, s.Err())
	}
	_, cov := s.Progress()
	if cov.Planned != 6 {
		t.Fatalf("Planned = %d, want 6", cov.Planned)
	}
	if cov.Skipped != 5 || cov.Merged != 1 {
		t.Errorf("Coverage = %+v, want 1 merged and 5 skipped", cov)
	}

	res, err := s.Result()
	if err != nil {
		t.Fatalf("Failed to get result: %v", err)
	}
	// Skipped background tiles do not make the result partial.
	if res.Partial {
		t.Error("Background skips should not mark the result partial")
	}
	if len(res.Regions) != 1 || res.Regions[0].Bounds != tumor {
		t.Errorf("Regions = %+v, want one region at %+v", res.Regions, tumor)
	}
}

func TestResultWhileRunningFails(t *testing.T) {
	sl := openFakeSlide(t, 96, 96)
	engine := &fakeEngine{delay: 50 * time.Millisecond}

	s, err := Start(sl, engine, testConfig())
	if err != nil {
		t.Fatalf("Failed to start session: %v", err)
	}
	if _, err := s.Result(); err == nil && !s.State().Terminal() {
		t.Error("Result on a running session should fail")
	}
	s.Cancel()
	waitTerminal(t, s)
}

func TestCancellation(t *testing.T) {
	sl := openFakeSlide(t, 256, 256, models.Rect{X: 0, Y: 0, W: 256, H: 256})
	engine := &fakeEngine{delay: 20 * time.Millisecond}

	cfg := testConfig()
	cfg.Scheduling.MaxInFlightTiles = 4
	s, err := Start(sl, engine, cfg)
	if err != nil {
		t.Fatalf("Failed to start session: %v", err)
	}

	time.Sleep(40 * time.Millisecond)
	s.Cancel()
	s.Cancel() // idempotent
	waitTerminal(t, s)

	if got := s.State(); got != StateCancelled {
		t.Fatalf("State = %s, want cancelled (err: %v)", got, s.Err())
	}

	// The map must still finalize consistently and the result must be
	// flagged partial.
	if s.ProbabilityMap() == nil {
		t.Fatal("Cancelled session should still finalize its map")
	}
	res, err := s.Result()
	if err != nil {
		t.Fatalf("Failed to get result after cancel: %v", err)
	}
	if !res.Partial {
		t.Error("Cancelled result must be partial")
	}
	_, cov := s.Progress()
	if done := cov.Merged + cov.Skipped + cov.Failed; done > cov.Planned {
		t.Errorf("Coverage overcounts: %+v", cov)
	}
}

func TestTransientFailureIsRetried(t *testing.T) {
	tumor := models.Rect{X: 4, Y: 4, W: 16, H: 16}
	sl := openFakeSlide(t, 64, 32, tumor)

	// The first batch fails transiently; every retry succeeds.
	engine := &fakeEngine{
		fail: func(batch []*models.Tile, call int) error {
			if call == 1 {
				return &inference.Error{Kind: inference.Transient, Op: "infer", Err: errors.New("engine busy")}
			}
			return nil
		},
	}

	s, err := Start(sl, engine, testConfig())
	if err != nil {
		t.Fatalf("Failed to start session: %v", err)
	}
	waitTerminal(t, s)

	if got := s.State(); got != StateCompleted {
		t.Fatalf("State = %s, want completed (err: %v)", got, s.Err())
	}
	_, cov := s.Progress()
	if !cov.Full() {
		t.Errorf("Coverage = %+v, want every tile merged after retry", cov)
	}
	if engine.callCount() < 2 {
		t.Errorf("Engine saw %d calls, want at least 2 (initial + retry)", engine.callCount())
	}
	res, err := s.Result()
	if err != nil {
		t.Fatalf("Failed to get result: %v", err)
	}
	if res.Partial {
		t.Error("Result should not be partial after successful retries")
	}
}

func TestBatchTimeoutIsTransient(t *testing.T) {
	tumor := models.Rect{X: 4, Y: 4, W: 16, H: 16}
	sl := openFakeSlide(t, 64, 32, tumor)

	// The first batch outlives its deadline; the engine observes the
	// context expiring and returns its error. The tiles must come back
	// as transient failures and succeed on retry.
	cfg := testConfig()
	cfg.Inference.BatchTimeout = config.Duration(50 * time.Millisecond)
	engine := &fakeEngine{delay: 2 * time.Second, slowCalls: 1}

	s, err := Start(sl, engine, cfg)
	if err != nil {
		t.Fatalf("Failed to start session: %v", err)
	}
	waitTerminal(t, s)

	if got := s.State(); got != StateCompleted {
		t.Fatalf("State = %s, want completed (err: %v)", got, s.Err())
	}
	_, cov := s.Progress()
	if !cov.Full() {
		t.Errorf("Coverage = %+v, want every tile merged after the timeout retry", cov)
	}
	if engine.callCount() < 2 {
		t.Errorf("Engine saw %d calls, want at least 2 (timed-out batch + retry)", engine.callCount())
	}
}

func TestTransientBudgetExhausted(t *testing.T) {
	tumor := models.Rect{X: 4, Y: 4, W: 16, H: 16}
	sl := openFakeSlide(t, 96, 96, tumor)

	// The center tile (core at 32,32) keeps failing transiently; its
	// retry budget runs out and it is marked failed without aborting the
	// session.
	cfg := testConfig()
	cfg.Inference.BatchSize = 1
	engine := &fakeEngine{
		fail: func(batch []*models.Tile, call int) error {
			if batch[0].Rect.Contains(48, 48) {
				return &inference.Error{Kind: inference.Transient, Op: "infer", Err: errors.New("engine busy")}
			}
			return nil
		},
	}

	s, err := Start(sl, engine, cfg)
	if err != nil {
		t.Fatalf("Failed to start session: %v", err)
	}
	waitTerminal(t, s)

	if got := s.State(); got != StateCompleted {
		t.Fatalf("State = %s, want completed (err: %v)", got, s.Err())
	}
	_, cov := s.Progress()
	if cov.Failed != 1 || cov.Merged != 8 {
		t.Fatalf("Coverage = %+v, want 8 merged and 1 failed", cov)
	}

	res, err := s.Result()
	if err != nil {
		t.Fatalf("Failed to get result: %v", err)
	}
	if !res.Partial {
		t.Error("A permanently failed tile must mark the result partial")
	}
	// Regions outside the failed tile survive.
	if len(res.Regions) != 1 || res.Regions[0].Bounds != tumor {
		t.Errorf("Regions = %+v, want one region at %+v", res.Regions, tumor)
	}
	// Pixels deep inside the failed tile stay unknown.
	if res.Mask[48*96+48] != aggregate.MaskUnknown {
		t.Errorf("Failed tile center = %d, want unknown %d", res.Mask[48*96+48], aggregate.MaskUnknown)
	}
}

func TestInvalidInputIsNotRetried(t *testing.T) {
	sl := openFakeSlide(t, 96, 96, models.Rect{X: 4, Y: 4, W: 16, H: 16})

	cfg := testConfig()
	cfg.Inference.BatchSize = 1
	var targetCalls int
	var mu sync.Mutex
	engine := &fakeEngine{
		fail: func(batch []*models.Tile, call int) error {
			if batch[0].Rect.Contains(48, 48) {
				mu.Lock()
				targetCalls++
				mu.Unlock()
				return &inference.Error{Kind: inference.InvalidInput, Op: "infer", Err: errors.New("corrupt tile")}
			}
			return nil
		},
	}

	s, err := Start(sl, engine, cfg)
	if err != nil {
		t.Fatalf("Failed to start session: %v", err)
	}
	waitTerminal(t, s)

	if got := s.State(); got != StateCompleted {
		t.Fatalf("State = %s, want completed (err: %v)", got, s.Err())
	}
	mu.Lock()
	calls := targetCalls
	mu.Unlock()
	if calls != 1 {
		t.Errorf("Rejected tile was submitted %d times, want exactly 1 (no retry)", calls)
	}
	_, cov := s.Progress()
	if cov.Failed != 1 {
		t.Errorf("Coverage = %+v, want 1 failed tile", cov)
	}
}

func TestFatalFailureAbortsSession(t *testing.T) {
	tumor := models.Rect{X: 4, Y: 4, W: 16, H: 16}
	sl := openFakeSlide(t, 96, 96, tumor)

	// Strictly sequential scheduling so the outcome is deterministic: the
	// fifth tile (core at 32,32) kills the engine.
	cfg := testConfig()
	cfg.Scheduling.Workers = 1
	cfg.Scheduling.MaxInFlightTiles = 1
	cfg.Inference.BatchSize = 1
	engine := &fakeEngine{
		fail: func(batch []*models.Tile, call int) error {
			if batch[0].Rect.Contains(48, 48) {
				return &inference.Error{Kind: inference.Fatal, Op: "infer", Err: errors.New("device lost")}
			}
			return nil
		},
	}

	s, err := Start(sl, engine, cfg)
	if err != nil {
		t.Fatalf("Failed to start session: %v", err)
	}
	waitTerminal(t, s)

	if got := s.State(); got != StateFailed {
		t.Fatalf("State = %s, want failed", got)
	}
	if s.Err() == nil {
		t.Error("Failed session should report its fatal error")
	}

	_, cov := s.Progress()
	if cov.Merged != 4 || cov.Failed != 1 {
		t.Errorf("Coverage = %+v, want 4 merged then 1 failed (rest dropped)", cov)
	}

	// The merged portion is still reducible; the result must be partial
	// and keep the region processed before the failure.
	res, err := s.Result()
	if err != nil {
		t.Fatalf("Failed to get result from failed session: %v", err)
	}
	if !res.Partial {
		t.Error("Result of a failed session must be partial")
	}
	if len(res.Regions) != 1 || res.Regions[0].Bounds != tumor {
		t.Errorf("Regions = %+v, want the region merged before the failure at %+v", res.Regions, tumor)
	}
}

func TestAbandonInFlightOnCancel(t *testing.T) {
	// With the abandon flag set, a prediction arriving after cancellation
	// is dropped whole instead of merged.
	cfg := testConfig()
	cfg.Scheduling.AbandonInFlightOnCancel = true

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := &Session{
		cfg:      cfg,
		ctx:      ctx,
		slideMap: stitch.NewSlideMap(32, 32),
		extent:   models.Rect{W: 32, H: 32},
	}

	coord := models.TileCoordinate{}
	s.slideMap.Plan(coord)
	scores := make([]float32, 32*32)
	ev := tileEvent{
		req: models.TileRequest{Coord: coord, Extract: models.Rect{W: 32, H: 32}},
		pred: &models.TilePrediction{
			Coord:  coord,
			Rect:   models.Rect{W: 32, H: 32},
			Scores: scores,
		},
	}

	states := map[models.TileCoordinate]tileState{coord: tileInFlight}
	attempts := map[models.TileCoordinate]int{coord: 1}
	retries := make(chan models.TileRequest)
	var wg sync.WaitGroup
	outstanding := 1

	fatal := s.handleEvent(ev, states, attempts, retries, &wg, context.Background(), true, &outstanding)
	if fatal != nil {
		t.Fatalf("Abandoned prediction should not be fatal: %v", fatal)
	}
	if outstanding != 0 {
		t.Errorf("Outstanding = %d, want 0", outstanding)
	}
	if got := s.slideMap.TileState(coord); got != stitch.CoveragePending {
		t.Errorf("Tile state = %s, want pending (prediction dropped whole)", got)
	}
}
