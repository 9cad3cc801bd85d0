// Package analysis orchestrates a whole-slide inference run: it plans the
// tile grid, schedules extraction and batched inference under admission
// control, feeds predictions to the stitcher and exposes progress,
// cancellation and results to external consumers.
package analysis

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/BSMU-ITLab/vision-biocell/internal/models"
	"github.com/BSMU-ITLab/vision-biocell/pkg/aggregate"
	"github.com/BSMU-ITLab/vision-biocell/pkg/config"
	"github.com/BSMU-ITLab/vision-biocell/pkg/inference"
	"github.com/BSMU-ITLab/vision-biocell/pkg/slide"
	"github.com/BSMU-ITLab/vision-biocell/pkg/stitch"
	"github.com/BSMU-ITLab/vision-biocell/pkg/tissue"
)

// State is the session lifecycle state.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateCompleted
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// Option customises a session at start.
type Option func(*Session)

// WithTissueMask installs the optional background pre-check; tiles whose
// whole extraction region is background are skipped.
func WithTissueMask(m tissue.MaskProvider) Option {
	return func(s *Session) { s.mask = m }
}

// Session is the handle for one analysis run over one slide.
type Session struct {
	id     uuid.UUID
	slide  *slide.Slide
	engine inference.Engine
	cfg    *config.Config
	mask   tissue.MaskProvider

	ctx    context.Context
	cancel context.CancelFunc
	abort  atomic.Bool

	slideMap *stitch.SlideMap
	extent   models.Rect

	weightMu    sync.Mutex
	weightCache map[[2]int][]float32

	mu     sync.Mutex
	state  State
	runErr error
	pm     *stitch.ProbabilityMap

	done chan struct{}
}

// Start begins an analysis run and returns its handle. The slide and engine
// must stay usable until the session reaches a terminal state.
func Start(sl *slide.Slide, engine inference.Engine, cfg *config.Config, opts ...Option) (*Session, error) {
	if sl == nil {
		return nil, fmt.Errorf("analysis: nil slide")
	}
	if engine == nil {
		return nil, fmt.Errorf("analysis: nil engine")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("analysis: %w", err)
	}

	w, h := sl.Dimensions(cfg.Tiling.WorkingLevel)
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:          uuid.New(),
		slide:       sl,
		engine:      engine,
		cfg:         cfg,
		ctx:         ctx,
		cancel:      cancel,
		slideMap:    stitch.NewSlideMap(w, h),
		extent:      models.Rect{W: w, H: h},
		weightCache: make(map[[2]int][]float32),
		state:       StateRunning,
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.run()
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id.String() }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the fatal error that terminated a failed session, nil
// otherwise.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runErr
}

// Cancel requests cooperative cancellation: no new tiles are issued, and
// in-flight batches either drain or are abandoned per configuration.
// Idempotent.
func (s *Session) Cancel() { s.cancel() }

// Wait blocks until the session reaches a terminal state or ctx expires.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Progress returns the fraction of planned tiles with a terminal outcome and
// the current coverage summary.
func (s *Session) Progress() (float64, stitch.Coverage) {
	cov := s.slideMap.Coverage()
	if cov.Planned == 0 {
		return 0, cov
	}
	return float64(cov.Merged+cov.Skipped+cov.Failed) / float64(cov.Planned), cov
}

// Result reduces the finished slide map into region artifacts. It fails
// while the session is still running and after a failure that prevented
// finalization. The result carries a Partial flag whenever it does not
// describe the complete slide.
func (s *Session) Result() (*aggregate.Result, error) {
	s.mu.Lock()
	state, pm, runErr := s.state, s.pm, s.runErr
	s.mu.Unlock()

	if !state.Terminal() {
		return nil, fmt.Errorf("analysis %s: still %s", s.id, state)
	}
	if pm == nil {
		return nil, fmt.Errorf("analysis %s: no result: %w", s.id, runErr)
	}

	res, err := aggregate.Reduce(pm, aggregate.Params{
		Threshold: s.cfg.Aggregation.SegmentationThreshold,
		MinArea:   s.cfg.Aggregation.RegionMinArea,
	})
	if err != nil {
		return nil, err
	}
	if state != StateCompleted {
		res.Partial = true
	}
	return res, nil
}

// ProbabilityMap returns the finalized score surface, nil before the session
// terminates or when finalization failed.
func (s *Session) ProbabilityMap() *stitch.ProbabilityMap {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pm
}

// aborted reports whether workers should stop picking up new batches.
func (s *Session) aborted() bool {
	return s.ctx.Err() != nil || s.abort.Load()
}

// weightsFor returns the per-pixel blend weights for a tile of the given
// extracted size, or nil when center weighting is disabled.
func (s *Session) weightsFor(w, h int) []float32 {
	if !s.cfg.Stitching.CenterWeighting {
		return nil
	}
	key := [2]int{w, h}
	s.weightMu.Lock()
	defer s.weightMu.Unlock()
	if cached, ok := s.weightCache[key]; ok {
		return cached
	}
	weights := stitch.CenterWeights(w, h)
	s.weightCache[key] = weights
	return weights
}
