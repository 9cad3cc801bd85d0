// Package stitch merges per-tile prediction maps into a single whole-slide
// probability map.
//
// The merge rule is a running weighted sum plus a weight count per pixel, so
// overlapping tile predictions resolve to their (weighted) arithmetic mean.
// The rule is commutative and associative: the finished map does not depend
// on the order tiles complete in.
package stitch

import (
	"fmt"
	"math"
	"sync"

	"github.com/BSMU-ITLab/vision-biocell/internal/models"
)

// stripeRows is the height of one lock stripe. Merges touching disjoint
// stripe sets proceed concurrently.
const stripeRows = 256

// CoverageState records the outcome for one planned tile.
type CoverageState int

const (
	// CoveragePending marks a planned tile with no outcome yet.
	CoveragePending CoverageState = iota

	// CoverageMerged marks a tile whose prediction is in the map.
	CoverageMerged

	// CoverageSkipped marks a tile skipped as background.
	CoverageSkipped

	// CoverageFailed marks a tile whose inference permanently failed;
	// its pixels stay unknown.
	CoverageFailed
)

func (s CoverageState) String() string {
	switch s {
	case CoveragePending:
		return "pending"
	case CoverageMerged:
		return "merged"
	case CoverageSkipped:
		return "skipped"
	case CoverageFailed:
		return "failed"
	default:
		return fmt.Sprintf("CoverageState(%d)", int(s))
	}
}

// ConsistencyError reports an internal invariant violation between the
// accumulated sums and the coverage counts. It should never occur; when it
// does the session must fail rather than return a silently wrong map.
type ConsistencyError struct {
	X, Y   int
	Sum    float64
	Count  float64
	Detail string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("stitch consistency violation at (%d,%d): sum=%g count=%g: %s",
		e.X, e.Y, e.Sum, e.Count, e.Detail)
}

// Coverage summarises tile outcomes at a point in time.
type Coverage struct {
	Planned int
	Merged  int
	Skipped int
	Failed  int
}

// Complete reports whether every planned tile has a terminal outcome.
func (c Coverage) Complete() bool {
	return c.Planned > 0 && c.Merged+c.Skipped+c.Failed == c.Planned
}

// Full reports whether every planned tile was actually merged.
func (c Coverage) Full() bool {
	return c.Planned > 0 && c.Merged == c.Planned
}

// SlideMap is the accumulating whole-slide prediction surface. It is the only
// structure mutated by multiple flows; all mutation goes through Merge and
// the Mark methods, which serialize per lock stripe.
type SlideMap struct {
	extent models.Rect

	sums   []float32
	counts []float32

	stripes []sync.Mutex

	coverMu sync.Mutex
	cover   map[models.TileCoordinate]CoverageState

	finalMu   sync.Mutex
	finalized bool
}

// NewSlideMap creates an empty map spanning a width x height working extent.
func NewSlideMap(width, height int) *SlideMap {
	nStripes := (height + stripeRows - 1) / stripeRows
	if nStripes < 1 {
		nStripes = 1
	}
	return &SlideMap{
		extent:  models.Rect{W: width, H: height},
		sums:    make([]float32, width*height),
		counts:  make([]float32, width*height),
		stripes: make([]sync.Mutex, nStripes),
		cover:   make(map[models.TileCoordinate]CoverageState),
	}
}

// Extent returns the working extent the map spans.
func (m *SlideMap) Extent() models.Rect { return m.extent }

// Plan registers a tile the scheduler intends to process. Every planned tile
// must later reach exactly one terminal coverage state.
func (m *SlideMap) Plan(coord models.TileCoordinate) {
	m.coverMu.Lock()
	defer m.coverMu.Unlock()
	if _, ok := m.cover[coord]; !ok {
		m.cover[coord] = CoveragePending
	}
}

// lockSpan locks the stripes intersecting rows [y0, y1) in ascending order
// and returns an unlock function. Ascending acquisition keeps concurrent
// merges deadlock-free.
func (m *SlideMap) lockSpan(y0, y1 int) func() {
	s0 := y0 / stripeRows
	s1 := (y1 - 1) / stripeRows
	if s0 < 0 {
		s0 = 0
	}
	if s1 >= len(m.stripes) {
		s1 = len(m.stripes) - 1
	}
	for i := s0; i <= s1; i++ {
		m.stripes[i].Lock()
	}
	return func() {
		for i := s1; i >= s0; i-- {
			m.stripes[i].Unlock()
		}
	}
}

// Merge folds one tile prediction into the map. The prediction's region is
// clipped against the map extent; out-of-extent pixels (overlap margins of
// border tiles) are ignored. Safe for concurrent use.
func (m *SlideMap) Merge(p *models.TilePrediction) error {
	m.finalMu.Lock()
	if m.finalized {
		m.finalMu.Unlock()
		return fmt.Errorf("merge %s: slide map already finalized", p.Coord)
	}
	m.finalMu.Unlock()

	if want := p.Rect.W * p.Rect.H; len(p.Scores) != want {
		return fmt.Errorf("merge %s: prediction holds %d scores for region %+v", p.Coord, len(p.Scores), p.Rect)
	}
	if p.Weights != nil && len(p.Weights) != len(p.Scores) {
		return fmt.Errorf("merge %s: %d weights for %d scores", p.Coord, len(p.Weights), len(p.Scores))
	}

	visible := p.Rect.Intersect(m.extent)
	if visible.Empty() {
		return fmt.Errorf("merge %s: prediction region %+v outside map extent", p.Coord, p.Rect)
	}

	unlock := m.lockSpan(visible.Y, visible.Y+visible.H)
	for y := visible.Y; y < visible.Y+visible.H; y++ {
		srcRow := (y - p.Rect.Y) * p.Rect.W
		dstRow := y * m.extent.W
		for x := visible.X; x < visible.X+visible.W; x++ {
			si := srcRow + (x - p.Rect.X)
			w := float32(1)
			if p.Weights != nil {
				w = p.Weights[si]
			}
			m.sums[dstRow+x] += p.Scores[si] * w
			m.counts[dstRow+x] += w
		}
	}
	unlock()

	m.setCover(p.Coord, CoverageMerged)
	return nil
}

// MarkSkipped records a background-skipped tile.
func (m *SlideMap) MarkSkipped(coord models.TileCoordinate) {
	m.setCover(coord, CoverageSkipped)
}

// MarkFailed records a tile whose inference permanently failed. Its pixels
// keep a zero coverage count, which finalization maps to the unknown
// sentinel.
func (m *SlideMap) MarkFailed(coord models.TileCoordinate) {
	m.setCover(coord, CoverageFailed)
}

func (m *SlideMap) setCover(coord models.TileCoordinate, state CoverageState) {
	m.coverMu.Lock()
	m.cover[coord] = state
	m.coverMu.Unlock()
}

// Coverage returns the current tile outcome summary.
func (m *SlideMap) Coverage() Coverage {
	m.coverMu.Lock()
	defer m.coverMu.Unlock()
	var c Coverage
	c.Planned = len(m.cover)
	for _, state := range m.cover {
		switch state {
		case CoverageMerged:
			c.Merged++
		case CoverageSkipped:
			c.Skipped++
		case CoverageFailed:
			c.Failed++
		}
	}
	return c
}

// TileState returns the recorded outcome for one planned tile.
func (m *SlideMap) TileState(coord models.TileCoordinate) CoverageState {
	m.coverMu.Lock()
	defer m.coverMu.Unlock()
	return m.cover[coord]
}

// Finalize normalizes the accumulated sums into an immutable probability map
// and freezes the SlideMap. Pixels never covered stay unknown. It fails with
// ConsistencyError when sums and counts disagree.
func (m *SlideMap) Finalize() (*ProbabilityMap, error) {
	m.finalMu.Lock()
	m.finalized = true
	m.finalMu.Unlock()

	unlock := m.lockSpan(0, m.extent.H)
	defer unlock()

	out := &ProbabilityMap{
		Width:    m.extent.W,
		Height:   m.extent.H,
		Values:   make([]float32, len(m.sums)),
		Known:    make([]bool, len(m.sums)),
		Coverage: m.Coverage(),
	}
	for i := range m.sums {
		count := m.counts[i]
		sum := m.sums[i]
		switch {
		case count > 0:
			v := sum / count
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				return nil, &ConsistencyError{
					X: i % m.extent.W, Y: i / m.extent.W,
					Sum: float64(sum), Count: float64(count),
					Detail: "accumulated mean is not finite",
				}
			}
			out.Values[i] = v
			out.Known[i] = true
		case sum != 0:
			return nil, &ConsistencyError{
				X: i % m.extent.W, Y: i / m.extent.W,
				Sum: float64(sum), Count: float64(count),
				Detail: "nonzero sum with zero coverage count",
			}
		}
	}
	return out, nil
}

// ProbabilityMap is the finished whole-slide score surface. It is immutable;
// the aggregator and exporters read it concurrently without locking.
type ProbabilityMap struct {
	Width  int
	Height int

	// Values holds the mean score per pixel; only meaningful where Known.
	Values []float32

	// Known marks pixels covered by at least one merged prediction.
	Known []bool

	// Coverage is the tile outcome summary at finalization time.
	Coverage Coverage
}

// At returns the score at (x, y) and whether it is known.
func (p *ProbabilityMap) At(x, y int) (float32, bool) {
	i := y*p.Width + x
	return p.Values[i], p.Known[i]
}

// KnownFraction returns the fraction of pixels with a known score.
func (p *ProbabilityMap) KnownFraction() float64 {
	if len(p.Known) == 0 {
		return 0
	}
	n := 0
	for _, k := range p.Known {
		if k {
			n++
		}
	}
	return float64(n) / float64(len(p.Known))
}
