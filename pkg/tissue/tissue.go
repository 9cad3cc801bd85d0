// Package tissue provides the optional tissue-mask collaborator used by the
// scheduler to skip tiles that fall entirely on empty glass. The mask is a
// scheduling optimization only; when absent the full tile grid is processed.
package tissue

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"github.com/BSMU-ITLab/vision-biocell/internal/models"
	"github.com/BSMU-ITLab/vision-biocell/pkg/slide"
)

// MaskProvider answers whether a working-level region contains only
// background. Implementations must be safe for concurrent use.
type MaskProvider interface {
	IsBackground(region models.Rect) bool
}

// Config holds the tissue detection thresholds. Stained tissue is saturated
// and darker than glass, so a pixel counts as tissue when both its HSV
// saturation and its brightness distance from white exceed the thresholds.
type Config struct {
	// SaturationThreshold is in [0, 1]; pixels below it look like glass.
	SaturationThreshold float64

	// BrightnessThreshold is in [0, 1]; pixels need at least this much
	// brightness to count (rules out scanner border black).
	BrightnessThreshold float64

	// BlurSize is the Gaussian blur kernel edge applied before
	// thresholding; values below 2 disable the blur.
	BlurSize int
}

// DefaultConfig returns the detection thresholds used by the desktop tool.
func DefaultConfig() Config {
	return Config{
		SaturationThreshold: 0.075,
		BrightnessThreshold: 0.03,
		BlurSize:            3,
	}
}

// ThresholdMask is a coarse tissue map built once from a deep pyramid level
// of the slide. IsBackground scales the queried working-level region down to
// the overview resolution and reports whether any tissue pixel falls inside.
//
// The mask grid is immutable after construction, so concurrent queries need
// no locking.
type ThresholdMask struct {
	tissue []bool
	w, h   int

	// scaleX, scaleY convert working-level coordinates to mask grid
	// coordinates.
	scaleX float64
	scaleY float64
}

// NewThresholdMask builds a tissue mask for the given working level from the
// deepest pyramid level of the slide.
func NewThresholdMask(s *slide.Slide, workingLevel int, cfg Config) (*ThresholdMask, error) {
	overview := s.LevelCount() - 1
	ow, oh := s.Dimensions(overview)

	tile, err := s.Extract(models.TileRequest{
		Coord:   models.TileCoordinate{Level: overview},
		Extract: models.Rect{X: 0, Y: 0, W: ow, H: oh},
	})
	if err != nil {
		return nil, fmt.Errorf("tissue mask: extract overview: %w", err)
	}

	tissue, err := detectTissue(tile, cfg)
	if err != nil {
		return nil, err
	}

	ww, wh := s.Dimensions(workingLevel)
	return &ThresholdMask{
		tissue: tissue,
		w:      ow,
		h:      oh,
		scaleX: float64(ow) / float64(ww),
		scaleY: float64(oh) / float64(wh),
	}, nil
}

// IsBackground implements MaskProvider.
func (m *ThresholdMask) IsBackground(region models.Rect) bool {
	x0 := int(float64(region.X) * m.scaleX)
	y0 := int(float64(region.Y) * m.scaleY)
	x1 := int(float64(region.X+region.W)*m.scaleX) + 1
	y1 := int(float64(region.Y+region.H)*m.scaleY) + 1

	if x0 < 0 {
		x0 = 0
	}
	if y0 < 0 {
		y0 = 0
	}
	if x1 > m.w {
		x1 = m.w
	}
	if y1 > m.h {
		y1 = m.h
	}

	for y := y0; y < y1; y++ {
		row := y * m.w
		for x := x0; x < x1; x++ {
			if m.tissue[row+x] {
				return false
			}
		}
	}
	return true
}

// TissueFraction returns the fraction of mask pixels classified as tissue,
// useful for logging the expected tile skip rate.
func (m *ThresholdMask) TissueFraction() float64 {
	if len(m.tissue) == 0 {
		return 0
	}
	n := 0
	for _, t := range m.tissue {
		if t {
			n++
		}
	}
	return float64(n) / float64(len(m.tissue))
}

// detectTissue thresholds the overview tile in HSV space: a pixel is tissue
// when it is both saturated and not near-black.
func detectTissue(tile *models.Tile, cfg Config) ([]bool, error) {
	matType := gocv.MatTypeCV8UC3
	if tile.Channels == 1 {
		matType = gocv.MatTypeCV8UC1
	}
	raw, err := gocv.NewMatFromBytes(tile.Rect.H, tile.Rect.W, matType, tile.Pixels)
	if err != nil {
		return nil, fmt.Errorf("tissue mask: %w", err)
	}
	defer raw.Close()

	bgr := raw
	if tile.Channels == 1 {
		bgr = gocv.NewMat()
		defer bgr.Close()
		gocv.CvtColor(raw, &bgr, gocv.ColorGrayToBGR)
	}

	hsv := gocv.NewMat()
	defer hsv.Close()
	gocv.CvtColor(bgr, &hsv, gocv.ColorBGRToHSV)
	if cfg.BlurSize > 1 {
		gocv.GaussianBlur(hsv, &hsv, image.Pt(cfg.BlurSize, cfg.BlurSize), 0, 0, gocv.BorderDefault)
	}

	channels := gocv.Split(hsv)
	defer func() {
		for i := range channels {
			channels[i].Close()
		}
	}()
	sat := channels[1].ToBytes()
	val := channels[2].ToBytes()

	// 8-bit HSV keeps S and V in [0, 255].
	satTh := uint8(cfg.SaturationThreshold * 255)
	valTh := uint8(cfg.BrightnessThreshold * 255)

	tissue := make([]bool, len(sat))
	for i := range sat {
		tissue[i] = sat[i] > satTh && val[i] > valTh
	}
	return tissue, nil
}
