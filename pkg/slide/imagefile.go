package slide

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"github.com/BSMU-ITLab/vision-biocell/internal/models"
)

// pyramidMinDim stops pyramid construction once the smaller image dimension
// drops below it. Deeper levels would be smaller than a single tile anyway.
const pyramidMinDim = 512

// ImageProvider serves an ordinary raster image file (PNG, JPEG, TIFF) as a
// multi-resolution slide by building a small in-memory pyramid with repeated
// halving. It lets the analysis core run on plain images and test fixtures
// without a proprietary whole-slide codec.
//
// The pyramid Mats are written only during OpenImage; concurrent ReadRegion
// calls afterwards only copy out of them.
type ImageProvider struct {
	levels []gocv.Mat
}

// OpenImage opens a raster image file and wraps it in a Slide.
func OpenImage(path string) (*Slide, error) {
	base := gocv.IMRead(path, gocv.IMReadColor)
	if base.Empty() {
		return nil, &OpenError{Path: path, Err: fmt.Errorf("unreadable or empty image")}
	}

	p := &ImageProvider{levels: []gocv.Mat{base}}
	for {
		last := p.levels[len(p.levels)-1]
		w, h := last.Cols(), last.Rows()
		if w < pyramidMinDim*2 || h < pyramidMinDim*2 {
			break
		}
		down := gocv.NewMat()
		gocv.Resize(last, &down, image.Pt((w+1)/2, (h+1)/2), 0, 0, gocv.InterpolationArea)
		p.levels = append(p.levels, down)
	}

	s, err := New(path, p)
	if err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// LevelCount implements Provider.
func (p *ImageProvider) LevelCount() int { return len(p.levels) }

// LevelDimensions implements Provider.
func (p *ImageProvider) LevelDimensions(level int) (int, int, error) {
	if level < 0 || level >= len(p.levels) {
		return 0, 0, fmt.Errorf("level %d out of range [0, %d)", level, len(p.levels))
	}
	m := p.levels[level]
	return m.Cols(), m.Rows(), nil
}

// ReadRegion implements Provider. The region must lie fully inside the level.
func (p *ImageProvider) ReadRegion(level, x, y, w, h int) (*models.Tile, error) {
	if level < 0 || level >= len(p.levels) {
		return nil, fmt.Errorf("level %d out of range [0, %d)", level, len(p.levels))
	}
	m := p.levels[level]
	if x < 0 || y < 0 || x+w > m.Cols() || y+h > m.Rows() {
		return nil, &OutOfBoundsError{Level: level, Region: models.Rect{X: x, Y: y, W: w, H: h}}
	}

	roi := m.Region(image.Rect(x, y, x+w, y+h))
	defer roi.Close()
	// Clone to get a contiguous buffer; the region view shares rows with
	// the level Mat.
	contiguous := roi.Clone()
	defer contiguous.Close()

	return &models.Tile{
		Rect:     models.Rect{X: x, Y: y, W: w, H: h},
		Channels: contiguous.Channels(),
		Pixels:   contiguous.ToBytes(),
	}, nil
}

// Close releases all pyramid levels.
func (p *ImageProvider) Close() error {
	for i := range p.levels {
		p.levels[i].Close()
	}
	p.levels = nil
	return nil
}
