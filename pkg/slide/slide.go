// Package slide abstracts a gigapixel whole-slide image as a grid of
// addressable tiles at a chosen resolution level, with boundary padding.
//
// The actual pixel I/O is delegated to a Provider, the external image I/O
// collaborator. A Slide wraps one opened provider handle, is read-only after
// opening and is safe for concurrent region reads.
package slide

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"github.com/BSMU-ITLab/vision-biocell/internal/models"
)

// BackgroundValue is the pad value for out-of-bounds pixels. Slide scanners
// produce white glass around the tissue, so the background is white.
const BackgroundValue uint8 = 255

// OpenError reports an unreadable or corrupt slide file.
type OpenError struct {
	Path string
	Err  error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("cannot open slide %s: %v", e.Path, e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }

// OutOfBoundsError reports a tile region that lies entirely outside the
// slide extent at the requested level.
type OutOfBoundsError struct {
	Level  int
	Region models.Rect
}

func (e *OutOfBoundsError) Error() string {
	return fmt.Sprintf("tile region %+v lies outside slide bounds at level %d", e.Region, e.Level)
}

// Provider is the external image I/O collaborator: a multi-resolution pixel
// source. Implementations must be safe for concurrent ReadRegion calls and
// must report unreadable files through OpenError from their constructors.
type Provider interface {
	// LevelCount returns the number of native pyramid levels, at least 1.
	LevelCount() int

	// LevelDimensions returns the pixel extent of a native level.
	LevelDimensions(level int) (width, height int, err error)

	// ReadRegion reads a region fully inside the given native level.
	ReadRegion(level, x, y, w, h int) (*models.Tile, error)

	// Close releases the underlying handle.
	Close() error
}

// Slide is an opened whole-slide image. All coordinates passed to Extract are
// in working-level pixels.
type Slide struct {
	provider Provider
	path     string

	// widths[i], heights[i] are the native dimensions of level i.
	widths  []int
	heights []int
}

// New wraps an opened provider handle. It fails with OpenError when the
// provider reports no usable levels.
func New(path string, p Provider) (*Slide, error) {
	n := p.LevelCount()
	if n < 1 {
		return nil, &OpenError{Path: path, Err: fmt.Errorf("provider reports %d levels", n)}
	}
	s := &Slide{provider: p, path: path}
	for level := 0; level < n; level++ {
		w, h, err := p.LevelDimensions(level)
		if err != nil {
			return nil, &OpenError{Path: path, Err: err}
		}
		if w <= 0 || h <= 0 {
			return nil, &OpenError{Path: path, Err: fmt.Errorf("level %d has empty extent %dx%d", level, w, h)}
		}
		s.widths = append(s.widths, w)
		s.heights = append(s.heights, h)
	}
	return s, nil
}

// Path returns the file path the slide was opened from.
func (s *Slide) Path() string { return s.path }

// LevelCount returns the number of addressable levels. Levels beyond the
// native pyramid are derived by downsampling, so any non-negative level is
// addressable; this is the native count.
func (s *Slide) LevelCount() int { return len(s.widths) }

// Dimensions returns the slide extent at the given working level. For levels
// beyond the native pyramid the extent of the deepest native level is halved
// once per extra level.
func (s *Slide) Dimensions(level int) (width, height int) {
	if level < len(s.widths) {
		return s.widths[level], s.heights[level]
	}
	// Derived level: halve the deepest native level.
	last := len(s.widths) - 1
	w, h := s.widths[last], s.heights[last]
	for i := last; i < level; i++ {
		w = (w + 1) / 2
		h = (h + 1) / 2
		if w < 1 {
			w = 1
		}
		if h < 1 {
			h = 1
		}
	}
	return w, h
}

// nearestLevel returns the native level Extract reads from for a working
// level, and the integer downsample factor between them (1 for native).
func (s *Slide) nearestLevel(level int) (native int, factor int) {
	if level < len(s.widths) {
		return level, 1
	}
	native = len(s.widths) - 1
	factor = 1 << (level - native)
	return native, factor
}

// Extract reads the request's pixel region (overlap margin included) at the
// request's working level. Pixels outside the slide extent are padded with
// BackgroundValue. It fails with OutOfBoundsError when the region lies
// entirely outside the slide.
func (s *Slide) Extract(req models.TileRequest) (*models.Tile, error) {
	level := req.Coord.Level
	region := req.Extract
	if region.Empty() {
		return nil, &OutOfBoundsError{Level: level, Region: region}
	}

	w, h := s.Dimensions(level)
	extent := models.Rect{X: 0, Y: 0, W: w, H: h}
	visible := region.Intersect(extent)
	if visible.Empty() {
		return nil, &OutOfBoundsError{Level: level, Region: region}
	}

	native, factor := s.nearestLevel(level)
	inner, err := s.readVisible(native, factor, visible)
	if err != nil {
		return nil, err
	}

	return padTile(inner, region), nil
}

// padTile embeds a tile into the larger target rect, filling pixels the tile
// does not cover with BackgroundValue.
func padTile(t *models.Tile, target models.Rect) *models.Tile {
	if t.Rect == target {
		return t
	}
	channels := t.Channels
	out := &models.Tile{
		Rect:     target,
		Channels: channels,
		Pixels:   make([]uint8, target.W*target.H*channels),
	}
	for i := range out.Pixels {
		out.Pixels[i] = BackgroundValue
	}

	dx := t.Rect.X - target.X
	dy := t.Rect.Y - target.Y
	rowBytes := t.Rect.W * channels
	for row := 0; row < t.Rect.H; row++ {
		src := t.Pixels[row*rowBytes : (row+1)*rowBytes]
		dstOff := ((dy+row)*target.W + dx) * channels
		copy(out.Pixels[dstOff:dstOff+rowBytes], src)
	}
	return out
}

// readVisible reads a fully in-bounds working-level region, going through the
// nearest native level and downscaling when the working level is derived.
func (s *Slide) readVisible(native, factor int, visible models.Rect) (*models.Tile, error) {
	if factor == 1 {
		return s.provider.ReadRegion(native, visible.X, visible.Y, visible.W, visible.H)
	}

	// Derived level: read the factor-scaled region from the deepest native
	// level, clipped to its extent, then downsample.
	nw, nh, err := s.provider.LevelDimensions(native)
	if err != nil {
		return nil, err
	}
	full := models.Rect{
		X: visible.X * factor,
		Y: visible.Y * factor,
		W: visible.W * factor,
		H: visible.H * factor,
	}
	scaled := full.Intersect(models.Rect{W: nw, H: nh})
	if scaled.Empty() {
		return nil, &OutOfBoundsError{Level: native, Region: full}
	}
	raw, err := s.provider.ReadRegion(native, scaled.X, scaled.Y, scaled.W, scaled.H)
	if err != nil {
		return nil, err
	}
	// A derived pixel row or column can scale past the native extent;
	// pad the missing remainder before resizing so border pixels are
	// blended with background instead of stretched.
	return resizeTile(padTile(raw, full), visible)
}

// resizeTile rescales a tile buffer to the target rect using area
// interpolation, which is the appropriate filter for downsampling.
func resizeTile(t *models.Tile, target models.Rect) (*models.Tile, error) {
	matType := gocv.MatTypeCV8UC3
	if t.Channels == 1 {
		matType = gocv.MatTypeCV8UC1
	}
	src, err := gocv.NewMatFromBytes(t.Rect.H, t.Rect.W, matType, t.Pixels)
	if err != nil {
		return nil, fmt.Errorf("resize tile: %w", err)
	}
	defer src.Close()

	dst := gocv.NewMat()
	defer dst.Close()
	gocv.Resize(src, &dst, image.Pt(target.W, target.H), 0, 0, gocv.InterpolationArea)

	return &models.Tile{
		Rect:     target,
		Channels: t.Channels,
		Pixels:   dst.ToBytes(),
	}, nil
}

// Close releases the provider handle.
func (s *Slide) Close() error {
	return s.provider.Close()
}
