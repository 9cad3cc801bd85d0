// Package models holds the value types shared between the slide, analysis,
// stitch and aggregate packages: tile addressing, pixel buffers, per-tile
// prediction maps and the final region artifacts.
package models

import "fmt"

// Rect is a pixel-aligned rectangle in working-level coordinates.
// X and Y are the top-left corner; W and H are the extent in pixels.
type Rect struct {
	X, Y, W, H int
}

// Empty reports whether the rectangle covers no pixels.
func (r Rect) Empty() bool {
	return r.W <= 0 || r.H <= 0
}

// Area returns the number of pixels covered by the rectangle.
func (r Rect) Area() int {
	if r.Empty() {
		return 0
	}
	return r.W * r.H
}

// Intersect returns the overlap of r and other. The result is empty when the
// rectangles do not overlap.
func (r Rect) Intersect(other Rect) Rect {
	x0 := max(r.X, other.X)
	y0 := max(r.Y, other.Y)
	x1 := min(r.X+r.W, other.X+other.W)
	y1 := min(r.Y+r.H, other.Y+other.H)
	if x1 <= x0 || y1 <= y0 {
		return Rect{}
	}
	return Rect{X: x0, Y: y0, W: x1 - x0, H: y1 - y0}
}

// Contains reports whether the point (x, y) lies inside the rectangle.
func (r Rect) Contains(x, y int) bool {
	return x >= r.X && x < r.X+r.W && y >= r.Y && y < r.Y+r.H
}

// TileCoordinate identifies a tile by its pyramid level and grid position.
// It is an immutable value and is used as a map key, so it must stay
// comparable.
type TileCoordinate struct {
	Level int
	Row   int
	Col   int
}

func (c TileCoordinate) String() string {
	return fmt.Sprintf("L%d(r%d,c%d)", c.Level, c.Row, c.Col)
}

// TileRequest is one unit of scheduled work: a tile coordinate plus the pixel
// region to extract, including the overlap margin around the core region.
type TileRequest struct {
	Coord TileCoordinate

	// Core is the non-overlapping grid cell owned by this tile.
	Core Rect

	// Extract is Core grown by the overlap margin on every side, clipped
	// against nothing: parts outside the slide are padded at extraction.
	Extract Rect

	// Margin is the overlap margin in pixels used to build Extract.
	Margin int
}

// Tile is a pixel buffer extracted from a slide, interleaved row-major.
type Tile struct {
	Rect     Rect
	Channels int
	Pixels   []uint8
}

// TilePrediction is the inference output for one TileRequest: a dense
// per-pixel score map aligned to the extracted region (margin included).
type TilePrediction struct {
	Coord  TileCoordinate
	Rect   Rect
	Scores []float32

	// Weights optionally carries a per-pixel contribution weight of the
	// same shape as Scores. Nil means uniform weight 1.
	Weights []float32
}

// Region is a connected high-score area extracted from the finished slide
// map, with its summary statistics.
type Region struct {
	// Label is the 1-based connected-component label.
	Label int

	// Bounds is the tight bounding box of the region.
	Bounds Rect

	// Area is the region size in pixels at the working resolution.
	Area int

	// MeanScore and PeakScore summarise the probability map inside the
	// region.
	MeanScore float64
	PeakScore float64
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
