package visualization

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/BSMU-ITLab/vision-biocell/internal/models"
	"github.com/BSMU-ITLab/vision-biocell/pkg/aggregate"
	"github.com/BSMU-ITLab/vision-biocell/pkg/stitch"
)

func testProbabilityMap() *stitch.ProbabilityMap {
	pm := &stitch.ProbabilityMap{
		Width:  4,
		Height: 2,
		Values: []float32{0, 0.5, 1, 0, 0.25, 0.75, 0, 0},
		Known:  []bool{true, true, true, false, true, true, true, true},
		Coverage: stitch.Coverage{
			Planned: 1,
			Merged:  1,
		},
	}
	return pm
}

func TestRenderProbability(t *testing.T) {
	img := RenderProbability(testProbabilityMap())

	if img.Bounds() != image.Rect(0, 0, 4, 2) {
		t.Fatalf("Image bounds = %v, want 4x2", img.Bounds())
	}
	gray := img.(*image.Gray16)
	if got := gray.Gray16At(0, 0).Y; got != 0 {
		t.Errorf("Score 0 rendered as %d, want 0", got)
	}
	if got := gray.Gray16At(2, 0).Y; got != 65535 {
		t.Errorf("Score 1 rendered as %d, want 65535", got)
	}
	// Unknown pixels render black.
	if got := gray.Gray16At(3, 0).Y; got != 0 {
		t.Errorf("Unknown pixel rendered as %d, want 0", got)
	}
	halfScore := 0.5
	if got := gray.Gray16At(1, 0).Y; got != uint16(halfScore*65535) {
		t.Errorf("Score 0.5 rendered as %d, want %d", got, uint16(halfScore*65535))
	}
}

func TestRenderMask(t *testing.T) {
	mask := []uint8{
		aggregate.MaskBackground, aggregate.MaskForeground,
		aggregate.MaskForeground + 1, aggregate.MaskUnknown,
	}
	img, err := RenderMask(mask, 2, 2)
	if err != nil {
		t.Fatalf("Failed to render mask: %v", err)
	}

	if got := img.NRGBAAt(0, 0); got != (color.NRGBA{}) {
		t.Errorf("Background pixel = %v, want transparent", got)
	}
	if got := img.NRGBAAt(1, 0); got != classColors[aggregate.MaskForeground] {
		t.Errorf("Foreground pixel = %v, want %v", got, classColors[aggregate.MaskForeground])
	}
	if got := img.NRGBAAt(0, 1); got != classColors[aggregate.MaskForeground+1] {
		t.Errorf("Second class pixel = %v, want %v", got, classColors[aggregate.MaskForeground+1])
	}
	if got := img.NRGBAAt(1, 1); got != unknownColor {
		t.Errorf("Unknown pixel = %v, want %v", got, unknownColor)
	}
}

func TestRenderMaskRejectsSizeMismatch(t *testing.T) {
	if _, err := RenderMask(make([]uint8, 3), 2, 2); err == nil {
		t.Error("RenderMask should reject a mask not matching the dimensions")
	}
}

func TestDrawRegionOutlines(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 16, 16))
	regions := []models.Region{
		{Label: 1, Bounds: models.Rect{X: 2, Y: 3, W: 5, H: 4}},
	}
	DrawRegionOutlines(img, regions)

	outline := color.NRGBA{255, 255, 0, 255}
	// Corners of the bounding box are painted.
	if img.NRGBAAt(2, 3) != outline {
		t.Error("Top-left corner should carry the outline color")
	}
	if img.NRGBAAt(6, 6) != outline {
		t.Error("Bottom-right corner should carry the outline color")
	}
	// The box interior stays untouched.
	if img.NRGBAAt(4, 5) != (color.NRGBA{}) {
		t.Error("Box interior should stay transparent")
	}
}

func TestExportResult(t *testing.T) {
	pm := testProbabilityMap()
	res, err := aggregate.Reduce(pm, aggregate.Params{Threshold: 0.5, MinArea: 1})
	if err != nil {
		t.Fatalf("Failed to reduce: %v", err)
	}

	outDir := filepath.Join(t.TempDir(), "export")
	paths, err := ExportResult(pm, res, outDir)
	if err != nil {
		t.Fatalf("Failed to export result: %v", err)
	}
	if len(paths) != 2 {
		t.Fatalf("Exported %d files, want 2", len(paths))
	}

	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			t.Fatalf("Exported file missing: %v", err)
		}
		if _, err := png.Decode(f); err != nil {
			t.Errorf("Exported file %s is not a decodable PNG: %v", p, err)
		}
		f.Close()
	}
}
