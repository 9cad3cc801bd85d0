// Package visualization renders analysis artifacts (probability maps,
// segmentation masks, region outlines) into standard images for export and
// for the GUI layer.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"

	"github.com/BSMU-ITLab/vision-biocell/internal/models"
	"github.com/BSMU-ITLab/vision-biocell/pkg/aggregate"
	"github.com/BSMU-ITLab/vision-biocell/pkg/stitch"
)

// Class colors follow the desktop tool's palette: suspicious tissue in red,
// secondary class in orange, unknown in mid gray.
var (
	backgroundColor = color.NRGBA{0, 0, 0, 0}
	unknownColor    = color.NRGBA{128, 128, 128, 255}
	classColors     = map[uint8]color.NRGBA{
		aggregate.MaskForeground:     {220, 40, 40, 255},
		aggregate.MaskForeground + 1: {235, 140, 30, 255},
	}
)

// RenderProbability converts the score surface to a 16-bit grayscale image.
// Unknown pixels render black.
func RenderProbability(pm *stitch.ProbabilityMap) image.Image {
	img := image.NewGray16(image.Rect(0, 0, pm.Width, pm.Height))
	for y := 0; y < pm.Height; y++ {
		for x := 0; x < pm.Width; x++ {
			v, known := pm.At(x, y)
			if !known {
				continue
			}
			if v < 0 {
				v = 0
			}
			if v > 1 {
				v = 1
			}
			img.SetGray16(x, y, color.Gray16{Y: uint16(v * 65535)})
		}
	}
	return img
}

// RenderMask converts a segmentation mask to a paletted RGBA image with
// transparent background, suitable for overlaying on the slide in a viewer.
func RenderMask(mask []uint8, width, height int) (*image.NRGBA, error) {
	if len(mask) != width*height {
		return nil, fmt.Errorf("render mask: %d pixels for %dx%d image", len(mask), width, height)
	}
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			v := mask[y*width+x]
			c := backgroundColor
			switch {
			case v == aggregate.MaskUnknown:
				c = unknownColor
			case v != aggregate.MaskBackground:
				if cc, ok := classColors[v]; ok {
					c = cc
				} else {
					c = classColors[aggregate.MaskForeground]
				}
			}
			img.SetNRGBA(x, y, c)
		}
	}
	return img, nil
}

// DrawRegionOutlines draws the bounding box of each region onto the image.
func DrawRegionOutlines(img *image.NRGBA, regions []models.Region) {
	outline := color.NRGBA{255, 255, 0, 255}
	for _, region := range regions {
		b := region.Bounds
		for x := b.X; x < b.X+b.W; x++ {
			img.SetNRGBA(x, b.Y, outline)
			img.SetNRGBA(x, b.Y+b.H-1, outline)
		}
		for y := b.Y; y < b.Y+b.H; y++ {
			img.SetNRGBA(b.X, y, outline)
			img.SetNRGBA(b.X+b.W-1, y, outline)
		}
	}
}

// SavePNG writes an image to disk, creating parent directories as needed.
func SavePNG(img image.Image, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create image file: %w", err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		return fmt.Errorf("failed to encode image: %w", err)
	}
	return nil
}

// ExportResult writes the standard artifact set for a finished analysis:
// the probability map, the mask overlay with region outlines, and returns
// the written paths.
func ExportResult(pm *stitch.ProbabilityMap, res *aggregate.Result, outDir string) ([]string, error) {
	probPath := filepath.Join(outDir, "probability.png")
	if err := SavePNG(RenderProbability(pm), probPath); err != nil {
		return nil, err
	}

	maskImg, err := RenderMask(res.Mask, res.Width, res.Height)
	if err != nil {
		return nil, err
	}
	DrawRegionOutlines(maskImg, res.Regions)
	maskPath := filepath.Join(outDir, "mask.png")
	if err := SavePNG(maskImg, maskPath); err != nil {
		return nil, err
	}

	return []string{probPath, maskPath}, nil
}
