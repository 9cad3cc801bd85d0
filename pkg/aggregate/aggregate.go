// Package aggregate reduces a finished whole-slide probability map into the
// final artifacts: a binarized segmentation mask, connected high-score
// regions with summary scores, and mask comparison metrics.
//
// All functions operate read-only on the immutable stitch.ProbabilityMap, so
// aggregation can be re-run at any time with identical results.
package aggregate

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/BSMU-ITLab/vision-biocell/internal/models"
	"github.com/BSMU-ITLab/vision-biocell/pkg/stitch"
)

// Mask pixel values. Unknown marks pixels never covered by a merged
// prediction (failed or unprocessed tiles) so downstream consumers can
// distinguish "no tumor" from "no answer".
const (
	MaskBackground uint8 = 0
	MaskForeground uint8 = 1
	MaskUnknown    uint8 = 255
)

// Params controls the reduction from probability map to artifacts.
type Params struct {
	// Threshold binarizes the probability map.
	Threshold float64

	// MinArea suppresses connected regions smaller than this many pixels.
	MinArea int

	// ForegroundClass is the mask value written for foreground pixels,
	// letting per-class runs (e.g. Gleason patterns) write distinct
	// labels. Zero means MaskForeground.
	ForegroundClass uint8
}

// Result holds the derived artifacts for one analysis run.
type Result struct {
	Width  int
	Height int

	// Mask is the binarized segmentation map using the Mask* values.
	Mask []uint8

	// Regions are the connected foreground areas that passed the
	// minimum-area filter, ordered by descending area.
	Regions []models.Region

	// Coverage is the tile outcome summary carried over from stitching.
	Coverage stitch.Coverage

	// Partial is set when the result does not describe the full requested
	// extent: cancellation, unprocessed tiles or permanent tile failures.
	// Consumers must never present a partial result as a complete one.
	Partial bool
}

// Reduce derives the artifacts from a finished probability map. Rerunning
// with the same parameters yields an identical Result.
func Reduce(pm *stitch.ProbabilityMap, p Params) (*Result, error) {
	if pm == nil {
		return nil, fmt.Errorf("aggregate: nil probability map")
	}
	if p.Threshold < 0 || p.Threshold > 1 {
		return nil, fmt.Errorf("aggregate: threshold %g outside [0, 1]", p.Threshold)
	}
	foreground := p.ForegroundClass
	if foreground == 0 {
		foreground = MaskForeground
	}

	res := &Result{
		Width:    pm.Width,
		Height:   pm.Height,
		Mask:     binarize(pm, float32(p.Threshold), foreground),
		Coverage: pm.Coverage,
	}
	res.Regions = extractRegions(pm, res.Mask, foreground, p.MinArea)
	res.Partial = pm.Coverage.Failed > 0 || !pm.Coverage.Complete()
	return res, nil
}

// binarize thresholds the probability map, keeping unknown pixels marked.
func binarize(pm *stitch.ProbabilityMap, threshold float32, foreground uint8) []uint8 {
	mask := make([]uint8, len(pm.Values))
	for i, v := range pm.Values {
		switch {
		case !pm.Known[i]:
			mask[i] = MaskUnknown
		case v > threshold:
			mask[i] = foreground
		default:
			mask[i] = MaskBackground
		}
	}
	return mask
}

// extractRegions labels 8-connected foreground components with an iterative
// flood fill and keeps those at or above the minimum area. Scan order makes
// the labelling deterministic.
func extractRegions(pm *stitch.ProbabilityMap, mask []uint8, foreground uint8, minArea int) []models.Region {
	w, h := pm.Width, pm.Height
	labels := make([]int32, len(mask))
	var regions []models.Region

	next := int32(0)
	var stack []int

	for start := range mask {
		if mask[start] != foreground || labels[start] != 0 {
			continue
		}
		next++
		label := next

		// Flood fill this component.
		stack = append(stack[:0], start)
		labels[start] = label

		area := 0
		var scoreSum float64
		peak := float64(pm.Values[start])
		bounds := models.Rect{X: start % w, Y: start / w, W: 1, H: 1}

		for len(stack) > 0 {
			i := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			x, y := i%w, i/w
			area++
			v := float64(pm.Values[i])
			scoreSum += v
			if v > peak {
				peak = v
			}
			bounds = growRect(bounds, x, y)

			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					if dx == 0 && dy == 0 {
						continue
					}
					nx, ny := x+dx, y+dy
					if nx < 0 || ny < 0 || nx >= w || ny >= h {
						continue
					}
					ni := ny*w + nx
					if mask[ni] == foreground && labels[ni] == 0 {
						labels[ni] = label
						stack = append(stack, ni)
					}
				}
			}
		}

		if area < minArea {
			continue
		}
		regions = append(regions, models.Region{
			Label:     int(label),
			Bounds:    bounds,
			Area:      area,
			MeanScore: scoreSum / float64(area),
			PeakScore: peak,
		})
	}

	sort.SliceStable(regions, func(i, j int) bool {
		return regions[i].Area > regions[j].Area
	})
	return regions
}

func growRect(r models.Rect, x, y int) models.Rect {
	x0, y0 := r.X, r.Y
	x1, y1 := r.X+r.W, r.Y+r.H
	if x < x0 {
		x0 = x
	}
	if y < y0 {
		y0 = y
	}
	if x+1 > x1 {
		x1 = x + 1
	}
	if y+1 > y1 {
		y1 = y + 1
	}
	return models.Rect{X: x0, Y: y0, W: x1 - x0, H: y1 - y0}
}

// RegionScores returns the scores of all pixels belonging to foreground
// inside the region bounds, for callers that want their own statistics.
func RegionScores(pm *stitch.ProbabilityMap, mask []uint8, foreground uint8, region models.Region) []float64 {
	scores := make([]float64, 0, region.Area)
	for y := region.Bounds.Y; y < region.Bounds.Y+region.Bounds.H; y++ {
		for x := region.Bounds.X; x < region.Bounds.X+region.Bounds.W; x++ {
			i := y*pm.Width + x
			if mask[i] == foreground {
				scores = append(scores, float64(pm.Values[i]))
			}
		}
	}
	return scores
}

// ScoreSummary returns the mean and standard deviation of the known scores in
// the whole map, logged as a sanity indicator after a run.
func ScoreSummary(pm *stitch.ProbabilityMap) (mean, stddev float64) {
	known := make([]float64, 0, len(pm.Values))
	for i, v := range pm.Values {
		if pm.Known[i] {
			known = append(known, float64(v))
		}
	}
	if len(known) == 0 {
		return 0, 0
	}
	mean, variance := stat.MeanVariance(known, nil)
	if len(known) < 2 {
		return mean, 0
	}
	return mean, math.Sqrt(variance)
}
