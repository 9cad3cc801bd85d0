package stitch

// weightFloor keeps every pixel's contribution strictly positive so that a
// pixel covered by a single tile edge still receives a defined mean.
const weightFloor = 0.05

// CenterWeights builds a per-pixel weight map for a w x h tile where the
// weight is 1 in the tile center and falls off linearly towards the edges.
// Border predictions have less image context, so blending them with a lower
// weight hides tile seams better than a plain mean.
func CenterWeights(w, h int) []float32 {
	weights := make([]float32, w*h)
	for y := 0; y < h; y++ {
		wy := axisWeight(y, h)
		for x := 0; x < w; x++ {
			wx := axisWeight(x, w)
			v := wy
			if wx < wy {
				v = wx
			}
			if v < weightFloor {
				v = weightFloor
			}
			weights[y*w+x] = v
		}
	}
	return weights
}

// axisWeight returns the linear fall-off weight of position i on an axis of
// length n: 1 at the center, approaching 0 at either edge.
func axisWeight(i, n int) float32 {
	if n <= 1 {
		return 1
	}
	half := float32(n-1) / 2
	d := float32(i) - half
	if d < 0 {
		d = -d
	}
	return 1 - d/half
}
