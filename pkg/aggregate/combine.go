package aggregate

import "fmt"

// CombineClassMasks overlays per-class segmentation masks into one
// multi-class mask. The first mask is the base; for each following mask its
// foreground pixels overwrite the combined value, so later classes take
// precedence (e.g. Gleason pattern 4 over pattern 3). Unknown pixels stay
// unknown unless a later class claims them.
func CombineClassMasks(masks [][]uint8, foregroundClasses []uint8) ([]uint8, error) {
	if len(masks) == 0 {
		return nil, fmt.Errorf("combine masks: no masks given")
	}
	if len(masks) != len(foregroundClasses) {
		return nil, fmt.Errorf("combine masks: %d masks but %d classes", len(masks), len(foregroundClasses))
	}
	for i, m := range masks[1:] {
		if len(m) != len(masks[0]) {
			return nil, fmt.Errorf("combine masks: mask %d has %d pixels, want %d", i+1, len(m), len(masks[0]))
		}
	}

	combined := make([]uint8, len(masks[0]))
	copy(combined, masks[0])
	for i := 1; i < len(masks); i++ {
		class := foregroundClasses[i]
		for p, v := range masks[i] {
			if v == class {
				combined[p] = class
			}
		}
	}
	return combined, nil
}
