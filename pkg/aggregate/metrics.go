package aggregate

import "fmt"

// MaskMetrics holds the confusion counts between a predicted mask and a
// reference mask, with the derived quality scores used to calibrate the
// segmentation threshold against annotated slides.
type MaskMetrics struct {
	TP int // foreground in both masks
	TN int // background in both masks
	FP int // predicted foreground, reference background
	FN int // predicted background, reference foreground
}

// zeroDivision is returned by the derived metrics when their denominator is
// zero (e.g. Dice on two empty masks), matching the calibration tooling's
// sentinel.
const zeroDivision = -1

// CompareMasks counts the confusion matrix between a predicted and a
// reference mask for one foreground class. Unknown pixels in the prediction
// are excluded from all counts.
func CompareMasks(predicted, reference []uint8, foreground uint8) (MaskMetrics, error) {
	var m MaskMetrics
	if len(predicted) != len(reference) {
		return m, fmt.Errorf("compare masks: %d predicted pixels vs %d reference", len(predicted), len(reference))
	}
	for i, p := range predicted {
		if p == MaskUnknown {
			continue
		}
		predFg := p == foreground
		refFg := reference[i] == foreground
		switch {
		case predFg && refFg:
			m.TP++
		case predFg && !refFg:
			m.FP++
		case !predFg && refFg:
			m.FN++
		default:
			m.TN++
		}
	}
	return m, nil
}

// Add accumulates another mask's counts, for dataset-level metrics.
func (m *MaskMetrics) Add(other MaskMetrics) {
	m.TP += other.TP
	m.TN += other.TN
	m.FP += other.FP
	m.FN += other.FN
}

// Dice returns the Dice similarity coefficient 2TP / (2TP + FP + FN).
func (m MaskMetrics) Dice() float64 {
	return ratio(2*float64(m.TP), 2*float64(m.TP)+float64(m.FP)+float64(m.FN))
}

// IoU returns the intersection over union TP / (TP + FP + FN).
func (m MaskMetrics) IoU() float64 {
	return ratio(float64(m.TP), float64(m.TP)+float64(m.FP)+float64(m.FN))
}

// Sensitivity returns the true positive rate TP / (TP + FN).
func (m MaskMetrics) Sensitivity() float64 {
	return ratio(float64(m.TP), float64(m.TP)+float64(m.FN))
}

// Specificity returns the true negative rate TN / (TN + FP).
func (m MaskMetrics) Specificity() float64 {
	return ratio(float64(m.TN), float64(m.TN)+float64(m.FP))
}

func ratio(dividend, divisor float64) float64 {
	if divisor == 0 {
		return zeroDivision
	}
	return dividend / divisor
}
