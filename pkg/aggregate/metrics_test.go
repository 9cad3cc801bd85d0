package aggregate

import (
	"math"
	"testing"
)

func TestCompareMasks(t *testing.T) {
	predicted := []uint8{1, 1, 0, 0, MaskUnknown, 1}
	reference := []uint8{1, 0, 1, 0, 1, 1}

	m, err := CompareMasks(predicted, reference, 1)
	if err != nil {
		t.Fatalf("Failed to compare masks: %v", err)
	}

	// The unknown pixel is excluded from every count.
	if m.TP != 2 || m.FP != 1 || m.FN != 1 || m.TN != 1 {
		t.Errorf("Counts = %+v, want TP=2 FP=1 FN=1 TN=1", m)
	}
}

func TestCompareMasksLengthMismatch(t *testing.T) {
	if _, err := CompareMasks([]uint8{1}, []uint8{1, 0}, 1); err == nil {
		t.Error("Masks of different lengths should fail")
	}
}

func TestDerivedMetrics(t *testing.T) {
	m := MaskMetrics{TP: 6, TN: 80, FP: 2, FN: 2}

	if got, want := m.Dice(), 12.0/16.0; math.Abs(got-want) > 1e-9 {
		t.Errorf("Dice = %g, want %g", got, want)
	}
	if got, want := m.IoU(), 6.0/10.0; math.Abs(got-want) > 1e-9 {
		t.Errorf("IoU = %g, want %g", got, want)
	}
	if got, want := m.Sensitivity(), 6.0/8.0; math.Abs(got-want) > 1e-9 {
		t.Errorf("Sensitivity = %g, want %g", got, want)
	}
	if got, want := m.Specificity(), 80.0/82.0; math.Abs(got-want) > 1e-9 {
		t.Errorf("Specificity = %g, want %g", got, want)
	}
}

func TestDerivedMetricsZeroDivision(t *testing.T) {
	// Two empty masks: no foreground anywhere.
	var m MaskMetrics
	m.TN = 100

	if got := m.Dice(); got != zeroDivision {
		t.Errorf("Dice on empty masks = %g, want sentinel %d", got, zeroDivision)
	}
	if got := m.IoU(); got != zeroDivision {
		t.Errorf("IoU on empty masks = %g, want sentinel %d", got, zeroDivision)
	}
	if got := m.Sensitivity(); got != zeroDivision {
		t.Errorf("Sensitivity on empty masks = %g, want sentinel %d", got, zeroDivision)
	}
	if got := m.Specificity(); got != 1 {
		t.Errorf("Specificity with only true negatives = %g, want 1", got)
	}
}

func TestMetricsAdd(t *testing.T) {
	a := MaskMetrics{TP: 1, TN: 2, FP: 3, FN: 4}
	b := MaskMetrics{TP: 10, TN: 20, FP: 30, FN: 40}
	a.Add(b)
	if a != (MaskMetrics{TP: 11, TN: 22, FP: 33, FN: 44}) {
		t.Errorf("Accumulated metrics = %+v", a)
	}
}
