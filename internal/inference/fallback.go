package inference

import (
	"math"

	"textdetect-service/internal/features"
)

// Fallback is the closed-form probability used when no model is loaded:
// the vector mean clamped to [0,10], passed through 1/(1+e^-(x-2)).
func Fallback(v features.Vector) float64 {
	x := clamp(v.Mean(), 0, 10)
	return clamp(1/(1+math.Exp(-(x-2))), 0, 1)
}

func clamp(x, lo, hi float64) float64 {
	if math.IsNaN(x) {
		return lo
	}
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
