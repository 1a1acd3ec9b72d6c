package dsp

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

func toFloat64(x []float32) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = float64(v)
	}
	return out
}

// RMS is the root mean square of x; 0 for an empty slice.
func RMS(x []float32) float64 {
	if len(x) == 0 {
		return 0
	}
	d := toFloat64(x)
	return math.Sqrt(floats.Dot(d, d) / float64(len(d)))
}

// Peak is the largest absolute sample.
func Peak(x []float32) float64 {
	if len(x) == 0 {
		return 0
	}
	d := toFloat64(x)
	return math.Max(floats.Max(d), -floats.Min(d))
}

// ChunkRMS splits x into n equal chunks (the last one takes the remainder)
// and returns the RMS of each.
func ChunkRMS(x []float32, n int) []float64 {
	out := make([]float64, n)
	if n <= 0 || len(x) == 0 {
		return out
	}
	size := len(x) / n
	if size == 0 {
		size = 1
	}
	for i := 0; i < n; i++ {
		start := i * size
		if start >= len(x) {
			break
		}
		end := start + size
		if i == n-1 || end > len(x) {
			end = len(x)
		}
		out[i] = RMS(x[start:end])
	}
	return out
}
