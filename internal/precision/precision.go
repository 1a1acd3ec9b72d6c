// Package precision emulates reduced-precision storage and compute on top of
// float64 buffers. Base weights are stored at half precision and frozen
// matmul outputs are rounded to bfloat16 under autocast.
package precision

import "math"

const (
	fp16Max       = 65504.0
	fp16MinNormal = 6.103515625e-05 // 2^-14
)

// RoundFP16 rounds x to the nearest IEEE 754 binary16 value (ties to even).
func RoundFP16(x float64) float64 {
	if x == 0 || math.IsNaN(x) || math.IsInf(x, 0) {
		return x
	}
	a := math.Abs(x)
	var quantum float64
	if a < fp16MinNormal {
		quantum = math.Ldexp(1, -24)
	} else {
		_, e := math.Frexp(a) // a = f * 2^e, f in [0.5, 1)
		quantum = math.Ldexp(1, e-11)
	}
	r := math.RoundToEven(a/quantum) * quantum
	if r > fp16Max {
		r = math.Inf(1)
	}
	return math.Copysign(r, x)
}

// RoundBF16 rounds x to the nearest bfloat16 value (ties to even).
func RoundBF16(x float64) float64 {
	f := float32(x)
	if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
		return float64(f)
	}
	bits := math.Float32bits(f)
	lsb := (bits >> 16) & 1
	bits += 0x7fff + lsb
	bits &= 0xffff0000
	return float64(math.Float32frombits(bits))
}

// Mode names the storage/compute format.
type Mode string

const (
	Float64  Mode = "float64"
	Float16  Mode = "float16"
	BFloat16 Mode = "bfloat16"
)

// Rounder returns the rounding function for m, or nil for full precision.
func Rounder(m Mode) func(float64) float64 {
	switch m {
	case Float16:
		return RoundFP16
	case BFloat16:
		return RoundBF16
	default:
		return nil
	}
}
