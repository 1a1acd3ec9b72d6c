// Package dsp holds the waveform preprocessing shared by training and
// serving: band-limited resampling and fixed-length framing.
package dsp

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

const (
	lowpassFilterWidth = 6
	rolloff            = 0.99
)

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// kernel builds the polyphase windowed-sinc filter bank: one row of taps per
// output phase. Hann window, 6 zero crossings, 0.99 rolloff.
func kernel(orig, next int) ([][]float64, int) {
	baseFreq := float64(min(orig, next)) * rolloff
	width := int(math.Ceil(float64(lowpassFilterWidth) * float64(orig) / baseFreq))
	taps := 2*width + orig
	scale := baseFreq / float64(orig)
	out := make([][]float64, next)
	for p := 0; p < next; p++ {
		row := make([]float64, taps)
		for k := 0; k < taps; k++ {
			idx := float64(k-width) / float64(orig)
			t := (-float64(p)/float64(next) + idx) * baseFreq
			t = math.Max(-lowpassFilterWidth, math.Min(lowpassFilterWidth, t))
			w := math.Cos(t * math.Pi / lowpassFilterWidth / 2)
			w *= w
			t *= math.Pi
			s := 1.0
			if t != 0 {
				s = math.Sin(t) / t
			}
			row[k] = s * w * scale
		}
		out[p] = row
	}
	return out, width
}

// Resample converts x from rate `from` to rate `to`. The output has
// ceil(len(x)*to/from) samples. Equal rates return a copy.
func Resample(x []float32, from, to int) []float32 {
	if from <= 0 || to <= 0 || from == to || len(x) == 0 {
		return append([]float32(nil), x...)
	}
	g := gcd(from, to)
	orig, next := from/g, to/g
	bank, width := kernel(orig, next)
	taps := len(bank[0])

	padded := make([]float64, width+len(x)+width+orig)
	for i, v := range x {
		padded[width+i] = float64(v)
	}
	frames := (len(padded)-taps)/orig + 1
	target := int(math.Ceil(float64(next) * float64(len(x)) / float64(orig)))
	out := make([]float32, 0, target)
	for f := 0; f < frames && len(out) < target; f++ {
		win := padded[f*orig : f*orig+taps]
		for p := 0; p < next && len(out) < target; p++ {
			out = append(out, float32(floats.Dot(bank[p], win)))
		}
	}
	return out
}

// FixLength truncates x to n samples or right-pads it with zeros.
func FixLength(x []float32, n int) []float32 {
	out := make([]float32, n)
	copy(out, x)
	return out
}
