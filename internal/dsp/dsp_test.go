package dsp

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sine(freq, rate float64, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(math.Sin(2 * math.Pi * freq * float64(i) / rate))
	}
	return out
}

func TestResampleLength(t *testing.T) {
	cases := []struct{ n, from, to, want int }{
		{8000, 8000, 16000, 16000},
		{44100, 44100, 16000, 16000},
		{16000, 16000, 16000, 16000},
		{100, 48000, 16000, 34},
		{7, 22050, 16000, 6},
	}
	for _, c := range cases {
		got := Resample(make([]float32, c.n), c.from, c.to)
		assert.Len(t, got, c.want, "%d@%d->%d", c.n, c.from, c.to)
	}
}

func TestResamplePreservesLowTone(t *testing.T) {
	in := sine(440, 8000, 8000)
	out := Resample(in, 8000, 16000)
	want := sine(440, 16000, 16000)
	// skip the filter edges
	for i := 1000; i < 15000; i += 97 {
		assert.InDelta(t, want[i], out[i], 0.03, "sample %d", i)
	}
}

func TestResampleRemovesAliasedTone(t *testing.T) {
	// 7 kHz cannot exist at 8 kHz output rate (Nyquist 4 kHz)
	in := sine(7000, 16000, 16000)
	out := Resample(in, 16000, 8000)
	require.Len(t, out, 8000)
	assert.Less(t, RMS(out[500:7500]), 0.05)
}

func TestFixLength(t *testing.T) {
	for _, n := range []int{100, 16000, 20000} {
		x := make([]float32, n)
		for i := range x {
			x[i] = 1
		}
		got := FixLength(x, 16000)
		require.Len(t, got, 16000)
		if n < 16000 {
			assert.Equal(t, float32(1), got[n-1])
			assert.Equal(t, float32(0), got[n])
		} else {
			assert.Equal(t, float32(1), got[15999])
		}
	}
}

func TestStats(t *testing.T) {
	x := []float32{3, -4}
	assert.InDelta(t, math.Sqrt(12.5), RMS(x), 1e-9)
	assert.Equal(t, 4.0, Peak(x))
	assert.Equal(t, 0.0, RMS(nil))

	c := ChunkRMS([]float32{1, 1, 2, 2, 2}, 2)
	assert.Equal(t, []float64{1, 2}, c)
	assert.Len(t, ChunkRMS(nil, 3), 3)
}
