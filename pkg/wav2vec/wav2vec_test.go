package wav2vec

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func tinyConfig() Config {
	return Config{
		ConvDim:    []int{3, 4},
		ConvKernel: []int{4, 2},
		ConvStride: []int{2, 2},
		SampleRate: 16000,
	}
}

func TestBaseConfigFrames(t *testing.T) {
	cfg := BaseConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 512, cfg.Dim())
	// wav2vec2-base turns one second of 16 kHz audio into 49 frames
	assert.Equal(t, 49, cfg.Frames(16000))
	assert.Equal(t, 0, cfg.Frames(5))
}

func TestValidate(t *testing.T) {
	bad := tinyConfig()
	bad.ConvStride = []int{2}
	assert.Error(t, bad.Validate())
	bad = tinyConfig()
	bad.ConvKernel[1] = 0
	assert.Error(t, bad.Validate())
}

func TestExtractFeaturesShapes(t *testing.T) {
	e, err := New(tinyConfig(), rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	wave := make([]float32, 20)
	for i := range wave {
		wave[i] = float32(math.Sin(float64(i) / 3))
	}
	layers, err := e.ExtractFeatures(wave)
	require.NoError(t, err)
	require.Len(t, layers, 2)
	r, c := layers[0].Dims()
	assert.Equal(t, 3, r)
	assert.Equal(t, 9, c)
	r, c = layers[1].Dims()
	assert.Equal(t, 4, r)
	assert.Equal(t, 4, c)
	assert.Equal(t, e.Config.Frames(20), c)

	feats, err := e.Features(wave)
	require.NoError(t, err)
	assert.Len(t, feats, 4)
	for _, v := range feats {
		assert.False(t, math.IsNaN(v))
	}

	_, err = e.ExtractFeatures(make([]float32, 3))
	assert.Error(t, err)
}

// The im2col path must agree with a direct convolution.
func TestConvMatchesNaive(t *testing.T) {
	cfg := Config{ConvDim: []int{2}, ConvKernel: []int{3}, ConvStride: []int{2}, SampleRate: 16000}
	e, err := New(cfg, rand.New(rand.NewSource(2)))
	require.NoError(t, err)
	e.layers[0].gamma = nil
	e.layers[0].beta = nil

	wave := []float32{0.5, -1, 0.25, 2, -0.75, 1.5, 0}
	layers, err := e.ExtractFeatures(wave)
	require.NoError(t, err)
	w := e.layers[0].weight
	for o := 0; o < 2; o++ {
		for f := 0; f < 3; f++ {
			sum := 0.0
			for k := 0; k < 3; k++ {
				sum += w.At(o, k) * float64(wave[f*2+k])
			}
			assert.InDelta(t, gelu(sum), layers[0].At(o, f), 1e-12)
		}
	}
}

func TestGroupNormNormalisesChannels(t *testing.T) {
	e, err := New(Config{ConvDim: []int{2}, ConvKernel: []int{2}, ConvStride: []int{1}, SampleRate: 1}, rand.New(rand.NewSource(3)))
	require.NoError(t, err)
	wave := []float32{1, 2, 3, 4, 5, 6, 7, 8}
	x := e.layers[0]
	// norm only, no activation
	cols := im2col(toDense(wave), x.kernel, x.stride, 7)
	var y = mulDense(x, cols)
	groupNorm(y, x.gamma, x.beta)
	for i := 0; i < 2; i++ {
		row := y.RawRowView(i)
		mean := 0.0
		for _, v := range row {
			mean += v
		}
		assert.InDelta(t, 0, mean/float64(len(row)), 1e-9)
	}
}

func TestStateRoundTrip(t *testing.T) {
	e, err := New(tinyConfig(), rand.New(rand.NewSource(4)))
	require.NoError(t, err)
	state := e.State()
	assert.Contains(t, state, WeightName(0))
	g, _ := NormNames(0)
	assert.Contains(t, state, g)
	gl1, _ := NormNames(1)
	assert.NotContains(t, state, gl1)

	back, err := FromState(tinyConfig(), state)
	require.NoError(t, err)
	assert.Equal(t, state, back.State())
	assert.Equal(t, e.NumParams(), back.NumParams())

	delete(state, WeightName(1))
	_, err = FromState(tinyConfig(), state)
	assert.Error(t, err)
}

func toDense(wave []float32) *mat.Dense {
	m := mat.NewDense(1, len(wave), nil)
	for i, s := range wave {
		m.Set(0, i, float64(s))
	}
	return m
}

func mulDense(l *convLayer, cols *mat.Dense) *mat.Dense {
	var y mat.Dense
	y.Mul(l.weight, cols)
	return &y
}
