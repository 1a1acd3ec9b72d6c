package scoring

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tunekit/internal/errs"
	"tunekit/internal/optim"
	"tunekit/pkg/autograd"
	"tunekit/pkg/wav2vec"
)

// a one-layer encoder with the real 512-wide output
func smallEncoder(t *testing.T) *wav2vec.Encoder {
	t.Helper()
	cfg := wav2vec.Config{ConvDim: []int{512}, ConvKernel: []int{400}, ConvStride: []int{320}, SampleRate: 16000}
	enc, err := wav2vec.New(cfg, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	return enc
}

func clip(freq float64) []float32 {
	out := make([]float32, 16000)
	for i := range out {
		out[i] = float32(0.3 * math.Sin(2*math.Pi*freq*float64(i)/16000))
	}
	return out
}

func TestHeadShapesAndNames(t *testing.T) {
	h := NewHead(512, rand.New(rand.NewSource(1)))
	var names []string
	for _, m := range h.Matrices() {
		names = append(names, m.Name)
	}
	assert.Equal(t, []string{
		"classifier.0.weight", "classifier.0.bias",
		"classifier.3.weight", "classifier.3.bias",
		"classifier.5.weight", "classifier.5.bias",
	}, names)
	assert.Equal(t, 256, h.Fc0.W.Nout)
	assert.Equal(t, 512, h.Fc0.W.Nin)
	assert.Equal(t, 2, h.Fc5.W.Nout)
}

func TestBackboneGetsNoGradientHeadDoes(t *testing.T) {
	enc := smallEncoder(t)
	before := enc.State()
	m := New(enc, rand.New(rand.NewSource(2)))
	m.Train(true)

	ys, err := m.Forward(context.Background(), [][]float32{clip(220), clip(880)})
	require.NoError(t, err)
	require.Len(t, ys, 2)
	loss := autograd.BatchMSE(ys, [][]float64{{0.2, 0.8}, {0.6, 0.1}})
	autograd.Backward(loss)

	for _, p := range m.TrainableParams() {
		assert.True(t, strings.HasPrefix(p.Name, "classifier."), p.Name)
	}
	assert.True(t, m.Head.Fc5.W.HasGrad())
	assert.True(t, m.Head.Fc0.W.HasGrad())

	opt := optim.NewAdam(m.TrainableParams())
	opt.Step(1e-3)
	assert.Equal(t, before, enc.State())

	trainable, total := m.CountParams()
	assert.Equal(t, 512*256+256+256*64+64+64*2+2, trainable)
	assert.Equal(t, trainable+enc.NumParams(), total)
}

func TestPredictIsDeterministic(t *testing.T) {
	m := New(smallEncoder(t), rand.New(rand.NewSource(3)))
	m.Train(true)
	a, err := m.Predict(context.Background(), clip(440))
	require.NoError(t, err)
	b, err := m.Predict(context.Background(), clip(440))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestSaveLoadFullState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pace_tone_model.pth")
	m := New(smallEncoder(t), rand.New(rand.NewSource(4)))
	require.NoError(t, Save(path, m))

	back, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, m.StateDict(), back.StateDict())
	assert.Contains(t, m.StateDict(), BackbonePrefix+wav2vec.WeightName(0))

	want, err := m.Predict(context.Background(), clip(300))
	require.NoError(t, err)
	got, err := back.Predict(context.Background(), clip(300))
	require.NoError(t, err)
	assert.InDelta(t, want[0], got[0], 1e-12)
	assert.InDelta(t, want[1], got[1], 1e-12)
}

type stubExtractor struct{ dim int }

func (s stubExtractor) Dim() int { return s.dim }
func (s stubExtractor) Features(wave []float32) ([]float64, error) {
	return make([]float64, s.dim), nil
}

func TestLoadErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "head.pth")
	require.NoError(t, Save(path, New(stubExtractor{dim: 8}, rand.New(rand.NewSource(5)))))

	_, err := Load(path, nil)
	assert.True(t, errors.Is(err, errs.ErrModelLoad))
	_, err = Load(path, stubExtractor{dim: 16})
	assert.True(t, errors.Is(err, errs.ErrModelLoad))
	m, err := Load(path, stubExtractor{dim: 8})
	require.NoError(t, err)
	assert.Equal(t, 8, m.Head.In)

	_, err = Load(filepath.Join(t.TempDir(), "missing.pth"), nil)
	assert.True(t, errors.Is(err, errs.ErrModelLoad))
}

func TestEmbedRejectsWrongWidth(t *testing.T) {
	m := New(stubExtractor{dim: 4}, rand.New(rand.NewSource(6)))
	m.Backbone = stubExtractor{dim: 5}
	_, err := m.Embed(context.Background(), [][]float32{{0}})
	assert.Error(t, err)
}
