package model

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyTopK(t *testing.T) {
	w := ApplyTopK([]float64{0.1, 0.5, 0.3, 0.1}, 2)
	assert.Equal(t, []float64{0, 0.5, 0.3, 0}, w)
}

func TestApplyTopP(t *testing.T) {
	w := ApplyTopP([]float64{0.1, 0.6, 0.3}, 0.8)
	assert.Equal(t, []float64{0, 0.6, 0.3}, w)
}

func TestSampleWeightedPicksOnlyNonZero(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		assert.Equal(t, 2, SampleWeighted([]float64{0, 0, 1}, rng))
	}
}

func TestGenerateRespectsMaxTokens(t *testing.T) {
	tok := NewCharTokenizer([]string{"abcdef"})
	cfg := Config{VocabSize: tok.VocabSize(), NLayer: 1, NEmbd: 8, NHead: 2, BlockSize: 8}
	g, err := New(cfg, rand.New(rand.NewSource(2)))
	require.NoError(t, err)

	_, p, c := Generate(g, tok, "abc", GenerateOptions{MaxTokens: 5}, rand.New(rand.NewSource(3)))
	assert.Equal(t, 3, p)
	assert.LessOrEqual(t, c, 5)
}
