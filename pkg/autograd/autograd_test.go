package autograd

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatvecGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	w := NewMatrix("w", 3, 4, 0.5, rng)
	x := NewVec([]float64{1, -2, 0.5, 3})
	y := w.Matvec(x)
	loss := y.Dot(NewVec([]float64{1, 1, 1}))
	Backward(loss)

	for j := 0; j < 4; j++ {
		want := 0.0
		for i := 0; i < 3; i++ {
			want += w.Rows[i].Data[j]
		}
		assert.InDelta(t, want, x.Grad[j], 1e-12)
	}
	for i := 0; i < 3; i++ {
		assert.Equal(t, x.Data, w.Rows[i].Grad)
	}
}

func TestFrozenMatrixReceivesNoGradient(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	w := NewMatrix("w", 2, 2, 1, rng)
	w.Trainable = false
	x := NewVec([]float64{1, 1})
	emb := w.Lookup(1)
	Backward(Sum([]*Scalar{w.Matvec(x).Dot(emb)}))

	assert.False(t, w.HasGrad())
	assert.NotZero(t, x.Grad[0])
}

func TestCrossEntropyMatchesFiniteDifference(t *testing.T) {
	logits := []float64{0.2, -1.0, 0.7}
	v := NewVec(append([]float64(nil), logits...))
	Backward(CrossEntropy(v, 2))

	const h = 1e-6
	for i := range logits {
		up := append([]float64(nil), logits...)
		dn := append([]float64(nil), logits...)
		up[i] += h
		dn[i] -= h
		fd := (CrossEntropy(NewVec(up), 2).Data - CrossEntropy(NewVec(dn), 2).Data) / (2 * h)
		assert.InDelta(t, fd, v.Grad[i], 1e-6)
	}
}

func TestRMSNormGradient(t *testing.T) {
	data := []float64{0.5, -1.5, 2.0}
	x := NewVec(append([]float64(nil), data...))
	target := NewVec([]float64{1, 2, 3})
	Backward(RMSNorm(x).Dot(target))

	f := func(d []float64) float64 {
		return RMSNorm(NewVec(d)).Dot(NewVec([]float64{1, 2, 3})).Data
	}
	const h = 1e-6
	for i := range data {
		up := append([]float64(nil), data...)
		dn := append([]float64(nil), data...)
		up[i] += h
		dn[i] -= h
		assert.InDelta(t, (f(up)-f(dn))/(2*h), x.Grad[i], 1e-5)
	}
}

func TestMSE(t *testing.T) {
	p := NewVec([]float64{1, 3})
	l := MSE(p, []float64{0, 1})
	assert.InDelta(t, 2.5, l.Data, 1e-12)
	Backward(l)
	assert.InDelta(t, 1.0, p.Grad[0], 1e-12)
	assert.InDelta(t, 2.0, p.Grad[1], 1e-12)
}

func TestDropoutScalesSurvivors(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	x := NewVec([]float64{1, 1, 1, 1, 1, 1, 1, 1})
	y := x.Dropout(0.5, rng)
	for _, v := range y.Data {
		assert.True(t, v == 0 || math.Abs(v-2) < 1e-12)
	}
	assert.Same(t, x, x.Dropout(0, rng))
}

// A checkpointed block must produce the same values and gradients as the
// same block run directly, dropout included.
func TestCheckpointMatchesDirect(t *testing.T) {
	build := func() (*Matrix, []*Vec) {
		rng := rand.New(rand.NewSource(7))
		w := NewMatrix("w", 4, 4, 0.3, rng)
		xs := []*Vec{
			NewVec([]float64{0.1, 0.2, -0.3, 0.4}),
			NewVec([]float64{-0.5, 0.6, 0.7, -0.8}),
		}
		return w, xs
	}
	block := func(w *Matrix) BlockFunc {
		return func(xs []*Vec, rng *rand.Rand) []*Vec {
			out := make([]*Vec, len(xs))
			for i, x := range xs {
				out[i] = w.Matvec(RMSNorm(x)).Dropout(0.25, rng).ReLU().Add(x)
			}
			return out
		}
	}
	loss := func(ys []*Vec) *Scalar {
		terms := make([]*Scalar, len(ys))
		for i, y := range ys {
			terms[i] = y.Dot(NewVec([]float64{1, -1, 2, 0.5}))
		}
		return Sum(terms)
	}

	w1, xs1 := build()
	direct := block(w1)(xs1, rand.New(rand.NewSource(11)))
	l1 := loss(direct)
	Backward(l1)

	w2, xs2 := build()
	ck := Checkpoint(block(w2), xs2, 11)
	l2 := loss(ck)
	Backward(l2)

	require.InDelta(t, l1.Data, l2.Data, 1e-12)
	for i := range w1.Rows {
		for j := range w1.Rows[i].Grad {
			assert.InDelta(t, w1.Rows[i].Grad[j], w2.Rows[i].Grad[j], 1e-12)
		}
	}
	for i := range xs1 {
		for j := range xs1[i].Grad {
			assert.InDelta(t, xs1[i].Grad[j], xs2[i].Grad[j], 1e-12)
		}
	}
}

func TestMatrixExportLoadRoundTripShapeChecks(t *testing.T) {
	m := NewZeroMatrix("m", 2, 3)
	require.NoError(t, m.Load([][]float64{{1, 2, 3}, {4, 5, 6}}))
	assert.Equal(t, [][]float64{{1, 2, 3}, {4, 5, 6}}, m.Export())
	assert.Error(t, m.Load([][]float64{{1, 2}}))
	_, err := MatrixFromRows("bad", [][]float64{{1, 2}, {3}}, false)
	assert.Error(t, err)
}
