// Package scoring is the pace/tone regressor: a frozen speech feature
// encoder followed by a small trainable head.
package scoring

import (
	"context"
	"fmt"
	"math/rand"
	"runtime"

	"golang.org/x/sync/errgroup"

	"tunekit/pkg/autograd"
)

// Head layer sizes and dropout.
const (
	HiddenDim  = 256
	BottleDim  = 64
	OutputDim  = 2
	HeadDrop   = 0.3
	headPrefix = "classifier."
)

// FeatureExtractor maps a waveform to a fixed-size embedding. It is never
// part of the autograd graph.
type FeatureExtractor interface {
	Features(wave []float32) ([]float64, error)
	Dim() int
}

// Head is Linear(in,256) ReLU Dropout(0.3) Linear(256,64) ReLU Linear(64,2).
// Layer names follow their position in that sequence.
type Head struct {
	In      int
	Fc0     *autograd.Linear
	Fc3     *autograd.Linear
	Fc5     *autograd.Linear
	Dropout float64
}

func NewHead(in int, rng *rand.Rand) *Head {
	return &Head{
		In:      in,
		Fc0:     autograd.NewLinear(headPrefix+"0", in, HiddenDim, rng),
		Fc3:     autograd.NewLinear(headPrefix+"3", HiddenDim, BottleDim, rng),
		Fc5:     autograd.NewLinear(headPrefix+"5", BottleDim, OutputDim, rng),
		Dropout: HeadDrop,
	}
}

func (h *Head) Forward(x *autograd.Vec, train bool, rng *rand.Rand) *autograd.Vec {
	z := h.Fc0.Forward(x).ReLU()
	if train {
		z = z.Dropout(h.Dropout, rng)
	}
	z = h.Fc3.Forward(z).ReLU()
	return h.Fc5.Forward(z)
}

// Matrices returns weights and biases in layer order.
func (h *Head) Matrices() []*autograd.Matrix {
	var out []*autograd.Matrix
	for _, l := range []*autograd.Linear{h.Fc0, h.Fc3, h.Fc5} {
		out = append(out, l.Matrices()...)
	}
	return out
}

// Model couples a backbone with a head.
type Model struct {
	Backbone FeatureExtractor
	Head     *Head

	rng      *rand.Rand
	training bool
	workers  int
}

func New(backbone FeatureExtractor, rng *rand.Rand) *Model {
	return &Model{
		Backbone: backbone,
		Head:     NewHead(backbone.Dim(), rng),
		rng:      rng,
		workers:  runtime.GOMAXPROCS(0),
	}
}

// Train enables head dropout (true) or disables it.
func (m *Model) Train(on bool) { m.training = on }

// TrainableParams is the head's matrices; the backbone has none.
func (m *Model) TrainableParams() []*autograd.Matrix {
	return m.Head.Matrices()
}

// CountParams returns trainable (head) and total parameter counts.
func (m *Model) CountParams() (trainable, total int) {
	for _, p := range m.TrainableParams() {
		trainable += p.NumParams()
	}
	total = trainable
	if c, ok := m.Backbone.(interface{ NumParams() int }); ok {
		total += c.NumParams()
	}
	return trainable, total
}

// Embed runs the backbone over a batch. Clips are independent, so they are
// processed concurrently; results keep batch order.
func (m *Model) Embed(ctx context.Context, batch [][]float32) ([][]float64, error) {
	out := make([][]float64, len(batch))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, m.workers))
	for i, wave := range batch {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			f, err := m.Backbone.Features(wave)
			if err != nil {
				return err
			}
			if len(f) != m.Head.In {
				return fmt.Errorf("scoring: backbone returned %d features, head expects %d", len(f), m.Head.In)
			}
			out[i] = f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Forward returns one (pace, tone) node per clip.
func (m *Model) Forward(ctx context.Context, batch [][]float32) ([]*autograd.Vec, error) {
	feats, err := m.Embed(ctx, batch)
	if err != nil {
		return nil, err
	}
	return m.ForwardFeatures(feats), nil
}

// ForwardFeatures runs only the head over precomputed embeddings.
func (m *Model) ForwardFeatures(feats [][]float64) []*autograd.Vec {
	out := make([]*autograd.Vec, len(feats))
	for i, f := range feats {
		out[i] = m.Head.Forward(autograd.Constant(f), m.training, m.rng)
	}
	return out
}

// Predict scores one clip in eval mode.
func (m *Model) Predict(ctx context.Context, wave []float32) ([2]float64, error) {
	was := m.training
	m.training = false
	defer func() { m.training = was }()
	ys, err := m.Forward(ctx, [][]float32{wave})
	if err != nil {
		return [2]float64{}, err
	}
	return [2]float64{ys[0].Data[0], ys[0].Data[1]}, nil
}
