// Package wav2vec implements the convolutional feature encoder of a
// wav2vec 2.0 model: a stack of strided 1-D convolutions over the raw
// waveform with GELU activations and group norm after the first layer.
//
// The encoder is inference only. It works on plain float slices and gonum
// matrices and never builds an autograd graph.
package wav2vec

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

const normEps = 1e-5

// Config describes the conv stack. Layer i has ConvDim[i] output channels,
// kernel ConvKernel[i] and stride ConvStride[i].
type Config struct {
	ConvDim    []int `json:"conv_dim"`
	ConvKernel []int `json:"conv_kernel"`
	ConvStride []int `json:"conv_stride"`
	SampleRate int   `json:"sampling_rate"`
}

// BaseConfig is the wav2vec2-base feature encoder.
func BaseConfig() Config {
	return Config{
		ConvDim:    []int{512, 512, 512, 512, 512, 512, 512},
		ConvKernel: []int{10, 3, 3, 3, 3, 2, 2},
		ConvStride: []int{5, 2, 2, 2, 2, 2, 2},
		SampleRate: 16000,
	}
}

func (c Config) Validate() error {
	n := len(c.ConvDim)
	if n == 0 || len(c.ConvKernel) != n || len(c.ConvStride) != n {
		return fmt.Errorf("wav2vec: conv_dim, conv_kernel and conv_stride must have the same non-zero length")
	}
	for i := 0; i < n; i++ {
		if c.ConvDim[i] < 1 || c.ConvKernel[i] < 1 || c.ConvStride[i] < 1 {
			return fmt.Errorf("wav2vec: layer %d has a non-positive size", i)
		}
	}
	if c.SampleRate < 1 {
		return fmt.Errorf("wav2vec: sampling_rate must be positive")
	}
	return nil
}

// Dim is the size of the pooled feature vector.
func (c Config) Dim() int { return c.ConvDim[len(c.ConvDim)-1] }

// Frames returns the number of output frames for n input samples, or 0 if
// the input is too short.
func (c Config) Frames(n int) int {
	for i := range c.ConvDim {
		if n < c.ConvKernel[i] {
			return 0
		}
		n = (n-c.ConvKernel[i])/c.ConvStride[i] + 1
	}
	return n
}

type convLayer struct {
	in, out, kernel, stride int
	// weight is out x (in*kernel); column c*kernel+t holds tap t of input
	// channel c.
	weight *mat.Dense
	// gamma and beta are set on the normalised layer only.
	gamma, beta []float64
}

// Encoder is a frozen conv feature encoder.
type Encoder struct {
	Config Config
	layers []*convLayer
}

// New builds an encoder with Kaiming-normal conv weights.
func New(cfg Config, rng *rand.Rand) (*Encoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Encoder{Config: cfg}
	in := 1
	for i := range cfg.ConvDim {
		l := &convLayer{in: in, out: cfg.ConvDim[i], kernel: cfg.ConvKernel[i], stride: cfg.ConvStride[i]}
		fanIn := in * l.kernel
		std := math.Sqrt(2.0 / float64(fanIn))
		data := make([]float64, l.out*fanIn)
		for j := range data {
			data[j] = rng.NormFloat64() * std
		}
		l.weight = mat.NewDense(l.out, fanIn, data)
		if i == 0 {
			l.gamma = ones(l.out)
			l.beta = make([]float64, l.out)
		}
		e.layers = append(e.layers, l)
		in = l.out
	}
	return e, nil
}

func ones(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 1
	}
	return out
}

// WeightName is the state key of layer i's conv weight.
func WeightName(i int) string {
	return fmt.Sprintf("feature_extractor.conv_layers.%d.conv.weight", i)
}

// NormNames are the state keys of layer i's group-norm scale and shift.
func NormNames(i int) (gamma, beta string) {
	p := fmt.Sprintf("feature_extractor.conv_layers.%d.layer_norm.", i)
	return p + "weight", p + "bias"
}

// State exports the weights as row-major matrices.
func (e *Encoder) State() map[string][][]float64 {
	out := map[string][][]float64{}
	for i, l := range e.layers {
		rows := make([][]float64, l.out)
		for r := range rows {
			rows[r] = mat.Row(nil, r, l.weight)
		}
		out[WeightName(i)] = rows
		if l.gamma != nil {
			g, b := NormNames(i)
			out[g] = [][]float64{append([]float64(nil), l.gamma...)}
			out[b] = [][]float64{append([]float64(nil), l.beta...)}
		}
	}
	return out
}

// FromState builds an encoder from weights saved by State.
func FromState(cfg Config, state map[string][][]float64) (*Encoder, error) {
	e, err := New(cfg, rand.New(rand.NewSource(0)))
	if err != nil {
		return nil, err
	}
	for i, l := range e.layers {
		rows, ok := state[WeightName(i)]
		if !ok {
			return nil, fmt.Errorf("wav2vec: state is missing %s", WeightName(i))
		}
		if err := loadDense(l.weight, rows, WeightName(i)); err != nil {
			return nil, err
		}
		if l.gamma != nil {
			gn, bn := NormNames(i)
			if err := loadVec(l.gamma, state[gn], gn); err != nil {
				return nil, err
			}
			if err := loadVec(l.beta, state[bn], bn); err != nil {
				return nil, err
			}
		}
	}
	return e, nil
}

func loadDense(dst *mat.Dense, rows [][]float64, name string) error {
	r, c := dst.Dims()
	if len(rows) != r {
		return fmt.Errorf("wav2vec: %s has %d rows, want %d", name, len(rows), r)
	}
	for i, row := range rows {
		if len(row) != c {
			return fmt.Errorf("wav2vec: %s row %d has %d cols, want %d", name, i, len(row), c)
		}
		dst.SetRow(i, row)
	}
	return nil
}

func loadVec(dst []float64, rows [][]float64, name string) error {
	if len(rows) != 1 || len(rows[0]) != len(dst) {
		return fmt.Errorf("wav2vec: %s must be 1x%d", name, len(dst))
	}
	copy(dst, rows[0])
	return nil
}

// NumParams counts every weight in the encoder.
func (e *Encoder) NumParams() int {
	n := 0
	for _, l := range e.layers {
		r, c := l.weight.Dims()
		n += r*c + len(l.gamma) + len(l.beta)
	}
	return n
}

// Dim is the pooled feature size.
func (e *Encoder) Dim() int { return e.Config.Dim() }

// ExtractFeatures runs the conv stack over wave and returns every layer's
// output as a channels x frames matrix.
func (e *Encoder) ExtractFeatures(wave []float32) ([]*mat.Dense, error) {
	if e.Config.Frames(len(wave)) < 1 {
		return nil, fmt.Errorf("wav2vec: %d samples is too short for the conv stack", len(wave))
	}
	x := mat.NewDense(1, len(wave), nil)
	for i, s := range wave {
		x.Set(0, i, float64(s))
	}
	outs := make([]*mat.Dense, 0, len(e.layers))
	for _, l := range e.layers {
		x = l.forward(x)
		outs = append(outs, x)
	}
	return outs, nil
}

// Features is the last layer's output averaged over time.
func (e *Encoder) Features(wave []float32) ([]float64, error) {
	layers, err := e.ExtractFeatures(wave)
	if err != nil {
		return nil, err
	}
	return MeanOverTime(layers[len(layers)-1]), nil
}

// MeanOverTime averages each row of a channels x frames matrix.
func MeanOverTime(m *mat.Dense) []float64 {
	r, c := m.Dims()
	out := make([]float64, r)
	for i := 0; i < r; i++ {
		out[i] = mat.Sum(m.RowView(i)) / float64(c)
	}
	return out
}

func (l *convLayer) forward(x *mat.Dense) *mat.Dense {
	_, t := x.Dims()
	frames := (t-l.kernel)/l.stride + 1
	cols := im2col(x, l.kernel, l.stride, frames)
	var y mat.Dense
	y.Mul(l.weight, cols)
	if l.gamma != nil {
		groupNorm(&y, l.gamma, l.beta)
	}
	y.Apply(func(_, _ int, v float64) float64 { return gelu(v) }, &y)
	return &y
}

// im2col lays out every receptive field of x as one column.
func im2col(x *mat.Dense, kernel, stride, frames int) *mat.Dense {
	in, _ := x.Dims()
	cols := mat.NewDense(in*kernel, frames, nil)
	raw := x.RawMatrix()
	for c := 0; c < in; c++ {
		src := raw.Data[c*raw.Stride:]
		for k := 0; k < kernel; k++ {
			row := cols.RawRowView(c*kernel + k)
			for f := 0; f < frames; f++ {
				row[f] = src[f*stride+k]
			}
		}
	}
	return cols
}

// groupNorm normalises every channel over time (one group per channel).
func groupNorm(y *mat.Dense, gamma, beta []float64) {
	r, c := y.Dims()
	for i := 0; i < r; i++ {
		row := y.RawRowView(i)
		mean := 0.0
		for _, v := range row {
			mean += v
		}
		mean /= float64(c)
		variance := 0.0
		for _, v := range row {
			d := v - mean
			variance += d * d
		}
		variance /= float64(c)
		inv := 1.0 / math.Sqrt(variance+normEps)
		for j, v := range row {
			row[j] = (v-mean)*inv*gamma[i] + beta[i]
		}
	}
}

func gelu(x float64) float64 {
	return 0.5 * x * (1 + math.Erf(x/math.Sqrt2))
}
