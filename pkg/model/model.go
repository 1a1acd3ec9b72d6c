package model

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"tunekit/pkg/autograd"
)

// Projection names inside a transformer block.
const (
	QProj  = "q_proj"
	KProj  = "k_proj"
	VProj  = "v_proj"
	OProj  = "o_proj"
	MLPFc1 = "mlp_fc1"
	MLPFc2 = "mlp_fc2"
)

type Config struct {
	VocabSize int `json:"vocab_size"`
	NLayer    int `json:"n_layer"`
	NEmbd     int `json:"n_embd"`
	NHead     int `json:"n_head"`
	BlockSize int `json:"block_size"`
}

func (c Config) Validate() error {
	if c.VocabSize < 2 || c.NLayer < 1 || c.NEmbd < 1 || c.NHead < 1 || c.BlockSize < 2 {
		return fmt.Errorf("invalid model config: %+v", c)
	}
	if c.NEmbd%c.NHead != 0 {
		return fmt.Errorf("invalid model config: n_embd must be divisible by n_head")
	}
	return nil
}

// LayerWeight names weight w of layer li, e.g. "layer0.q_proj".
func LayerWeight(li int, w string) string {
	return fmt.Sprintf("layer%d.%s", li, w)
}

// GPT is a decoder-only transformer. Base holds the pretrained weights;
// Adapters holds low-rank adapters keyed by the base weight they modify.
type GPT struct {
	Config   Config
	Base     map[string]*autograd.Matrix
	Adapters map[string]*LoRA

	// Autocast, when set, rounds the output of every projection (e.g. to
	// bfloat16). Gradients pass straight through.
	Autocast func(float64) float64
	// GradientCheckpointing recomputes block activations during backward.
	GradientCheckpointing bool

	training bool
}

// New builds a randomly initialised model.
func New(cfg Config, rng *rand.Rand) (*GPT, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	g := &GPT{Config: cfg, Base: map[string]*autograd.Matrix{}, Adapters: map[string]*LoRA{}}
	for name, shape := range cfg.shapes() {
		g.Base[name] = autograd.NewMatrix(name, shape[0], shape[1], 0.08, rng)
	}
	return g, nil
}

// FromState builds a model from a saved state map.
func FromState(cfg Config, state map[string][][]float64) (*GPT, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	g := &GPT{Config: cfg, Base: map[string]*autograd.Matrix{}, Adapters: map[string]*LoRA{}}
	for name, shape := range cfg.shapes() {
		src, ok := state[name]
		if !ok {
			return nil, fmt.Errorf("state is missing %s", name)
		}
		m, err := autograd.MatrixFromRows(name, src, true)
		if err != nil {
			return nil, err
		}
		if m.Nout != shape[0] || m.Nin != shape[1] {
			return nil, fmt.Errorf("%s: shape %dx%d, want %dx%d", name, m.Nout, m.Nin, shape[0], shape[1])
		}
		g.Base[name] = m
	}
	return g, nil
}

func (c Config) shapes() map[string][2]int {
	s := map[string][2]int{
		"wte":     {c.VocabSize, c.NEmbd},
		"wpe":     {c.BlockSize, c.NEmbd},
		"lm_head": {c.VocabSize, c.NEmbd},
	}
	for li := 0; li < c.NLayer; li++ {
		for _, w := range []string{QProj, KProj, VProj, OProj} {
			s[LayerWeight(li, w)] = [2]int{c.NEmbd, c.NEmbd}
		}
		s[LayerWeight(li, MLPFc1)] = [2]int{4 * c.NEmbd, c.NEmbd}
		s[LayerWeight(li, MLPFc2)] = [2]int{c.NEmbd, 4 * c.NEmbd}
	}
	return s
}

// State exports the base weights.
func (g *GPT) State() map[string][][]float64 {
	out := make(map[string][][]float64, len(g.Base))
	for name, m := range g.Base {
		out[name] = m.Export()
	}
	return out
}

// Train switches dropout on (true) or off.
func (g *GPT) Train(on bool) { g.training = on }

func (g *GPT) Training() bool { return g.training }

// Freeze marks every base matrix non-trainable.
func (g *GPT) Freeze() {
	for _, m := range g.Base {
		m.Trainable = false
	}
}

// Matrices returns base and adapter matrices sorted by name.
func (g *GPT) Matrices() []*autograd.Matrix {
	out := make([]*autograd.Matrix, 0, len(g.Base)+2*len(g.Adapters))
	for _, m := range g.Base {
		out = append(out, m)
	}
	for _, a := range g.Adapters {
		out = append(out, a.A, a.B)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// TrainableParams returns the matrices an optimizer may update.
func (g *GPT) TrainableParams() []*autograd.Matrix {
	var out []*autograd.Matrix
	for _, m := range g.Matrices() {
		if m.Trainable {
			out = append(out, m)
		}
	}
	return out
}

// CountParams returns trainable and total scalar parameter counts.
func (g *GPT) CountParams() (trainable, total int) {
	for _, m := range g.Matrices() {
		total += m.NumParams()
		if m.Trainable {
			trainable += m.NumParams()
		}
	}
	return trainable, total
}

func (g *GPT) proj(name string, x *autograd.Vec, rng *rand.Rand) *autograd.Vec {
	y := g.Base[name].Matvec(x).Round(g.Autocast)
	if a, ok := g.Adapters[name]; ok {
		y = y.Add(a.Forward(x, g.training, rng).Round(g.Autocast))
	}
	return y
}

func (g *GPT) block(li int) autograd.BlockFunc {
	nHead := g.Config.NHead
	headDim := g.Config.NEmbd / nHead
	invSqrt := 1.0 / math.Sqrt(float64(headDim))
	return func(xs []*autograd.Vec, rng *rand.Rand) []*autograd.Vec {
		T := len(xs)
		qh := make([][]*autograd.Vec, T)
		kh := make([][]*autograd.Vec, T)
		vh := make([][]*autograd.Vec, T)
		for t, x := range xs {
			h := autograd.RMSNorm(x)
			q := g.proj(LayerWeight(li, QProj), h, rng)
			k := g.proj(LayerWeight(li, KProj), h, rng)
			v := g.proj(LayerWeight(li, VProj), h, rng)
			qh[t] = make([]*autograd.Vec, nHead)
			kh[t] = make([]*autograd.Vec, nHead)
			vh[t] = make([]*autograd.Vec, nHead)
			for hd := 0; hd < nHead; hd++ {
				hs := hd * headDim
				qh[t][hd] = q.Slice(hs, hs+headDim)
				kh[t][hd] = k.Slice(hs, hs+headDim)
				vh[t][hd] = v.Slice(hs, hs+headDim)
			}
		}

		out := make([]*autograd.Vec, T)
		for t := 0; t < T; t++ {
			heads := make([]*autograd.Vec, nHead)
			for hd := 0; hd < nHead; hd++ {
				logits := make([]*autograd.Scalar, t+1)
				vals := make([]*autograd.Vec, t+1)
				for s := 0; s <= t; s++ {
					logits[s] = qh[t][hd].Dot(kh[s][hd]).MulF(invSqrt)
					vals[s] = vh[s][hd]
				}
				heads[hd] = autograd.WeightedSum(autograd.Softmax(logits), vals)
			}
			x := g.proj(LayerWeight(li, OProj), autograd.Concat(heads), rng).Add(xs[t])
			m := g.proj(LayerWeight(li, MLPFc1), autograd.RMSNorm(x), rng).ReLU()
			out[t] = g.proj(LayerWeight(li, MLPFc2), m, rng).Add(x)
		}
		return out
	}
}

// Hidden runs the transformer over ids (len <= BlockSize) and returns the
// final hidden state of every position.
func (g *GPT) Hidden(ids []int, rng *rand.Rand) []*autograd.Vec {
	wte, wpe := g.Base["wte"], g.Base["wpe"]
	xs := make([]*autograd.Vec, len(ids))
	for t, id := range ids {
		xs[t] = autograd.RMSNorm(wte.Lookup(id).Add(wpe.Lookup(t)))
	}
	for li := 0; li < g.Config.NLayer; li++ {
		if g.GradientCheckpointing && g.training {
			xs = autograd.Checkpoint(g.block(li), xs, rng.Int63())
		} else {
			xs = g.block(li)(xs, rng)
		}
	}
	return xs
}

// Logits projects one hidden state onto the vocabulary.
func (g *GPT) Logits(h *autograd.Vec) *autograd.Vec {
	return g.proj("lm_head", h, nil)
}

// SequenceLoss is the summed next-token cross-entropy over the first n
// tokens of ids: position t predicts ids[t+1] for t < n-1. Tokens past n are
// padding and take no part. It returns nil when there is nothing to predict.
func (g *GPT) SequenceLoss(ids []int, n int, rng *rand.Rand) (*autograd.Scalar, int) {
	if n > len(ids) {
		n = len(ids)
	}
	if n < 2 {
		return nil, 0
	}
	hs := g.Hidden(ids[:n], rng)
	terms := make([]*autograd.Scalar, 0, n-1)
	for t := 0; t < n-1; t++ {
		terms = append(terms, autograd.CrossEntropy(g.Logits(hs[t]), ids[t+1]))
	}
	return autograd.Sum(terms), n - 1
}

// NextLogits returns the logits following ids, in eval mode. Only the last
// BlockSize tokens are used.
func (g *GPT) NextLogits(ids []int) []float64 {
	if len(ids) > g.Config.BlockSize {
		ids = ids[len(ids)-g.Config.BlockSize:]
	}
	was := g.training
	g.training = false
	defer func() { g.training = was }()
	hs := g.Hidden(ids, rand.New(rand.NewSource(0)))
	return g.Logits(hs[len(hs)-1]).Data
}
