// Package optim holds the optimizers and learning-rate schedules used by the
// training loops. Optimizers own per-matrix moment buffers and only ever
// touch matrices they were built with.
package optim

import (
	"fmt"
	"math"

	"tunekit/pkg/autograd"
)

// AdamW is Adam with decoupled weight decay. With WeightDecay 0 it is plain
// Adam.
type AdamW struct {
	Beta1       float64
	Beta2       float64
	Eps         float64
	WeightDecay float64

	params []*autograd.Matrix
	state  map[string]*Moments
	t      int
}

// Moments is the first and second moment of one matrix.
type Moments struct {
	M [][]float64 `json:"m"`
	V [][]float64 `json:"v"`
}

// NewAdamW builds an optimizer over the trainable matrices in params.
// Frozen matrices are dropped.
func NewAdamW(params []*autograd.Matrix, beta1, beta2, eps, weightDecay float64) *AdamW {
	o := &AdamW{Beta1: beta1, Beta2: beta2, Eps: eps, WeightDecay: weightDecay, state: map[string]*Moments{}}
	for _, p := range params {
		if !p.Trainable {
			continue
		}
		o.params = append(o.params, p)
		o.state[p.Name] = newMoments(p)
	}
	return o
}

// NewAdam is AdamW with the torch defaults and no weight decay.
func NewAdam(params []*autograd.Matrix) *AdamW {
	return NewAdamW(params, 0.9, 0.999, 1e-8, 0)
}

func newMoments(p *autograd.Matrix) *Moments {
	m := make([][]float64, p.Nout)
	v := make([][]float64, p.Nout)
	for i := range m {
		m[i] = make([]float64, p.Nin)
		v[i] = make([]float64, p.Nin)
	}
	return &Moments{M: m, V: v}
}

// Params returns the matrices this optimizer updates.
func (o *AdamW) Params() []*autograd.Matrix { return o.params }

// Steps is the number of updates applied so far.
func (o *AdamW) Steps() int { return o.t }

// Step applies one update at lr using the accumulated gradients.
func (o *AdamW) Step(lr float64) {
	o.t++
	b1, b2 := o.Beta1, o.Beta2
	b1Corr := 1.0 - math.Pow(b1, float64(o.t))
	b2Corr := 1.0 - math.Pow(b2, float64(o.t))
	for _, p := range o.params {
		st := o.state[p.Name]
		for i, row := range p.Rows {
			mi, vi := st.M[i], st.V[i]
			for j := range row.Data {
				g := row.Grad[j]
				if o.WeightDecay > 0 {
					row.Data[j] -= lr * o.WeightDecay * row.Data[j]
				}
				mi[j] = b1*mi[j] + (1-b1)*g
				vi[j] = b2*vi[j] + (1-b2)*(g*g)
				mhat := mi[j] / b1Corr
				vhat := vi[j] / b2Corr
				row.Data[j] -= lr * mhat / (math.Sqrt(vhat) + o.Eps)
			}
		}
	}
}

// ZeroGrad clears the gradient of every managed matrix.
func (o *AdamW) ZeroGrad() {
	for _, p := range o.params {
		p.ZeroGrad()
	}
}

// State is the serialisable optimizer state.
type State struct {
	Step    int                 `json:"step"`
	Moments map[string]*Moments `json:"moments"`
}

func (o *AdamW) State() State {
	out := State{Step: o.t, Moments: make(map[string]*Moments, len(o.state))}
	for name, m := range o.state {
		cp := &Moments{M: make([][]float64, len(m.M)), V: make([][]float64, len(m.V))}
		for i := range m.M {
			cp.M[i] = append([]float64(nil), m.M[i]...)
			cp.V[i] = append([]float64(nil), m.V[i]...)
		}
		out.Moments[name] = cp
	}
	return out
}

// Load restores state saved by State; every managed matrix must be present
// with matching shape.
func (o *AdamW) Load(s State) error {
	for _, p := range o.params {
		m, ok := s.Moments[p.Name]
		if !ok {
			return fmt.Errorf("optimizer state is missing %s", p.Name)
		}
		if len(m.M) != p.Nout || len(m.V) != p.Nout {
			return fmt.Errorf("optimizer state %s: %d rows, want %d", p.Name, len(m.M), p.Nout)
		}
		for i := range m.M {
			if len(m.M[i]) != p.Nin || len(m.V[i]) != p.Nin {
				return fmt.Errorf("optimizer state %s: row %d has wrong width", p.Name, i)
			}
		}
	}
	for _, p := range o.params {
		m := s.Moments[p.Name]
		st := o.state[p.Name]
		for i := range m.M {
			copy(st.M[i], m.M[i])
			copy(st.V[i], m.V[i])
		}
	}
	o.t = s.Step
	return nil
}

// ClipGradNorm scales all gradients so their global L2 norm is at most
// maxNorm and returns the norm before clipping.
func ClipGradNorm(params []*autograd.Matrix, maxNorm float64) float64 {
	sq := 0.0
	for _, p := range params {
		for _, r := range p.Rows {
			for _, g := range r.Grad {
				sq += g * g
			}
		}
	}
	norm := math.Sqrt(sq)
	if maxNorm > 0 && norm > maxNorm {
		scale := maxNorm / (norm + 1e-6)
		for _, p := range params {
			for _, r := range p.Rows {
				for j := range r.Grad {
					r.Grad[j] *= scale
				}
			}
		}
	}
	return norm
}
