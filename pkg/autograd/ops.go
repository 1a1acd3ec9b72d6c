package autograd

import (
	"math"
	"math/rand"
)

// Add returns v + other element-wise.
func (v *Vec) Add(other *Vec) *Vec {
	n := len(v.Data)
	d := make([]float64, n)
	for i := 0; i < n; i++ {
		d[i] = v.Data[i] + other.Data[i]
	}
	out := NewVec(d)
	out.children = []Node{v, other}
	out.backFn = func() {
		for i := 0; i < n; i++ {
			v.Grad[i] += out.Grad[i]
			other.Grad[i] += out.Grad[i]
		}
	}
	return out
}

// Sub returns v - other.
func (v *Vec) Sub(other *Vec) *Vec {
	n := len(v.Data)
	d := make([]float64, n)
	for i := 0; i < n; i++ {
		d[i] = v.Data[i] - other.Data[i]
	}
	out := NewVec(d)
	out.children = []Node{v, other}
	out.backFn = func() {
		for i := 0; i < n; i++ {
			v.Grad[i] += out.Grad[i]
			other.Grad[i] -= out.Grad[i]
		}
	}
	return out
}

// MulVec returns the element-wise product.
func (v *Vec) MulVec(other *Vec) *Vec {
	n := len(v.Data)
	d := make([]float64, n)
	for i := 0; i < n; i++ {
		d[i] = v.Data[i] * other.Data[i]
	}
	out := NewVec(d)
	out.children = []Node{v, other}
	vData, oData := v.Data, other.Data
	out.backFn = func() {
		for i := 0; i < n; i++ {
			v.Grad[i] += oData[i] * out.Grad[i]
			other.Grad[i] += vData[i] * out.Grad[i]
		}
	}
	return out
}

// Scale returns v * s.
func (v *Vec) Scale(s float64) *Vec {
	n := len(v.Data)
	d := make([]float64, n)
	for i := 0; i < n; i++ {
		d[i] = v.Data[i] * s
	}
	out := NewVec(d)
	out.children = []Node{v}
	out.backFn = func() {
		for i := 0; i < n; i++ {
			v.Grad[i] += s * out.Grad[i]
		}
	}
	return out
}

// ReLU applies max(0, x) element-wise.
func (v *Vec) ReLU() *Vec {
	n := len(v.Data)
	d := make([]float64, n)
	for i := 0; i < n; i++ {
		if v.Data[i] > 0 {
			d[i] = v.Data[i]
		}
	}
	out := NewVec(d)
	out.children = []Node{v}
	vData := v.Data
	out.backFn = func() {
		for i := 0; i < n; i++ {
			if vData[i] > 0 {
				v.Grad[i] += out.Grad[i]
			}
		}
	}
	return out
}

// Dropout zeroes each element with probability p and scales the survivors
// by 1/(1-p). With p <= 0 it returns v unchanged.
func (v *Vec) Dropout(p float64, rng *rand.Rand) *Vec {
	if p <= 0 {
		return v
	}
	n := len(v.Data)
	keep := 1.0 / (1.0 - p)
	mask := make([]float64, n)
	d := make([]float64, n)
	for i := 0; i < n; i++ {
		if rng.Float64() >= p {
			mask[i] = keep
			d[i] = v.Data[i] * keep
		}
	}
	out := NewVec(d)
	out.children = []Node{v}
	out.backFn = func() {
		for i := 0; i < n; i++ {
			v.Grad[i] += mask[i] * out.Grad[i]
		}
	}
	return out
}

// Slice extracts [start:end).
func (v *Vec) Slice(start, end int) *Vec {
	d := make([]float64, end-start)
	copy(d, v.Data[start:end])
	out := NewVec(d)
	out.children = []Node{v}
	out.backFn = func() {
		for i, j := 0, start; j < end; i, j = i+1, j+1 {
			v.Grad[j] += out.Grad[i]
		}
	}
	return out
}

// Concat joins vectors end to end.
func Concat(vecs []*Vec) *Vec {
	total := 0
	for _, v := range vecs {
		total += len(v.Data)
	}
	d := make([]float64, 0, total)
	kids := make([]Node, len(vecs))
	for i, v := range vecs {
		d = append(d, v.Data...)
		kids[i] = v
	}
	out := NewVec(d)
	out.children = kids
	out.backFn = func() {
		offset := 0
		for _, v := range vecs {
			for i := range v.Data {
				v.Grad[i] += out.Grad[offset+i]
			}
			offset += len(v.Data)
		}
	}
	return out
}

// Dot returns the scalar dot product.
func (v *Vec) Dot(other *Vec) *Scalar {
	n := len(v.Data)
	val := 0.0
	for i := 0; i < n; i++ {
		val += v.Data[i] * other.Data[i]
	}
	out := &Scalar{Data: val}
	out.children = []Node{v, other}
	vData, oData := v.Data, other.Data
	out.backFn = func() {
		for i := 0; i < n; i++ {
			v.Grad[i] += oData[i] * out.Grad
			other.Grad[i] += vData[i] * out.Grad
		}
	}
	return out
}

// Round passes values through fn (e.g. a reduced-precision cast) and treats
// it as identity for gradients, the straight-through rule autocast uses.
func (v *Vec) Round(fn func(float64) float64) *Vec {
	if fn == nil {
		return v
	}
	n := len(v.Data)
	d := make([]float64, n)
	for i := 0; i < n; i++ {
		d[i] = fn(v.Data[i])
	}
	out := NewVec(d)
	out.children = []Node{v}
	out.backFn = func() {
		for i := 0; i < n; i++ {
			v.Grad[i] += out.Grad[i]
		}
	}
	return out
}

// AddS returns s + other.
func (s *Scalar) AddS(other *Scalar) *Scalar {
	out := &Scalar{Data: s.Data + other.Data}
	out.children = []Node{s, other}
	out.backFn = func() {
		s.Grad += out.Grad
		other.Grad += out.Grad
	}
	return out
}

// MulF returns s * f.
func (s *Scalar) MulF(f float64) *Scalar {
	out := &Scalar{Data: s.Data * f}
	out.children = []Node{s}
	out.backFn = func() {
		s.Grad += f * out.Grad
	}
	return out
}

// Sum adds scalars in one node instead of a chain of AddS.
func Sum(terms []*Scalar) *Scalar {
	out := &Scalar{}
	kids := make([]Node, len(terms))
	for i, t := range terms {
		out.Data += t.Data
		kids[i] = t
	}
	out.children = kids
	out.backFn = func() {
		for _, t := range terms {
			t.Grad += out.Grad
		}
	}
	return out
}

// RMSNorm normalizes x by its root mean square.
func RMSNorm(x *Vec) *Vec {
	n := len(x.Data)
	ms := 0.0
	for _, v := range x.Data {
		ms += v * v
	}
	ms /= float64(n)
	scale := math.Pow(ms+1e-5, -0.5)
	d := make([]float64, n)
	for i := 0; i < n; i++ {
		d[i] = x.Data[i] * scale
	}
	out := NewVec(d)
	out.children = []Node{x}
	xData := x.Data
	out.backFn = func() {
		dsDms := -0.5 * math.Pow(ms+1e-5, -1.5)
		cross := 0.0
		for j := 0; j < n; j++ {
			cross += out.Grad[j] * xData[j]
		}
		for i := 0; i < n; i++ {
			x.Grad[i] += scale*out.Grad[i] + cross*dsDms*(2.0*xData[i]/float64(n))
		}
	}
	return out
}

// Softmax over scalars; used for attention weights.
func Softmax(logits []*Scalar) []*Scalar {
	n := len(logits)
	maxVal := logits[0].Data
	for _, s := range logits[1:] {
		if s.Data > maxVal {
			maxVal = s.Data
		}
	}
	probs := make([]float64, n)
	total := 0.0
	for i := 0; i < n; i++ {
		probs[i] = math.Exp(logits[i].Data - maxVal)
		total += probs[i]
	}
	for i := range probs {
		probs[i] /= total
	}
	kids := make([]Node, n)
	for i := range logits {
		kids[i] = logits[i]
	}
	out := make([]*Scalar, n)
	for i := 0; i < n; i++ {
		sv := &Scalar{Data: probs[i]}
		sv.children = kids
		ii := i
		sv.backFn = func() {
			g := out[ii].Grad
			for j := 0; j < n; j++ {
				if j == ii {
					logits[j].Grad += g * probs[ii] * (1.0 - probs[ii])
				} else {
					logits[j].Grad -= g * probs[ii] * probs[j]
				}
			}
		}
		out[i] = sv
	}
	return out
}

// WeightedSum computes sum_t weights[t] * values[t].
func WeightedSum(weights []*Scalar, values []*Vec) *Vec {
	dim := len(values[0].Data)
	T := len(weights)
	d := make([]float64, dim)
	for t := 0; t < T; t++ {
		w := weights[t].Data
		for j := 0; j < dim; j++ {
			d[j] += w * values[t].Data[j]
		}
	}
	kids := make([]Node, 0, 2*T)
	for _, w := range weights {
		kids = append(kids, w)
	}
	for _, v := range values {
		kids = append(kids, v)
	}
	out := NewVec(d)
	out.children = kids
	out.backFn = func() {
		for t := 0; t < T; t++ {
			for j := 0; j < dim; j++ {
				weights[t].Grad += values[t].Data[j] * out.Grad[j]
				values[t].Grad[j] += weights[t].Data * out.Grad[j]
			}
		}
	}
	return out
}
