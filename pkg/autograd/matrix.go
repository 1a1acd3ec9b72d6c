package autograd

import (
	"fmt"
	"math"
	"math/rand"
)

// Matrix is a named weight matrix of shape (Nout, Nin) stored as row Vecs.
// A matrix with Trainable=false never accumulates gradient: its rows are
// read, never written, by the backward pass.
type Matrix struct {
	Name      string
	Rows      []*Vec
	Nout      int
	Nin       int
	Trainable bool
}

// NewMatrix draws entries from N(0, std^2).
func NewMatrix(name string, nout, nin int, std float64, rng *rand.Rand) *Matrix {
	rows := make([]*Vec, nout)
	for i := range rows {
		d := make([]float64, nin)
		for j := range d {
			d[j] = rng.NormFloat64() * std
		}
		rows[i] = NewVec(d)
	}
	return &Matrix{Name: name, Rows: rows, Nout: nout, Nin: nin, Trainable: true}
}

// NewUniformMatrix draws entries from U(-bound, bound).
func NewUniformMatrix(name string, nout, nin int, bound float64, rng *rand.Rand) *Matrix {
	rows := make([]*Vec, nout)
	for i := range rows {
		d := make([]float64, nin)
		for j := range d {
			d[j] = (rng.Float64()*2 - 1) * bound
		}
		rows[i] = NewVec(d)
	}
	return &Matrix{Name: name, Rows: rows, Nout: nout, Nin: nin, Trainable: true}
}

func NewZeroMatrix(name string, nout, nin int) *Matrix {
	rows := make([]*Vec, nout)
	for i := range rows {
		rows[i] = NewVecZero(nin)
	}
	return &Matrix{Name: name, Rows: rows, Nout: nout, Nin: nin, Trainable: true}
}

// MatrixFromRows copies a row-major state entry into a Matrix.
func MatrixFromRows(name string, src [][]float64, trainable bool) (*Matrix, error) {
	if len(src) == 0 {
		return nil, fmt.Errorf("matrix %s: no rows", name)
	}
	nin := len(src[0])
	rows := make([]*Vec, len(src))
	for i, r := range src {
		if len(r) != nin {
			return nil, fmt.Errorf("matrix %s: row %d has %d cols, want %d", name, i, len(r), nin)
		}
		d := make([]float64, nin)
		copy(d, r)
		rows[i] = NewVec(d)
	}
	return &Matrix{Name: name, Rows: rows, Nout: len(src), Nin: nin, Trainable: trainable}, nil
}

// Matvec computes m @ x.
func (m *Matrix) Matvec(x *Vec) *Vec {
	nout, nin := m.Nout, len(x.Data)
	d := make([]float64, nout)
	for i := 0; i < nout; i++ {
		row := m.Rows[i].Data
		sum := 0.0
		for j := 0; j < nin; j++ {
			sum += row[j] * x.Data[j]
		}
		d[i] = sum
	}
	out := NewVec(d)
	out.children = []Node{x}
	rows := m.Rows
	trainable := m.Trainable
	out.backFn = func() {
		for i := 0; i < nout; i++ {
			g := out.Grad[i]
			if g == 0 {
				continue
			}
			rd := rows[i].Data
			for j := 0; j < nin; j++ {
				x.Grad[j] += g * rd[j]
			}
			if trainable {
				rg := rows[i].Grad
				for j := 0; j < nin; j++ {
					rg[j] += g * x.Data[j]
				}
			}
		}
	}
	return out
}

// Lookup returns row i as a graph node. Gradient reaches the stored row only
// when the matrix is trainable.
func (m *Matrix) Lookup(i int) *Vec {
	src := m.Rows[i]
	if !m.Trainable {
		return Constant(src.Data)
	}
	out := NewVec(append([]float64(nil), src.Data...))
	out.children = []Node{src}
	out.backFn = func() {
		for j := range out.Grad {
			src.Grad[j] += out.Grad[j]
		}
	}
	return out
}

// Params returns the row vectors for an optimizer.
func (m *Matrix) Params() []*Vec {
	return m.Rows
}

// NumParams is Nout*Nin.
func (m *Matrix) NumParams() int {
	return m.Nout * m.Nin
}

// ZeroGrad clears every row gradient.
func (m *Matrix) ZeroGrad() {
	for _, r := range m.Rows {
		r.ZeroGrad()
	}
}

// HasGrad reports whether any gradient entry is non-zero.
func (m *Matrix) HasGrad() bool {
	for _, r := range m.Rows {
		for _, g := range r.Grad {
			if g != 0 {
				return true
			}
		}
	}
	return false
}

// Export copies the data into a plain row-major slice.
func (m *Matrix) Export() [][]float64 {
	out := make([][]float64, len(m.Rows))
	for i, r := range m.Rows {
		out[i] = append([]float64(nil), r.Data...)
	}
	return out
}

// Load overwrites the data from src, which must match the shape.
func (m *Matrix) Load(src [][]float64) error {
	if len(src) != m.Nout {
		return fmt.Errorf("matrix %s: got %d rows, want %d", m.Name, len(src), m.Nout)
	}
	for i, r := range src {
		if len(r) != m.Nin {
			return fmt.Errorf("matrix %s: row %d has %d cols, want %d", m.Name, i, len(r), m.Nin)
		}
		copy(m.Rows[i].Data, r)
	}
	return nil
}

// Apply rewrites every entry through fn, e.g. a precision cast.
func (m *Matrix) Apply(fn func(float64) float64) {
	for _, r := range m.Rows {
		for j, v := range r.Data {
			r.Data[j] = fn(v)
		}
	}
}

// Linear is y = W x + b with PyTorch's default initialisation.
type Linear struct {
	W *Matrix
	B *Matrix // one row
}

func NewLinear(name string, in, out int, rng *rand.Rand) *Linear {
	bound := 1.0 / math.Sqrt(float64(in))
	return &Linear{
		W: NewUniformMatrix(name+".weight", out, in, bound, rng),
		B: NewUniformMatrix(name+".bias", 1, out, bound, rng),
	}
}

func (l *Linear) Forward(x *Vec) *Vec {
	return l.W.Matvec(x).Add(l.B.Lookup(0))
}

func (l *Linear) Matrices() []*Matrix {
	return []*Matrix{l.W, l.B}
}
