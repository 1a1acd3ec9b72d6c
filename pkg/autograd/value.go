// Package autograd is a small reverse-mode differentiation engine over
// vectors. One Vec is one embedding, hidden state or weight row; a Scalar is
// a loss or an attention weight. Every op records its inputs and a closure
// that pushes the output gradient back into them.
package autograd

// Node is anything in the compute graph.
type Node interface {
	getChildren() []Node
	doBackward()
}

// Vec is a differentiable vector.
type Vec struct {
	Data     []float64
	Grad     []float64
	children []Node
	backFn   func()
}

// NewVec wraps data (not copied) with a zeroed gradient buffer.
func NewVec(data []float64) *Vec {
	return &Vec{Data: data, Grad: make([]float64, len(data))}
}

func NewVecZero(n int) *Vec {
	return NewVec(make([]float64, n))
}

// Constant copies data into a leaf that is never part of an update.
func Constant(data []float64) *Vec {
	d := make([]float64, len(data))
	copy(d, data)
	return NewVec(d)
}

// Len returns the vector length.
func (v *Vec) Len() int { return len(v.Data) }

// ZeroGrad clears the gradient buffer in place.
func (v *Vec) ZeroGrad() {
	for i := range v.Grad {
		v.Grad[i] = 0
	}
}

func (v *Vec) getChildren() []Node { return v.children }
func (v *Vec) doBackward() {
	if v.backFn != nil {
		v.backFn()
	}
}

// Scalar is a differentiable scalar.
type Scalar struct {
	Data     float64
	Grad     float64
	children []Node
	backFn   func()
}

func NewScalar(data float64) *Scalar {
	return &Scalar{Data: data}
}

func (s *Scalar) getChildren() []Node { return s.children }
func (s *Scalar) doBackward() {
	if s.backFn != nil {
		s.backFn()
	}
}

// Backward seeds root with gradient one and walks the graph in reverse
// topological order. Gradients accumulate; callers zero them between steps.
func Backward(root Node) {
	switch r := root.(type) {
	case *Scalar:
		r.Grad = 1.0
	case *Vec:
		for i := range r.Grad {
			r.Grad[i] = 1.0
		}
	}
	backprop([]Node{root})
}

// backprop runs the backward closures reachable from roots without seeding
// them; the caller has already placed gradients on the roots.
func backprop(roots []Node) {
	topo := make([]Node, 0, 64)
	visited := make(map[Node]bool)

	// iterative DFS; deep graphs (long sequences) overflow nothing this way
	type frame struct {
		n    Node
		next int
	}
	for _, root := range roots {
		if visited[root] {
			continue
		}
		visited[root] = true
		stack := []frame{{n: root}}
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			kids := top.n.getChildren()
			if top.next < len(kids) {
				c := kids[top.next]
				top.next++
				if !visited[c] {
					visited[c] = true
					stack = append(stack, frame{n: c})
				}
				continue
			}
			topo = append(topo, top.n)
			stack = stack[:len(stack)-1]
		}
	}

	for i := len(topo) - 1; i >= 0; i-- {
		topo[i].doBackward()
	}
}
