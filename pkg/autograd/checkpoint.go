package autograd

import "math/rand"

// BlockFunc maps a sequence of vectors to a sequence of vectors. The rng is
// the only source of randomness it may use (dropout).
type BlockFunc func(xs []*Vec, rng *rand.Rand) []*Vec

// Checkpoint runs fn over xs and keeps only its outputs. The intermediate
// graph is dropped and rebuilt during backward, trading compute for memory.
// Both passes see an rng seeded with seed so dropout masks match.
func Checkpoint(fn BlockFunc, xs []*Vec, seed int64) []*Vec {
	inner := fn(detach(xs), rand.New(rand.NewSource(seed)))

	outs := make([]*Vec, len(inner))
	joint := &Vec{children: make([]Node, len(xs))}
	for i, x := range xs {
		joint.children[i] = x
	}
	for i, r := range inner {
		o := NewVec(append([]float64(nil), r.Data...))
		o.children = []Node{joint}
		outs[i] = o
	}
	inner = nil

	// joint is a child of every output, so its closure runs only after all
	// consumers of outs have deposited their gradients.
	joint.backFn = func() {
		d := detach(xs)
		re := fn(d, rand.New(rand.NewSource(seed)))
		roots := make([]Node, len(re))
		for i, r := range re {
			copy(r.Grad, outs[i].Grad)
			roots[i] = r
		}
		backprop(roots)
		for i, x := range xs {
			for j := range x.Grad {
				x.Grad[j] += d[i].Grad[j]
			}
		}
	}
	return outs
}

func detach(xs []*Vec) []*Vec {
	out := make([]*Vec, len(xs))
	for i, x := range xs {
		out[i] = Constant(x.Data)
	}
	return out
}
