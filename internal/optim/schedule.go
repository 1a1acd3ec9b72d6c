package optim

import "math"

// Schedule maps an optimizer step (0-based) to a learning rate.
type Schedule interface {
	LR(step int) float64
}

// Constant is a fixed learning rate.
type Constant float64

func (c Constant) LR(int) float64 { return float64(c) }

// Cosine warms up linearly for Warmup steps, then decays from Base to 0
// along a half cosine over the remaining Total-Warmup steps.
type Cosine struct {
	Base   float64
	Warmup int
	Total  int
}

func (c Cosine) LR(step int) float64 {
	if step < c.Warmup {
		return c.Base * float64(step) / float64(max(1, c.Warmup))
	}
	if c.Total <= c.Warmup {
		return c.Base
	}
	progress := float64(step-c.Warmup) / float64(c.Total-c.Warmup)
	if progress > 1 {
		progress = 1
	}
	return c.Base * 0.5 * (1 + math.Cos(math.Pi*progress))
}

// TotalSteps is the number of optimizer steps for a run:
// epochs * ceil(ceil(n/batch)/accum).
func TotalSteps(n, batch, accum, epochs int) int {
	micro := (n + batch - 1) / batch
	perEpoch := (micro + accum - 1) / accum
	return epochs * perEpoch
}
