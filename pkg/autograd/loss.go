package autograd

import "math"

// CrossEntropy computes -log(softmax(logits)[target]).
func CrossEntropy(logits *Vec, target int) *Scalar {
	n := len(logits.Data)
	maxVal := logits.Data[0]
	for _, v := range logits.Data[1:] {
		if v > maxVal {
			maxVal = v
		}
	}
	probs := make([]float64, n)
	expSum := 0.0
	for i := 0; i < n; i++ {
		probs[i] = math.Exp(logits.Data[i] - maxVal)
		expSum += probs[i]
	}
	for i := range probs {
		probs[i] /= expSum
	}
	out := &Scalar{Data: math.Log(expSum) + maxVal - logits.Data[target]}
	out.children = []Node{logits}
	out.backFn = func() {
		g := out.Grad
		for i := 0; i < n; i++ {
			ind := 0.0
			if i == target {
				ind = 1.0
			}
			logits.Grad[i] += (probs[i] - ind) * g
		}
	}
	return out
}

// MSE is the mean squared error between pred and target over all elements.
func MSE(pred *Vec, target []float64) *Scalar {
	n := len(pred.Data)
	val := 0.0
	diff := make([]float64, n)
	for i := 0; i < n; i++ {
		diff[i] = pred.Data[i] - target[i]
		val += diff[i] * diff[i]
	}
	out := &Scalar{Data: val / float64(n)}
	out.children = []Node{pred}
	out.backFn = func() {
		for i := 0; i < n; i++ {
			pred.Grad[i] += 2.0 * diff[i] / float64(n) * out.Grad
		}
	}
	return out
}

// BatchMSE averages MSE over a batch the way a mean-reduced loss over a
// (batch x dim) tensor does: every element counts once.
func BatchMSE(preds []*Vec, targets [][]float64) *Scalar {
	terms := make([]*Scalar, len(preds))
	for i, p := range preds {
		terms[i] = MSE(p, targets[i])
	}
	return Sum(terms).MulF(1.0 / float64(len(preds)))
}
