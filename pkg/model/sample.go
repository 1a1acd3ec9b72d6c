package model

import (
	"math"
	"math/rand"
	"sort"
	"strings"
)

// SampleWeighted draws an index proportional to weights.
func SampleWeighted(weights []float64, rng *rand.Rand) int {
	sum := 0.0
	for _, w := range weights {
		sum += w
	}
	r := rng.Float64() * sum
	running := 0.0
	for i, w := range weights {
		running += w
		if r <= running {
			return i
		}
	}
	return len(weights) - 1
}

// SoftmaxFloat is a numerically stable softmax over plain floats.
func SoftmaxFloat(logits []float64) []float64 {
	maxLogit := -math.MaxFloat64
	for _, l := range logits {
		if l > maxLogit {
			maxLogit = l
		}
	}
	sum := 0.0
	out := make([]float64, len(logits))
	for i, l := range logits {
		out[i] = math.Exp(l - maxLogit)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// NextTokenWeights turns raw logits into sampling weights: repetition
// penalty on recent ids, temperature, then top-k and top-p filtering.
func NextTokenWeights(logits []float64, temperature float64, topK int, topP float64, recent map[int]bool, repetitionPenalty float64) []float64 {
	l := make([]float64, len(logits))
	for i, v := range logits {
		l[i] = v
		if recent[i] {
			if l[i] >= 0 {
				l[i] /= repetitionPenalty
			} else {
				l[i] *= repetitionPenalty
			}
		}
		l[i] /= temperature
	}
	w := SoftmaxFloat(l)
	if topK > 0 {
		w = ApplyTopK(w, topK)
	}
	if topP > 0 && topP < 1.0 {
		w = ApplyTopP(w, topP)
	}
	return w
}

type rankedWeight struct {
	i int
	w float64
}

func rankWeights(weights []float64) []rankedWeight {
	arr := make([]rankedWeight, len(weights))
	for i, w := range weights {
		arr[i] = rankedWeight{i, w}
	}
	sort.SliceStable(arr, func(i, j int) bool { return arr[i].w > arr[j].w })
	return arr
}

// ApplyTopK zeroes every weight outside the k largest. Weights are not
// renormalised; the sampler divides by their sum.
func ApplyTopK(weights []float64, k int) []float64 {
	if k >= len(weights) {
		return weights
	}
	arr := rankWeights(weights)
	out := make([]float64, len(weights))
	for i := 0; i < k; i++ {
		out[arr[i].i] = arr[i].w
	}
	return out
}

// ApplyTopP keeps the smallest set of largest weights whose mass reaches p.
func ApplyTopP(weights []float64, p float64) []float64 {
	arr := rankWeights(weights)
	out := make([]float64, len(weights))
	sum := 0.0
	for i := 0; i < len(arr); i++ {
		sum += arr[i].w
		out[arr[i].i] = arr[i].w
		if sum >= p {
			break
		}
	}
	return out
}

// GenerateOptions controls Generate. Zero values take the server defaults.
type GenerateOptions struct {
	Temperature       float64
	TopK              int
	TopP              float64
	MaxTokens         int
	RepetitionPenalty float64
	StopSequences     []string
}

func (o GenerateOptions) withDefaults() GenerateOptions {
	if o.Temperature <= 0 {
		o.Temperature = 0.5
	}
	if o.TopP <= 0 {
		o.TopP = 0.9
	}
	if o.TopK <= 0 {
		o.TopK = 40
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = 128
	}
	if o.RepetitionPenalty <= 0 {
		o.RepetitionPenalty = 1.1
	}
	return o
}

// Generate samples a continuation of prompt. It stops at EOS, MaxTokens or
// the first stop sequence, which is cut from the returned text.
func Generate(g *GPT, tok *Tokenizer, prompt string, opts GenerateOptions, rng *rand.Rand) (text string, promptTokens, completionTokens int) {
	opts = opts.withDefaults()
	ids := tok.Encode(prompt)
	if len(ids) == 0 {
		ids = []int{tok.EosID}
	}
	promptTokens = len(ids)

	out := make([]int, 0, opts.MaxTokens)
	recent := make([]int, 0, 64)
	for completionTokens < opts.MaxTokens {
		weights := NextTokenWeights(g.NextLogits(ids), opts.Temperature, opts.TopK, opts.TopP, toSet(recent), opts.RepetitionPenalty)
		next := SampleWeighted(weights, rng)
		if next == tok.EosID {
			break
		}
		ids = append(ids, next)
		out = append(out, next)
		recent = append(recent, next)
		if len(recent) > 64 {
			recent = recent[len(recent)-64:]
		}
		completionTokens++
		if hasStop(tok.Decode(out), opts.StopSequences) {
			break
		}
	}

	text = tok.Decode(out)
	for _, stop := range opts.StopSequences {
		if idx := strings.Index(text, stop); idx >= 0 {
			text = text[:idx]
		}
	}
	return strings.TrimSpace(text), promptTokens, completionTokens
}

func toSet(ids []int) map[int]bool {
	s := make(map[int]bool, len(ids))
	for _, id := range ids {
		s[id] = true
	}
	return s
}

func hasStop(text string, stops []string) bool {
	for _, s := range stops {
		if strings.Contains(text, s) {
			return true
		}
	}
	return false
}
