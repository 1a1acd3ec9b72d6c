package model

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"

	"tunekit/pkg/autograd"
)

// LoRAConfig mirrors the adapter_config.json written next to the weights.
type LoRAConfig struct {
	PeftType      string   `json:"peft_type"`
	TaskType      string   `json:"task_type"`
	BaseModel     string   `json:"base_model_name_or_path"`
	Rank          int      `json:"r"`
	Alpha         float64  `json:"lora_alpha"`
	Dropout       float64  `json:"lora_dropout"`
	TargetModules []string `json:"target_modules"`
}

// DefaultLoRA is the adapter attached by the fine-tuning driver: rank 4,
// alpha 8, dropout 0.05 on the query and value projections.
func DefaultLoRA() LoRAConfig {
	return LoRAConfig{
		PeftType:      "LORA",
		TaskType:      "CAUSAL_LM",
		Rank:          4,
		Alpha:         8,
		Dropout:       0.05,
		TargetModules: []string{QProj, VProj},
	}
}

// LoRA adds B·A·x·(alpha/r) on top of a frozen base projection. A starts
// Kaiming-uniform and B starts at zero, so a fresh adapter is a no-op.
type LoRA struct {
	A       *autograd.Matrix // r x in
	B       *autograd.Matrix // out x r
	Scale   float64
	Dropout float64
}

func NewLoRA(name string, nout, nin, rank int, alpha, dropout float64, rng *rand.Rand) *LoRA {
	bound := 1.0 / math.Sqrt(float64(nin))
	return &LoRA{
		A:       autograd.NewUniformMatrix(name+".lora_A", rank, nin, bound, rng),
		B:       autograd.NewZeroMatrix(name+".lora_B", nout, rank),
		Scale:   alpha / float64(rank),
		Dropout: dropout,
	}
}

func (l *LoRA) Forward(x *autograd.Vec, train bool, rng *rand.Rand) *autograd.Vec {
	h := x
	if train && l.Dropout > 0 {
		h = x.Dropout(l.Dropout, rng)
	}
	return l.B.Matvec(l.A.Matvec(h)).Scale(l.Scale)
}

// ApplyLoRA freezes every base weight and attaches an adapter to each
// projection whose short name is in cfg.TargetModules. It fails when no
// projection matches.
func ApplyLoRA(g *GPT, cfg LoRAConfig, rng *rand.Rand) error {
	if cfg.Rank < 1 {
		return fmt.Errorf("lora rank must be >= 1, got %d", cfg.Rank)
	}
	targets := map[string]bool{}
	for _, t := range cfg.TargetModules {
		targets[t] = true
	}
	g.Freeze()

	names := make([]string, 0, len(g.Base))
	for name := range g.Base {
		names = append(names, name)
	}
	sort.Strings(names)
	attached := 0
	for _, name := range names {
		short := name[strings.LastIndex(name, ".")+1:]
		if !targets[short] {
			continue
		}
		base := g.Base[name]
		g.Adapters[name] = NewLoRA(name, base.Nout, base.Nin, cfg.Rank, cfg.Alpha, cfg.Dropout, rng)
		attached++
	}
	if attached == 0 {
		return fmt.Errorf("no module matches lora targets %v", cfg.TargetModules)
	}
	return nil
}

// AdapterState exports adapter weights keyed by matrix name.
func (g *GPT) AdapterState() map[string][][]float64 {
	out := make(map[string][][]float64, 2*len(g.Adapters))
	for _, a := range g.Adapters {
		out[a.A.Name] = a.A.Export()
		out[a.B.Name] = a.B.Export()
	}
	return out
}

// LoadAdapterState overwrites adapter weights; every adapter must be present.
func (g *GPT) LoadAdapterState(state map[string][][]float64) error {
	for _, a := range g.Adapters {
		for _, m := range []*autograd.Matrix{a.A, a.B} {
			src, ok := state[m.Name]
			if !ok {
				return fmt.Errorf("adapter state is missing %s", m.Name)
			}
			if err := m.Load(src); err != nil {
				return err
			}
		}
	}
	return nil
}

// ExpectedLoRAParams is the adapter parameter count for cfg on g's shapes.
func ExpectedLoRAParams(c Config, cfg LoRAConfig) int {
	n := 0
	for _, t := range cfg.TargetModules {
		var nout, nin int
		switch t {
		case QProj, KProj, VProj, OProj:
			nout, nin = c.NEmbd, c.NEmbd
		case MLPFc1:
			nout, nin = 4*c.NEmbd, c.NEmbd
		case MLPFc2:
			nout, nin = c.NEmbd, 4*c.NEmbd
		default:
			continue
		}
		n += c.NLayer * cfg.Rank * (nout + nin)
	}
	return n
}
