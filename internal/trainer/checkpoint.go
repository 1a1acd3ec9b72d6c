package trainer

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"tunekit/internal/errs"
	"tunekit/internal/jsonfile"
	"tunekit/internal/optim"
	"tunekit/pkg/model"
)

const (
	CheckpointPrefix = "checkpoint-"
	StateFileName    = "trainer_state.json"
)

// State is the resumable part of a run. Epoch and Micro locate the next
// micro-batch to run.
type State struct {
	Version    int         `json:"version"`
	CreatedAt  string      `json:"created_at"`
	RunID      string      `json:"run_id"`
	Step       int         `json:"global_step"`
	TotalSteps int         `json:"max_steps"`
	Epoch      int         `json:"epoch"`
	Micro      int         `json:"micro_batch"`
	Seed       int64       `json:"seed"`
	LastLoss   float64     `json:"last_loss"`
	Optimizer  optim.State `json:"optimizer"`
}

// CheckpointDir is output/checkpoint-<step>.
func CheckpointDir(output string, step int) string {
	return filepath.Join(output, CheckpointPrefix+strconv.Itoa(step))
}

// saveCheckpoint writes the adapter and trainer state for st.Step, then
// removes all but the newest limit checkpoints.
func saveCheckpoint(output string, st State, g *model.GPT, lcfg model.LoRAConfig, opt *optim.AdamW, limit int) (string, error) {
	dir := CheckpointDir(output, st.Step)
	st.Version = 1
	st.CreatedAt = time.Now().Format(time.RFC3339)
	st.Optimizer = opt.State()
	if err := model.SaveAdapter(dir, g, lcfg); err != nil {
		return "", fmt.Errorf("%w: checkpoint %s: %v", errs.ErrIO, dir, err)
	}
	if err := jsonfile.Write(filepath.Join(dir, StateFileName), st); err != nil {
		return "", fmt.Errorf("%w: checkpoint %s: %v", errs.ErrIO, dir, err)
	}
	if err := rotate(output, limit); err != nil {
		return "", err
	}
	return dir, nil
}

type checkpointEntry struct {
	dir  string
	step int
}

func listCheckpoints(output string) ([]checkpointEntry, error) {
	entries, err := os.ReadDir(output)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []checkpointEntry
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), CheckpointPrefix) {
			continue
		}
		step, err := strconv.Atoi(strings.TrimPrefix(e.Name(), CheckpointPrefix))
		if err != nil {
			continue
		}
		out = append(out, checkpointEntry{dir: filepath.Join(output, e.Name()), step: step})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].step < out[j].step })
	return out, nil
}

func rotate(output string, limit int) error {
	if limit < 1 {
		return nil
	}
	cps, err := listCheckpoints(output)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrIO, err)
	}
	for len(cps) > limit {
		if err := os.RemoveAll(cps[0].dir); err != nil {
			return fmt.Errorf("%w: remove %s: %v", errs.ErrIO, cps[0].dir, err)
		}
		cps = cps[1:]
	}
	return nil
}

// LatestCheckpoint returns the checkpoint directory with the highest step
// in output, or "" when there is none.
func LatestCheckpoint(output string) (string, error) {
	cps, err := listCheckpoints(output)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errs.ErrIO, err)
	}
	if len(cps) == 0 {
		return "", nil
	}
	return cps[len(cps)-1].dir, nil
}

// restore loads adapter weights and optimizer moments from dir into g and
// opt and returns the saved state.
func restore(dir string, g *model.GPT, opt *optim.AdamW) (State, error) {
	var af model.AdapterFile
	if err := jsonfile.Read(filepath.Join(dir, model.AdapterModelFileName), &af); err != nil {
		return State{}, fmt.Errorf("%w: %v", errs.ErrModelLoad, err)
	}
	if err := g.LoadAdapterState(af.State); err != nil {
		return State{}, fmt.Errorf("%w: %s: %v", errs.ErrModelLoad, dir, err)
	}
	var st State
	if err := jsonfile.Read(filepath.Join(dir, StateFileName), &st); err != nil {
		return State{}, fmt.Errorf("%w: %v", errs.ErrModelLoad, err)
	}
	if err := opt.Load(st.Optimizer); err != nil {
		return State{}, fmt.Errorf("%w: %s: %v", errs.ErrModelLoad, dir, err)
	}
	return st, nil
}
