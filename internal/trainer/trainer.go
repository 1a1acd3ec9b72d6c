// Package trainer fine-tunes the adapters of a causal language model on a
// tokenized corpus: gradient accumulation, bf16 autocast, AdamW with
// gradient clipping and a cosine schedule, rotating checkpoints.
package trainer

import (
	"context"
	"fmt"
	"math/rand"
	"runtime"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tunekit/internal/config"
	"tunekit/internal/corpus"
	"tunekit/internal/errs"
	"tunekit/internal/optim"
	"tunekit/internal/precision"
	"tunekit/internal/telemetry"
	"tunekit/pkg/autograd"
	"tunekit/pkg/model"
)

const pipeline = "finetune"

// Loop defaults.
const (
	DefaultAccum       = 4
	DefaultSaveEvery   = 500
	DefaultLogEvery    = 50
	DefaultSaveLimit   = 1
	DefaultMaxGradNorm = 1.0
)

// Options tunes Run. Zero values take the defaults above.
type Options struct {
	Accum       int
	SaveEvery   int
	LogEvery    int
	SaveLimit   int
	MaxGradNorm float64
	// LoRA is recorded in adapter_config.json.
	LoRA  model.LoRAConfig
	RunID string
	Log   *zap.Logger
	Sink  telemetry.Sink
}

func (o Options) withDefaults() Options {
	if o.Accum < 1 {
		o.Accum = DefaultAccum
	}
	if o.SaveEvery < 1 {
		o.SaveEvery = DefaultSaveEvery
	}
	if o.LogEvery < 1 {
		o.LogEvery = DefaultLogEvery
	}
	if o.SaveLimit < 1 {
		o.SaveLimit = DefaultSaveLimit
	}
	if o.MaxGradNorm <= 0 {
		o.MaxGradNorm = DefaultMaxGradNorm
	}
	if o.LoRA.Rank == 0 {
		o.LoRA = model.DefaultLoRA()
	}
	if o.RunID == "" {
		o.RunID = uuid.NewString()
	}
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	if o.Sink == nil {
		o.Sink = telemetry.Nop
	}
	return o
}

// Result summarises a finished run.
type Result struct {
	RunID      string
	Steps      int
	TotalSteps int
	Epochs     int
	// Loss is the mean loss of the last optimizer step.
	Loss        float64
	OutputDir   string
	Checkpoint  string
	ResumedFrom string
	Duration    time.Duration
}

// Run trains g's adapters on examples for cfg.Epochs passes and writes the
// adapter and tokenizer into cfg.OutputDir.
func Run(ctx context.Context, g *model.GPT, tok *model.Tokenizer, examples []corpus.Example, cfg config.FinetuneConfig, opts Options) (*Result, error) {
	opts = opts.withDefaults()
	res, err := run(ctx, g, tok, examples, cfg, opts)
	if err != nil {
		opts.Sink.Emit(telemetry.Event{RunID: opts.RunID, Pipeline: pipeline, Kind: telemetry.KindError, Message: err.Error()})
		return nil, err
	}
	opts.Sink.Emit(telemetry.Event{
		RunID: opts.RunID, Pipeline: pipeline, Kind: telemetry.KindDone,
		Step: res.Steps, TotalSteps: res.TotalSteps, Loss: res.Loss, Elapsed: res.Duration,
		Message: res.OutputDir,
	})
	return res, nil
}

func run(ctx context.Context, g *model.GPT, tok *model.Tokenizer, examples []corpus.Example, cfg config.FinetuneConfig, opts Options) (*Result, error) {
	log := opts.Log.With(zap.String("run_id", opts.RunID))
	if len(examples) == 0 {
		return nil, fmt.Errorf("%w: no training documents in %s", errs.ErrEmptyCorpus, cfg.DataDir)
	}
	params := g.TrainableParams()
	if len(params) == 0 {
		return nil, fmt.Errorf("%w: model has no trainable parameters", errs.ErrConfig)
	}

	opt := optim.NewAdamW(params, 0.9, 0.999, 1e-8, 0)
	totalSteps := optim.TotalSteps(len(examples), cfg.BatchSize, opts.Accum, cfg.Epochs)
	sched := optim.Cosine{Base: cfg.LR, Total: totalSteps}

	if cfg.MaxLength > g.Config.BlockSize {
		log.Warn("max_length exceeds the model context; examples are truncated to block size",
			zap.Int("max_length", cfg.MaxLength), zap.Int("block_size", g.Config.BlockSize))
	}

	g.Autocast = precision.Rounder(precision.BFloat16)
	g.GradientCheckpointing = true
	g.Train(true)
	defer g.Train(false)

	st := State{RunID: opts.RunID, TotalSteps: totalSteps, Seed: cfg.Seed}
	res := &Result{RunID: opts.RunID, TotalSteps: totalSteps, OutputDir: cfg.OutputDir}
	if cfg.Resume {
		dir, err := LatestCheckpoint(cfg.OutputDir)
		if err != nil {
			return nil, err
		}
		if dir == "" {
			log.Warn("resume requested but no checkpoint found", zap.String("output_dir", cfg.OutputDir))
		} else {
			saved, err := restore(dir, g, opt)
			if err != nil {
				return nil, err
			}
			st.Step, st.Epoch, st.Micro, st.LastLoss = saved.Step, saved.Epoch, saved.Micro, saved.LastLoss
			res.ResumedFrom = dir
			log.Info("resumed from checkpoint",
				zap.String("checkpoint", dir),
				zap.String("previous_run_id", saved.RunID),
				zap.Int("step", st.Step),
				zap.Int("epoch", st.Epoch),
			)
		}
	}

	trainable, total := g.CountParams()
	log.Info("training adapters",
		zap.Int("examples", len(examples)),
		zap.Int("epochs", cfg.Epochs),
		zap.Int("batch_size", cfg.BatchSize),
		zap.Int("grad_accum", opts.Accum),
		zap.Int("max_steps", totalSteps),
		zap.Float64("lr", cfg.LR),
		zap.Int("trainable_params", trainable),
		zap.Int("total_params", total),
		zap.Float64("trainable_pct", 100*float64(trainable)/float64(max(1, total))),
	)
	opts.Sink.Emit(telemetry.Event{RunID: opts.RunID, Pipeline: pipeline, Kind: telemetry.KindStart, Step: st.Step, TotalSteps: totalSteps, TotalEpochs: cfg.Epochs, LR: cfg.LR})

	trainStart := time.Now()
	startStep := st.Step
	intervalLoss, intervalSteps := 0.0, 0
	for epoch := st.Epoch; epoch < cfg.Epochs; epoch++ {
		batches := epochBatches(len(examples), cfg.BatchSize, cfg.Seed, epoch)
		first := 0
		if epoch == st.Epoch {
			first = st.Micro
		}
		stepLoss, stepMicro, pending := 0.0, 0, 0
		for mi := first; mi < len(batches); mi++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			rng := rand.New(rand.NewSource(microSeed(cfg.Seed, epoch, mi)))
			if loss, mean := microLoss(g, examples, batches[mi], opts.Accum, rng); loss != nil {
				autograd.Backward(loss)
				stepLoss += mean
				stepMicro++
			}
			pending++
			if pending < opts.Accum && mi < len(batches)-1 {
				continue
			}

			lr := sched.LR(st.Step)
			norm := optim.ClipGradNorm(opt.Params(), opts.MaxGradNorm)
			opt.Step(lr)
			opt.ZeroGrad()
			st.Step++
			st.Epoch, st.Micro = epoch, mi+1
			if stepMicro > 0 {
				st.LastLoss = stepLoss / float64(stepMicro)
			}
			intervalLoss += st.LastLoss
			intervalSteps++
			stepLoss, stepMicro, pending = 0, 0, 0

			if st.Step%opts.LogEvery == 0 || st.Step == totalSteps {
				mean := intervalLoss / float64(intervalSteps)
				logStep(log, st.Step, totalSteps, startStep, mean, lr, norm, trainStart)
				opts.Sink.Emit(telemetry.Event{
					RunID: opts.RunID, Pipeline: pipeline, Kind: telemetry.KindStep,
					Step: st.Step, TotalSteps: totalSteps, Epoch: epoch, TotalEpochs: cfg.Epochs,
					Loss: mean, LR: lr, Elapsed: time.Since(trainStart),
				})
				intervalLoss, intervalSteps = 0, 0
			}
			if st.Step%opts.SaveEvery == 0 {
				dir, err := saveCheckpoint(cfg.OutputDir, st, g, opts.LoRA, opt, opts.SaveLimit)
				if err != nil {
					return nil, err
				}
				res.Checkpoint = dir
				log.Info("checkpoint saved", zap.String("path", dir), zap.Int("step", st.Step))
				opts.Sink.Emit(telemetry.Event{RunID: opts.RunID, Pipeline: pipeline, Kind: telemetry.KindSave, Step: st.Step, TotalSteps: totalSteps, Message: dir})
			}
		}
		st.Epoch, st.Micro = epoch+1, 0
		opts.Sink.Emit(telemetry.Event{
			RunID: opts.RunID, Pipeline: pipeline, Kind: telemetry.KindEpoch,
			Step: st.Step, TotalSteps: totalSteps, Epoch: epoch, TotalEpochs: cfg.Epochs,
			Loss: st.LastLoss, Elapsed: time.Since(trainStart),
		})
	}

	if err := model.SaveAdapter(cfg.OutputDir, g, opts.LoRA); err != nil {
		return nil, fmt.Errorf("%w: save adapter: %v", errs.ErrIO, err)
	}
	if err := model.SaveTokenizer(cfg.OutputDir, tok); err != nil {
		return nil, fmt.Errorf("%w: save tokenizer: %v", errs.ErrIO, err)
	}
	res.Steps = st.Step
	res.Epochs = cfg.Epochs
	res.Loss = st.LastLoss
	res.Duration = time.Since(trainStart)
	log.Info("adapter saved", zap.String("output_dir", cfg.OutputDir), zap.Int("steps", res.Steps), zap.Duration("duration", res.Duration.Truncate(time.Millisecond)))
	return res, nil
}

// epochBatches shuffles example indices with a per-epoch seed and cuts them
// into micro-batches. The same seed and epoch always give the same batches,
// which is what makes mid-epoch resume exact.
func epochBatches(n, batchSize int, seed int64, epoch int) [][]int {
	order := rand.New(rand.NewSource(seed + int64(epoch))).Perm(n)
	out := make([][]int, 0, (n+batchSize-1)/batchSize)
	for start := 0; start < n; start += batchSize {
		out = append(out, order[start:min(start+batchSize, n)])
	}
	return out
}

func microSeed(seed int64, epoch, micro int) int64 {
	return seed*1_000_003 + int64(epoch)*65_537 + int64(micro)
}

// microLoss is the token-mean next-token loss of one micro-batch, scaled by
// 1/accum for accumulation. It also returns the unscaled mean. Positions past
// the attention mask and the model's context are ignored.
func microLoss(g *model.GPT, examples []corpus.Example, idx []int, accum int, rng *rand.Rand) (*autograd.Scalar, float64) {
	terms := make([]*autograd.Scalar, 0, len(idx))
	tokens := 0
	for _, i := range idx {
		ex := examples[i]
		n := min(ex.Len(), g.Config.BlockSize)
		loss, k := g.SequenceLoss(ex.InputIDs, n, rng)
		if loss == nil {
			continue
		}
		terms = append(terms, loss)
		tokens += k
	}
	if tokens == 0 {
		return nil, 0
	}
	mean := autograd.Sum(terms).MulF(1 / float64(tokens))
	return mean.MulF(1 / float64(accum)), mean.Data
}

func logStep(log *zap.Logger, step, total, startStep int, loss, lr, norm float64, start time.Time) {
	elapsed := time.Since(start).Seconds()
	if elapsed <= 0 {
		elapsed = 1e-9
	}
	stepsPerSec := float64(step-startStep) / elapsed
	eta := 0.0
	if stepsPerSec > 0 {
		eta = float64(total-step) / stepsPerSec
	}
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)
	log.Info("step",
		zap.Int("step", step),
		zap.Int("max_steps", total),
		zap.Float64("loss", loss),
		zap.Float64("lr", lr),
		zap.Float64("grad_norm", norm),
		zap.Float64("steps_per_sec", stepsPerSec),
		zap.Duration("elapsed", time.Since(start).Truncate(time.Second)),
		zap.Duration("eta", time.Duration(eta*float64(time.Second)).Truncate(time.Second)),
		zap.Float64("heap_alloc_mb", float64(mem.Alloc)/1024.0/1024.0),
		zap.Uint32("gc", mem.NumGC),
	)
}
