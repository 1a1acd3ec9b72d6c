// Package voicetrain runs the pace/tone regression training loop.
package voicetrain

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tunekit/internal/audioset"
	"tunekit/internal/errs"
	"tunekit/internal/optim"
	"tunekit/internal/scoring"
	"tunekit/internal/telemetry"
	"tunekit/pkg/autograd"
)

const pipeline = "trainvoice"

// Options configures Run. Zero values take the defaults:
// 20 epochs, lr 0.001, a report every 5 epochs.
type Options struct {
	Epochs      int
	LR          float64
	ReportEvery int
	// OutputPath receives the final model state; empty skips saving.
	OutputPath string
	RunID      string
	Log        *zap.Logger
	Sink       telemetry.Sink
}

func (o Options) withDefaults() Options {
	if o.Epochs <= 0 {
		o.Epochs = 20
	}
	if o.LR <= 0 {
		o.LR = 0.001
	}
	if o.ReportEvery <= 0 {
		o.ReportEvery = 5
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

// EpochStats holds the mean batch losses of one epoch.
type EpochStats struct {
	Epoch     int
	TrainLoss float64
	ValLoss   float64
}

// Report summarises a finished run.
type Report struct {
	Epochs     []EpochStats
	OutputPath string
	Duration   time.Duration
}

// Final returns the last epoch's stats.
func (r *Report) Final() EpochStats { return r.Epochs[len(r.Epochs)-1] }

// Run trains the head of m with Adam and MSE: one pass over train and one
// over val per epoch. Only head parameters are updated.
func Run(ctx context.Context, m *scoring.Model, train, val *audioset.Loader, opts Options) (*Report, error) {
	opts = opts.withDefaults()
	report, err := run(ctx, m, train, val, opts)
	if err != nil {
		opts.Sink.Emit(telemetry.Event{RunID: opts.RunID, Pipeline: pipeline, Kind: telemetry.KindError, Message: err.Error()})
		return nil, err
	}
	last := report.Final()
	opts.Sink.Emit(telemetry.Event{
		RunID: opts.RunID, Pipeline: pipeline, Kind: telemetry.KindDone,
		Epoch: last.Epoch, TotalEpochs: opts.Epochs, Loss: last.TrainLoss, ValLoss: last.ValLoss,
		Elapsed: report.Duration, Message: report.OutputPath,
	})
	return report, nil
}

func run(ctx context.Context, m *scoring.Model, train, val *audioset.Loader, opts Options) (*Report, error) {
	log := opts.Log.With(zap.String("run_id", opts.RunID))
	if train.Size() == 0 {
		return nil, fmt.Errorf("%w: training split is empty", errs.ErrEmptyDataset)
	}
	if val.Size() == 0 {
		return nil, fmt.Errorf("%w: validation split is empty", errs.ErrEmptyDataset)
	}

	opt := optim.NewAdam(m.TrainableParams())
	trainable, total := m.CountParams()
	log.Info("training head",
		zap.Int("train_samples", train.Size()),
		zap.Int("val_samples", val.Size()),
		zap.Int("epochs", opts.Epochs),
		zap.Float64("lr", opts.LR),
		zap.Int("trainable_params", trainable),
		zap.Int("total_params", total),
	)
	opts.Sink.Emit(telemetry.Event{RunID: opts.RunID, Pipeline: pipeline, Kind: telemetry.KindStart, TotalEpochs: opts.Epochs, TotalSteps: opts.Epochs * train.Len()})

	start := time.Now()
	report := &Report{}
	step := 0
	for epoch := 0; epoch < opts.Epochs; epoch++ {
		trainLoss, n, err := trainEpoch(ctx, m, train, opt, opts.LR, &step)
		if err != nil {
			return nil, err
		}
		valLoss, err := validateEpoch(ctx, m, val)
		if err != nil {
			return nil, err
		}
		stats := EpochStats{Epoch: epoch, TrainLoss: trainLoss, ValLoss: valLoss}
		report.Epochs = append(report.Epochs, stats)

		opts.Sink.Emit(telemetry.Event{
			RunID: opts.RunID, Pipeline: pipeline, Kind: telemetry.KindEpoch,
			Step: step, TotalSteps: opts.Epochs * train.Len(),
			Epoch: epoch, TotalEpochs: opts.Epochs,
			Loss: trainLoss, ValLoss: valLoss, LR: opts.LR, Elapsed: time.Since(start),
		})
		if epoch%opts.ReportEvery == 0 {
			mem := &runtime.MemStats{}
			runtime.ReadMemStats(mem)
			log.Info(fmt.Sprintf("Epoch %d: Train %.4f, Val %.4f", epoch, trainLoss, valLoss),
				zap.Int("epoch", epoch),
				zap.Float64("train_loss", trainLoss),
				zap.Float64("val_loss", valLoss),
				zap.Int("batches", n),
				zap.Duration("elapsed", time.Since(start).Truncate(time.Second)),
				zap.Float64("heap_alloc_mb", float64(mem.Alloc)/1024.0/1024.0),
			)
		}
	}

	if opts.OutputPath != "" {
		if err := scoring.Save(opts.OutputPath, m); err != nil {
			return nil, err
		}
		report.OutputPath = opts.OutputPath
		opts.Sink.Emit(telemetry.Event{RunID: opts.RunID, Pipeline: pipeline, Kind: telemetry.KindSave, Message: opts.OutputPath})
	}
	report.Duration = time.Since(start)
	log.Info("Training complete", zap.String("output", opts.OutputPath), zap.Duration("duration", report.Duration.Truncate(time.Millisecond)))
	return report, nil
}

func trainEpoch(ctx context.Context, m *scoring.Model, l *audioset.Loader, opt *optim.AdamW, lr float64, step *int) (float64, int, error) {
	m.Train(true)
	total := 0.0
	batches := l.Epoch()
	for _, idx := range batches {
		if err := ctx.Err(); err != nil {
			return 0, 0, err
		}
		b, err := l.Load(ctx, idx)
		if err != nil {
			return 0, 0, err
		}
		ys, err := m.Forward(ctx, b.Waves)
		if err != nil {
			return 0, 0, err
		}
		opt.ZeroGrad()
		loss := autograd.BatchMSE(ys, b.Targets)
		autograd.Backward(loss)
		opt.Step(lr)
		total += loss.Data
		*step++
	}
	return total / float64(len(batches)), len(batches), nil
}

func validateEpoch(ctx context.Context, m *scoring.Model, l *audioset.Loader) (float64, error) {
	m.Train(false)
	total := 0.0
	batches := l.Epoch()
	for _, idx := range batches {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		b, err := l.Load(ctx, idx)
		if err != nil {
			return 0, err
		}
		feats, err := m.Embed(ctx, b.Waves)
		if err != nil {
			return 0, err
		}
		total += autograd.BatchMSE(m.ForwardFeatures(feats), b.Targets).Data
	}
	return total / float64(len(batches)), nil
}
