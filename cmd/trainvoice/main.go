// Command trainvoice trains the pace/tone regression head on top of a
// frozen wav2vec feature encoder using the Speech Commands corpus.
//
// There are no flags beyond --verbose; the environment controls the run:
//
//	TARGETS            indexed (default), random or labels
//	TRAIN_DEVICE       cpu or gpu
//	TUNEKIT_LOG_LEVEL  debug, info, warn, error
//	RUN_DB             SQLite file recording the run
//	TRAIN_TUI          live terminal monitor
//	TRAIN_WORKERS      concurrent clip readers per batch
//	TRAIN_SPLIT        train fraction of the corpus
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"math/rand"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tunekit/internal/audioset"
	"tunekit/internal/config"
	"tunekit/internal/device"
	"tunekit/internal/errs"
	"tunekit/internal/hub"
	"tunekit/internal/logging"
	"tunekit/internal/scoring"
	"tunekit/internal/session"
	"tunekit/internal/speech"
	"tunekit/internal/voicetrain"
)

var (
	verbose bool
	logger  *zap.Logger
	cfg     config.VoiceConfig
)

var rootCmd = &cobra.Command{
	Use:           "trainvoice",
	Short:         "Train the pace/tone scoring head on Speech Commands",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg = config.DefaultVoice()
		cfg.ApplyEnv()
		if err := cfg.Validate(); err != nil {
			return err
		}
		var err error
		logger, err = logging.NewTo(cfg.Runtime.LogLevel, verbose, session.LogOutputs(cfg.Runtime))
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: runTrain,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "human-readable debug logging")
}

// selectTargets picks the target source for cfg.Targets. The indexed policy
// prefers a label file when one exists.
func selectTargets(c config.VoiceConfig, log *zap.Logger) (audioset.TargetSource, error) {
	switch c.Targets {
	case config.TargetsLabels:
		lf, err := audioset.LoadLabelFile(c.LabelFile)
		if err != nil {
			return nil, err
		}
		return lf, nil
	case config.TargetsRandom:
		log.Warn("targets are redrawn on every read; the head cannot learn them", zap.String("policy", c.Targets))
		return audioset.NewReadTimeUniform(c.Seed), nil
	}
	if _, err := os.Stat(c.LabelFile); errors.Is(err, fs.ErrNotExist) {
		log.Warn("no label file; using placeholder targets fixed per clip",
			zap.String("path", c.LabelFile), zap.String("policy", c.Targets))
		return audioset.IndexedUniform{Seed: uint64(c.Seed)}, nil
	}
	lf, err := audioset.LoadLabelFile(c.LabelFile)
	if err != nil {
		return nil, err
	}
	log.Info("using label file", zap.String("path", c.LabelFile))
	return lf, nil
}

func runTrain(cmd *cobra.Command, args []string) error {
	ctx, cancel := session.SignalContext()
	defer cancel()

	dev, err := device.Select(cfg.Runtime.Device, logger)
	if err != nil {
		return err
	}
	logger.Info("Using device: "+dev.String(), zap.String("targets", cfg.Targets), zap.Int("workers", cfg.Workers))

	dir := speech.CorpusDir(cfg.DataDir)
	if cfg.Download {
		if dir, err = speech.Download(ctx, cfg.DataDir, logger); err != nil {
			return err
		}
	}
	index, err := speech.Open(dir, speech.SubsetTraining)
	if err != nil {
		return err
	}
	logger.Info("corpus indexed", zap.String("dir", dir), zap.Int("clips", index.Len()))

	targets, err := selectTargets(cfg, logger)
	if err != nil {
		return err
	}
	ds := audioset.New(audioset.ClipSource{Index: index}, targets)
	split := audioset.RandomSplit(ds.Len(), cfg.TrainSplit, cfg.Seed)
	train, err := audioset.NewLoader(ds, split.Train, cfg.BatchSize, true, cfg.Seed, cfg.Workers)
	if err != nil {
		return err
	}
	val, err := audioset.NewLoader(ds, split.Val, cfg.BatchSize, false, cfg.Seed, cfg.Workers)
	if err != nil {
		return err
	}

	enc, err := hub.LoadAudioEncoder(cfg.ModelName, logger)
	if err != nil {
		return err
	}
	m := scoring.New(enc, rand.New(rand.NewSource(cfg.Seed)))
	trainable, total := m.CountParams()
	logger.Info("scoring model built", zap.Int("trainable", trainable), zap.Int("total", total),
		zap.Int("train", train.Size()), zap.Int("val", val.Size()))

	sess, err := session.Open(ctx, cfg.Runtime, "trainvoice", cfg, cancel, logger)
	if err != nil {
		return err
	}
	_, runErr := voicetrain.Run(ctx, m, train, val, voicetrain.Options{
		Epochs:      cfg.Epochs,
		LR:          cfg.LR,
		ReportEvery: cfg.ReportEvery,
		OutputPath:  cfg.OutputPath,
		RunID:       sess.RunID,
		Log:         logger,
		Sink:        sess.Sink,
	})
	if err := sess.Close(); err != nil {
		logger.Warn("session close failed", zap.Error(err))
	}
	return runErr
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if logger != nil {
			logger.Error("trainvoice failed", zap.String("code", errs.Code(err)), zap.Error(err))
			_ = logger.Sync()
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
