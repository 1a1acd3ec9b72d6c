// Command finetune attaches a LoRA adapter to a causal language model and
// trains it on the *.txt files of a directory.
package main

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tunekit/internal/config"
	"tunekit/internal/corpus"
	"tunekit/internal/device"
	"tunekit/internal/errs"
	"tunekit/internal/hub"
	"tunekit/internal/logging"
	"tunekit/internal/session"
	"tunekit/internal/trainer"
	"tunekit/pkg/model"
)

// ConfigFileName is the copy of the effective configuration written next
// to the adapter.
const ConfigFileName = "training_config.yaml"

var (
	configPath string
	verbose    bool
	flagValues = config.DefaultFinetune()

	logger *zap.Logger
	cfg    config.FinetuneConfig
)

var rootCmd = &cobra.Command{
	Use:   "finetune",
	Short: "Fine-tune a causal language model with a LoRA adapter",
	Long: `finetune loads a causal language model, attaches a low-rank adapter to its
attention projections and trains only the adapter on every *.txt file in
--data_dir. The adapter, its config and the tokenizer are written to
--output_dir.

Runtime settings come from the environment: TRAIN_DEVICE, TUNEKIT_LOG_LEVEL,
RUN_DB (record the run in SQLite) and TRAIN_TUI (live terminal monitor).`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.LoadFinetune(configPath)
		if err != nil {
			return err
		}
		applyFlags(cmd, &cfg)
		if err := cfg.Validate(); err != nil {
			return err
		}
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
	RunE: runFinetune,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&flagValues.ModelName, "model_name", flagValues.ModelName, "pretrained model identifier or bundle directory")
	f.StringVar(&flagValues.DataDir, "data_dir", flagValues.DataDir, "directory of *.txt training files")
	f.StringVar(&flagValues.OutputDir, "output_dir", flagValues.OutputDir, "where the adapter and tokenizer are written")
	f.IntVar(&flagValues.Epochs, "epochs", flagValues.Epochs, "number of passes over the corpus")
	f.IntVar(&flagValues.BatchSize, "batch_size", flagValues.BatchSize, "examples per micro-batch")
	f.IntVar(&flagValues.MaxLength, "max_length", flagValues.MaxLength, "tokens per example after padding or truncation")
	f.Float64Var(&flagValues.LR, "lr", flagValues.LR, "peak learning rate")
	f.Int64Var(&flagValues.Seed, "seed", flagValues.Seed, "seed for adapter init, shuffling and dropout")
	f.BoolVar(&flagValues.Resume, "resume", flagValues.Resume, "resume from the newest checkpoint in output_dir")
	f.StringVar(&configPath, "config", "", "YAML file with any of the options above")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "human-readable debug logging")
}

// applyFlags overlays only the flags given on the command line, so a value
// from --config survives unless the flag repeats it.
func applyFlags(cmd *cobra.Command, c *config.FinetuneConfig) {
	f := cmd.Flags()
	if f.Changed("model_name") {
		c.ModelName = flagValues.ModelName
	}
	if f.Changed("data_dir") {
		c.DataDir = flagValues.DataDir
	}
	if f.Changed("output_dir") {
		c.OutputDir = flagValues.OutputDir
	}
	if f.Changed("epochs") {
		c.Epochs = flagValues.Epochs
	}
	if f.Changed("batch_size") {
		c.BatchSize = flagValues.BatchSize
	}
	if f.Changed("max_length") {
		c.MaxLength = flagValues.MaxLength
	}
	if f.Changed("lr") {
		c.LR = flagValues.LR
	}
	if f.Changed("seed") {
		c.Seed = flagValues.Seed
	}
	if f.Changed("resume") {
		c.Resume = flagValues.Resume
	}
}

func runFinetune(cmd *cobra.Command, args []string) error {
	ctx, cancel := session.SignalContext()
	defer cancel()

	dev, err := device.Select(cfg.Runtime.Device, logger)
	if err != nil {
		return err
	}
	logger.Info("finetune configuration",
		zap.String("model", cfg.ModelName),
		zap.String("data_dir", cfg.DataDir),
		zap.String("output_dir", cfg.OutputDir),
		zap.Int("epochs", cfg.Epochs),
		zap.Int("batch_size", cfg.BatchSize),
		zap.Int("max_length", cfg.MaxLength),
		zap.Float64("lr", cfg.LR),
		zap.Stringer("device", dev),
	)

	g, tok, err := hub.LoadCausalLM(cfg.ModelName, logger)
	if err != nil {
		return err
	}
	tok.UseEOSAsPad()

	lcfg := model.DefaultLoRA()
	lcfg.BaseModel = cfg.ModelName
	if err := model.ApplyLoRA(g, lcfg, rand.New(rand.NewSource(cfg.Seed))); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrModelLoad, err)
	}
	trainable, total := g.CountParams()
	logger.Info("adapter attached",
		zap.Int("trainable", trainable),
		zap.Int("total", total),
		zap.Float64("trainable_pct", 100*float64(trainable)/float64(total)),
	)

	examples, err := corpus.Load(cfg.DataDir, tok, cfg.MaxLength, logger)
	if err != nil {
		return err
	}

	sess, err := session.Open(ctx, cfg.Runtime, "finetune", cfg, cancel, logger)
	if err != nil {
		return err
	}
	res, runErr := trainer.Run(ctx, g, tok, examples, cfg, trainer.Options{
		LoRA:  lcfg,
		RunID: sess.RunID,
		Log:   logger,
		Sink:  sess.Sink,
	})
	if err := sess.Close(); err != nil {
		logger.Warn("session close failed", zap.Error(err))
	}
	if runErr != nil {
		if ctx.Err() != nil {
			logger.Warn("training interrupted", zap.Error(runErr))
		}
		return runErr
	}
	if err := cfg.Save(filepath.Join(cfg.OutputDir, ConfigFileName)); err != nil {
		return err
	}
	logger.Info("Training complete. Model saved to "+res.OutputDir,
		zap.String("run_id", res.RunID),
		zap.Int("steps", res.Steps),
		zap.Float64("loss", res.Loss),
		zap.Duration("duration", res.Duration),
	)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if logger != nil {
			logger.Error("finetune failed", zap.String("code", errs.Code(err)), zap.Error(err))
			_ = logger.Sync()
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
