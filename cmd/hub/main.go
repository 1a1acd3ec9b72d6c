// Command hub manages the local model store and test corpora: it creates
// model bundles that finetune, trainvoice and server load by identifier,
// writes a synthetic Speech Commands tree and lists recorded runs.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tunekit/internal/config"
	"tunekit/internal/errs"
	"tunekit/internal/logging"
)

var (
	verbose bool
	logger  *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:           "hub",
	Short:         "Create model bundles and inspect runs",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = logging.New(config.EnvString(config.EnvLogLevel, "info"), verbose)
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
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "human-readable debug logging")
	rootCmd.AddCommand(initLMCmd, initAudioCmd, synthCorpusCmd, runsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if logger != nil {
			logger.Error("hub failed", zap.String("code", errs.Code(err)), zap.Error(err))
			_ = logger.Sync()
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
