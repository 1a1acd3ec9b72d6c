// Command server exposes a fine-tuned language model through an
// OpenAI-compatible chat endpoint and, optionally, a trained pace/tone
// scorer through /v1/score.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tunekit/internal/config"
	"tunekit/internal/errs"
	"tunekit/internal/hub"
	"tunekit/internal/logging"
	"tunekit/internal/scoring"
	"tunekit/internal/serve"
	"tunekit/internal/session"
	"tunekit/pkg/model"
)

const shutdownTimeout = 10 * time.Second

var (
	modelID    string
	adapterDir string
	scorerPath string
	addr       string
	seed       int64
	verbose    bool
	logger     *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:           "server",
	Short:         "Serve chat completions and pace/tone scores over HTTP",
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
	RunE: runServer,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&modelID, "model", "", "causal language model identifier or bundle directory")
	f.StringVar(&adapterDir, "adapter", "", "LoRA adapter directory written by finetune")
	f.StringVar(&scorerPath, "scorer", "", "pace/tone model file written by trainvoice")
	f.StringVar(&addr, "addr", net.JoinHostPort("", config.EnvString("PORT", "7860")), "listen address")
	f.Int64Var(&seed, "seed", time.Now().UnixNano(), "sampling seed")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "human-readable debug logging")
}

func runServer(cmd *cobra.Command, args []string) error {
	if modelID == "" && scorerPath == "" {
		return fmt.Errorf("%w: nothing to serve: pass --model and/or --scorer", errs.ErrConfig)
	}
	var (
		g    *model.GPT
		tok  *model.Tokenizer
		name string
	)
	if modelID != "" {
		var err error
		if g, tok, err = hub.LoadCausalLM(modelID, logger); err != nil {
			return err
		}
		name = modelID
		if adapterDir != "" {
			lcfg, err := model.LoadAdapter(adapterDir, g)
			if err != nil {
				return fmt.Errorf("%w: adapter %s: %v", errs.ErrModelLoad, adapterDir, err)
			}
			logger.Info("adapter loaded", zap.String("dir", adapterDir), zap.Int("rank", lcfg.Rank))
			if at, err := model.LoadTokenizer(adapterDir); err == nil {
				tok = at
			}
			name = adapterDir
		}
	}
	var scorer *scoring.Model
	if scorerPath != "" {
		var err error
		if scorer, err = scoring.Load(scorerPath, nil); err != nil {
			return err
		}
		scorer.Train(false)
		logger.Info("scorer loaded", zap.String("path", scorerPath))
	}

	srv := serve.New(name, g, tok, scorer, seed, logger)
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := session.SignalContext()
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting OpenAI-compatible server", zap.String("addr", addr))
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("%w: %v", errs.ErrIO, err)
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	return httpSrv.Shutdown(shutdownCtx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if logger != nil {
			logger.Error("server failed", zap.String("code", errs.Code(err)), zap.Error(err))
			_ = logger.Sync()
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
