package main

import (
	"fmt"
	"math/rand"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tunekit/internal/corpus"
	"tunekit/internal/errs"
	"tunekit/internal/hub"
	"tunekit/pkg/model"
	"tunekit/pkg/wav2vec"
)

var lmOpts struct {
	out       string
	docs      string
	tokenizer string
	layers    int
	embd      int
	heads     int
	block     int
	seed      int64
}

var initLMCmd = &cobra.Command{
	Use:   "init-lm <id>",
	Short: "Create a randomly initialised causal LM bundle",
	Long: `init-lm builds a tokenizer from the *.txt files in --docs and a fresh
transformer sized by the flags, and stores both under <out>/<id>.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		docs, err := corpus.ReadDocuments(lmOpts.docs, logger)
		if err != nil {
			return err
		}
		if len(docs) == 0 {
			return fmt.Errorf("%w: no documents in %s", errs.ErrEmptyCorpus, lmOpts.docs)
		}
		texts := corpus.Texts(docs)

		var tok *model.Tokenizer
		switch lmOpts.tokenizer {
		case "char":
			tok = model.NewCharTokenizer(texts)
		default:
			if tok, err = model.NewBPETokenizer(lmOpts.tokenizer, texts); err != nil {
				return fmt.Errorf("%w: tokenizer %q: %v", errs.ErrConfig, lmOpts.tokenizer, err)
			}
		}
		g, err := model.New(model.Config{
			VocabSize: tok.VocabSize(),
			NLayer:    lmOpts.layers,
			NEmbd:     lmOpts.embd,
			NHead:     lmOpts.heads,
			BlockSize: lmOpts.block,
		}, rand.New(rand.NewSource(lmOpts.seed)))
		if err != nil {
			return fmt.Errorf("%w: %v", errs.ErrConfig, err)
		}
		dir := filepath.Join(lmOpts.out, filepath.FromSlash(args[0]))
		if err := hub.SaveCausalLM(dir, g, tok); err != nil {
			return err
		}
		_, total := g.CountParams()
		logger.Info("causal lm created", zap.String("dir", dir), zap.Int("vocab", tok.VocabSize()),
			zap.Int("params", total), zap.String("tokenizer", tok.Mode))
		return nil
	},
}

var audioOpts struct {
	out  string
	tiny bool
	seed int64
}

// tinyEncoder keeps the base stride (320 samples per frame) with a narrow
// channel width, for smoke runs.
func tinyEncoder() wav2vec.Config {
	cfg := wav2vec.BaseConfig()
	for i := range cfg.ConvDim {
		cfg.ConvDim[i] = 32
	}
	cfg.ConvDim[len(cfg.ConvDim)-1] = 512
	return cfg
}

var initAudioCmd = &cobra.Command{
	Use:   "init-audio <id>",
	Short: "Create a randomly initialised wav2vec feature encoder bundle",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := wav2vec.BaseConfig()
		if audioOpts.tiny {
			cfg = tinyEncoder()
		}
		enc, err := wav2vec.New(cfg, rand.New(rand.NewSource(audioOpts.seed)))
		if err != nil {
			return fmt.Errorf("%w: %v", errs.ErrConfig, err)
		}
		dir := filepath.Join(audioOpts.out, filepath.FromSlash(args[0]))
		if err := hub.SaveAudioEncoder(dir, enc); err != nil {
			return err
		}
		logger.Info("audio encoder created", zap.String("dir", dir), zap.Int("dim", enc.Dim()), zap.Int("params", enc.NumParams()))
		return nil
	},
}

func init() {
	f := initLMCmd.Flags()
	f.StringVar(&lmOpts.out, "out", "models", "model store directory")
	f.StringVar(&lmOpts.docs, "docs", "./data", "directory of *.txt files for the vocabulary")
	f.StringVar(&lmOpts.tokenizer, "tokenizer", "char", "char or a tiktoken encoding such as cl100k_base")
	f.IntVar(&lmOpts.layers, "layers", 2, "transformer layers")
	f.IntVar(&lmOpts.embd, "embd", 32, "embedding width")
	f.IntVar(&lmOpts.heads, "heads", 4, "attention heads")
	f.IntVar(&lmOpts.block, "block", 256, "context length")
	f.Int64Var(&lmOpts.seed, "seed", 42, "init seed")

	a := initAudioCmd.Flags()
	a.StringVar(&audioOpts.out, "out", "models", "model store directory")
	a.BoolVar(&audioOpts.tiny, "tiny", false, "narrow hidden layers for quick runs")
	a.Int64Var(&audioOpts.seed, "seed", 42, "init seed")
}
