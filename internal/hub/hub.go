// Package hub resolves pretrained model identifiers to local bundles and
// loads them. A bundle is a directory holding config.json, model.json and,
// for language models, the tokenizer files.
package hub

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"tunekit/internal/config"
	"tunekit/internal/errs"
	"tunekit/internal/jsonfile"
	"tunekit/internal/precision"
	"tunekit/pkg/model"
	"tunekit/pkg/wav2vec"
)

// Candidates lists the directories tried for id, in order: id as a path,
// $TUNEKIT_HOME/models/<id>, ./models/<id>.
func Candidates(id string) []string {
	out := []string{id}
	if home := config.EnvString(config.EnvHome, ""); home != "" {
		out = append(out, filepath.Join(home, "models", filepath.FromSlash(id)))
	}
	return append(out, filepath.Join("models", filepath.FromSlash(id)))
}

// Resolve returns the first candidate directory holding a config.json.
func Resolve(id string) (string, error) {
	if strings.TrimSpace(id) == "" {
		return "", fmt.Errorf("%w: empty model identifier", errs.ErrModelLoad)
	}
	for _, dir := range Candidates(id) {
		if fi, err := os.Stat(filepath.Join(dir, model.ConfigFileName)); err == nil && !fi.IsDir() {
			return dir, nil
		}
	}
	return "", fmt.Errorf("%w: model %q not found (looked in %s); create one with `hub init-lm` or `hub init-audio`",
		errs.ErrModelLoad, id, strings.Join(Candidates(id), ", "))
}

// LoadCausalLM loads a language model and its tokenizer. Weights are
// rounded to half precision, the tokenizer's pad token defaults to EOS.
func LoadCausalLM(id string, log *zap.Logger) (*model.GPT, *model.Tokenizer, error) {
	if log == nil {
		log = zap.NewNop()
	}
	dir, err := Resolve(id)
	if err != nil {
		return nil, nil, err
	}
	g, err := model.LoadModel(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %v", errs.ErrModelLoad, dir, err)
	}
	round := precision.Rounder(precision.Float16)
	for _, m := range g.Base {
		m.Apply(round)
	}
	tok, err := model.LoadTokenizer(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: tokenizer %s: %v", errs.ErrModelLoad, dir, err)
	}
	if tok.VocabSize() != g.Config.VocabSize {
		return nil, nil, fmt.Errorf("%w: tokenizer vocab %d does not match model vocab %d",
			errs.ErrModelLoad, tok.VocabSize(), g.Config.VocabSize)
	}
	_, total := g.CountParams()
	log.Info("causal lm loaded",
		zap.String("model", id),
		zap.String("dir", dir),
		zap.Int("params", total),
		zap.String("dtype", string(precision.Float16)),
		zap.String("tokenizer", tok.Mode),
	)
	return g, tok, nil
}

// SaveCausalLM writes a language-model bundle into dir.
func SaveCausalLM(dir string, g *model.GPT, tok *model.Tokenizer) error {
	if err := model.SaveModel(dir, g); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrIO, err)
	}
	if err := model.SaveTokenizer(dir, tok); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrIO, err)
	}
	return nil
}

type encoderWeights struct {
	Version   int                    `json:"version"`
	CreatedAt string                 `json:"created_at"`
	State     map[string][][]float64 `json:"state"`
}

// LoadAudioEncoder loads a frozen wav2vec feature encoder.
func LoadAudioEncoder(id string, log *zap.Logger) (*wav2vec.Encoder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	dir, err := Resolve(id)
	if err != nil {
		return nil, err
	}
	var cfg wav2vec.Config
	if err := jsonfile.Read(filepath.Join(dir, model.ConfigFileName), &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrModelLoad, err)
	}
	var w encoderWeights
	if err := jsonfile.Read(filepath.Join(dir, model.WeightsFileName), &w); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s has no %s", errs.ErrModelLoad, dir, model.WeightsFileName)
		}
		return nil, fmt.Errorf("%w: %v", errs.ErrModelLoad, err)
	}
	enc, err := wav2vec.FromState(cfg, w.State)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrModelLoad, err)
	}
	log.Info("audio encoder loaded", zap.String("model", id), zap.String("dir", dir),
		zap.Int("layers", len(cfg.ConvDim)), zap.Int("dim", enc.Dim()), zap.Int("params", enc.NumParams()))
	return enc, nil
}

// SaveAudioEncoder writes an audio-encoder bundle into dir.
func SaveAudioEncoder(dir string, enc *wav2vec.Encoder) error {
	if err := jsonfile.Write(filepath.Join(dir, model.ConfigFileName), enc.Config); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrIO, err)
	}
	w := encoderWeights{Version: 1, CreatedAt: time.Now().UTC().Format(time.RFC3339), State: enc.State()}
	if err := jsonfile.Write(filepath.Join(dir, model.WeightsFileName), w); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrIO, err)
	}
	return nil
}
