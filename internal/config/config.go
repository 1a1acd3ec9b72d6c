// Package config holds the run configuration of both training drivers.
// Values come from defaults, then an optional YAML file, then environment
// variables, then command-line flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"tunekit/internal/errs"
)

// Environment variables read by both drivers.
const (
	EnvLogLevel = "TUNEKIT_LOG_LEVEL"
	EnvDevice   = "TRAIN_DEVICE"
	EnvRunDB    = "RUN_DB"
	EnvTUI      = "TRAIN_TUI"
	EnvTargets  = "TARGETS"
	EnvHome     = "TUNEKIT_HOME"
	EnvWorkers  = "TRAIN_WORKERS"
	EnvSplit    = "TRAIN_SPLIT"
)

// Runtime settings shared by both drivers.
type Runtime struct {
	Device   string `yaml:"device"`
	LogLevel string `yaml:"log_level"`
	RunDB    string `yaml:"run_db"`
	TUI      bool   `yaml:"tui"`
}

func (r *Runtime) applyEnvOverrides() {
	r.Device = strings.ToLower(EnvString(EnvDevice, r.Device))
	r.LogLevel = strings.ToLower(EnvString(EnvLogLevel, r.LogLevel))
	r.RunDB = EnvString(EnvRunDB, r.RunDB)
	r.TUI = EnvBool(EnvTUI, r.TUI)
}

func (r Runtime) validate() error {
	switch r.Device {
	case "cpu", "gpu":
	default:
		return fmt.Errorf("%w: invalid device %q (use cpu or gpu)", errs.ErrConfig, r.Device)
	}
	switch r.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: invalid log level %q", errs.ErrConfig, r.LogLevel)
	}
	return nil
}

// FinetuneConfig is the text fine-tuning run configuration.
type FinetuneConfig struct {
	ModelName string  `yaml:"model_name"`
	DataDir   string  `yaml:"data_dir"`
	OutputDir string  `yaml:"output_dir"`
	Epochs    int     `yaml:"epochs"`
	BatchSize int     `yaml:"batch_size"`
	MaxLength int     `yaml:"max_length"`
	LR        float64 `yaml:"lr"`
	Seed      int64   `yaml:"seed"`
	Resume    bool    `yaml:"resume"`

	Runtime Runtime `yaml:"runtime"`
}

func DefaultFinetune() FinetuneConfig {
	return FinetuneConfig{
		ModelName: "deepseek-ai/DeepSeek-R1-Distill-Qwen-7B",
		DataDir:   "./data",
		OutputDir: "./model-finetuned",
		Epochs:    3,
		BatchSize: 1,
		MaxLength: 256,
		LR:        1e-4,
		Seed:      42,
		Runtime:   Runtime{Device: "cpu", LogLevel: "info"},
	}
}

// LoadFinetune overlays the YAML file at path on the defaults and applies
// environment overrides. An empty path skips the file.
func LoadFinetune(path string) (FinetuneConfig, error) {
	cfg := DefaultFinetune()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return FinetuneConfig{}, fmt.Errorf("%w: read config: %v", errs.ErrConfig, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return FinetuneConfig{}, fmt.Errorf("%w: parse config: %v", errs.ErrConfig, err)
		}
	}
	cfg.Runtime.applyEnvOverrides()
	return cfg, nil
}

// Validate checks ranges only; paths are checked by the loaders.
func (c FinetuneConfig) Validate() error {
	if strings.TrimSpace(c.ModelName) == "" {
		return fmt.Errorf("%w: model_name is empty", errs.ErrConfig)
	}
	if c.Epochs < 1 {
		return fmt.Errorf("%w: epochs must be >= 1, got %d", errs.ErrConfig, c.Epochs)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("%w: batch_size must be >= 1, got %d", errs.ErrConfig, c.BatchSize)
	}
	if c.MaxLength < 1 {
		return fmt.Errorf("%w: max_length must be >= 1, got %d", errs.ErrConfig, c.MaxLength)
	}
	if !(c.LR > 0) {
		return fmt.Errorf("%w: lr must be > 0, got %g", errs.ErrConfig, c.LR)
	}
	return c.Runtime.validate()
}

// Save writes c as YAML.
func (c FinetuneConfig) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrIO, err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrIO, err)
	}
	return nil
}

// Target policies for the audio driver.
const (
	TargetsIndexed = "indexed"
	TargetsRandom  = "random"
	TargetsLabels  = "labels"
)

// VoiceConfig is the audio scoring run configuration. It has no file or
// flag form; only the environment can change it.
type VoiceConfig struct {
	DataDir     string
	ModelName   string
	OutputPath  string
	LabelFile   string
	Targets     string
	Epochs      int
	BatchSize   int
	LR          float64
	TrainSplit  float64
	ReportEvery int
	Seed        int64
	Workers     int
	Download    bool

	Runtime Runtime
}

func DefaultVoice() VoiceConfig {
	return VoiceConfig{
		DataDir:     "./data",
		ModelName:   "facebook/wav2vec2-base",
		OutputPath:  "pace_tone_model.pth",
		LabelFile:   "./data/pace_tone_labels.csv",
		Targets:     TargetsIndexed,
		Epochs:      20,
		BatchSize:   16,
		LR:          0.001,
		TrainSplit:  0.8,
		ReportEvery: 5,
		Seed:        42,
		Workers:     4,
		Download:    true,
		Runtime:     Runtime{Device: "cpu", LogLevel: "info"},
	}
}

// ApplyEnv applies the environment overrides to c.
func (c *VoiceConfig) ApplyEnv() {
	c.Runtime.applyEnvOverrides()
	c.Targets = strings.ToLower(EnvString(EnvTargets, c.Targets))
	c.Workers = EnvInt(EnvWorkers, c.Workers)
	c.TrainSplit = EnvFloat(EnvSplit, c.TrainSplit)
}

func (c VoiceConfig) Validate() error {
	switch c.Targets {
	case TargetsIndexed, TargetsRandom, TargetsLabels:
	default:
		return fmt.Errorf("%w: invalid TARGETS %q (use indexed, random or labels)", errs.ErrConfig, c.Targets)
	}
	if c.Epochs < 1 || c.BatchSize < 1 || c.ReportEvery < 1 || c.Workers < 1 {
		return fmt.Errorf("%w: epochs, batch size, report interval and workers must be >= 1", errs.ErrConfig)
	}
	if !(c.LR > 0) {
		return fmt.Errorf("%w: lr must be > 0", errs.ErrConfig)
	}
	if !(c.TrainSplit > 0 && c.TrainSplit < 1) {
		return fmt.Errorf("%w: train split must be in (0,1), got %g", errs.ErrConfig, c.TrainSplit)
	}
	return c.Runtime.validate()
}
