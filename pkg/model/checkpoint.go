package model

import (
	"fmt"
	"math/rand"
	"path/filepath"
	"time"

	"tunekit/internal/jsonfile"
)

const (
	ConfigFileName        = "config.json"
	WeightsFileName       = "model.json"
	AdapterConfigFileName = "adapter_config.json"
	AdapterModelFileName  = "adapter_model.json"
)

// WeightsFile is the on-disk form of a model's weights.
type WeightsFile struct {
	Version   int                    `json:"version"`
	CreatedAt string                 `json:"created_at"`
	State     map[string][][]float64 `json:"state"`
}

// AdapterFile holds only adapter weights, keyed like AdapterState.
type AdapterFile struct {
	Version   int                    `json:"version"`
	CreatedAt string                 `json:"created_at"`
	State     map[string][][]float64 `json:"state"`
}

// SaveModel writes config.json and model.json into dir.
func SaveModel(dir string, g *GPT) error {
	if err := jsonfile.Write(filepath.Join(dir, ConfigFileName), g.Config); err != nil {
		return err
	}
	return jsonfile.Write(filepath.Join(dir, WeightsFileName), WeightsFile{
		Version:   1,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		State:     g.State(),
	})
}

// LoadModel reads what SaveModel wrote.
func LoadModel(dir string) (*GPT, error) {
	var cfg Config
	if err := jsonfile.Read(filepath.Join(dir, ConfigFileName), &cfg); err != nil {
		return nil, err
	}
	var wf WeightsFile
	if err := jsonfile.Read(filepath.Join(dir, WeightsFileName), &wf); err != nil {
		return nil, err
	}
	return FromState(cfg, wf.State)
}

// SaveAdapter writes adapter_config.json and adapter_model.json into dir.
// Base weights are not written.
func SaveAdapter(dir string, g *GPT, cfg LoRAConfig) error {
	if len(g.Adapters) == 0 {
		return fmt.Errorf("model has no adapters to save")
	}
	if err := jsonfile.Write(filepath.Join(dir, AdapterConfigFileName), cfg); err != nil {
		return err
	}
	return jsonfile.Write(filepath.Join(dir, AdapterModelFileName), AdapterFile{
		Version:   1,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		State:     g.AdapterState(),
	})
}

// LoadAdapter attaches the adapter saved in dir to g.
func LoadAdapter(dir string, g *GPT) (LoRAConfig, error) {
	var cfg LoRAConfig
	if err := jsonfile.Read(filepath.Join(dir, AdapterConfigFileName), &cfg); err != nil {
		return LoRAConfig{}, err
	}
	var af AdapterFile
	if err := jsonfile.Read(filepath.Join(dir, AdapterModelFileName), &af); err != nil {
		return LoRAConfig{}, err
	}
	if err := ApplyLoRA(g, cfg, rand.New(rand.NewSource(0))); err != nil {
		return LoRAConfig{}, err
	}
	if err := g.LoadAdapterState(af.State); err != nil {
		return LoRAConfig{}, err
	}
	return cfg, nil
}
