package scoring

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"tunekit/internal/errs"
	"tunekit/internal/jsonfile"
	"tunekit/pkg/wav2vec"
)

// BackbonePrefix namespaces backbone weights in a saved state.
const BackbonePrefix = "wav2vec."

// File is the saved form of a Model: backbone and head weights in one map.
type File struct {
	Version   int                    `json:"version"`
	CreatedAt string                 `json:"created_at"`
	Backbone  *wav2vec.Config        `json:"backbone_config,omitempty"`
	HeadIn    int                    `json:"head_in"`
	State     map[string][][]float64 `json:"state"`
}

// StateDict returns every weight of the model keyed by name. Backbones
// that cannot export weights contribute nothing.
func (m *Model) StateDict() map[string][][]float64 {
	out := map[string][][]float64{}
	if s, ok := m.Backbone.(interface{ State() map[string][][]float64 }); ok {
		for k, v := range s.State() {
			out[BackbonePrefix+k] = v
		}
	}
	for _, p := range m.Head.Matrices() {
		out[p.Name] = p.Export()
	}
	return out
}

// Save writes the full model state to path.
func Save(path string, m *Model) error {
	f := File{
		Version:   1,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		HeadIn:    m.Head.In,
		State:     m.StateDict(),
	}
	if enc, ok := m.Backbone.(*wav2vec.Encoder); ok {
		cfg := enc.Config
		f.Backbone = &cfg
	}
	if err := jsonfile.Write(path, f); err != nil {
		return fmt.Errorf("%w: save %s: %v", errs.ErrIO, path, err)
	}
	return nil
}

// Load reads a model saved by Save. When backbone is nil the encoder is
// rebuilt from the file.
func Load(path string, backbone FeatureExtractor) (*Model, error) {
	var f File
	if err := jsonfile.Read(path, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrModelLoad, err)
	}
	if backbone == nil {
		if f.Backbone == nil {
			return nil, fmt.Errorf("%w: %s has no backbone config", errs.ErrModelLoad, path)
		}
		sub := map[string][][]float64{}
		for k, v := range f.State {
			if name, ok := strings.CutPrefix(k, BackbonePrefix); ok {
				sub[name] = v
			}
		}
		enc, err := wav2vec.FromState(*f.Backbone, sub)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrModelLoad, err)
		}
		backbone = enc
	}
	if backbone.Dim() != f.HeadIn {
		return nil, fmt.Errorf("%w: backbone dim %d does not match head input %d", errs.ErrModelLoad, backbone.Dim(), f.HeadIn)
	}
	m := New(backbone, rand.New(rand.NewSource(0)))
	for _, p := range m.Head.Matrices() {
		src, ok := f.State[p.Name]
		if !ok {
			return nil, fmt.Errorf("%w: state is missing %s", errs.ErrModelLoad, p.Name)
		}
		if err := p.Load(src); err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrModelLoad, err)
		}
	}
	return m, nil
}
