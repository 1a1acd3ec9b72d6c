// Package audioset turns a clip corpus into fixed-length 16 kHz samples
// with regression targets, and batches them for training.
package audioset

import (
	"fmt"

	"tunekit/internal/dsp"
	"tunekit/internal/speech"
)

const (
	SampleRate = 16000
	NumSamples = 16000
)

// Sample is one training example.
type Sample struct {
	Waveform []float32
	Target   [2]float64
}

// Source reads raw clips by index.
type Source interface {
	Len() int
	Name(i int) string
	Read(i int) (samples []float32, rate int, err error)
}

// ClipSource reads clips of a speech index from disk.
type ClipSource struct {
	Index *speech.Index
}

func (s ClipSource) Len() int          { return s.Index.Len() }
func (s ClipSource) Name(i int) string { return s.Index.Clips[i].Path }
func (s ClipSource) Read(i int) ([]float32, int, error) {
	return speech.ReadWAV(s.Index.Abs(i))
}

// Dataset decodes, resamples and frames clips on every read; nothing is
// cached.
type Dataset struct {
	src     Source
	targets TargetSource
}

func New(src Source, targets TargetSource) *Dataset {
	return &Dataset{src: src, targets: targets}
}

func (d *Dataset) Len() int { return d.src.Len() }

// Get returns sample i: resampled to 16 kHz and truncated or zero-padded to
// 16000 samples.
func (d *Dataset) Get(i int) (Sample, error) {
	if i < 0 || i >= d.src.Len() {
		return Sample{}, fmt.Errorf("audioset: index %d out of range [0,%d)", i, d.src.Len())
	}
	raw, rate, err := d.src.Read(i)
	if err != nil {
		return Sample{}, err
	}
	wave := Prepare(raw, rate)
	target, err := d.targets.Target(i, d.src.Name(i))
	if err != nil {
		return Sample{}, err
	}
	return Sample{Waveform: wave, Target: target}, nil
}

// Prepare resamples raw audio to 16 kHz and fixes it to 16000 samples.
func Prepare(raw []float32, rate int) []float32 {
	return dsp.FixLength(dsp.Resample(raw, rate, SampleRate), NumSamples)
}
