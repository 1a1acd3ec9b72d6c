package speech

import (
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"tunekit/internal/errs"
)

// DecodeWAV reads PCM WAV data as mono float32 in [-1, 1). Multi-channel
// input is averaged down to one channel.
func DecodeWAV(r io.ReadSeeker) ([]float32, int, error) {
	d := wav.NewDecoder(r)
	if !d.IsValidFile() {
		return nil, 0, fmt.Errorf("%w: not a valid WAV file", errs.ErrData)
	}
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("%w: decode wav: %v", errs.ErrData, err)
	}
	channels := buf.Format.NumChannels
	if channels < 1 {
		channels = 1
	}
	depth := int(d.BitDepth)
	if depth == 0 {
		depth = buf.SourceBitDepth
	}
	if depth < 8 || depth > 32 {
		return nil, 0, fmt.Errorf("%w: unsupported bit depth %d", errs.ErrData, depth)
	}
	full := math.Ldexp(1, depth-1)
	// 8-bit WAV is unsigned
	offset := 0.0
	if depth == 8 {
		offset = 128
	}

	frames := len(buf.Data) / channels
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		sum := 0.0
		for c := 0; c < channels; c++ {
			sum += (float64(buf.Data[i*channels+c]) - offset) / full
		}
		out[i] = float32(sum / float64(channels))
	}
	return out, buf.Format.SampleRate, nil
}

// ReadWAV decodes the file at path.
func ReadWAV(path string) ([]float32, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", errs.ErrData, err)
	}
	defer f.Close()
	samples, rate, err := DecodeWAV(f)
	if err != nil {
		return nil, 0, fmt.Errorf("%s: %w", path, err)
	}
	return samples, rate, nil
}

// EncodeWAV writes mono 16-bit PCM. Samples are clipped to [-1, 1].
func EncodeWAV(w io.WriteSeeker, samples []float32, rate int) error {
	enc := wav.NewEncoder(w, rate, 16, 1, 1)
	data := make([]int, len(samples))
	for i, s := range samples {
		v := math.Max(-1, math.Min(1, float64(s)))
		data[i] = int(math.Round(v * 32767))
	}
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: rate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return err
	}
	return enc.Close()
}

// WriteWAV creates path (and its directory) and encodes samples into it.
func WriteWAV(path string, samples []float32, rate int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrIO, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrIO, err)
	}
	if err := EncodeWAV(f, samples, rate); err != nil {
		f.Close()
		return fmt.Errorf("%w: %v", errs.ErrIO, err)
	}
	return f.Close()
}
