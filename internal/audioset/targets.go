package audioset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"tunekit/internal/errs"
)

// TargetSource supplies the (pace, tone) regression target of clip i.
type TargetSource interface {
	Target(i int, name string) ([2]float64, error)
}

// IndexedUniform derives a uniform [0,1) pair from (Seed, i). The same index
// always gets the same target.
type IndexedUniform struct {
	Seed uint64
}

func (u IndexedUniform) Target(i int, _ string) ([2]float64, error) {
	h := splitmix64(u.Seed ^ uint64(i)*0x9e3779b97f4a7c15)
	a := splitmix64(h)
	b := splitmix64(a)
	return [2]float64{unit(a), unit(b)}, nil
}

func splitmix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}

func unit(x uint64) float64 {
	return float64(x>>11) / (1 << 53)
}

// ReadTimeUniform draws a fresh uniform pair on every call, so the same
// clip gets a different target each epoch.
type ReadTimeUniform struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewReadTimeUniform(seed int64) *ReadTimeUniform {
	return &ReadTimeUniform{rng: rand.New(rand.NewSource(seed))}
}

func (u *ReadTimeUniform) Target(int, string) ([2]float64, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return [2]float64{u.rng.Float64(), u.rng.Float64()}, nil
}

// LabelFile maps clip names to targets read from a CSV of
// relative_path,pace,tone. A header row is optional.
type LabelFile struct {
	Labels map[string][2]float64
}

func LoadLabelFile(path string) (*LabelFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrData, err)
	}
	defer f.Close()
	lf, err := ParseLabels(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return lf, nil
}

func ParseLabels(r io.Reader) (*LabelFile, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 3
	cr.TrimLeadingSpace = true
	lf := &LabelFile{Labels: map[string][2]float64{}}
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: labels: %v", errs.ErrData, err)
		}
		pace, perr := strconv.ParseFloat(strings.TrimSpace(rec[1]), 64)
		tone, terr := strconv.ParseFloat(strings.TrimSpace(rec[2]), 64)
		if perr != nil || terr != nil {
			if line == 1 {
				continue
			}
			return nil, fmt.Errorf("%w: labels line %d: bad number", errs.ErrData, line)
		}
		lf.Labels[filepath.ToSlash(strings.TrimSpace(rec[0]))] = [2]float64{pace, tone}
	}
	return lf, nil
}

func (l *LabelFile) Target(i int, name string) ([2]float64, error) {
	t, ok := l.Labels[name]
	if !ok {
		return [2]float64{}, fmt.Errorf("%w: no label for clip %d (%s)", errs.ErrData, i, name)
	}
	return t, nil
}
