package audioset

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tunekit/internal/audioset/audiotest"
	"tunekit/internal/errs"
	"tunekit/internal/speech"
)

func ramp(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = 0.25
	}
	return out
}

func TestWaveformIsAlwaysOneSecond(t *testing.T) {
	src := audiotest.MemorySource{Rate: 16000, Waves: [][]float32{ramp(8000), ramp(16000), ramp(24000)}}
	ds := New(src, IndexedUniform{Seed: 1})
	for i := 0; i < ds.Len(); i++ {
		s, err := ds.Get(i)
		require.NoError(t, err)
		assert.Len(t, s.Waveform, NumSamples, "clip %d", i)
	}
	short, err := ds.Get(0)
	require.NoError(t, err)
	assert.Equal(t, float32(0.25), short.Waveform[7999])
	assert.Equal(t, float32(0), short.Waveform[8000])
}

func TestResampledClipIsOneSecond(t *testing.T) {
	src := audiotest.MemorySource{Rate: 8000, Waves: [][]float32{ramp(6000), ramp(8000)}}
	ds := New(src, IndexedUniform{})
	for i := 0; i < 2; i++ {
		s, err := ds.Get(i)
		require.NoError(t, err)
		assert.Len(t, s.Waveform, NumSamples)
	}
}

func TestClipSourceReadsCorpus(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, speech.WriteWAV(filepath.Join(dir, "yes", "a_nohash_0.wav"), ramp(12000), 16000))
	require.NoError(t, speech.WriteWAV(filepath.Join(dir, "no", "b_nohash_0.wav"), ramp(20000), 16000))
	ix, err := speech.Open(dir, speech.SubsetAll)
	require.NoError(t, err)

	labels, err := ParseLabels(strings.NewReader("path,pace,tone\nno/b_nohash_0.wav,0.1,0.9\nyes/a_nohash_0.wav,0.5,0.5\n"))
	require.NoError(t, err)
	ds := New(ClipSource{Index: ix}, labels)
	assert.Equal(t, 2, ds.Len())
	s, err := ds.Get(0)
	require.NoError(t, err)
	assert.Len(t, s.Waveform, NumSamples)
	assert.Equal(t, [2]float64{0.1, 0.9}, s.Target)
}

func TestIndexedTargetsAreStable(t *testing.T) {
	src := audiotest.MemorySource{Rate: 16000, Waves: [][]float32{ramp(10), ramp(10)}}
	ds := New(src, IndexedUniform{Seed: 7})
	a, err := ds.Get(1)
	require.NoError(t, err)
	b, err := ds.Get(1)
	require.NoError(t, err)
	assert.Equal(t, a.Target, b.Target)
	for _, v := range a.Target {
		assert.GreaterOrEqual(t, v, 0.0)
		assert.Less(t, v, 1.0)
	}
	c, err := ds.Get(0)
	require.NoError(t, err)
	assert.NotEqual(t, a.Target, c.Target)
}

// Read-time random targets change between reads of the same clip; the
// trainer therefore never sees a fixed target for them.
func TestReadTimeTargetsAreNotStable(t *testing.T) {
	src := audiotest.MemorySource{Rate: 16000, Waves: [][]float32{ramp(10)}}
	ds := New(src, NewReadTimeUniform(1))
	a, err := ds.Get(0)
	require.NoError(t, err)
	b, err := ds.Get(0)
	require.NoError(t, err)
	assert.NotEqual(t, a.Target, b.Target)
}

func TestLabelFileErrors(t *testing.T) {
	lf, err := ParseLabels(strings.NewReader("x.wav,0.2,0.3\n"))
	require.NoError(t, err)
	_, err = lf.Target(3, "missing.wav")
	assert.True(t, errors.Is(err, errs.ErrData))

	_, err = ParseLabels(strings.NewReader("a,1,2\nb,x,2\n"))
	assert.True(t, errors.Is(err, errs.ErrData))
	_, err = ParseLabels(strings.NewReader("a,1\n"))
	assert.True(t, errors.Is(err, errs.ErrData))
	_, err = LoadLabelFile(filepath.Join(t.TempDir(), "none.csv"))
	assert.True(t, errors.Is(err, errs.ErrData))
}

func TestGetOutOfRange(t *testing.T) {
	ds := New(audiotest.MemorySource{Rate: 16000}, IndexedUniform{})
	_, err := ds.Get(0)
	assert.Error(t, err)
}

func TestRandomSplit(t *testing.T) {
	s := RandomSplit(10, 0.8, 42)
	assert.Len(t, s.Train, 8)
	assert.Len(t, s.Val, 2)
	all := append(append([]int(nil), s.Train...), s.Val...)
	sort.Ints(all)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, all)
	assert.Equal(t, s, RandomSplit(10, 0.8, 42))

	odd := RandomSplit(7, 0.8, 1)
	assert.Len(t, odd.Train, 5)
	assert.Len(t, odd.Val, 2)
}

func TestLoaderBatches(t *testing.T) {
	waves := make([][]float32, 35)
	for i := range waves {
		waves[i] = []float32{float32(i)}
	}
	ds := New(audiotest.MemorySource{Rate: 16000, Waves: waves}, IndexedUniform{})
	idx := make([]int, 35)
	for i := range idx {
		idx[i] = i
	}

	l, err := NewLoader(ds, idx, 16, false, 1, 4)
	require.NoError(t, err)
	assert.Equal(t, 3, l.Len())
	batches := l.Epoch()
	require.Len(t, batches, 3)
	assert.Len(t, batches[2], 3)
	assert.Equal(t, 0, batches[0][0])

	b, err := l.Load(context.Background(), batches[1])
	require.NoError(t, err)
	require.Equal(t, 16, b.Len())
	for pos, i := range batches[1] {
		assert.Equal(t, float32(i), b.Waves[pos][0])
		assert.Len(t, b.Targets[pos], 2)
	}

	sh, err := NewLoader(ds, idx, 16, true, 1, 2)
	require.NoError(t, err)
	e1, e2 := sh.Epoch(), sh.Epoch()
	assert.NotEqual(t, e1, e2)

	_, err = NewLoader(ds, idx, 0, false, 1, 1)
	assert.True(t, errors.Is(err, errs.ErrConfig))
}

func TestLoaderStopsOnCancel(t *testing.T) {
	ds := New(audiotest.MemorySource{Rate: 16000, Waves: [][]float32{{1}, {2}}}, IndexedUniform{})
	l, err := NewLoader(ds, []int{0, 1}, 2, false, 1, 1)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Load(ctx, []int{0, 1})
	assert.ErrorIs(t, err, context.Canceled)
}
