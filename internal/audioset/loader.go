package audioset

import (
	"context"
	"fmt"
	"math/rand"

	"golang.org/x/sync/errgroup"

	"tunekit/internal/errs"
)

// Split partitions dataset indices into train and validation sets.
type Split struct {
	Train []int
	Val   []int
}

// RandomSplit shuffles 0..n-1 with seed and gives the first int(frac*n) to
// training and the rest to validation.
func RandomSplit(n int, frac float64, seed int64) Split {
	perm := rand.New(rand.NewSource(seed)).Perm(n)
	k := int(frac * float64(n))
	return Split{Train: perm[:k], Val: perm[k:]}
}

// Batch is a materialised group of samples, in index order.
type Batch struct {
	Waves   [][]float32
	Targets [][]float64
}

func (b Batch) Len() int { return len(b.Waves) }

// Loader iterates a subset of a dataset in batches.
type Loader struct {
	ds        *Dataset
	indices   []int
	batchSize int
	shuffle   bool
	workers   int
	rng       *rand.Rand
}

// NewLoader builds a loader over indices. With shuffle set, every epoch
// visits the indices in a fresh order drawn from seed's stream.
func NewLoader(ds *Dataset, indices []int, batchSize int, shuffle bool, seed int64, workers int) (*Loader, error) {
	if batchSize < 1 {
		return nil, fmt.Errorf("%w: batch size must be >= 1", errs.ErrConfig)
	}
	if workers < 1 {
		workers = 1
	}
	return &Loader{
		ds:        ds,
		indices:   append([]int(nil), indices...),
		batchSize: batchSize,
		shuffle:   shuffle,
		workers:   workers,
		rng:       rand.New(rand.NewSource(seed)),
	}, nil
}

// Len is the number of batches per epoch.
func (l *Loader) Len() int {
	return (len(l.indices) + l.batchSize - 1) / l.batchSize
}

// Size is the number of samples per epoch.
func (l *Loader) Size() int { return len(l.indices) }

// Epoch returns the batches of one pass as lists of dataset indices.
func (l *Loader) Epoch() [][]int {
	order := append([]int(nil), l.indices...)
	if l.shuffle {
		l.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	out := make([][]int, 0, l.Len())
	for start := 0; start < len(order); start += l.batchSize {
		end := min(start+l.batchSize, len(order))
		out = append(out, order[start:end])
	}
	return out
}

// Load reads the samples of one batch concurrently. Results are placed by
// position, so the batch order does not depend on scheduling.
func (l *Loader) Load(ctx context.Context, idx []int) (Batch, error) {
	b := Batch{Waves: make([][]float32, len(idx)), Targets: make([][]float64, len(idx))}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(l.workers)
	for pos, i := range idx {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			s, err := l.ds.Get(i)
			if err != nil {
				return err
			}
			b.Waves[pos] = s.Waveform
			b.Targets[pos] = []float64{s.Target[0], s.Target[1]}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Batch{}, err
	}
	return b, nil
}
