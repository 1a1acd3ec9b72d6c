// Package audiotest provides in-memory clip sources for tests that build
// audio datasets without a corpus on disk.
package audiotest

import "fmt"

// MemorySource serves clips held in memory at one sample rate.
type MemorySource struct {
	Waves [][]float32
	Rate  int
}

func (s MemorySource) Len() int          { return len(s.Waves) }
func (s MemorySource) Name(i int) string { return fmt.Sprintf("mem/%d", i) }
func (s MemorySource) Read(i int) ([]float32, int, error) {
	return s.Waves[i], s.Rate, nil
}
