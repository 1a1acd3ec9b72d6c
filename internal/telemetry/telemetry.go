// Package telemetry carries training progress from a loop to whoever is
// watching it: the run log, the terminal monitor, tests.
package telemetry

import (
	"sync"
	"time"
)

type Kind string

const (
	KindStart Kind = "start"
	KindStep  Kind = "step"
	KindEpoch Kind = "epoch"
	KindSave  Kind = "save"
	KindDone  Kind = "done"
	KindError Kind = "error"
)

// Event is one progress notification. Unused fields are zero.
type Event struct {
	RunID       string
	Pipeline    string
	Kind        Kind
	Step        int
	TotalSteps  int
	Epoch       int
	TotalEpochs int
	Loss        float64
	ValLoss     float64
	LR          float64
	Elapsed     time.Duration
	Message     string
}

// Sink receives events. Emit must not block the training loop for long.
type Sink interface {
	Emit(Event)
}

// Multi fans an event out to every sink in order.
type Multi []Sink

func (m Multi) Emit(e Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(e)
		}
	}
}

type nop struct{}

func (nop) Emit(Event) {}

// Nop discards events.
var Nop Sink = nop{}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of what was recorded.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfKind filters the recorded events.
func (r *Recorder) OfKind(k Kind) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}
