// Package monitor is the terminal dashboard for a training run. It is a
// telemetry.Sink: the loop emits events, the dashboard draws them.
package monitor

import (
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"tunekit/internal/telemetry"
)

// Monitor owns a bubbletea program fed by a buffered event channel. Step
// and epoch events are dropped when the dashboard falls behind; terminal
// events are always delivered while the program runs.
type Monitor struct {
	events chan telemetry.Event
	model  model

	mu      sync.Mutex
	closed  bool
	dropped int
	exited  chan struct{}
	program *tea.Program
	err     error
}

// New builds a monitor. onQuit runs when the user quits before the run
// finishes; drivers pass their context's cancel func.
func New(title string, onQuit func()) *Monitor {
	events := make(chan telemetry.Event, 256)
	return &Monitor{
		events: events,
		model:  newModel(title, events, onQuit),
		exited: make(chan struct{}),
	}
}

// Start runs the dashboard in the background.
func (m *Monitor) Start(opts ...tea.ProgramOption) {
	if len(opts) == 0 {
		opts = []tea.ProgramOption{tea.WithAltScreen()}
	}
	p := tea.NewProgram(m.model, opts...)
	m.mu.Lock()
	m.program = p
	m.mu.Unlock()
	go func() {
		_, m.err = p.Run()
		close(m.exited)
	}()
}

// Emit implements telemetry.Sink.
func (m *Monitor) Emit(e telemetry.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if m.program != nil && terminal(e.Kind) {
		select {
		case m.events <- e:
		case <-m.exited:
		}
		return
	}
	select {
	case m.events <- e:
	default:
		m.dropped++
	}
}

func terminal(k telemetry.Kind) bool {
	return k == telemetry.KindStart || k == telemetry.KindDone || k == telemetry.KindError
}

// Dropped is the number of events discarded because the buffer was full.
func (m *Monitor) Dropped() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

// Close stops accepting events and waits for the user to leave the
// dashboard. Without Start it returns at once.
func (m *Monitor) Close() error {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.events)
	}
	started := m.program != nil
	m.mu.Unlock()
	if !started {
		return nil
	}
	<-m.exited
	return m.err
}
