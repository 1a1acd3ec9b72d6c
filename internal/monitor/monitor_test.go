package monitor

import (
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tunekit/internal/telemetry"
)

func update(t *testing.T, m model, msg tea.Msg) (model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	nm, ok := next.(model)
	require.True(t, ok)
	return nm, cmd
}

func TestApplyTracksProgress(t *testing.T) {
	m := newModel("tunekit", make(chan telemetry.Event), nil)
	m, _ = update(t, m, tea.WindowSizeMsg{Width: 120, Height: 40})
	m, _ = update(t, m, eventMsg{RunID: "r1", Pipeline: "finetune", Kind: telemetry.KindStart, TotalSteps: 10, TotalEpochs: 2})
	m, _ = update(t, m, eventMsg{Kind: telemetry.KindStep, Step: 5, Loss: 2.5, LR: 1e-4})

	assert.Equal(t, "r1", m.runID)
	assert.Equal(t, 5, m.step)
	assert.InDelta(t, 0.5, m.ratio(), 1e-12)
	assert.Equal(t, []float64{2.5}, m.lossSeries)
	assert.Contains(t, m.View(), "step 5/10")

	m, _ = update(t, m, eventMsg{Kind: telemetry.KindDone, Step: 10, Message: "out"})
	assert.True(t, m.finished)
	assert.Equal(t, 1.0, m.ratio())
	assert.Contains(t, m.View(), "done")
}

func TestApplyEpochsWithoutSteps(t *testing.T) {
	m := newModel("tunekit", make(chan telemetry.Event), nil)
	m.apply(telemetry.Event{Kind: telemetry.KindStart, TotalEpochs: 20})
	m.apply(telemetry.Event{Kind: telemetry.KindEpoch, Epoch: 4, Loss: 0.2, ValLoss: 0.3})

	assert.Equal(t, 5, m.epoch)
	assert.InDelta(t, 0.25, m.ratio(), 1e-12)
	assert.Equal(t, []float64{0.3}, m.valSeries)
	assert.Contains(t, m.logLines[len(m.logLines)-1], "val 0.3000")
}

func TestErrorEventMarksFailure(t *testing.T) {
	m := newModel("tunekit", make(chan telemetry.Event), nil)
	m.apply(telemetry.Event{Kind: telemetry.KindStart, TotalSteps: 4})
	m.apply(telemetry.Event{Kind: telemetry.KindError, Message: "boom"})
	assert.True(t, m.finished)
	assert.Equal(t, "boom", m.failed)
	assert.Less(t, m.ratio(), 1.0)
}

func TestQuitCancelsUnfinishedRun(t *testing.T) {
	cancelled := 0
	m := newModel("tunekit", make(chan telemetry.Event), func() { cancelled++ })
	_, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.Equal(t, tea.QuitMsg{}, cmd())
	assert.Equal(t, 1, cancelled)

	m.finished = true
	_, _ = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	assert.Equal(t, 1, cancelled)
}

func TestClosedChannelFinishes(t *testing.T) {
	ch := make(chan telemetry.Event)
	close(ch)
	m := newModel("tunekit", ch, nil)
	assert.Equal(t, closedMsg{}, waitEventCmd(ch)())
	m, _ = update(t, m, closedMsg{})
	assert.True(t, m.closed)
	assert.True(t, m.finished)
}

func TestEmitNeverBlocksWithoutProgram(t *testing.T) {
	mon := New("tunekit", nil)
	for i := 0; i < 300; i++ {
		mon.Emit(telemetry.Event{Kind: telemetry.KindStep, Step: i})
	}
	mon.Emit(telemetry.Event{Kind: telemetry.KindDone})
	assert.Equal(t, 45, mon.Dropped())
	require.NoError(t, mon.Close())
	mon.Emit(telemetry.Event{Kind: telemetry.KindStep})
	assert.Equal(t, 45, mon.Dropped())
}

func TestCharts(t *testing.T) {
	lines := lineChart([]float64{3, 2, 1}, 12, 4)
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], "3.000")
	assert.Contains(t, lines[3], "1.000")

	assert.Equal(t, "........", sparkline(nil, 8))
	s := []rune(sparkline([]float64{0, 1}, 4))
	assert.Equal(t, '▁', s[0])
	assert.Equal(t, '█', s[1])

	assert.Equal(t, []float64{2, 3}, appendSeries([]float64{1, 2}, 3, 2))
}
