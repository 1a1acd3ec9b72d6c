package monitor

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/harmonica"
	"github.com/charmbracelet/lipgloss"

	"tunekit/internal/telemetry"
)

const (
	seriesCap = 5000
	logCap    = 200
)

type styles struct {
	title      lipgloss.Style
	panel      lipgloss.Style
	panelTitle lipgloss.Style
	dim        lipgloss.Style
	ok         lipgloss.Style
	warn       lipgloss.Style
	graphLoss  lipgloss.Style
	graphEval  lipgloss.Style
	graphLR    lipgloss.Style
}

func defaultStyles() styles {
	brand := lipgloss.AdaptiveColor{Light: "26", Dark: "81"}
	subtle := lipgloss.AdaptiveColor{Light: "245", Dark: "244"}
	border := lipgloss.AdaptiveColor{Light: "250", Dark: "238"}
	return styles{
		title:      lipgloss.NewStyle().Bold(true).Foreground(brand),
		panel:      lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(border).Padding(0, 1),
		panelTitle: lipgloss.NewStyle().Bold(true).Foreground(brand),
		dim:        lipgloss.NewStyle().Foreground(subtle),
		ok:         lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
		warn:       lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true),
		graphLoss:  lipgloss.NewStyle().Foreground(lipgloss.Color("203")),
		graphEval:  lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		graphLR:    lipgloss.NewStyle().Foreground(lipgloss.Color("86")),
	}
}

type keyMap struct {
	Quit key.Binding
	Help key.Binding
	Up   key.Binding
	Down key.Binding
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Quit, k.Help}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{{k.Quit, k.Help}, {k.Up, k.Down}}
}

type eventMsg telemetry.Event
type closedMsg struct{}
type animTickMsg struct{ ts time.Time }

func waitEventCmd(ch <-chan telemetry.Event) tea.Cmd {
	return func() tea.Msg {
		e, ok := <-ch
		if !ok {
			return closedMsg{}
		}
		return eventMsg(e)
	}
}

func animTickCmd() tea.Cmd {
	return tea.Tick(time.Second/30, func(ts time.Time) tea.Msg { return animTickMsg{ts: ts} })
}

type model struct {
	title  string
	events <-chan telemetry.Event
	onQuit func()

	width  int
	height int
	styles styles
	keys   keyMap
	help   help.Model
	spin   spinner.Model
	bar    progress.Model
	logs   viewport.Model

	runID       string
	pipeline    string
	step        int
	totalSteps  int
	epoch       int
	totalEpochs int
	loss        float64
	valLoss     float64
	lr          float64
	elapsed     time.Duration
	started     time.Time

	lossSeries  []float64
	epochSeries []float64
	valSeries   []float64
	lrSeries    []float64
	logLines    []string

	spring         harmonica.Spring
	shownRatio     float64
	shownRatioVel  float64
	lossAnim       float64
	lossVel        float64
	lossAnimSeries []float64
	animPrimed     bool

	finished bool
	failed   string
	closed   bool
}

func newModel(title string, events <-chan telemetry.Event, onQuit func()) model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("81"))

	logVP := viewport.New(100, 8)
	logVP.SetContent("events will appear here")

	return model{
		title:  title,
		events: events,
		onQuit: onQuit,
		styles: defaultStyles(),
		help:   help.New(),
		spin:   sp,
		bar:    progress.New(progress.WithDefaultGradient(), progress.WithWidth(60)),
		logs:   logVP,
		spring: harmonica.NewSpring(harmonica.FPS(30), 6.0, 1.0),
		keys: keyMap{
			Quit: key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
			Help: key.NewBinding(key.WithKeys("?"), key.WithHelp("?", "more keys")),
			Up:   key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("up/k", "scroll events")),
			Down: key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("down/j", "scroll events")),
		},
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.spin.Tick, waitEventCmd(m.events), animTickCmd())
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	var cmd tea.Cmd

	m.logs, cmd = m.logs.Update(msg)
	cmds = append(cmds, cmd)

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.bar.Width = max(20, m.width-24)
		m.logs.Width = max(40, m.width-8)
		m.logs.Height = max(4, m.height-28)
		m.help.Width = m.width

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			if m.onQuit != nil && !m.finished {
				m.onQuit()
			}
			return m, tea.Quit
		case key.Matches(msg, m.keys.Help):
			m.help.ShowAll = !m.help.ShowAll
		}

	case eventMsg:
		m.apply(telemetry.Event(msg))
		cmds = append(cmds, waitEventCmd(m.events))

	case closedMsg:
		m.closed = true
		m.finished = true

	case spinner.TickMsg:
		if !m.finished {
			m.spin, cmd = m.spin.Update(msg)
			cmds = append(cmds, cmd)
		}

	case animTickMsg:
		m.animate()
		cmds = append(cmds, animTickCmd())
	}
	return m, tea.Batch(cmds...)
}

// apply folds one training event into the view state.
func (m *model) apply(e telemetry.Event) {
	if e.RunID != "" {
		m.runID = e.RunID
	}
	if e.Pipeline != "" {
		m.pipeline = e.Pipeline
	}
	if e.TotalSteps > 0 {
		m.totalSteps = e.TotalSteps
	}
	if e.TotalEpochs > 0 {
		m.totalEpochs = e.TotalEpochs
	}
	if e.Elapsed > 0 {
		m.elapsed = e.Elapsed
	}
	switch e.Kind {
	case telemetry.KindStart:
		m.started = time.Now()
		m.step = e.Step
		m.addLog(fmt.Sprintf("started %s run %s", e.Pipeline, e.RunID))
	case telemetry.KindStep:
		m.step, m.epoch, m.loss, m.lr = e.Step, e.Epoch, e.Loss, e.LR
		m.lossSeries = appendSeries(m.lossSeries, e.Loss, seriesCap)
		m.lrSeries = appendSeries(m.lrSeries, e.LR, seriesCap)
	case telemetry.KindEpoch:
		m.epoch = e.Epoch + 1
		m.step = max(m.step, e.Step)
		m.loss = e.Loss
		m.epochSeries = appendSeries(m.epochSeries, e.Loss, seriesCap)
		line := fmt.Sprintf("epoch %d train %.4f", e.Epoch, e.Loss)
		if e.ValLoss > 0 {
			m.valLoss = e.ValLoss
			m.valSeries = appendSeries(m.valSeries, e.ValLoss, seriesCap)
			line += fmt.Sprintf(" val %.4f", e.ValLoss)
		}
		m.addLog(line)
	case telemetry.KindSave:
		m.addLog("saved " + e.Message)
	case telemetry.KindDone:
		m.finished = true
		m.step = max(m.step, e.Step)
		m.addLog("done " + e.Message)
	case telemetry.KindError:
		m.finished = true
		m.failed = e.Message
		m.addLog("failed: " + e.Message)
	}
}

func (m *model) addLog(line string) {
	ts := time.Now().Format("15:04:05")
	m.logLines = append(m.logLines, ts+" "+line)
	if len(m.logLines) > logCap {
		m.logLines = m.logLines[len(m.logLines)-logCap:]
	}
	m.logs.SetContent(strings.Join(m.logLines, "\n"))
	m.logs.GotoBottom()
}

// ratio is run progress in [0,1]: steps when known, else epochs.
func (m model) ratio() float64 {
	switch {
	case m.finished && m.failed == "":
		return 1
	case m.totalSteps > 0:
		return min(1, float64(m.step)/float64(m.totalSteps))
	case m.totalEpochs > 0:
		return min(1, float64(m.epoch)/float64(m.totalEpochs))
	default:
		return 0
	}
}

func (m *model) animate() {
	m.shownRatio, m.shownRatioVel = m.spring.Update(m.shownRatio, m.shownRatioVel, m.ratio())
	src := m.lossSeries
	if len(src) == 0 {
		src = m.epochSeries
	}
	if len(src) == 0 {
		return
	}
	target := src[len(src)-1]
	if !m.animPrimed {
		m.lossAnim, m.lossVel = target, 0
		m.animPrimed = true
	}
	m.lossAnim, m.lossVel = m.spring.Update(m.lossAnim, m.lossVel, target)
	m.lossAnimSeries = appendSeries(m.lossAnimSeries, m.lossAnim, seriesCap)
}

func (m model) panel(title string, lines []string, w int) string {
	return m.styles.panel.Width(max(8, w-4)).Render(m.styles.panelTitle.Render(title) + "\n" + strings.Join(lines, "\n"))
}

func (m model) graphPanel(title string, series []float64, w int, st lipgloss.Style) string {
	graph := lineChart(series, max(16, w-16), 5)
	for i := range graph {
		graph[i] = st.Render(graph[i])
	}
	sub := "waiting for data..."
	if latest, minV, maxV, ok := seriesStats(series); ok {
		sub = fmt.Sprintf("latest %.4f | min %.4f | max %.4f | n=%d", latest, minV, maxV, len(series))
	}
	return m.panel(title, append(graph, m.styles.dim.Render(sub)), w)
}

func (m model) statusLine() string {
	switch {
	case m.failed != "":
		return m.styles.warn.Render("failed")
	case m.finished:
		return m.styles.ok.Render("done, press q to exit")
	default:
		return m.spin.View() + " training"
	}
}

func (m model) View() string {
	if m.width == 0 {
		return "loading..."
	}
	w := max(60, m.width-2)
	header := m.styles.title.Render(m.title) + "  " + m.styles.dim.Render(m.pipeline+" "+m.runID)

	stats := []string{
		m.bar.ViewAs(m.shownRatio),
		fmt.Sprintf("step %d/%d  epoch %d/%d  loss %.4f  val %.4f  lr %.2e  elapsed %s",
			m.step, m.totalSteps, m.epoch, m.totalEpochs, m.loss, m.valLoss, m.lr, m.elapsed.Truncate(time.Second)),
		"lr " + m.styles.graphLR.Render(sparkline(m.lrSeries, max(10, w-12))),
		m.statusLine(),
	}
	if m.failed != "" {
		stats = append(stats, m.styles.warn.Render(m.failed))
	}

	lossTitle := "Loss (train)"
	series := m.lossAnimSeries
	if len(series) == 0 {
		series = m.epochSeries
	}
	parts := []string{header, m.panel("Progress", stats, w), m.graphPanel(lossTitle, series, w, m.styles.graphLoss)}
	if len(m.valSeries) > 0 {
		parts = append(parts, m.graphPanel("Loss (validation)", m.valSeries, w, m.styles.graphEval))
	}
	parts = append(parts, m.panel("Events", []string{m.logs.View()}, w), m.help.View(m.keys))
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}
