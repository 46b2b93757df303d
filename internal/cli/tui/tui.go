// Package tui is the interactive dashboard: a chat view that answers through
// runs and a traces view that follows a run's execution timeline, both fed
// by live run event subscriptions.
package tui

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/time/rate"

	"github.com/duragraph/studio/internal/cli/client"
	"github.com/duragraph/studio/internal/eventbus"
	"github.com/duragraph/studio/internal/protocol/events"
	"github.com/duragraph/studio/internal/reducer"
	"github.com/duragraph/studio/internal/shared/logging"
	"github.com/duragraph/studio/internal/stream"
)

// Options wires the dashboard to its collaborators.
type Options struct {
	Client   *client.Client
	Registry *stream.Registry
	// Bus delivers stream invalidation notices. Nil disables refetching.
	Bus         eventbus.Bus
	Logger      *slog.Logger
	ThreadID    string
	AssistantID string
}

// Run launches the Bubble Tea dashboard and blocks until it exits.
func Run(ctx context.Context, opts Options) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m, err := newModel(ctx, opts)
	if err != nil {
		return err
	}
	p := tea.NewProgram(m, tea.WithAltScreen())
	final, err := p.Run()
	if fm, ok := final.(model); ok {
		fm.close()
	} else {
		m.close()
	}
	return err
}

type tab int

const (
	tabChat tab = iota
	tabTraces
)

type chatPane struct {
	threadID    string
	assistantID string
	ready       bool
	transcript  reducer.ChatState
	watch       *watch[reducer.ChatState]
	run         *client.Run
	sending     bool
	input       textinput.Model
	view        viewport.Model
}

func (c chatPane) state() reducer.ChatState {
	if c.watch != nil {
		return c.watch.state()
	}
	return c.transcript
}

type tracePane struct {
	runs   []client.Run
	cursor int
	watch  *watch[reducer.TraceState]
	view   viewport.Model
}

type model struct {
	ctx         context.Context
	api         *client.Client
	reg         *stream.Registry
	logger      *slog.Logger
	limiter     *rate.Limiter
	inval       chan any
	unsubscribe func()

	width   int
	height  int
	tab     tab
	theme   theme
	spinner spinner.Model
	status  string
	err     error

	chat   chatPane
	traces tracePane
}

func newModel(ctx context.Context, opts Options) (model, error) {
	if opts.Client == nil || opts.Registry == nil {
		return model{}, fmt.Errorf("tui: client and registry are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	input := textinput.New()
	input.Placeholder = "Send a message (/tool or /fail steer the devserver)"
	input.CharLimit = 4000
	input.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#3b82f6"))

	m := model{
		ctx:     ctx,
		api:     opts.Client,
		reg:     opts.Registry,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Every(200*time.Millisecond), 2),
		theme:   newTheme(),
		spinner: sp,
		status:  "connecting to " + opts.Client.BaseURL(),
		chat: chatPane{
			threadID:    opts.ThreadID,
			assistantID: opts.AssistantID,
			input:       input,
			view:        viewport.New(80, 20),
		},
		traces: tracePane{view: viewport.New(80, 20)},
	}
	if opts.Bus != nil {
		ch := make(chan any, 64)
		unsubscribe, err := opts.Bus.Subscribe(stream.TopicInvalidate, ch)
		if err != nil {
			return model{}, fmt.Errorf("tui: subscribe invalidations: %w", err)
		}
		m.inval = ch
		m.unsubscribe = unsubscribe
	}
	return m, nil
}

// close releases the model's subscriptions.
func (m model) close() {
	if m.chat.watch != nil {
		m.chat.watch.close()
	}
	if m.traces.watch != nil {
		m.traces.watch.close()
	}
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
}

func (m model) Init() tea.Cmd {
	cmds := []tea.Cmd{
		m.spinner.Tick,
		setupCmd(m.ctx, m.api, m.chat.threadID, m.chat.assistantID),
		fetchRunsCmd(m.ctx, m.api),
		tickCmd(),
		textinput.Blink,
	}
	if m.inval != nil {
		cmds = append(cmds, waitInvalidationCmd(m.ctx, m.inval))
	}
	return tea.Batch(cmds...)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()

	case tea.KeyMsg:
		return m.handleKey(msg)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case setupMsg:
		if msg.err != nil {
			m.err = msg.err
			m.status = "setup failed"
			m.logger.Error("tui setup", "error", msg.err)
			break
		}
		m.chat.threadID = msg.threadID
		m.chat.assistantID = msg.assistantID
		m.chat.transcript = reducer.ChatState{Messages: msg.history}
		m.chat.ready = true
		m.status = fmt.Sprintf("thread %s", shortID(msg.threadID))

	case sentMsg:
		m.chat.sending = false
		if msg.err != nil {
			m.err = msg.err
			m.logger.Error("send message", "error", msg.err)
			break
		}
		m.err = nil
		base := m.chat.state().WithMessage(msg.user).StartRun(msg.run.RunID, msg.run.CreatedAt)
		if m.chat.watch != nil {
			m.chat.watch.close()
			m.chat.watch = nil
		}
		m.chat.transcript = base
		m.chat.run = msg.run
		w, err := newWatch(m.reg, msg.run.RunID, base, reducer.ReduceChat)
		if err != nil {
			m.err = err
			break
		}
		m.chat.watch = w
		cmds = append(cmds, waitUpdateCmd(m.ctx, w.handle), fetchRunsCmd(m.ctx, m.api))

	case updateMsg:
		if msg.err != nil {
			// The handle was released or the dashboard is shutting down.
			break
		}
		switch {
		case m.chat.watch != nil && m.chat.watch.handle == msg.handle:
			m.chat.watch.apply(msg.update)
			cmds = append(cmds, waitUpdateCmd(m.ctx, msg.handle))
			// Without a bus nothing else refreshes the run, and the tool
			// calls are only in the REST view.
			if m.inval == nil && msg.update.Kind == stream.UpdateEvent && msg.update.Entry.Event.Type == events.TypeRunRequiresAction {
				cmds = append(cmds, fetchRunCmd(m.ctx, m.api, m.limiter, m.chat.watch.runID()))
			}
		case m.traces.watch != nil && m.traces.watch.handle == msg.handle:
			m.traces.watch.apply(msg.update)
			cmds = append(cmds, waitUpdateCmd(m.ctx, msg.handle))
		}

	case invalidationMsg:
		cmds = append(cmds, fetchRunCmd(m.ctx, m.api, m.limiter, msg.notice.RunID), waitInvalidationCmd(m.ctx, m.inval))

	case runMsg:
		if msg.err != nil {
			m.logger.Warn("fetch run", "error", msg.err)
			break
		}
		m.applyRun(*msg.run)

	case runsMsg:
		if msg.err != nil {
			m.logger.Warn("list runs", "error", msg.err)
			break
		}
		m.traces.runs = msg.runs
		if m.traces.cursor >= len(msg.runs) {
			m.traces.cursor = max(len(msg.runs)-1, 0)
		}

	case tickMsg:
		cmds = append(cmds, tickCmd(), fetchRunsCmd(m.ctx, m.api))
	}
	m.render()
	return m, tea.Batch(cmds...)
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return m, tea.Quit
	case "tab":
		if m.tab == tabChat {
			m.tab = tabTraces
			m.chat.input.Blur()
		} else {
			m.tab = tabChat
			m.chat.input.Focus()
		}
		m.render()
		return m, nil
	case "ctrl+r":
		m.retry()
		m.render()
		return m, nil
	}

	if m.tab == tabTraces {
		var cmd tea.Cmd
		switch msg.String() {
		case "q":
			return m, tea.Quit
		case "up", "k":
			if m.traces.cursor > 0 {
				m.traces.cursor--
			}
		case "down", "j":
			if m.traces.cursor < len(m.traces.runs)-1 {
				m.traces.cursor++
			}
		case "r":
			cmd = fetchRunsCmd(m.ctx, m.api)
		case "enter":
			cmd = m.openTrace()
		default:
			m.traces.view, cmd = m.traces.view.Update(msg)
		}
		m.render()
		return m, cmd
	}

	switch msg.String() {
	case "enter":
		cmd := m.submit()
		m.render()
		return m, cmd
	case "pgup", "pgdown":
		var cmd tea.Cmd
		m.chat.view, cmd = m.chat.view.Update(msg)
		return m, cmd
	}
	var cmd tea.Cmd
	m.chat.input, cmd = m.chat.input.Update(msg)
	return m, cmd
}

// submit sends the input as a chat message, or as the tool output of a run
// waiting for one.
func (m *model) submit() tea.Cmd {
	text := strings.TrimSpace(m.chat.input.Value())
	if text == "" || !m.chat.ready || m.chat.sending {
		return nil
	}
	if run := m.chat.run; run != nil && run.Status == client.RunRequiresAction {
		m.chat.input.Reset()
		m.status = "submitting tool output"
		return submitToolsCmd(m.ctx, m.api, *run, text)
	}
	if m.chat.state().Streaming {
		m.status = "wait for the current run to finish"
		return nil
	}
	m.chat.input.Reset()
	m.chat.sending = true
	return sendCmd(m.ctx, m.api, m.chat.threadID, m.chat.assistantID, text)
}

func (m *model) openTrace() tea.Cmd {
	if len(m.traces.runs) == 0 {
		return nil
	}
	runID := m.traces.runs[m.traces.cursor].RunID
	if m.traces.watch != nil {
		if m.traces.watch.runID() == runID {
			return nil
		}
		m.traces.watch.close()
		m.traces.watch = nil
	}
	w, err := newWatch(m.reg, runID, reducer.TraceState{}, reducer.ReduceTrace)
	if err != nil {
		m.err = err
		return nil
	}
	m.traces.watch = w
	return waitUpdateCmd(m.ctx, w.handle)
}

func (m *model) retry() {
	var err error
	switch {
	case m.tab == tabChat && m.chat.watch != nil:
		err = m.chat.watch.retry()
	case m.tab == tabTraces && m.traces.watch != nil:
		err = m.traces.watch.retry()
	default:
		return
	}
	if err != nil {
		m.status = err.Error()
		return
	}
	m.status = "retrying"
}

func (m *model) applyRun(run client.Run) {
	if m.chat.run != nil && m.chat.run.RunID == run.RunID {
		r := run
		m.chat.run = &r
	}
	for i := range m.traces.runs {
		if m.traces.runs[i].RunID == run.RunID {
			m.traces.runs[i] = run
		}
	}
}

func (m *model) resize() {
	w := max(m.width-4, 20)
	h := max(m.height-9, 5)
	m.chat.input.Width = max(w-4, 10)
	m.chat.view.Width = w - 2
	m.chat.view.Height = h
	m.traces.view.Width = max(w-32, 20)
	m.traces.view.Height = h
}

func (m *model) render() {
	m.chat.view.SetContent(m.renderTranscript())
	m.chat.view.GotoBottom()
	m.traces.view.SetContent(m.renderTimeline())
}

func (m model) View() string {
	tabs := []string{m.theme.tabInactive.Render("Chat"), m.theme.tabInactive.Render("Traces")}
	tabs[m.tab] = m.theme.tabActive.Render([]string{"Chat", "Traces"}[m.tab])
	header := lipgloss.JoinHorizontal(lipgloss.Top, m.theme.header.Render("DuraGraph Studio "), tabs[0], " ", tabs[1])

	var body string
	if m.tab == tabChat {
		body = m.viewChat()
	} else {
		body = m.viewTraces()
	}

	footer := m.theme.help.Render(m.status)
	if m.err != nil {
		footer = m.theme.errorText.Render("Error: " + m.err.Error())
	}
	help := m.theme.help.Render("tab switch view · enter send/open · ctrl+r retry stream · ctrl+c quit")
	return lipgloss.JoinVertical(lipgloss.Left, header, body, footer, help)
}

func (m model) viewChat() string {
	line := "No run yet"
	if w := m.chat.watch; w != nil {
		line = fmt.Sprintf("Run %s %s", shortID(w.runID()), m.theme.badge(w.conn))
		if run := m.chat.run; run != nil && run.Status == client.RunRequiresAction {
			line += " " + m.theme.badgeWarn.Render("Waiting for tool output")
		}
		if m.chat.state().Streaming {
			line += " " + m.spinner.View() + " thinking"
		}
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		line,
		m.theme.panel.Render(m.chat.view.View()),
		m.theme.panel.Render(m.chat.input.View()),
	)
}

func (m model) viewTraces() string {
	var list strings.Builder
	list.WriteString(m.theme.panelTitle.Render("Recent runs") + "\n")
	if len(m.traces.runs) == 0 {
		list.WriteString("(no runs)\n")
	}
	for i, run := range m.traces.runs {
		row := fmt.Sprintf("%s %s", shortID(run.RunID), m.theme.status(string(run.Status)).Render(string(run.Status)))
		if i == m.traces.cursor {
			row = m.theme.selected.Render("> ") + row
		} else {
			row = "  " + row
		}
		list.WriteString(row + "\n")
	}

	title := "Select a run and press enter"
	if w := m.traces.watch; w != nil {
		mode := m.theme.badgeIdle.Render("Static")
		if w.conn.Status.Live() {
			mode = m.theme.badgeOK.Render("Live")
		}
		title = fmt.Sprintf("Run %s %s %s %d events", shortID(w.runID()), mode, m.theme.badge(w.conn), w.events)
	}
	right := lipgloss.JoinVertical(lipgloss.Left, title, m.traces.view.View())
	return lipgloss.JoinHorizontal(lipgloss.Top,
		m.theme.panel.Width(28).Render(list.String()),
		m.theme.panel.Render(right),
	)
}

func (m model) renderTranscript() string {
	state := m.chat.state()
	if len(state.Messages) == 0 {
		return "No messages yet."
	}
	var b strings.Builder
	for _, msg := range state.Messages {
		style := m.theme.assistant
		if msg.Role == reducer.RoleUser {
			style = m.theme.user
		}
		b.WriteString(style.Render(string(msg.Role)))
		b.WriteString("\n")
		content := msg.Content
		if content == "" && msg.ID == state.RunID && state.Streaming {
			content = "..."
		}
		b.WriteString(content)
		b.WriteString("\n\n")
	}
	return strings.TrimSpace(b.String())
}

func (m model) renderTimeline() string {
	w := m.traces.watch
	if w == nil {
		return ""
	}
	steps := w.state().Steps
	if len(steps) == 0 {
		return "Waiting for events..."
	}
	var b strings.Builder
	for _, step := range steps {
		name := "run"
		if step.Kind == reducer.StepNode {
			name = "node " + step.NodeID
		}
		fmt.Fprintf(&b, "%4d %-14s %s %s\n", step.Seq, name, m.theme.status(step.Status).Render(step.Status), shortTime(step.Timestamp))
		if len(step.Output) > 0 {
			fmt.Fprintf(&b, "     output %s\n", truncate(string(step.Output), 80))
		}
		if step.Error != "" {
			fmt.Fprintf(&b, "     error  %s\n", m.theme.errorText.Render(step.Error))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func shortTime(ts string) string {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, ts); err == nil {
			return t.Local().Format("15:04:05")
		}
	}
	return ts
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
