// Package tui is the optional live dashboard of a running poller.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/pengelbrecht/tickrelay/internal/poller"
)

// maxEvents bounds the event log kept in memory.
const maxEvents = 500

// Stopper asks the poll loop to stop between cycles.
type Stopper interface {
	Stop()
}

// Config holds dashboard configuration.
type Config struct {
	Tracker  string
	Scope    string
	Interval time.Duration
	DryRun   bool
}

// Message types for dashboard updates from the poll loop.
type (
	// CycleStartMsg signals a new cycle started.
	CycleStartMsg struct {
		Cycle int
	}

	// CycleEndMsg signals a cycle completed.
	CycleEndMsg struct {
		Summary poller.CycleSummary
		Stats   poller.Stats
	}

	// TaskMsg carries one task event.
	TaskMsg poller.TaskEvent

	// StoppedMsg signals the loop has returned.
	StoppedMsg struct {
		Stats poller.Stats
		Err   error
	}
)

// Model is the dashboard model.
type Model struct {
	cfg     Config
	stopper Stopper

	cycling  bool
	stopping bool
	quitting bool
	cycle    int
	last     poller.CycleSummary
	stats    poller.Stats
	err      error
	events   []string

	keys     KeyMap
	help     help.Model
	spinner  spinner.Model
	viewport viewport.Model

	width  int
	height int
	now    func() time.Time
}

// New creates a dashboard model.
func New(cfg Config, stopper Stopper) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(primaryColor)

	h := help.New()
	h.Styles.ShortKey = footerStyle.Bold(true)
	h.Styles.ShortDesc = footerStyle

	vp := viewport.New(80, 10)
	vp.SetContent("Waiting for the first cycle...")

	return Model{
		cfg:      cfg,
		stopper:  stopper,
		keys:     DefaultKeyMap(),
		help:     h,
		spinner:  sp,
		viewport: vp,
		now:      time.Now,
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		m.viewport.Width = max(msg.Width-4, 20)
		m.viewport.Height = max(msg.Height-9, 3)
		m.viewport.SetContent(m.eventLog())

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.ForceQuit):
			m.quitting = true
			m.requestStop()
			return m, tea.Quit
		case key.Matches(msg, m.keys.Quit):
			m.requestStop()
			return m, nil
		case key.Matches(msg, m.keys.Help):
			m.help.ShowAll = !m.help.ShowAll
			return m, nil
		case key.Matches(msg, m.keys.Top):
			m.viewport.GotoTop()
			return m, nil
		case key.Matches(msg, m.keys.Bottom):
			m.viewport.GotoBottom()
			return m, nil
		}
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd

	case CycleStartMsg:
		m.cycling = true
		m.cycle = msg.Cycle

	case CycleEndMsg:
		m.cycling = false
		m.last = msg.Summary
		m.stats = msg.Stats
		if msg.Summary.Err != nil {
			m.addEvent(errorStyle.Render(fmt.Sprintf("cycle %d: %v", msg.Summary.Cycle, msg.Summary.Err)))
		}

	case TaskMsg:
		m.addEvent(formatEvent(poller.TaskEvent(msg)))

	case StoppedMsg:
		m.stats = msg.Stats
		m.err = msg.Err
		m.quitting = true
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

func (m *Model) requestStop() {
	if m.stopping {
		return
	}
	m.stopping = true
	if m.stopper != nil {
		m.stopper.Stop()
	}
}

func (m *Model) addEvent(line string) {
	stamp := timeStyle.Render(m.now().Format("15:04:05"))
	m.events = append(m.events, stamp+" "+line)
	if len(m.events) > maxEvents {
		m.events = m.events[len(m.events)-maxEvents:]
	}
	atBottom := m.viewport.AtBottom()
	m.viewport.SetContent(m.eventLog())
	if atBottom {
		m.viewport.GotoBottom()
	}
}

func (m Model) eventLog() string {
	if len(m.events) == 0 {
		return "Waiting for the first cycle..."
	}
	return strings.Join(m.events, "\n")
}

func formatEvent(ev poller.TaskEvent) string {
	switch ev.Stage {
	case poller.StageClaimed:
		return claimStyle.Render("claimed ") + fmt.Sprintf(" %s %s (%s)", ev.TaskID, ev.Title, ev.CorrelationID)
	case poller.StageDispatched:
		return successStyle.Render("started ") + fmt.Sprintf(" %s -> %s [%s] pid %d", ev.TaskID, ev.Worktree, ev.Workflow, ev.PID)
	case poller.StageFailed:
		return errorStyle.Render("failed  ") + fmt.Sprintf(" %s: %v", ev.TaskID, ev.Err)
	case poller.StageSkipped:
		return warnStyle.Render("skipped ") + fmt.Sprintf(" %s: %v", ev.TaskID, ev.Err)
	}
	return fmt.Sprintf("%s %s", ev.Stage, ev.TaskID)
}

// View implements tea.Model.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	title := fmt.Sprintf("tickrelay · %s %s", m.cfg.Tracker, m.cfg.Scope)
	if m.cfg.DryRun {
		title += " (dry run)"
	}

	var state string
	switch {
	case m.stopping && m.cycling:
		state = warnStyle.Render("stopping after this cycle " + m.spinner.View())
	case m.stopping:
		state = warnStyle.Render("stopping")
	case m.cycling:
		state = m.spinner.View() + fmt.Sprintf(" cycle %d", m.cycle)
	default:
		state = statusLabelStyle.Render(fmt.Sprintf("idle, polling every %s", m.cfg.Interval))
	}

	header := lipgloss.JoinHorizontal(lipgloss.Center, headerStyle.Render(title), " ", state)

	status := statusBarStyle.Render(strings.Join([]string{
		stat("checks", m.stats.Checks),
		stat("started", m.stats.TasksStarted),
		stat("worktrees", m.stats.WorktreesCreated),
		stat("updates", m.stats.TrackerUpdates),
		stat("errors", m.stats.Errors),
		stat("skipped", m.stats.Skipped),
	}, "  "))

	panel := panelStyle.Width(max(m.width-2, 20)).Render(m.viewport.View())

	return lipgloss.JoinVertical(lipgloss.Left, header, status, panel, m.help.View(m.keys))
}

func stat(label string, n int) string {
	return statusLabelStyle.Render(label+": ") + statusItemStyle.Render(fmt.Sprintf("%d", n))
}
