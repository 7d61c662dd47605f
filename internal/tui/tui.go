package tui

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/pengelbrecht/tickrelay/internal/poller"
)

// Attach forwards the loop's callbacks to p.
func Attach(p *tea.Program, l *poller.Loop) {
	l.OnCycleStart = func(cycle int) {
		p.Send(CycleStartMsg{Cycle: cycle})
	}
	l.OnCycleEnd = func(sum poller.CycleSummary) {
		p.Send(CycleEndMsg{Summary: sum, Stats: l.Stats()})
	}
	l.OnTask = func(ev poller.TaskEvent) {
		p.Send(TaskMsg(ev))
	}
}

// Run shows the dashboard while l runs continuously. It returns when the
// loop has stopped.
func Run(ctx context.Context, l *poller.Loop, cfg Config) error {
	p := tea.NewProgram(New(cfg, l), tea.WithAltScreen())
	Attach(p, l)

	loopErr := make(chan error, 1)
	go func() {
		err := l.RunContinuous(ctx)
		p.Send(StoppedMsg{Stats: l.Stats(), Err: err})
		loopErr <- err
	}()

	if _, err := p.Run(); err != nil {
		l.Stop()
		<-loopErr
		return fmt.Errorf("dashboard: %w", err)
	}

	// A forced quit leaves the loop finishing its current cycle.
	l.Stop()
	return <-loopErr
}
