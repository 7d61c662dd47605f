package poller

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// Reporter prints one line per task event and cycle for headless runs.
// Output is either human-readable with [PREFIX] tags or JSON Lines.
type Reporter struct {
	jsonl   bool
	writer  io.Writer
	tracker string

	ok    lipgloss.Style
	fail  lipgloss.Style
	muted lipgloss.Style
}

// NewReporter creates a Reporter writing to stdout.
func NewReporter(jsonl bool, trackerName string) *Reporter {
	r := &Reporter{jsonl: jsonl, tracker: trackerName}
	r.SetWriter(os.Stdout)
	return r
}

// SetWriter sets a custom writer (mainly for testing). Colors are only
// emitted when w is a terminal.
func (r *Reporter) SetWriter(w io.Writer) {
	r.writer = w
	renderer := lipgloss.NewRenderer(w)
	r.ok = renderer.NewStyle().Foreground(lipgloss.Color("78"))
	r.fail = renderer.NewStyle().Foreground(lipgloss.Color("196"))
	r.muted = renderer.NewStyle().Foreground(lipgloss.Color("241"))
}

func (r *Reporter) prefix() string {
	if r.tracker != "" {
		return fmt.Sprintf("[%s] ", r.tracker)
	}
	return ""
}

// Task reports a task event.
func (r *Reporter) Task(ev TaskEvent) {
	if r.jsonl {
		m := map[string]interface{}{
			"type":    "task",
			"cycle":   ev.Cycle,
			"task_id": ev.TaskID,
			"stage":   string(ev.Stage),
			"at":      ev.At.Format(time.RFC3339),
		}
		if ev.CorrelationID != "" {
			m["correlation_id"] = ev.CorrelationID
		}
		if ev.Worktree != "" {
			m["worktree"] = ev.Worktree
			m["workflow"] = ev.Workflow
		}
		if ev.PID > 0 {
			m["pid"] = ev.PID
		}
		if ev.Err != nil {
			m["error"] = ev.Err.Error()
		}
		r.writeJSON(m)
		return
	}

	switch ev.Stage {
	case StageClaimed:
		fmt.Fprintf(r.writer, "%s[CLAIM] %s - %s (%s)\n", r.prefix(), ev.TaskID, ev.Title, ev.CorrelationID)
	case StageDispatched:
		fmt.Fprintf(r.writer, "%s%s %s -> %s [%s] pid %d\n", r.prefix(), r.ok.Render("[DISPATCH]"), ev.TaskID, ev.Worktree, ev.Workflow, ev.PID)
	case StageFailed:
		fmt.Fprintf(r.writer, "%s%s %s: %v\n", r.prefix(), r.fail.Render("[FAILED]"), ev.TaskID, ev.Err)
	case StageSkipped:
		fmt.Fprintf(r.writer, "%s%s %s: %v\n", r.prefix(), r.muted.Render("[SKIP]"), ev.TaskID, ev.Err)
	}
}

// Cycle reports the end of a cycle.
func (r *Reporter) Cycle(sum CycleSummary, stats Stats) {
	if r.jsonl {
		m := map[string]interface{}{
			"type":        "cycle",
			"cycle":       sum.Cycle,
			"fetched":     sum.Fetched,
			"eligible":    sum.Eligible,
			"started":     sum.Started,
			"errors":      sum.Errors,
			"duration_ms": sum.Duration.Milliseconds(),
			"total":       statsMap(stats),
		}
		if sum.Err != nil {
			m["error"] = sum.Err.Error()
		}
		r.writeJSON(m)
		return
	}
	if sum.Err != nil {
		fmt.Fprintf(r.writer, "%s%s cycle %d: %v\n", r.prefix(), r.fail.Render("[ERROR]"), sum.Cycle, sum.Err)
		return
	}
	if sum.Eligible == 0 {
		fmt.Fprintf(r.writer, "%s%s\n", r.prefix(), r.muted.Render(fmt.Sprintf("[CYCLE %d] no eligible tasks", sum.Cycle)))
		return
	}
	fmt.Fprintf(r.writer, "%s[CYCLE %d] %d eligible, %d started, %d errors\n", r.prefix(), sum.Cycle, sum.Eligible, sum.Started, sum.Errors)
}

// Final reports the totals when the loop stops.
func (r *Reporter) Final(stats Stats) {
	if r.jsonl {
		m := statsMap(stats)
		m["type"] = "stopped"
		r.writeJSON(m)
		return
	}
	uptime := time.Duration(0)
	if !stats.StartedAt.IsZero() && !stats.LastCycle.IsZero() {
		uptime = stats.LastCycle.Sub(stats.StartedAt).Round(time.Second)
	}
	fmt.Fprintf(r.writer, "%s[STOPPED] %d checks, %d tasks started, %d worktrees created, %d tracker updates, %d errors, %d skipped (up %s)\n",
		r.prefix(), stats.Checks, stats.TasksStarted, stats.WorktreesCreated, stats.TrackerUpdates, stats.Errors, stats.Skipped, uptime)
}

func statsMap(s Stats) map[string]interface{} {
	return map[string]interface{}{
		"checks":            s.Checks,
		"tasks_started":     s.TasksStarted,
		"worktrees_created": s.WorktreesCreated,
		"tracker_updates":   s.TrackerUpdates,
		"errors":            s.Errors,
		"skipped":           s.Skipped,
	}
}

// writeJSON writes a JSON object followed by a newline.
func (r *Reporter) writeJSON(data map[string]interface{}) {
	b, err := json.Marshal(data)
	if err != nil {
		return
	}
	r.writer.Write(b)
	r.writer.Write([]byte("\n"))
}
