// Package dispatch launches workflow runs as detached processes. The poll
// loop submits a run and moves on; it never waits for the workflow to end.
package dispatch

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pengelbrecht/tickrelay/internal/claim"
	"github.com/pengelbrecht/tickrelay/internal/routing"
	"github.com/pengelbrecht/tickrelay/internal/tracker"
)

// Environment variables added to every launched workflow.
const (
	EnvTracker       = "TICKRELAY_TRACKER"
	EnvCorrelationID = "TICKRELAY_CORRELATION_ID"
	EnvTaskID        = "TICKRELAY_TASK_ID"
)

// LogFileName is the per-run log file under the log dir.
const LogFileName = "dispatch.log"

// ErrNoEntryPoint is returned when no command is configured for a workflow.
var ErrNoEntryPoint = errors.New("no entry point configured for workflow")

// Result is the outcome of a launch.
type Result struct {
	OK  bool
	PID int
	Err error
}

// Options configures a Dispatcher.
type Options struct {
	// BuildCommand and FullCommand are the entry points, program first.
	BuildCommand []string
	FullCommand  []string

	// WorkDir is the working directory of launched workflows.
	WorkDir string

	// LogDir receives <id>/dispatch.log per run. Empty discards output.
	LogDir string

	// Tracker is exported to the workflow as TICKRELAY_TRACKER.
	Tracker string

	DryRun bool

	// OnExit is called once the launched process has exited, from a
	// background goroutine. Dry-run launches call it immediately.
	OnExit func(id string, err error)

	Logger *slog.Logger
}

// Dispatcher launches workflows.
type Dispatcher struct {
	opts   Options
	logger *slog.Logger
}

// New creates a Dispatcher.
func New(opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{opts: opts, logger: logger}
}

// Args builds the positional argument contract for a claimed run:
// correlation id, task id, prompt, worktree, [prototype], model, scope id.
// The prototype slot exists only for the full workflow.
func Args(rec *claim.Record) []string {
	args := []string{rec.ID, rec.TaskID, rec.Prompt, rec.Worktree}
	if rec.Workflow == routing.WorkflowFull {
		args = append(args, rec.Prototype)
	}
	return append(args, rec.Model, rec.ScopeID)
}

// Command returns the full command line for a run.
func (d *Dispatcher) Command(rec *claim.Record) ([]string, error) {
	entry := d.opts.BuildCommand
	if rec.Workflow == routing.WorkflowFull {
		entry = d.opts.FullCommand
	}
	if len(entry) == 0 || strings.TrimSpace(entry[0]) == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoEntryPoint, rec.Workflow)
	}
	return append(append([]string(nil), entry...), Args(rec)...), nil
}

// Dispatch starts the workflow for a claimed task and returns without
// waiting for it. Launch failures are returned, not retried.
func (d *Dispatcher) Dispatch(rec *claim.Record, task *tracker.Task) Result {
	logger := d.logger.With("task_id", task.ID, "correlation_id", rec.ID, "workflow", rec.Workflow)

	argv, err := d.Command(rec)
	if err != nil {
		return Result{Err: err}
	}

	if d.opts.DryRun {
		logger.Info("dry run: would launch workflow", "command", quote(argv))
		d.exited(rec.ID, nil)
		return Result{OK: true}
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = d.opts.WorkDir
	cmd.Env = append(os.Environ(),
		EnvTracker+"="+d.opts.Tracker,
		EnvCorrelationID+"="+rec.ID,
		EnvTaskID+"="+rec.TaskID,
	)
	detach(cmd)

	// Nil stdio is connected to the null device by os/exec.
	var logFile *os.File
	if d.opts.LogDir != "" {
		logFile, err = openLog(d.opts.LogDir, rec.ID)
		if err != nil {
			return Result{Err: err}
		}
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}

	err = cmd.Start()
	if logFile != nil {
		// The child holds its own descriptor.
		logFile.Close()
	}
	if err != nil {
		logger.Error("workflow launch failed", "command", argv[0], "error", err)
		return Result{Err: fmt.Errorf("launch %s: %w", argv[0], err)}
	}

	pid := cmd.Process.Pid
	logger.Info("launched workflow", "pid", pid, "worktree", rec.Worktree, "model", rec.Model)

	go func() {
		err := cmd.Wait()
		logger.Debug("workflow exited", "pid", pid, "error", err)
		d.exited(rec.ID, err)
	}()

	return Result{OK: true, PID: pid}
}

func (d *Dispatcher) exited(id string, err error) {
	if d.opts.OnExit != nil {
		d.opts.OnExit(id, err)
	}
}

func openLog(dir, id string) (*os.File, error) {
	runDir := filepath.Join(dir, id)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(runDir, LogFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open dispatch log: %w", err)
	}
	return f, nil
}

// quote renders argv for logging.
func quote(argv []string) string {
	parts := make([]string, len(argv))
	for i, a := range argv {
		if a == "" || strings.ContainsAny(a, " \t\n\"'") {
			parts[i] = fmt.Sprintf("%q", a)
		} else {
			parts[i] = a
		}
	}
	return strings.Join(parts, " ")
}
