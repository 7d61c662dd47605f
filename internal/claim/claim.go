// Package claim implements the claim-before-work handshake: a task is moved
// to in-progress on the tracker, with run metadata attached, before any
// local side effect happens.
//
// The status write is a soft lock only. Nothing verifies that a concurrent
// poller did not claim the same task between fetch and write; operators run
// one poller per tracker scope.
package claim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pengelbrecht/tickrelay/internal/routing"
	"github.com/pengelbrecht/tickrelay/internal/tracker"
)

// AgentName identifies this poller in tracker notes.
const AgentName = "tickrelay"

// maxIDAttempts bounds id regeneration on local collisions.
const maxIDAttempts = 16

var (
	// ErrClaimFailed wraps any failure to write the claim to the tracker.
	ErrClaimFailed = errors.New("claim failed")

	// ErrIDExhausted means no free correlation id could be found.
	ErrIDExhausted = errors.New("no free correlation id")
)

// Planner resolves how a task is executed.
type Planner interface {
	Plan(ctx context.Context, task *tracker.Task, id string) routing.Route
}

// Record is one successful claim. It lives only for the dispatch attempt
// that created it; the tracker holds the durable copy.
type Record struct {
	ID        string // correlation id
	TaskID    string
	ScopeID   string // project or database id
	ClaimedAt time.Time
	Model     string
	Worktree  string
	Workflow  routing.Workflow
	Prototype string
	Prompt    string
	DryRun    bool
}

// Options configures a Coordinator.
type Options struct {
	DryRun bool
	IDs    *IDGenerator
	Active *ActiveSet
	Logger *slog.Logger

	// Now returns the claim timestamp. Defaults to time.Now.
	Now func() time.Time
}

// Coordinator claims and reverts tasks on one tracker.
type Coordinator struct {
	tracker tracker.Tracker
	planner Planner
	ids     *IDGenerator
	active  *ActiveSet
	dryRun  bool
	now     func() time.Time
	logger  *slog.Logger
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(t tracker.Tracker, p Planner, opts Options) *Coordinator {
	if opts.IDs == nil {
		opts.IDs = NewIDGenerator()
	}
	if opts.Active == nil {
		opts.Active = NewActiveSet()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Coordinator{
		tracker: t,
		planner: p,
		ids:     opts.IDs,
		active:  opts.Active,
		dryRun:  opts.DryRun,
		now:     opts.Now,
		logger:  opts.Logger,
	}
}

// Active returns the set of correlation ids in use.
func (c *Coordinator) Active() *ActiveSet {
	return c.active
}

// Claim issues a correlation id, resolves the route and writes the
// in-progress status. On failure the active set is left untouched and the
// returned error wraps ErrClaimFailed.
func (c *Coordinator) Claim(ctx context.Context, task *tracker.Task) (*Record, error) {
	id, err := c.nextID()
	if err != nil {
		return nil, fmt.Errorf("%w: task %s: %w", ErrClaimFailed, task.ID, err)
	}

	route := c.planner.Plan(ctx, task, id)
	rec := &Record{
		ID:        id,
		TaskID:    task.ID,
		ScopeID:   c.tracker.ScopeID(),
		ClaimedAt: c.now(),
		Model:     route.Model,
		Worktree:  route.Worktree,
		Workflow:  route.Workflow,
		Prototype: route.Prototype,
		Prompt:    route.Prompt,
		DryRun:    c.dryRun,
	}

	logger := c.logger.With("task_id", task.ID, "correlation_id", id)
	label := c.tracker.Statuses().ToRemote(tracker.StatusInProgress)
	note := FormatNote(rec, tracker.StatusInProgress, label, rec.ClaimedAt, nil)

	if c.dryRun {
		logger.Info("dry run: would claim task", "status", label, "model", rec.Model, "worktree", rec.Worktree, "workflow", rec.Workflow)
	} else if err := c.tracker.UpdateStatus(ctx, task.ID, tracker.StatusInProgress, note); err != nil {
		logger.Warn("claim write failed", "error", err)
		return nil, fmt.Errorf("%w: task %s: %w", ErrClaimFailed, task.ID, err)
	}

	c.active.Add(id)
	logger.Info("claimed task", "model", rec.Model, "worktree", rec.Worktree, "workflow", rec.Workflow)
	return rec, nil
}

// Revert moves a claimed task to the failed status with cause attached and
// releases its correlation id. It makes a single attempt.
func (c *Coordinator) Revert(ctx context.Context, task *tracker.Task, rec *Record, cause error) error {
	defer c.active.Remove(rec.ID)

	logger := c.logger.With("task_id", task.ID, "correlation_id", rec.ID)
	label := c.tracker.Statuses().ToRemote(tracker.StatusFailed)
	note := FormatNote(rec, tracker.StatusFailed, label, c.now(), cause)

	if c.dryRun {
		logger.Info("dry run: would revert claim", "status", label, "cause", cause)
		return nil
	}
	if err := c.tracker.UpdateStatus(ctx, task.ID, tracker.StatusFailed, note); err != nil {
		logger.Error("revert failed, task may stay claimed", "cause", cause, "error", err)
		return fmt.Errorf("revert task %s: %w", task.ID, err)
	}
	logger.Info("reverted claim", "status", label, "cause", cause)
	return nil
}

// Release frees a correlation id once its run has finished.
func (c *Coordinator) Release(id string) {
	c.active.Remove(id)
}

func (c *Coordinator) nextID() (string, error) {
	for i := 0; i < maxIDAttempts; i++ {
		id := c.ids.Next()
		if !c.active.Contains(id) {
			return id, nil
		}
		c.logger.Debug("correlation id collision, regenerating", "id", id)
	}
	return "", ErrIDExhausted
}
