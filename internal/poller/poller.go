// Package poller drives the poll cycle: fetch tasks from a tracker, keep
// the eligible ones, and for each claim it, make sure its worktree exists and
// launch its workflow.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pengelbrecht/tickrelay/internal/claim"
	"github.com/pengelbrecht/tickrelay/internal/dispatch"
	"github.com/pengelbrecht/tickrelay/internal/tracker"
)

// Defaults for Config.
const (
	DefaultInterval   = 15 * time.Second
	DefaultMaxTasks   = 3
	DefaultFetchLimit = 50
	DefaultTaskDelay  = 1 * time.Second
)

// Config configures a Loop.
type Config struct {
	// Interval is the pause between cycles in continuous mode.
	Interval time.Duration

	// MaxTasks caps the tasks started per cycle.
	MaxTasks int

	// FetchLimit caps the tasks fetched per cycle.
	FetchLimit int

	// TaskDelay is the pause between two tasks of one cycle.
	TaskDelay time.Duration

	// WorktreeTarget is the default base ref for new worktrees. A task's
	// "base" directive overrides it.
	WorktreeTarget string

	DryRun bool
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.MaxTasks <= 0 {
		c.MaxTasks = DefaultMaxTasks
	}
	if c.FetchLimit <= 0 {
		c.FetchLimit = DefaultFetchLimit
	}
	if c.TaskDelay < 0 {
		c.TaskDelay = 0
	}
}

// Router decides which tasks are picked up.
type Router interface {
	IsEligible(task *tracker.Task) bool
	Statuses() []string
	SetStatuses(pickup, review []string)
}

// Claimer claims tasks and reverts failed claims.
type Claimer interface {
	Claim(ctx context.Context, task *tracker.Task) (*claim.Record, error)
	Revert(ctx context.Context, task *tracker.Task, rec *claim.Record, cause error) error
}

// WorktreeResolver ensures a worktree exists.
type WorktreeResolver interface {
	Ensure(ctx context.Context, name, target string) (bool, error)
}

// Dispatcher launches a claimed run.
type Dispatcher interface {
	Dispatch(rec *claim.Record, task *tracker.Task) dispatch.Result
}

// Stats are counters accumulated over the life of a Loop.
type Stats struct {
	Checks           int
	TasksStarted     int
	WorktreesCreated int
	TrackerUpdates   int
	Errors           int
	Skipped          int
	StartedAt        time.Time
	LastCycle        time.Time
}

// Stage identifies where a task is in the claim/dispatch sequence.
type Stage string

const (
	StageClaimed    Stage = "claimed"
	StageDispatched Stage = "dispatched"
	StageFailed     Stage = "failed"
	StageSkipped    Stage = "skipped"
)

// TaskEvent reports progress on one task.
type TaskEvent struct {
	Cycle         int
	TaskID        string
	Title         string
	CorrelationID string
	Stage         Stage
	Worktree      string
	Workflow      string
	PID           int
	Err           error
	At            time.Time
}

// CycleSummary reports the outcome of one cycle.
type CycleSummary struct {
	Cycle    int
	Fetched  int
	Eligible int
	Started  int
	Errors   int
	Duration time.Duration
	Err      error
}

// Deps are the collaborators of a Loop.
type Deps struct {
	Tracker    tracker.Tracker
	Router     Router
	Claims     Claimer
	Worktrees  WorktreeResolver
	Dispatcher Dispatcher
	Reporter   *Reporter
	Logger     *slog.Logger
}

type reconfig struct {
	pickup, review []string
	interval       time.Duration
	maxTasks       int
}

// Loop is one tracker's poll loop. RunOnce and RunContinuous must not be
// called concurrently.
type Loop struct {
	tracker    tracker.Tracker
	router     Router
	claims     Claimer
	worktrees  WorktreeResolver
	dispatcher Dispatcher
	reporter   *Reporter
	logger     *slog.Logger

	// Callbacks for TUI integration (optional)
	OnCycleStart func(cycle int)
	OnTask       func(ev TaskEvent)
	OnCycleEnd   func(sum CycleSummary)

	mu      sync.Mutex
	cfg     Config
	stats   Stats
	pending *reconfig

	stopped atomic.Bool
	wake    chan struct{}

	// Replaced in tests.
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	notify func(c chan<- os.Signal)
}

// New creates a Loop.
func New(cfg Config, deps Deps) *Loop {
	cfg.applyDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		tracker:    deps.Tracker,
		router:     deps.Router,
		claims:     deps.Claims,
		worktrees:  deps.Worktrees,
		dispatcher: deps.Dispatcher,
		reporter:   deps.Reporter,
		logger:     logger.With("tracker", deps.Tracker.Name(), "scope", deps.Tracker.ScopeID()),
		cfg:        cfg,
		wake:       make(chan struct{}, 1),
		now:        time.Now,
		sleep:      sleepContext,
		notify: func(c chan<- os.Signal) {
			signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		},
	}
}

// Stats returns a snapshot of the counters.
func (l *Loop) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// Stop asks a continuous loop to stop after the current cycle. The interval
// sleep is cut short.
func (l *Loop) Stop() {
	l.stopped.Store(true)
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Stopping reports whether Stop has been called.
func (l *Loop) Stopping() bool {
	return l.stopped.Load()
}

// Reconfigure replaces statuses, interval and per-cycle cap. The change is
// applied before the next cycle starts. Zero values keep the current
// setting.
func (l *Loop) Reconfigure(pickup, review []string, interval time.Duration, maxTasks int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending = &reconfig{pickup: pickup, review: review, interval: interval, maxTasks: maxTasks}
}

func (l *Loop) applyPending() {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := l.pending
	if p == nil {
		return
	}
	l.pending = nil
	if len(p.pickup) > 0 || len(p.review) > 0 {
		l.router.SetStatuses(p.pickup, p.review)
	}
	if p.interval > 0 {
		l.cfg.Interval = p.interval
	}
	if p.maxTasks > 0 {
		l.cfg.MaxTasks = p.maxTasks
	}
	l.logger.Info("configuration reloaded", "interval", l.cfg.Interval, "max_tasks", l.cfg.MaxTasks, "statuses", l.router.Statuses())
}

// RunOnce runs a single cycle and returns the number of tasks dispatched.
// Per-task failures are counted and logged, never returned. The error is
// non-nil only when ctx is cancelled.
func (l *Loop) RunOnce(ctx context.Context) (int, error) {
	l.applyPending()

	l.mu.Lock()
	cfg := l.cfg
	l.stats.Checks++
	cycle := l.stats.Checks
	if l.stats.StartedAt.IsZero() {
		l.stats.StartedAt = l.now()
	}
	l.mu.Unlock()

	start := l.now()
	logger := l.logger.With("cycle", cycle)
	logger.Debug("starting poll cycle")
	if l.OnCycleStart != nil {
		l.OnCycleStart(cycle)
	}

	sum := CycleSummary{Cycle: cycle}
	defer func() {
		sum.Duration = l.now().Sub(start)
		l.mu.Lock()
		l.stats.LastCycle = l.now()
		l.mu.Unlock()
		if l.OnCycleEnd != nil {
			l.OnCycleEnd(sum)
		}
		if l.reporter != nil {
			l.reporter.Cycle(sum, l.Stats())
		}
	}()

	batch, err := l.tracker.List(ctx, tracker.Filter{Statuses: l.router.Statuses(), Limit: cfg.FetchLimit})
	if err != nil {
		if ctx.Err() != nil {
			sum.Err = ctx.Err()
			return 0, ctx.Err()
		}
		logger.Error("fetching tasks failed", "error", err, "retryable", tracker.IsRetryable(err))
		l.count(func(s *Stats) { s.Errors++ })
		sum.Errors++
		sum.Err = err
		return 0, nil
	}
	sum.Fetched = len(batch.Tasks)

	for _, sk := range batch.Skipped {
		logger.Warn("skipping malformed record", "task_id", sk.ID, "error", sk.Err)
		l.emit(TaskEvent{Cycle: cycle, TaskID: sk.ID, Stage: StageSkipped, Err: sk.Err})
	}
	l.count(func(s *Stats) { s.Skipped += len(batch.Skipped) })

	var eligible []*tracker.Task
	for i := range batch.Tasks {
		if l.router.IsEligible(&batch.Tasks[i]) {
			eligible = append(eligible, &batch.Tasks[i])
		}
	}
	sum.Eligible = len(eligible)
	if len(eligible) == 0 {
		logger.Debug("no eligible tasks", "fetched", sum.Fetched)
		return 0, nil
	}
	if len(eligible) > cfg.MaxTasks {
		logger.Info("capping tasks for this cycle", "eligible", len(eligible), "max_tasks", cfg.MaxTasks)
		eligible = eligible[:cfg.MaxTasks]
	}
	logger.Info("found eligible tasks", "count", len(eligible))

	for i, task := range eligible {
		if i > 0 && cfg.TaskDelay > 0 {
			if err := l.sleep(ctx, cfg.TaskDelay); err != nil {
				sum.Err = err
				return sum.Started, err
			}
		}
		ok, errs := l.process(ctx, cycle, cfg, task)
		sum.Errors += errs
		if ok {
			sum.Started++
		}
	}

	return sum.Started, nil
}

// process runs claim, worktree and dispatch for one task. It returns
// whether the workflow was launched and how many errors were counted.
func (l *Loop) process(ctx context.Context, cycle int, cfg Config, task *tracker.Task) (bool, int) {
	logger := l.logger.With("cycle", cycle, "task_id", task.ID)
	ev := TaskEvent{Cycle: cycle, TaskID: task.ID, Title: task.Title}

	rec, err := l.claims.Claim(ctx, task)
	if err != nil {
		logger.Warn("claim failed, skipping task this cycle", "error", err)
		l.count(func(s *Stats) { s.Errors++ })
		ev.Stage, ev.Err = StageFailed, err
		l.emit(ev)
		return false, 1
	}
	if !cfg.DryRun {
		l.count(func(s *Stats) { s.TrackerUpdates++ })
	}
	ev.CorrelationID = rec.ID
	ev.Worktree = rec.Worktree
	ev.Workflow = string(rec.Workflow)
	ev.Stage = StageClaimed
	l.emit(ev)

	target := task.Directive("base")
	if target == "" {
		target = cfg.WorktreeTarget
	}
	created, err := l.worktrees.Ensure(ctx, rec.Worktree, target)
	if err != nil {
		return false, l.fail(ctx, logger, cfg, task, rec, ev, fmt.Errorf("worktree %s: %w", rec.Worktree, err))
	}
	if created {
		l.count(func(s *Stats) { s.WorktreesCreated++ })
	}

	res := l.dispatcher.Dispatch(rec, task)
	if !res.OK {
		cause := res.Err
		if cause == nil {
			cause = fmt.Errorf("dispatch failed")
		}
		return false, l.fail(ctx, logger, cfg, task, rec, ev, cause)
	}

	l.count(func(s *Stats) { s.TasksStarted++ })
	ev.Stage, ev.PID = StageDispatched, res.PID
	l.emit(ev)
	logger.Info("task dispatched", "correlation_id", rec.ID, "worktree", rec.Worktree, "workflow", rec.Workflow, "pid", res.PID)
	return true, 0
}

// fail reverts a claim after a post-claim failure and returns the number of
// errors counted.
func (l *Loop) fail(ctx context.Context, logger *slog.Logger, cfg Config, task *tracker.Task, rec *claim.Record, ev TaskEvent, cause error) int {
	logger.Error("task failed after claim, reverting", "correlation_id", rec.ID, "error", cause)
	errs := 1
	// The revert must reach the tracker even when the cycle was cancelled.
	if err := l.claims.Revert(context.WithoutCancel(ctx), task, rec, cause); err != nil {
		errs++
	} else if !cfg.DryRun {
		l.count(func(s *Stats) { s.TrackerUpdates++ })
	}
	l.count(func(s *Stats) { s.Errors += errs })

	ev.Stage, ev.Err = StageFailed, cause
	l.emit(ev)
	return errs
}

// RunSingle runs one cycle like RunOnce. SIGINT and SIGTERM received
// meanwhile are logged and do not cut the cycle short.
func (l *Loop) RunSingle(ctx context.Context) (int, error) {
	defer l.watchSignals()()
	return l.RunOnce(ctx)
}

// watchSignals turns SIGINT and SIGTERM into Stop. The returned func
// uninstalls the handler.
func (l *Loop) watchSignals() func() {
	sigCh := make(chan os.Signal, 1)
	l.notify(sigCh)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case sig := <-sigCh:
				if l.Stopping() {
					l.logger.Warn("already stopping, waiting for the current cycle", "signal", sig.String())
					continue
				}
				l.logger.Info("stop requested, finishing current cycle", "signal", sig.String())
				l.Stop()
			case <-done:
				return
			}
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}

// RunContinuous runs cycles until Stop is called, SIGINT or SIGTERM is
// received, or ctx is cancelled. A stop request takes effect between
// cycles only.
func (l *Loop) RunContinuous(ctx context.Context) error {
	defer l.watchSignals()()

	l.mu.Lock()
	interval := l.cfg.Interval
	l.mu.Unlock()
	l.logger.Info("poller started", "interval", interval, "statuses", l.router.Statuses())

	for !l.Stopping() {
		if _, err := l.RunOnce(ctx); err != nil {
			break
		}
		if l.Stopping() {
			break
		}

		l.mu.Lock()
		interval = l.cfg.Interval
		l.mu.Unlock()

		timer := time.NewTimer(interval)
		select {
		case <-timer.C:
		case <-l.wake:
		case <-ctx.Done():
		}
		timer.Stop()
		if ctx.Err() != nil {
			break
		}
	}

	stats := l.Stats()
	l.logger.Info("poller stopped", "checks", stats.Checks, "tasks_started", stats.TasksStarted, "errors", stats.Errors)
	if l.reporter != nil {
		l.reporter.Final(stats)
	}
	return nil
}

func (l *Loop) count(fn func(s *Stats)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn(&l.stats)
}

func (l *Loop) emit(ev TaskEvent) {
	if ev.At.IsZero() {
		ev.At = l.now()
	}
	if l.OnTask != nil {
		l.OnTask(ev)
	}
	if l.reporter != nil {
		l.reporter.Task(ev)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
