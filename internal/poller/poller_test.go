package poller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pengelbrecht/tickrelay/internal/claim"
	"github.com/pengelbrecht/tickrelay/internal/dispatch"
	"github.com/pengelbrecht/tickrelay/internal/routing"
	"github.com/pengelbrecht/tickrelay/internal/tracker"
	"github.com/pengelbrecht/tickrelay/internal/tracker/trackertest"
)

type fakeResolver struct {
	mu      sync.Mutex
	calls   []string
	targets []string
	err     error
	created bool

	// onEnsure runs before Ensure returns; a non-nil error replaces err.
	onEnsure func(ctx context.Context) error
}

func (f *fakeResolver) Ensure(ctx context.Context, name, target string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	f.targets = append(f.targets, target)
	if f.onEnsure != nil {
		if err := f.onEnsure(ctx); err != nil {
			return false, err
		}
	}
	return f.created, f.err
}

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []*claim.Record
	fail  map[string]error // by task id
}

func (f *fakeDispatcher) Dispatch(rec *claim.Record, task *tracker.Task) dispatch.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, rec)
	if err, ok := f.fail[task.ID]; ok {
		return dispatch.Result{Err: err}
	}
	return dispatch.Result{OK: true, PID: 1000 + len(f.calls)}
}

type harness struct {
	tracker    *trackertest.Fake
	router     *routing.Router
	claims     *claim.Coordinator
	resolver   *fakeResolver
	dispatcher *fakeDispatcher
	loop       *Loop
	out        *bytes.Buffer
}

func newHarness(t *testing.T, cfg Config, tasks ...tracker.Task) *harness {
	t.Helper()
	h := &harness{
		tracker:    &trackertest.Fake{Tasks: tasks},
		resolver:   &fakeResolver{created: true},
		dispatcher: &fakeDispatcher{fail: map[string]error{}},
		out:        &bytes.Buffer{},
	}
	h.router = routing.New(routing.Config{
		PickupStatuses: []string{"New"},
		ReviewStatuses: []string{"Review"},
	}, nil, nil)
	h.claims = claim.NewCoordinator(h.tracker, h.router, claim.Options{DryRun: cfg.DryRun})

	reporter := NewReporter(false, "fake")
	reporter.SetWriter(h.out)

	h.loop = New(cfg, Deps{
		Tracker:    h.tracker,
		Router:     h.router,
		Claims:     h.claims,
		Worktrees:  h.resolver,
		Dispatcher: h.dispatcher,
		Reporter:   reporter,
	})
	h.loop.sleep = func(context.Context, time.Duration) error { return nil }
	h.loop.notify = func(chan<- os.Signal) {}
	return h
}

func task(t *testing.T, id, status, description string) tracker.Task {
	t.Helper()
	built, err := tracker.Build(tracker.Record{ID: id, Title: "Task " + id, Status: status, Description: description}, trackertest.Statuses)
	require.NoError(t, err)
	return built
}

func TestConfig_Defaults(t *testing.T) {
	h := newHarness(t, Config{})
	assert.Equal(t, DefaultInterval, h.loop.cfg.Interval)
	assert.Equal(t, DefaultMaxTasks, h.loop.cfg.MaxTasks)
	assert.Equal(t, DefaultFetchLimit, h.loop.cfg.FetchLimit)
}

func TestRunOnce_NoEligibleTasks(t *testing.T) {
	h := newHarness(t, Config{},
		task(t, "1", "New", "not ready yet"),
		task(t, "2", "Review", "execute"),
		task(t, "3", "Complete", "execute"),
	)

	n, err := h.loop.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	stats := h.loop.Stats()
	assert.Equal(t, 1, stats.Checks)
	assert.Zero(t, stats.TasksStarted)
	assert.Empty(t, h.tracker.Updates)
	assert.Empty(t, h.resolver.calls)
	assert.Contains(t, h.out.String(), "no eligible tasks")

	require.Len(t, h.tracker.Lists, 1)
	assert.Equal(t, []string{"New", "Review"}, h.tracker.Lists[0].Statuses)
}

func TestRunOnce_DispatchesEligibleTasks(t *testing.T) {
	h := newHarness(t, Config{},
		task(t, "1", "New", "Build a todo app\nexecute"),
		task(t, "2", "Review", "Looks good\ncontinue - add tests"),
	)

	var events []TaskEvent
	h.loop.OnTask = func(ev TaskEvent) { events = append(events, ev) }

	n, err := h.loop.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	stats := h.loop.Stats()
	assert.Equal(t, 2, stats.TasksStarted)
	assert.Equal(t, 2, stats.WorktreesCreated)
	assert.Equal(t, 2, stats.TrackerUpdates)
	assert.Zero(t, stats.Errors)

	for _, id := range []string{"1", "2"} {
		updates := h.tracker.UpdatesFor(id)
		require.Len(t, updates, 1)
		assert.Equal(t, tracker.StatusInProgress, updates[0].Status)
	}
	require.Len(t, h.dispatcher.calls, 2)
	assert.Equal(t, "add tests", h.dispatcher.calls[1].Prompt)
	assert.Equal(t, 2, h.claims.Active().Len())

	require.Len(t, events, 4)
	assert.Equal(t, StageClaimed, events[0].Stage)
	assert.Equal(t, StageDispatched, events[1].Stage)
	assert.Contains(t, h.out.String(), "[DISPATCH]")
}

func TestRunOnce_CapsAtMaxTasks(t *testing.T) {
	var tasks []tracker.Task
	for _, id := range []string{"1", "2", "3", "4", "5"} {
		tasks = append(tasks, task(t, id, "New", "execute"))
	}
	h := newHarness(t, Config{MaxTasks: 2}, tasks...)

	n, err := h.loop.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, h.dispatcher.calls, 2)
	assert.Empty(t, h.tracker.UpdatesFor("3"))
}

func TestRunOnce_FetchErrorIsCounted(t *testing.T) {
	h := newHarness(t, Config{})
	h.tracker.ListErr = &tracker.Error{Kind: tracker.KindTransient, Op: "GET /tasks", Err: errors.New("boom")}

	var summary CycleSummary
	h.loop.OnCycleEnd = func(sum CycleSummary) { summary = sum }

	n, err := h.loop.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, h.loop.Stats().Errors)
	assert.Equal(t, 1, h.loop.Stats().Checks)
	assert.Error(t, summary.Err)
	assert.Contains(t, h.out.String(), "[ERROR]")
}

func TestRunOnce_SkippedRecordsAreCounted(t *testing.T) {
	h := newHarness(t, Config{}, task(t, "1", "New", "execute"))
	h.tracker.Skipped = []tracker.Skipped{{ID: "9", Err: tracker.ParseError("9", tracker.ErrMissingStatus)}}

	n, err := h.loop.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, h.loop.Stats().Skipped)
	assert.Contains(t, h.out.String(), "[SKIP] 9")
}

func TestRunOnce_ClaimFailureSkipsTask(t *testing.T) {
	h := newHarness(t, Config{},
		task(t, "1", "New", "execute"),
		task(t, "2", "New", "execute"),
	)
	h.tracker.UpdateErr = func(id string, _ tracker.Status) error {
		if id == "1" {
			return errors.New("conflict")
		}
		return nil
	}

	n, err := h.loop.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Len(t, h.dispatcher.calls, 1)
	assert.Equal(t, "2", h.dispatcher.calls[0].TaskID)
	assert.Len(t, h.resolver.calls, 1)
	assert.Equal(t, 1, h.loop.Stats().Errors)
	assert.Equal(t, 1, h.claims.Active().Len())
}

func TestRunOnce_DispatchFailureRevertsOnce(t *testing.T) {
	h := newHarness(t, Config{}, task(t, "1", "New", "execute"))
	h.dispatcher.fail["1"] = dispatch.ErrNoEntryPoint

	n, err := h.loop.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	updates := h.tracker.UpdatesFor("1")
	require.Len(t, updates, 2)
	assert.Equal(t, tracker.StatusInProgress, updates[0].Status)
	assert.Equal(t, tracker.StatusFailed, updates[1].Status)
	assert.Contains(t, updates[1].Note, dispatch.ErrNoEntryPoint.Error())

	stats := h.loop.Stats()
	assert.Equal(t, 1, stats.Errors)
	assert.Equal(t, 2, stats.TrackerUpdates)
	assert.Zero(t, stats.TasksStarted)
	assert.Zero(t, h.claims.Active().Len(), "revert releases the correlation id")
}

func TestRunOnce_WorktreeFailureReverts(t *testing.T) {
	h := newHarness(t, Config{}, task(t, "1", "New", "execute"))
	h.resolver.err = errors.New("git worktree add failed")

	_, err := h.loop.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Empty(t, h.dispatcher.calls)
	updates := h.tracker.UpdatesFor("1")
	require.Len(t, updates, 2)
	assert.Equal(t, tracker.StatusFailed, updates[1].Status)
}

func TestRunOnce_RevertFailureCountsTwice(t *testing.T) {
	h := newHarness(t, Config{}, task(t, "1", "New", "execute"))
	h.dispatcher.fail["1"] = errors.New("exec failed")
	h.tracker.UpdateErr = func(_ string, status tracker.Status) error {
		if status == tracker.StatusFailed {
			return errors.New("tracker down")
		}
		return nil
	}

	_, err := h.loop.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, h.loop.Stats().Errors)
	assert.Len(t, h.tracker.UpdatesFor("1"), 2, "revert is attempted once")
}

func TestRunOnce_RevertSurvivesCancelledContext(t *testing.T) {
	h := newHarness(t, Config{}, task(t, "1", "New", "execute"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.resolver.onEnsure = func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	}

	_, err := h.loop.RunOnce(ctx)
	require.NoError(t, err)

	updates := h.tracker.UpdatesFor("1")
	require.Len(t, updates, 2)
	assert.Equal(t, tracker.StatusInProgress, updates[0].Status)
	assert.Equal(t, tracker.StatusFailed, updates[1].Status)
	assert.Equal(t, 1, h.loop.Stats().Errors)
	assert.Zero(t, h.claims.Active().Len())
}

func TestRunSingle_SignalDoesNotInterruptCycle(t *testing.T) {
	h := newHarness(t, Config{},
		task(t, "1", "New", "execute"),
		task(t, "2", "New", "execute"),
	)
	h.loop.notify = func(c chan<- os.Signal) { c <- os.Interrupt }

	n, err := h.loop.RunSingle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, h.dispatcher.calls, 2)
	for _, id := range []string{"1", "2"} {
		updates := h.tracker.UpdatesFor(id)
		require.Len(t, updates, 1)
		assert.Equal(t, tracker.StatusInProgress, updates[0].Status)
	}
}

func TestRunOnce_WorktreeTarget(t *testing.T) {
	h := newHarness(t, Config{WorktreeTarget: "main"},
		task(t, "1", "New", "execute"),
		task(t, "2", "New", "{{base: develop}} execute"),
	)

	_, err := h.loop.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"main", "develop"}, h.resolver.targets)
}

func TestRunOnce_DryRun(t *testing.T) {
	h := newHarness(t, Config{DryRun: true}, task(t, "1", "New", "execute"))

	n, err := h.loop.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, h.tracker.Updates)
	assert.Zero(t, h.loop.Stats().TrackerUpdates)
}

func TestRunOnce_TaskDelayBetweenTasks(t *testing.T) {
	h := newHarness(t, Config{TaskDelay: time.Second},
		task(t, "1", "New", "execute"),
		task(t, "2", "New", "execute"),
		task(t, "3", "New", "execute"),
	)
	var sleeps int
	h.loop.sleep = func(context.Context, time.Duration) error {
		sleeps++
		return nil
	}

	_, err := h.loop.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sleeps)
}

func TestRunOnce_CancelledContext(t *testing.T) {
	h := newHarness(t, Config{TaskDelay: time.Second},
		task(t, "1", "New", "execute"),
		task(t, "2", "New", "execute"),
	)
	h.loop.sleep = func(context.Context, time.Duration) error { return context.Canceled }

	n, err := h.loop.RunOnce(context.Background())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, n)
}

func TestReconfigure_AppliedBeforeNextCycle(t *testing.T) {
	h := newHarness(t, Config{}, task(t, "1", "Ready", "execute"))

	n, err := h.loop.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	h.loop.Reconfigure([]string{"Ready"}, nil, 5*time.Second, 1)
	n, err = h.loop.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 5*time.Second, h.loop.cfg.Interval)
	assert.Equal(t, 1, h.loop.cfg.MaxTasks)
	assert.Equal(t, []string{"Ready"}, h.tracker.Lists[1].Statuses)
}

func TestRunContinuous_StopsBetweenCycles(t *testing.T) {
	h := newHarness(t, Config{Interval: time.Hour}, task(t, "1", "New", "execute"))
	h.loop.OnCycleEnd = func(CycleSummary) { h.loop.Stop() }

	done := make(chan error, 1)
	go func() { done <- h.loop.RunContinuous(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop")
	}
	assert.Equal(t, 1, h.loop.Stats().Checks)
	assert.Contains(t, h.out.String(), "[STOPPED] 1 checks, 1 tasks started")
}

func TestRunContinuous_StopInterruptsSleep(t *testing.T) {
	h := newHarness(t, Config{Interval: time.Hour})
	cycles := make(chan int, 4)
	h.loop.OnCycleEnd = func(sum CycleSummary) { cycles <- sum.Cycle }

	done := make(chan error, 1)
	go func() { done <- h.loop.RunContinuous(context.Background()) }()

	<-cycles
	h.loop.Stop()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stop did not interrupt the interval sleep")
	}
	assert.Equal(t, 1, h.loop.Stats().Checks)
}

func TestRunContinuous_ContextCancel(t *testing.T) {
	h := newHarness(t, Config{Interval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	h.loop.OnCycleEnd = func(CycleSummary) { cancel() }

	require.NoError(t, h.loop.RunContinuous(ctx))
	assert.Equal(t, 1, h.loop.Stats().Checks)
}

func TestRunContinuous_SignalRequestsStop(t *testing.T) {
	h := newHarness(t, Config{Interval: time.Hour})
	h.loop.notify = func(c chan<- os.Signal) { c <- os.Interrupt }

	done := make(chan error, 1)
	go func() { done <- h.loop.RunContinuous(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("signal did not stop the loop")
	}
	assert.True(t, h.loop.Stopping())
}

func TestReporter_JSONL(t *testing.T) {
	var buf bytes.Buffer
	r := NewReporter(true, "teamwork")
	r.SetWriter(&buf)

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	r.Task(TaskEvent{Cycle: 1, TaskID: "7", Stage: StageDispatched, CorrelationID: "abcd1234", Worktree: "feat-x", Workflow: "build", PID: 42, At: at})
	r.Cycle(CycleSummary{Cycle: 1, Eligible: 1, Started: 1}, Stats{Checks: 1, TasksStarted: 1})
	r.Final(Stats{Checks: 1, TasksStarted: 1})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)

	var ev map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &ev))
	assert.Equal(t, "task", ev["type"])
	assert.Equal(t, "dispatched", ev["stage"])
	assert.Equal(t, "abcd1234", ev["correlation_id"])
	assert.Equal(t, float64(42), ev["pid"])
	assert.Equal(t, "2026-01-02T03:04:05Z", ev["at"])

	var cyc map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &cyc))
	assert.Equal(t, "cycle", cyc["type"])
	assert.Equal(t, float64(1), cyc["started"])

	var final map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[2]), &final))
	assert.Equal(t, "stopped", final["type"])
	assert.Equal(t, float64(1), final["tasks_started"])
}

func TestReporter_Text(t *testing.T) {
	var buf bytes.Buffer
	r := NewReporter(false, "")
	r.SetWriter(&buf)

	r.Task(TaskEvent{TaskID: "7", Title: "Fix", Stage: StageClaimed, CorrelationID: "abcd1234"})
	r.Task(TaskEvent{TaskID: "7", Stage: StageFailed, Err: errors.New("boom")})

	out := buf.String()
	assert.Contains(t, out, "[CLAIM] 7 - Fix (abcd1234)")
	assert.Contains(t, out, "[FAILED] 7: boom")
}
