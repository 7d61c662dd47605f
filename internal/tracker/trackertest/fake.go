// Package trackertest provides an in-memory tracker.Tracker for tests.
package trackertest

import (
	"context"
	"sync"

	"github.com/pengelbrecht/tickrelay/internal/tracker"
)

// Statuses is the status table used by Fake.
var Statuses = tracker.NewStatusTable(map[tracker.Status]string{
	tracker.StatusNotStarted: "New",
	tracker.StatusInProgress: "In Progress",
	tracker.StatusDone:       "Complete",
	tracker.StatusReview:     "Review",
	tracker.StatusFailed:     "Blocked",
})

// Update is one recorded UpdateStatus call.
type Update struct {
	ID     string
	Status tracker.Status
	Note   string
}

// Fake is a scriptable tracker.
type Fake struct {
	mu sync.Mutex

	Tasks   []tracker.Task
	Skipped []tracker.Skipped

	// ListErr is returned by List when set.
	ListErr error

	// UpdateErr returns the error for an UpdateStatus call, or nil.
	UpdateErr func(id string, status tracker.Status) error

	Lists   []tracker.Filter
	Updates []Update
}

// Name returns "fake".
func (f *Fake) Name() string { return "fake" }

// ScopeID returns "scope-1".
func (f *Fake) ScopeID() string { return "scope-1" }

// Statuses returns the fake status table.
func (f *Fake) Statuses() tracker.StatusTable { return Statuses }

// List returns the configured tasks, honoring Limit.
func (f *Fake) List(_ context.Context, filter tracker.Filter) (*tracker.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Lists = append(f.Lists, filter)
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	tasks := f.Tasks
	if filter.Limit > 0 && len(tasks) > filter.Limit {
		tasks = tasks[:filter.Limit]
	}
	return &tracker.Batch{
		Tasks:   append([]tracker.Task(nil), tasks...),
		Skipped: append([]tracker.Skipped(nil), f.Skipped...),
	}, nil
}

// UpdateStatus records the call. Like the HTTP clients it sends nothing
// once ctx is done.
func (f *Fake) UpdateStatus(ctx context.Context, id string, status tracker.Status, note string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Updates = append(f.Updates, Update{ID: id, Status: status, Note: note})
	if f.UpdateErr != nil {
		return f.UpdateErr(id, status)
	}
	return nil
}

// UpdatesFor returns the recorded updates for one task.
func (f *Fake) UpdatesFor(id string) []Update {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Update
	for _, u := range f.Updates {
		if u.ID == id {
			out = append(out, u)
		}
	}
	return out
}
