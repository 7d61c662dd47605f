// Package tracker defines the boundary between tickrelay and the external
// task trackers it polls: the validated Task shape, the shared status
// vocabulary and the client interface.
package tracker

import (
	"context"
	"errors"
	"strings"

	"github.com/pengelbrecht/tickrelay/internal/directive"
)

// Task is a validated work item fetched from a tracker. It is immutable once
// built for the duration of a poll cycle.
type Task struct {
	ID          string
	Title       string
	Status      string // raw tracker status name
	State       Status // Status mapped onto the shared vocabulary
	Description string
	URL         string
	ProjectID   string // Teamwork project or Notion database the task came from

	// Directives holds inline and native directives; native labels win.
	Directives     map[string]string
	Trigger        directive.Trigger
	ContinuePrompt string

	// Explicit hints from dedicated tracker fields. Empty when absent.
	Prototype string
	Model     string
	Worktree  string
	Workflow  string
}

// Directive returns the directive value for key, or "".
func (t *Task) Directive(key string) string {
	return t.Directives[key]
}

// Prompt returns the prompt handed to the dispatched workflow.
func (t *Task) Prompt() string {
	return directive.ResolvePrompt(t.Description, t.Trigger, t.ContinuePrompt)
}

// CleanDescription returns the description without directives or triggers.
func (t *Task) CleanDescription() string {
	return directive.CleanDescription(t.Description)
}

// Record is the loosely shaped data a client extracts from a raw API
// response before validation.
type Record struct {
	ID          string
	Title       string
	Status      string
	Description string
	URL         string
	ProjectID   string
	Labels      []string
	Hints       map[string]string // prototype, model, worktree, workflow
}

// Validation failures for Build.
var (
	ErrMissingID     = errors.New("record has no id")
	ErrMissingStatus = errors.New("record has no status")
)

// Build validates a raw record and turns it into a Task.
// Unknown statuses are kept raw with State StatusUnknown.
func Build(r Record, table StatusTable) (Task, error) {
	id := strings.TrimSpace(r.ID)
	if id == "" {
		return Task{}, ParseError("<none>", ErrMissingID)
	}
	status := strings.TrimSpace(r.Status)
	if status == "" {
		return Task{}, ParseError(id, ErrMissingStatus)
	}

	parsed := directive.Parse(r.Description, r.Labels)
	state, _ := table.FromRemote(status)

	return Task{
		ID:             id,
		Title:          strings.TrimSpace(r.Title),
		Status:         status,
		State:          state,
		Description:    r.Description,
		URL:            r.URL,
		ProjectID:      r.ProjectID,
		Directives:     parsed.Directives,
		Trigger:        parsed.Trigger,
		ContinuePrompt: parsed.ContinuePrompt,
		Prototype:      strings.TrimSpace(r.Hints["prototype"]),
		Model:          strings.TrimSpace(r.Hints["model"]),
		Worktree:       strings.TrimSpace(r.Hints["worktree"]),
		Workflow:       strings.TrimSpace(r.Hints["workflow"]),
	}, nil
}

// Filter narrows a List call.
type Filter struct {
	// Statuses are raw tracker status names, compared case-insensitively.
	Statuses []string

	// Limit caps the number of tasks returned (0 = no cap).
	Limit int
}

// Skipped is a record that failed validation and was quarantined.
type Skipped struct {
	ID  string
	Err error
}

// Batch is the result of a List call.
type Batch struct {
	Tasks   []Task
	Skipped []Skipped
}

// Tracker is the interface the poll loop needs from a task tracker.
type Tracker interface {
	// Name identifies the tracker kind ("teamwork", "notion").
	Name() string

	// ScopeID is the project or database id being polled.
	ScopeID() string

	// Statuses returns the tracker's status mapping table.
	Statuses() StatusTable

	// List fetches tasks matching the filter.
	List(ctx context.Context, f Filter) (*Batch, error)

	// UpdateStatus moves a task to status and attaches note.
	UpdateStatus(ctx context.Context, id string, status Status, note string) error
}
