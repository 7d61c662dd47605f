// Package routing decides which fetched tasks are picked up and how each
// one is executed: model tier, workflow variant and worktree name.
package routing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/pengelbrecht/tickrelay/internal/directive"
	"github.com/pengelbrecht/tickrelay/internal/namer"
	"github.com/pengelbrecht/tickrelay/internal/tracker"
)

// Workflow is the dispatched workflow variant.
type Workflow string

const (
	// WorkflowBuild is the lightweight build-only path.
	WorkflowBuild Workflow = "build"

	// WorkflowFull is the plan-then-implement path.
	WorkflowFull Workflow = "plan_implement"
)

// Defaults for Config.
const (
	DefaultModel                 = "sonnet"
	DefaultFullWorkflowThreshold = 500
)

// DefaultModels is the closed set of accepted model names.
var DefaultModels = []string{"opus", "sonnet"}

// fullWorkflowHints are workflow hint values that request the full path.
var fullWorkflowHints = map[string]bool{
	"plan":           true,
	"plan-implement": true,
	"plan_implement": true,
	"full":           true,
}

// Config configures a Router.
type Config struct {
	// PickupStatuses are raw tracker statuses eligible for fresh work.
	PickupStatuses []string

	// ReviewStatuses are eligible only together with a continue trigger.
	ReviewStatuses []string

	DefaultModel string
	Models       []string

	// FullWorkflowThreshold is the prompt length in characters above which
	// the full workflow is selected.
	FullWorkflowThreshold int

	// NamePrefix replaces "feat" for generated worktree names of
	// non-prototype tasks.
	NamePrefix string
}

// Route is the resolved execution plan for a task.
type Route struct {
	Model     string
	Workflow  Workflow
	Worktree  string
	Prototype string
	Prompt    string
}

// Router implements eligibility and routing.
type Router struct {
	cfg    Config
	models map[string]bool
	namer  namer.Generator
	logger *slog.Logger
}

// New creates a Router. A nil generator uses the slug rules.
func New(cfg Config, gen namer.Generator, logger *slog.Logger) *Router {
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = DefaultModel
	}
	if len(cfg.Models) == 0 {
		cfg.Models = DefaultModels
	}
	if cfg.FullWorkflowThreshold <= 0 {
		cfg.FullWorkflowThreshold = DefaultFullWorkflowThreshold
	}
	if gen == nil {
		gen = namer.SlugGenerator{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	models := make(map[string]bool, len(cfg.Models))
	for _, m := range cfg.Models {
		models[strings.ToLower(strings.TrimSpace(m))] = true
	}

	return &Router{cfg: cfg, models: models, namer: gen, logger: logger}
}

// SetStatuses replaces the pickup and review status sets.
func (r *Router) SetStatuses(pickup, review []string) {
	r.cfg.PickupStatuses = pickup
	r.cfg.ReviewStatuses = review
}

// Statuses returns every status the router can act on, for the tracker query.
func (r *Router) Statuses() []string {
	out := make([]string, 0, len(r.cfg.PickupStatuses)+len(r.cfg.ReviewStatuses))
	out = append(out, r.cfg.PickupStatuses...)
	for _, s := range r.cfg.ReviewStatuses {
		if !tracker.ContainsStatus(out, s) {
			out = append(out, s)
		}
	}
	return out
}

// IsEligible reports whether the task is ready for automated pickup.
func (r *Router) IsEligible(task *tracker.Task) bool {
	if task.Trigger == directive.TriggerNone {
		return false
	}
	if tracker.ContainsStatus(r.cfg.PickupStatuses, task.Status) {
		return true
	}
	return task.Trigger == directive.TriggerContinue &&
		tracker.ContainsStatus(r.cfg.ReviewStatuses, task.Status)
}

// SelectModel returns the explicit model hint, then the model directive,
// then the default. Values outside the model set are ignored.
func (r *Router) SelectModel(task *tracker.Task) string {
	for _, candidate := range []string{task.Model, task.Directive("model")} {
		m := strings.ToLower(strings.TrimSpace(candidate))
		if m == "" {
			continue
		}
		if r.models[m] {
			return m
		}
		r.logger.Debug("ignoring unknown model", "task_id", task.ID, "model", candidate)
	}
	return r.cfg.DefaultModel
}

// Prototype returns the prototype hint, if any.
func (r *Router) Prototype(task *tracker.Task) string {
	if task.Prototype != "" {
		return task.Prototype
	}
	return task.Directive("prototype")
}

// SelectWorkflow picks the workflow variant.
func (r *Router) SelectWorkflow(task *tracker.Task) Workflow {
	if r.Prototype(task) != "" {
		return WorkflowFull
	}

	hint := task.Workflow
	if hint == "" {
		hint = task.Directive("workflow")
	}
	hint = strings.ToLower(strings.TrimSpace(hint))
	switch {
	case fullWorkflowHints[hint]:
		return WorkflowFull
	case hint == string(WorkflowBuild):
		return WorkflowBuild
	}

	if utf8.RuneCountInString(task.Prompt()) > r.cfg.FullWorkflowThreshold {
		return WorkflowFull
	}
	return WorkflowBuild
}

// ResolveWorktreeName returns the explicit worktree name, else a generated
// one, else "<prefix>-task-<fallbackID>".
func (r *Router) ResolveWorktreeName(ctx context.Context, task *tracker.Task, fallbackID string) string {
	if task.Worktree != "" {
		return task.Worktree
	}
	if name := task.Directive("worktree"); name != "" {
		return name
	}

	prefix := r.namePrefix(task)
	seed := task.CleanDescription()
	if seed == "" {
		seed = task.Title
	}

	name, err := r.namer.Generate(ctx, seed, prefix)
	if err == nil && name != "" {
		return name
	}
	if err != nil {
		r.logger.Debug("worktree name generation failed", "task_id", task.ID, "error", err)
	}
	return fmt.Sprintf("%s-task-%s", prefix, fallbackID)
}

func (r *Router) namePrefix(task *tracker.Task) string {
	if r.Prototype(task) != "" {
		return "proto"
	}
	if r.cfg.NamePrefix != "" {
		return r.cfg.NamePrefix
	}
	return "feat"
}

// Plan resolves the full route for a task. id is the correlation id used
// for fallback worktree names.
func (r *Router) Plan(ctx context.Context, task *tracker.Task, id string) Route {
	return Route{
		Model:     r.SelectModel(task),
		Workflow:  r.SelectWorkflow(task),
		Worktree:  r.ResolveWorktreeName(ctx, task, id),
		Prototype: r.Prototype(task),
		Prompt:    task.Prompt(),
	}
}
