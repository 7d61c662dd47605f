package worktree

import (
	"context"
	"log/slog"
)

// Creator is the workspace-creation side of a Manager.
type Creator interface {
	Exists(name string) bool
	Create(ctx context.Context, name, target string) (*Worktree, error)
}

// Resolver idempotently ensures a named worktree exists.
type Resolver struct {
	creator Creator
	dryRun  bool
	logger  *slog.Logger
}

// NewResolver creates a Resolver. In dry-run mode nothing is created.
func NewResolver(c Creator, dryRun bool, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{creator: c, dryRun: dryRun, logger: logger}
}

// Ensure creates the worktree unless it already exists. created reports
// whether a new worktree was made.
func (r *Resolver) Ensure(ctx context.Context, name, target string) (bool, error) {
	if err := ValidateName(name); err != nil {
		return false, err
	}
	if r.creator.Exists(name) {
		r.logger.Debug("worktree exists, reusing", "worktree", name)
		return false, nil
	}
	if r.dryRun {
		r.logger.Info("dry run: would create worktree", "worktree", name, "target", target)
		return false, nil
	}
	if _, err := r.creator.Create(ctx, name, target); err != nil {
		return false, err
	}
	return true, nil
}
