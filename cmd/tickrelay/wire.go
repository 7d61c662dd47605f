package main

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/pengelbrecht/tickrelay/internal/agent"
	"github.com/pengelbrecht/tickrelay/internal/claim"
	"github.com/pengelbrecht/tickrelay/internal/config"
	"github.com/pengelbrecht/tickrelay/internal/dispatch"
	"github.com/pengelbrecht/tickrelay/internal/logging"
	"github.com/pengelbrecht/tickrelay/internal/namer"
	"github.com/pengelbrecht/tickrelay/internal/poller"
	"github.com/pengelbrecht/tickrelay/internal/routing"
	"github.com/pengelbrecht/tickrelay/internal/tracker"
	"github.com/pengelbrecht/tickrelay/internal/tracker/notion"
	"github.com/pengelbrecht/tickrelay/internal/tracker/rest"
	"github.com/pengelbrecht/tickrelay/internal/tracker/teamwork"
	"github.com/pengelbrecht/tickrelay/internal/worktree"
)

func httpOptions(cfg *config.Config) rest.Options {
	retries := cfg.HTTP.MaxRetries
	if retries == 0 {
		// rest treats 0 as "use the default".
		retries = -1
	}
	return rest.Options{
		MaxRetries:   retries,
		RetryWaitMin: cfg.HTTP.RetryWaitMin,
		RetryWaitMax: cfg.HTTP.RetryWaitMax,
		Timeout:      cfg.HTTP.Timeout,
		RateLimit:    cfg.HTTP.RateLimit,
	}
}

func newTracker(name string, cfg *config.Config, logger *slog.Logger) (tracker.Tracker, error) {
	logger = logging.Component(logger, "tracker").With("tracker", name)
	switch name {
	case "teamwork":
		return teamwork.New(teamwork.Options{
			BaseURL:   cfg.Teamwork.BaseURL,
			APIKey:    cfg.Teamwork.APIKey,
			ProjectID: cfg.Teamwork.ProjectID,
			PageSize:  cfg.Teamwork.PageSize,
			HTTP:      httpOptions(cfg),
			Logger:    logger,
		})
	case "notion":
		return notion.New(notion.Options{
			BaseURL:        cfg.Notion.BaseURL,
			APIKey:         cfg.Notion.APIKey,
			DatabaseID:     cfg.Notion.DatabaseID,
			PageSize:       cfg.Notion.PageSize,
			StatusProperty: cfg.Notion.StatusProperty,
			HTTP:           httpOptions(cfg),
			Logger:         logger,
		})
	}
	return nil, fmt.Errorf("unknown tracker %q", name)
}

func newNamer(cfg *config.Config, logger *slog.Logger) namer.Generator {
	slug := namer.SlugGenerator{MaxLength: cfg.Naming.MaxLength}
	if strings.ToLower(cfg.Naming.Strategy) != "agent" {
		return slug
	}
	return namer.AgentGenerator{
		Agent:    &agent.ClaudeAgent{Command: cfg.Naming.AgentCommand},
		Model:    cfg.Naming.Model,
		Timeout:  cfg.Naming.Timeout,
		Fallback: slug,
		Logger:   logging.Component(logger, "namer"),
	}
}

// newLoop wires router, claim coordinator, worktree resolver and dispatcher
// into a poll loop for t.
func newLoop(name string, cfg *config.Config, t tracker.Tracker, logger *slog.Logger) (*poller.Loop, error) {
	dryRun := cfg.Poll.DryRun
	pickup, review := cfg.Statuses(name)

	router := routing.New(routing.Config{
		PickupStatuses:        pickup,
		ReviewStatuses:        review,
		DefaultModel:          cfg.Routing.DefaultModel,
		Models:                cfg.Routing.Models,
		FullWorkflowThreshold: cfg.Routing.FullWorkflowThreshold,
		NamePrefix:            cfg.Worktree.NamePrefix,
	}, newNamer(cfg, logger), logging.Component(logger, "routing"))

	coord := claim.NewCoordinator(t, router, claim.Options{
		DryRun: dryRun,
		Logger: logging.Component(logger, "claim"),
	})

	mgr, err := newManager(cfg, logger)
	if err != nil {
		return nil, err
	}
	resolver := worktree.NewResolver(mgr, dryRun, logging.Component(logger, "worktree"))

	dispatcher := dispatch.New(dispatch.Options{
		BuildCommand: cfg.Workflows.Build,
		FullCommand:  cfg.Workflows.PlanImplement,
		WorkDir:      cfg.Workflows.WorkDir,
		LogDir:       cfg.Workflows.LogDir,
		Tracker:      name,
		DryRun:       dryRun,
		OnExit: func(id string, _ error) {
			coord.Release(id)
		},
		Logger: logging.Component(logger, "dispatch"),
	})

	var reporter *poller.Reporter
	if !cfg.Output.TUI {
		reporter = poller.NewReporter(cfg.Output.JSONL, name)
	}

	return poller.New(poller.Config{
		Interval:       cfg.Poll.Interval,
		MaxTasks:       cfg.Poll.MaxTasks,
		FetchLimit:     cfg.Poll.FetchLimit,
		TaskDelay:      cfg.Poll.TaskDelay,
		WorktreeTarget: cfg.Worktree.BaseBranch,
		DryRun:         dryRun,
	}, poller.Deps{
		Tracker:    t,
		Router:     router,
		Claims:     coord,
		Worktrees:  resolver,
		Dispatcher: dispatcher,
		Reporter:   reporter,
		Logger:     logging.Component(logger, "poller"),
	}), nil
}

func newManager(cfg *config.Config, logger *slog.Logger) (*worktree.Manager, error) {
	mgr, err := worktree.NewManager(cfg.Worktree.RepoRoot, worktree.Options{
		BaseDir:      cfg.Worktree.BaseDir,
		BranchPrefix: cfg.Worktree.BranchPrefix,
		BaseBranch:   cfg.Worktree.BaseBranch,
		CopyEnv:      cfg.Worktree.CopyEnv,
		Logger:       logging.Component(logger, "worktree"),
	})
	if err != nil {
		return nil, fmt.Errorf("worktree repository %s: %w", cfg.Worktree.RepoRoot, err)
	}
	return mgr, nil
}
