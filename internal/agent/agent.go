// Package agent runs the coding agent CLI for short, non-interactive
// completions such as worktree names.
package agent

import (
	"context"
	"time"
)

// Agent defines the interface for AI coding agents.
type Agent interface {
	// Name returns the agent's display name.
	Name() string

	// Available checks if the agent's CLI is installed and accessible.
	Available() bool

	// Run executes the agent with the given prompt and options.
	// The context can be used for cancellation and timeout.
	Run(ctx context.Context, prompt string, opts RunOpts) (*Result, error)
}

// RunOpts configures an agent run.
type RunOpts struct {
	// Model selects the agent model ("opus", "sonnet"). Empty uses the
	// agent's own default.
	Model string

	// Timeout for the entire run. If zero, no timeout is applied
	// beyond any context deadline.
	Timeout time.Duration
}

// Result contains the output of an agent run.
type Result struct {
	// Output is the full text output from the agent.
	Output string

	// Duration is how long the run took.
	Duration time.Duration
}
