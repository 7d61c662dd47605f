// Package namer derives worktree names from task text.
package namer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/pengelbrecht/tickrelay/internal/agent"
)

// DefaultMaxLength caps the slug part of a generated name.
const DefaultMaxLength = 50

// ErrEmptyName is returned when the seed yields no usable characters.
var ErrEmptyName = errors.New("seed produced an empty name")

// Generator turns a seed text into a worktree name starting with prefix.
type Generator interface {
	Generate(ctx context.Context, seed, prefix string) (string, error)
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lower-cases s, collapses runs of non-alphanumerics into a single
// dash and caps the result at max characters.
func Slugify(s string, max int) string {
	slug := strings.Trim(nonAlnum.ReplaceAllString(strings.ToLower(s), "-"), "-")
	if max > 0 && len(slug) > max {
		slug = strings.TrimRight(slug[:max], "-")
	}
	return slug
}

// SlugGenerator builds names deterministically from the seed.
type SlugGenerator struct {
	MaxLength int
}

// Generate returns "<prefix>-<slug>".
func (g SlugGenerator) Generate(_ context.Context, seed, prefix string) (string, error) {
	max := g.MaxLength
	if max <= 0 {
		max = DefaultMaxLength
	}
	slug := Slugify(seed, max)
	if slug == "" {
		return "", ErrEmptyName
	}
	return join(prefix, slug), nil
}

const namePrompt = `Suggest a short git branch name for the task below.
Reply with 2 to 5 lowercase words joined by dashes and nothing else.

Task:
%s`

// AgentGenerator asks the coding agent for a name and falls back to the slug
// rules when the agent is unavailable or fails.
type AgentGenerator struct {
	Agent    agent.Agent
	Model    string
	Timeout  time.Duration
	Fallback SlugGenerator
	Logger   *slog.Logger
}

// Generate returns "<prefix>-<agent suggestion>" or the slug fallback.
func (g AgentGenerator) Generate(ctx context.Context, seed, prefix string) (string, error) {
	logger := g.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if g.Agent == nil || !g.Agent.Available() || strings.TrimSpace(seed) == "" {
		return g.Fallback.Generate(ctx, seed, prefix)
	}

	timeout := g.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	result, err := g.Agent.Run(ctx, fmt.Sprintf(namePrompt, seed), agent.RunOpts{Model: g.Model, Timeout: timeout})
	if err != nil {
		logger.Warn("agent naming failed, using slug", "agent", g.Agent.Name(), "error", err)
		return g.Fallback.Generate(ctx, seed, prefix)
	}

	max := g.Fallback.MaxLength
	if max <= 0 {
		max = DefaultMaxLength
	}
	// Only the first line counts; agents sometimes add commentary.
	first, _, _ := strings.Cut(strings.TrimSpace(result.Output), "\n")
	slug := Slugify(strings.TrimPrefix(first, prefix+"-"), max)
	if slug == "" {
		return g.Fallback.Generate(ctx, seed, prefix)
	}
	return join(prefix, slug), nil
}

func join(prefix, slug string) string {
	if prefix == "" {
		return slug
	}
	return prefix + "-" + slug
}
