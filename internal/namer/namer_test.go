package namer

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pengelbrecht/tickrelay/internal/agent"
)

func TestSlugify(t *testing.T) {
	tests := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{"simple", "Todo App", 50, "todo-app"},
		{"punctuation", "  Fix: login (SSO) bug!! ", 50, "fix-login-sso-bug"},
		{"unicode dropped", "Café menü", 50, "caf-men"},
		{"empty", "!!!", 50, ""},
		{"capped", strings.Repeat("ab ", 30), 10, "ab-ab-ab-a"},
		{"cap trims dash", "abcd efgh", 5, "abcd"},
		{"no cap", "a b", 0, "a-b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Slugify(tt.in, tt.max))
		})
	}
}

func TestSlugGenerator(t *testing.T) {
	g := SlugGenerator{}

	name, err := g.Generate(context.Background(), "Build a Todo App", "feat")
	require.NoError(t, err)
	assert.Equal(t, "feat-build-a-todo-app", name)

	long, err := g.Generate(context.Background(), strings.Repeat("x", 80), "proto")
	require.NoError(t, err)
	assert.Equal(t, "proto-"+strings.Repeat("x", DefaultMaxLength), long)

	_, err = g.Generate(context.Background(), "   ", "feat")
	assert.ErrorIs(t, err, ErrEmptyName)
}

type fakeAgent struct {
	available bool
	output    string
	err       error
	prompts   []string
	opts      []agent.RunOpts
}

func (f *fakeAgent) Name() string    { return "fake" }
func (f *fakeAgent) Available() bool { return f.available }
func (f *fakeAgent) Run(_ context.Context, prompt string, opts agent.RunOpts) (*agent.Result, error) {
	f.prompts = append(f.prompts, prompt)
	f.opts = append(f.opts, opts)
	if f.err != nil {
		return nil, f.err
	}
	return &agent.Result{Output: f.output}, nil
}

func TestAgentGenerator(t *testing.T) {
	tests := []struct {
		name     string
		agent    *fakeAgent
		want     string
		wantRuns int
	}{
		{
			name:     "agent suggestion",
			agent:    &fakeAgent{available: true, output: "Todo-List-UI\nThis name fits because..."},
			want:     "feat-todo-list-ui",
			wantRuns: 1,
		},
		{
			name:     "agent repeats prefix",
			agent:    &fakeAgent{available: true, output: "feat-todo-ui"},
			want:     "feat-todo-ui",
			wantRuns: 1,
		},
		{
			name:     "agent error falls back",
			agent:    &fakeAgent{available: true, err: errors.New("boom")},
			want:     "feat-build-a-todo-app",
			wantRuns: 1,
		},
		{
			name:     "empty suggestion falls back",
			agent:    &fakeAgent{available: true, output: "..."},
			want:     "feat-build-a-todo-app",
			wantRuns: 1,
		},
		{
			name:     "unavailable agent not run",
			agent:    &fakeAgent{available: false},
			want:     "feat-build-a-todo-app",
			wantRuns: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := AgentGenerator{Agent: tt.agent, Model: "sonnet"}
			got, err := g.Generate(context.Background(), "Build a todo app", "feat")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Len(t, tt.agent.prompts, tt.wantRuns)
			if tt.wantRuns > 0 {
				assert.Contains(t, tt.agent.prompts[0], "Build a todo app")
				assert.Equal(t, "sonnet", tt.agent.opts[0].Model)
			}
		})
	}
}
