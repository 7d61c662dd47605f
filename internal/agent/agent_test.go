package agent

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"testing"
	"time"
)

// fakeClaude writes a shell script that prints its arguments, one per line.
func fakeClaude(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported")
	}
	path := filepath.Join(t.TempDir(), "claude")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake claude: %v", err)
	}
	return path
}

func TestClaudeAgent_Name(t *testing.T) {
	agent := NewClaudeAgent()
	if got := agent.Name(); got != "claude" {
		t.Errorf("Name() = %q, want %q", got, "claude")
	}
}

func TestClaudeAgent_Available_CustomCommand(t *testing.T) {
	agent := &ClaudeAgent{Command: "nonexistent-claude-binary-xyz"}
	if agent.Available() {
		t.Error("Available() = true for nonexistent command, want false")
	}
}

func TestClaudeAgent_command(t *testing.T) {
	tests := []struct {
		name  string
		agent *ClaudeAgent
		want  string
	}{
		{
			name:  "default command",
			agent: &ClaudeAgent{},
			want:  "claude",
		},
		{
			name:  "custom command",
			agent: &ClaudeAgent{Command: "/usr/local/bin/claude"},
			want:  "/usr/local/bin/claude",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.agent.command(); got != tt.want {
				t.Errorf("command() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBuildArgs(t *testing.T) {
	tests := []struct {
		name string
		opts RunOpts
		want []string
	}{
		{"no model", RunOpts{}, []string{"--print", "name this"}},
		{"with model", RunOpts{Model: "sonnet"}, []string{"--print", "--model", "sonnet", "name this"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := buildArgs("name this", tt.opts); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("buildArgs() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClaudeAgent_Run_Output(t *testing.T) {
	agent := &ClaudeAgent{Command: fakeClaude(t, `for a in "$@"; do echo "$a"; done`)}

	result, err := agent.Run(context.Background(), "hello", RunOpts{Model: "opus"})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if want := "--print\n--model\nopus\nhello"; result.Output != want {
		t.Errorf("Output = %q, want %q", result.Output, want)
	}
}

func TestClaudeAgent_Run_Failure(t *testing.T) {
	agent := &ClaudeAgent{Command: fakeClaude(t, `echo "no credits" >&2; exit 3`)}

	_, err := agent.Run(context.Background(), "hello", RunOpts{})
	if err == nil {
		t.Fatal("Run() should fail")
	}
	if !strings.Contains(err.Error(), "no credits") {
		t.Errorf("error %q should include stderr", err)
	}
}

func TestClaudeAgent_Run_ContextCancellation(t *testing.T) {
	agent := &ClaudeAgent{Command: fakeClaude(t, "sleep 10")}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := agent.Run(ctx, "x", RunOpts{})
	if err == nil {
		t.Error("Run() with cancelled context should return error")
	}
}

func TestClaudeAgent_Run_Timeout(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}
	agent := &ClaudeAgent{Command: fakeClaude(t, "exec sleep 10")}

	start := time.Now()
	_, err := agent.Run(context.Background(), "x", RunOpts{Timeout: 100 * time.Millisecond})
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("Run() should timeout")
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Errorf("error = %v, want timeout", err)
	}
	if elapsed > 5*time.Second {
		t.Errorf("Run() took %v, expected timeout around 100ms", elapsed)
	}
}
