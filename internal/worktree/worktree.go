// Package worktree manages the isolated git worktrees dispatched workflow
// runs execute in.
package worktree

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
)

// DefaultBaseDir is the default directory, relative to the repository root,
// that holds worktrees.
const DefaultBaseDir = "trees"

// ErrNotGitRepo is returned when the directory is not a git repository.
var ErrNotGitRepo = errors.New("not a git repository")

// ErrWorktreeExists is returned when a worktree with the name already exists.
var ErrWorktreeExists = errors.New("worktree already exists")

// ErrWorktreeNotFound is returned when no worktree with the name exists.
var ErrWorktreeNotFound = errors.New("worktree not found")

// ErrInvalidName is returned for names that are not a single safe path element.
var ErrInvalidName = errors.New("invalid worktree name")

// Worktree represents an active git worktree.
type Worktree struct {
	Path    string    // Absolute path to worktree directory
	Branch  string    // Branch checked out in the worktree
	Name    string    // Directory name under the base dir
	Created time.Time // When worktree was created
}

// Options configures a Manager.
type Options struct {
	// BaseDir holds worktrees, relative to the repository root.
	BaseDir string

	// BranchPrefix is prepended to the worktree name to form the branch.
	BranchPrefix string

	// BaseBranch is the ref new branches start from. Empty means HEAD.
	BaseBranch string

	// CopyEnv copies the repository's .env file into new worktrees.
	CopyEnv bool

	// Fs is used for every filesystem access other than git itself.
	Fs afero.Fs

	Logger *slog.Logger
}

// Manager handles git worktree lifecycle.
type Manager struct {
	repoRoot     string
	baseDir      string // relative, for .gitignore
	worktreeDir  string // absolute
	branchPrefix string
	baseBranch   string
	copyEnv      bool
	fs           afero.Fs
	logger       *slog.Logger
}

// NewManager creates a worktree manager for the given repository.
// Returns ErrNotGitRepo if repoRoot has no .git entry.
func NewManager(repoRoot string, opts Options) (*Manager, error) {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.BaseDir == "" {
		opts.BaseDir = DefaultBaseDir
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	abs, err := filepath.Abs(repoRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve repo root: %w", err)
	}
	// git reports worktree paths with symlinks resolved.
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}

	// .git can be a directory (normal repo) or a file (worktree itself)
	info, err := opts.Fs.Stat(filepath.Join(abs, ".git"))
	if err != nil || (!info.IsDir() && !info.Mode().IsRegular()) {
		return nil, ErrNotGitRepo
	}

	worktreeDir := opts.BaseDir
	if !filepath.IsAbs(worktreeDir) {
		worktreeDir = filepath.Join(abs, worktreeDir)
	}

	return &Manager{
		repoRoot:     abs,
		baseDir:      opts.BaseDir,
		worktreeDir:  worktreeDir,
		branchPrefix: opts.BranchPrefix,
		baseBranch:   opts.BaseBranch,
		copyEnv:      opts.CopyEnv,
		fs:           opts.Fs,
		logger:       opts.Logger,
	}, nil
}

// ValidateName rejects names that are empty, contain path separators or
// parent references, or could be read as a git option.
func ValidateName(name string) error {
	switch {
	case strings.TrimSpace(name) == "",
		name == ".",
		strings.ContainsAny(name, `/\`),
		strings.Contains(name, ".."),
		strings.HasPrefix(name, "-"):
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// Path returns the directory a worktree with the name lives in.
func (m *Manager) Path(name string) string {
	return filepath.Join(m.worktreeDir, name)
}

// Exists checks if a worktree directory with the name exists.
func (m *Manager) Exists(name string) bool {
	if ValidateName(name) != nil {
		return false
	}
	ok, err := afero.DirExists(m.fs, m.Path(name))
	return err == nil && ok
}

// Create creates a worktree named name on branch <prefix><name>. A new
// branch starts at target, or the configured base branch when target is
// empty. If a step after `git worktree add` fails, the worktree is removed
// again.
func (m *Manager) Create(ctx context.Context, name, target string) (*Worktree, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	wtPath := m.Path(name)
	branch := m.branchName(name)

	if exists, _ := afero.Exists(m.fs, wtPath); exists {
		return nil, ErrWorktreeExists
	}

	// Ensure the base dir is gitignored before creating any worktrees
	if _, err := EnsureGitignore(m.fs, m.repoRoot, m.baseDir); err != nil {
		return nil, fmt.Errorf("ensuring gitignore: %w", err)
	}

	if err := m.fs.MkdirAll(m.worktreeDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create worktree directory: %w", err)
	}

	newBranch := !m.branchExists(ctx, branch)
	args := []string{"worktree", "add"}
	if newBranch {
		args = append(args, "-b", branch, wtPath)
		if base := firstNonEmpty(target, m.baseBranch); base != "" {
			args = append(args, base)
		}
	} else {
		args = append(args, wtPath, branch)
	}

	if output, err := m.git(ctx, args...); err != nil {
		return nil, fmt.Errorf("failed to create worktree: %s: %w", strings.TrimSpace(string(output)), err)
	}

	if err := m.afterCreate(wtPath); err != nil {
		if rmErr := m.remove(ctx, wtPath, branch, newBranch); rmErr != nil {
			m.logger.Error("cleanup of partial worktree failed", "worktree", name, "error", rmErr)
		}
		return nil, err
	}

	m.logger.Info("created worktree", "worktree", name, "branch", branch, "path", wtPath)
	return &Worktree{
		Path:    wtPath,
		Branch:  branch,
		Name:    name,
		Created: time.Now(),
	}, nil
}

// afterCreate runs the post-creation steps.
func (m *Manager) afterCreate(wtPath string) error {
	if !m.copyEnv {
		return nil
	}
	src := filepath.Join(m.repoRoot, ".env")
	data, err := afero.ReadFile(m.fs, src)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read .env: %w", err)
	}
	if err := afero.WriteFile(m.fs, filepath.Join(wtPath, ".env"), data, 0o600); err != nil {
		return fmt.Errorf("copy .env: %w", err)
	}
	return nil
}

// Remove deletes a worktree and its branch.
// Force removes even if there are uncommitted changes.
func (m *Manager) Remove(ctx context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	wtPath := m.Path(name)
	if exists, _ := afero.Exists(m.fs, wtPath); !exists {
		return ErrWorktreeNotFound
	}
	return m.remove(ctx, wtPath, m.branchName(name), true)
}

func (m *Manager) remove(ctx context.Context, wtPath, branch string, deleteBranch bool) error {
	output, err := m.git(ctx, "worktree", "remove", wtPath, "--force")
	if err != nil {
		return fmt.Errorf("failed to remove worktree: %s: %w", strings.TrimSpace(string(output)), err)
	}

	if deleteBranch && m.branchExists(ctx, branch) {
		output, err = m.git(ctx, "branch", "-D", branch)
		if err != nil {
			return fmt.Errorf("failed to delete branch: %s: %w", strings.TrimSpace(string(output)), err)
		}
	}
	return nil
}

// Get returns the worktree with the name, or nil if it does not exist.
func (m *Manager) Get(ctx context.Context, name string) (*Worktree, error) {
	worktrees, err := m.List(ctx)
	if err != nil {
		return nil, err
	}

	for _, wt := range worktrees {
		if wt.Name == name {
			return wt, nil
		}
	}

	return nil, nil
}

// List returns the worktrees that live under the base dir.
func (m *Manager) List(ctx context.Context) ([]*Worktree, error) {
	cmd := exec.CommandContext(ctx, "git", "worktree", "list", "--porcelain")
	cmd.Dir = m.repoRoot

	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to list worktrees: %w", err)
	}

	return m.parseWorktreeList(output)
}

// branchName returns the branch name for a worktree.
func (m *Manager) branchName(name string) string {
	return m.branchPrefix + name
}

// branchExists checks if a branch exists.
func (m *Manager) branchExists(ctx context.Context, branch string) bool {
	cmd := exec.CommandContext(ctx, "git", "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	cmd.Dir = m.repoRoot
	return cmd.Run() == nil
}

func (m *Manager) git(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = m.repoRoot
	return cmd.CombinedOutput()
}

// parseWorktreeList parses the output of `git worktree list --porcelain`.
// Format:
//
//	worktree /path/to/worktree
//	HEAD <commit>
//	branch refs/heads/<branch>
//	<blank line>
func (m *Manager) parseWorktreeList(output []byte) ([]*Worktree, error) {
	var worktrees []*Worktree
	var current *Worktree

	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case strings.HasPrefix(line, "worktree "):
			current = &Worktree{Path: strings.TrimPrefix(line, "worktree ")}
		case strings.HasPrefix(line, "branch ") && current != nil:
			current.Branch = strings.TrimPrefix(line, "branch refs/heads/")
			if filepath.Dir(current.Path) == m.worktreeDir {
				current.Name = filepath.Base(current.Path)
				worktrees = append(worktrees, current)
			}
			current = nil
		case line == "":
			current = nil
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to parse worktree list: %w", err)
	}

	return worktrees, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
