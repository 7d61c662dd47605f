package worktree

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// EnsureGitignore makes sure baseDir is listed in the repository's
// .gitignore. It reports whether the file was changed.
func EnsureGitignore(fs afero.Fs, repoRoot, baseDir string) (bool, error) {
	if filepath.IsAbs(baseDir) {
		rel, err := filepath.Rel(repoRoot, baseDir)
		if err != nil || strings.HasPrefix(rel, "..") {
			// Outside the repository, nothing to ignore.
			return false, nil
		}
		baseDir = rel
	}
	entry := "/" + strings.Trim(filepath.ToSlash(baseDir), "/") + "/"
	path := filepath.Join(repoRoot, ".gitignore")

	data, err := afero.ReadFile(fs, path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("read .gitignore: %w", err)
	}

	bare := strings.Trim(entry, "/")
	for _, line := range strings.Split(string(data), "\n") {
		if strings.Trim(strings.TrimSpace(line), "/") == bare {
			return false, nil
		}
	}

	content := string(data)
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	content += entry + "\n"

	if err := afero.WriteFile(fs, path, []byte(content), 0o644); err != nil {
		return false, fmt.Errorf("write .gitignore: %w", err)
	}
	return true, nil
}
