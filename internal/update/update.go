// Package update implements the upgrade command and the once-a-day
// "new version available" notice.
package update

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/creativeprojects/go-selfupdate"
)

const (
	repoOwner     = "pengelbrecht"
	repoName      = "tickrelay"
	checkInterval = 24 * time.Hour
)

// ErrDevBuild is returned when the running binary carries no release version.
var ErrDevBuild = errors.New("cannot update dev builds")

// Release is the newest published release.
type Release struct {
	Version    string
	ReleaseURL string
}

// InstallMethod represents how the binary was installed.
type InstallMethod int

const (
	InstallUnknown InstallMethod = iota
	InstallHomebrew
	InstallScript
)

func (m InstallMethod) String() string {
	switch m {
	case InstallHomebrew:
		return "homebrew"
	case InstallScript:
		return "script"
	default:
		return "unknown"
	}
}

// DetectInstallMethod determines how the running binary was installed.
func DetectInstallMethod() InstallMethod {
	exe, err := os.Executable()
	if err != nil {
		return InstallUnknown
	}
	exe, err = filepath.EvalSymlinks(exe)
	if err != nil {
		return InstallUnknown
	}
	return installMethodFor(exe)
}

func installMethodFor(exe string) InstallMethod {
	if strings.Contains(exe, "/Cellar/") ||
		strings.HasPrefix(exe, "/opt/homebrew/") ||
		strings.HasPrefix(exe, "/usr/local/Homebrew/") ||
		strings.Contains(exe, "linuxbrew") {
		return InstallHomebrew
	}
	return InstallScript
}

// Checker looks up releases and caches the result on disk.
type Checker struct {
	// CacheDir holds update-cache.json. Empty disables caching.
	CacheDir string

	// Interval between network checks. Defaults to 24h.
	Interval time.Duration

	now    func() time.Time
	latest func(ctx context.Context) (*Release, bool, error)
}

// NewChecker creates a Checker against the GitHub releases of tickrelay.
func NewChecker() *Checker {
	return &Checker{
		CacheDir: defaultCacheDir(),
		Interval: checkInterval,
		now:      time.Now,
		latest:   detectLatest,
	}
}

func defaultCacheDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "tickrelay")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "tickrelay")
}

func newUpdater() (*selfupdate.Updater, error) {
	source, err := selfupdate.NewGitHubSource(selfupdate.GitHubConfig{})
	if err != nil {
		return nil, fmt.Errorf("failed to create GitHub source: %w", err)
	}
	updater, err := selfupdate.NewUpdater(selfupdate.Config{Source: source})
	if err != nil {
		return nil, fmt.Errorf("failed to create updater: %w", err)
	}
	return updater, nil
}

func detectLatest(ctx context.Context) (*Release, bool, error) {
	updater, err := newUpdater()
	if err != nil {
		return nil, false, err
	}
	latest, found, err := updater.DetectLatest(ctx, selfupdate.NewRepositorySlug(repoOwner, repoName))
	if err != nil {
		return nil, false, fmt.Errorf("failed to detect latest version: %w", err)
	}
	if !found {
		return nil, false, nil
	}
	return &Release{Version: latest.Version(), ReleaseURL: latest.URL}, true, nil
}

// Check returns the latest release and whether it is newer than current.
func (c *Checker) Check(ctx context.Context, current string) (*Release, bool, error) {
	if isDev(current) {
		return nil, false, nil
	}
	rel, found, err := c.latest(ctx)
	if err != nil || !found {
		return nil, false, err
	}
	return rel, isNewer(rel.Version, current), nil
}

type cacheEntry struct {
	LastCheck       time.Time `json:"last_check"`
	LatestVersion   string    `json:"latest_version,omitempty"`
	UpdateAvailable bool      `json:"update_available"`
}

func (c *Checker) cachePath() string {
	if c.CacheDir == "" {
		return ""
	}
	return filepath.Join(c.CacheDir, "update-cache.json")
}

func (c *Checker) loadCache() *cacheEntry {
	path := c.cachePath()
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var entry cacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil
	}
	return &entry
}

func (c *Checker) saveCache(entry *cacheEntry) {
	path := c.cachePath()
	if path == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	_ = os.WriteFile(path, data, 0644)
}

// Notice returns a one-line update notice, or "" when current is up to date,
// a dev build, or the check fails. The network is consulted at most once per
// Interval.
func (c *Checker) Notice(ctx context.Context, current string) string {
	if isDev(current) {
		return ""
	}
	method := DetectInstallMethod()

	if cached := c.loadCache(); cached != nil && c.now().Sub(cached.LastCheck) < c.Interval {
		// The binary may have been upgraded since the cache was written.
		if cached.UpdateAvailable && isNewer(cached.LatestVersion, current) {
			return formatNotice(current, cached.LatestVersion, method)
		}
		return ""
	}

	rel, newer, err := c.Check(ctx, current)
	entry := &cacheEntry{LastCheck: c.now(), UpdateAvailable: newer && err == nil}
	if rel != nil {
		entry.LatestVersion = rel.Version
	}
	c.saveCache(entry)

	if err != nil || !newer {
		return ""
	}
	return formatNotice(current, rel.Version, method)
}

// Upgrade replaces the running binary with the latest release.
func Upgrade(ctx context.Context, current string) (*Release, error) {
	if DetectInstallMethod() == InstallHomebrew {
		return nil, fmt.Errorf("tickrelay was installed via Homebrew. Please run: brew upgrade %s/tap/%s", repoOwner, repoName)
	}
	if isDev(current) {
		return nil, ErrDevBuild
	}

	updater, err := newUpdater()
	if err != nil {
		return nil, err
	}
	latest, found, err := updater.DetectLatest(ctx, selfupdate.NewRepositorySlug(repoOwner, repoName))
	if err != nil {
		return nil, fmt.Errorf("failed to detect latest version: %w", err)
	}
	if !found {
		return nil, fmt.Errorf("no releases found")
	}
	if !isNewer(latest.Version(), current) {
		return nil, fmt.Errorf("already at latest version (%s)", current)
	}

	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to get executable path: %w", err)
	}
	if err := updater.UpdateTo(ctx, latest, exe); err != nil {
		return nil, fmt.Errorf("failed to update: %w", err)
	}
	return &Release{Version: latest.Version(), ReleaseURL: latest.URL}, nil
}

func isDev(version string) bool {
	v := strings.TrimPrefix(version, "v")
	return v == "" || v == "dev"
}

// isNewer reports whether version a is a newer semantic version than b.
// Unparseable versions are never newer.
func isNewer(a, b string) bool {
	va, err := semver.NewVersion(a)
	if err != nil {
		return false
	}
	vb, err := semver.NewVersion(b)
	if err != nil {
		return false
	}
	return va.GreaterThan(vb)
}

func formatNotice(current, latest string, method InstallMethod) string {
	cmd := "tickrelay upgrade"
	if method == InstallHomebrew {
		cmd = fmt.Sprintf("brew upgrade %s/tap/%s", repoOwner, repoName)
	}
	return fmt.Sprintf("Update available: %s -> %s (run: %s)", current, latest, cmd)
}
