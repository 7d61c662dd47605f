// Package config loads tickrelay's configuration from defaults, an optional
// YAML file, the environment and command-line flags, in that order of
// precedence (later wins).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// DefaultFile is read when no --config flag is given. It may be absent.
const DefaultFile = "tickrelay.yaml"

// EnvPrefix prefixes environment overrides for every key, e.g.
// TICKRELAY_POLL_INTERVAL for poll.interval.
const EnvPrefix = "TICKRELAY"

// Config is the complete tickrelay configuration.
type Config struct {
	Teamwork  TeamworkConfig  `mapstructure:"teamwork" yaml:"teamwork"`
	Notion    NotionConfig    `mapstructure:"notion" yaml:"notion"`
	HTTP      HTTPConfig      `mapstructure:"http" yaml:"http"`
	Poll      PollConfig      `mapstructure:"poll" yaml:"poll"`
	Routing   RoutingConfig   `mapstructure:"routing" yaml:"routing"`
	Naming    NamingConfig    `mapstructure:"naming" yaml:"naming"`
	Worktree  WorktreeConfig  `mapstructure:"worktree" yaml:"worktree"`
	Workflows WorkflowsConfig `mapstructure:"workflows" yaml:"workflows"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Output    OutputConfig    `mapstructure:"output" yaml:"output"`
}

// TeamworkConfig configures the Teamwork tracker.
type TeamworkConfig struct {
	BaseURL        string   `mapstructure:"base_url" yaml:"base_url"`
	APIKey         string   `mapstructure:"api_key" yaml:"api_key"`
	ProjectID      string   `mapstructure:"project_id" yaml:"project_id"`
	PageSize       int      `mapstructure:"page_size" yaml:"page_size"`
	PickupStatuses []string `mapstructure:"pickup_statuses" yaml:"pickup_statuses"`
	ReviewStatuses []string `mapstructure:"review_statuses" yaml:"review_statuses"`
}

// NotionConfig configures the Notion tracker.
type NotionConfig struct {
	BaseURL        string   `mapstructure:"base_url" yaml:"base_url"`
	APIKey         string   `mapstructure:"api_key" yaml:"api_key"`
	DatabaseID     string   `mapstructure:"database_id" yaml:"database_id"`
	StatusProperty string   `mapstructure:"status_property" yaml:"status_property"`
	PageSize       int      `mapstructure:"page_size" yaml:"page_size"`
	PickupStatuses []string `mapstructure:"pickup_statuses" yaml:"pickup_statuses"`
	ReviewStatuses []string `mapstructure:"review_statuses" yaml:"review_statuses"`
}

// HTTPConfig controls retries and pacing of tracker requests.
type HTTPConfig struct {
	MaxRetries   int           `mapstructure:"max_retries" yaml:"max_retries"`
	RetryWaitMin time.Duration `mapstructure:"retry_wait_min" yaml:"retry_wait_min"`
	RetryWaitMax time.Duration `mapstructure:"retry_wait_max" yaml:"retry_wait_max"`
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RateLimit    float64       `mapstructure:"rate_limit" yaml:"rate_limit"`
}

// PollConfig controls the poll loop.
type PollConfig struct {
	Interval   time.Duration `mapstructure:"interval" yaml:"interval"`
	MaxTasks   int           `mapstructure:"max_tasks" yaml:"max_tasks"`
	FetchLimit int           `mapstructure:"fetch_limit" yaml:"fetch_limit"`
	TaskDelay  time.Duration `mapstructure:"task_delay" yaml:"task_delay"`
	DryRun     bool          `mapstructure:"dry_run" yaml:"dry_run"`
	Once       bool          `mapstructure:"once" yaml:"once"`
}

// RoutingConfig controls model and workflow selection.
type RoutingConfig struct {
	DefaultModel          string   `mapstructure:"default_model" yaml:"default_model"`
	Models                []string `mapstructure:"models" yaml:"models"`
	FullWorkflowThreshold int      `mapstructure:"full_workflow_threshold" yaml:"full_workflow_threshold"`
}

// NamingConfig controls generated worktree names.
type NamingConfig struct {
	Strategy     string        `mapstructure:"strategy" yaml:"strategy"`
	MaxLength    int           `mapstructure:"max_length" yaml:"max_length"`
	AgentCommand string        `mapstructure:"agent_command" yaml:"agent_command"`
	Model        string        `mapstructure:"model" yaml:"model"`
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// WorktreeConfig controls worktree creation.
type WorktreeConfig struct {
	RepoRoot     string `mapstructure:"repo_root" yaml:"repo_root"`
	BaseDir      string `mapstructure:"base_dir" yaml:"base_dir"`
	BranchPrefix string `mapstructure:"branch_prefix" yaml:"branch_prefix"`
	BaseBranch   string `mapstructure:"base_branch" yaml:"base_branch"`
	CopyEnv      bool   `mapstructure:"copy_env" yaml:"copy_env"`
	NamePrefix   string `mapstructure:"name_prefix" yaml:"name_prefix"`
}

// WorkflowsConfig names the workflow entry points. Each is an argv prefix;
// the positional run arguments are appended.
type WorkflowsConfig struct {
	Build         []string `mapstructure:"build" yaml:"build"`
	PlanImplement []string `mapstructure:"plan_implement" yaml:"plan_implement"`
	WorkDir       string   `mapstructure:"workdir" yaml:"workdir"`
	LogDir        string   `mapstructure:"log_dir" yaml:"log_dir"`
}

// LogConfig controls diagnostic logging.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	File   string `mapstructure:"file" yaml:"file"`
}

// OutputConfig controls the status output of the poller.
type OutputConfig struct {
	JSONL bool `mapstructure:"jsonl" yaml:"jsonl"`
	TUI   bool `mapstructure:"tui" yaml:"tui"`
}

// Default returns the configuration used when nothing else is set.
func Default() *Config {
	return &Config{
		Teamwork: TeamworkConfig{
			PageSize:       50,
			PickupStatuses: []string{"New", "To Do"},
			ReviewStatuses: []string{"Review"},
		},
		Notion: NotionConfig{
			BaseURL:        "https://api.notion.com",
			StatusProperty: "Status",
			PageSize:       50,
			PickupStatuses: []string{"Not started"},
			ReviewStatuses: []string{"HIL Review"},
		},
		HTTP: HTTPConfig{
			MaxRetries:   3,
			RetryWaitMin: 1 * time.Second,
			RetryWaitMax: 30 * time.Second,
			Timeout:      30 * time.Second,
		},
		Poll: PollConfig{
			Interval:   15 * time.Second,
			MaxTasks:   3,
			FetchLimit: 50,
			TaskDelay:  1 * time.Second,
		},
		Routing: RoutingConfig{
			DefaultModel:          "sonnet",
			Models:                []string{"opus", "sonnet"},
			FullWorkflowThreshold: 500,
		},
		Naming: NamingConfig{
			Strategy:     "slug",
			MaxLength:    50,
			AgentCommand: "claude",
			Model:        "haiku",
			Timeout:      30 * time.Second,
		},
		Worktree: WorktreeConfig{
			RepoRoot:   ".",
			BaseDir:    "trees",
			BaseBranch: "main",
			CopyEnv:    true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// setDefaults registers every key with v. Keys without a default are never
// picked up from the environment by Unmarshal.
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("teamwork.base_url", d.Teamwork.BaseURL)
	v.SetDefault("teamwork.api_key", d.Teamwork.APIKey)
	v.SetDefault("teamwork.project_id", d.Teamwork.ProjectID)
	v.SetDefault("teamwork.page_size", d.Teamwork.PageSize)
	v.SetDefault("teamwork.pickup_statuses", d.Teamwork.PickupStatuses)
	v.SetDefault("teamwork.review_statuses", d.Teamwork.ReviewStatuses)

	v.SetDefault("notion.base_url", d.Notion.BaseURL)
	v.SetDefault("notion.api_key", d.Notion.APIKey)
	v.SetDefault("notion.database_id", d.Notion.DatabaseID)
	v.SetDefault("notion.status_property", d.Notion.StatusProperty)
	v.SetDefault("notion.page_size", d.Notion.PageSize)
	v.SetDefault("notion.pickup_statuses", d.Notion.PickupStatuses)
	v.SetDefault("notion.review_statuses", d.Notion.ReviewStatuses)

	v.SetDefault("http.max_retries", d.HTTP.MaxRetries)
	v.SetDefault("http.retry_wait_min", d.HTTP.RetryWaitMin)
	v.SetDefault("http.retry_wait_max", d.HTTP.RetryWaitMax)
	v.SetDefault("http.timeout", d.HTTP.Timeout)
	v.SetDefault("http.rate_limit", d.HTTP.RateLimit)

	v.SetDefault("poll.interval", d.Poll.Interval)
	v.SetDefault("poll.max_tasks", d.Poll.MaxTasks)
	v.SetDefault("poll.fetch_limit", d.Poll.FetchLimit)
	v.SetDefault("poll.task_delay", d.Poll.TaskDelay)
	v.SetDefault("poll.dry_run", d.Poll.DryRun)
	v.SetDefault("poll.once", d.Poll.Once)

	v.SetDefault("routing.default_model", d.Routing.DefaultModel)
	v.SetDefault("routing.models", d.Routing.Models)
	v.SetDefault("routing.full_workflow_threshold", d.Routing.FullWorkflowThreshold)

	v.SetDefault("naming.strategy", d.Naming.Strategy)
	v.SetDefault("naming.max_length", d.Naming.MaxLength)
	v.SetDefault("naming.agent_command", d.Naming.AgentCommand)
	v.SetDefault("naming.model", d.Naming.Model)
	v.SetDefault("naming.timeout", d.Naming.Timeout)

	v.SetDefault("worktree.repo_root", d.Worktree.RepoRoot)
	v.SetDefault("worktree.base_dir", d.Worktree.BaseDir)
	v.SetDefault("worktree.branch_prefix", d.Worktree.BranchPrefix)
	v.SetDefault("worktree.base_branch", d.Worktree.BaseBranch)
	v.SetDefault("worktree.copy_env", d.Worktree.CopyEnv)
	v.SetDefault("worktree.name_prefix", d.Worktree.NamePrefix)

	v.SetDefault("workflows.build", d.Workflows.Build)
	v.SetDefault("workflows.plan_implement", d.Workflows.PlanImplement)
	v.SetDefault("workflows.workdir", d.Workflows.WorkDir)
	v.SetDefault("workflows.log_dir", d.Workflows.LogDir)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file", d.Log.File)

	v.SetDefault("output.jsonl", d.Output.JSONL)
	v.SetDefault("output.tui", d.Output.TUI)
}

// trackerEnv are the unprefixed variables the tracker credentials are read
// from.
var trackerEnv = map[string]string{
	"teamwork.base_url":   "TEAMWORK_BASE_URL",
	"teamwork.api_key":    "TEAMWORK_API_KEY",
	"teamwork.project_id": "TEAMWORK_PROJECT_ID",
	"notion.base_url":     "NOTION_BASE_URL",
	"notion.api_key":      "NOTION_API_KEY",
	"notion.database_id":  "NOTION_DATABASE_ID",
}

// FlagKeys maps command-line flag names to configuration keys. Flags that are
// not defined on a command are skipped.
var FlagKeys = map[string]string{
	"interval":    "poll.interval",
	"max-tasks":   "poll.max_tasks",
	"fetch-limit": "poll.fetch_limit",
	"dry-run":     "poll.dry_run",
	"once":        "poll.once",
	"project-id":  "teamwork.project_id",
	"database-id": "notion.database_id",
	"log-level":   "log.level",
	"log-format":  "log.format",
	"log-file":    "log.file",
	"jsonl":       "output.jsonl",
	"tui":         "output.tui",
	"repo":        "worktree.repo_root",
}

// Loader owns the viper instance behind a Config so the file can be
// watched after loading.
type Loader struct {
	v        *viper.Viper
	fileUsed bool

	mu      sync.Mutex
	watched bool
}

// NewLoader creates a Loader with defaults and environment bindings.
func NewLoader() *Loader {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range trackerEnv {
		// Explicit names win over the prefixed form.
		_ = v.BindEnv(key, env, EnvPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")))
	}

	return &Loader{v: v}
}

// Load is shorthand for NewLoader().Load(path, flags).
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	return NewLoader().Load(path, flags)
}

// Load reads path (or DefaultFile when path is empty; a missing default
// file is not an error), binds flags and decodes the result.
func (l *Loader) Load(path string, flags *pflag.FlagSet) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}
	l.v.SetConfigFile(path)
	l.v.SetConfigType("yaml")
	if err := l.v.ReadInConfig(); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		l.fileUsed = true
	}

	if flags != nil {
		for name, key := range FlagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := l.v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	return l.decode()
}

// File returns the config file in use, or "" when running on defaults.
func (l *Loader) File() string {
	if !l.fileUsed {
		return ""
	}
	return l.v.ConfigFileUsed()
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	return &cfg, nil
}

// Watch calls fn with the freshly decoded configuration whenever the config
// file changes. It does nothing when no file was loaded. Invalid reloads are
// logged and dropped.
func (l *Loader) Watch(fn func(*Config), logger *slog.Logger) {
	if !l.fileUsed {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watched {
		return
	}
	l.watched = true

	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := l.decode()
		if err != nil {
			logger.Warn("ignoring config reload", "file", e.Name, "error", err)
			return
		}
		if errs := cfg.Validate(""); len(errs) > 0 {
			logger.Warn("ignoring invalid config reload", "file", e.Name, "error", errs)
			return
		}
		logger.Info("config file changed", "file", e.Name)
		fn(cfg)
	})
	l.v.WatchConfig()
}

// normalize trims list entries and drops empty ones.
func (c *Config) normalize() {
	c.Teamwork.PickupStatuses = cleanList(c.Teamwork.PickupStatuses)
	c.Teamwork.ReviewStatuses = cleanList(c.Teamwork.ReviewStatuses)
	c.Notion.PickupStatuses = cleanList(c.Notion.PickupStatuses)
	c.Notion.ReviewStatuses = cleanList(c.Notion.ReviewStatuses)
	c.Routing.Models = cleanList(c.Routing.Models)
	c.Teamwork.BaseURL = strings.TrimRight(strings.TrimSpace(c.Teamwork.BaseURL), "/")
	c.Notion.BaseURL = strings.TrimRight(strings.TrimSpace(c.Notion.BaseURL), "/")
}

func cleanList(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// ApplyStatusFilter replaces the pickup statuses of trackerName with filter.
// Entries that are configured review statuses stay review-only.
func (c *Config) ApplyStatusFilter(trackerName string, filter []string) {
	filter = cleanList(filter)
	if len(filter) == 0 {
		return
	}
	var pickup, review *[]string
	switch trackerName {
	case "teamwork":
		pickup, review = &c.Teamwork.PickupStatuses, &c.Teamwork.ReviewStatuses
	case "notion":
		pickup, review = &c.Notion.PickupStatuses, &c.Notion.ReviewStatuses
	default:
		return
	}
	var next []string
	for _, s := range filter {
		if !containsFold(*review, s) {
			next = append(next, s)
		}
	}
	*pickup = next
}

// Statuses returns the pickup and review statuses for trackerName.
func (c *Config) Statuses(trackerName string) (pickup, review []string) {
	switch trackerName {
	case "teamwork":
		return c.Teamwork.PickupStatuses, c.Teamwork.ReviewStatuses
	case "notion":
		return c.Notion.PickupStatuses, c.Notion.ReviewStatuses
	}
	return nil, nil
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// Dump renders c as YAML with credentials masked.
func (c *Config) Dump() (string, error) {
	redacted := *c
	redacted.Teamwork.APIKey = mask(c.Teamwork.APIKey)
	redacted.Notion.APIKey = mask(c.Notion.APIKey)
	out, err := yaml.Marshal(&redacted)
	if err != nil {
		return "", fmt.Errorf("encode config: %w", err)
	}
	return string(out), nil
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 4 {
		return "****"
	}
	return "****" + secret[len(secret)-4:]
}
