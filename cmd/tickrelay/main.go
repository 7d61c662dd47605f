package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pengelbrecht/tickrelay/internal/config"
	"github.com/pengelbrecht/tickrelay/internal/logging"
	"github.com/pengelbrecht/tickrelay/internal/tui"
	"github.com/pengelbrecht/tickrelay/internal/update"
	"github.com/pengelbrecht/tickrelay/internal/worktree"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "tickrelay",
	Short: "Poll a task tracker and dispatch coding-agent workflows",
	Long: `tickrelay watches a Teamwork project or Notion database for tasks marked
"execute" (or "continue - <prompt>"), claims them on the tracker, prepares a
git worktree and launches the configured build or plan/implement workflow.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var teamworkCmd = newPollCmd("teamwork", "Poll a Teamwork project", "project-id", "Teamwork project ID (or TEAMWORK_PROJECT_ID)")

var notionCmd = newPollCmd("notion", "Poll a Notion database", "database-id", "Notion database ID (or NOTION_DATABASE_ID)")

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the configuration after defaults, the config file, the environment
and flags have been applied. API keys are masked.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(cfgPath, cmd.Flags())
		if err != nil {
			return err
		}
		out, err := cfg.Dump()
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), out)

		trackerName, _ := cmd.Flags().GetString("validate")
		if trackerName == "" {
			return nil
		}
		if errs := cfg.Validate(trackerName); len(errs) > 0 {
			return errs
		}
		fmt.Fprintf(cmd.OutOrStdout(), "# configuration is valid for %s\n", trackerName)
		return nil
	},
}

var worktreesCmd = &cobra.Command{
	Use:   "worktrees",
	Short: "List or remove the worktrees created for tasks",
	Long: `List the git worktrees under the configured base directory with their
branches. With --remove the named worktree and its branch are deleted.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(cfgPath, cmd.Flags())
		if err != nil {
			return err
		}
		mgr, err := newManager(cfg, logging.Discard())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		if name, _ := cmd.Flags().GetString("remove"); name != "" {
			wt, err := mgr.Get(cmd.Context(), name)
			if err != nil {
				return err
			}
			if wt == nil {
				return fmt.Errorf("%s: %w", name, worktree.ErrWorktreeNotFound)
			}
			if err := mgr.Remove(cmd.Context(), name); err != nil {
				return err
			}
			fmt.Fprintf(out, "Removed %s (branch %s)\n", wt.Name, wt.Branch)
			return nil
		}

		worktrees, err := mgr.List(cmd.Context())
		if err != nil {
			return err
		}
		if len(worktrees) == 0 {
			fmt.Fprintln(out, "No worktrees.")
			return nil
		}
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tBRANCH\tPATH")
		for _, wt := range worktrees {
			fmt.Fprintf(w, "%s\t%s\t%s\n", wt.Name, wt.Branch, wt.Path)
		}
		return w.Flush()
	},
}

var upgradeCmd = &cobra.Command{
	Use:   "upgrade",
	Short: "Upgrade tickrelay to the latest version",
	Long:  `Downloads the latest GitHub release and replaces the running binary.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintf(cmd.OutOrStdout(), "Current version: %s\n", version)
		fmt.Fprintln(cmd.OutOrStdout(), "Checking for updates...")

		rel, err := update.Upgrade(cmd.Context(), version)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Upgraded to %s\n", rel.Version)
		return nil
	},
}

func newPollCmd(name, short, scopeFlag, scopeUsage string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPoller(cmd, name)
		},
	}

	f := cmd.Flags()
	f.String(scopeFlag, "", scopeUsage)
	f.Bool("once", false, "Run a single poll cycle and exit")
	f.Bool("dry-run", false, "Log what would happen without touching the tracker, git or workflows")
	config.SecondsVar(f, "interval", 15*time.Second, "Polling interval in seconds")
	f.Int("max-tasks", 3, "Maximum tasks started per cycle")
	f.Int("fetch-limit", 50, "Maximum tasks fetched per cycle")
	f.String("status-filter", "", `Pickup statuses as a JSON array, e.g. '["New","To Do"]'`)
	f.Bool("tui", false, "Show a live dashboard")
	f.Bool("jsonl", false, "Print status as JSON Lines")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	f.String("log-file", "", "Write logs to a file instead of stderr")
	f.String("repo", ".", "Repository the worktrees are created in")
	return cmd
}

func runPoller(cmd *cobra.Command, trackerName string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	loader := config.NewLoader()
	cfg, err := loader.Load(cfgPath, cmd.Flags())
	if err != nil {
		return err
	}

	rawFilter, _ := cmd.Flags().GetString("status-filter")
	filter, err := parseStatusFilter(rawFilter)
	if err != nil {
		return err
	}
	cfg.ApplyStatusFilter(trackerName, filter)

	if errs := cfg.Validate(trackerName); len(errs) > 0 {
		return errs
	}

	// The dashboard owns the terminal; logs go to a file instead.
	if cfg.Output.TUI && cfg.Log.File == "" {
		cfg.Log.File = "tickrelay.log"
	}
	logger, closeLog, err := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, File: cfg.Log.File})
	if err != nil {
		return err
	}
	defer closeLog()

	if notice := checkForUpdate(cmd.Context()); notice != "" {
		fmt.Fprintln(cmd.ErrOrStderr(), notice)
	}

	t, err := newTracker(trackerName, cfg, logger)
	if err != nil {
		return err
	}
	loop, err := newLoop(trackerName, cfg, t, logger)
	if err != nil {
		return err
	}

	if cfg.Poll.Once {
		n, err := loop.RunSingle(cmd.Context())
		logger.Info("single cycle finished", "dispatched", n)
		return err
	}

	loader.Watch(func(next *config.Config) {
		next.ApplyStatusFilter(trackerName, filter)
		pickup, review := next.Statuses(trackerName)
		loop.Reconfigure(pickup, review, next.Poll.Interval, next.Poll.MaxTasks)
	}, logger)

	if cfg.Output.TUI {
		return tui.Run(cmd.Context(), loop, tui.Config{
			Tracker:  trackerName,
			Scope:    t.ScopeID(),
			Interval: cfg.Poll.Interval,
			DryRun:   cfg.Poll.DryRun,
		})
	}
	return loop.RunContinuous(cmd.Context())
}

// parseStatusFilter accepts a JSON array or a comma-separated list.
func parseStatusFilter(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if strings.HasPrefix(raw, "[") {
		var out []string
		if err := json.Unmarshal([]byte(raw), &out); err != nil {
			return nil, fmt.Errorf("invalid --status-filter: %w", err)
		}
		return out, nil
	}
	return strings.Split(raw, ","), nil
}

func checkForUpdate(ctx context.Context) string {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return update.NewChecker().Notice(ctx, version)
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Config file (default ./tickrelay.yaml)")

	configCmd.Flags().String("validate", "", "Also validate for a tracker (teamwork or notion)")

	worktreesCmd.Flags().String("repo", ".", "Repository the worktrees live in")
	worktreesCmd.Flags().String("remove", "", "Remove the named worktree and its branch")

	rootCmd.AddCommand(teamworkCmd)
	rootCmd.AddCommand(notionCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(worktreesCmd)
	rootCmd.AddCommand(upgradeCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
