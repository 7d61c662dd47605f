package config

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"
)

// MinInterval is the shortest accepted poll interval.
const MinInterval = 5 * time.Second

// MaxTasksLimit is the largest accepted per-cycle cap.
const MaxTasksLimit = 10

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidLogFormats returns the list of valid log formats
func ValidLogFormats() []string {
	return []string{"text", "json"}
}

// ValidNamingStrategies returns the list of valid worktree naming strategies
func ValidNamingStrategies() []string {
	return []string{"slug", "agent"}
}

// Validate checks c for invalid values. trackerName selects which tracker
// section must be complete; "" checks only the shared sections.
func (c *Config) Validate(trackerName string) ValidationErrors {
	var errs ValidationErrors
	add := func(field string, value any, msg string) {
		errs = append(errs, ValidationError{Field: field, Value: value, Message: msg})
	}

	switch trackerName {
	case "teamwork":
		if c.Teamwork.ProjectID == "" {
			add("teamwork.project_id", c.Teamwork.ProjectID, "is required (--project-id or TEAMWORK_PROJECT_ID)")
		}
		if c.Teamwork.APIKey == "" {
			add("teamwork.api_key", "", "is required (TEAMWORK_API_KEY)")
		}
		if !validURL(c.Teamwork.BaseURL) {
			add("teamwork.base_url", c.Teamwork.BaseURL, "must be an absolute http(s) URL (TEAMWORK_BASE_URL)")
		}
		if len(c.Teamwork.PickupStatuses) == 0 {
			add("teamwork.pickup_statuses", c.Teamwork.PickupStatuses, "must not be empty")
		}
	case "notion":
		if c.Notion.DatabaseID == "" {
			add("notion.database_id", c.Notion.DatabaseID, "is required (--database-id or NOTION_DATABASE_ID)")
		}
		if c.Notion.APIKey == "" {
			add("notion.api_key", "", "is required (NOTION_API_KEY)")
		}
		if !validURL(c.Notion.BaseURL) {
			add("notion.base_url", c.Notion.BaseURL, "must be an absolute http(s) URL")
		}
		if len(c.Notion.PickupStatuses) == 0 {
			add("notion.pickup_statuses", c.Notion.PickupStatuses, "must not be empty")
		}
	}

	if c.Poll.Interval < MinInterval {
		add("poll.interval", c.Poll.Interval, fmt.Sprintf("must be at least %s", MinInterval))
	}
	if c.Poll.MaxTasks < 1 || c.Poll.MaxTasks > MaxTasksLimit {
		add("poll.max_tasks", c.Poll.MaxTasks, fmt.Sprintf("must be between 1 and %d", MaxTasksLimit))
	}
	if c.Poll.FetchLimit < 0 {
		add("poll.fetch_limit", c.Poll.FetchLimit, "must not be negative")
	}
	if c.Poll.TaskDelay < 0 {
		add("poll.task_delay", c.Poll.TaskDelay, "must not be negative")
	}
	if c.HTTP.MaxRetries < 0 {
		add("http.max_retries", c.HTTP.MaxRetries, "must not be negative")
	}
	if c.HTTP.RateLimit < 0 {
		add("http.rate_limit", c.HTTP.RateLimit, "must not be negative")
	}

	if len(c.Routing.Models) == 0 {
		add("routing.models", c.Routing.Models, "must not be empty")
	} else if !slices.Contains(lowerAll(c.Routing.Models), strings.ToLower(c.Routing.DefaultModel)) {
		add("routing.default_model", c.Routing.DefaultModel, "must be one of routing.models")
	}
	if c.Routing.FullWorkflowThreshold < 1 {
		add("routing.full_workflow_threshold", c.Routing.FullWorkflowThreshold, "must be positive")
	}

	if !slices.Contains(ValidNamingStrategies(), strings.ToLower(c.Naming.Strategy)) {
		add("naming.strategy", c.Naming.Strategy, "must be one of "+strings.Join(ValidNamingStrategies(), ", "))
	}
	if c.Naming.MaxLength < 8 {
		add("naming.max_length", c.Naming.MaxLength, "must be at least 8")
	}

	if strings.TrimSpace(c.Worktree.BaseDir) == "" {
		add("worktree.base_dir", c.Worktree.BaseDir, "must not be empty")
	}

	if !c.Poll.DryRun && trackerName != "" && len(c.Workflows.Build) == 0 && len(c.Workflows.PlanImplement) == 0 {
		add("workflows", "", "at least one of workflows.build or workflows.plan_implement is required")
	}

	if !slices.Contains(ValidLogLevels(), strings.ToLower(c.Log.Level)) {
		add("log.level", c.Log.Level, "must be one of "+strings.Join(ValidLogLevels(), ", "))
	}
	if !slices.Contains(ValidLogFormats(), strings.ToLower(c.Log.Format)) {
		add("log.format", c.Log.Format, "must be one of "+strings.Join(ValidLogFormats(), ", "))
	}

	return errs
}

func validURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}
