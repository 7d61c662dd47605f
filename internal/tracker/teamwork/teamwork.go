// Package teamwork implements tracker.Tracker against the Teamwork projects API.
package teamwork

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/go-querystring/query"
	"github.com/yuin/goldmark"

	"github.com/pengelbrecht/tickrelay/internal/tracker"
	"github.com/pengelbrecht/tickrelay/internal/tracker/rest"
)

// Status is a Teamwork board status name.
type Status string

const (
	StatusNew        Status = "New"
	StatusToDo       Status = "To Do"
	StatusInProgress Status = "In Progress"
	StatusComplete   Status = "Complete"
	StatusReview     Status = "Review"
	StatusBlocked    Status = "Blocked"
)

// Statuses maps Teamwork statuses onto the shared vocabulary.
var Statuses = tracker.NewStatusTable(map[tracker.Status]string{
	tracker.StatusNotStarted: string(StatusNew),
	tracker.StatusInProgress: string(StatusInProgress),
	tracker.StatusDone:       string(StatusComplete),
	tracker.StatusReview:     string(StatusReview),
	tracker.StatusFailed:     string(StatusBlocked),
}).WithAlias(string(StatusToDo), tracker.StatusNotStarted)

const (
	// DefaultPageSize is the number of tasks requested per page.
	DefaultPageSize = 50

	// maxPages bounds pagination within a single List call.
	maxPages = 20
)

// Options configures a Client.
type Options struct {
	BaseURL   string // e.g. https://example.teamwork.com
	APIKey    string
	ProjectID string
	PageSize  int

	// HTTP carries retry and rate-limit settings; BaseURL and Auth are filled in.
	HTTP   rest.Options
	Logger *slog.Logger
}

// Client polls one Teamwork project.
type Client struct {
	api       *rest.Client
	baseURL   string
	projectID string
	pageSize  int
	logger    *slog.Logger
}

// New creates a Teamwork client.
func New(opts Options) (*Client, error) {
	if opts.ProjectID == "" {
		return nil, fmt.Errorf("teamwork: project id is required")
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	httpOpts := opts.HTTP
	httpOpts.BaseURL = opts.BaseURL
	httpOpts.Logger = logger
	apiKey := opts.APIKey
	httpOpts.Auth = func(r *http.Request) {
		r.SetBasicAuth(apiKey, "x")
	}

	api, err := rest.New(httpOpts)
	if err != nil {
		return nil, fmt.Errorf("teamwork: %w", err)
	}

	return &Client{
		api:       api,
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		projectID: opts.ProjectID,
		pageSize:  opts.PageSize,
		logger:    logger,
	}, nil
}

// Name returns "teamwork".
func (c *Client) Name() string { return "teamwork" }

// ScopeID returns the project id.
func (c *Client) ScopeID() string { return c.projectID }

// Statuses returns the Teamwork status table.
func (c *Client) Statuses() tracker.StatusTable { return Statuses }

type listQuery struct {
	Page     int    `url:"page"`
	PageSize int    `url:"pageSize"`
	Include  string `url:"include,omitempty"`
}

type listResponse struct {
	Tasks    []json.RawMessage `json:"tasks"`
	Included struct {
		Tags map[string]tag `json:"tags"`
	} `json:"included"`
	Meta struct {
		Page struct {
			HasMore bool `json:"hasMore"`
		} `json:"page"`
	} `json:"meta"`
}

type tag struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type task struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Status      string  `json:"status"`
	TagIDs      []int64 `json:"tagIds"`
}

// List fetches project tasks whose status is in f.Statuses.
func (c *Client) List(ctx context.Context, f tracker.Filter) (*tracker.Batch, error) {
	batch := &tracker.Batch{}
	path := fmt.Sprintf("/projects/api/v3/projects/%s/tasks.json", c.projectID)

	for page := 1; page <= maxPages; page++ {
		q, err := query.Values(listQuery{Page: page, PageSize: c.pageSize, Include: "tags"})
		if err != nil {
			return nil, fmt.Errorf("teamwork: encode query: %w", err)
		}

		var resp listResponse
		if err := c.api.Do(ctx, http.MethodGet, path, q, nil, &resp); err != nil {
			return nil, err
		}

		for _, raw := range resp.Tasks {
			var t task
			if err := json.Unmarshal(raw, &t); err != nil {
				batch.Skipped = append(batch.Skipped, tracker.Skipped{ID: "<undecodable>", Err: tracker.ParseError("<undecodable>", err)})
				continue
			}
			if len(f.Statuses) > 0 && !tracker.ContainsStatus(f.Statuses, t.Status) {
				continue
			}

			built, err := tracker.Build(c.record(t, resp.Included.Tags), Statuses)
			if err != nil {
				batch.Skipped = append(batch.Skipped, tracker.Skipped{ID: idString(t.ID), Err: err})
				continue
			}
			batch.Tasks = append(batch.Tasks, built)
			if f.Limit > 0 && len(batch.Tasks) >= f.Limit {
				return batch, nil
			}
		}

		if !resp.Meta.Page.HasMore {
			break
		}
	}
	return batch, nil
}

func (c *Client) record(t task, tags map[string]tag) tracker.Record {
	var labels []string
	for _, id := range t.TagIDs {
		if tg, ok := tags[strconv.FormatInt(id, 10)]; ok && tg.Name != "" {
			labels = append(labels, tg.Name)
		}
	}
	id := idString(t.ID)
	return tracker.Record{
		ID:          id,
		Title:       t.Name,
		Status:      t.Status,
		Description: t.Description,
		URL:         fmt.Sprintf("%s/app/tasks/%s", c.baseURL, id),
		ProjectID:   c.projectID,
		Labels:      labels,
	}
}

// UpdateStatus moves a task to status and posts note as a comment.
// The status write is authoritative; a failed comment is logged only.
func (c *Client) UpdateStatus(ctx context.Context, id string, status tracker.Status, note string) error {
	remote := Statuses.ToRemote(status)
	if remote == "" {
		return fmt.Errorf("teamwork: no status mapped for %q", status)
	}

	body := map[string]any{"task": map[string]any{"status": remote}}
	if err := c.api.Do(ctx, http.MethodPatch, "/projects/api/v3/tasks/"+id+".json", nil, body, nil); err != nil {
		return err
	}

	if note == "" {
		return nil
	}
	comment := map[string]any{"comment": commentBody(note)}
	if err := c.api.Do(ctx, http.MethodPost, "/tasks/"+id+"/comments.json", nil, comment, nil); err != nil {
		c.logger.Warn("posting teamwork comment failed", "task_id", id, "status", remote, "error", err)
	}
	return nil
}

// commentBody renders the markdown note as HTML. If rendering fails the
// note is posted as plain text.
func commentBody(note string) map[string]any {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(note), &buf); err != nil {
		return map[string]any{"body": note, "content-type": "TEXT"}
	}
	return map[string]any{"body": buf.String(), "content-type": "HTML"}
}

func idString(id int64) string {
	if id == 0 {
		return ""
	}
	return strconv.FormatInt(id, 10)
}
