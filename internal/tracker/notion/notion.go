// Package notion implements tracker.Tracker against a Notion database.
package notion

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/pengelbrecht/tickrelay/internal/tracker"
	"github.com/pengelbrecht/tickrelay/internal/tracker/rest"
)

// Status is a Notion status option name.
type Status string

const (
	StatusNotStarted Status = "Not started"
	StatusInProgress Status = "In progress"
	StatusDone       Status = "Done"
	StatusReview     Status = "HIL Review"
	StatusFailed     Status = "Failed"
)

// Statuses maps Notion statuses onto the shared vocabulary.
var Statuses = tracker.NewStatusTable(map[tracker.Status]string{
	tracker.StatusNotStarted: string(StatusNotStarted),
	tracker.StatusInProgress: string(StatusInProgress),
	tracker.StatusDone:       string(StatusDone),
	tracker.StatusReview:     string(StatusReview),
	tracker.StatusFailed:     string(StatusFailed),
})

const (
	// DefaultBaseURL is the public Notion API endpoint.
	DefaultBaseURL = "https://api.notion.com"

	// APIVersion is sent as the Notion-Version header.
	APIVersion = "2022-06-28"

	// DefaultPageSize is the number of pages requested per query.
	DefaultPageSize = 50

	// maxTextChunk is Notion's limit for a single rich text item.
	maxTextChunk = 2000

	maxPages = 20
)

// Property names read from each database page.
const (
	PropTitle     = "Name"
	PropStatus    = "Status"
	PropTags      = "Tags"
	PropModel     = "Model"
	PropWorktree  = "Worktree"
	PropWorkflow  = "Workflow"
	PropPrototype = "Prototype"
)

// Options configures a Client.
type Options struct {
	BaseURL    string
	APIKey     string
	DatabaseID string
	PageSize   int

	// StatusProperty overrides the name of the status property.
	StatusProperty string

	HTTP   rest.Options
	Logger *slog.Logger
}

// Client polls one Notion database.
type Client struct {
	api        *rest.Client
	databaseID string
	pageSize   int
	statusProp string
	logger     *slog.Logger
}

// New creates a Notion client.
func New(opts Options) (*Client, error) {
	if opts.DatabaseID == "" {
		return nil, fmt.Errorf("notion: database id is required")
	}
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.StatusProperty == "" {
		opts.StatusProperty = PropStatus
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	httpOpts := opts.HTTP
	httpOpts.BaseURL = opts.BaseURL
	httpOpts.Logger = logger
	token := opts.APIKey
	httpOpts.Auth = func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	headers := map[string]string{"Notion-Version": APIVersion}
	for k, v := range opts.HTTP.Headers {
		headers[k] = v
	}
	httpOpts.Headers = headers

	api, err := rest.New(httpOpts)
	if err != nil {
		return nil, fmt.Errorf("notion: %w", err)
	}

	return &Client{
		api:        api,
		databaseID: opts.DatabaseID,
		pageSize:   opts.PageSize,
		statusProp: opts.StatusProperty,
		logger:     logger,
	}, nil
}

// Name returns "notion".
func (c *Client) Name() string { return "notion" }

// ScopeID returns the database id.
func (c *Client) ScopeID() string { return c.databaseID }

// Statuses returns the Notion status table.
func (c *Client) Statuses() tracker.StatusTable { return Statuses }

type richText struct {
	PlainText string `json:"plain_text"`
}

type option struct {
	Name string `json:"name"`
}

type property struct {
	Type        string     `json:"type"`
	Title       []richText `json:"title"`
	RichText    []richText `json:"rich_text"`
	Select      *option    `json:"select"`
	Status      *option    `json:"status"`
	MultiSelect []option   `json:"multi_select"`
}

// text returns the property's value as plain text regardless of its type.
func (p property) text() string {
	switch p.Type {
	case "title":
		return joinText(p.Title)
	case "rich_text":
		return joinText(p.RichText)
	case "select":
		if p.Select != nil {
			return p.Select.Name
		}
	case "status":
		if p.Status != nil {
			return p.Status.Name
		}
	}
	return ""
}

type page struct {
	ID         string              `json:"id"`
	URL        string              `json:"url"`
	Properties map[string]property `json:"properties"`
}

type listResponse struct {
	Results    []json.RawMessage `json:"results"`
	HasMore    bool              `json:"has_more"`
	NextCursor *string           `json:"next_cursor"`
}

// List queries the database for pages whose status is in f.Statuses.
func (c *Client) List(ctx context.Context, f tracker.Filter) (*tracker.Batch, error) {
	batch := &tracker.Batch{}
	path := "/v1/databases/" + c.databaseID + "/query"

	var cursor string
	for i := 0; i < maxPages; i++ {
		body := c.queryBody(f.Statuses, cursor)

		var resp listResponse
		if err := c.api.Do(ctx, http.MethodPost, path, nil, body, &resp); err != nil {
			return nil, err
		}

		for _, raw := range resp.Results {
			var p page
			if err := json.Unmarshal(raw, &p); err != nil {
				batch.Skipped = append(batch.Skipped, tracker.Skipped{ID: "<undecodable>", Err: tracker.ParseError("<undecodable>", err)})
				continue
			}
			status := p.Properties[c.statusProp].text()
			if len(f.Statuses) > 0 && !tracker.ContainsStatus(f.Statuses, status) {
				continue
			}

			var description string
			if p.ID != "" {
				text, err := c.pageText(ctx, p.ID)
				if err != nil {
					if !pageLocal(err) {
						return nil, err
					}
					c.logger.Warn("reading notion page content failed, skipping page", "page_id", p.ID, "error", err)
					batch.Skipped = append(batch.Skipped, tracker.Skipped{ID: p.ID, Err: tracker.ParseError(p.ID, err)})
					continue
				}
				description = text
			}

			built, err := tracker.Build(c.record(p, status, description), Statuses)
			if err != nil {
				batch.Skipped = append(batch.Skipped, tracker.Skipped{ID: p.ID, Err: err})
				continue
			}
			batch.Tasks = append(batch.Tasks, built)
			if f.Limit > 0 && len(batch.Tasks) >= f.Limit {
				return batch, nil
			}
		}

		if !resp.HasMore || resp.NextCursor == nil || *resp.NextCursor == "" {
			break
		}
		cursor = *resp.NextCursor
	}
	return batch, nil
}

// pageLocal reports whether err concerns a single page (not shared with the
// integration, malformed blocks) rather than the whole query.
func pageLocal(err error) bool {
	k, ok := tracker.KindOf(err)
	return ok && (k == tracker.KindRejected || k == tracker.KindParse)
}

// canonicalStatuses rewrites known status names to the option names Notion
// stores, since its status filter matches exactly.
func canonicalStatuses(names []string) []string {
	var out []string
	for _, name := range names {
		if s, ok := Statuses.FromRemote(name); ok {
			name = Statuses.ToRemote(s)
		}
		if !slices.Contains(out, name) {
			out = append(out, name)
		}
	}
	return out
}

func (c *Client) queryBody(statuses []string, cursor string) map[string]any {
	body := map[string]any{"page_size": c.pageSize}
	if cursor != "" {
		body["start_cursor"] = cursor
	}
	if len(statuses) > 0 {
		var or []map[string]any
		for _, s := range canonicalStatuses(statuses) {
			or = append(or, map[string]any{
				"property": c.statusProp,
				"status":   map[string]any{"equals": s},
			})
		}
		body["filter"] = map[string]any{"or": or}
	}
	return body
}

func (c *Client) record(p page, status, description string) tracker.Record {
	var labels []string
	for _, o := range p.Properties[PropTags].MultiSelect {
		if o.Name != "" {
			labels = append(labels, o.Name)
		}
	}

	hints := make(map[string]string)
	for key, prop := range map[string]string{
		"model":     PropModel,
		"worktree":  PropWorktree,
		"workflow":  PropWorkflow,
		"prototype": PropPrototype,
	} {
		if v := p.Properties[prop].text(); v != "" {
			hints[key] = v
		}
	}

	return tracker.Record{
		ID:          p.ID,
		Title:       p.Properties[PropTitle].text(),
		Status:      status,
		Description: description,
		URL:         p.URL,
		ProjectID:   c.databaseID,
		Labels:      labels,
		Hints:       hints,
	}
}

type blockList struct {
	Results    []map[string]json.RawMessage `json:"results"`
	HasMore    bool                         `json:"has_more"`
	NextCursor *string                      `json:"next_cursor"`
}

// pageText concatenates the plain text of a page's top-level blocks, one
// line per block.
func (c *Client) pageText(ctx context.Context, id string) (string, error) {
	var lines []string
	path := "/v1/blocks/" + id + "/children"
	q := url.Values{"page_size": {"100"}}

	for i := 0; i < maxPages; i++ {
		var resp blockList
		if err := c.api.Do(ctx, http.MethodGet, path, q, nil, &resp); err != nil {
			return "", err
		}
		for _, b := range resp.Results {
			if line, ok := blockText(b); ok {
				lines = append(lines, line)
			}
		}
		if !resp.HasMore || resp.NextCursor == nil || *resp.NextCursor == "" {
			break
		}
		q.Set("start_cursor", *resp.NextCursor)
	}
	return strings.Join(lines, "\n"), nil
}

func blockText(b map[string]json.RawMessage) (string, bool) {
	var typ string
	if err := json.Unmarshal(b["type"], &typ); err != nil || typ == "" {
		return "", false
	}
	raw, ok := b[typ]
	if !ok {
		return "", false
	}
	var content struct {
		RichText []richText `json:"rich_text"`
	}
	if err := json.Unmarshal(raw, &content); err != nil || content.RichText == nil {
		return "", false
	}
	return joinText(content.RichText), true
}

// UpdateStatus sets the page status and appends note as paragraph blocks.
func (c *Client) UpdateStatus(ctx context.Context, id string, status tracker.Status, note string) error {
	remote := Statuses.ToRemote(status)
	if remote == "" {
		return fmt.Errorf("notion: no status mapped for %q", status)
	}

	body := map[string]any{
		"properties": map[string]any{
			c.statusProp: map[string]any{"status": map[string]any{"name": remote}},
		},
	}
	if err := c.api.Do(ctx, http.MethodPatch, "/v1/pages/"+id, nil, body, nil); err != nil {
		return err
	}

	if note == "" {
		return nil
	}
	children := map[string]any{"children": paragraphs(note)}
	if err := c.api.Do(ctx, http.MethodPatch, "/v1/blocks/"+id+"/children", nil, children, nil); err != nil {
		c.logger.Warn("appending notion note failed", "page_id", id, "status", remote, "error", err)
	}
	return nil
}

func paragraphs(note string) []map[string]any {
	var blocks []map[string]any
	for _, chunk := range chunkText(note, maxTextChunk) {
		blocks = append(blocks, map[string]any{
			"object": "block",
			"type":   "paragraph",
			"paragraph": map[string]any{
				"rich_text": []map[string]any{
					{"type": "text", "text": map[string]any{"content": chunk}},
				},
			},
		})
	}
	return blocks
}

// chunkText splits s into pieces of at most n runes.
func chunkText(s string, n int) []string {
	runes := []rune(s)
	var out []string
	for len(runes) > n {
		out = append(out, string(runes[:n]))
		runes = runes[n:]
	}
	if len(runes) > 0 {
		out = append(out, string(runes))
	}
	return out
}

func joinText(parts []richText) string {
	var b strings.Builder
	for _, p := range parts {
		b.WriteString(p.PlainText)
	}
	return b.String()
}
