package teamwork

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pengelbrecht/tickrelay/internal/directive"
	"github.com/pengelbrecht/tickrelay/internal/tracker"
	"github.com/pengelbrecht/tickrelay/internal/tracker/rest"
)

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := New(Options{
		BaseURL:   srv.URL,
		APIKey:    "secret",
		ProjectID: "77",
		PageSize:  2,
		HTTP: rest.Options{
			MaxRetries:   -1,
			RetryWaitMin: time.Millisecond,
			RetryWaitMax: time.Millisecond,
		},
	})
	require.NoError(t, err)
	return c
}

func TestNew_RequiresProject(t *testing.T) {
	_, err := New(Options{BaseURL: "https://x.teamwork.com"})
	assert.Error(t, err)
}

func TestClient_Identity(t *testing.T) {
	c, err := New(Options{BaseURL: "https://x.teamwork.com", ProjectID: "9"})
	require.NoError(t, err)

	var _ tracker.Tracker = c
	assert.Equal(t, "teamwork", c.Name())
	assert.Equal(t, "9", c.ScopeID())
	assert.Equal(t, "Blocked", c.Statuses().ToRemote(tracker.StatusFailed))
}

func TestClient_List(t *testing.T) {
	pages := map[string]string{
		"1": `{
			"tasks": [
				{"id": 1, "name": "Todo app", "status": "New", "description": "Build it {{model: opus}} execute", "tagIds": [10, 11]},
				{"id": 2, "name": "Done", "status": "Complete", "description": ""}
			],
			"included": {"tags": {"10": {"id": 10, "name": "prototype:vite_vue"}, "11": {"id": 11, "name": "urgent"}}},
			"meta": {"page": {"hasMore": true}}
		}`,
		"2": `{
			"tasks": [
				{"id": 3, "name": "Fix", "status": "To Do", "description": "Fix bug\ncontinue - add tests"},
				{"id": 0, "name": "broken", "status": "New"}
			],
			"meta": {"page": {"hasMore": false}}
		}`,
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, _, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "secret", user)
		assert.Equal(t, "/projects/api/v3/projects/77/tasks.json", r.URL.Path)
		assert.Equal(t, "2", r.URL.Query().Get("pageSize"))
		assert.Equal(t, "tags", r.URL.Query().Get("include"))
		_, _ = w.Write([]byte(pages[r.URL.Query().Get("page")]))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	batch, err := c.List(context.Background(), tracker.Filter{Statuses: []string{"new", "To Do"}})
	require.NoError(t, err)

	require.Len(t, batch.Tasks, 2)
	first := batch.Tasks[0]
	assert.Equal(t, "1", first.ID)
	assert.Equal(t, tracker.StatusNotStarted, first.State)
	assert.Equal(t, directive.TriggerExecute, first.Trigger)
	assert.Equal(t, "opus", first.Directive("model"))
	assert.Equal(t, "vite_vue", first.Directive("prototype"))
	assert.Equal(t, "77", first.ProjectID)
	assert.Equal(t, srv.URL+"/app/tasks/1", first.URL)

	second := batch.Tasks[1]
	assert.Equal(t, "3", second.ID)
	assert.Equal(t, tracker.StatusNotStarted, second.State)
	assert.Equal(t, directive.TriggerContinue, second.Trigger)
	assert.Equal(t, "add tests", second.Prompt())

	require.Len(t, batch.Skipped, 1)
	assert.ErrorIs(t, batch.Skipped[0].Err, tracker.ErrMissingID)
}

func TestClient_List_Limit(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		_, _ = w.Write([]byte(`{
			"tasks": [{"id": 1, "status": "New"}, {"id": 2, "status": "New"}],
			"meta": {"page": {"hasMore": true}}
		}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	batch, err := c.List(context.Background(), tracker.Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, batch.Tasks, 1)
	assert.Equal(t, 1, hits)
}

func TestClient_List_Error(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.List(context.Background(), tracker.Filter{})
	require.Error(t, err)
	assert.True(t, tracker.IsRejected(err))
}

type recorded struct {
	method string
	path   string
	body   map[string]any
}

func recordingServer(t *testing.T, commentStatus int) (*httptest.Server, *[]recorded) {
	t.Helper()
	var mu sync.Mutex
	var calls []recorded
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(data, &body)
		mu.Lock()
		calls = append(calls, recorded{method: r.Method, path: r.URL.Path, body: body})
		mu.Unlock()
		if r.Method == http.MethodPost && commentStatus != 0 {
			w.WriteHeader(commentStatus)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	return srv, &calls
}

func TestClient_UpdateStatus(t *testing.T) {
	srv, calls := recordingServer(t, 0)
	defer srv.Close()

	c := newTestClient(t, srv)
	err := c.UpdateStatus(context.Background(), "42", tracker.StatusInProgress, "claimed")
	require.NoError(t, err)

	require.Len(t, *calls, 2)
	patch := (*calls)[0]
	assert.Equal(t, http.MethodPatch, patch.method)
	assert.Equal(t, "/projects/api/v3/tasks/42.json", patch.path)
	assert.Equal(t, map[string]any{"status": "In Progress"}, patch.body["task"])

	comment := (*calls)[1]
	assert.Equal(t, http.MethodPost, comment.method)
	assert.Equal(t, "/tasks/42/comments.json", comment.path)
	body := comment.body["comment"].(map[string]any)
	assert.Equal(t, "HTML", body["content-type"])
	assert.Equal(t, "<p>claimed</p>\n", body["body"])
}

func TestCommentBody_RendersMarkdown(t *testing.T) {
	note := "🔄 **Status Update: In Progress**\n- **Worktree**: feat-todo\n\n---\n```json\n{\"task_id\": \"42\"}\n```"
	body := commentBody(note)

	assert.Equal(t, "HTML", body["content-type"])
	html := body["body"].(string)
	assert.Contains(t, html, "<strong>Status Update: In Progress</strong>")
	assert.Contains(t, html, "<li><strong>Worktree</strong>: feat-todo</li>")
	assert.Contains(t, html, "<hr>")
	assert.Contains(t, html, `<pre><code class="language-json">`)
	assert.NotContains(t, html, "**")
}

func TestClient_UpdateStatus_NoNote(t *testing.T) {
	srv, calls := recordingServer(t, 0)
	defer srv.Close()

	c := newTestClient(t, srv)
	require.NoError(t, c.UpdateStatus(context.Background(), "42", tracker.StatusFailed, ""))
	require.Len(t, *calls, 1)
	assert.Equal(t, map[string]any{"status": "Blocked"}, (*calls)[0].body["task"])
}

func TestClient_UpdateStatus_CommentFailureIsNotFatal(t *testing.T) {
	srv, calls := recordingServer(t, http.StatusForbidden)
	defer srv.Close()

	c := newTestClient(t, srv)
	require.NoError(t, c.UpdateStatus(context.Background(), "42", tracker.StatusInProgress, "note"))
	assert.Len(t, *calls, 2)
}

func TestClient_UpdateStatus_Unmapped(t *testing.T) {
	srv, calls := recordingServer(t, 0)
	defer srv.Close()

	c := newTestClient(t, srv)
	err := c.UpdateStatus(context.Background(), "42", tracker.StatusUnknown, "")
	assert.Error(t, err)
	assert.Empty(t, *calls)
}
