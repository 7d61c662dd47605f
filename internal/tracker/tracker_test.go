package tracker

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pengelbrecht/tickrelay/internal/directive"
)

var testTable = NewStatusTable(map[Status]string{
	StatusNotStarted: "New",
	StatusInProgress: "In Progress",
	StatusDone:       "Complete",
	StatusReview:     "Review",
	StatusFailed:     "Blocked",
}).WithAlias("To Do", StatusNotStarted)

func TestStatusTable(t *testing.T) {
	t.Run("outbound", func(t *testing.T) {
		assert.Equal(t, "In Progress", testTable.ToRemote(StatusInProgress))
		assert.Equal(t, "Blocked", testTable.ToRemote(StatusFailed))
		assert.Equal(t, "", testTable.ToRemote(StatusUnknown))
	})

	t.Run("inbound is case-insensitive", func(t *testing.T) {
		s, ok := testTable.FromRemote("  in progress ")
		require.True(t, ok)
		assert.Equal(t, StatusInProgress, s)
	})

	t.Run("alias maps inbound only", func(t *testing.T) {
		s, ok := testTable.FromRemote("to do")
		require.True(t, ok)
		assert.Equal(t, StatusNotStarted, s)
		assert.Equal(t, "New", testTable.ToRemote(StatusNotStarted))
	})

	t.Run("unknown status", func(t *testing.T) {
		_, ok := testTable.FromRemote("Archived")
		assert.False(t, ok)
	})

	t.Run("names", func(t *testing.T) {
		assert.Equal(t, []string{"New", "Review"}, testTable.Names(StatusNotStarted, StatusReview, StatusUnknown))
	})
}

func TestBuild(t *testing.T) {
	t.Run("valid record", func(t *testing.T) {
		task, err := Build(Record{
			ID:          " 42 ",
			Title:       "Todo app",
			Status:      "to do",
			Description: "Build a todo app {{model: opus}} execute",
			Labels:      []string{"prototype:vite_vue", "urgent"},
			Hints:       map[string]string{"worktree": "feat-todo"},
		}, testTable)
		require.NoError(t, err)

		assert.Equal(t, "42", task.ID)
		assert.Equal(t, StatusNotStarted, task.State)
		assert.Equal(t, "to do", task.Status)
		assert.Equal(t, directive.TriggerExecute, task.Trigger)
		assert.Equal(t, "opus", task.Directive("model"))
		assert.Equal(t, "vite_vue", task.Directive("prototype"))
		assert.Equal(t, "feat-todo", task.Worktree)
		assert.Equal(t, "Build a todo app", task.Prompt())
	})

	t.Run("missing id", func(t *testing.T) {
		_, err := Build(Record{Status: "New"}, testTable)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrMissingID))
		k, ok := KindOf(err)
		require.True(t, ok)
		assert.Equal(t, KindParse, k)
	})

	t.Run("missing status", func(t *testing.T) {
		_, err := Build(Record{ID: "1"}, testTable)
		assert.ErrorIs(t, err, ErrMissingStatus)
	})

	t.Run("unknown status kept raw", func(t *testing.T) {
		task, err := Build(Record{ID: "1", Status: "Archived"}, testTable)
		require.NoError(t, err)
		assert.Equal(t, StatusUnknown, task.State)
		assert.Equal(t, "Archived", task.Status)
	})
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
		rejected  bool
	}{
		{"transient", &Error{Kind: KindTransient, Op: "GET /x"}, true, false},
		{"rate limited", &Error{Kind: KindRateLimited, Op: "GET /x", StatusCode: 429}, true, false},
		{"rejected", &Error{Kind: KindRejected, Op: "GET /x", StatusCode: 404}, false, true},
		{"wrapped rejected", fmt.Errorf("claim: %w", &Error{Kind: KindRejected}), false, true},
		{"plain error", errors.New("boom"), false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
			assert.Equal(t, tt.rejected, IsRejected(tt.err))
		})
	}
}
