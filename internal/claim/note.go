package claim

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pengelbrecht/tickrelay/internal/tracker"
)

var statusEmoji = map[tracker.Status]string{
	tracker.StatusInProgress: "🔄",
	tracker.StatusDone:       "✅",
	tracker.StatusFailed:     "❌",
	tracker.StatusReview:     "👁️",
}

type noteMeta struct {
	CorrelationID string `json:"correlation_id"`
	TaskID        string `json:"task_id"`
	Model         string `json:"model"`
	Worktree      string `json:"worktree"`
	Workflow      string `json:"workflow"`
	Prototype     string `json:"prototype,omitempty"`
	ClaimedAt     string `json:"claimed_at"`
	DryRun        bool   `json:"dry_run,omitempty"`
}

// FormatNote renders the markdown comment attached to a status update.
// label is the tracker's own name for status. A non-nil cause replaces the
// metadata block with the error text.
func FormatNote(rec *Record, status tracker.Status, label string, at time.Time, cause error) string {
	emoji, ok := statusEmoji[status]
	if !ok {
		emoji = "ℹ️"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s **Status Update: %s**\n", emoji, label)
	fmt.Fprintf(&b, "- **Correlation ID**: %s\n", rec.ID)
	fmt.Fprintf(&b, "- **Timestamp**: %s\n", at.Format(time.RFC3339))
	fmt.Fprintf(&b, "- **Agent**: %s\n", AgentName)
	fmt.Fprintf(&b, "- **Model**: %s\n", rec.Model)
	fmt.Fprintf(&b, "- **Worktree**: %s\n", rec.Worktree)
	fmt.Fprintf(&b, "- **Workflow**: %s\n", rec.Workflow)
	if rec.Prototype != "" {
		fmt.Fprintf(&b, "- **Prototype**: %s\n", rec.Prototype)
	}
	b.WriteString("\n---\n")

	if cause != nil {
		fmt.Fprintf(&b, "**Error**: %s", cause)
		return b.String()
	}

	meta, err := json.MarshalIndent(noteMeta{
		CorrelationID: rec.ID,
		TaskID:        rec.TaskID,
		Model:         rec.Model,
		Worktree:      rec.Worktree,
		Workflow:      string(rec.Workflow),
		Prototype:     rec.Prototype,
		ClaimedAt:     rec.ClaimedAt.Format(time.RFC3339),
		DryRun:        rec.DryRun,
	}, "", "  ")
	if err != nil {
		return b.String()
	}
	b.WriteString("```json\n")
	b.Write(meta)
	b.WriteString("\n```")
	return b.String()
}
