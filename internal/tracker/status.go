package tracker

import "strings"

// Status is the small shared status vocabulary every tracker maps onto.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusReview     Status = "review"
	StatusFailed     Status = "failed"
	StatusUnknown    Status = ""
)

// StatusTable is a declared bidirectional mapping between a tracker's own
// status names and the shared vocabulary.
type StatusTable struct {
	outbound map[Status]string
	inbound  map[string]Status
}

// NewStatusTable builds a table from the canonical outbound names. Every
// outbound name is also accepted inbound.
func NewStatusTable(outbound map[Status]string) StatusTable {
	t := StatusTable{
		outbound: make(map[Status]string, len(outbound)),
		inbound:  make(map[string]Status, len(outbound)),
	}
	for s, name := range outbound {
		t.outbound[s] = name
		t.inbound[normalize(name)] = s
	}
	return t
}

// WithAlias returns a copy of the table that additionally maps name to s
// inbound. The outbound name for s is unchanged.
func (t StatusTable) WithAlias(name string, s Status) StatusTable {
	cp := StatusTable{
		outbound: t.outbound,
		inbound:  make(map[string]Status, len(t.inbound)+1),
	}
	for k, v := range t.inbound {
		cp.inbound[k] = v
	}
	cp.inbound[normalize(name)] = s
	return cp
}

// ToRemote returns the tracker's name for s, or "" if unmapped.
func (t StatusTable) ToRemote(s Status) string {
	return t.outbound[s]
}

// FromRemote maps a tracker status name onto the shared vocabulary.
// Comparison is case-insensitive.
func (t StatusTable) FromRemote(name string) (Status, bool) {
	s, ok := t.inbound[normalize(name)]
	return s, ok
}

// Names returns the outbound names for the given statuses, skipping unmapped ones.
func (t StatusTable) Names(statuses ...Status) []string {
	var out []string
	for _, s := range statuses {
		if name, ok := t.outbound[s]; ok {
			out = append(out, name)
		}
	}
	return out
}

// EqualFold reports whether two tracker status names are the same status.
func EqualFold(a, b string) bool {
	return normalize(a) == normalize(b)
}

// ContainsStatus reports whether name is in set, ignoring case.
func ContainsStatus(set []string, name string) bool {
	for _, s := range set {
		if EqualFold(s, name) {
			return true
		}
	}
	return false
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
