package claim

import (
	"sync"

	"github.com/google/uuid"
)

// IDLength is the number of characters in a correlation id.
const IDLength = 8

// IDGenerator issues short correlation ids. It never returns the same id
// twice within a process.
type IDGenerator struct {
	mu     sync.Mutex
	issued map[string]struct{}
	source func() string
}

// NewIDGenerator returns a generator backed by random UUIDs.
func NewIDGenerator() *IDGenerator {
	return &IDGenerator{
		issued: make(map[string]struct{}),
		source: func() string { return uuid.NewString()[:IDLength] },
	}
}

// Next returns a fresh id.
func (g *IDGenerator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	for {
		id := g.source()
		if _, dup := g.issued[id]; dup {
			continue
		}
		g.issued[id] = struct{}{}
		return id
	}
}

// ActiveSet is the process-local set of correlation ids in use.
type ActiveSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

// NewActiveSet returns an empty set.
func NewActiveSet() *ActiveSet {
	return &ActiveSet{ids: make(map[string]struct{})}
}

// Contains reports whether id is in use.
func (s *ActiveSet) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[id]
	return ok
}

// Add registers id.
func (s *ActiveSet) Add(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids[id] = struct{}{}
}

// Remove releases id. Removing an unknown id is a no-op.
func (s *ActiveSet) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ids, id)
}

// Len returns the number of ids in use.
func (s *ActiveSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}
