package mcp

import (
	"fmt"
	"sync"
)

// EntityRef locates an entity surfaced to the agent.
type EntityRef struct {
	Collection string
	ID         string
}

// RefSession hands out short session references (E1, E2, ...) for entities
// shown to an agent. The counter is global across collections, so a ref is
// unambiguous without naming the collection.
type RefSession struct {
	mu      sync.Mutex
	refs    map[string]EntityRef // session ref -> entity
	reverse map[EntityRef]string
	counter int
}

// NewRefSession creates an empty session.
func NewRefSession() *RefSession {
	return &RefSession{
		refs:    make(map[string]EntityRef),
		reverse: make(map[EntityRef]string),
	}
}

// Track returns the session reference of an entity, assigning a new one on
// first sight.
func (s *RefSession) Track(collection, id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := EntityRef{Collection: collection, ID: id}
	if ref, ok := s.reverse[key]; ok {
		return ref
	}
	s.counter++
	ref := fmt.Sprintf("E%d", s.counter)
	s.refs[ref] = key
	s.reverse[key] = ref
	return ref
}

// Resolve converts a session reference to an entity.
func (s *RefSession) Resolve(ref string) (EntityRef, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.refs[ref]
	return e, ok
}

// Alias points the reference of a temporary identity at its server
// identity as well, so either resolves to the same ref.
func (s *RefSession) Alias(collection, oldID, newID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref, ok := s.reverse[EntityRef{Collection: collection, ID: oldID}]
	if !ok || oldID == newID {
		return
	}
	key := EntityRef{Collection: collection, ID: newID}
	s.refs[ref] = key
	s.reverse[key] = ref
}

// Len returns how many references were handed out.
func (s *RefSession) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counter
}

// Clear forgets every reference and restarts the counter.
func (s *RefSession) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs = make(map[string]EntityRef)
	s.reverse = make(map[EntityRef]string)
	s.counter = 0
}
