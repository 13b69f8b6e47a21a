// Package tethertest provides an in-memory remote store for exercising the
// engine without a network.
package tethertest

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/hyperengineering/tether"
)

// MemoryRemote implements tether.Remote and tether.ChangeFeed in memory.
// Records get sequential IDs "srv-1", "srv-2", ... and inserts are
// deduplicated by client ID. Failures can be injected per call.
type MemoryRemote struct {
	mu      sync.Mutex
	nextID  int
	records map[string]map[string]tether.Record // collection → id → record
	byKey   map[string]string                   // collection/clientID → id
	subs    map[string][]chan tether.Event
	now     func() time.Time

	offline  bool
	failNext []error
	loseAcks int
	calls    map[string]int
}

// NewMemoryRemote returns an empty, reachable remote.
func NewMemoryRemote() *MemoryRemote {
	return &MemoryRemote{
		records: make(map[string]map[string]tether.Record),
		byKey:   make(map[string]string),
		subs:    make(map[string][]chan tether.Event),
		calls:   make(map[string]int),
		now:     time.Now,
	}
}

// SetClock sets the time source used for record timestamps.
func (m *MemoryRemote) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// SetOffline makes every call fail with a timeout until cleared.
func (m *MemoryRemote) SetOffline(offline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = offline
}

// FailNext makes the next len(errs) write calls fail with errs in order.
func (m *MemoryRemote) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = append(m.failNext, errs...)
}

// LoseAcks makes the next n inserts succeed remotely but report a timeout,
// as when a process crashes before recording success.
func (m *MemoryRemote) LoseAcks(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loseAcks += n
}

// Calls returns how many times op was called ("insert", "update", ...).
func (m *MemoryRemote) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Records returns the records of collection sorted by ID.
func (m *MemoryRemote) Records(collection string) []tether.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]tether.Record, 0, len(m.records[collection]))
	for _, r := range m.records[collection] {
		out = append(out, copyRecord(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Record returns one record.
func (m *MemoryRemote) Record(collection, id string) (tether.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[collection][id]
	return copyRecord(r), ok
}

// Seed stores a record directly, assigning an ID when empty, and returns it.
// No event is published.
func (m *MemoryRemote) Seed(collection string, rec tether.Record) tether.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.ID == "" {
		rec.ID = m.newIDLocked()
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = m.now().UTC()
	}
	rec = copyRecord(rec)
	m.putLocked(collection, rec)
	return rec
}

// Publish applies a change as if another client made it and notifies
// subscribers.
func (m *MemoryRemote) Publish(collection string, ev tether.Event) {
	m.mu.Lock()
	if ev.Record.UpdatedAt.IsZero() {
		ev.Record.UpdatedAt = m.now().UTC()
	}
	switch ev.Kind {
	case tether.OpDelete:
		delete(m.records[collection], ev.Record.ID)
	default:
		m.putLocked(collection, copyRecord(ev.Record))
	}
	subs := append([]chan tether.Event(nil), m.subs[collection]...)
	m.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		case <-time.After(time.Second):
		}
	}
}

func (m *MemoryRemote) newIDLocked() string {
	m.nextID++
	return "srv-" + strconv.Itoa(m.nextID)
}

func (m *MemoryRemote) putLocked(collection string, rec tether.Record) {
	if m.records[collection] == nil {
		m.records[collection] = make(map[string]tether.Record)
	}
	m.records[collection][rec.ID] = rec
	if rec.ClientID != "" {
		m.byKey[collection+"/"+rec.ClientID] = rec.ID
	}
}

// precheck counts the call and returns an injected failure, if any.
func (m *MemoryRemote) precheck(ctx context.Context, op string) error {
	m.calls[op]++
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.offline {
		return fmt.Errorf("%s: %w", op, context.DeadlineExceeded)
	}
	if op != "select" && len(m.failNext) > 0 {
		err := m.failNext[0]
		m.failNext = m.failNext[1:]
		return err
	}
	return nil
}

// Insert implements tether.Remote.
func (m *MemoryRemote) Insert(ctx context.Context, collection, clientID string, fields map[string]any) (tether.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.precheck(ctx, "insert"); err != nil {
		return tether.Record{}, err
	}

	if clientID != "" {
		if id, ok := m.byKey[collection+"/"+clientID]; ok {
			if rec, ok := m.records[collection][id]; ok {
				return copyRecord(rec), nil
			}
		}
	}

	rec := tether.Record{
		ID:        m.newIDLocked(),
		ClientID:  clientID,
		Fields:    copyFields(fields),
		UpdatedAt: m.now().UTC(),
	}
	m.putLocked(collection, rec)

	if m.loseAcks > 0 {
		m.loseAcks--
		return tether.Record{}, fmt.Errorf("insert: %w", context.DeadlineExceeded)
	}
	return copyRecord(rec), nil
}

// Update implements tether.Remote.
func (m *MemoryRemote) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.precheck(ctx, "update"); err != nil {
		return err
	}
	rec, ok := m.records[collection][id]
	if !ok {
		return fmt.Errorf("update %s/%s: %w", collection, id, tether.ErrNotFound)
	}
	rec.Fields = copyFields(fields)
	rec.UpdatedAt = m.now().UTC()
	m.records[collection][id] = rec
	return nil
}

// Delete implements tether.Remote.
func (m *MemoryRemote) Delete(ctx context.Context, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.precheck(ctx, "delete"); err != nil {
		return err
	}
	if _, ok := m.records[collection][id]; !ok {
		return fmt.Errorf("delete %s/%s: %w", collection, id, tether.ErrNotFound)
	}
	delete(m.records[collection], id)
	return nil
}

// SelectAll implements tether.Remote.
func (m *MemoryRemote) SelectAll(ctx context.Context, collection string) ([]tether.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.precheck(ctx, "select"); err != nil {
		return nil, err
	}
	out := make([]tether.Record, 0, len(m.records[collection]))
	for _, r := range m.records[collection] {
		out = append(out, copyRecord(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Ping implements tether.Pinger.
func (m *MemoryRemote) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return fmt.Errorf("ping: %w", context.DeadlineExceeded)
	}
	return ctx.Err()
}

// Subscribe implements tether.ChangeFeed. Publish waits up to a second for
// each subscriber to take the event.
func (m *MemoryRemote) Subscribe(ctx context.Context, collection string) (<-chan tether.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	in := make(chan tether.Event)
	m.subs[collection] = append(m.subs[collection], in)

	out := make(chan tether.Event)
	go func() {
		defer close(out)
		defer m.unsubscribe(collection, in)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-in:
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (m *MemoryRemote) unsubscribe(collection string, ch chan tether.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subs[collection]
	for i, c := range subs {
		if c == ch {
			m.subs[collection] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

func copyFields(f map[string]any) map[string]any {
	out := make(map[string]any, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

func copyRecord(r tether.Record) tether.Record {
	r.Fields = copyFields(r.Fields)
	return r
}
