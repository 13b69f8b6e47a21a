package tether

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testClock is a manually advanced time source.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fakeRemote is a minimal in-memory Remote. While err is set every call
// fails with it.
type fakeRemote struct {
	mu      sync.Mutex
	next    int
	records map[string]map[string]Record
	byKey   map[string]string
	err     error
	calls   map[string]int
	now     func() time.Time
}

func newFakeRemote(now func() time.Time) *fakeRemote {
	return &fakeRemote{
		records: make(map[string]map[string]Record),
		byKey:   make(map[string]string),
		calls:   make(map[string]int),
		now:     now,
	}
}

func (f *fakeRemote) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeRemote) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeRemote) seed(collection string, rec Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.records[collection] == nil {
		f.records[collection] = make(map[string]Record)
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = f.now()
	}
	f.records[collection][rec.ID] = rec
	if rec.ClientID != "" {
		f.byKey[collection+"/"+rec.ClientID] = rec.ID
	}
}

func (f *fakeRemote) get(collection, id string) (Record, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[collection][id]
	return r, ok
}

func (f *fakeRemote) size(collection string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records[collection])
}

func (f *fakeRemote) Insert(ctx context.Context, collection, clientID string, fields map[string]any) (Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["insert"]++
	if f.err != nil {
		return Record{}, f.err
	}
	if id, ok := f.byKey[collection+"/"+clientID]; ok && clientID != "" {
		return f.records[collection][id], nil
	}
	f.next++
	rec := Record{ID: "srv-" + strconv.Itoa(f.next), ClientID: clientID, Fields: clonePayload(fields), UpdatedAt: f.now()}
	if f.records[collection] == nil {
		f.records[collection] = make(map[string]Record)
	}
	f.records[collection][rec.ID] = rec
	if clientID != "" {
		f.byKey[collection+"/"+clientID] = rec.ID
	}
	return rec, nil
}

func (f *fakeRemote) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["update"]++
	if f.err != nil {
		return f.err
	}
	rec, ok := f.records[collection][id]
	if !ok {
		return fmt.Errorf("update %s: %w", id, ErrNotFound)
	}
	rec.Fields = clonePayload(fields)
	rec.UpdatedAt = f.now()
	f.records[collection][id] = rec
	return nil
}

func (f *fakeRemote) Delete(ctx context.Context, collection, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["delete"]++
	if f.err != nil {
		return f.err
	}
	if _, ok := f.records[collection][id]; !ok {
		return fmt.Errorf("delete %s: %w", id, ErrNotFound)
	}
	delete(f.records[collection], id)
	return nil
}

func (f *fakeRemote) SelectAll(ctx context.Context, collection string) ([]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["select"]++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]Record, 0, len(f.records[collection]))
	for _, r := range f.records[collection] {
		out = append(out, r)
	}
	return out, nil
}

// failingKV fails every write while failing is set.
type failingKV struct {
	*MemoryKV
	mu      sync.Mutex
	failing bool
}

func (f *failingKV) setFailing(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing = v
}

func (f *failingKV) Write(key string, value []byte) error {
	f.mu.Lock()
	failing := f.failing
	f.mu.Unlock()
	if failing {
		return errors.New("disk full")
	}
	return f.MemoryKV.Write(key, value)
}

var errUnreachable = fmt.Errorf("dial tcp: %w", context.DeadlineExceeded)

func clientsSchema() Schema {
	return Schema{
		Collection: "clients",
		Remote:     "crm_clients",
		Fields:     map[string]string{"name": "company_name"},
		NaturalKey: []string{"name"},
	}
}

func contactsSchema() Schema {
	return Schema{
		Collection: "contacts",
		References: []Reference{{Field: "client_id", Collection: "clients"}},
	}
}

func testPolicy() RetryPolicy {
	return RetryPolicy{BackoffBase: time.Second, BackoffMax: time.Minute, DeadLetterAfter: 3}
}

// newTestCoordinator builds a loaded coordinator over kv. remote may be nil.
func newTestCoordinator(t *testing.T, schema Schema, kv KV, remote Remote, clock *testClock) *Coordinator {
	t.Helper()
	c := newCoordinator(schema, coordinatorConfig{
		kv:      kv,
		remote:  remote,
		timeout: time.Second,
		policy:  testPolicy(),
		logger:  discardLogger(),
		now:     clock.Now,
	})
	c.Load()
	return c
}

func findEntity(entities []Entity, id string) (Entity, bool) {
	for _, e := range entities {
		if e.ID == id {
			return e, true
		}
	}
	return Entity{}, false
}
