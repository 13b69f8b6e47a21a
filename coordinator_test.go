package tether

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestCoordinator_MutateOffline(t *testing.T) {
	clock := newTestClock()
	c := newTestCoordinator(t, clientsSchema(), NewMemoryKV(), nil, clock)

	res, err := c.Mutate(context.Background(), Operation{Kind: OpInsert, Payload: map[string]any{"name": "Acme"}})
	if err != nil {
		t.Fatalf("Mutate() error: %v", err)
	}
	if !res.Applied || !res.SyncPending {
		t.Errorf("Mutate() = %+v, want applied and pending", res)
	}
	if !IsTempID(res.ID) {
		t.Errorf("ID = %q, want a temporary identity", res.ID)
	}

	all := c.GetAll()
	if len(all) != 1 || all[0].State != StateLocal {
		t.Fatalf("GetAll() = %+v", all)
	}
	if all[0].ClientID != res.ID {
		t.Errorf("ClientID = %q, want %q", all[0].ClientID, res.ID)
	}
	if c.UnsyncedCount() != 1 {
		t.Errorf("UnsyncedCount() = %d, want 1", c.UnsyncedCount())
	}
	if len(c.PendingOps()) != 1 {
		t.Errorf("PendingOps() = %d, want 1", len(c.PendingOps()))
	}
}

func TestCoordinator_MutateInsertRemapsIdentity(t *testing.T) {
	clock := newTestClock()
	remote := newFakeRemote(clock.Now)
	c := newTestCoordinator(t, clientsSchema(), NewMemoryKV(), remote, clock)

	res, err := c.Mutate(context.Background(), Operation{Kind: OpInsert, ID: "tmp-1", Payload: map[string]any{"name": "Acme"}})
	if err != nil {
		t.Fatalf("Mutate() error: %v", err)
	}
	if res.SyncPending {
		t.Error("SyncPending = true after remote success")
	}
	if res.ID != "srv-1" {
		t.Errorf("ID = %q, want srv-1", res.ID)
	}

	all := c.GetAll()
	if len(all) != 1 {
		t.Fatalf("GetAll() returned %d entities, want 1", len(all))
	}
	if all[0].ID != "srv-1" || all[0].State != StateSynced {
		t.Errorf("entity = %s/%s, want srv-1/synced", all[0].ID, all[0].State)
	}
	if e, ok := c.Get("tmp-1"); !ok || e.ID != "srv-1" {
		t.Errorf("Get(tmp-1) = %+v, %v; want the remapped entity", e, ok)
	}
	if c.UnsyncedCount() != 0 {
		t.Errorf("UnsyncedCount() = %d, want 0", c.UnsyncedCount())
	}

	rec, ok := remote.get("crm_clients", "srv-1")
	if !ok || rec.Fields["company_name"] != "Acme" {
		t.Errorf("remote record = %+v, %v; want mapped fields", rec, ok)
	}
}

func TestCoordinator_MutateRejectsInvalid(t *testing.T) {
	c := newTestCoordinator(t, clientsSchema(), NewMemoryKV(), nil, newTestClock())

	if _, err := c.Mutate(context.Background(), Operation{Kind: "upsert"}); !errors.Is(err, ErrInvalidOperation) {
		t.Errorf("Mutate(bad kind) error = %v, want ErrInvalidOperation", err)
	}
	if _, err := c.Mutate(context.Background(), Operation{Kind: OpUpdate, ID: "srv-404"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Mutate(update missing) error = %v, want ErrNotFound", err)
	}
	_, _ = c.Mutate(context.Background(), Operation{Kind: OpInsert, ID: "tmp-1"})
	if _, err := c.Mutate(context.Background(), Operation{Kind: OpInsert, ID: "tmp-1"}); !errors.Is(err, ErrInvalidOperation) {
		t.Errorf("Mutate(duplicate insert) error = %v, want ErrInvalidOperation", err)
	}
}

func TestCoordinator_UpdateMergesPayload(t *testing.T) {
	clock := newTestClock()
	c := newTestCoordinator(t, clientsSchema(), NewMemoryKV(), nil, clock)

	res, _ := c.Mutate(context.Background(), Operation{Kind: OpInsert, Payload: map[string]any{"name": "Acme", "city": "Lyon"}})
	clock.Advance(time.Minute)
	if _, err := c.Mutate(context.Background(), Operation{Kind: OpUpdate, ID: res.ID, Payload: map[string]any{"city": "Paris"}}); err != nil {
		t.Fatalf("Mutate(update) error: %v", err)
	}

	e, _ := c.Get(res.ID)
	if e.Payload["name"] != "Acme" || e.Payload["city"] != "Paris" {
		t.Errorf("payload = %v", e.Payload)
	}
	if !e.UpdatedAt.Equal(clock.Now()) {
		t.Errorf("UpdatedAt = %v, want %v", e.UpdatedAt, clock.Now())
	}

	ops := c.PendingOps()
	if len(ops) != 1 || ops[0].Kind != OpInsert || ops[0].Payload["city"] != "Paris" {
		t.Errorf("queue = %+v, want one insert with the latest payload", ops)
	}
}

func TestCoordinator_DeleteUnsentInsert(t *testing.T) {
	c := newTestCoordinator(t, clientsSchema(), NewMemoryKV(), nil, newTestClock())

	res, _ := c.Mutate(context.Background(), Operation{Kind: OpInsert, Payload: map[string]any{"name": "Acme"}})
	del, err := c.Mutate(context.Background(), Operation{Kind: OpDelete, ID: res.ID})
	if err != nil {
		t.Fatalf("Mutate(delete) error: %v", err)
	}
	if del.SyncPending {
		t.Error("SyncPending = true for a cancelled insert")
	}
	if len(c.GetAll()) != 0 || len(c.PendingOps()) != 0 || c.UnsyncedCount() != 0 {
		t.Errorf("state not empty: entities=%d ops=%d unsynced=%d", len(c.GetAll()), len(c.PendingOps()), c.UnsyncedCount())
	}
}

func TestCoordinator_TimeoutThenDrain(t *testing.T) {
	clock := newTestClock()
	remote := newFakeRemote(clock.Now)
	c := newTestCoordinator(t, clientsSchema(), NewMemoryKV(), remote, clock)

	remote.setErr(errUnreachable)
	res, err := c.Mutate(context.Background(), Operation{Kind: OpInsert, Payload: map[string]any{"name": "Acme"}})
	if err != nil {
		t.Fatalf("Mutate() error: %v", err)
	}
	if !res.SyncPending {
		t.Error("SyncPending = false after a timeout")
	}

	e, _ := c.Get(res.ID)
	if e.State != StateFailed || e.LastError == "" {
		t.Errorf("entity = %s (%q), want failed with an error", e.State, e.LastError)
	}
	if c.UnsyncedCount() != 1 {
		t.Errorf("UnsyncedCount() = %d, want 1", c.UnsyncedCount())
	}
	if c.Status().LastError == "" {
		t.Error("Status().LastError is empty")
	}

	remote.setErr(nil)
	dr := c.DrainQueue(context.Background(), DrainOptions{Force: true})
	if dr.Succeeded != 1 {
		t.Errorf("DrainQueue() = %+v, want 1 succeeded", dr)
	}
	if c.UnsyncedCount() != 0 {
		t.Errorf("UnsyncedCount() = %d, want 0", c.UnsyncedCount())
	}
	if e, _ := c.Get(res.ID); e.ID != "srv-1" || e.State != StateSynced {
		t.Errorf("entity = %s/%s, want srv-1/synced", e.ID, e.State)
	}
}

func TestCoordinator_UpdateNotFoundCountsAsDelivered(t *testing.T) {
	clock := newTestClock()
	remote := newFakeRemote(clock.Now)
	kv := NewMemoryKV()
	seed := NewCache(kv, "clients", discardLogger())
	_ = seed.Persist(Snapshot{Entities: []Entity{{ID: "srv-7", Payload: map[string]any{"name": "Gone"}, State: StateSynced}}})

	c := newTestCoordinator(t, clientsSchema(), kv, remote, clock)
	res, err := c.Mutate(context.Background(), Operation{Kind: OpUpdate, ID: "srv-7", Payload: map[string]any{"name": "Gone Inc"}})
	if err != nil {
		t.Fatalf("Mutate() error: %v", err)
	}
	if res.SyncPending {
		t.Error("SyncPending = true for an update of a missing remote record")
	}
	if len(c.PendingOps()) != 0 {
		t.Errorf("PendingOps() = %d, want 0", len(c.PendingOps()))
	}
}

func TestCoordinator_LoadMarksInterruptedFailed(t *testing.T) {
	kv := NewMemoryKV()
	_ = NewCache(kv, "clients", discardLogger()).Persist(Snapshot{Entities: []Entity{
		{ID: "tmp-1", Payload: map[string]any{}, State: StateSyncing},
		{ID: "srv-2", Payload: map[string]any{}, State: StateSynced},
	}})

	c := newTestCoordinator(t, clientsSchema(), kv, nil, newTestClock())

	e, _ := c.Get("tmp-1")
	if e.State != StateFailed {
		t.Errorf("interrupted entity state = %q, want failed", e.State)
	}
	if e, _ := c.Get("srv-2"); e.State != StateSynced {
		t.Errorf("synced entity state = %q, want synced", e.State)
	}
}

func TestCoordinator_StateSurvivesRestart(t *testing.T) {
	kv := NewMemoryKV()
	clock := newTestClock()
	c := newTestCoordinator(t, clientsSchema(), kv, nil, clock)

	res, _ := c.Mutate(context.Background(), Operation{Kind: OpInsert, Payload: map[string]any{"name": "Acme"}})

	restarted := newTestCoordinator(t, clientsSchema(), kv, nil, clock)
	if _, ok := restarted.Get(res.ID); !ok {
		t.Error("entity lost across restart")
	}
	if len(restarted.PendingOps()) != 1 {
		t.Errorf("PendingOps() = %d after restart, want 1", len(restarted.PendingOps()))
	}
}

func TestCoordinator_PersistFailureKeepsMemory(t *testing.T) {
	kv := &failingKV{MemoryKV: NewMemoryKV()}
	c := newTestCoordinator(t, clientsSchema(), kv, nil, newTestClock())
	kv.setFailing(true)

	res, err := c.Mutate(context.Background(), Operation{Kind: OpInsert, Payload: map[string]any{"name": "Acme"}})
	if err != nil {
		t.Fatalf("Mutate() error: %v", err)
	}
	if _, ok := c.Get(res.ID); !ok {
		t.Error("entity missing from memory after persist failure")
	}
	if c.Status().LastError == "" {
		t.Error("persist failure not surfaced in Status")
	}

	kv.setFailing(false)
	_, _ = c.Mutate(context.Background(), Operation{Kind: OpUpdate, ID: res.ID, Payload: map[string]any{"city": "Lyon"}})
	snap := NewCache(kv, "clients", discardLogger()).Load()
	if len(snap.Entities) != 1 {
		t.Errorf("persisted entities = %d after recovery, want 1", len(snap.Entities))
	}
}

func TestCoordinator_AbandonUnsentInsert(t *testing.T) {
	c := newTestCoordinator(t, clientsSchema(), NewMemoryKV(), nil, newTestClock())
	res, _ := c.Mutate(context.Background(), Operation{Kind: OpInsert, Payload: map[string]any{"name": "Acme"}})

	op := c.PendingOps()[0]
	if _, err := c.Abandon(op.ID); err != nil {
		t.Fatalf("Abandon() error: %v", err)
	}
	if _, ok := c.Get(res.ID); ok {
		t.Error("abandoned insert left its entity behind")
	}
	if c.UnsyncedCount() != 0 {
		t.Errorf("UnsyncedCount() = %d, want 0", c.UnsyncedCount())
	}
	if _, err := c.Abandon(op.ID); !errors.Is(err, ErrOpNotFound) {
		t.Errorf("second Abandon() error = %v, want ErrOpNotFound", err)
	}
}

func TestCoordinator_InitializeMergesPull(t *testing.T) {
	clock := newTestClock()
	remote := newFakeRemote(clock.Now)
	kv := NewMemoryKV()
	_ = NewCache(kv, "clients", discardLogger()).Persist(Snapshot{Entities: []Entity{
		{ID: "srv-1", Payload: map[string]any{"name": "Stale"}, State: StateSynced},
		{ID: "srv-2", Payload: map[string]any{"name": "Deleted remotely"}, State: StateSynced},
	}})
	remote.seed("crm_clients", Record{ID: "srv-1", Fields: map[string]any{"company_name": "Fresh"}})
	remote.seed("crm_clients", Record{ID: "srv-3", Fields: map[string]any{"company_name": "New"}})

	c := newTestCoordinator(t, clientsSchema(), kv, remote, clock)
	res := c.Initialize(context.Background())

	if res.Offline {
		t.Fatal("Initialize() reported offline")
	}
	if res.Pulled != 2 || res.Added != 1 || res.Dropped != 1 {
		t.Errorf("Initialize() = %+v, want pulled=2 added=1 dropped=1", res)
	}
	if e, _ := c.Get("srv-1"); e.Payload["name"] != "Fresh" {
		t.Errorf("srv-1 name = %v, want Fresh", e.Payload["name"])
	}
	if _, ok := c.Get("srv-2"); ok {
		t.Error("srv-2 kept after the remote dropped it")
	}
	if c.Status().LastPull == nil {
		t.Error("LastPull not recorded")
	}
}

func TestCoordinator_InitializeNaturalKeyBetweenServerIDs(t *testing.T) {
	clock := newTestClock()
	remote := newFakeRemote(clock.Now)
	kv := NewMemoryKV()
	_ = NewCache(kv, "clients", discardLogger()).Persist(Snapshot{Entities: []Entity{
		{ID: "srv-1", Payload: map[string]any{"name": "Acme"}, State: StateSynced},
	}})
	remote.seed("crm_clients", Record{ID: "srv-2", Fields: map[string]any{"company_name": "ACME"}})

	c := newTestCoordinator(t, clientsSchema(), kv, remote, clock)
	res := c.Initialize(context.Background())

	if res.Merged != 1 || res.Dropped != 0 {
		t.Errorf("Initialize() = %+v, want merged=1 dropped=0", res)
	}
	all := c.GetAll()
	if len(all) != 1 || all[0].ID != "srv-2" {
		t.Fatalf("GetAll() = %+v, want srv-1 merged into srv-2", all)
	}
}

func TestCoordinator_InitializeKeepsRecordsSharingKey(t *testing.T) {
	clock := newTestClock()
	remote := newFakeRemote(clock.Now)
	kv := NewMemoryKV()
	_ = NewCache(kv, "clients", discardLogger()).Persist(Snapshot{Entities: []Entity{
		{ID: "srv-1", Payload: map[string]any{"name": "Acme"}, State: StateSynced},
	}})
	remote.seed("crm_clients", Record{ID: "srv-1", Fields: map[string]any{"company_name": "Acme"}})
	remote.seed("crm_clients", Record{ID: "srv-2", Fields: map[string]any{"company_name": "acme"}})

	c := newTestCoordinator(t, clientsSchema(), kv, remote, clock)
	res := c.Initialize(context.Background())

	if res.Added != 1 {
		t.Errorf("Initialize() = %+v, want added=1", res)
	}
	for _, id := range []string{"srv-1", "srv-2"} {
		if _, ok := c.Get(id); !ok {
			t.Errorf("%s missing after pull", id)
		}
	}
	if n := len(c.GetAll()); n != 2 {
		t.Errorf("GetAll() = %d entities, want 2", n)
	}
}

func TestCoordinator_InitializeKeepsLocalWork(t *testing.T) {
	clock := newTestClock()
	remote := newFakeRemote(clock.Now)
	remote.seed("crm_clients", Record{ID: "srv-1", Fields: map[string]any{"company_name": "Remote"}})
	kv := NewMemoryKV()
	_ = NewCache(kv, "clients", discardLogger()).Persist(Snapshot{Entities: []Entity{
		{ID: "srv-1", Payload: map[string]any{"name": "Remote"}, State: StateSynced},
	}})

	offline := newTestCoordinator(t, clientsSchema(), kv, nil, clock)
	_, _ = offline.Mutate(context.Background(), Operation{Kind: OpUpdate, ID: "srv-1", Payload: map[string]any{"name": "Local edit"}})

	c := newTestCoordinator(t, clientsSchema(), kv, remote, clock)
	res := c.Initialize(context.Background())

	if res.KeptLocal != 1 || res.Drain.Succeeded != 1 {
		t.Errorf("Initialize() = %+v, want kept_local=1 drained=1", res)
	}
	if rec, _ := remote.get("crm_clients", "srv-1"); rec.Fields["company_name"] != "Local edit" {
		t.Errorf("remote name = %v, want Local edit", rec.Fields["company_name"])
	}
	if e, _ := c.Get("srv-1"); e.State != StateSynced || e.Payload["name"] != "Local edit" {
		t.Errorf("entity = %+v", e)
	}
}

func TestCoordinator_InitializeLostAck(t *testing.T) {
	clock := newTestClock()
	remote := newFakeRemote(clock.Now)
	kv := NewMemoryKV()

	offline := newTestCoordinator(t, clientsSchema(), kv, nil, clock)
	res, _ := offline.Mutate(context.Background(), Operation{Kind: OpInsert, Payload: map[string]any{"name": "Acme"}})
	// The insert reached the remote store but the acknowledgement was lost.
	remote.seed("crm_clients", Record{ID: "srv-5", ClientID: res.ID, Fields: map[string]any{"company_name": "Acme"}})

	c := newTestCoordinator(t, clientsSchema(), kv, remote, clock)
	ir := c.Initialize(context.Background())

	if ir.Merged != 1 {
		t.Errorf("Merged = %d, want 1", ir.Merged)
	}
	all := c.GetAll()
	if len(all) != 1 || all[0].ID != "srv-5" || all[0].State != StateSynced {
		t.Fatalf("GetAll() = %+v, want one synced srv-5", all)
	}
	if remote.count("insert") != 0 {
		t.Errorf("insert calls = %d, want 0", remote.count("insert"))
	}
	if remote.size("crm_clients") != 1 {
		t.Errorf("remote records = %d, want 1", remote.size("crm_clients"))
	}
}

func TestCoordinator_InitializeNaturalKeyMerge(t *testing.T) {
	clock := newTestClock()
	remote := newFakeRemote(clock.Now)
	remote.seed("crm_clients", Record{ID: "srv-9", Fields: map[string]any{"company_name": "ACME corp"}})
	kv := NewMemoryKV()

	clock.Advance(time.Minute)
	offline := newTestCoordinator(t, clientsSchema(), kv, nil, clock)
	_, _ = offline.Mutate(context.Background(), Operation{Kind: OpInsert, Payload: map[string]any{"name": "Acme Corp", "city": "Lyon"}})

	c := newTestCoordinator(t, clientsSchema(), kv, remote, clock)
	res := c.Initialize(context.Background())

	all := c.GetAll()
	if len(all) != 1 {
		t.Fatalf("GetAll() returned %d entities, want 1 merged", len(all))
	}
	if all[0].ID != "srv-9" {
		t.Errorf("ID = %q, want srv-9", all[0].ID)
	}
	if all[0].Payload["name"] != "Acme Corp" {
		t.Errorf("name = %v, want the newer local value", all[0].Payload["name"])
	}
	if res.Merged != 1 {
		t.Errorf("Merged = %d, want 1", res.Merged)
	}
	if remote.count("insert") != 0 || remote.size("crm_clients") != 1 {
		t.Errorf("remote duplicated the entity: inserts=%d records=%d", remote.count("insert"), remote.size("crm_clients"))
	}
	if rec, _ := remote.get("crm_clients", "srv-9"); rec.Fields["city"] != "Lyon" {
		t.Errorf("remote city = %v, want Lyon", rec.Fields["city"])
	}
}

func TestCoordinator_InitializeOffline(t *testing.T) {
	clock := newTestClock()
	remote := newFakeRemote(clock.Now)
	kv := NewMemoryKV()
	_ = NewCache(kv, "clients", discardLogger()).Persist(Snapshot{Entities: []Entity{
		{ID: "srv-1", Payload: map[string]any{"name": "Cached"}, State: StateSynced},
	}})
	remote.setErr(errUnreachable)

	c := newTestCoordinator(t, clientsSchema(), kv, remote, clock)
	res := c.Initialize(context.Background())

	if !res.Offline {
		t.Error("Offline = false after a failed pull")
	}
	if len(c.GetAll()) != 1 {
		t.Errorf("cache not served after failed pull: %d entities", len(c.GetAll()))
	}
}

func TestCoordinator_InitializeSkipsLegacyFailures(t *testing.T) {
	clock := newTestClock()
	remote := newFakeRemote(clock.Now)
	remote.seed("quotes", Record{ID: "srv-1", Fields: map[string]any{"total": "n/a"}})
	remote.seed("quotes", Record{ID: "srv-2", Fields: map[string]any{"total_cents": "990"}})
	schema := Schema{
		Collection: "quotes",
		Legacy:     []LegacyRule{{From: "total_cents", To: "total", Coerce: CoerceNumber}},
	}

	c := newTestCoordinator(t, schema, NewMemoryKV(), remote, clock)
	res := c.Initialize(context.Background())

	if res.SkippedMigrations != 1 {
		t.Errorf("SkippedMigrations = %d, want 1", res.SkippedMigrations)
	}
	if e, ok := c.Get("srv-2"); !ok || e.Payload["total"] != 990.0 {
		t.Errorf("srv-2 = %+v, %v; want migrated total", e, ok)
	}
	if _, ok := c.Get("srv-1"); ok {
		t.Error("unmigratable record was added")
	}
}

func TestCoordinator_ConcurrentMutateEventsAndDrain(t *testing.T) {
	clock := newTestClock()
	remote := newFakeRemote(clock.Now)
	remote.setErr(errUnreachable)
	c := newTestCoordinator(t, clientsSchema(), NewMemoryKV(), remote, clock)

	created, err := c.Mutate(context.Background(), Operation{Kind: OpInsert, Payload: map[string]any{"name": "Local 0"}})
	if err != nil {
		t.Fatalf("Mutate() error: %v", err)
	}
	c.OnEvent(Event{Kind: OpInsert, Record: Record{ID: "srv-live", Fields: map[string]any{"company_name": "Live 0"}}})

	const rounds = 50
	var wg sync.WaitGroup
	wg.Add(4)
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			_, _ = c.Mutate(context.Background(), Operation{Kind: OpUpdate, ID: created.ID,
				Payload: map[string]any{"name": fmt.Sprintf("Local %d", i)}})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			c.OnEvent(Event{Kind: OpUpdate, Record: Record{ID: "srv-live",
				Fields: map[string]any{"company_name": fmt.Sprintf("Live %d", i)}, UpdatedAt: clock.Now()}})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			c.DrainQueue(context.Background(), DrainOptions{Force: true, IncludeDeadLetters: true})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			_ = c.GetAll()
			_ = c.Status()
			_ = c.PendingOps()
		}
	}()
	wg.Wait()

	remote.setErr(nil)
	for i := 0; i < 3 && len(c.PendingOps()) > 0; i++ {
		c.DrainQueue(context.Background(), DrainOptions{Force: true, IncludeDeadLetters: true})
	}

	if n := len(c.GetAll()); n != 2 {
		t.Errorf("GetAll() = %d entities, want 2", n)
	}
	if n := c.UnsyncedCount(); n != 0 {
		t.Errorf("UnsyncedCount() = %d, want 0", n)
	}
	if ops := c.PendingOps(); len(ops) != 0 {
		t.Errorf("PendingOps() = %+v, want empty", ops)
	}
	if n := remote.size("crm_clients"); n != 1 {
		t.Errorf("remote holds %d records, want 1", n)
	}
	for _, e := range c.GetAll() {
		if IsTempID(e.ID) {
			t.Errorf("entity %s kept its temporary id", e.ID)
		}
	}
}

// stallingRemote never answers inserts before the caller gives up.
type stallingRemote struct {
	*fakeRemote
}

func (s stallingRemote) Insert(ctx context.Context, collection, clientID string, fields map[string]any) (Record, error) {
	<-ctx.Done()
	return Record{}, ctx.Err()
}

func TestCoordinator_RemoteTimeoutQueuesOperation(t *testing.T) {
	clock := newTestClock()
	c := newCoordinator(clientsSchema(), coordinatorConfig{
		kv:      NewMemoryKV(),
		remote:  stallingRemote{newFakeRemote(clock.Now)},
		timeout: 20 * time.Millisecond,
		policy:  testPolicy(),
		logger:  discardLogger(),
		now:     clock.Now,
	})
	c.Load()

	start := time.Now()
	res, err := c.Mutate(context.Background(), Operation{Kind: OpInsert, Payload: map[string]any{"name": "Acme"}})
	if err != nil {
		t.Fatalf("Mutate() error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Mutate() took %v, want it cut off by the remote timeout", elapsed)
	}
	if !res.Applied || !res.SyncPending {
		t.Errorf("Mutate() = %+v, want applied and pending", res)
	}

	ops := c.PendingOps()
	if len(ops) != 1 {
		t.Fatalf("PendingOps() = %d, want 1", len(ops))
	}
	if ops[0].RetryCount != 1 || ops[0].LastErrorKind != "transient" {
		t.Errorf("queued op = %+v, want one transient failure", ops[0])
	}
	if e, ok := c.Get(res.ID); !ok || e.State != StateFailed || !IsTempID(e.ID) {
		t.Errorf("entity = %+v, %v; want failed under its temporary id", e, ok)
	}
}

func TestCoordinator_DebugTrace(t *testing.T) {
	clock := newTestClock()
	remote := newFakeRemote(clock.Now)
	var buf bytes.Buffer
	c := newCoordinator(clientsSchema(), coordinatorConfig{
		kv:     NewMemoryKV(),
		remote: remote,
		policy: testPolicy(),
		logger: discardLogger(),
		now:    clock.Now,
		debug:  &DebugLogger{w: &buf},
	})
	c.Load()

	remote.setErr(errUnreachable)
	res, _ := c.Mutate(context.Background(), Operation{Kind: OpInsert, Payload: map[string]any{"name": "Acme"}})
	remote.setErr(nil)
	c.DrainQueue(context.Background(), DrainOptions{Force: true})

	trace := buf.String()
	for _, want := range []string{
		"clients claim op=",
		"clients failed op=",
		"error_kind=transient",
		"clients confirmed op=",
		"record=srv-1",
		"clients remap old=" + res.ID + " new=srv-1",
		"clients drain succeeded=1 failed=0",
	} {
		if !strings.Contains(trace, want) {
			t.Errorf("trace missing %q:\n%s", want, trace)
		}
	}
}

// cacheLossKV drops cache writes, as if the process stopped after the
// queue was persisted.
type cacheLossKV struct {
	*MemoryKV
}

func (k cacheLossKV) Write(key string, value []byte) error {
	if strings.HasPrefix(key, "cache/") {
		return nil
	}
	return k.MemoryKV.Write(key, value)
}

func TestCoordinator_LoadReplaysQueueAheadOfCache(t *testing.T) {
	clock := newTestClock()
	kv := NewMemoryKV()
	_ = NewCache(kv, "clients", discardLogger()).Persist(Snapshot{Entities: []Entity{
		{ID: "srv-5", Payload: map[string]any{"name": "Globex"}, State: StateSynced},
		{ID: "srv-9", Payload: map[string]any{"name": "Initech"}, State: StateSynced},
	}})

	c := newTestCoordinator(t, clientsSchema(), cacheLossKV{kv}, nil, clock)
	created, _ := c.Mutate(context.Background(), Operation{Kind: OpInsert, Payload: map[string]any{"name": "Acme"}})
	_, _ = c.Mutate(context.Background(), Operation{Kind: OpUpdate, ID: created.ID, Payload: map[string]any{"name": "Acme Corp"}})
	_, _ = c.Mutate(context.Background(), Operation{Kind: OpUpdate, ID: "srv-5", Payload: map[string]any{"name": "Globex 2"}})
	_, _ = c.Mutate(context.Background(), Operation{Kind: OpDelete, ID: "srv-9"})

	reloaded := newTestCoordinator(t, clientsSchema(), kv, nil, clock)

	if e, ok := reloaded.Get(created.ID); !ok || e.State != StateLocal || e.Payload["name"] != "Acme Corp" {
		t.Errorf("inserted entity = %+v, %v; want local Acme Corp", e, ok)
	}
	if e, ok := reloaded.Get("srv-5"); !ok || e.State != StateLocal || e.Payload["name"] != "Globex 2" {
		t.Errorf("updated entity = %+v, %v; want local Globex 2", e, ok)
	}
	if _, ok := reloaded.Get("srv-9"); ok {
		t.Error("deleted entity came back after reload")
	}
	if n := len(NewCache(kv, "clients", discardLogger()).Load().Entities); n != 2 {
		t.Errorf("repaired cache holds %d entities, want 2", n)
	}
}
