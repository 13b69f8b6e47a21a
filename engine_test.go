package tether_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hyperengineering/tether"
	"github.com/hyperengineering/tether/tethertest"
)

func testSchemas() []tether.Schema {
	return []tether.Schema{
		{
			Collection: "clients",
			Remote:     "crm_clients",
			Fields:     map[string]string{"name": "company_name"},
			NaturalKey: []string{"name"},
		},
		{
			Collection: "contacts",
			NaturalKey: []string{"email"},
			References: []tether.Reference{{Field: "client_id", Collection: "clients"}},
		},
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestEngine creates an engine over kv talking to remote. A nil remote
// makes the engine offline.
func newTestEngine(t *testing.T, kv tether.KV, remote *tethertest.MemoryRemote) *tether.Engine {
	t.Helper()
	cfg := tether.Config{
		LocalPath:     filepath.Join(t.TempDir(), "unused.db"),
		RemoteTimeout: 200 * time.Millisecond,
		AutoSync:      false,
	}
	opts := []tether.Option{tether.WithKV(kv), tether.WithLogger(quietLogger())}
	if remote != nil {
		opts = append(opts, tether.WithRemote(remote))
	}
	e, err := tether.New(cfg, testSchemas(), opts...)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func mustMutate(t *testing.T, e *tether.Engine, op tether.Operation) tether.MutateResult {
	t.Helper()
	res, err := e.Mutate(context.Background(), op)
	if err != nil {
		t.Fatalf("Mutate(%s %s) error: %v", op.Kind, op.Collection, err)
	}
	return res
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestEngine_InsertRemapsToServerIdentity(t *testing.T) {
	remote := tethertest.NewMemoryRemote()
	e := newTestEngine(t, tether.NewMemoryKV(), remote)

	res := mustMutate(t, e, tether.Operation{Collection: "clients", Kind: tether.OpInsert, ID: "tmp-1", Payload: map[string]any{"name": "Acme"}})
	if res.SyncPending {
		t.Fatal("SyncPending = true with a reachable remote")
	}

	all, err := e.GetAll("clients")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Fatalf("GetAll() returned %d entities, want 1", len(all))
	}
	if all[0].ID != "srv-1" || all[0].State != tether.StateSynced {
		t.Errorf("entity = %s/%s, want srv-1/synced", all[0].ID, all[0].State)
	}
	if res.ID != "srv-1" {
		t.Errorf("MutateResult.ID = %q, want srv-1", res.ID)
	}
}

func TestEngine_TimeoutThenForceSync(t *testing.T) {
	remote := tethertest.NewMemoryRemote()
	e := newTestEngine(t, tether.NewMemoryKV(), remote)

	remote.SetOffline(true)
	res := mustMutate(t, e, tether.Operation{Collection: "clients", Kind: tether.OpInsert, Payload: map[string]any{"name": "Acme"}})
	if !res.SyncPending {
		t.Error("SyncPending = false after a timeout")
	}

	all, _ := e.GetAll("clients")
	if len(all) != 1 || all[0].State != tether.StateFailed {
		t.Fatalf("GetAll() = %+v, want one failed entity", all)
	}
	if n := e.UnsyncedCount(); n != 1 {
		t.Errorf("UnsyncedCount() = %d, want 1", n)
	}

	remote.SetOffline(false)
	dr, err := e.ForceSync(context.Background())
	if err != nil {
		t.Fatalf("ForceSync() error: %v", err)
	}
	if dr.Succeeded != 1 {
		t.Errorf("ForceSync() = %+v, want 1 succeeded", dr)
	}
	if n := e.UnsyncedCount(); n != 0 {
		t.Errorf("UnsyncedCount() = %d after ForceSync, want 0", n)
	}
}

func TestEngine_ConvergenceAfterOffline(t *testing.T) {
	remote := tethertest.NewMemoryRemote()
	remote.Seed("crm_clients", tether.Record{ID: "srv-100", Fields: map[string]any{"company_name": "Initech"}})
	remote.Seed("crm_clients", tether.Record{ID: "srv-101", Fields: map[string]any{"company_name": "Hooli"}})
	e := newTestEngine(t, tether.NewMemoryKV(), remote)
	if _, err := e.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	remote.SetOffline(true)
	a := mustMutate(t, e, tether.Operation{Collection: "clients", Kind: tether.OpInsert, Payload: map[string]any{"name": "Acme", "tier": "gold"}})
	mustMutate(t, e, tether.Operation{Collection: "clients", Kind: tether.OpUpdate, ID: a.ID, Payload: map[string]any{"tier": "platinum"}})
	mustMutate(t, e, tether.Operation{Collection: "clients", Kind: tether.OpUpdate, ID: "srv-100", Payload: map[string]any{"name": "Initech LLC"}})
	mustMutate(t, e, tether.Operation{Collection: "clients", Kind: tether.OpUpdate, ID: "srv-100", Payload: map[string]any{"city": "Austin"}})
	mustMutate(t, e, tether.Operation{Collection: "clients", Kind: tether.OpDelete, ID: "srv-101"})
	c := mustMutate(t, e, tether.Operation{Collection: "clients", Kind: tether.OpInsert, Payload: map[string]any{"name": "Temp"}})
	mustMutate(t, e, tether.Operation{Collection: "clients", Kind: tether.OpDelete, ID: c.ID})

	remote.SetOffline(false)
	if _, err := e.ForceSync(context.Background()); err != nil {
		t.Fatal(err)
	}

	if n := e.UnsyncedCount(); n != 0 {
		t.Fatalf("UnsyncedCount() = %d, want 0", n)
	}
	recs := remote.Records("crm_clients")
	if len(recs) != 2 {
		t.Fatalf("remote has %d records, want 2: %+v", len(recs), recs)
	}

	initech, _ := remote.Record("crm_clients", "srv-100")
	if initech.Fields["company_name"] != "Initech LLC" || initech.Fields["city"] != "Austin" {
		t.Errorf("srv-100 = %v", initech.Fields)
	}
	if _, ok := remote.Record("crm_clients", "srv-101"); ok {
		t.Error("srv-101 not deleted remotely")
	}

	acme, err := e.Get("clients", a.ID)
	if err != nil {
		t.Fatalf("Get(%s) error: %v", a.ID, err)
	}
	rec, ok := remote.Record("crm_clients", acme.ID)
	if !ok {
		t.Fatalf("remote record %s missing", acme.ID)
	}
	if rec.Fields["company_name"] != "Acme" || rec.Fields["tier"] != "platinum" {
		t.Errorf("remote %s = %v, want last local payload", acme.ID, rec.Fields)
	}
}

func TestEngine_NoDuplicateInsertOnLostAck(t *testing.T) {
	remote := tethertest.NewMemoryRemote()
	e := newTestEngine(t, tether.NewMemoryKV(), remote)

	remote.LoseAcks(1)
	res := mustMutate(t, e, tether.Operation{Collection: "clients", Kind: tether.OpInsert, Payload: map[string]any{"name": "Acme"}})
	if !res.SyncPending {
		t.Fatal("SyncPending = false although the acknowledgement was lost")
	}

	if _, err := e.ForceSync(context.Background()); err != nil {
		t.Fatal(err)
	}

	if recs := remote.Records("crm_clients"); len(recs) != 1 {
		t.Fatalf("remote has %d records, want 1", len(recs))
	}
	all, _ := e.GetAll("clients")
	if len(all) != 1 || all[0].ID != "srv-1" || all[0].State != tether.StateSynced {
		t.Errorf("GetAll() = %+v, want one synced srv-1", all)
	}
}

func TestEngine_NoDuplicateInsertAfterRestart(t *testing.T) {
	remote := tethertest.NewMemoryRemote()
	path := filepath.Join(t.TempDir(), "tether.db")
	kv, err := tether.OpenKV(tether.BackendSQLite, path)
	if err != nil {
		t.Fatal(err)
	}

	first := newTestEngine(t, kv, remote)
	remote.LoseAcks(1)
	mustMutate(t, first, tether.Operation{Collection: "clients", Kind: tether.OpInsert, Payload: map[string]any{"name": "Acme"}})
	_ = first.Close()
	_ = kv.Close()

	kv, err = tether.OpenKV(tether.BackendSQLite, path)
	if err != nil {
		t.Fatal(err)
	}
	defer kv.Close()
	second := newTestEngine(t, kv, remote)

	if ops, _ := second.PendingOps("clients"); len(ops) != 1 {
		t.Fatalf("PendingOps() after restart = %d, want 1", len(ops))
	}
	if _, err := second.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	if recs := remote.Records("crm_clients"); len(recs) != 1 {
		t.Errorf("remote has %d records, want 1", len(recs))
	}
	all, _ := second.GetAll("clients")
	if len(all) != 1 || all[0].ID != "srv-1" {
		t.Errorf("GetAll() = %+v, want one srv-1", all)
	}
	if n := second.UnsyncedCount(); n != 0 {
		t.Errorf("UnsyncedCount() = %d, want 0", n)
	}
}

func TestEngine_QueueSurvivesRestartBolt(t *testing.T) {
	remote := tethertest.NewMemoryRemote()
	path := filepath.Join(t.TempDir(), "tether.bolt")
	kv, err := tether.OpenKV(tether.BackendBolt, path)
	if err != nil {
		t.Fatal(err)
	}

	first := newTestEngine(t, kv, nil)
	a := mustMutate(t, first, tether.Operation{Collection: "clients", Kind: tether.OpInsert, Payload: map[string]any{"name": "Acme"}})
	mustMutate(t, first, tether.Operation{Collection: "contacts", Kind: tether.OpInsert, Payload: map[string]any{"email": "ada@acme.test", "client_id": a.ID}})
	_ = first.Close()
	_ = kv.Close()

	kv, err = tether.OpenKV(tether.BackendBolt, path)
	if err != nil {
		t.Fatal(err)
	}
	defer kv.Close()
	second := newTestEngine(t, kv, remote)

	if n := second.UnsyncedCount(); n != 2 {
		t.Fatalf("UnsyncedCount() after restart = %d, want 2", n)
	}
	results, err := second.Initialize(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range results {
		if r.Drain.Succeeded != 1 {
			t.Errorf("%s drained %+v, want 1 succeeded", r.Collection, r.Drain)
		}
	}
	if n := second.UnsyncedCount(); n != 0 {
		t.Errorf("UnsyncedCount() = %d, want 0", n)
	}
}

func TestEngine_RemapRewritesReferences(t *testing.T) {
	remote := tethertest.NewMemoryRemote()
	e := newTestEngine(t, tether.NewMemoryKV(), remote)

	remote.SetOffline(true)
	client := mustMutate(t, e, tether.Operation{Collection: "clients", Kind: tether.OpInsert, Payload: map[string]any{"name": "Acme"}})
	mustMutate(t, e, tether.Operation{Collection: "contacts", Kind: tether.OpInsert, Payload: map[string]any{"email": "ada@acme.test", "client_id": client.ID}})

	contacts, _ := e.GetAll("contacts")
	if contacts[0].Payload["client_id"] != client.ID {
		t.Fatalf("contact client_id = %v, want %s", contacts[0].Payload["client_id"], client.ID)
	}

	remote.SetOffline(false)
	if _, err := e.ForceSync(context.Background()); err != nil {
		t.Fatal(err)
	}

	clients, _ := e.GetAll("clients")
	contacts, _ = e.GetAll("contacts")
	if len(clients) != 1 || len(contacts) != 1 {
		t.Fatalf("clients=%d contacts=%d, want 1 each", len(clients), len(contacts))
	}
	serverID := clients[0].ID
	if tether.IsTempID(serverID) {
		t.Fatalf("client still has temporary identity %s", serverID)
	}
	if contacts[0].Payload["client_id"] != serverID {
		t.Errorf("local contact client_id = %v, want %s", contacts[0].Payload["client_id"], serverID)
	}

	recs := remote.Records("contacts")
	if len(recs) != 1 || recs[0].Fields["client_id"] != serverID {
		t.Errorf("remote contact = %+v, want client_id %s", recs, serverID)
	}
}

func TestEngine_ReferenceToUnsyncedEntityDefers(t *testing.T) {
	remote := tethertest.NewMemoryRemote()
	e := newTestEngine(t, tether.NewMemoryKV(), remote)

	remote.FailNext(errors.New("validation failed"))
	client := mustMutate(t, e, tether.Operation{Collection: "clients", Kind: tether.OpInsert, Payload: map[string]any{"name": "Acme"}})
	contact := mustMutate(t, e, tether.Operation{Collection: "contacts", Kind: tether.OpInsert, Payload: map[string]any{"email": "ada@acme.test", "client_id": client.ID}})

	if !contact.SyncPending {
		t.Error("contact delivered while its client has no server identity")
	}
	if remote.Calls("insert") != 1 {
		t.Errorf("insert calls = %d, want only the failed client insert", remote.Calls("insert"))
	}
	if len(remote.Records("contacts")) != 0 {
		t.Error("contact sent with a temporary reference")
	}
}

func TestEngine_LiveUpdateRace(t *testing.T) {
	remote := tethertest.NewMemoryRemote()
	remote.Seed("crm_clients", tether.Record{ID: "srv-1", Fields: map[string]any{"company_name": "Acme"}})
	e := newTestEngine(t, tether.NewMemoryKV(), remote)
	if _, err := e.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := e.Subscribe(ctx); err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}

	remote.SetOffline(true)
	mustMutate(t, e, tether.Operation{Collection: "clients", Kind: tether.OpUpdate, ID: "srv-1", Payload: map[string]any{"name": "Acme Local"}})
	remote.SetOffline(false)

	// Another session writes later than the local edit.
	remote.Publish("crm_clients", tether.Event{Kind: tether.OpUpdate, Record: tether.Record{
		ID:        "srv-1",
		Fields:    map[string]any{"company_name": "Acme Remote"},
		UpdatedAt: time.Now().Add(time.Hour),
	}})

	waitFor(t, "remote edit applied", func() bool {
		ent, err := e.Get("clients", "srv-1")
		return err == nil && ent.Payload["name"] == "Acme Remote"
	})

	all, _ := e.GetAll("clients")
	if len(all) != 1 {
		t.Fatalf("GetAll() returned %d entities, want 1", len(all))
	}
	if ops, _ := e.PendingOps("clients"); len(ops) != 0 {
		t.Errorf("superseded local update still queued: %+v", ops)
	}
}

func TestEngine_LiveInsertOfPendingEntity(t *testing.T) {
	remote := tethertest.NewMemoryRemote()
	e := newTestEngine(t, tether.NewMemoryKV(), remote)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := e.Subscribe(ctx); err != nil {
		t.Fatal(err)
	}

	remote.LoseAcks(1)
	res := mustMutate(t, e, tether.Operation{Collection: "clients", Kind: tether.OpInsert, Payload: map[string]any{"name": "Acme"}})
	rec := remote.Records("crm_clients")[0]

	// The feed echoes the insert that landed remotely.
	remote.Publish("crm_clients", tether.Event{Kind: tether.OpInsert, Record: rec})

	waitFor(t, "echo merged", func() bool {
		ent, err := e.Get("clients", res.ID)
		return err == nil && ent.ID == rec.ID
	})
	all, _ := e.GetAll("clients")
	if len(all) != 1 {
		t.Errorf("GetAll() returned %d entities, want 1", len(all))
	}
}

func TestEngine_NaturalKeyMergeOnInitialize(t *testing.T) {
	remote := tethertest.NewMemoryRemote()
	remote.SetClock(func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) })
	remote.Seed("crm_clients", tether.Record{Fields: map[string]any{"company_name": "ACME Corp"}})

	kv := tether.NewMemoryKV()
	offline := newTestEngine(t, kv, nil)
	mustMutate(t, offline, tether.Operation{Collection: "clients", Kind: tether.OpInsert, Payload: map[string]any{"name": "acme corp", "city": "Lyon"}})
	_ = offline.Close()

	e := newTestEngine(t, kv, remote)
	results, err := e.Initialize(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	all, _ := e.GetAll("clients")
	if len(all) != 1 {
		t.Fatalf("GetAll() returned %d entities, want 1 merged", len(all))
	}
	if all[0].ID != "srv-1" {
		t.Errorf("ID = %q, want srv-1", all[0].ID)
	}
	if len(remote.Records("crm_clients")) != 1 {
		t.Errorf("remote has %d records, want 1", len(remote.Records("crm_clients")))
	}
	var merged int
	for _, r := range results {
		merged += r.Merged
	}
	if merged != 1 {
		t.Errorf("Merged = %d, want 1", merged)
	}
}

func TestEngine_InitializeOffline(t *testing.T) {
	remote := tethertest.NewMemoryRemote()
	kv := tether.NewMemoryKV()
	offline := newTestEngine(t, kv, nil)
	mustMutate(t, offline, tether.Operation{Collection: "clients", Kind: tether.OpInsert, Payload: map[string]any{"name": "Acme"}})
	_ = offline.Close()

	remote.SetOffline(true)
	e := newTestEngine(t, kv, remote)
	results, err := e.Initialize(context.Background())
	if err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}
	for _, r := range results {
		if !r.Offline {
			t.Errorf("%s Offline = false", r.Collection)
		}
	}
	if all, _ := e.GetAll("clients"); len(all) != 1 {
		t.Errorf("cached entities = %d, want 1", len(all))
	}
}

func TestEngine_DeadLettersAndRequeue(t *testing.T) {
	remote := tethertest.NewMemoryRemote()
	cfg := tether.Config{
		LocalPath:       filepath.Join(t.TempDir(), "unused.db"),
		DeadLetterAfter: 2,
	}
	e, err := tether.New(cfg, testSchemas(), tether.WithKV(tether.NewMemoryKV()), tether.WithRemote(remote), tether.WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	rejected := &tether.SyncError{Operation: "insert", StatusCode: 422, Err: errors.New("name too long")}
	remote.FailNext(rejected, rejected)
	mustMutate(t, e, tether.Operation{Collection: "clients", Kind: tether.OpInsert, Payload: map[string]any{"name": "Acme"}})
	if _, err := e.ForceSync(context.Background()); err != nil {
		t.Fatal(err)
	}

	dead := e.DeadLetters()
	if len(dead) != 1 {
		t.Fatalf("DeadLetters() = %d, want 1", len(dead))
	}
	if dead[0].LastErrorKind != "rejected" {
		t.Errorf("LastErrorKind = %q, want rejected", dead[0].LastErrorKind)
	}
	status := e.Status()
	if status[0].Collection != "clients" || status[0].DeadLettered != 1 {
		t.Errorf("Status() = %+v", status)
	}

	if _, err := e.Requeue("clients", dead[0].ID); err != nil {
		t.Fatalf("Requeue() error: %v", err)
	}
	if len(e.DeadLetters()) != 0 {
		t.Error("operation still dead-lettered after Requeue")
	}
	if _, err := e.ForceSync(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := e.UnsyncedCount(); n != 0 {
		t.Errorf("UnsyncedCount() = %d, want 0", n)
	}
}

func TestEngine_Errors(t *testing.T) {
	e := newTestEngine(t, tether.NewMemoryKV(), nil)

	if _, err := e.GetAll("invoices"); !errors.Is(err, tether.ErrUnknownCollection) {
		t.Errorf("GetAll(unknown) error = %v, want ErrUnknownCollection", err)
	}
	if _, err := e.Get("clients", "srv-404"); !errors.Is(err, tether.ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
	if _, err := e.ForceSync(context.Background()); !errors.Is(err, tether.ErrOffline) {
		t.Errorf("ForceSync(offline) error = %v, want ErrOffline", err)
	}
	if err := e.Subscribe(context.Background()); !errors.Is(err, tether.ErrOffline) {
		t.Errorf("Subscribe(offline) error = %v, want ErrOffline", err)
	}
	if _, err := e.Abandon("clients", "op-404"); !errors.Is(err, tether.ErrOpNotFound) {
		t.Errorf("Abandon(missing) error = %v, want ErrOpNotFound", err)
	}

	if err := e.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Mutate(context.Background(), tether.Operation{Collection: "clients", Kind: tether.OpInsert}); !errors.Is(err, tether.ErrEngineClosed) {
		t.Errorf("Mutate after Close error = %v, want ErrEngineClosed", err)
	}
}

func TestEngine_HealthCheck(t *testing.T) {
	remote := tethertest.NewMemoryRemote()
	e := newTestEngine(t, tether.NewMemoryKV(), remote)

	h := e.HealthCheck(context.Background())
	if !h.Healthy || !h.StoreOK || !h.RemoteReachable {
		t.Errorf("HealthCheck() = %+v, want healthy", h)
	}

	remote.SetOffline(true)
	h = e.HealthCheck(context.Background())
	if h.RemoteReachable || h.Error == "" {
		t.Errorf("HealthCheck() = %+v, want remote unreachable", h)
	}
}

func TestEngine_HealthCheckClosedStore(t *testing.T) {
	store, err := tether.NewStore(filepath.Join(t.TempDir(), "tether.db"))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	e := newTestEngine(t, store, nil)
	if h := e.HealthCheck(context.Background()); !h.StoreOK {
		t.Fatalf("HealthCheck() = %+v, want store ok", h)
	}

	_ = store.Close()
	h := e.HealthCheck(context.Background())
	if h.StoreOK || h.Healthy || h.Error == "" {
		t.Errorf("HealthCheck() = %+v, want store failure", h)
	}
}

func TestEngine_OrphanedQueues(t *testing.T) {
	kv := tether.NewMemoryKV()
	_ = kv.Write("queue/clients", []byte("[]"))
	_ = kv.Write("queue/invoices", []byte("[]"))

	e := newTestEngine(t, kv, nil)

	if got := e.OrphanedQueues(); len(got) != 1 || got[0] != "invoices" {
		t.Errorf("OrphanedQueues() = %v, want [invoices]", got)
	}
	h := e.HealthCheck(context.Background())
	if len(h.OrphanedQueues) != 1 || !h.Healthy {
		t.Errorf("HealthCheck() = %+v, want healthy with one orphaned queue", h)
	}
}

func TestEngine_LastInitialized(t *testing.T) {
	store, err := tether.NewStore(filepath.Join(t.TempDir(), "tether.db"))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	defer store.Close()

	remote := tethertest.NewMemoryRemote()
	now := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	cfg := tether.Config{LocalPath: store.Path(), RemoteTimeout: 200 * time.Millisecond}
	e, err := tether.New(cfg, testSchemas(),
		tether.WithKV(store), tether.WithRemote(remote), tether.WithLogger(quietLogger()),
		tether.WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer e.Close()

	remote.SetOffline(true)
	if _, err := e.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, ok := e.LastInitialized(); ok {
		t.Error("LastInitialized() set after an offline Initialize")
	}

	remote.SetOffline(false)
	if _, err := e.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	got, ok := e.LastInitialized()
	if !ok || !got.Equal(now) {
		t.Errorf("LastInitialized() = %v, %v; want %v", got, ok, now)
	}
	if h := e.HealthCheck(context.Background()); h.LastInitialized == nil {
		t.Errorf("HealthCheck() = %+v, want last initialized", h)
	}

	mem := newTestEngine(t, tether.NewMemoryKV(), remote)
	_, _ = mem.Initialize(context.Background())
	if _, ok := mem.LastInitialized(); ok {
		t.Error("LastInitialized() set on a store without metadata")
	}
}

// endedFeed hands out channels that are already closed.
type endedFeed struct {
	mu   sync.Mutex
	ctxs []context.Context
}

func (f *endedFeed) Subscribe(ctx context.Context, collection string) (<-chan tether.Event, error) {
	f.mu.Lock()
	f.ctxs = append(f.ctxs, ctx)
	f.mu.Unlock()
	ch := make(chan tether.Event)
	close(ch)
	return ch, nil
}

func TestEngine_SubscribeReleasedWhenFeedEnds(t *testing.T) {
	feed := &endedFeed{}
	cfg := tether.Config{LocalPath: filepath.Join(t.TempDir(), "unused.db")}
	e, err := tether.New(cfg, testSchemas(),
		tether.WithKV(tether.NewMemoryKV()), tether.WithChangeFeed(feed), tether.WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer e.Close()

	if err := e.Subscribe(context.Background()); err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}

	feed.mu.Lock()
	ctxs := append([]context.Context(nil), feed.ctxs...)
	feed.mu.Unlock()
	if len(ctxs) != 2 {
		t.Fatalf("feed subscribed %d times, want 2", len(ctxs))
	}
	select {
	case <-ctxs[0].Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription context still live after every feed ended")
	}
}

func TestEngine_SchemaFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema.yaml")
	if err := os.WriteFile(path, []byte("collections:\n  - collection: notes\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := tether.Config{LocalPath: filepath.Join(t.TempDir(), "t.db"), SchemaPath: path}
	e, err := tether.New(cfg, nil, tether.WithKV(tether.NewMemoryKV()), tether.WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer e.Close()

	if got := e.Collections(); len(got) != 1 || got[0] != "notes" {
		t.Errorf("Collections() = %v, want [notes]", got)
	}
	if !e.IsOffline() {
		t.Error("IsOffline() = false without a remote")
	}
}

func TestEngine_OwnsLocalStore(t *testing.T) {
	dir := t.TempDir()
	cfg := tether.Config{LocalPath: filepath.Join(dir, "tether.db")}

	e, err := tether.New(cfg, testSchemas(), tether.WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	res := mustMutate(t, e, tether.Operation{Collection: "clients", Kind: tether.OpInsert, Payload: map[string]any{"name": "Acme"}})
	if err := e.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	e, err = tether.New(cfg, testSchemas(), tether.WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer e.Close()
	if _, err := e.Get("clients", res.ID); err != nil {
		t.Errorf("Get() after reopen error: %v", err)
	}
}
