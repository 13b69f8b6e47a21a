// Package tether is a local-first synchronization engine.
//
// Each collection keeps a durable local cache that readers consult directly,
// applies writes optimistically, propagates them to an authoritative remote
// store and retries failed deliveries from a persisted queue.
package tether

import (
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// TempIDPrefix marks identities generated locally before the remote store
// has assigned a permanent one.
const TempIDPrefix = "tmp-"

// NewTempID returns a fresh temporary identity.
func NewTempID() string {
	return TempIDPrefix + ulid.Make().String()
}

// IsTempID reports whether id was generated locally and never confirmed.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// SyncState is the synchronization state of a single entity.
type SyncState string

const (
	// StateLocal marks an entity changed locally and not yet sent.
	StateLocal SyncState = "local"
	// StateSyncing marks an entity with a remote call in flight.
	StateSyncing SyncState = "syncing"
	// StateSynced marks an entity confirmed by the remote store.
	StateSynced SyncState = "synced"
	// StateFailed marks an entity whose last remote attempt failed.
	StateFailed SyncState = "failed"
)

// Entity is a domain record held in a collection's local cache.
type Entity struct {
	ID        string         `json:"id"`
	ClientID  string         `json:"client_id,omitempty"` // identity generated locally, kept after remapping
	Payload   map[string]any `json:"payload"`
	State     SyncState      `json:"sync_state"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	SyncedAt  *time.Time     `json:"synced_at,omitempty"`
	LastError string         `json:"last_error,omitempty"`
}

// Clone returns a copy whose payload map can be modified independently.
// Payload values themselves are shared.
func (e Entity) Clone() Entity {
	out := e
	out.Payload = clonePayload(e.Payload)
	if e.SyncedAt != nil {
		t := *e.SyncedAt
		out.SyncedAt = &t
	}
	return out
}

func clonePayload(p map[string]any) map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// OpKind is the kind of a mutation or remote change.
type OpKind string

const (
	OpInsert OpKind = "insert"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// IsValid checks if the kind is one of insert, update or delete.
func (k OpKind) IsValid() bool {
	return k == OpInsert || k == OpUpdate || k == OpDelete
}

// Operation is a mutation issued by a caller.
//
// For inserts ID may be empty, in which case a temporary identity is
// generated. For updates Payload holds the fields to change; other fields
// keep their current values. Deletes ignore Payload.
type Operation struct {
	Collection string         `json:"collection"`
	Kind       OpKind         `json:"kind"`
	ID         string         `json:"id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// MutateResult describes the outcome of Mutate.
type MutateResult struct {
	Applied     bool   `json:"applied"`
	SyncPending bool   `json:"sync_pending"`
	ID          string `json:"id"`
}

// PendingOp is an outbound mutation not yet confirmed by the remote store.
type PendingOp struct {
	ID            string         `json:"id"`
	Collection    string         `json:"collection"`
	Kind          OpKind         `json:"kind"`
	EntityID      string         `json:"entity_id"`
	ClientID      string         `json:"client_id,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	EnqueuedAt    time.Time      `json:"enqueued_at"`
	RetryCount    int            `json:"retry_count"`
	LastError     string         `json:"last_error,omitempty"`
	LastErrorKind string         `json:"last_error_kind,omitempty"` // transient | rejected
	LastAttemptAt *time.Time     `json:"last_attempt_at,omitempty"`
	NextAttemptAt *time.Time     `json:"next_attempt_at,omitempty"`
	DeadLettered  bool           `json:"dead_lettered,omitempty"`
}

// Record is an entity as the remote store returns it. Fields are in the
// remote shape; the collection's Schema maps them to local payload fields.
type Record struct {
	ID        string         `json:"id"`
	ClientID  string         `json:"client_id,omitempty"`
	Fields    map[string]any `json:"fields"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Event is a change notification from the remote change feed.
type Event struct {
	Kind   OpKind `json:"kind"`
	Record Record `json:"record"`
}

// DrainResult summarizes one pass over a pending-operation queue.
type DrainResult struct {
	Succeeded    int `json:"succeeded"`
	Failed       int `json:"failed"`
	Deferred     int `json:"deferred"`
	DeadLettered int `json:"dead_lettered"`
}

// Add accumulates another result into r.
func (r *DrainResult) Add(o DrainResult) {
	r.Succeeded += o.Succeeded
	r.Failed += o.Failed
	r.Deferred += o.Deferred
	r.DeadLettered += o.DeadLettered
}

// InitResult summarizes Initialize for one collection.
type InitResult struct {
	Collection        string        `json:"collection"`
	Offline           bool          `json:"offline"`
	Pulled            int           `json:"pulled"`
	Added             int           `json:"added"`
	Merged            int           `json:"merged"`
	KeptLocal         int           `json:"kept_local"`
	Dropped           int           `json:"dropped"`
	Migrated          int           `json:"migrated"`
	SkippedMigrations int           `json:"skipped_migrations"`
	Drain             DrainResult   `json:"drain"`
	Duration          time.Duration `json:"duration"`
}

// CollectionStatus reports the sync status of one collection.
type CollectionStatus struct {
	Collection   string     `json:"collection"`
	Entities     int        `json:"entities"`
	Unsynced     int        `json:"unsynced"`
	Queued       int        `json:"queued"`
	DeadLettered int        `json:"dead_lettered"`
	LastPull     *time.Time `json:"last_pull,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
}

// HealthStatus represents the health of the engine.
type HealthStatus struct {
	Healthy         bool       `json:"healthy"`
	StoreOK         bool       `json:"store_ok"`
	RemoteReachable bool       `json:"remote_reachable"`
	LastInitialized *time.Time `json:"last_initialized,omitempty"`
	OrphanedQueues  []string   `json:"orphaned_queues,omitempty"`
	Error           string     `json:"error,omitempty"`
}
