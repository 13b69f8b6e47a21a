package tether

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
)

// RetryPolicy controls when failed operations are attempted again.
type RetryPolicy struct {
	// BackoffBase is the delay after the first failure; it doubles per failure.
	BackoffBase time.Duration
	// BackoffMax caps the delay.
	BackoffMax time.Duration
	// DeadLetterAfter is the failure count at which an operation is set aside.
	// Zero disables dead-lettering.
	DeadLetterAfter int
}

// Delay returns the wait before the next attempt after failures failures.
func (p RetryPolicy) Delay(failures int) time.Duration {
	if failures <= 0 || p.BackoffBase <= 0 {
		return 0
	}
	var b retry.Backoff = retry.NewExponential(p.BackoffBase)
	if p.BackoffMax > 0 {
		b = retry.WithCappedDuration(p.BackoffMax, b)
	}
	var d time.Duration
	for i := 0; i < failures && i < 64; i++ {
		next, stop := b.Next()
		if stop {
			break
		}
		d = next
		if p.BackoffMax > 0 && d >= p.BackoffMax {
			break
		}
	}
	return d
}

// Deliverer performs the remote side of a drain. Claim prepares an operation
// for delivery and returns its current form, or false to defer it. Settle is
// called with the outcome of every claimed delivery and must record it with
// Queue.Finish.
type Deliverer interface {
	Claim(op PendingOp) (PendingOp, bool)
	Deliver(ctx context.Context, op PendingOp) (*Record, error)
	Settle(op PendingOp, rec *Record, err error)
}

// DrainOptions selects which operations a drain attempts.
type DrainOptions struct {
	// Force ignores backoff schedules.
	Force bool
	// IncludeDeadLetters attempts dead-lettered operations too.
	IncludeDeadLetters bool
}

// Queue is the durable, ordered list of operations awaiting remote
// confirmation for one collection. Every change is written to
// queue/<collection> as one KV write.
type Queue struct {
	mu         sync.Mutex
	kv         KV
	collection string
	policy     RetryPolicy
	logger     *slog.Logger
	now        func() time.Time

	ops      []PendingOp
	inflight map[string]bool
}

// NewQueue returns an empty queue for collection. Call Load to restore
// persisted operations.
func NewQueue(kv KV, collection string, policy RetryPolicy, logger *slog.Logger, now func() time.Time) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Queue{
		kv:         kv,
		collection: collection,
		policy:     policy,
		logger:     logger,
		now:        now,
		inflight:   make(map[string]bool),
	}
}

func queueKey(collection string) string { return "queue/" + collection }

// Load restores persisted operations and returns how many were found.
// Unreadable data is logged and treated as an empty queue.
func (q *Queue) Load() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.ops = nil
	data, ok, err := q.kv.Read(queueKey(q.collection))
	if err != nil {
		q.logger.Warn("queue unreadable, starting empty", "collection", q.collection, "error", err)
		return 0
	}
	if !ok || len(data) == 0 {
		return 0
	}

	var ops []PendingOp
	if err := json.Unmarshal(data, &ops); err != nil {
		q.logger.Warn("queue corrupt, starting empty", "collection", q.collection, "error", err)
		return 0
	}
	for _, op := range ops {
		if op.ID == "" || op.EntityID == "" || !op.Kind.IsValid() {
			q.logger.Warn("dropping malformed queued operation", "collection", q.collection, "op", op.ID)
			continue
		}
		op.Collection = q.collection
		q.ops = append(q.ops, op)
	}
	return len(q.ops)
}

func (q *Queue) persistLocked() error {
	key := queueKey(q.collection)
	ops := q.ops
	if ops == nil {
		ops = []PendingOp{}
	}
	data, err := json.Marshal(ops)
	if err != nil {
		return &PersistenceError{Key: key, Err: err}
	}
	if err := q.kv.Write(key, data); err != nil {
		q.logger.Error("persist queue failed", "collection", q.collection, "error", err)
		return &PersistenceError{Key: key, Err: err}
	}
	return nil
}

// Enqueue appends op, coalescing it with the entity's latest queued
// operation when that one is not in flight:
//
//	insert + update → insert with the later payload
//	insert + delete → both dropped
//	update + update → the later update
//	update + delete → delete
//
// It returns the operation now queued for the entity and false when
// coalescing left nothing to send. The returned error is a
// *PersistenceError; the in-memory queue is updated regardless.
func (q *Queue) Enqueue(op PendingOp) (PendingOp, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = q.now().UTC()
	}
	op.Collection = q.collection
	op.Payload = clonePayload(op.Payload)

	idx := q.lastIndexLocked(op.EntityID)
	if idx < 0 || q.inflight[q.ops[idx].ID] || q.ops[idx].Kind == OpDelete {
		q.ops = append(q.ops, op)
		return op, true, q.persistLocked()
	}

	prev := q.ops[idx]
	merged, keep := coalesce(prev, op)
	if !keep {
		q.ops = append(q.ops[:idx], q.ops[idx+1:]...)
		return PendingOp{}, false, q.persistLocked()
	}
	if merged.DeadLettered {
		merged.DeadLettered = false
		merged.RetryCount = 0
		merged.NextAttemptAt = nil
	}
	q.ops[idx] = merged
	return merged, true, q.persistLocked()
}

// coalesce folds later into earlier, keeping earlier's identity and
// retry history. keep is false when both cancel out.
func coalesce(earlier, later PendingOp) (PendingOp, bool) {
	out := earlier
	switch {
	case earlier.Kind == OpInsert && later.Kind == OpDelete:
		return PendingOp{}, false
	case later.Kind == OpDelete:
		out.Kind = OpDelete
		out.Payload = nil
	default:
		out.Payload = later.Payload
	}
	if later.ClientID != "" && out.ClientID == "" {
		out.ClientID = later.ClientID
	}
	return out, true
}

func (q *Queue) lastIndexLocked(entityID string) int {
	for i := len(q.ops) - 1; i >= 0; i-- {
		if q.ops[i].EntityID == entityID {
			return i
		}
	}
	return -1
}

func (q *Queue) indexLocked(id string) int {
	for i := range q.ops {
		if q.ops[i].ID == id {
			return i
		}
	}
	return -1
}

// Len returns the number of queued operations, dead letters included.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// Ops returns a copy of the queued operations in order.
func (q *Queue) Ops() []PendingOp {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]PendingOp, len(q.ops))
	for i, op := range q.ops {
		op.Payload = clonePayload(op.Payload)
		out[i] = op
	}
	return out
}

// Get returns the queued operation with the given ID.
func (q *Queue) Get(id string) (PendingOp, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if i := q.indexLocked(id); i >= 0 {
		return q.ops[i], true
	}
	return PendingOp{}, false
}

// HasWork reports whether any operation for entityID is queued or in flight.
func (q *Queue) HasWork(entityID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastIndexLocked(entityID) >= 0
}

// HasDelete reports whether a delete for entityID is queued.
func (q *Queue) HasDelete(entityID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, op := range q.ops {
		if op.EntityID == entityID && op.Kind == OpDelete {
			return true
		}
	}
	return false
}

// InFlight reports whether an operation for entityID is being delivered.
func (q *Queue) InFlight(entityID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, op := range q.ops {
		if op.EntityID == entityID && q.inflight[op.ID] {
			return true
		}
	}
	return false
}

// Begin marks an operation in flight and returns its current form. It
// fails when the operation is gone, already in flight, or an earlier
// operation for the same entity is still queued.
func (q *Queue) Begin(id string) (PendingOp, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.indexLocked(id)
	if i < 0 || q.inflight[id] {
		return PendingOp{}, false
	}
	for _, prev := range q.ops[:i] {
		if prev.EntityID == q.ops[i].EntityID {
			return PendingOp{}, false
		}
	}
	q.inflight[id] = true
	op := q.ops[i]
	op.Payload = clonePayload(op.Payload)
	return op, true
}

// Abort releases an operation claimed with Begin without recording an attempt.
func (q *Queue) Abort(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, id)
}

// Finish records the outcome of a delivery started with Begin. Success
// removes the operation. Failure increments RetryCount, records the error,
// schedules the next attempt and dead-letters the operation once it
// reaches the policy limit. It returns the operation as it now stands.
func (q *Queue) Finish(id string, deliveryErr error) (PendingOp, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.inflight, id)
	i := q.indexLocked(id)
	if i < 0 {
		return PendingOp{}, nil
	}

	if deliveryErr == nil {
		op := q.ops[i]
		q.ops = append(q.ops[:i], q.ops[i+1:]...)
		return op, q.persistLocked()
	}

	now := q.now().UTC()
	op := &q.ops[i]
	op.RetryCount++
	op.LastError = deliveryErr.Error()
	op.LastErrorKind = errorKind(deliveryErr)
	op.LastAttemptAt = &now
	next := now.Add(q.policy.Delay(op.RetryCount))
	op.NextAttemptAt = &next
	if q.policy.DeadLetterAfter > 0 && op.RetryCount >= q.policy.DeadLetterAfter && !op.DeadLettered {
		op.DeadLettered = true
		q.logger.Error("operation dead-lettered",
			"collection", q.collection, "op", op.ID, "kind", op.Kind,
			"entity", op.EntityID, "retries", op.RetryCount, "error", op.LastError)
	}
	return *op, q.persistLocked()
}

// Abandon removes an operation that is not in flight.
func (q *Queue) Abandon(id string) (PendingOp, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.indexLocked(id)
	if i < 0 {
		return PendingOp{}, ErrOpNotFound
	}
	if q.inflight[id] {
		return PendingOp{}, fmt.Errorf("%w: operation %s is in flight", ErrInvalidOperation, id)
	}
	op := q.ops[i]
	q.ops = append(q.ops[:i], q.ops[i+1:]...)
	return op, q.persistLocked()
}

// Requeue clears an operation's dead-letter flag and retry schedule.
func (q *Queue) Requeue(id string) (PendingOp, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.indexLocked(id)
	if i < 0 {
		return PendingOp{}, ErrOpNotFound
	}
	op := &q.ops[i]
	op.DeadLettered = false
	op.RetryCount = 0
	op.NextAttemptAt = nil
	return *op, q.persistLocked()
}

// RemapEntity moves queued operations from oldID to newID. Inserts not in
// flight become updates, since the entity now exists remotely.
func (q *Queue) RemapEntity(oldID, newID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for i := range q.ops {
		op := &q.ops[i]
		if op.EntityID != oldID {
			continue
		}
		op.EntityID = newID
		if op.ClientID == "" && IsTempID(oldID) {
			op.ClientID = oldID
		}
		if op.Kind == OpInsert && !q.inflight[op.ID] {
			op.Kind = OpUpdate
		}
		n++
	}
	if n == 0 {
		return 0, nil
	}
	return n, q.persistLocked()
}

// RewriteField replaces oldValue with newValue in field of every queued
// payload and returns how many operations changed.
func (q *Queue) RewriteField(field, oldValue, newValue string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for i := range q.ops {
		op := &q.ops[i]
		if v, ok := op.Payload[field].(string); ok && v == oldValue {
			op.Payload = clonePayload(op.Payload)
			op.Payload[field] = newValue
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return n, q.persistLocked()
}

// DropEntity removes every operation for entityID that is not in flight
// and returns the removed operations.
func (q *Queue) DropEntity(entityID string) ([]PendingOp, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var dropped []PendingOp
	kept := q.ops[:0]
	for _, op := range q.ops {
		if op.EntityID == entityID && !q.inflight[op.ID] {
			dropped = append(dropped, op)
			continue
		}
		kept = append(kept, op)
	}
	q.ops = kept
	if len(dropped) == 0 {
		return nil, nil
	}
	return dropped, q.persistLocked()
}

// Stats returns the number of queued operations, dead letters among them,
// and queued deletes.
func (q *Queue) Stats() (queued, deadLettered, deletes int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, op := range q.ops {
		if op.DeadLettered {
			deadLettered++
		}
		if op.Kind == OpDelete {
			deletes++
		}
	}
	return len(q.ops), deadLettered, deletes
}

// next picks the first eligible operation not yet visited in this pass.
// Operations of an entity with a skipped or failed operation earlier in
// the pass are deferred so per-entity order holds.
func (q *Queue) next(visited, blocked map[string]bool, opts DrainOptions, res *DrainResult) (PendingOp, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	for _, op := range q.ops {
		if visited[op.ID] {
			continue
		}
		visited[op.ID] = true

		switch {
		case blocked[op.EntityID], q.inflight[op.ID]:
			blocked[op.EntityID] = true
			res.Deferred++
		case op.DeadLettered && !opts.IncludeDeadLetters:
			blocked[op.EntityID] = true
		case !opts.Force && op.NextAttemptAt != nil && now.Before(*op.NextAttemptAt):
			blocked[op.EntityID] = true
			res.Deferred++
		default:
			return op, true
		}
	}
	return PendingOp{}, false
}

// Drain makes one ordered pass over the queue, delivering each eligible
// operation through d. It never fails; the result counts what happened.
// Operations enqueued during the pass are attempted in the same pass.
func (q *Queue) Drain(ctx context.Context, d Deliverer, opts DrainOptions) DrainResult {
	var res DrainResult
	visited := make(map[string]bool)
	blocked := make(map[string]bool)

	for ctx.Err() == nil {
		op, ok := q.next(visited, blocked, opts, &res)
		if !ok {
			break
		}

		claimed, ok := d.Claim(op)
		if !ok {
			blocked[op.EntityID] = true
			res.Deferred++
			continue
		}

		rec, err := d.Deliver(ctx, claimed)
		d.Settle(claimed, rec, err)
		if err == nil {
			res.Succeeded++
			continue
		}

		res.Failed++
		blocked[claimed.EntityID] = true
		if after, ok := q.Get(claimed.ID); ok && after.DeadLettered && after.RetryCount == q.policy.DeadLetterAfter {
			res.DeadLettered++
		}
	}
	return res
}
