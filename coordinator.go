package tether

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ReferenceRewriter is implemented by collections that hold references to
// entities of other collections. After an entity of target is assigned a
// server identity, every referrer is asked to rewrite oldID to newID and
// returns how many references changed.
type ReferenceRewriter interface {
	RewriteReferences(target, oldID, newID string) int
}

// collectionLinks gives a coordinator access to the other collections of
// its engine without reaching into their state.
type collectionLinks interface {
	referrers(target string) []ReferenceRewriter
	exists(collection, id string) bool
}

type coordinatorConfig struct {
	kv      KV
	remote  Remote
	timeout time.Duration
	policy  RetryPolicy
	logger  *slog.Logger
	now     func() time.Time
	links   collectionLinks
	debug   *DebugLogger
}

// collectionView is an immutable snapshot published for lock-free reads.
type collectionView struct {
	entities   []Entity
	byID       map[string]int
	byClientID map[string]int
	unsynced   int
	queued     int
	dead       int
	pulledAt   *time.Time
	lastError  string
}

// Coordinator owns one collection: its cache, its queue and the sync state
// of every entity in it. Mutations, remote confirmations and live events are
// applied under one mutex; reads go through an atomically published view.
type Coordinator struct {
	schema   Schema
	cache    *Cache
	queue    *Queue
	resolver *Resolver
	remote   Remote
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time
	links    collectionLinks
	debug    *DebugLogger

	mu        sync.Mutex
	entities  []Entity
	pulledAt  *time.Time
	lastError string

	view atomic.Pointer[collectionView]
}

func newCoordinator(schema Schema, cfg coordinatorConfig) *Coordinator {
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	if cfg.timeout <= 0 {
		cfg.timeout = DefaultConfig().RemoteTimeout
	}
	logger := cfg.logger.With("collection", schema.Collection)

	c := &Coordinator{
		schema:  schema,
		cache:   NewCache(cfg.kv, schema.Collection, logger),
		queue:   NewQueue(cfg.kv, schema.Collection, cfg.policy, logger, cfg.now),
		remote:  cfg.remote,
		timeout: cfg.timeout,
		logger:  logger,
		now:     cfg.now,
		links:   cfg.links,
		debug:   cfg.debug,
	}
	c.resolver = NewResolver(&c.schema, cfg.now)
	c.publishLocked()
	return c
}

// Name returns the collection name.
func (c *Coordinator) Name() string { return c.schema.Collection }

// Load restores the cache snapshot and the pending queue. Entities left
// syncing by an interrupted process are marked failed.
func (c *Coordinator) Load() {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := c.cache.Load()
	queued := c.queue.Load()

	for i := range snap.Entities {
		if snap.Entities[i].State == StateSyncing {
			snap.Entities[i].State = StateFailed
			snap.Entities[i].LastError = "interrupted before confirmation"
		}
	}
	c.entities = snap.Entities
	c.pulledAt = snap.PulledAt
	if n := c.repairFromQueueLocked(); n > 0 {
		c.logger.Warn("cache behind queue, replayed queued operations", "repaired", n)
		c.commitLocked()
	} else {
		c.publishLocked()
	}

	c.logger.Debug("collection loaded", "entities", len(c.entities), "queued", queued)
}

// repairFromQueueLocked replays queued operations the cache does not
// reflect. The queue is written before the cache, so an interrupted
// mutation leaves the queue ahead.
func (c *Coordinator) repairFromQueueLocked() int {
	repaired := 0
	restored := make(map[string]bool)
	for _, op := range c.queue.Ops() {
		i := c.locateLocked(op.EntityID, op.ClientID)
		switch {
		case op.Kind == OpDelete && i >= 0:
			c.removeLocked(i)
			repaired++
		case op.Kind != OpDelete && i < 0:
			c.entities = append(c.entities, Entity{
				ID:        op.EntityID,
				ClientID:  op.ClientID,
				Payload:   clonePayload(op.Payload),
				State:     StateLocal,
				CreatedAt: op.EnqueuedAt,
				UpdatedAt: op.EnqueuedAt,
			})
			restored[op.EntityID] = true
			repaired++
		case op.Kind != OpDelete && (restored[c.entities[i].ID] || c.entities[i].State == StateSynced):
			e := c.entities[i].Clone()
			e.Payload = clonePayload(op.Payload)
			e.State = StateLocal
			c.entities[i] = e
			repaired++
		}
	}
	return repaired
}

func (c *Coordinator) indexLocked(id string) int {
	for i := range c.entities {
		if c.entities[i].ID == id {
			return i
		}
	}
	return -1
}

// locateLocked finds an entity by ID, falling back to the locally
// generated identity it had before being remapped.
func (c *Coordinator) locateLocked(id, clientID string) int {
	if i := c.indexLocked(id); i >= 0 {
		return i
	}
	for _, key := range []string{clientID, id} {
		if key == "" {
			continue
		}
		for i := range c.entities {
			if c.entities[i].ClientID == key {
				return i
			}
		}
	}
	return -1
}

func (c *Coordinator) removeLocked(i int) {
	c.entities = append(c.entities[:i:i], c.entities[i+1:]...)
}

// publishLocked swaps in a fresh read view. Entities are copied; payload
// maps are never mutated after publication.
func (c *Coordinator) publishLocked() {
	queued, dead, deletes := c.queue.Stats()
	v := &collectionView{
		entities:   make([]Entity, len(c.entities)),
		byID:       make(map[string]int, len(c.entities)),
		byClientID: make(map[string]int),
		queued:     queued,
		dead:       dead,
		unsynced:   deletes,
		pulledAt:   c.pulledAt,
		lastError:  c.lastError,
	}
	copy(v.entities, c.entities)
	for i, e := range v.entities {
		v.byID[e.ID] = i
		if e.ClientID != "" {
			v.byClientID[e.ClientID] = i
		}
		if e.State != StateSynced {
			v.unsynced++
		}
	}
	c.view.Store(v)
}

func (c *Coordinator) persistLocked() {
	err := c.cache.Persist(Snapshot{PulledAt: c.pulledAt, Entities: c.entities})
	if err != nil {
		c.logger.Error("persist cache failed", "error", err)
		c.lastError = err.Error()
	}
}

// commitLocked persists and publishes the current state.
func (c *Coordinator) commitLocked() {
	c.persistLocked()
	c.publishLocked()
}

// GetAll returns every entity in the collection. It does not block on
// mutations in progress.
func (c *Coordinator) GetAll() []Entity {
	v := c.view.Load()
	out := make([]Entity, len(v.entities))
	for i, e := range v.entities {
		out[i] = e.Clone()
	}
	return out
}

// Get returns the entity with the given ID. An identity replaced by a
// server-assigned one still resolves to the entity.
func (c *Coordinator) Get(id string) (Entity, bool) {
	v := c.view.Load()
	if i, ok := v.byID[id]; ok {
		return v.entities[i].Clone(), true
	}
	if i, ok := v.byClientID[id]; ok {
		return v.entities[i].Clone(), true
	}
	return Entity{}, false
}

// UnsyncedCount returns the number of entities not confirmed by the remote
// store plus queued deletes.
func (c *Coordinator) UnsyncedCount() int {
	return c.view.Load().unsynced
}

// Status reports the collection's sync status.
func (c *Coordinator) Status() CollectionStatus {
	v := c.view.Load()
	return CollectionStatus{
		Collection:   c.schema.Collection,
		Entities:     len(v.entities),
		Unsynced:     v.unsynced,
		Queued:       v.queued,
		DeadLettered: v.dead,
		LastPull:     v.pulledAt,
		LastError:    v.lastError,
	}
}

// PendingOps returns the queued operations in delivery order.
func (c *Coordinator) PendingOps() []PendingOp {
	return c.queue.Ops()
}

// Mutate applies op to the collection, persists it, queues it for delivery
// and makes one bounded remote attempt. It fails only for invalid input.
func (c *Coordinator) Mutate(ctx context.Context, op Operation) (MutateResult, error) {
	if !op.Kind.IsValid() {
		return MutateResult{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, op.Kind)
	}

	c.mu.Lock()
	now := c.now().UTC()
	var pending PendingOp

	switch op.Kind {
	case OpInsert:
		id := op.ID
		if id == "" {
			id = NewTempID()
		}
		if c.locateLocked(id, "") >= 0 {
			c.mu.Unlock()
			return MutateResult{}, fmt.Errorf("%w: entity %s already exists", ErrInvalidOperation, id)
		}
		e := Entity{
			ID:        id,
			ClientID:  id,
			Payload:   clonePayload(op.Payload),
			State:     StateLocal,
			CreatedAt: now,
			UpdatedAt: now,
		}
		c.entities = append(c.entities, e)
		pending = PendingOp{Kind: OpInsert, EntityID: e.ID, ClientID: e.ClientID, Payload: e.Payload}

	case OpUpdate:
		i := c.locateLocked(op.ID, "")
		if i < 0 {
			c.mu.Unlock()
			return MutateResult{}, fmt.Errorf("%w: %s/%s", ErrNotFound, c.schema.Collection, op.ID)
		}
		e := c.entities[i].Clone()
		for k, v := range op.Payload {
			e.Payload[k] = v
		}
		e.State = StateLocal
		e.UpdatedAt = now
		e.LastError = ""
		c.entities[i] = e
		pending = PendingOp{Kind: OpUpdate, EntityID: e.ID, ClientID: e.ClientID, Payload: e.Payload}

	case OpDelete:
		i := c.locateLocked(op.ID, "")
		if i < 0 {
			c.mu.Unlock()
			return MutateResult{}, fmt.Errorf("%w: %s/%s", ErrNotFound, c.schema.Collection, op.ID)
		}
		e := c.entities[i]
		c.removeLocked(i)
		pending = PendingOp{Kind: OpDelete, EntityID: e.ID, ClientID: e.ClientID}
	}

	queued, keep, err := c.queue.Enqueue(pending)
	if err != nil {
		c.lastError = err.Error()
	}
	c.commitLocked()
	c.mu.Unlock()

	res := MutateResult{Applied: true, ID: pending.EntityID}
	if !keep {
		c.logger.Debug("mutation cancelled queued insert", "entity", pending.EntityID)
		return res, nil
	}
	if c.remote == nil {
		res.SyncPending = true
		return res, nil
	}

	res.SyncPending = !c.deliverOne(ctx, queued)
	if e, ok := c.Get(pending.EntityID); ok {
		res.ID = e.ID
	}
	return res, nil
}

// deliverOne attempts a single queued operation now, ignoring its backoff.
func (c *Coordinator) deliverOne(ctx context.Context, op PendingOp) bool {
	claimed, ok := c.Claim(op)
	if !ok {
		return false
	}
	rec, err := c.Deliver(ctx, claimed)
	c.Settle(claimed, rec, err)
	return err == nil
}

// DrainQueue makes one pass over the pending queue.
func (c *Coordinator) DrainQueue(ctx context.Context, opts DrainOptions) DrainResult {
	if c.remote == nil {
		return DrainResult{}
	}
	res := c.queue.Drain(ctx, c, opts)
	c.debug.Drain(c.schema.Collection, res)
	if res.Succeeded+res.Failed > 0 {
		c.logger.Info("queue drained",
			"succeeded", res.Succeeded, "failed", res.Failed,
			"deferred", res.Deferred, "dead_lettered", res.DeadLettered)
	}
	return res
}

// Claim implements Deliverer. An operation is deferred while an earlier
// operation for its entity is queued or while its payload references an
// entity that has not been assigned a server identity.
func (c *Coordinator) Claim(op PendingOp) (PendingOp, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	claimed, ok := c.queue.Begin(op.ID)
	if !ok {
		return PendingOp{}, false
	}

	for _, ref := range c.schema.References {
		v, ok := claimed.Payload[ref.Field].(string)
		if !ok || !IsTempID(v) {
			continue
		}
		if c.referenceExistsLocked(ref.Collection, v) {
			c.queue.Abort(op.ID)
			return PendingOp{}, false
		}
		c.logger.Warn("reference to discarded entity sent as null",
			"entity", claimed.EntityID, "field", ref.Field, "target", v)
		claimed.Payload[ref.Field] = nil
	}

	if i := c.indexLocked(claimed.EntityID); i >= 0 && claimed.Kind != OpDelete {
		e := c.entities[i]
		e.State = StateSyncing
		c.entities[i] = e
		c.commitLocked()
	}
	c.debug.Claim(claimed)
	return claimed, true
}

func (c *Coordinator) referenceExistsLocked(collection, id string) bool {
	if collection == c.schema.Collection {
		return c.indexLocked(id) >= 0
	}
	if c.links == nil {
		return true
	}
	return c.links.exists(collection, id)
}

func clientIDOf(op PendingOp) string {
	if op.ClientID != "" {
		return op.ClientID
	}
	if IsTempID(op.EntityID) {
		return op.EntityID
	}
	return ""
}

// Deliver implements Deliverer. It performs one remote call bounded by the
// configured timeout. Updates and deletes of records the remote store does
// not have count as delivered.
func (c *Coordinator) Deliver(ctx context.Context, op PendingOp) (*Record, error) {
	if c.remote == nil {
		return nil, ErrOffline
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	name := c.schema.RemoteName()
	fields := c.schema.ToRemote(op.Payload)

	switch {
	case op.Kind == OpInsert, op.Kind == OpUpdate && IsTempID(op.EntityID):
		rec, err := c.remote.Insert(ctx, name, clientIDOf(op), fields)
		if err != nil {
			return nil, ClassifyRemoteError("insert", err)
		}
		return &rec, nil

	case op.Kind == OpUpdate:
		err := c.remote.Update(ctx, name, op.EntityID, fields)
		if errors.Is(err, ErrNotFound) {
			c.logger.Warn("update target missing remotely, treating as delivered", "entity", op.EntityID)
			return nil, nil
		}
		return nil, ClassifyRemoteError("update", err)

	case op.Kind == OpDelete:
		if IsTempID(op.EntityID) {
			return nil, nil
		}
		err := c.remote.Delete(ctx, name, op.EntityID)
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, ClassifyRemoteError("delete", err)
	}
	return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, op.Kind)
}

// Settle implements Deliverer. It records the outcome in the queue and the
// entity, and on a new server identity rewrites every reference to it.
func (c *Coordinator) Settle(op PendingOp, rec *Record, deliveryErr error) {
	c.debug.Settle(op, rec, deliveryErr)
	c.mu.Lock()

	after, err := c.queue.Finish(op.ID, deliveryErr)
	if err != nil {
		c.lastError = err.Error()
	}
	i := c.locateLocked(op.EntityID, op.ClientID)

	if deliveryErr != nil {
		var re *RejectionError
		if errors.As(deliveryErr, &re) {
			c.logger.Error("remote rejected operation",
				"op", op.ID, "kind", op.Kind, "entity", op.EntityID,
				"retries", after.RetryCount, "error", deliveryErr)
		} else {
			c.logger.Warn("remote operation failed",
				"op", op.ID, "kind", op.Kind, "entity", op.EntityID,
				"retries", after.RetryCount, "error", deliveryErr)
		}
		if i >= 0 {
			e := c.entities[i]
			e.State = StateFailed
			e.LastError = deliveryErr.Error()
			c.entities[i] = e
		}
		c.lastError = deliveryErr.Error()
		c.commitLocked()
		c.mu.Unlock()
		return
	}

	var remap Remap
	if rec != nil {
		if i >= 0 {
			var e Entity
			e, remap = c.resolver.Reconcile(c.entities[i], *rec)
			c.entities[i] = e
		} else {
			remap = Remap{Collection: c.schema.Collection, OldID: op.EntityID, NewID: rec.ID}
		}
	}
	c.applyRemapLocked(remap)

	if i >= 0 {
		e := c.entities[i]
		if c.queue.HasWork(e.ID) {
			e.State = StateLocal
		} else {
			now := c.now().UTC()
			e.State = StateSynced
			e.SyncedAt = &now
			e.LastError = ""
		}
		c.entities[i] = e
	}
	c.commitLocked()
	c.mu.Unlock()

	c.fanOut(remap)
}

// applyRemapLocked moves queued operations and same-collection references
// from the old identity to the new one.
func (c *Coordinator) applyRemapLocked(remap Remap) {
	if !remap.Changed() {
		return
	}
	if _, err := c.queue.RemapEntity(remap.OldID, remap.NewID); err != nil {
		c.lastError = err.Error()
	}
	c.rewriteLocked(c.schema.Collection, remap.OldID, remap.NewID)
	c.logger.Debug("identity remapped", "old", remap.OldID, "new", remap.NewID)
	c.debug.Remap(remap)
}

// fanOut asks every referring collection to rewrite references to a
// remapped identity. It must be called without holding c.mu.
func (c *Coordinator) fanOut(remaps ...Remap) {
	if c.links == nil {
		return
	}
	for _, remap := range remaps {
		if !remap.Changed() {
			continue
		}
		for _, r := range c.links.referrers(c.schema.Collection) {
			if r == ReferenceRewriter(c) {
				continue
			}
			r.RewriteReferences(c.schema.Collection, remap.OldID, remap.NewID)
		}
	}
}

// RewriteReferences implements ReferenceRewriter.
func (c *Coordinator) RewriteReferences(target, oldID, newID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.rewriteLocked(target, oldID, newID)
	if n > 0 {
		c.commitLocked()
	}
	return n
}

func (c *Coordinator) rewriteLocked(target, oldID, newID string) int {
	n := 0
	for _, ref := range c.schema.References {
		if ref.Collection != target {
			continue
		}
		for i := range c.entities {
			if v, ok := c.entities[i].Payload[ref.Field].(string); ok && v == oldID {
				e := c.entities[i].Clone()
				e.Payload[ref.Field] = newID
				c.entities[i] = e
				n++
			}
		}
		m, err := c.queue.RewriteField(ref.Field, oldID, newID)
		if err != nil {
			c.lastError = err.Error()
		}
		n += m
	}
	return n
}

// Abandon removes a pending operation without delivering it. The local
// change it carried is discarded: an unsent insert removes its entity, and
// other entities stop counting as unsynced until the next pull restores the
// remote state.
func (c *Coordinator) Abandon(opID string) (PendingOp, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	op, err := c.queue.Abandon(opID)
	if err != nil {
		return PendingOp{}, err
	}

	i := c.indexLocked(op.EntityID)
	switch {
	case op.Kind == OpInsert && IsTempID(op.EntityID):
		if _, err := c.queue.DropEntity(op.EntityID); err != nil {
			c.lastError = err.Error()
		}
		if i >= 0 {
			c.removeLocked(i)
		}
	case i >= 0 && !c.queue.HasWork(op.EntityID):
		e := c.entities[i]
		e.State = StateSynced
		e.LastError = ""
		c.entities[i] = e
	}
	c.logger.Warn("pending operation abandoned", "op", op.ID, "kind", op.Kind, "entity", op.EntityID)
	c.commitLocked()
	return op, nil
}

// Requeue clears a pending operation's dead-letter flag and backoff.
func (c *Coordinator) Requeue(opID string) (PendingOp, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	op, err := c.queue.Requeue(opID)
	if err != nil {
		return PendingOp{}, err
	}
	c.commitLocked()
	return op, nil
}

// migrateLocked upgrades legacy payloads of cached entities.
func (c *Coordinator) migrateLocked() (migrated, skipped int) {
	for i := range c.entities {
		payload, changed, err := c.schema.Migrate(c.entities[i].ID, c.entities[i].Payload)
		if err != nil {
			c.logger.Warn("skipping legacy entity", "error", err)
			skipped++
			continue
		}
		if changed {
			e := c.entities[i]
			e.Payload = payload
			c.entities[i] = e
			migrated++
		}
	}
	return migrated, skipped
}

// Initialize migrates cached entities, pulls the remote state, merges it
// with local work and drains the queue. A failed pull leaves the collection
// serving from its cache and reports Offline.
func (c *Coordinator) Initialize(ctx context.Context) InitResult {
	start := c.now()
	res := InitResult{Collection: c.schema.Collection}

	c.mu.Lock()
	res.Migrated, res.SkippedMigrations = c.migrateLocked()
	if res.Migrated > 0 {
		c.commitLocked()
	}
	c.mu.Unlock()

	if c.remote == nil {
		res.Offline = true
		res.Duration = c.now().Sub(start)
		return res
	}

	pullCtx, cancel := context.WithTimeout(ctx, c.timeout)
	recs, err := c.remote.SelectAll(pullCtx, c.schema.RemoteName())
	cancel()
	if err != nil {
		err = ClassifyRemoteError("select", err)
		c.logger.Warn("remote pull failed, continuing from local cache", "error", err)
		c.mu.Lock()
		c.lastError = err.Error()
		c.publishLocked()
		c.mu.Unlock()
		res.Offline = true
		res.Duration = c.now().Sub(start)
		return res
	}
	res.Pulled = len(recs)

	remaps := c.mergePulled(recs, &res)
	c.fanOut(remaps...)

	res.Drain = c.DrainQueue(ctx, DrainOptions{Force: true})
	res.Duration = c.now().Sub(start)
	return res
}

// mergePulled merges a full remote pull into the collection. Remote
// records replace local entities without pending work; local entities with
// pending work are kept; synced entities the remote no longer has are
// dropped.
func (c *Coordinator) mergePulled(recs []Record, res *InitResult) []Remap {
	c.mu.Lock()
	defer c.mu.Unlock()

	local := c.entities
	matched := make(map[int]bool, len(local))
	skippedIDs := make(map[string]bool)
	pulledIDs := make(map[string]bool, len(recs))
	for _, rec := range recs {
		pulledIDs[rec.ID] = true
	}
	merged := make([]Entity, 0, len(recs)+len(local))
	var remaps []Remap

	for _, rec := range recs {
		cand := c.resolver.Identify(rec)
		payload, _, err := c.schema.Migrate(cand.ID, cand.Payload)
		if err != nil {
			c.logger.Warn("skipping remote record with legacy shape", "error", err)
			res.SkippedMigrations++
			skippedIDs[cand.ID] = true
			continue
		}
		cand.Payload = payload

		if c.queue.HasDelete(cand.ID) {
			continue
		}
		i, kind := c.resolver.FindExisting(cand, local)
		// A local entity pairs with one pulled record; one whose own record
		// is part of this pull waits for it.
		if i >= 0 && (matched[i] || kind == MatchNaturalKey && pulledIDs[local[i].ID]) {
			i, kind = -1, MatchNone
		}
		if i < 0 {
			merged = append(merged, cand)
			res.Added++
			continue
		}
		matched[i] = true
		e := local[i]

		switch kind {
		case MatchID:
			if c.queue.HasWork(e.ID) {
				merged = append(merged, e)
				res.KeptLocal++
				continue
			}
			cand.CreatedAt = e.CreatedAt
			cand.ClientID = firstNonEmpty(cand.ClientID, e.ClientID)
			merged = append(merged, cand)

		case MatchClientID:
			// The insert landed but its acknowledgement was lost.
			reconciled, remap := c.resolver.Reconcile(e, rec)
			remaps = append(remaps, remap)
			c.applyRemapLocked(remap)
			if c.queue.HasWork(reconciled.ID) {
				reconciled.State = StateLocal
			}
			merged = append(merged, reconciled)
			res.Merged++

		case MatchNaturalKey:
			c.logger.Warn("merged entities by natural key",
				"local", e.ID, "remote", cand.ID, "natural_key", c.schema.NaturalKey)
			var out Entity
			if e.UpdatedAt.After(cand.UpdatedAt) {
				out, _ = c.resolver.Reconcile(e, rec)
			} else {
				out = cand
				out.CreatedAt = e.CreatedAt
				if _, err := c.queue.DropEntity(e.ID); err != nil {
					c.lastError = err.Error()
				}
			}
			if out.ClientID == "" && IsTempID(e.ID) {
				out.ClientID = e.ID
			}
			remap := Remap{Collection: c.schema.Collection, OldID: e.ID, NewID: cand.ID}
			remaps = append(remaps, remap)
			c.applyRemapLocked(remap)
			if c.queue.HasWork(out.ID) {
				out.State = StateLocal
			} else {
				out.State = StateSynced
			}
			merged = append(merged, out)
			res.Merged++
		}
	}

	for i, e := range local {
		if matched[i] {
			continue
		}
		if e.State == StateSynced && !c.queue.HasWork(e.ID) && !skippedIDs[e.ID] {
			res.Dropped++
			continue
		}
		merged = append(merged, e)
		res.KeptLocal++
	}

	now := c.now().UTC()
	c.entities = merged
	c.pulledAt = &now
	c.lastError = ""

	// Remaps above may have rewritten same-collection references in the old
	// slice; apply them to the merged one too.
	for _, remap := range remaps {
		c.rewriteLocked(c.schema.Collection, remap.OldID, remap.NewID)
	}
	c.commitLocked()
	return remaps
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
