package tether

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Option customizes an Engine.
type Option func(*options)

type options struct {
	remote Remote
	feed   ChangeFeed
	kv     KV
	logger *slog.Logger
	now    func() time.Time
}

// WithRemote sets the remote store, overriding Config.RemoteURL. If remote
// also implements ChangeFeed it is used as the feed unless WithChangeFeed
// is given.
func WithRemote(r Remote) Option { return func(o *options) { o.remote = r } }

// WithChangeFeed sets the live change feed.
func WithChangeFeed(f ChangeFeed) Option { return func(o *options) { o.feed = f } }

// WithKV sets the durable KV, overriding Config.LocalPath and Backend.
// The engine does not close a KV supplied this way.
func WithKV(kv KV) Option { return func(o *options) { o.kv = kv } }

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithClock sets the time source.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// Engine synchronizes a set of collections with a remote store. It is the
// surface a UI layer talks to; every method is safe for concurrent use.
type Engine struct {
	config  Config
	schemas []Schema
	coords  map[string]*Coordinator
	names   []string
	levels  [][]string

	kv     KV
	owned  io.Closer
	remote Remote
	feed   ChangeFeed
	logger *slog.Logger
	debug  *DebugLogger
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// New creates an engine for the given collections and loads their cached
// state. When schemas is empty they are read from Config.SchemaPath.
// New does not contact the remote store; call Initialize for that.
func New(cfg Config, schemas []Schema, opts ...Option) (*Engine, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if len(schemas) == 0 {
		if cfg.SchemaPath == "" {
			return nil, &ValidationError{Field: "SchemaPath", Message: "required when no schemas are given"}
		}
		loaded, err := LoadSchemas(cfg.SchemaPath)
		if err != nil {
			return nil, fmt.Errorf("engine: %w", err)
		}
		schemas = loaded
	} else if err := ValidateSchemas(schemas); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	logger := o.logger
	if logger == nil {
		logger = cfg.NewLogger()
	}

	debug, err := NewDebugLogger(cfg.Debug, cfg.DebugLogPath)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	e := &Engine{
		config:  cfg,
		schemas: schemas,
		coords:  make(map[string]*Coordinator, len(schemas)),
		levels:  ReferenceOrder(schemas),
		kv:      o.kv,
		remote:  o.remote,
		feed:    o.feed,
		logger:  logger,
		debug:   debug,
		now:     o.now,
	}
	if e.now == nil {
		e.now = time.Now
	}

	if e.kv == nil {
		local, err := OpenKV(cfg.Backend, cfg.LocalPath)
		if err != nil {
			_ = debug.Close()
			return nil, fmt.Errorf("engine: open %s store: %w", cfg.Backend, err)
		}
		e.kv = local
		e.owned = local
	}

	if e.remote == nil && cfg.RemoteURL != "" {
		e.remote = NewHTTPRemote(cfg.RemoteURL, cfg.APIKey, cfg.SourceID).
			WithPollInterval(cfg.FeedPollInterval).
			WithDebugLogger(debug)
	}
	if e.feed == nil {
		if f, ok := e.remote.(ChangeFeed); ok {
			e.feed = f
		}
	}

	policy := RetryPolicy{
		BackoffBase:     cfg.BackoffBase,
		BackoffMax:      cfg.BackoffMax,
		DeadLetterAfter: cfg.DeadLetterAfter,
	}
	for _, s := range schemas {
		c := newCoordinator(s, coordinatorConfig{
			kv:      e.kv,
			remote:  e.remote,
			timeout: cfg.RemoteTimeout,
			policy:  policy,
			logger:  logger,
			now:     o.now,
			links:   e,
			debug:   debug,
		})
		c.Load()
		e.coords[s.Collection] = c
		e.names = append(e.names, s.Collection)
	}
	sort.Strings(e.names)

	if orphans := e.OrphanedQueues(); len(orphans) > 0 {
		e.logger.Warn("queued operations for collections not in the schema", "collections", orphans)
	}

	e.ctx, e.cancel = context.WithCancel(context.Background())
	if e.remote != nil && cfg.AutoSync && cfg.SyncInterval > 0 {
		e.wg.Add(1)
		go e.backgroundSync()
	}

	logger.Debug("engine ready",
		"collections", len(schemas), "store", cfg.Store, "backend", cfg.Backend, "offline", e.remote == nil)
	return e, nil
}

// referrers implements collectionLinks.
func (e *Engine) referrers(target string) []ReferenceRewriter {
	var out []ReferenceRewriter
	for _, s := range e.schemas {
		for _, ref := range s.References {
			if ref.Collection == target {
				out = append(out, e.coords[s.Collection])
				break
			}
		}
	}
	return out
}

// exists implements collectionLinks.
func (e *Engine) exists(collection, id string) bool {
	c, ok := e.coords[collection]
	if !ok {
		return false
	}
	_, found := c.Get(id)
	return found
}

func (e *Engine) coordinator(collection string) (*Coordinator, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, ErrEngineClosed
	}
	c, ok := e.coords[collection]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCollection, collection)
	}
	return c, nil
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Collections returns the collection names in sorted order.
func (e *Engine) Collections() []string {
	return append([]string(nil), e.names...)
}

// Schema returns the schema of collection.
func (e *Engine) Schema(collection string) (Schema, bool) {
	c, ok := e.coords[collection]
	if !ok {
		return Schema{}, false
	}
	return c.schema, true
}

// IsOffline reports whether the engine has no remote store.
func (e *Engine) IsOffline() bool { return e.remote == nil }

// Initialize pulls the remote state of every collection, merges it with
// local work and drains the pending queues. Collections are processed in
// reference order, independent ones in parallel. Remote failures are
// reported per collection through InitResult.Offline, never as an error.
func (e *Engine) Initialize(ctx context.Context) ([]InitResult, error) {
	if e.isClosed() {
		return nil, ErrEngineClosed
	}

	var (
		mu      sync.Mutex
		results []InitResult
	)
	for _, level := range e.levels {
		var g errgroup.Group
		for _, name := range level {
			c := e.coords[name]
			g.Go(func() error {
				res := c.Initialize(ctx)
				mu.Lock()
				results = append(results, res)
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Collection < results[j].Collection })
	for _, r := range results {
		e.logger.Info("collection initialized",
			"collection", r.Collection, "offline", r.Offline, "pulled", r.Pulled,
			"added", r.Added, "merged", r.Merged, "dropped", r.Dropped,
			"skipped_migrations", r.SkippedMigrations, "drained", r.Drain.Succeeded,
			"failed", r.Drain.Failed, "took", r.Duration)
	}

	if m, ok := e.kv.(MetadataStore); ok && reachedRemote(results) {
		if err := m.SetMetadata(metaLastInitialized, e.now().UTC().Format(time.RFC3339Nano)); err != nil {
			e.logger.Warn("failed to record initialization", "error", err)
		}
	}
	return results, nil
}

func reachedRemote(results []InitResult) bool {
	for _, r := range results {
		if !r.Offline {
			return true
		}
	}
	return false
}

// LastInitialized returns when Initialize last reached the remote store.
// ok is false when the store keeps no metadata or no pull has succeeded.
func (e *Engine) LastInitialized() (t time.Time, ok bool) {
	m, isMeta := e.kv.(MetadataStore)
	if !isMeta {
		return time.Time{}, false
	}
	v, err := m.GetMetadata(metaLastInitialized)
	if err != nil || v == "" {
		return time.Time{}, false
	}
	t, err = time.Parse(time.RFC3339Nano, v)
	return t, err == nil
}

// OrphanedQueues lists collections that still have a persisted queue but
// are no longer part of the schema. Their operations are never drained.
func (e *Engine) OrphanedQueues() []string {
	lister, ok := e.kv.(KeyLister)
	if !ok {
		return nil
	}
	keys, err := lister.Keys("queue/")
	if err != nil {
		e.logger.Warn("failed to list queues", "error", err)
		return nil
	}
	var orphans []string
	for _, k := range keys {
		name := strings.TrimPrefix(k, "queue/")
		if _, known := e.coords[name]; !known {
			orphans = append(orphans, name)
		}
	}
	return orphans
}

// Mutate applies op optimistically and attempts to propagate it once.
// The returned MutateResult reports whether remote confirmation is still
// pending. Errors are returned only for invalid operations.
func (e *Engine) Mutate(ctx context.Context, op Operation) (MutateResult, error) {
	c, err := e.coordinator(op.Collection)
	if err != nil {
		return MutateResult{}, err
	}
	return c.Mutate(ctx, op)
}

// GetAll returns the cached entities of collection.
func (e *Engine) GetAll(collection string) ([]Entity, error) {
	c, err := e.coordinator(collection)
	if err != nil {
		return nil, err
	}
	return c.GetAll(), nil
}

// Get returns one cached entity. Temporary identities that have since been
// replaced still resolve.
func (e *Engine) Get(collection, id string) (Entity, error) {
	c, err := e.coordinator(collection)
	if err != nil {
		return Entity{}, err
	}
	ent, ok := c.Get(id)
	if !ok {
		return Entity{}, fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}
	return ent, nil
}

// UnsyncedCount returns the number of local changes across all collections
// that the remote store has not confirmed.
func (e *Engine) UnsyncedCount() int {
	n := 0
	for _, c := range e.coords {
		n += c.UnsyncedCount()
	}
	return n
}

// ForceSync drains every pending queue now, ignoring backoff and including
// dead-lettered operations.
func (e *Engine) ForceSync(ctx context.Context) (DrainResult, error) {
	if e.isClosed() {
		return DrainResult{}, ErrEngineClosed
	}
	if e.remote == nil {
		return DrainResult{}, ErrOffline
	}
	return e.drainAll(ctx, DrainOptions{Force: true, IncludeDeadLetters: true}), nil
}

func (e *Engine) drainAll(ctx context.Context, opts DrainOptions) DrainResult {
	var (
		mu    sync.Mutex
		total DrainResult
	)
	for _, level := range e.levels {
		g, gctx := errgroup.WithContext(ctx)
		for _, name := range level {
			c := e.coords[name]
			g.Go(func() error {
				res := c.DrainQueue(gctx, opts)
				mu.Lock()
				total.Add(res)
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
	}
	return total
}

// Status reports every collection's sync status, sorted by name.
func (e *Engine) Status() []CollectionStatus {
	out := make([]CollectionStatus, 0, len(e.names))
	for _, name := range e.names {
		out = append(out, e.coords[name].Status())
	}
	return out
}

// PendingOps returns the queued operations of collection, or of every
// collection when collection is empty.
func (e *Engine) PendingOps(collection string) ([]PendingOp, error) {
	if collection != "" {
		c, err := e.coordinator(collection)
		if err != nil {
			return nil, err
		}
		return c.PendingOps(), nil
	}
	var out []PendingOp
	for _, name := range e.names {
		out = append(out, e.coords[name].PendingOps()...)
	}
	return out, nil
}

// DeadLetters returns the operations set aside after repeated failures.
func (e *Engine) DeadLetters() []PendingOp {
	var out []PendingOp
	for _, name := range e.names {
		for _, op := range e.coords[name].PendingOps() {
			if op.DeadLettered {
				out = append(out, op)
			}
		}
	}
	return out
}

// Abandon discards a pending operation of collection.
func (e *Engine) Abandon(collection, opID string) (PendingOp, error) {
	c, err := e.coordinator(collection)
	if err != nil {
		return PendingOp{}, err
	}
	return c.Abandon(opID)
}

// Requeue returns a dead-lettered operation of collection to normal retries.
func (e *Engine) Requeue(collection, opID string) (PendingOp, error) {
	c, err := e.coordinator(collection)
	if err != nil {
		return PendingOp{}, err
	}
	return c.Requeue(opID)
}

// Subscribe starts merging live changes of every collection from the change
// feed. Subscriptions end when ctx is done or the engine is closed.
func (e *Engine) Subscribe(ctx context.Context) error {
	if e.isClosed() {
		return ErrEngineClosed
	}
	if e.feed == nil {
		return ErrOffline
	}

	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(e.ctx, cancel)

	var consumers sync.WaitGroup
	for _, name := range e.names {
		c := e.coords[name]
		ch, err := e.feed.Subscribe(ctx, c.schema.RemoteName())
		if err != nil {
			cancel()
			stop()
			return fmt.Errorf("subscribe %s: %w", name, err)
		}
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			c.consume(ctx, ch)
		}()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		consumers.Wait()
		stop()
		cancel()
	}()
	e.logger.Info("subscribed to change feed", "collections", len(e.names))
	return nil
}

// HealthCheck reports whether the local store and the remote are usable.
func (e *Engine) HealthCheck(ctx context.Context) HealthStatus {
	status := HealthStatus{Healthy: true, StoreOK: true}

	var err error
	if p, ok := e.kv.(StorePinger); ok {
		err = p.Ping()
	} else {
		_, _, err = e.kv.Read("health/probe")
	}
	if err != nil {
		status.StoreOK = false
		status.Healthy = false
		status.Error = err.Error()
		return status
	}
	status.OrphanedQueues = e.OrphanedQueues()
	if t, ok := e.LastInitialized(); ok {
		status.LastInitialized = &t
	}

	if e.remote != nil {
		if p, ok := e.remote.(Pinger); ok {
			ctx, cancel := context.WithTimeout(ctx, e.config.RemoteTimeout)
			err = p.Ping(ctx)
			cancel()
		}
		status.RemoteReachable = err == nil
		if err != nil && status.Error == "" {
			status.Error = err.Error()
		}
	}

	return status
}

// Close stops background work and closes the local store if the engine
// opened it. Pending operations stay queued for the next run.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		e.logger.Warn("background work did not stop in time")
	}

	_ = e.debug.Close()
	if e.owned != nil {
		return e.owned.Close()
	}
	return nil
}

func (e *Engine) backgroundSync() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(e.ctx, 30*time.Second)
			res := e.drainAll(ctx, DrainOptions{})
			cancel()
			if res.Failed > 0 {
				e.logger.Warn("background sync incomplete", "succeeded", res.Succeeded, "failed", res.Failed)
			}
		}
	}
}
