package tether

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"time"
)

const cacheVersion = 1

// Snapshot is the durable state of one collection.
type Snapshot struct {
	Version    int        `json:"version"`
	Collection string     `json:"collection"`
	PulledAt   *time.Time `json:"pulled_at,omitempty"`
	Entities   []Entity   `json:"entities"`
}

// Cache persists one collection's entities as a single blob under
// cache/<collection>.
type Cache struct {
	kv         KV
	collection string
	logger     *slog.Logger
}

// NewCache returns the cache for collection.
func NewCache(kv KV, collection string, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{kv: kv, collection: collection, logger: logger}
}

func cacheKey(collection string) string { return "cache/" + collection }

// Load returns the persisted snapshot. It never fails: an absent key yields
// an empty snapshot and unreadable or corrupt data is logged and treated as
// empty. The legacy format, a bare array of entities, is accepted.
func (c *Cache) Load() Snapshot {
	empty := Snapshot{Version: cacheVersion, Collection: c.collection}

	data, ok, err := c.kv.Read(cacheKey(c.collection))
	if err != nil {
		c.logger.Warn("cache unreadable, starting empty", "collection", c.collection, "error", err)
		return empty
	}
	if !ok || len(bytes.TrimSpace(data)) == 0 {
		return empty
	}

	var snap Snapshot
	if trimmed := bytes.TrimSpace(data); trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &snap.Entities); err != nil {
			c.logger.Warn("cache corrupt, starting empty", "collection", c.collection, "error", err)
			return empty
		}
		c.logger.Info("loaded legacy cache format", "collection", c.collection, "entities", len(snap.Entities))
	} else if err := json.Unmarshal(trimmed, &snap); err != nil {
		c.logger.Warn("cache corrupt, starting empty", "collection", c.collection, "error", err)
		return empty
	}

	snap.Version = cacheVersion
	snap.Collection = c.collection

	kept := snap.Entities[:0]
	for _, e := range snap.Entities {
		if e.ID == "" {
			c.logger.Warn("dropping cached entity without id", "collection", c.collection)
			continue
		}
		if e.Payload == nil {
			e.Payload = map[string]any{}
		}
		if e.State == "" {
			e.State = StateSynced
		}
		kept = append(kept, e)
	}
	snap.Entities = kept
	return snap
}

// Persist writes the snapshot. A failure is returned as *PersistenceError;
// the caller's in-memory state stays authoritative.
func (c *Cache) Persist(snap Snapshot) error {
	snap.Version = cacheVersion
	snap.Collection = c.collection
	if snap.Entities == nil {
		snap.Entities = []Entity{}
	}

	key := cacheKey(c.collection)
	data, err := json.Marshal(snap)
	if err != nil {
		return &PersistenceError{Key: key, Err: err}
	}
	if err := c.kv.Write(key, data); err != nil {
		return &PersistenceError{Key: key, Err: err}
	}
	return nil
}
