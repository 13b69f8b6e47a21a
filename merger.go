package tether

import (
	"context"
	"time"
)

// OnEvent merges a live change from the remote store into the collection.
//
// Inserts and updates are matched against local entities first so an entity
// created locally and still awaiting confirmation is not added twice. A
// match takes the event unless the local entity has pending work with a
// later timestamp; superseded queued operations are dropped. Deletes remove
// the entity unconditionally. Unknown entities are added as synced.
func (c *Coordinator) OnEvent(ev Event) {
	c.mu.Lock()

	cand := c.resolver.Identify(ev.Record)
	var remap Remap

	switch ev.Kind {
	case OpDelete:
		c.applyDeleteLocked(cand)

	case OpInsert, OpUpdate:
		payload, _, err := c.schema.Migrate(cand.ID, cand.Payload)
		if err != nil {
			c.logger.Warn("skipping live event with legacy shape", "error", err)
			c.mu.Unlock()
			return
		}
		cand.Payload = payload
		if c.queue.HasDelete(cand.ID) {
			c.logger.Debug("ignoring event for locally deleted entity", "entity", cand.ID)
			c.mu.Unlock()
			return
		}
		remap = c.applyUpsertLocked(cand)

	default:
		c.logger.Warn("ignoring event of unknown kind", "kind", ev.Kind)
		c.mu.Unlock()
		return
	}

	c.commitLocked()
	c.mu.Unlock()
	c.fanOut(remap)
}

func (c *Coordinator) applyDeleteLocked(cand Entity) {
	cand.Payload = nil
	i, _ := c.resolver.FindExisting(cand, c.entities)
	id := cand.ID
	if i >= 0 {
		id = c.entities[i].ID
		c.removeLocked(i)
	}
	dropped, err := c.queue.DropEntity(id)
	if err != nil {
		c.lastError = err.Error()
	}
	if len(dropped) > 0 {
		c.logger.Info("remote delete superseded queued operations", "entity", id, "dropped", len(dropped))
	}
}

func (c *Coordinator) applyUpsertLocked(cand Entity) Remap {
	i, kind := c.resolver.FindExisting(cand, c.entities)
	if i < 0 {
		c.entities = append(c.entities, cand)
		return Remap{}
	}

	local := c.entities[i]
	if kind == MatchNaturalKey {
		c.logger.Warn("merged live event by natural key", "local", local.ID, "remote", cand.ID)
	}

	remap := Remap{Collection: c.schema.Collection, OldID: local.ID, NewID: cand.ID}
	c.applyRemapLocked(remap)

	var out Entity
	if c.queue.HasWork(cand.ID) && local.UpdatedAt.After(cand.UpdatedAt) {
		// Local edit is newer; it stays queued and will overwrite the remote.
		out = local.Clone()
		out.ID = cand.ID
	} else {
		out = cand
		out.CreatedAt = local.CreatedAt
		out.ClientID = firstNonEmpty(local.ClientID, cand.ClientID)
		dropped, err := c.queue.DropEntity(cand.ID)
		if err != nil {
			c.lastError = err.Error()
		}
		if len(dropped) > 0 {
			c.logger.Debug("live event superseded queued operations", "entity", cand.ID, "dropped", len(dropped))
		}
		switch {
		case c.queue.InFlight(cand.ID):
			out.State = StateSyncing
		case c.queue.HasWork(cand.ID):
			out.State = StateLocal
		default:
			out.State = StateSynced
		}
	}
	if out.ClientID == "" && IsTempID(local.ID) {
		out.ClientID = local.ID
	}
	c.entities[i] = out
	return remap
}

// consume applies events from ch until it closes or ctx is done.
func (c *Coordinator) consume(ctx context.Context, ch <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			start := time.Now()
			c.OnEvent(ev)
			c.logger.Debug("live event applied", "kind", ev.Kind, "entity", ev.Record.ID, "took", time.Since(start))
		}
	}
}
