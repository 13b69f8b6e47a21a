package tether

import (
	"time"
)

// MatchKind says how FindExisting matched a candidate.
type MatchKind int

const (
	MatchNone MatchKind = iota
	MatchID
	MatchClientID
	MatchNaturalKey
)

func (m MatchKind) String() string {
	switch m {
	case MatchID:
		return "id"
	case MatchClientID:
		return "client_id"
	case MatchNaturalKey:
		return "natural_key"
	}
	return "none"
}

// Remap records an identity change within a collection.
type Remap struct {
	Collection string
	OldID      string
	NewID      string
}

// Changed reports whether the remap renames anything.
func (r Remap) Changed() bool { return r.OldID != "" && r.NewID != "" && r.OldID != r.NewID }

// Resolver matches remote records to local entities and computes identity
// remaps. It holds no state of its own.
type Resolver struct {
	schema *Schema
	now    func() time.Time
}

// NewResolver returns a resolver for the collection described by schema.
func NewResolver(schema *Schema, now func() time.Time) *Resolver {
	if now == nil {
		now = time.Now
	}
	return &Resolver{schema: schema, now: now}
}

// Identify converts a remote record into a synced local entity.
func (r *Resolver) Identify(rec Record) Entity {
	now := r.now().UTC()
	updated := rec.UpdatedAt
	if updated.IsZero() {
		updated = now
	}
	return Entity{
		ID:        rec.ID,
		ClientID:  rec.ClientID,
		Payload:   r.schema.FromRemote(rec.Fields),
		State:     StateSynced,
		CreatedAt: updated,
		UpdatedAt: updated,
		SyncedAt:  &now,
	}
}

// Reconcile folds the remote record confirming local into local. The server
// identity replaces a temporary one, local payload values are kept, fields
// the server added are adopted, and the entity is marked synced. The
// returned Remap must be applied to every reference in the same step.
func (r *Resolver) Reconcile(local Entity, rec Record) (Entity, Remap) {
	out := local.Clone()
	for k, v := range r.schema.FromRemote(rec.Fields) {
		if _, ok := out.Payload[k]; !ok {
			out.Payload[k] = v
		}
	}

	remap := Remap{Collection: r.schema.Collection, OldID: local.ID, NewID: local.ID}
	if rec.ID != "" && rec.ID != local.ID {
		if out.ClientID == "" {
			out.ClientID = local.ID
		}
		out.ID = rec.ID
		remap.NewID = rec.ID
	}

	now := r.now().UTC()
	out.State = StateSynced
	out.SyncedAt = &now
	out.LastError = ""
	return out, remap
}

// FindExisting returns the index in entities of the entity candidate
// corresponds to, or -1. Matching is by priority: exact ID, then the
// locally generated ClientID in either direction, then natural key.
//
// Natural-key matching is case- and whitespace-insensitive and applies to
// any pair of entities, including two with server identities. Two distinct
// entities sharing a natural key are therefore merged; callers log such
// matches so they can be reviewed.
func (r *Resolver) FindExisting(candidate Entity, entities []Entity) (int, MatchKind) {
	for i := range entities {
		if entities[i].ID == candidate.ID {
			return i, MatchID
		}
	}

	for i := range entities {
		e := &entities[i]
		if candidate.ClientID != "" && (e.ID == candidate.ClientID || e.ClientID == candidate.ClientID) {
			return i, MatchClientID
		}
		if e.ClientID != "" && e.ClientID == candidate.ID {
			return i, MatchClientID
		}
	}

	key, ok := r.schema.NaturalKeyOf(candidate.Payload)
	if !ok {
		return -1, MatchNone
	}
	for i := range entities {
		if k, ok := r.schema.NaturalKeyOf(entities[i].Payload); ok && k == key {
			return i, MatchNaturalKey
		}
	}
	return -1, MatchNone
}
