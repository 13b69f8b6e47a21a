package tether

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
)

// ImportJSON imports collections from a JSON export.
// It uses streaming so a large file is never held in memory at once.
//
// Imported entities are matched to existing ones with the identity
// resolver (ID, client ID, then natural key). New entities are added; an
// entity that was not confirmed in the exporting store is queued for
// delivery. Existing entities are handled by strategy, and any change to
// them is queued as an update. With dryRun nothing is written.
func (e *Engine) ImportJSON(ctx context.Context, r io.Reader, strategy MergeStrategy, dryRun bool) (*ImportResult, error) {
	if e.isClosed() {
		return nil, ErrEngineClosed
	}
	if strategy == "" {
		strategy = MergeStrategyMerge
	}
	if !strategy.IsValid() {
		return nil, fmt.Errorf("%w: unknown merge strategy %q", ErrInvalidOperation, strategy)
	}

	dec := json.NewDecoder(r)
	result := &ImportResult{}

	token, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("read opening token: %w", err)
	}
	if delim, ok := token.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("expected opening brace, got %v", token)
	}

	var version string
	for dec.More() {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		token, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("read field name: %w", err)
		}
		fieldName, ok := token.(string)
		if !ok {
			return nil, fmt.Errorf("expected field name, got %v", token)
		}

		switch fieldName {
		case "version":
			if err := dec.Decode(&version); err != nil {
				return nil, fmt.Errorf("decode version: %w", err)
			}
			if version != ExportVersion {
				return nil, fmt.Errorf("unsupported export version %q (expected %q)", version, ExportVersion)
			}

		case "collections":
			if version == "" {
				return nil, fmt.Errorf("missing version field before collections")
			}
			if err := e.importCollections(ctx, dec, strategy, dryRun, result); err != nil {
				return result, fmt.Errorf("import collections: %w", err)
			}

		default:
			var discard any
			if err := dec.Decode(&discard); err != nil {
				return nil, fmt.Errorf("decode %s: %w", fieldName, err)
			}
		}
	}

	if version == "" {
		return nil, fmt.Errorf("missing version field in export file")
	}
	return result, nil
}

func (e *Engine) importCollections(ctx context.Context, dec *json.Decoder, strategy MergeStrategy, dryRun bool, result *ImportResult) error {
	token, err := dec.Token()
	if err != nil {
		return fmt.Errorf("read collections array start: %w", err)
	}
	if delim, ok := token.(json.Delim); !ok || delim != '[' {
		return fmt.Errorf("expected collections array, got %v", token)
	}

	for dec.More() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var col ExportCollection
		if err := dec.Decode(&col); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("decode collection: %v", err))
			continue
		}
		c, ok := e.coords[col.Collection]
		if !ok {
			result.Errors = append(result.Errors, fmt.Sprintf("skip %q: %v", col.Collection, ErrUnknownCollection))
			result.Total += len(col.Entities)
			result.Skipped += len(col.Entities)
			continue
		}
		c.importCollection(col, strategy, dryRun, result)
	}

	token, err = dec.Token()
	if err != nil {
		return fmt.Errorf("read collections array end: %w", err)
	}
	if delim, ok := token.(json.Delim); !ok || delim != ']' {
		return fmt.Errorf("expected collections array end, got %v", token)
	}
	return nil
}

// importCollection applies one exported collection under the coordinator
// lock and persists once at the end.
func (c *Coordinator) importCollection(col ExportCollection, strategy MergeStrategy, dryRun bool, result *ImportResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now().UTC()
	changed := false

	for _, in := range col.Entities {
		result.Total++
		if in.ID == "" {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: entity without id", col.Collection))
			continue
		}
		if in.Payload == nil {
			in.Payload = map[string]any{}
		}

		i, kind := c.resolver.FindExisting(in, c.entities)
		if kind == MatchNaturalKey {
			c.logger.Warn("import matched entity by natural key", "local", c.entities[i].ID, "imported", in.ID)
		}
		if i < 0 {
			result.Created++
			if dryRun {
				continue
			}
			ent := in.Clone()
			ent.LastError = ""
			if ent.State != StateSynced || IsTempID(ent.ID) {
				ent.State = StateLocal
				kind := OpUpdate
				if IsTempID(ent.ID) {
					kind = OpInsert
				}
				c.enqueueImportLocked(kind, ent, result)
			}
			c.entities = append(c.entities, ent)
			changed = true
			continue
		}

		if strategy == MergeStrategySkip {
			result.Skipped++
			continue
		}
		result.Merged++
		if dryRun {
			continue
		}

		ent := c.entities[i].Clone()
		if strategy == MergeStrategyReplace {
			ent.Payload = clonePayload(in.Payload)
		} else {
			for k, v := range in.Payload {
				ent.Payload[k] = v
			}
		}
		ent.State = StateLocal
		ent.UpdatedAt = now
		opKind := OpUpdate
		if IsTempID(ent.ID) && !c.queue.HasWork(ent.ID) {
			opKind = OpInsert
		}
		c.enqueueImportLocked(opKind, ent, result)
		c.entities[i] = ent
		changed = true
	}

	for _, op := range col.Pending {
		if op.Kind != OpDelete || dryRun {
			continue
		}
		if c.indexLocked(op.EntityID) >= 0 || c.queue.HasDelete(op.EntityID) {
			continue
		}
		if _, _, err := c.queue.Enqueue(PendingOp{Kind: OpDelete, EntityID: op.EntityID, ClientID: op.ClientID}); err != nil {
			c.lastError = err.Error()
		}
		result.Queued++
		changed = true
	}

	if changed {
		c.commitLocked()
	}
}

func (c *Coordinator) enqueueImportLocked(kind OpKind, ent Entity, result *ImportResult) {
	_, _, err := c.queue.Enqueue(PendingOp{
		Kind:     kind,
		EntityID: ent.ID,
		ClientID: ent.ClientID,
		Payload:  ent.Payload,
	})
	if err != nil {
		c.lastError = err.Error()
	}
	result.Queued++
}
