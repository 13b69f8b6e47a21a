package tether

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// ExportVersion is the current version of the export format.
const ExportVersion = "1.0"

// ExportFormat is the top-level structure for JSON exports.
type ExportFormat struct {
	Version     string             `json:"version"`
	ExportedAt  time.Time          `json:"exported_at"`
	StoreID     string             `json:"store_id"`
	Collections []ExportCollection `json:"collections"`
}

// ExportCollection is one collection in export format. Pending lists the
// operations that were still queued; it is informational except for
// deletes, which import re-queues.
type ExportCollection struct {
	Collection string      `json:"collection"`
	Entities   []Entity    `json:"entities"`
	Pending    []PendingOp `json:"pending,omitempty"`
}

// MergeStrategy defines how to handle entities that already exist during import.
type MergeStrategy string

const (
	// MergeStrategySkip keeps existing entities untouched.
	MergeStrategySkip MergeStrategy = "skip"
	// MergeStrategyReplace replaces existing payloads with imported ones.
	MergeStrategyReplace MergeStrategy = "replace"
	// MergeStrategyMerge overlays imported fields on existing payloads (default).
	MergeStrategyMerge MergeStrategy = "merge"
)

// IsValid checks if the strategy is known.
func (s MergeStrategy) IsValid() bool {
	return s == MergeStrategySkip || s == MergeStrategyReplace || s == MergeStrategyMerge
}

// ImportResult summarizes an import operation.
type ImportResult struct {
	Total   int      `json:"total"`
	Created int      `json:"created"`
	Merged  int      `json:"merged"`
	Skipped int      `json:"skipped"`
	Queued  int      `json:"queued"`
	Errors  []string `json:"errors,omitempty"`
}

// ExportJSON streams every collection as JSON to w. Each collection is a
// consistent snapshot; collections are read one after another.
func (e *Engine) ExportJSON(ctx context.Context, w io.Writer) error {
	if e.isClosed() {
		return ErrEngineClosed
	}

	header := fmt.Sprintf(`{"version":%s,"exported_at":%s,"store_id":%s,"collections":[`,
		jsonString(ExportVersion),
		jsonString(time.Now().UTC().Format(time.RFC3339)),
		jsonString(e.config.Store),
	)
	if _, err := io.WriteString(w, header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	enc := json.NewEncoder(w)
	for i, name := range e.names {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if i > 0 {
			if _, err := io.WriteString(w, ","); err != nil {
				return fmt.Errorf("write separator: %w", err)
			}
		}
		if err := enc.Encode(e.coords[name].export()); err != nil {
			return fmt.Errorf("encode %s: %w", name, err)
		}
	}

	if _, err := io.WriteString(w, "]}"); err != nil {
		return fmt.Errorf("write footer: %w", err)
	}
	return nil
}

func (c *Coordinator) export() ExportCollection {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := ExportCollection{
		Collection: c.schema.Collection,
		Entities:   make([]Entity, len(c.entities)),
		Pending:    c.queue.Ops(),
	}
	for i, e := range c.entities {
		out.Entities[i] = e.Clone()
	}
	return out
}

// jsonString returns a JSON-encoded string.
func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
