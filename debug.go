package tether

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cast"
)

// DebugLogger traces sync activity one line per event, each tagged with
// the collection it concerns:
//
//	2024-05-01T09:00:00.000Z [tether] clients claim op=01HX.. kind=insert entity=tmp-..
//
// It covers remote exchanges, queue claims and settlements, drain passes
// and identity remaps. A nil *DebugLogger traces nothing.
type DebugLogger struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
}

// NewDebugLogger returns a trace writing to path, or to stderr when path
// is empty. It returns nil when enabled is false.
func NewDebugLogger(enabled bool, path string) (*DebugLogger, error) {
	if !enabled {
		return nil, nil
	}
	if path == "" {
		return &DebugLogger{w: os.Stderr}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open debug log: %w", err)
	}
	return &DebugLogger{w: f, closer: f}, nil
}

// Close closes the trace file, if any.
func (l *DebugLogger) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	err := l.closer.Close()
	l.closer = nil
	l.w = io.Discard
	return err
}

// Exchange traces one remote call. The response body is included only
// when the call failed.
func (l *DebugLogger) Exchange(collection, method, target string, status int, took time.Duration, body []byte, err error) {
	if l == nil {
		return
	}
	attrs := []any{"method", method, "url", target, "status", status, "took", took.Round(time.Millisecond)}
	if err != nil {
		attrs = append(attrs, "error", err)
	} else if status >= 300 {
		attrs = append(attrs, "body", clip(string(body), 500))
	}
	l.trace(collection, "remote", attrs...)
}

// Claim traces an operation taken from the queue for delivery.
func (l *DebugLogger) Claim(op PendingOp) {
	if l == nil {
		return
	}
	l.trace(op.Collection, "claim", "op", op.ID, "kind", op.Kind, "entity", op.EntityID, "retries", op.RetryCount)
}

// Settle traces the outcome of a delivery.
func (l *DebugLogger) Settle(op PendingOp, rec *Record, err error) {
	if l == nil {
		return
	}
	switch {
	case err != nil:
		l.trace(op.Collection, "failed", "op", op.ID, "kind", op.Kind, "entity", op.EntityID, "error_kind", errorKind(err), "error", err)
	case rec != nil:
		l.trace(op.Collection, "confirmed", "op", op.ID, "kind", op.Kind, "entity", op.EntityID, "record", rec.ID)
	default:
		l.trace(op.Collection, "confirmed", "op", op.ID, "kind", op.Kind, "entity", op.EntityID)
	}
}

// Drain traces the totals of one pass over a queue.
func (l *DebugLogger) Drain(collection string, res DrainResult) {
	if l == nil {
		return
	}
	l.trace(collection, "drain", "succeeded", res.Succeeded, "failed", res.Failed,
		"deferred", res.Deferred, "dead_lettered", res.DeadLettered)
}

// Remap traces an entity moving from one identity to another.
func (l *DebugLogger) Remap(r Remap) {
	if l == nil || !r.Changed() {
		return
	}
	l.trace(r.Collection, "remap", "old", r.OldID, "new", r.NewID)
}

// Feed traces a change feed problem for collection.
func (l *DebugLogger) Feed(collection string, err error) {
	if l == nil {
		return
	}
	l.trace(collection, "feed", "error", err)
}

func (l *DebugLogger) trace(collection, event string, attrs ...any) {
	if collection == "" {
		collection = "-"
	}
	var sb strings.Builder
	sb.WriteString(time.Now().UTC().Format("2006-01-02T15:04:05.000Z07:00"))
	sb.WriteString(" [tether] ")
	sb.WriteString(collection)
	sb.WriteByte(' ')
	sb.WriteString(event)
	for i := 0; i+1 < len(attrs); i += 2 {
		v, err := cast.ToStringE(attrs[i+1])
		if err != nil {
			v = fmt.Sprint(attrs[i+1])
		}
		if strings.ContainsAny(v, " \t\n\"") {
			v = fmt.Sprintf("%q", v)
		}
		fmt.Fprintf(&sb, " %s=%s", attrs[i], v)
	}
	sb.WriteByte('\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = io.WriteString(l.w, sb.String())
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + fmt.Sprintf("... [%d bytes]", len(s))
}
