package tether

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Common errors returned by the engine.
var (
	// ErrNotFound is returned when an entity is not present in the local cache,
	// and by Remote implementations when the target record does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrUnknownCollection is returned when an operation names a collection
	// the engine has no schema for.
	ErrUnknownCollection = errors.New("unknown collection")

	// ErrInvalidOperation is returned for malformed mutations.
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrOpNotFound is returned when a pending operation ID is not queued.
	ErrOpNotFound = errors.New("pending operation not found")

	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("store is closed")

	// ErrEngineClosed is returned when operating on a closed engine.
	ErrEngineClosed = errors.New("engine is closed")

	// ErrOffline is returned when a remote operation is attempted without a remote.
	ErrOffline = errors.New("operation unavailable in offline mode")
)

// ValidationError is returned when configuration validation fails.
// Extractable via errors.As().
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// SyncError is returned by the HTTP remote when a request fails.
// StatusCode is 0 when no response was received.
// Extractable via errors.As(). Supports Unwrap().
type SyncError struct {
	Operation  string
	StatusCode int
	Err        error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync: %s failed (status %d): %v", e.Operation, e.StatusCode, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// TransientError wraps a remote failure expected to heal on its own:
// network errors, timeouts, throttling and server-side faults.
type TransientError struct {
	Operation string
	Err       error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient remote error: %s: %v", e.Operation, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// RejectionError wraps a remote failure that retries will not fix without
// intervention, such as validation or permission errors. Rejected operations
// are still retried.
type RejectionError struct {
	Operation  string
	StatusCode int
	Err        error
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("remote rejected %s (status %d): %v", e.Operation, e.StatusCode, e.Err)
}

func (e *RejectionError) Unwrap() error { return e.Err }

// PersistenceError is returned when a durable write fails. In-memory state
// stays authoritative and the next mutation persists again.
type PersistenceError struct {
	Key string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// MigrationError is returned when a legacy-shaped record cannot be upgraded.
// The record is left in its original shape and skipped.
type MigrationError struct {
	Collection string
	EntityID   string
	Field      string
	Err        error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migrate %s/%s field %q: %v", e.Collection, e.EntityID, e.Field, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }

// ClassifyRemoteError wraps err as *TransientError or *RejectionError.
// Errors already classified are returned unchanged.
func ClassifyRemoteError(op string, err error) error {
	if err == nil {
		return nil
	}

	var te *TransientError
	var re *RejectionError
	if errors.As(err, &te) || errors.As(err, &re) {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &TransientError{Operation: op, Err: err}
	}

	var se *SyncError
	if errors.As(err, &se) {
		if se.StatusCode == 0 || isTransientStatus(se.StatusCode) {
			return &TransientError{Operation: op, Err: err}
		}
		return &RejectionError{Operation: op, StatusCode: se.StatusCode, Err: err}
	}

	var ne net.Error
	if errors.As(err, &ne) {
		return &TransientError{Operation: op, Err: err}
	}

	// Unknown errors from custom Remote implementations are assumed transient
	// so they are retried on the normal schedule.
	return &TransientError{Operation: op, Err: err}
}

// IsTransient reports whether err would be classified as transient.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(ClassifyRemoteError("", err), &te)
}

func isTransientStatus(code int) bool {
	return code == http.StatusRequestTimeout ||
		code == http.StatusTooManyRequests ||
		code >= http.StatusInternalServerError
}

// errorKind returns the LastErrorKind label recorded on pending operations.
func errorKind(err error) string {
	var re *RejectionError
	if errors.As(err, &re) {
		return "rejected"
	}
	return "transient"
}
