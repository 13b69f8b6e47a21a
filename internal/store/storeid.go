// Package store provides naming, path layout and migrations for local tether stores.
//
// A store is one local database holding the cache snapshots and pending
// queues of every collection a process synchronizes.
package store

import (
	"errors"
	"regexp"
	"strings"
)

// Name validation errors.
var (
	// ErrInvalidStoreID indicates the store ID format is invalid.
	ErrInvalidStoreID = errors.New("invalid store ID: must be lowercase alphanumeric with hyphens, 1-4 path segments")

	// ErrInvalidCollection indicates the collection name format is invalid.
	ErrInvalidCollection = errors.New("invalid collection name: must start with a letter, lowercase alphanumeric and underscores, max 63 chars")
)

// storeIDRegex validates store ID format.
// Format: <segment>[/<segment>]*
// - 1-4 path segments separated by /
// - Segments: lowercase alphanumeric and hyphens (a-z, 0-9, -)
// - Segment length: 1-64 characters
// - No leading/trailing hyphens
var storeIDRegex = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,62}[a-z0-9])?(\/[a-z0-9]([a-z0-9-]{0,62}[a-z0-9])?){0,3}$`)

var collectionRegex = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// ValidateStoreID validates a store ID format.
// Returns ErrInvalidStoreID if the ID doesn't match the required pattern.
func ValidateStoreID(id string) error {
	if id == "" || len(id) > 256 {
		return ErrInvalidStoreID
	}
	// Check for consecutive hyphens (not caught by regex)
	if strings.Contains(id, "--") {
		return ErrInvalidStoreID
	}
	if !storeIDRegex.MatchString(id) {
		return ErrInvalidStoreID
	}
	return nil
}

// ValidateCollection validates a collection name.
// Collection names become KV key segments, so they may not contain "/".
func ValidateCollection(name string) error {
	if !collectionRegex.MatchString(name) {
		return ErrInvalidCollection
	}
	return nil
}
