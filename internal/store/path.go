package store

import (
	"os"
	"path/filepath"
	"strings"
)

// DefaultStoreRoot returns the root directory for all stores.
// Defaults to ~/.tether/stores, falls back to ./.tether/stores if home dir unavailable.
func DefaultStoreRoot() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		cwd, _ := os.Getwd()
		return filepath.Join(cwd, ".tether", "stores")
	}
	return filepath.Join(home, ".tether", "stores")
}

// EncodeStorePath encodes a store ID for filesystem use.
// Replaces "/" with "__" for path-style store IDs.
func EncodeStorePath(storeID string) string {
	return strings.ReplaceAll(storeID, "/", "__")
}

// DecodeStorePath decodes an encoded store path back to store ID.
func DecodeStorePath(encoded string) string {
	return strings.ReplaceAll(encoded, "__", "/")
}

// StoreDBPath returns the full path to a store's database file for a backend.
// Example: StoreDBPath("org/team", "sqlite") -> ~/.tether/stores/org__team/tether.db
func StoreDBPath(storeID, backend string) string {
	name := "tether.db"
	if backend == "bolt" {
		name = "tether.bolt"
	}
	return filepath.Join(DefaultStoreRoot(), EncodeStorePath(storeID), name)
}
