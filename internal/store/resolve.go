package store

import (
	"fmt"
	"os"
)

// EnvStore is the environment variable consulted by ResolveStore.
const EnvStore = "TETHER_STORE"

// ResolveStore determines the store ID to use based on priority chain.
// Priority: explicit > TETHER_STORE env > "default"
func ResolveStore(explicit string) (string, error) {
	if explicit != "" {
		if err := ValidateStoreID(explicit); err != nil {
			return "", fmt.Errorf("invalid store ID %q: %w", explicit, err)
		}
		return explicit, nil
	}

	if envStore := os.Getenv(EnvStore); envStore != "" {
		if err := ValidateStoreID(envStore); err != nil {
			return "", fmt.Errorf("invalid %s %q: %w", EnvStore, envStore, err)
		}
		return envStore, nil
	}

	return "default", nil
}
