package main

import (
	"fmt"

	"github.com/hyperengineering/tether"
	"github.com/spf13/cobra"
)

var (
	cfgDBPath    string
	cfgStore     string
	cfgBackend   string
	cfgRemoteURL string
	cfgAPIKey    string
	cfgSchema    string
	outputJSON   bool
)

var rootCmd = &cobra.Command{
	Use:   "tether",
	Short: "Tether - local-first sync CLI",
	Long: `Tether keeps collections of records in a local store and synchronizes
them with a remote store.

Writes are applied locally first and delivered in the background. Failed
deliveries are retried from a durable queue that survives restarts.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgDBPath, "db-path", "", "Path to the local database (default: derived from --store)")
	rootCmd.PersistentFlags().StringVar(&cfgStore, "store", "", "Local store ID")
	rootCmd.PersistentFlags().StringVar(&cfgBackend, "backend", "", "Local storage backend: sqlite, bolt")
	rootCmd.PersistentFlags().StringVar(&cfgRemoteURL, "remote-url", "", "URL of the remote store")
	rootCmd.PersistentFlags().StringVar(&cfgAPIKey, "api-key", "", "API key for the remote store")
	rootCmd.PersistentFlags().StringVar(&cfgSchema, "schema", "", "Path to the collection schema file")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Output as JSON")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(putCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
}

// loadConfig reads the environment and applies flag overrides.
func loadConfig() tether.Config {
	cfg := tether.ConfigFromEnv()

	if cfgDBPath != "" {
		cfg.LocalPath = cfgDBPath
	}
	if cfgStore != "" {
		cfg.Store = cfgStore
	}
	if cfgBackend != "" {
		cfg.Backend = cfgBackend
	}
	if cfgRemoteURL != "" {
		cfg.RemoteURL = cfgRemoteURL
	}
	if cfgAPIKey != "" {
		cfg.APIKey = cfgAPIKey
	}
	if cfgSchema != "" {
		cfg.SchemaPath = cfgSchema
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "warn"
	}

	// Commands are short-lived; delivery happens in the foreground.
	cfg.AutoSync = false
	return cfg.WithDefaults()
}

func loadAndValidateConfig() (tether.Config, error) {
	cfg := loadConfig()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	if cfg.SchemaPath == "" {
		return cfg, fmt.Errorf("TETHER_SCHEMA not configured (use --schema)")
	}
	return cfg, nil
}

// openEngine builds an engine from the resolved configuration.
func openEngine() (*tether.Engine, error) {
	cfg, err := loadAndValidateConfig()
	if err != nil {
		return nil, err
	}
	engine, err := tether.New(cfg, nil)
	if err != nil {
		return nil, fmt.Errorf("initialize engine: %w", err)
	}
	return engine, nil
}
