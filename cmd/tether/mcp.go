package main

import (
	"context"
	"fmt"

	"github.com/hyperengineering/tether"
	tethermcp "github.com/hyperengineering/tether/mcp"
	"github.com/spf13/cobra"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP server for coding agent integration",
	Long: `Start a Model Context Protocol (MCP) server over stdio.

This lets coding agents read and change Tether collections directly.
With a remote store configured, the server pulls on startup, merges live
changes and delivers pending operations in the background.

Example MCP client configuration:

  {
    "mcpServers": {
      "tether": {
        "command": "tether",
        "args": ["mcp"],
        "env": {
          "TETHER_SCHEMA": "/path/to/collections.yaml",
          "TETHER_DB_PATH": "/path/to/tether.db"
        }
      }
    }
  }

Environment variables:
  TETHER_SCHEMA      Path to the collection schema file (required)
  TETHER_DB_PATH     Path to the local database (default: derived from TETHER_STORE)
  TETHER_STORE       Local store ID (default: default)
  TETHER_BACKEND     Local storage backend: sqlite, bolt
  TETHER_SOURCE_ID   Client identifier (default: hostname)
  TETHER_REMOTE_URL  Remote store URL (optional, enables sync)
  TETHER_API_KEY     Remote store API key (required if TETHER_REMOTE_URL set)`,
	RunE: runMCP,
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func runMCP(cmd *cobra.Command, args []string) error {
	cfg, err := loadAndValidateConfig()
	if err != nil {
		return err
	}
	// The server is long-lived, so keep delivering in the background.
	cfg.AutoSync = true

	engine, err := tether.New(cfg, nil)
	if err != nil {
		return fmt.Errorf("initialize engine: %w", err)
	}
	defer engine.Close()

	if !engine.IsOffline() {
		ctx := context.Background()
		if _, err := engine.Initialize(ctx); err != nil {
			return err
		}
		if err := engine.Subscribe(ctx); err != nil {
			return err
		}
	}

	return tethermcp.NewServer(engine).Run()
}
