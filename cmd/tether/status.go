package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hyperengineering/tether"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync status per collection",
	Long:  `Display entity counts, unconfirmed changes and queue depth for every collection.`,
	Example: `  tether status
  tether status --health --json`,
	RunE: runStatus,
}

var statusHealth bool

func init() {
	statusCmd.Flags().BoolVar(&statusHealth, "health", false, "Include health check")
}

// StatusOutput for JSON output.
type StatusOutput struct {
	Collections []tether.CollectionStatus `json:"collections"`
	Unsynced    int                       `json:"unsynced"`
	Offline     bool                      `json:"offline"`
	Health      *tether.HealthStatus      `json:"health,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	engine, err := openEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	result := StatusOutput{
		Collections: engine.Status(),
		Unsynced:    engine.UnsyncedCount(),
		Offline:     engine.IsOffline(),
	}
	if statusHealth {
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		h := engine.HealthCheck(ctx)
		result.Health = &h
	}

	if outputJSON {
		return outputAsJSON(cmd, result)
	}

	out := cmd.OutOrStdout()
	for _, s := range result.Collections {
		body := fmt.Sprintf("Entities:      %d\nUnsynced:      %d\nQueued:        %d\nDead-lettered: %d",
			s.Entities, s.Unsynced, s.Queued, s.DeadLettered)
		if s.LastPull != nil {
			body += fmt.Sprintf("\nLast pull:     %s (%s ago)",
				s.LastPull.Format(time.RFC3339), time.Since(*s.LastPull).Round(time.Second))
		} else {
			body += "\nLast pull:     never"
		}
		if s.LastError != "" {
			body += "\nLast error:    " + s.LastError
		}
		fmt.Fprintln(out, renderPanel(s.Collection, body))
	}

	switch {
	case result.Offline:
		printWarning(out, "Offline: no remote configured")
	case result.Unsynced > 0:
		printWarning(out, "%d unconfirmed changes", result.Unsynced)
	default:
		printSuccess(out, "All changes confirmed")
	}

	if h := result.Health; h != nil {
		fmt.Fprintln(out)
		printField(out, "Healthy", h.Healthy)
		printField(out, "Store OK", h.StoreOK)
		printField(out, "Remote reachable", h.RemoteReachable)
		if h.LastInitialized != nil {
			printField(out, "Last initialized", h.LastInitialized.Format(time.RFC3339))
		}
		if len(h.OrphanedQueues) > 0 {
			printWarning(out, "Queues without a collection: %s", strings.Join(h.OrphanedQueues, ", "))
		}
		if h.Error != "" {
			printField(out, "Error", h.Error)
		}
	}
	return nil
}
