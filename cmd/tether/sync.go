package main

import (
	"context"
	"fmt"
	"time"

	"github.com/hyperengineering/tether"
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronize with the remote store",
	Long: `Pull the remote state of every collection, merge it with local work and
deliver pending operations.

With --push only the pending queues are drained, including dead-lettered
operations.`,
	Example: `  tether sync
  tether sync --push`,
	RunE: runSync,
}

var (
	syncPush    bool
	syncTimeout time.Duration
)

func init() {
	syncCmd.Flags().BoolVar(&syncPush, "push", false, "Deliver pending operations only")
	syncCmd.Flags().DurationVar(&syncTimeout, "timeout", 60*time.Second, "Overall time limit")
}

// SyncResult for JSON output.
type SyncResult struct {
	Collections []tether.InitResult `json:"collections,omitempty"`
	Drain       tether.DrainResult  `json:"drain"`
	Remaining   int                 `json:"remaining"`
	DurationMs  int64               `json:"duration_ms"`
}

func runSync(cmd *cobra.Command, args []string) error {
	engine, err := openEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	if engine.IsOffline() {
		return fmt.Errorf("TETHER_REMOTE_URL not configured")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), syncTimeout)
	defer cancel()

	out := cmd.OutOrStdout()
	if outputJSON {
		out = cmd.ErrOrStderr()
	}

	start := time.Now()
	var result SyncResult
	err = runWithSpinner(out, "Synchronizing", func() error {
		if syncPush {
			res, err := engine.ForceSync(ctx)
			result.Drain = res
			return err
		}
		results, err := engine.Initialize(ctx)
		result.Collections = results
		for _, r := range results {
			result.Drain.Add(r.Drain)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	result.Remaining = engine.UnsyncedCount()
	result.DurationMs = time.Since(start).Milliseconds()

	if outputJSON {
		return outputAsJSON(cmd, result)
	}

	for _, r := range result.Collections {
		if r.Offline {
			printWarning(out, "%s: remote unreachable, serving local cache", r.Collection)
			continue
		}
		printInfo(out, "%s: pulled %d (added %d, merged %d, dropped %d)",
			r.Collection, r.Pulled, r.Added, r.Merged, r.Dropped)
	}
	fmt.Fprintf(out, "Delivered %d, failed %d, deferred %d (took %s)\n",
		result.Drain.Succeeded, result.Drain.Failed, result.Drain.Deferred,
		time.Since(start).Round(time.Millisecond))

	if result.Remaining > 0 {
		printWarning(out, "%d changes still unconfirmed", result.Remaining)
	} else {
		printSuccess(out, "Sync complete")
	}
	return nil
}
