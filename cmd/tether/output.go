package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/hyperengineering/tether"
	"github.com/spf13/cobra"
)

// outputAsJSON writes any value as formatted JSON to the command's stdout.
func outputAsJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError prints an error to stderr, ensuring no API keys are leaked.
func outputError(w io.Writer, err error) {
	printError(w, "Error: %s", scrubSensitiveData(err.Error()))
}

// scrubSensitiveData removes the configured API key from messages.
func scrubSensitiveData(msg string) string {
	for _, key := range []string{cfgAPIKey, loadConfig().APIKey} {
		if key != "" && strings.Contains(msg, key) {
			msg = strings.ReplaceAll(msg, key, "[REDACTED]")
		}
	}
	return msg
}

// outputEntities prints a collection listing.
func outputEntities(cmd *cobra.Command, collection string, entities []tether.Entity) error {
	if outputJSON {
		if entities == nil {
			entities = []tether.Entity{}
		}
		return outputAsJSON(cmd, entities)
	}

	out := cmd.OutOrStdout()
	if len(entities) == 0 {
		fmt.Fprintf(out, "No entities in %s.\n", collection)
		return nil
	}

	fmt.Fprintf(out, "%s (%d entities):\n\n", collection, len(entities))
	for _, e := range entities {
		fmt.Fprintf(out, "[%s] %s\n", stateStyle(string(e.State)), e.ID)
		fmt.Fprintf(out, "    %s\n", formatPayload(e.Payload))
		if e.LastError != "" {
			printMuted(out, "    last error: %s", e.LastError)
		}
	}
	return nil
}

// formatPayload renders a payload as sorted key=value pairs.
func formatPayload(p map[string]any) string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, p[k])
	}
	return strings.Join(parts, " ")
}

// outputMutateResult prints the outcome of put or delete.
func outputMutateResult(cmd *cobra.Command, verb string, res tether.MutateResult) error {
	if outputJSON {
		return outputAsJSON(cmd, res)
	}
	out := cmd.OutOrStdout()
	if res.SyncPending {
		printWarning(out, "%s %s locally; remote confirmation pending", verb, res.ID)
		return nil
	}
	printSuccess(out, "%s %s", verb, res.ID)
	return nil
}

// outputPendingOps prints queued operations.
func outputPendingOps(cmd *cobra.Command, ops []tether.PendingOp) error {
	if outputJSON {
		if ops == nil {
			ops = []tether.PendingOp{}
		}
		return outputAsJSON(cmd, ops)
	}

	out := cmd.OutOrStdout()
	if len(ops) == 0 {
		fmt.Fprintln(out, "Queue is empty.")
		return nil
	}

	fmt.Fprintf(out, "Pending operations (%d):\n\n", len(ops))
	for _, op := range ops {
		marker := ""
		if op.DeadLettered {
			marker = " [dead-lettered]"
		}
		fmt.Fprintf(out, "%s %s %s/%s (retries: %d)%s\n",
			shortID(op.ID), op.Kind, op.Collection, op.EntityID, op.RetryCount, marker)
		if op.LastError != "" {
			printMuted(out, "    %s: %s", op.LastErrorKind, op.LastError)
		}
		if op.NextAttemptAt != nil && !op.DeadLettered {
			printMuted(out, "    next attempt in %s", time.Until(*op.NextAttemptAt).Round(time.Second))
		}
	}
	printMuted(out, "\nPass an operation ID or unique prefix to 'queue abandon' or 'queue requeue'.")
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// formatBytes formats a byte count as a human-readable string.
func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
