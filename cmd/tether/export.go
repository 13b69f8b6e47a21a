package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hyperengineering/tether"
	"github.com/spf13/cobra"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the local store to a JSON file",
	Long: `Export every collection, including unconfirmed changes and pending
deletes, to a JSON backup file. The export is streamed.`,
	Example: `  tether export -o backup.json
  tether export -o backups/crm.json --store org/crm`,
	Args: cobra.NoArgs,
	RunE: runExport,
}

var exportOutputPath string

func init() {
	exportCmd.Flags().StringVarP(&exportOutputPath, "output", "o", "", "Output file path (required)")
	_ = exportCmd.MarkFlagRequired("output")
}

// ExportResult for JSON output.
type ExportResult struct {
	StoreID     string `json:"store_id"`
	Collections int    `json:"collections"`
	Entities    int    `json:"entities"`
	Pending     int    `json:"pending"`
	FilePath    string `json:"file_path"`
	FileSize    int64  `json:"file_size"`
	Duration    string `json:"duration"`
}

func runExport(cmd *cobra.Command, args []string) error {
	engine, err := openEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	out := cmd.OutOrStdout()
	cfg := loadConfig()
	if !outputJSON {
		printInfo(out, "Exporting store '%s' to %s...", cfg.Store, exportOutputPath)
	}

	start := time.Now()
	size, err := exportToFile(cmd.Context(), engine, exportOutputPath)
	if err != nil {
		return fmt.Errorf("export failed: %w", err)
	}
	duration := time.Since(start)

	result := ExportResult{
		StoreID:     cfg.Store,
		Collections: len(engine.Collections()),
		FilePath:    exportOutputPath,
		FileSize:    size,
		Duration:    duration.Round(time.Millisecond).String(),
	}
	for _, s := range engine.Status() {
		result.Entities += s.Entities
		result.Pending += s.Queued
	}

	if outputJSON {
		return outputAsJSON(cmd, result)
	}

	var summary strings.Builder
	fmt.Fprintf(&summary, "Collections: %d\n", result.Collections)
	fmt.Fprintf(&summary, "Entities:    %d\n", result.Entities)
	fmt.Fprintf(&summary, "Pending:     %d\n", result.Pending)
	fmt.Fprintf(&summary, "File size:   %s\n", formatBytes(size))
	fmt.Fprintf(&summary, "Duration:    %s\n", duration.Round(time.Millisecond))
	fmt.Fprintf(&summary, "Output:      %s", exportOutputPath)

	fmt.Fprintln(out, renderPanel("Export Summary", summary.String()))
	printSuccess(out, "Export complete")
	return nil
}

// ensureParentDir creates the parent directory of path if it doesn't exist.
func ensureParentDir(path string) error {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create output directory: %w", err)
		}
	}
	return nil
}

// exportToFile streams the export to destPath and returns the file size.
// A partial file is removed on failure.
func exportToFile(ctx context.Context, engine *tether.Engine, destPath string) (int64, error) {
	if err := ensureParentDir(destPath); err != nil {
		return 0, err
	}

	f, err := os.Create(destPath)
	if err != nil {
		return 0, fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	if err := engine.ExportJSON(ctx, f); err != nil {
		_ = os.Remove(destPath)
		return 0, err
	}
	if err := f.Sync(); err != nil {
		return 0, fmt.Errorf("sync file: %w", err)
	}

	fi, err := f.Stat()
	if err != nil {
		return 0, nil
	}
	return fi.Size(), nil
}
