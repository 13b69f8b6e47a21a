package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hyperengineering/tether"
	"github.com/spf13/cobra"
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import entities from a JSON export",
	Long: `Import entities from an export file into the local store.

Imported entities are matched to existing ones by ID, client ID and
natural key. Changes are queued for delivery like local edits.

Merge strategies:
  skip    - Keep existing entities untouched
  replace - Replace existing payloads with imported ones
  merge   - Overlay imported fields on existing payloads (default)`,
	Example: `  tether import -i backup.json
  tether import -i backup.json --merge-strategy replace
  tether import -i backup.json --dry-run`,
	Args: cobra.NoArgs,
	RunE: runImport,
}

var (
	importInputPath     string
	importMergeStrategy string
	importDryRun        bool
)

func init() {
	importCmd.Flags().StringVarP(&importInputPath, "input", "i", "", "Input file path (required)")
	importCmd.Flags().StringVar(&importMergeStrategy, "merge-strategy", "merge", "Merge strategy: skip, replace, merge")
	importCmd.Flags().BoolVar(&importDryRun, "dry-run", false, "Preview import without making changes")
	_ = importCmd.MarkFlagRequired("input")
}

// ImportResultOutput for JSON output.
type ImportResultOutput struct {
	InputFile string `json:"input_file"`
	Strategy  string `json:"merge_strategy"`
	DryRun    bool   `json:"dry_run"`
	*tether.ImportResult
	Duration string `json:"duration"`
}

func runImport(cmd *cobra.Command, args []string) error {
	strategy := tether.MergeStrategy(strings.ToLower(importMergeStrategy))
	if !strategy.IsValid() {
		return fmt.Errorf("invalid merge strategy %q: must be 'skip', 'replace', or 'merge'", importMergeStrategy)
	}

	f, err := os.Open(importInputPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("input file not found: %s", importInputPath)
		}
		return fmt.Errorf("open input file: %w", err)
	}
	defer f.Close()

	engine, err := openEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	out := cmd.OutOrStdout()
	if !outputJSON {
		action := "Importing"
		if importDryRun {
			action = "Previewing import"
		}
		printInfo(out, "%s from %s...", action, importInputPath)
		fmt.Fprintf(out, "  Strategy: %s\n", strategy)
	}

	start := time.Now()
	result, err := engine.ImportJSON(cmd.Context(), f, strategy, importDryRun)
	if err != nil {
		return fmt.Errorf("import failed: %w", err)
	}
	duration := time.Since(start)

	if outputJSON {
		return outputAsJSON(cmd, ImportResultOutput{
			InputFile:    importInputPath,
			Strategy:     string(strategy),
			DryRun:       importDryRun,
			ImportResult: result,
			Duration:     duration.Round(time.Millisecond).String(),
		})
	}

	var summary strings.Builder
	fmt.Fprintf(&summary, "Total:    %d\n", result.Total)
	fmt.Fprintf(&summary, "Created:  %d\n", result.Created)
	fmt.Fprintf(&summary, "Merged:   %d\n", result.Merged)
	fmt.Fprintf(&summary, "Skipped:  %d\n", result.Skipped)
	fmt.Fprintf(&summary, "Queued:   %d\n", result.Queued)
	fmt.Fprintf(&summary, "Duration: %s", duration.Round(time.Millisecond))
	fmt.Fprintln(out, renderPanel("Import Summary", summary.String()))

	for _, msg := range result.Errors {
		printWarning(out, "%s", msg)
	}
	if importDryRun {
		printMuted(out, "Dry run: no changes were made.")
		return nil
	}
	printSuccess(out, "Import complete")
	return nil
}
