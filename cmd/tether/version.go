package main

import (
	"fmt"
	"runtime"

	"github.com/hyperengineering/tether"
	"github.com/spf13/cobra"
)

// Set via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type versionInfo struct {
	Version      string `json:"version"`
	Commit       string `json:"commit"`
	Date         string `json:"date"`
	ExportFormat string `json:"export_format"`
	Go           string `json:"go"`
	Platform     string `json:"platform"`
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE:  runVersion,
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func runVersion(cmd *cobra.Command, args []string) error {
	info := versionInfo{
		Version:      version,
		Commit:       commit,
		Date:         date,
		ExportFormat: tether.ExportVersion,
		Go:           runtime.Version(),
		Platform:     runtime.GOOS + "/" + runtime.GOARCH,
	}
	if outputJSON {
		return outputAsJSON(cmd, info)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "tether %s\n", info.Version)
	fmt.Fprintf(out, "  commit:        %s\n", info.Commit)
	fmt.Fprintf(out, "  built:         %s\n", info.Date)
	fmt.Fprintf(out, "  export format: %s\n", info.ExportFormat)
	fmt.Fprintf(out, "  go:            %s (%s)\n", info.Go, info.Platform)
	return nil
}
