package main

import (
	"fmt"
	"strings"

	"github.com/hyperengineering/tether"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list <collection>",
	Short: "List cached entities",
	Long:  `List the entities of a collection from the local cache. No network access is needed.`,
	Example: `  tether list clients
  tether list clients --state failed,local --json`,
	Args: cobra.ExactArgs(1),
	RunE: runList,
}

var listState string

func init() {
	listCmd.Flags().StringVar(&listState, "state", "", "Comma-separated sync states to include: local, syncing, synced, failed")
}

func runList(cmd *cobra.Command, args []string) error {
	engine, err := openEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	entities, err := engine.GetAll(args[0])
	if err != nil {
		return err
	}

	if listState != "" {
		want := make(map[tether.SyncState]bool)
		for _, s := range strings.Split(listState, ",") {
			state := tether.SyncState(strings.TrimSpace(s))
			switch state {
			case tether.StateLocal, tether.StateSyncing, tether.StateSynced, tether.StateFailed:
				want[state] = true
			default:
				return fmt.Errorf("invalid state %q", s)
			}
		}
		filtered := entities[:0:0]
		for _, e := range entities {
			if want[e.State] {
				filtered = append(filtered, e)
			}
		}
		entities = filtered
	}

	return outputEntities(cmd, args[0], entities)
}
