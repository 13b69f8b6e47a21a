package main

import (
	"github.com/hyperengineering/tether"
	"github.com/spf13/cobra"
)

var deleteCmd = &cobra.Command{
	Use:   "delete <collection> <id>",
	Short: "Delete an entity",
	Long: `Remove an entity from the local cache and queue its deletion remotely.

Deleting an entity that was never delivered cancels its queued insert.`,
	Example: `  tether delete clients srv-42`,
	Args:    cobra.ExactArgs(2),
	RunE:    runDelete,
}

func runDelete(cmd *cobra.Command, args []string) error {
	engine, err := openEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	res, err := engine.Mutate(cmd.Context(), tether.Operation{
		Collection: args[0],
		Kind:       tether.OpDelete,
		ID:         args[1],
	})
	if err != nil {
		return err
	}
	return outputMutateResult(cmd, "Deleted", res)
}
