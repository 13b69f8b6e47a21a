package main

import (
	"fmt"
	"strings"

	"github.com/hyperengineering/tether"
	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage pending operations",
	Long: `Inspect and manage operations waiting for delivery to the remote store.

Subcommands:
  list     List pending operations
  abandon  Discard a pending operation
  requeue  Return a dead-lettered operation to normal retries`,
}

var queueListCmd = &cobra.Command{
	Use:   "list [collection]",
	Short: "List pending operations",
	Example: `  tether queue list
  tether queue list clients --dead`,
	Args: cobra.MaximumNArgs(1),
	RunE: runQueueList,
}

var queueAbandonCmd = &cobra.Command{
	Use:   "abandon <collection> <op-id>",
	Short: "Discard a pending operation",
	Long: `Discard a pending operation. Abandoning an insert that never reached the
remote store also removes the entity locally.

Requires --confirm.`,
	Example: `  tether queue abandon clients 3f2a --confirm`,
	Args:    cobra.ExactArgs(2),
	RunE:    runQueueAbandon,
}

var queueRequeueCmd = &cobra.Command{
	Use:     "requeue <collection> <op-id>",
	Short:   "Retry a dead-lettered operation",
	Example: `  tether queue requeue clients 3f2a`,
	Args:    cobra.ExactArgs(2),
	RunE:    runQueueRequeue,
}

var (
	queueDeadOnly       bool
	queueAbandonConfirm bool
)

func init() {
	queueListCmd.Flags().BoolVar(&queueDeadOnly, "dead", false, "Only dead-lettered operations")
	queueAbandonCmd.Flags().BoolVar(&queueAbandonConfirm, "confirm", false, "Confirm discarding (required)")

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueAbandonCmd)
	queueCmd.AddCommand(queueRequeueCmd)
}

func runQueueList(cmd *cobra.Command, args []string) error {
	engine, err := openEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	collection := ""
	if len(args) == 1 {
		collection = args[0]
	}
	ops, err := engine.PendingOps(collection)
	if err != nil {
		return err
	}
	if queueDeadOnly {
		dead := ops[:0:0]
		for _, op := range ops {
			if op.DeadLettered {
				dead = append(dead, op)
			}
		}
		ops = dead
	}
	return outputPendingOps(cmd, ops)
}

func runQueueAbandon(cmd *cobra.Command, args []string) error {
	if !queueAbandonConfirm {
		return fmt.Errorf("abandoning discards the change permanently: pass --confirm")
	}

	engine, err := openEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	id, err := resolveOpID(engine, args[0], args[1])
	if err != nil {
		return err
	}
	op, err := engine.Abandon(args[0], id)
	if err != nil {
		return err
	}

	if outputJSON {
		return outputAsJSON(cmd, op)
	}
	printSuccess(cmd.OutOrStdout(), "Abandoned %s %s/%s", op.Kind, op.Collection, op.EntityID)
	return nil
}

func runQueueRequeue(cmd *cobra.Command, args []string) error {
	engine, err := openEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	id, err := resolveOpID(engine, args[0], args[1])
	if err != nil {
		return err
	}
	op, err := engine.Requeue(args[0], id)
	if err != nil {
		return err
	}

	if outputJSON {
		return outputAsJSON(cmd, op)
	}
	printSuccess(cmd.OutOrStdout(), "Requeued %s %s/%s", op.Kind, op.Collection, op.EntityID)
	return nil
}

// resolveOpID expands an operation ID prefix to the full ID.
func resolveOpID(engine *tether.Engine, collection, ref string) (string, error) {
	ops, err := engine.PendingOps(collection)
	if err != nil {
		return "", err
	}

	var matches []string
	for _, op := range ops {
		if op.ID == ref {
			return ref, nil
		}
		if strings.HasPrefix(op.ID, ref) {
			matches = append(matches, op.ID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w: %s", tether.ErrOpNotFound, ref)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("operation prefix %q is ambiguous (%d matches)", ref, len(matches))
	}
}
