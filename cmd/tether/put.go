package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hyperengineering/tether"
	"github.com/spf13/cobra"
)

var putCmd = &cobra.Command{
	Use:   "put <collection> [id]",
	Short: "Insert or update an entity",
	Long: `Insert a new entity, or update fields of an existing one when an ID is given.

The change is applied to the local cache immediately and delivered to the
remote store once. If delivery fails it stays queued for the next sync.

Values given with --set are parsed as JSON when possible and kept as
strings otherwise.`,
	Example: `  tether put clients --set name="Acme Corp" --set tier=3
  tether put clients srv-42 --set active=false
  tether put contacts --data '{"email":"ada@acme.test","client_id":"srv-42"}'`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runPut,
}

var (
	putSet  []string
	putData string
)

func init() {
	putCmd.Flags().StringArrayVar(&putSet, "set", nil, "Field assignment key=value (repeatable)")
	putCmd.Flags().StringVar(&putData, "data", "", "Payload as a JSON object")
}

func runPut(cmd *cobra.Command, args []string) error {
	payload, err := buildPayload(putData, putSet)
	if err != nil {
		return err
	}

	op := tether.Operation{Collection: args[0], Kind: tether.OpInsert, Payload: payload}
	verb := "Inserted"
	if len(args) == 2 {
		op.Kind = tether.OpUpdate
		op.ID = args[1]
		verb = "Updated"
		if len(payload) == 0 {
			return fmt.Errorf("nothing to update: use --set or --data")
		}
	}

	engine, err := openEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	res, err := engine.Mutate(cmd.Context(), op)
	if err != nil {
		return err
	}
	return outputMutateResult(cmd, verb, res)
}

// buildPayload merges a JSON object and key=value assignments, the latter
// taking precedence.
func buildPayload(data string, assignments []string) (map[string]any, error) {
	payload := make(map[string]any)
	if data != "" {
		if err := json.Unmarshal([]byte(data), &payload); err != nil {
			return nil, fmt.Errorf("parse --data: %w", err)
		}
	}
	for _, a := range assignments {
		key, raw, ok := strings.Cut(a, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --set %q: want key=value", a)
		}
		payload[key] = parseValue(raw)
	}
	return payload, nil
}

func parseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}
