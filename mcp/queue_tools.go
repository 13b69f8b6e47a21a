package mcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hyperengineering/tether"
)

// handleQueue handles the tether_queue tool call.
func (s *Server) handleQueue(ctx context.Context, args map[string]any) (*ToolResult, error) {
	ops, err := s.engine.PendingOps(stringArg(args, "collection"))
	if err != nil {
		return errorResult("queue failed: %v", err)
	}
	if deadOnly, _ := args["dead_only"].(bool); deadOnly {
		dead := ops[:0:0]
		for _, op := range ops {
			if op.DeadLettered {
				dead = append(dead, op)
			}
		}
		ops = dead
	}
	return &ToolResult{Content: formatQueue(ops)}, nil
}

// handleAbandon handles the tether_abandon tool call.
func (s *Server) handleAbandon(ctx context.Context, args map[string]any) (*ToolResult, error) {
	collection, id, res := s.resolveOp(args)
	if res != nil {
		return res, nil
	}
	op, err := s.engine.Abandon(collection, id)
	if err != nil {
		return errorResult("abandon failed: %v", err)
	}
	return &ToolResult{Content: fmt.Sprintf("Abandoned %s of %s/%s", op.Kind, op.Collection, op.EntityID)}, nil
}

// handleRequeue handles the tether_requeue tool call.
func (s *Server) handleRequeue(ctx context.Context, args map[string]any) (*ToolResult, error) {
	collection, id, res := s.resolveOp(args)
	if res != nil {
		return res, nil
	}
	op, err := s.engine.Requeue(collection, id)
	if err != nil {
		return errorResult("requeue failed: %v", err)
	}
	return &ToolResult{Content: fmt.Sprintf("Requeued %s of %s/%s", op.Kind, op.Collection, op.EntityID)}, nil
}

// resolveOp expands op_id, which may be a unique prefix. A non-nil
// ToolResult reports why it could not be resolved.
func (s *Server) resolveOp(args map[string]any) (string, string, *ToolResult) {
	collection := stringArg(args, "collection")
	ref := stringArg(args, "op_id")
	if collection == "" || ref == "" {
		return "", "", &ToolResult{Content: "collection and op_id are required", IsError: true}
	}

	ops, err := s.engine.PendingOps(collection)
	if err != nil {
		return "", "", &ToolResult{Content: err.Error(), IsError: true}
	}
	var matches []string
	for _, op := range ops {
		if op.ID == ref {
			return collection, ref, nil
		}
		if strings.HasPrefix(op.ID, ref) {
			matches = append(matches, op.ID)
		}
	}
	switch len(matches) {
	case 1:
		return collection, matches[0], nil
	case 0:
		return "", "", &ToolResult{Content: fmt.Sprintf("%v: %s", tether.ErrOpNotFound, ref), IsError: true}
	default:
		return "", "", &ToolResult{Content: fmt.Sprintf("op_id %q is ambiguous (%d matches)", ref, len(matches)), IsError: true}
	}
}

func formatQueue(ops []tether.PendingOp) string {
	if len(ops) == 0 {
		return "Queue is empty."
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Pending operations (%d):\n\n", len(ops))
	for _, op := range ops {
		fmt.Fprintf(&sb, "%s %s %s/%s retries=%d", op.ID, op.Kind, op.Collection, op.EntityID, op.RetryCount)
		if op.DeadLettered {
			sb.WriteString(" dead-lettered")
		}
		sb.WriteString("\n")
		if op.LastError != "" {
			fmt.Fprintf(&sb, "    %s: %s\n", op.LastErrorKind, op.LastError)
		}
		if op.NextAttemptAt != nil && !op.DeadLettered {
			fmt.Fprintf(&sb, "    next attempt: %s\n", op.NextAttemptAt.Format(time.RFC3339))
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}
