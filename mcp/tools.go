// Package mcp exposes the Tether engine to coding agents over the Model
// Context Protocol.
//
// Two integration styles are offered:
//
//  1. NewServer returns a complete MCP server using mcp-go with stdio
//     transport. Prefer this.
//  2. RegisterTools registers the same tools with a caller-supplied
//     Registry, for agent frameworks that already run their own MCP
//     infrastructure.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hyperengineering/tether"
)

// Registry is an interface for MCP tool registration.
type Registry interface {
	Register(tool Tool)
}

// Tool represents an MCP tool definition.
type Tool struct {
	Name        string
	Description string
	Parameters  Schema
	Handler     Handler
}

// Schema defines the JSON schema for tool parameters.
type Schema map[string]ParameterDef

// ParameterDef defines a single parameter.
type ParameterDef struct {
	Type        string      `json:"type"`
	Description string      `json:"description,omitempty"`
	Required    bool        `json:"required,omitempty"`
	Default     interface{} `json:"default,omitempty"`
	Enum        []string    `json:"enum,omitempty"`
}

// Handler is a function that handles tool invocations.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

var toolParams = map[string]Schema{
	"tether_list": {
		"collection": {Type: "string", Description: "Collection name", Required: true},
		"state":      {Type: "string", Description: "Only entities in this sync state", Enum: []string{"local", "syncing", "synced", "failed"}},
	},
	"tether_get": {
		"collection": {Type: "string", Description: "Collection name"},
		"id":         {Type: "string", Description: "Entity ID or session reference", Required: true},
	},
	"tether_mutate": {
		"collection": {Type: "string", Description: "Collection name"},
		"kind":       {Type: "string", Description: "Mutation kind", Required: true, Enum: []string{"insert", "update", "delete"}},
		"id":         {Type: "string", Description: "Entity ID or session reference"},
		"payload":    {Type: "object", Description: "Fields to set"},
	},
	"tether_sync": {
		"mode": {Type: "string", Description: "full or push", Default: "full", Enum: []string{"full", "push"}},
	},
	"tether_status": {
		"health": {Type: "boolean", Description: "Include a health check", Default: false},
	},
	"tether_queue": {
		"collection": {Type: "string", Description: "Collection name; all when empty"},
		"dead_only":  {Type: "boolean", Description: "Only dead-lettered operations", Default: false},
	},
	"tether_abandon": {
		"collection": {Type: "string", Description: "Collection name", Required: true},
		"op_id":      {Type: "string", Description: "Operation ID or unique prefix", Required: true},
	},
	"tether_requeue": {
		"collection": {Type: "string", Description: "Collection name", Required: true},
		"op_id":      {Type: "string", Description: "Operation ID or unique prefix", Required: true},
	},
}

// RegisterTools registers the Tether tools with an MCP registry. Handlers
// return the tool's text output; a tool-level failure is returned as an
// error.
func RegisterTools(registry Registry, engine *tether.Engine) {
	s := NewServer(engine)
	handlers := s.handlers()
	for _, info := range toolInfos {
		registry.Register(Tool{
			Name:        info.Name,
			Description: info.Description,
			Parameters:  toolParams[info.Name],
			Handler:     makeHandler(handlers[info.Name]),
		})
	}
}

func makeHandler(h toolHandler) Handler {
	return func(ctx context.Context, rawParams json.RawMessage) (interface{}, error) {
		args := map[string]any{}
		if len(rawParams) > 0 {
			if err := json.Unmarshal(rawParams, &args); err != nil {
				return nil, fmt.Errorf("parse params: %w", err)
			}
		}
		result, err := h(ctx, args)
		if err != nil {
			return nil, err
		}
		if result.IsError {
			return nil, errors.New(result.Content)
		}
		return result.Content, nil
	}
}
