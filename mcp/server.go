package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/hyperengineering/tether"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Server wraps the MCP server with Tether tools.
type Server struct {
	engine    *tether.Engine
	mcpServer *server.MCPServer
	session   *RefSession
}

// ToolResult represents the result of a tool call.
type ToolResult struct {
	Content string
	IsError bool
}

// ToolInfo represents a registered tool.
type ToolInfo struct {
	Name        string
	Description string
}

var toolInfos = []ToolInfo{
	{Name: "tether_list", Description: "List the cached entities of a collection with session references (E1, E2, ...)"},
	{Name: "tether_get", Description: "Show one entity by ID or session reference"},
	{Name: "tether_mutate", Description: "Insert, update or delete an entity; applied locally at once and delivered to the remote store"},
	{Name: "tether_sync", Description: "Pull remote state and deliver pending changes"},
	{Name: "tether_status", Description: "Report sync status per collection"},
	{Name: "tether_queue", Description: "List operations waiting for delivery"},
	{Name: "tether_abandon", Description: "Discard a pending operation"},
	{Name: "tether_requeue", Description: "Return a dead-lettered operation to normal retries"},
}

// NewServer creates a new MCP server with Tether tools registered.
func NewServer(engine *tether.Engine) *Server {
	s := &Server{
		engine:  engine,
		session: NewRefSession(),
	}
	s.mcpServer = server.NewMCPServer(
		"tether",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	s.registerTools()
	return s
}

// Run serves MCP over stdin and stdout.
func (s *Server) Run() error {
	return server.ServeStdio(s.mcpServer)
}

// HandleMessage processes a raw JSON-RPC message and returns a response.
func (s *Server) HandleMessage(ctx context.Context, message json.RawMessage) mcp.JSONRPCMessage {
	return s.mcpServer.HandleMessage(ctx, message)
}

// ListTools returns all registered tools.
func (s *Server) ListTools() []ToolInfo {
	return append([]ToolInfo(nil), toolInfos...)
}

// CallTool executes a tool by name with the given arguments.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	h, ok := s.handlers()[name]
	if !ok {
		return &ToolResult{Content: fmt.Sprintf("unknown tool: %s", name), IsError: true}, nil
	}
	return h(ctx, args)
}

type toolHandler func(ctx context.Context, args map[string]any) (*ToolResult, error)

func (s *Server) handlers() map[string]toolHandler {
	return map[string]toolHandler{
		"tether_list":    s.handleList,
		"tether_get":     s.handleGet,
		"tether_mutate":  s.handleMutate,
		"tether_sync":    s.handleSync,
		"tether_status":  s.handleStatus,
		"tether_queue":   s.handleQueue,
		"tether_abandon": s.handleAbandon,
		"tether_requeue": s.handleRequeue,
	}
}

func (s *Server) registerTools() {
	collections := strings.Join(s.engine.Collections(), ", ")
	collectionParam := func(required bool) mcp.ToolOption {
		opts := []mcp.PropertyOption{mcp.Description("Collection name (" + collections + ")")}
		if required {
			opts = append(opts, mcp.Required())
		}
		return mcp.WithString("collection", opts...)
	}

	s.add(mcp.NewTool("tether_list",
		mcp.WithDescription(toolInfos[0].Description+". Reads the local cache only."),
		collectionParam(true),
		mcp.WithString("state",
			mcp.Description("Only entities in this sync state"),
			mcp.Enum("local", "syncing", "synced", "failed"),
		),
	))

	s.add(mcp.NewTool("tether_get",
		mcp.WithDescription(toolInfos[1].Description),
		collectionParam(false),
		mcp.WithString("id",
			mcp.Description("Entity ID or session reference (E1, E2, ...)"),
			mcp.Required(),
		),
	))

	s.add(mcp.NewTool("tether_mutate",
		mcp.WithDescription(toolInfos[2].Description+". Updates change only the given fields."),
		collectionParam(false),
		mcp.WithString("kind",
			mcp.Description("Mutation kind"),
			mcp.Enum("insert", "update", "delete"),
			mcp.Required(),
		),
		mcp.WithString("id",
			mcp.Description("Entity ID or session reference; required for update and delete"),
		),
		mcp.WithObject("payload",
			mcp.Description("Fields to set"),
		),
	))

	s.add(mcp.NewTool("tether_sync",
		mcp.WithDescription(toolInfos[3].Description+". Requires a configured remote store."),
		mcp.WithString("mode",
			mcp.Description("full pulls and delivers (default); push only delivers, including dead-lettered operations"),
			mcp.Enum("full", "push"),
		),
	))

	s.add(mcp.NewTool("tether_status",
		mcp.WithDescription(toolInfos[4].Description),
		mcp.WithBoolean("health",
			mcp.Description("Include a health check of the store and remote"),
		),
	))

	s.add(mcp.NewTool("tether_queue",
		mcp.WithDescription(toolInfos[5].Description),
		collectionParam(false),
		mcp.WithBoolean("dead_only",
			mcp.Description("Only dead-lettered operations"),
		),
	))

	opParams := []mcp.ToolOption{
		collectionParam(true),
		mcp.WithString("op_id",
			mcp.Description("Operation ID or unique prefix from tether_queue"),
			mcp.Required(),
		),
	}
	s.add(mcp.NewTool("tether_abandon",
		append([]mcp.ToolOption{mcp.WithDescription(toolInfos[6].Description + ". An undelivered insert also removes the entity.")}, opParams...)...))
	s.add(mcp.NewTool("tether_requeue",
		append([]mcp.ToolOption{mcp.WithDescription(toolInfos[7].Description)}, opParams...)...))
}

// add registers tool with a handler adapting the MCP request.
func (s *Server) add(tool mcp.Tool) {
	h := s.handlers()[tool.Name]
	s.mcpServer.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		result, err := h(ctx, req.GetArguments())
		if err != nil {
			return nil, err
		}
		return toMCPResult(result), nil
	})
}

func toMCPResult(r *ToolResult) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: r.Content},
		},
		IsError: r.IsError,
	}
}

func errorResult(format string, args ...any) (*ToolResult, error) {
	return &ToolResult{Content: fmt.Sprintf(format, args...), IsError: true}, nil
}

// Internal handlers

func (s *Server) handleList(ctx context.Context, args map[string]any) (*ToolResult, error) {
	collection, _ := args["collection"].(string)
	if collection == "" {
		return errorResult("collection is required")
	}
	entities, err := s.engine.GetAll(collection)
	if err != nil {
		return errorResult("list failed: %v", err)
	}

	if state, _ := args["state"].(string); state != "" {
		filtered := entities[:0:0]
		for _, e := range entities {
			if string(e.State) == state {
				filtered = append(filtered, e)
			}
		}
		entities = filtered
	}

	if len(entities) == 0 {
		return &ToolResult{Content: fmt.Sprintf("No entities in %s.", collection)}, nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s (%d entities):\n\n", collection, len(entities))
	for _, e := range entities {
		ref := s.session.Track(collection, e.ID)
		sb.WriteString(formatEntityLine(ref, e))
	}
	sb.WriteString("\nUse session refs (E1, E2, ...) as ids with tether_get and tether_mutate.")
	return &ToolResult{Content: sb.String()}, nil
}

func (s *Server) handleGet(ctx context.Context, args map[string]any) (*ToolResult, error) {
	collection, id, err := s.resolveEntity(args)
	if err != nil {
		return errorResult("%v", err)
	}
	if id == "" {
		return errorResult("id is required")
	}

	e, err := s.engine.Get(collection, id)
	if err != nil {
		return errorResult("get failed: %v", err)
	}
	s.session.Alias(collection, id, e.ID)
	ref := s.session.Track(collection, e.ID)

	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return errorResult("encode entity: %v", err)
	}
	return &ToolResult{Content: fmt.Sprintf("[%s] %s/%s\n%s", ref, collection, e.ID, data)}, nil
}

func (s *Server) handleMutate(ctx context.Context, args map[string]any) (*ToolResult, error) {
	kind := tether.OpKind(stringArg(args, "kind"))
	if !kind.IsValid() {
		return errorResult("kind must be insert, update or delete")
	}

	collection, id, err := s.resolveEntity(args)
	if err != nil {
		return errorResult("%v", err)
	}
	if collection == "" {
		return errorResult("collection is required")
	}
	if kind != tether.OpInsert && id == "" {
		return errorResult("id is required for %s", kind)
	}

	payload, _ := args["payload"].(map[string]any)
	if kind == tether.OpUpdate && len(payload) == 0 {
		return errorResult("payload is required for update")
	}

	res, err := s.engine.Mutate(ctx, tether.Operation{
		Collection: collection,
		Kind:       kind,
		ID:         id,
		Payload:    payload,
	})
	if err != nil {
		return errorResult("%s failed: %v", kind, err)
	}

	ref := s.session.Track(collection, res.ID)
	if id != "" {
		s.session.Alias(collection, id, res.ID)
	}

	status := "confirmed by remote"
	if res.SyncPending {
		status = "sync pending"
	}
	return &ToolResult{Content: fmt.Sprintf("%s [%s] %s/%s (%s)", pastTense(kind), ref, collection, res.ID, status)}, nil
}

func (s *Server) handleSync(ctx context.Context, args map[string]any) (*ToolResult, error) {
	if s.engine.IsOffline() {
		return errorResult("sync unavailable: no remote store configured (offline mode)")
	}

	var sb strings.Builder
	var drain tether.DrainResult
	if stringArg(args, "mode") == "push" {
		res, err := s.engine.ForceSync(ctx)
		if err != nil {
			return errorResult("sync failed: %v", err)
		}
		drain = res
	} else {
		results, err := s.engine.Initialize(ctx)
		if err != nil {
			return errorResult("sync failed: %v", err)
		}
		for _, r := range results {
			if r.Offline {
				fmt.Fprintf(&sb, "%s: remote unreachable, serving local cache\n", r.Collection)
				continue
			}
			fmt.Fprintf(&sb, "%s: pulled %d (added %d, merged %d, dropped %d)\n",
				r.Collection, r.Pulled, r.Added, r.Merged, r.Dropped)
			drain.Add(r.Drain)
		}
	}

	fmt.Fprintf(&sb, "Delivered %d, failed %d, deferred %d, dead-lettered %d\n",
		drain.Succeeded, drain.Failed, drain.Deferred, drain.DeadLettered)
	fmt.Fprintf(&sb, "Unconfirmed changes: %d", s.engine.UnsyncedCount())
	return &ToolResult{Content: sb.String()}, nil
}

func (s *Server) handleStatus(ctx context.Context, args map[string]any) (*ToolResult, error) {
	var sb strings.Builder
	if s.engine.IsOffline() {
		sb.WriteString("Mode: offline\n\n")
	}
	for _, st := range s.engine.Status() {
		fmt.Fprintf(&sb, "%s: %d entities, %d unsynced, %d queued, %d dead-lettered\n",
			st.Collection, st.Entities, st.Unsynced, st.Queued, st.DeadLettered)
		if st.LastError != "" {
			fmt.Fprintf(&sb, "    last error: %s\n", st.LastError)
		}
	}

	if health, _ := args["health"].(bool); health {
		h := s.engine.HealthCheck(ctx)
		fmt.Fprintf(&sb, "\nHealthy: %v, store ok: %v, remote reachable: %v", h.Healthy, h.StoreOK, h.RemoteReachable)
		if len(h.OrphanedQueues) > 0 {
			fmt.Fprintf(&sb, "\nQueues without a collection: %s", strings.Join(h.OrphanedQueues, ", "))
		}
		if h.Error != "" {
			fmt.Fprintf(&sb, "\nError: %s", h.Error)
		}
	}
	return &ToolResult{Content: strings.TrimRight(sb.String(), "\n")}, nil
}

// resolveEntity reads collection and id, expanding a session reference.
func (s *Server) resolveEntity(args map[string]any) (collection, id string, err error) {
	collection = stringArg(args, "collection")
	id = stringArg(args, "id")
	ref, ok := s.session.Resolve(id)
	if !ok {
		return collection, id, nil
	}
	if collection != "" && collection != ref.Collection {
		return "", "", fmt.Errorf("%s refers to %s, not %s", id, ref.Collection, collection)
	}
	return ref.Collection, ref.ID, nil
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func pastTense(k tether.OpKind) string {
	switch k {
	case tether.OpInsert:
		return "Inserted"
	case tether.OpUpdate:
		return "Updated"
	default:
		return "Deleted"
	}
}

func formatEntityLine(ref string, e tether.Entity) string {
	line := fmt.Sprintf("[%s] %s (%s)\n    %s\n", ref, e.ID, e.State, formatPayload(e.Payload))
	if e.LastError != "" {
		line += "    last error: " + e.LastError + "\n"
	}
	return line
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
