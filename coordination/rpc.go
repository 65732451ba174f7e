package coordination

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/hexonal/splitmind/log"
)

// serverInstructions is surfaced to the agent as part of the MCP server's
// capability description.
const serverInstructions = `This server coordinates multiple agents working in parallel worktrees of
the same project. Register on startup, heartbeat regularly, announce file
changes before editing, release locks when done, and report task
completion through mark_task_completed rather than any other channel.`

// Server exposes the Store's operations as MCP tools, grouped into tiers
// the way mcp/server.go groups hivemind's tools: every tool below is
// always-on (coordination is mandatory, not opt-in tiered behavior), so
// there is a single registration pass rather than tier gating.
type Server struct {
	mcp       *mcpserver.MCPServer
	store     *Store
	projectID string
}

// NewServer constructs the coordination MCP server for one project. Each
// supervised session gets its own stdio server instance, the session's
// identity supplied per-call by the agent (the tool surface is project-
// scoped, not session-bound, since one store serves every session).
func NewServer(store *Store, projectID string) *Server {
	s := &Server{
		mcp:       mcpserver.NewMCPServer("splitmind-coordination", "0.1.0", mcpserver.WithInstructions(serverInstructions)),
		store:     store,
		projectID: projectID,
	}
	s.registerTools()
	return s
}

// Serve blocks, speaking MCP over stdio — the coordination_endpoint binding
// named in SPEC_FULL §10.3/§11 ("stdio" being the default transport).
func (s *Server) Serve() error {
	return mcpserver.ServeStdio(s.mcp)
}

// envelope is the uniform {status, message, data} response shape for every
// tool in the operation table (§4.2).
type envelope struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func ok(data any, format string, args ...any) *gomcp.CallToolResult {
	payload, _ := json.MarshalIndent(envelope{Status: "success", Message: fmt.Sprintf(format, args...), Data: data}, "", "  ")
	return gomcp.NewToolResultText(string(payload))
}

func fail(err error) *gomcp.CallToolResult {
	return failWith(nil, "%s", err.Error())
}

func failWith(data any, format string, args ...any) *gomcp.CallToolResult {
	payload, _ := json.MarshalIndent(envelope{Status: "error", Message: fmt.Sprintf(format, args...), Data: data}, "", "  ")
	return gomcp.NewToolResultError(string(payload))
}

func (s *Server) registerTools() {
	s.addTool("register_agent",
		"Register this session as an active agent on a task. Must be called once at startup.",
		gomcp.WithString("session_name", gomcp.Required()),
		gomcp.WithString("task_id", gomcp.Required()),
		gomcp.WithString("branch", gomcp.Required()),
		gomcp.WithString("description"),
	)(s.handleRegisterAgent)

	s.addTool("unregister_agent",
		"Deregister this session, releasing its locks, todos, and inbox.",
		gomcp.WithString("session_name", gomcp.Required()),
	)(s.handleUnregisterAgent)

	s.addTool("heartbeat",
		"Signal liveness and renew this session's file lock TTLs. Call periodically.",
		gomcp.WithString("session_name", gomcp.Required()),
	)(s.handleHeartbeat)

	s.addTool("list_active_agents",
		"List every agent whose heartbeat is within the liveness window.",
	)(s.handleListActiveAgents)

	s.addTool("add_todo",
		"Append an item to this session's todo list.",
		gomcp.WithString("session_name", gomcp.Required()),
		gomcp.WithString("text", gomcp.Required()),
		gomcp.WithNumber("priority"),
	)(s.handleAddTodo)

	s.addTool("update_todo",
		"Update the status of one of this session's todos.",
		gomcp.WithNumber("todo_id", gomcp.Required()),
		gomcp.WithString("status", gomcp.Required()),
	)(s.handleUpdateTodo)

	s.addTool("get_my_todos",
		"List this session's todos, ordered by priority.",
		gomcp.WithString("session_name", gomcp.Required()),
	)(s.handleGetMyTodos)

	s.addTool("announce_file_change",
		"Claim an exclusive lock on a file before editing it. Fails if another live session holds it.",
		gomcp.WithString("session_name", gomcp.Required()),
		gomcp.WithString("file_path", gomcp.Required()),
		gomcp.WithString("operation", gomcp.Required()),
		gomcp.WithString("description"),
	)(s.handleAnnounceFileChange)

	s.addTool("release_file_lock",
		"Release a file lock this session holds. No-op if not the holder.",
		gomcp.WithString("session_name", gomcp.Required()),
		gomcp.WithString("file_path", gomcp.Required()),
	)(s.handleReleaseFileLock)

	s.addTool("register_interface",
		"Publish a shared interface/contract definition other agents can query.",
		gomcp.WithString("session_name", gomcp.Required()),
		gomcp.WithString("name", gomcp.Required()),
		gomcp.WithString("definition", gomcp.Required()),
	)(s.handleRegisterInterface)

	s.addTool("query_interface",
		"Fetch a previously registered interface definition by name.",
		gomcp.WithString("name", gomcp.Required()),
	)(s.handleQueryInterface)

	s.addTool("list_interfaces",
		"List every interface registered for this project.",
	)(s.handleListInterfaces)

	s.addTool("query_agent",
		"Send a message to another session's inbox, optionally expecting a reply.",
		gomcp.WithString("session_name", gomcp.Required()),
		gomcp.WithString("recipient_session", gomcp.Required()),
		gomcp.WithString("body", gomcp.Required()),
		gomcp.WithString("type"),
	)(s.handleQueryAgent)

	s.addTool("check_messages",
		"Drain and return this session's pending inbox messages.",
		gomcp.WithString("session_name", gomcp.Required()),
	)(s.handleCheckMessages)

	s.addTool("respond_to_query",
		"Reply to a message, correlating back to the original sender.",
		gomcp.WithString("session_name", gomcp.Required()),
		gomcp.WithString("recipient_session", gomcp.Required()),
		gomcp.WithString("body", gomcp.Required()),
		gomcp.WithString("correlation_id", gomcp.Required()),
	)(s.handleRespondToQuery)

	s.addTool("mark_task_completed",
		"Authoritatively report that this session's task is complete, ready for merge.",
		gomcp.WithString("session_name", gomcp.Required()),
		gomcp.WithString("task_id", gomcp.Required()),
	)(s.handleMarkTaskCompleted)

	s.addTool("coordination_stats",
		"Return aggregate coordination counts for this project (active agents, open locks, pending messages, interfaces).",
	)(s.handleCoordinationStats)
}

// addTool mirrors mcp/server.go's registration idiom: build the tool
// descriptor from name/description/options, return a function that takes
// the handler and wires it in.
func (s *Server) addTool(name, description string, opts ...gomcp.ToolOption) func(mcpserver.ToolHandlerFunc) {
	tool := gomcp.NewTool(name, append([]gomcp.ToolOption{gomcp.WithDescription(description)}, opts...)...)
	return func(handler mcpserver.ToolHandlerFunc) {
		s.mcp.AddTool(tool, handler)
	}
}

func (s *Server) handleRegisterAgent(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	rec := AgentRecord{
		ProjectID:   s.projectID,
		SessionName: req.GetString("session_name", ""),
		TaskID:      req.GetString("task_id", ""),
		Branch:      req.GetString("branch", ""),
		Description: req.GetString("description", ""),
	}
	if err := s.store.RegisterAgent(ctx, rec); err != nil {
		return fail(err), nil
	}
	log.InfoLog.Printf("coordination: registered agent %s (task %s)", rec.SessionName, rec.TaskID)
	return ok(rec, "registered %s", rec.SessionName), nil
}

func (s *Server) handleUnregisterAgent(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	session := req.GetString("session_name", "")
	if err := s.store.UnregisterAgent(ctx, s.projectID, session); err != nil {
		return fail(err), nil
	}
	return ok(nil, "unregistered %s", session), nil
}

func (s *Server) handleHeartbeat(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	session := req.GetString("session_name", "")
	if err := s.store.Heartbeat(ctx, s.projectID, session); err != nil {
		return fail(err), nil
	}
	return ok(nil, "heartbeat recorded"), nil
}

func (s *Server) handleListActiveAgents(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	agents, err := s.store.ListActiveAgents(ctx, s.projectID)
	if err != nil {
		return fail(err), nil
	}
	return ok(agents, "%d active agents", len(agents)), nil
}

func (s *Server) handleAddTodo(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	t := Todo{
		ProjectID:   s.projectID,
		SessionName: req.GetString("session_name", ""),
		Text:        req.GetString("text", ""),
		Priority:    int(getFloatParam(req, "priority", 10)),
	}
	id, err := s.store.AddTodo(ctx, t)
	if err != nil {
		return fail(err), nil
	}
	return ok(map[string]int64{"todo_id": id}, "todo added"), nil
}

func (s *Server) handleUpdateTodo(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	id := int64(getFloatParam(req, "todo_id", 0))
	status := req.GetString("status", "")
	if err := s.store.UpdateTodo(ctx, s.projectID, id, status); err != nil {
		return fail(err), nil
	}
	return ok(nil, "todo %d -> %s", id, status), nil
}

func (s *Server) handleGetMyTodos(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	session := req.GetString("session_name", "")
	todos, err := s.store.GetMyTodos(ctx, s.projectID, session)
	if err != nil {
		return fail(err), nil
	}
	return ok(todos, "%d todos", len(todos)), nil
}

func (s *Server) handleAnnounceFileChange(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	lock := FileLock{
		ProjectID:   s.projectID,
		FilePath:    req.GetString("file_path", ""),
		SessionName: req.GetString("session_name", ""),
		Operation:   req.GetString("operation", ""),
		Description: req.GetString("description", ""),
	}
	holder, err := s.store.AnnounceFileChange(ctx, lock)
	if errors.Is(err, ErrAlreadyLocked) {
		return failWith(map[string]string{"locked_by": holder}, "locked by %s", holder), nil
	}
	if err != nil {
		return fail(err), nil
	}
	return ok(nil, "lock acquired on %s", lock.FilePath), nil
}

func (s *Server) handleReleaseFileLock(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	session := req.GetString("session_name", "")
	path := req.GetString("file_path", "")
	if err := s.store.ReleaseFileLock(ctx, s.projectID, session, path); err != nil {
		return fail(err), nil
	}
	return ok(nil, "lock released on %s", path), nil
}

func (s *Server) handleRegisterInterface(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	iface := Interface{
		ProjectID:     s.projectID,
		Name:          req.GetString("name", ""),
		Definition:    req.GetString("definition", ""),
		AuthorSession: req.GetString("session_name", ""),
	}
	existing, err := s.store.RegisterInterface(ctx, iface)
	if errors.Is(err, ErrInterfaceConflict) {
		return failWith(existing, "interface %s already owned by %s", iface.Name, existing.AuthorSession), nil
	}
	if err != nil {
		return fail(err), nil
	}
	return ok(nil, "interface %s registered", iface.Name), nil
}

func (s *Server) handleQueryInterface(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	name := req.GetString("name", "")
	iface, err := s.store.QueryInterface(ctx, s.projectID, name)
	if err != nil {
		return fail(fmt.Errorf("interface %q not found: %w", name, err)), nil
	}
	return ok(iface, "interface %s", name), nil
}

func (s *Server) handleListInterfaces(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	ifaces, err := s.store.ListInterfaces(ctx, s.projectID)
	if err != nil {
		return fail(err), nil
	}
	return ok(ifaces, "%d interfaces", len(ifaces)), nil
}

func (s *Server) handleQueryAgent(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	msgType := req.GetString("type", "query")
	m := Message{
		ProjectID:        s.projectID,
		RecipientSession: req.GetString("recipient_session", ""),
		SenderSession:    req.GetString("session_name", ""),
		Type:             msgType,
		Body:             req.GetString("body", ""),
	}
	if err := s.store.SendMessage(ctx, m); err != nil {
		return fail(err), nil
	}
	return ok(nil, "message sent to %s", m.RecipientSession), nil
}

func (s *Server) handleCheckMessages(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	session := req.GetString("session_name", "")
	msgs, err := s.store.CheckMessages(ctx, s.projectID, session)
	if err != nil {
		return fail(err), nil
	}
	return ok(msgs, "%d messages", len(msgs)), nil
}

func (s *Server) handleRespondToQuery(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	m := Message{
		ProjectID:        s.projectID,
		RecipientSession: req.GetString("recipient_session", ""),
		SenderSession:    req.GetString("session_name", ""),
		Type:             "reply",
		Body:             req.GetString("body", ""),
		CorrelationID:    req.GetString("correlation_id", ""),
	}
	if err := s.store.SendMessage(ctx, m); err != nil {
		return fail(err), nil
	}
	return ok(nil, "reply sent to %s", m.RecipientSession), nil
}

func (s *Server) handleMarkTaskCompleted(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	n := CompletionNotice{
		ProjectID:   s.projectID,
		TaskID:      req.GetString("task_id", ""),
		SessionName: req.GetString("session_name", ""),
	}
	if err := s.store.MarkTaskCompleted(ctx, n); err != nil {
		return fail(err), nil
	}
	log.InfoLog.Printf("coordination: %s reported task %s complete", n.SessionName, n.TaskID)
	return ok(nil, "task %s marked completed", n.TaskID), nil
}

func (s *Server) handleCoordinationStats(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	stats, err := s.store.CoordinationStats(ctx, s.projectID)
	if err != nil {
		return fail(err), nil
	}
	return ok(stats, "stats"), nil
}

// getFloatParam extracts a numeric argument, tolerating the float64 decode
// every JSON-RPC number arrives as — mirrors mcp/tools.go's helper of the
// same name.
func getFloatParam(req gomcp.CallToolRequest, name string, def float64) float64 {
	args := req.GetArguments()
	if v, ok := args[name]; ok {
		if f, ok := v.(float64); ok {
			return f
		}
	}
	return def
}
