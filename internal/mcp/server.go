package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/acpx-sh/acpx/internal/eventlog"
	"github.com/acpx-sh/acpx/internal/models"
	"github.com/acpx-sh/acpx/internal/oplog"
	"github.com/acpx-sh/acpx/internal/registry"
)

// Server wraps the session registry and exposes it as MCP tools, so other
// agents can inspect and manage recorded sessions.
type Server struct {
	reg *registry.Registry
	ops *oplog.Store
}

// NewServer creates the MCP server wrapper. ops may be nil when no operation
// log is configured; the ops tool then reports it as unavailable.
func NewServer(reg *registry.Registry, ops *oplog.Store) *Server {
	return &Server{reg: reg, ops: ops}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("acpx", "1.0.0", server.WithToolCapabilities(true))

	srv.AddTool(s.listSessionsTool())
	srv.AddTool(s.resolveSessionTool())
	srv.AddTool(s.transcriptTool())
	srv.AddTool(s.tailLogTool())
	srv.AddTool(s.sessionOpsTool())
	srv.AddTool(s.closeSessionTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// sessionOut is the summary shape shared by the list and resolve tools.
type sessionOut struct {
	RecordID          string `json:"record_id"`
	ProtocolSessionID string `json:"protocol_session_id,omitempty"`
	Name              string `json:"name,omitempty"`
	State             string `json:"state"`
	AgentCmd          string `json:"agent_cmd"`
	Cwd               string `json:"cwd"`
	Title             string `json:"title,omitempty"`
	PID               int    `json:"pid,omitempty"`
	CreatedAt         string `json:"created_at"`
	LastUsedAt        string `json:"last_used_at"`
}

func (s *Server) summarize(rec *models.SessionRecord) sessionOut {
	return sessionOut{
		RecordID:          rec.RecordID,
		ProtocolSessionID: rec.ProtocolSessionID,
		Name:              rec.Name,
		State:             string(s.reg.State(rec)),
		AgentCmd:          rec.AgentCmd,
		Cwd:               rec.Cwd,
		Title:             rec.Transcript.Title,
		PID:               rec.PID,
		CreatedAt:         rec.CreatedAt.Format(time.RFC3339),
		LastUsedAt:        rec.LastUsedAt.Format(time.RFC3339),
	}
}

// resolveError renders NotFound and Ambiguous resolution failures with
// enough detail for the caller to pick a different reference.
func resolveError(ref string, err error) *mcp.CallToolResult {
	var ambig *registry.AmbiguousError
	switch {
	case errors.As(err, &ambig):
		return mcp.NewToolResultError(fmt.Sprintf("session reference %q is ambiguous: matches %v", ref, ambig.Candidates))
	case errors.Is(err, registry.ErrNotFound):
		return mcp.NewToolResultError(fmt.Sprintf("no session found for %q", ref))
	default:
		return mcp.NewToolResultError(fmt.Sprintf("resolve session %q: %v", ref, err))
	}
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

// acpx_list_sessions
func (s *Server) listSessionsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("acpx_list_sessions",
		mcp.WithDescription("List recorded agent sessions, most recently used first. Returns a JSON array with record_id, state (live/idle/closed), agent_cmd, cwd, name, title, and timestamps."),
		mcp.WithString("agent", mcp.Description("Filter by agent command")),
	)
	return tool, s.handleListSessions
}

func (s *Server) handleListSessions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agent := request.GetString("agent", "")

	var (
		records []*models.SessionRecord
		err     error
	)
	if agent != "" {
		records, err = s.reg.ListForAgent(agent)
	} else {
		records, err = s.reg.List()
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list sessions: %v", err)), nil
	}

	out := make([]sessionOut, len(records))
	for i, rec := range records {
		out[i] = s.summarize(rec)
	}

	data, err := json.Marshal(out)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal sessions: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// acpx_resolve_session
func (s *Server) resolveSessionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("acpx_resolve_session",
		mcp.WithDescription("Resolve a session reference (full or suffix of a record id or protocol session id) to one record. Errors distinguish no match from an ambiguous match."),
		mcp.WithString("session", mcp.Required(), mcp.Description("Session reference")),
	)
	return tool, s.handleResolveSession
}

func (s *Server) handleResolveSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref, err := request.RequireString("session")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session"), nil
	}

	rec, err := s.reg.Resolve(ref)
	if err != nil {
		return resolveError(ref, err), nil
	}

	result := map[string]any{
		"session": s.summarize(rec),
		"counts": map[string]any{
			"messages":   len(rec.Transcript.Messages),
			"events":     len(rec.Projection.Events),
			"tool_calls": len(rec.Projection.ToolCalls),
		},
		"cumulative_token_usage": rec.Transcript.CumulativeUsage,
	}
	data, err := json.Marshal(result)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal session: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// acpx_transcript
func (s *Server) transcriptTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("acpx_transcript",
		mcp.WithDescription("Return the full conversation transcript of a session: user and agent messages, tool call entries, tool results, and token usage per user turn."),
		mcp.WithString("session", mcp.Required(), mcp.Description("Session reference")),
	)
	return tool, s.handleTranscript
}

func (s *Server) handleTranscript(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref, err := request.RequireString("session")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session"), nil
	}

	rec, err := s.reg.Resolve(ref)
	if err != nil {
		return resolveError(ref, err), nil
	}

	result := map[string]any{
		"record_id":              rec.RecordID,
		"title":                  rec.Transcript.Title,
		"messages":               rec.Transcript.Messages,
		"request_token_usage":    rec.Transcript.RequestUsage,
		"cumulative_token_usage": rec.Transcript.CumulativeUsage,
	}
	if rec.Transcript.UpdatedAt != nil {
		result["updated_at"] = rec.Transcript.UpdatedAt.Format(time.RFC3339)
	}

	data, err := json.Marshal(result)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal transcript: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// acpx_tail_log
func (s *Server) tailLogTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("acpx_tail_log",
		mcp.WithDescription("Tail the append-only event log of a session. Returns the last N raw protocol events as JSON."),
		mcp.WithString("session", mcp.Required(), mcp.Description("Session reference")),
		mcp.WithNumber("count", mcp.Description("Number of events to return (default 50)")),
	)
	return tool, s.handleTailLog
}

func (s *Server) handleTailLog(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref, err := request.RequireString("session")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session"), nil
	}
	count := request.GetInt("count", 50)

	rec, err := s.reg.Resolve(ref)
	if err != nil {
		return resolveError(ref, err), nil
	}

	events := eventlog.Tail(rec.EventLog, count)
	if events == nil {
		events = []eventlog.Event{}
	}

	data, err := json.Marshal(events)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal events: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// acpx_session_ops
func (s *Server) sessionOpsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("acpx_session_ops",
		mcp.WithDescription("List the audited filesystem operations a session's agent performed through the proxy, newest first."),
		mcp.WithString("session", mcp.Required(), mcp.Description("Session reference")),
		mcp.WithNumber("limit", mcp.Description("Maximum rows to return (default 200)")),
	)
	return tool, s.handleSessionOps
}

func (s *Server) handleSessionOps(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref, err := request.RequireString("session")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session"), nil
	}
	if s.ops == nil {
		return mcp.NewToolResultError("operation log is not configured"), nil
	}
	limit := request.GetInt("limit", 200)

	rec, err := s.reg.Resolve(ref)
	if err != nil {
		return resolveError(ref, err), nil
	}

	entries, err := s.ops.ListForRecord(ctx, rec.RecordID, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list operations: %v", err)), nil
	}

	type opOut struct {
		Method  string `json:"method"`
		Path    string `json:"path"`
		Outcome string `json:"outcome"`
		Detail  string `json:"detail,omitempty"`
		At      string `json:"at"`
	}
	out := make([]opOut, len(entries))
	for i, e := range entries {
		out[i] = opOut{
			Method:  e.Method,
			Path:    e.Path,
			Outcome: string(e.Outcome),
			Detail:  e.Detail,
			At:      e.At.Format(time.RFC3339),
		}
	}

	data, err := json.Marshal(out)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal operations: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// acpx_close_session
func (s *Server) closeSessionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("acpx_close_session",
		mcp.WithDescription("Close a session: best-effort terminate its tracked process and mark the record closed. Idempotent."),
		mcp.WithString("session", mcp.Required(), mcp.Description("Session reference")),
		mcp.WithString("signal", mcp.Description("Termination signal name (default SIGTERM)")),
	)
	return tool, s.handleCloseSession
}

func (s *Server) handleCloseSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref, err := request.RequireString("session")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session"), nil
	}
	signal := request.GetString("signal", "SIGTERM")

	rec, err := s.reg.Close(ctx, ref, signal)
	if err != nil {
		return resolveError(ref, err), nil
	}

	data, err := json.Marshal(s.summarize(rec))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal session: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
