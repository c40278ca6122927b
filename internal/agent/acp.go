package agent

import (
	"context"
	"encoding/json"
	"strings"
)

// Methods the agent calls on us. Param structs below use the wire's
// camelCase keys; the snake_case policy governs persisted documents only.
const (
	MethodSessionUpdate     = "session/update"
	MethodReadTextFile      = "fs/read_text_file"
	MethodWriteTextFile     = "fs/write_text_file"
	MethodRequestPermission = "session/request_permission"
)

type FileSystemCapability struct {
	ReadTextFile  bool `json:"readTextFile"`
	WriteTextFile bool `json:"writeTextFile"`
}

type ClientCapabilities struct {
	FS FileSystemCapability `json:"fs"`
}

type InitializeParams struct {
	ProtocolVersion    int                `json:"protocolVersion"`
	ClientCapabilities ClientCapabilities `json:"clientCapabilities"`
}

type InitializeResult struct {
	ProtocolVersion   int             `json:"protocolVersion"`
	AgentCapabilities json.RawMessage `json:"agentCapabilities,omitempty"`
	AuthMethods       json.RawMessage `json:"authMethods,omitempty"`
}

// Initialize negotiates the protocol version and advertises that both
// filesystem proxy operations are available.
func (p *Process) Initialize(ctx context.Context) (*InitializeResult, error) {
	params := InitializeParams{
		ProtocolVersion: 1,
		ClientCapabilities: ClientCapabilities{
			FS: FileSystemCapability{ReadTextFile: true, WriteTextFile: true},
		},
	}
	var result InitializeResult
	if err := p.Call(ctx, "initialize", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

type Mode struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type ModeState struct {
	CurrentModeID  string `json:"currentModeId"`
	AvailableModes []Mode `json:"availableModes,omitempty"`
}

type NewSessionParams struct {
	Cwd        string `json:"cwd"`
	McpServers []any  `json:"mcpServers"`
}

type NewSessionResult struct {
	SessionID string     `json:"sessionId"`
	Modes     *ModeState `json:"modes,omitempty"`
}

// NewSession asks the agent to open a fresh session rooted at cwd.
func (p *Process) NewSession(ctx context.Context, cwd string) (*NewSessionResult, error) {
	params := NewSessionParams{Cwd: cwd, McpServers: []any{}}
	var result NewSessionResult
	if err := p.Call(ctx, "session/new", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

type LoadSessionParams struct {
	SessionID  string `json:"sessionId"`
	Cwd        string `json:"cwd"`
	McpServers []any  `json:"mcpServers"`
}

// LoadSession asks the agent to resume one of its own sessions. Agents replay
// history as session/update notifications before the call returns.
func (p *Process) LoadSession(ctx context.Context, sessionID, cwd string) error {
	params := LoadSessionParams{SessionID: sessionID, Cwd: cwd, McpServers: []any{}}
	return p.Call(ctx, "session/load", params, nil)
}

type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type PromptParams struct {
	SessionID string         `json:"sessionId"`
	Prompt    []ContentBlock `json:"prompt"`
}

type PromptResult struct {
	StopReason string `json:"stopReason"`
}

// Prompt submits one user turn and blocks until the agent finishes it.
func (p *Process) Prompt(ctx context.Context, sessionID, text string) (*PromptResult, error) {
	params := PromptParams{
		SessionID: sessionID,
		Prompt:    []ContentBlock{{Type: "text", Text: text}},
	}
	var result PromptResult
	if err := p.Call(ctx, "session/prompt", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

type CancelParams struct {
	SessionID string `json:"sessionId"`
}

// Cancel tells the agent to stop the in-flight turn. The turn's prompt call
// still returns, with a cancelled stop reason.
func (p *Process) Cancel(sessionID string) error {
	return p.Notify("session/cancel", CancelParams{SessionID: sessionID})
}

// SessionNotification is the params shape of session/update.
type SessionNotification struct {
	SessionID string          `json:"sessionId"`
	Update    json.RawMessage `json:"update"`
}

// ReadTextFileParams is the agent's fs/read_text_file request. Line is
// 1-based; zero values mean whole file.
type ReadTextFileParams struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Line      int    `json:"line,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

type ReadTextFileResult struct {
	Content string `json:"content"`
}

type WriteTextFileParams struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Content   string `json:"content"`
}

type PermissionOption struct {
	OptionID string `json:"optionId"`
	Name     string `json:"name"`
	Kind     string `json:"kind"`
}

// RequestPermissionParams is the agent's permission prompt. ToolCall stays
// raw; the prompt only needs its title for display.
type RequestPermissionParams struct {
	SessionID string             `json:"sessionId"`
	ToolCall  json.RawMessage    `json:"toolCall"`
	Options   []PermissionOption `json:"options"`
}

type PermissionOutcome struct {
	Outcome  string `json:"outcome"`
	OptionID string `json:"optionId,omitempty"`
}

type RequestPermissionResult struct {
	Outcome PermissionOutcome `json:"outcome"`
}

// SelectPermission maps an allow/deny decision onto the agent's options:
// allow picks the first "allow_*" kind, deny the first "reject_*" kind.
// Without a matching option the prompt is cancelled.
func SelectPermission(options []PermissionOption, allow bool) PermissionOutcome {
	prefix := "reject"
	if allow {
		prefix = "allow"
	}
	for _, opt := range options {
		if strings.HasPrefix(opt.Kind, prefix) {
			return PermissionOutcome{Outcome: "selected", OptionID: opt.OptionID}
		}
	}
	return PermissionOutcome{Outcome: "cancelled"}
}
