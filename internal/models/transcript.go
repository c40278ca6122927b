package models

import (
	"time"

	"github.com/acpx-sh/acpx/internal/ids"
	"github.com/acpx-sh/acpx/internal/protocol"
)

// MessageRole tags a transcript message variant.
type MessageRole string

const (
	MessageRoleUser  MessageRole = "user"
	MessageRoleAgent MessageRole = "agent"
)

// ContentType tags an entry in an agent message's content sequence.
type ContentType string

const (
	ContentTypeText    ContentType = "text"
	ContentTypeToolUse ContentType = "tool_use"
)

// ContentEntry is one entry in an agent message: a text run or a tool use.
// Thought marks text produced as agent reasoning rather than reply.
type ContentEntry struct {
	Type       ContentType `json:"type"`
	Text       string      `json:"text,omitempty"`
	Thought    bool        `json:"thought,omitempty"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
	Name       string      `json:"name,omitempty"`
	Input      any         `json:"input,omitempty"`
}

// ToolResult is the recorded outcome of one tool call. Results persist as an
// array rather than a map so agent-issued ids never become object keys.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name,omitempty"`
	Output     any    `json:"output,omitempty"`
	Status     string `json:"status,omitempty"`
}

// Message is one transcript turn. User messages carry Text; agent messages
// carry Content and ToolResults.
type Message struct {
	ID          string         `json:"id"`
	Role        MessageRole    `json:"role"`
	Text        string         `json:"text,omitempty"`
	Content     []ContentEntry `json:"content,omitempty"`
	ToolResults []ToolResult   `json:"tool_results,omitempty"`
}

// Result returns the message's recorded result for a tool-call id, or nil.
func (m *Message) Result(toolCallID string) *ToolResult {
	for i := range m.ToolResults {
		if m.ToolResults[i].ToolCallID == toolCallID {
			return &m.ToolResults[i]
		}
	}
	return nil
}

// TokenUsage is one turn's (or the running total's) token accounting.
// Missing components default to zero and sum additively.
type TokenUsage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
}

// Add accumulates other into u.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheCreationInputTokens += other.CacheCreationInputTokens
	u.CacheReadInputTokens += other.CacheReadInputTokens
}

// Total returns the sum of all components.
func (u TokenUsage) Total() int64 {
	return u.InputTokens + u.OutputTokens + u.CacheCreationInputTokens + u.CacheReadInputTokens
}

// IsZero reports whether no tokens have been recorded.
func (u TokenUsage) IsZero() bool {
	return u == TokenUsage{}
}

// Transcript is the user-facing reduction of a session: ordered messages plus
// token accounting. The usage accumulators are serialized at the record's top
// level (request_token_usage, cumulative_token_usage) by the codec, which is
// why they carry no JSON tags here.
type Transcript struct {
	Messages  []Message  `json:"messages,omitempty"`
	Title     string     `json:"title,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`

	// RequestUsage maps a user-message id to that turn's usage.
	RequestUsage    map[string]TokenUsage `json:"-"`
	CumulativeUsage TokenUsage            `json:"-"`
}

// LastMessage returns the trailing message, or nil for an empty transcript.
func (t *Transcript) LastMessage() *Message {
	if len(t.Messages) == 0 {
		return nil
	}
	return &t.Messages[len(t.Messages)-1]
}

// LastUserMessageID returns the id of the most recent user message, or empty.
func (t *Transcript) LastUserMessageID() string {
	for i := len(t.Messages) - 1; i >= 0; i-- {
		if t.Messages[i].Role == MessageRoleUser {
			return t.Messages[i].ID
		}
	}
	return ""
}

// RecordPromptSubmission appends a new user message carrying the prompt text
// and returns its generated id. User messages enter the transcript only
// through this path; replayed user chunks do not duplicate them.
func (t *Transcript) RecordPromptSubmission(text string, now time.Time) string {
	id := ids.New()
	t.Messages = append(t.Messages, Message{ID: id, Role: MessageRoleUser, Text: text})
	t.touch(now)
	return id
}

// RecordSessionUpdate folds one protocol update into the transcript. state is
// the externally owned mode/commands snapshot: the transcript mutates and
// returns it rather than storing it, because the record persists that
// snapshot at its top level.
func (t *Transcript) RecordSessionUpdate(state *AgentState, u protocol.Update, now time.Time) *AgentState {
	if state == nil {
		state = &AgentState{}
	}

	switch u.Kind {
	case protocol.UpdateAgentMessageChunk:
		t.appendAgentText(ChunkText(u), false)
	case protocol.UpdateAgentThoughtChunk:
		t.appendAgentText(ChunkText(u), true)
	case protocol.UpdateToolCall, protocol.UpdateToolCallUpdate:
		t.applyToolCall(u)
	case protocol.UpdateCurrentMode:
		state.CurrentModeID = u.String("current_mode_id")
	case protocol.UpdateAvailableCommands:
		state.AvailableCommands = commandNames(u.Body["available_commands"])
	case protocol.UpdateSessionInfo:
		if u.Has("title") {
			if v, ok := u.Body["title"].(string); ok {
				t.Title = v
			} else if u.Body["title"] == nil {
				t.Title = ""
			}
		}
	case protocol.UpdateUsage:
		t.applyUsageDelta(u)
	}

	t.touch(now)
	return state
}

// RecordClientOperation advances updated_at without appending a message and
// returns the (unchanged) mode state.
func (t *Transcript) RecordClientOperation(state *AgentState, _ any, now time.Time) *AgentState {
	if state == nil {
		state = &AgentState{}
	}
	t.touch(now)
	return state
}

func (t *Transcript) touch(now time.Time) {
	ts := now.UTC()
	t.UpdatedAt = &ts
}

// appendAgentText extends the trailing agent message's open text run of the
// same kind, opening a new run (or a new agent message) as needed.
func (t *Transcript) appendAgentText(text string, thought bool) {
	if text == "" {
		return
	}
	msg := t.lastAgentMessage()
	if n := len(msg.Content); n > 0 {
		last := &msg.Content[n-1]
		if last.Type == ContentTypeText && last.Thought == thought {
			last.Text += text
			return
		}
	}
	msg.Content = append(msg.Content, ContentEntry{Type: ContentTypeText, Text: text, Thought: thought})
}

// lastAgentMessage returns the trailing agent message, starting one when the
// transcript is empty or ends with a user message.
func (t *Transcript) lastAgentMessage() *Message {
	if msg := t.LastMessage(); msg != nil && msg.Role == MessageRoleAgent {
		return msg
	}
	t.Messages = append(t.Messages, Message{ID: ids.New(), Role: MessageRoleAgent})
	return &t.Messages[len(t.Messages)-1]
}

// applyToolCall upserts a tool_use entry in the current agent message and
// records its result once output or a terminal status arrives.
func (t *Transcript) applyToolCall(u protocol.Update) {
	id := u.String("tool_call_id")
	if id == "" {
		return
	}
	msg := t.lastAgentMessage()

	var entry *ContentEntry
	for i := range msg.Content {
		if msg.Content[i].Type == ContentTypeToolUse && msg.Content[i].ToolCallID == id {
			entry = &msg.Content[i]
			break
		}
	}
	if entry == nil {
		msg.Content = append(msg.Content, ContentEntry{Type: ContentTypeToolUse, ToolCallID: id})
		entry = &msg.Content[len(msg.Content)-1]
	}
	if title := u.String("title"); title != "" {
		entry.Name = title
	}
	if u.Body["raw_input"] != nil {
		entry.Input = cloneValue(u.Body["raw_input"])
	}

	status := u.String("status")
	hasOutput := u.Body["raw_output"] != nil
	if !hasOutput && !terminalStatus(status) {
		return
	}
	res := msg.Result(id)
	if res == nil {
		msg.ToolResults = append(msg.ToolResults, ToolResult{ToolCallID: id})
		res = &msg.ToolResults[len(msg.ToolResults)-1]
	}
	if entry.Name != "" {
		res.Name = entry.Name
	}
	if hasOutput {
		res.Output = cloneValue(u.Body["raw_output"])
	}
	if status != "" {
		res.Status = status
	}
}

func terminalStatus(status string) bool {
	switch status {
	case "completed", "failed", "cancelled":
		return true
	}
	return false
}

// applyUsageDelta adds the update's token counts to the most recent user
// turn and to the running total. Missing or malformed counts read as zero.
func (t *Transcript) applyUsageDelta(u protocol.Update) {
	delta := TokenUsage{
		InputTokens:              u.Int("input_tokens"),
		OutputTokens:             u.Int("output_tokens"),
		CacheCreationInputTokens: u.Int("cached_write_tokens"),
		CacheReadInputTokens:     u.Int("cached_read_tokens"),
	}
	if id := t.LastUserMessageID(); id != "" {
		if t.RequestUsage == nil {
			t.RequestUsage = make(map[string]TokenUsage)
		}
		turn := t.RequestUsage[id]
		turn.Add(delta)
		t.RequestUsage[id] = turn
	}
	t.CumulativeUsage.Add(delta)
}

// ChunkText pulls the text out of a message-chunk update, accepting both a
// content block object and a bare string.
func ChunkText(u protocol.Update) string {
	switch c := u.Body["content"].(type) {
	case string:
		return c
	case map[string]any:
		if s, ok := c["text"].(string); ok {
			return s
		}
	}
	if s, ok := u.Body["text"].(string); ok {
		return s
	}
	return ""
}
