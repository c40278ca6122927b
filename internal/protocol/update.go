package protocol

import (
	"encoding/json"
	"fmt"
)

// UpdateKind discriminates session/update notification variants. The set is
// open: unknown kinds still decode and flow through reducers as plain events.
type UpdateKind string

const (
	UpdateUserMessageChunk  UpdateKind = "user_message_chunk"
	UpdateAgentMessageChunk UpdateKind = "agent_message_chunk"
	UpdateAgentThoughtChunk UpdateKind = "agent_thought_chunk"
	UpdateToolCall          UpdateKind = "tool_call"
	UpdateToolCallUpdate    UpdateKind = "tool_call_update"
	UpdatePlan              UpdateKind = "plan"
	UpdateAvailableCommands UpdateKind = "available_commands_update"
	UpdateCurrentMode       UpdateKind = "current_mode_update"
	UpdateConfigOption      UpdateKind = "config_option_update"
	UpdateSessionInfo       UpdateKind = "session_info_update"
	UpdateUsage             UpdateKind = "usage_update"
)

// Update is one decoded session update. Body holds the full notification
// object (including the session_update discriminator) with every key
// normalized to snake_case, ready for reducers and for persistence.
type Update struct {
	Kind UpdateKind
	Body map[string]any
}

// DecodeUpdate parses the raw update object from a session/update
// notification. Wire keys arrive camelCase and are normalized here, once,
// so everything downstream sees a single convention.
func DecodeUpdate(raw json.RawMessage) (Update, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return Update{}, fmt.Errorf("decode session update: %w", err)
	}
	body, _ := NormalizeKeys(m).(map[string]any)
	kind, _ := body["session_update"].(string)
	if kind == "" {
		return Update{}, fmt.Errorf("session update missing session_update tag")
	}
	return Update{Kind: UpdateKind(kind), Body: body}, nil
}

// String returns the named body field when it is a string, else empty.
func (u Update) String(key string) string {
	s, _ := u.Body[key].(string)
	return s
}

// Number returns the named body field as a float64 when numeric.
func (u Update) Number(key string) (float64, bool) {
	n, ok := u.Body[key].(float64)
	return n, ok
}

// Int returns the named body field truncated to int64, zero when absent or
// non-numeric.
func (u Update) Int(key string) int64 {
	n, _ := u.Body[key].(float64)
	return int64(n)
}

// Has reports whether the body carries the named field, even when null.
func (u Update) Has(key string) bool {
	_, ok := u.Body[key]
	return ok
}
