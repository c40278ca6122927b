package models

import "time"

// SessionRecord is the durable state of one agent conversation. Each record
// persists as a single JSON document in the sessions directory; every key in
// the encoded form is flat snake_case (enforced by the codec's key policy).
type SessionRecord struct {
	// RecordID is assigned by the registry at creation and never changes.
	// It doubles as the filename key for the on-disk document.
	RecordID string `json:"acpx_record_id"`

	// ProtocolSessionID is the session handle issued by the agent protocol,
	// distinct from the record id.
	ProtocolSessionID string `json:"protocol_session_id,omitempty"`

	// AgentSessionID is the agent's own session identifier, empty until the
	// agent reports one.
	AgentSessionID string `json:"agent_session_id,omitempty"`

	AgentCmd string `json:"agent_cmd"`
	Cwd      string `json:"cwd"`
	Name     string `json:"name,omitempty"`

	// PID tracks the agent subprocess currently driving this session, zero
	// when none is known. A stale pid is harmless: liveness is always probed
	// before trusting it.
	PID int `json:"pid,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`

	RequestSeq    int64  `json:"request_seq"`
	LastRequestID string `json:"last_request_id,omitempty"`

	Closed   bool       `json:"closed,omitempty"`
	ClosedAt *time.Time `json:"closed_at,omitempty"`

	EventLog      EventLogPointer `json:"event_log"`
	InternalState AgentState      `json:"internal_state"`
	Projection    Projection      `json:"projection"`
	Transcript    Transcript      `json:"transcript"`
}

// EventLogPointer tracks the session's JSONL event log: the active file and
// the rotation bookkeeping around it.
type EventLogPointer struct {
	Path         string     `json:"path,omitempty"`
	SegmentCount int        `json:"segment_count,omitempty"`
	MaxBytes     int64      `json:"max_bytes,omitempty"`
	MaxSegments  int        `json:"max_segments,omitempty"`
	LastWriteAt  *time.Time `json:"last_write_at,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
}

// AgentState is the mode and command surface last reported by the agent. It
// is persisted at the top level of the record, not inside the transcript, so
// reducers receive and return it rather than owning it.
type AgentState struct {
	CurrentModeID     string   `json:"current_mode_id,omitempty"`
	AvailableCommands []string `json:"available_commands,omitempty"`
}

// Touch marks the record as used.
func (r *SessionRecord) Touch(now time.Time) {
	r.LastUsedAt = now.UTC()
}

// BeginRequest records the start of a prompt request. The sequence counter
// only ever moves forward.
func (r *SessionRecord) BeginRequest(requestID string, now time.Time) {
	r.RequestSeq++
	r.LastRequestID = requestID
	r.Touch(now)
}

// Open reports whether the record can still accept prompts.
func (r *SessionRecord) Open() bool {
	return !r.Closed
}
