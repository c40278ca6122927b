package models

import (
	"time"

	"github.com/acpx-sh/acpx/internal/protocol"
)

// Caps for the projection's bounded collections. Both trim FIFO from the
// oldest end, never reordering survivors.
const (
	MaxProjectionEvents  = 10000
	MaxToolCallSnapshots = 512
)

// EventKind tags a projection event by its origin.
type EventKind string

const (
	EventKindProtocolUpdate EventKind = "protocol_update"
	EventKindClientOp       EventKind = "client_op"
)

// ProjectionEvent is one observed event. Payload holds a deep copy of the
// originating update or client operation, keys already snake_case.
type ProjectionEvent struct {
	At      time.Time `json:"at"`
	Kind    EventKind `json:"kind"`
	Payload any       `json:"payload,omitempty"`
}

// ToolCallSnapshot is the latest merged view of one tool call. Keys are
// snake_case protocol fields (tool_call_id, title, kind, status, raw_input,
// raw_output, ...) plus an updated_at RFC3339 string.
type ToolCallSnapshot map[string]any

// ID returns the snapshot's tool-call identifier.
func (s ToolCallSnapshot) ID() string {
	id, _ := s["tool_call_id"].(string)
	return id
}

// UsageSnapshot is the last reported context-window usage.
type UsageSnapshot struct {
	Used         int64    `json:"used"`
	Size         int64    `json:"size"`
	CostAmount   *float64 `json:"cost_amount,omitempty"`
	CostCurrency string   `json:"cost_currency,omitempty"`
}

// Projection is the lossless, capped record of everything observed on a
// session: the raw event log plus the latest known state per tool call and a
// few derived scalars. It is sized for debugging and export, not rendering.
type Projection struct {
	Events            []ProjectionEvent  `json:"events,omitempty"`
	ToolCalls         []ToolCallSnapshot `json:"tool_calls,omitempty"`
	Plan              any                `json:"plan,omitempty"`
	AvailableCommands []string           `json:"available_commands,omitempty"`
	CurrentModeID     string             `json:"current_mode_id,omitempty"`
	ConfigOptions     any                `json:"config_options,omitempty"`
	Title             string             `json:"title,omitempty"`
	UpdatedAt         *time.Time         `json:"updated_at,omitempty"`
	Usage             *UsageSnapshot     `json:"usage,omitempty"`
}

// ToolCall returns the snapshot for id, or nil.
func (p *Projection) ToolCall(id string) ToolCallSnapshot {
	for _, tc := range p.ToolCalls {
		if tc.ID() == id {
			return tc
		}
	}
	return nil
}

// RecordSessionUpdate folds one protocol update into the projection: exactly
// one event is appended, then derived state mutates according to the update's
// kind. Events are never reordered or deduplicated.
func (p *Projection) RecordSessionUpdate(u protocol.Update, now time.Time) {
	p.appendEvent(EventKindProtocolUpdate, cloneBody(u.Body), now)

	switch u.Kind {
	case protocol.UpdateToolCall, protocol.UpdateToolCallUpdate:
		p.mergeToolCall(u, now)
	case protocol.UpdatePlan:
		p.Plan = cloneValue(u.Body["entries"])
	case protocol.UpdateAvailableCommands:
		p.AvailableCommands = commandNames(u.Body["available_commands"])
	case protocol.UpdateCurrentMode:
		p.CurrentModeID = u.String("current_mode_id")
	case protocol.UpdateConfigOption:
		p.ConfigOptions = cloneValue(u.Body["config_options"])
	case protocol.UpdateSessionInfo:
		p.applySessionInfo(u)
	case protocol.UpdateUsage:
		p.applyUsageSnapshot(u)
	default:
		// Unknown kinds keep their event entry and nothing else.
	}
}

// RecordClientOperation appends a client-operation event carrying a deep copy
// of the operation payload. Client operations never touch derived state.
func (p *Projection) RecordClientOperation(op any, now time.Time) {
	p.appendEvent(EventKindClientOp, cloneValue(op), now)
}

func (p *Projection) appendEvent(kind EventKind, payload any, now time.Time) {
	p.Events = append(p.Events, ProjectionEvent{
		At:      now.UTC(),
		Kind:    kind,
		Payload: payload,
	})
	if n := len(p.Events) - MaxProjectionEvents; n > 0 {
		p.Events = p.Events[n:]
	}
}

// mergeToolCall upserts the snapshot for the update's tool-call id. Fields
// present in the patch overwrite, explicit nulls clear, absent fields keep
// their prior value. Existing ids are replaced in place without moving.
func (p *Projection) mergeToolCall(u protocol.Update, now time.Time) {
	id := u.String("tool_call_id")
	if id == "" {
		return
	}
	patch := cloneBody(u.Body)
	delete(patch, "session_update")

	stamp := now.UTC().Format(time.RFC3339Nano)
	for i, tc := range p.ToolCalls {
		if tc.ID() == id {
			applyPatch(p.ToolCalls[i], patch)
			p.ToolCalls[i]["updated_at"] = stamp
			return
		}
	}

	snap := ToolCallSnapshot{}
	applyPatch(snap, patch)
	snap["tool_call_id"] = id
	snap["updated_at"] = stamp
	p.ToolCalls = append(p.ToolCalls, snap)
	if n := len(p.ToolCalls) - MaxToolCallSnapshots; n > 0 {
		p.ToolCalls = p.ToolCalls[n:]
	}
}

func applyPatch(snap ToolCallSnapshot, patch map[string]any) {
	for k, v := range patch {
		if v == nil {
			delete(snap, k)
			continue
		}
		snap[k] = v
	}
}

func (p *Projection) applySessionInfo(u protocol.Update) {
	if u.Has("title") {
		if v, ok := u.Body["title"].(string); ok {
			p.Title = v
		} else if u.Body["title"] == nil {
			p.Title = ""
		}
	}
	if s := u.String("updated_at"); s != "" {
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			utc := ts.UTC()
			p.UpdatedAt = &utc
		}
	}
}

// applyUsageSnapshot replaces the usage snapshot wholesale. Cost sub-fields
// transfer only when well-typed.
func (p *Projection) applyUsageSnapshot(u protocol.Update) {
	snap := &UsageSnapshot{
		Used: u.Int("used"),
		Size: u.Int("size"),
	}
	if amount, ok := u.Number("cost_amount"); ok {
		snap.CostAmount = &amount
	}
	if cur, ok := u.Body["cost_currency"].(string); ok {
		snap.CostCurrency = cur
	}
	p.Usage = snap
}
