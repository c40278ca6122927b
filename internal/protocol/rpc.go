package protocol

import (
	"encoding/json"
	"fmt"
)

// Message is one JSON-RPC 2.0 message in any of its three shapes. A request
// has Method and ID; a notification has Method only; a response has ID plus
// Result or Error. IDs stay raw so string and numeric ids both round-trip.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// IsRequest reports whether the message expects a response.
func (m *Message) IsRequest() bool {
	return m.Method != "" && len(m.ID) > 0
}

// IsNotification reports whether the message is fire-and-forget.
func (m *Message) IsNotification() bool {
	return m.Method != "" && len(m.ID) == 0
}

// Wire error codes. The -32001..-32005 range is the implementation-defined
// band JSON-RPC reserves for servers; -32002 specifically means no session
// was found for the given identifier.
const (
	CodeAmbiguousSession  = -32001
	CodeNoSessionFound    = -32002
	CodePermissionDenied  = -32004
	CodePromptUnavailable = -32005
	CodeMethodNotFound    = -32601
	CodeInvalidParams     = -32602
	CodeInternalError     = -32603
)

// RPCError is the wire error object {code, message, data}. Data keys follow
// the wire's camelCase convention; the persisted-key policy applies to disk
// documents only.
type RPCError struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}
