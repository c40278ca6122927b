package agent

import (
	"errors"
	"time"

	"github.com/acpx-sh/acpx/internal/codec"
	"github.com/acpx-sh/acpx/internal/protocol"
	"github.com/acpx-sh/acpx/internal/proxy"
	"github.com/acpx-sh/acpx/internal/registry"
)

// Envelope maps an internal error onto the wire error object. Upstream
// protocol errors pass through unchanged; everything else gets a code from
// the fixed table plus a data payload locating the failure.
func Envelope(err error, origin, sessionID string) *protocol.RPCError {
	var rpcErr *protocol.RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}

	code := protocol.CodeInternalError
	retryable := true
	detail := ""
	switch {
	case errors.Is(err, registry.ErrNotFound):
		code = protocol.CodeNoSessionFound
		retryable = false
	case errors.Is(err, registry.ErrAmbiguous):
		code = protocol.CodeAmbiguousSession
		retryable = false
	case errors.Is(err, proxy.ErrPermissionDenied):
		code = protocol.CodePermissionDenied
		retryable = false
	case errors.Is(err, proxy.ErrPromptUnavailable):
		code = protocol.CodePromptUnavailable
		retryable = false
	}
	var policyErr *codec.PolicyError
	if errors.As(err, &policyErr) {
		retryable = false
		detail = "persisted_key_policy"
	}

	data := map[string]any{
		"acpxCode":  code,
		"retryable": retryable,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if detail != "" {
		data["detailCode"] = detail
	}
	if origin != "" {
		data["origin"] = origin
	}
	if sessionID != "" {
		data["sessionId"] = sessionID
	}
	return &protocol.RPCError{Code: code, Message: err.Error(), Data: data}
}
