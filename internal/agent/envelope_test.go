package agent

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acpx-sh/acpx/internal/codec"
	"github.com/acpx-sh/acpx/internal/protocol"
	"github.com/acpx-sh/acpx/internal/proxy"
	"github.com/acpx-sh/acpx/internal/registry"
)

func TestEnvelopeCodeTable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantCode  int
		retryable bool
	}{
		{"not found", fmt.Errorf("resolve session: %w", registry.ErrNotFound), protocol.CodeNoSessionFound, false},
		{"ambiguous", &registry.AmbiguousError{Ref: "ab", Candidates: []string{"ab1", "ab2"}}, protocol.CodeAmbiguousSession, false},
		{"permission denied", fmt.Errorf("write /x: %w", proxy.ErrPermissionDenied), protocol.CodePermissionDenied, false},
		{"prompt unavailable", proxy.ErrPromptUnavailable, protocol.CodePromptUnavailable, false},
		{"unknown", errors.New("disk on fire"), protocol.CodeInternalError, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rpcErr := Envelope(tt.err, "", "")
			assert.Equal(t, tt.wantCode, rpcErr.Code)
			assert.Equal(t, tt.err.Error(), rpcErr.Message)
			assert.Equal(t, tt.wantCode, rpcErr.Data["acpxCode"])
			assert.Equal(t, tt.retryable, rpcErr.Data["retryable"])
		})
	}
}

func TestEnvelopeUpstreamPassThrough(t *testing.T) {
	upstream := &protocol.RPCError{
		Code:    -32000,
		Message: "agent refused",
		Data:    map[string]any{"reason": "overloaded"},
	}
	wrapped := fmt.Errorf("prompt: %w", upstream)

	rpcErr := Envelope(wrapped, "run", "sess_1")
	assert.Same(t, upstream, rpcErr)
}

func TestEnvelopePolicyViolation(t *testing.T) {
	policyErr := &codec.PolicyError{Path: "$.projection.events[0].payload", Key: "badKey"}
	wrapped := fmt.Errorf("persist record: %w", policyErr)

	rpcErr := Envelope(wrapped, "", "")
	assert.Equal(t, protocol.CodeInternalError, rpcErr.Code)
	assert.Equal(t, "persisted_key_policy", rpcErr.Data["detailCode"])
	assert.Equal(t, false, rpcErr.Data["retryable"])
	assert.Contains(t, rpcErr.Message, "badKey")
}

func TestEnvelopeContextFields(t *testing.T) {
	rpcErr := Envelope(registry.ErrNotFound, "close", "sess_2")
	assert.Equal(t, "close", rpcErr.Data["origin"])
	assert.Equal(t, "sess_2", rpcErr.Data["sessionId"])

	stamp, ok := rpcErr.Data["timestamp"].(string)
	require.True(t, ok)
	_, err := time.Parse(time.RFC3339, stamp)
	assert.NoError(t, err)

	bare := Envelope(registry.ErrNotFound, "", "")
	assert.NotContains(t, bare.Data, "origin")
	assert.NotContains(t, bare.Data, "sessionId")
}
