package cmd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acpx-sh/acpx/internal/agent"
	"github.com/acpx-sh/acpx/internal/models"
	"github.com/acpx-sh/acpx/internal/output"
	"github.com/acpx-sh/acpx/internal/protocol"
	"github.com/acpx-sh/acpx/internal/proxy"
	"github.com/acpx-sh/acpx/internal/registry"
)

// testClient builds a sessionClient over an isolated registry and a record
// rooted at its own temp cwd. Output goes to buffers.
func testClient(t *testing.T, mode proxy.Mode) (*sessionClient, *registry.Registry, *bytes.Buffer) {
	t.Helper()
	testEnv(t)

	out := &bytes.Buffer{}
	ui = output.New()
	ui.Out = out
	ui.ErrOut = &bytes.Buffer{}

	reg := registry.New(t.TempDir())
	cwd := t.TempDir()
	rec := &models.SessionRecord{
		RecordID:          "01hq3k7v9w4x5y6z7a8b9c0d1e",
		ProtocolSessionID: "sess_live",
		AgentCmd:          "acp",
		Cwd:               cwd,
		CreatedAt:         time.Now().UTC(),
		LastUsedAt:        time.Now().UTC(),
		Transcript:        models.Transcript{RequestUsage: map[string]models.TokenUsage{}},
	}
	require.NoError(t, reg.Write(rec))

	fs := &proxy.FS{RecordID: rec.RecordID, Cwd: cwd, Mode: mode, Fallback: proxy.FallbackFail}
	return newSessionClient(reg, rec, fs), reg, out
}

func updateParams(t *testing.T, update map[string]any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(update)
	require.NoError(t, err)
	params, err := json.Marshal(agent.SessionNotification{SessionID: "sess_live", Update: raw})
	require.NoError(t, err)
	return params
}

func TestSessionClient_FoldsUpdatesIntoRecord(t *testing.T) {
	sc, reg, out := testClient(t, proxy.ModeApproveAll)

	sc.HandleNotification(context.Background(), agent.MethodSessionUpdate, updateParams(t, map[string]any{
		"sessionUpdate": "agent_message_chunk",
		"content":       map[string]any{"type": "text", "text": "hello"},
	}))
	sc.HandleNotification(context.Background(), agent.MethodSessionUpdate, updateParams(t, map[string]any{
		"sessionUpdate": "current_mode_update",
		"currentModeId": "plan",
	}))

	assert.Equal(t, "hello", out.String(), "reply text streams through verbatim")
	assert.Len(t, sc.rec.Projection.Events, 2)
	assert.Equal(t, "plan", sc.rec.InternalState.CurrentModeID)

	msg := sc.rec.Transcript.LastMessage()
	require.NotNil(t, msg)
	assert.Equal(t, models.MessageRoleAgent, msg.Role)
	require.Len(t, msg.Content, 1)
	assert.Equal(t, "hello", msg.Content[0].Text)

	// Every update persists through to disk.
	stored, err := reg.Get(sc.rec.RecordID)
	require.NoError(t, err)
	assert.Len(t, stored.Projection.Events, 2)
	assert.Equal(t, "plan", stored.InternalState.CurrentModeID)

	// And lands in the JSONL event log.
	data, err := os.ReadFile(sc.rec.EventLog.Path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "agent_message_chunk")
}

func TestSessionClient_SkipsReplayedUpdates(t *testing.T) {
	sc, _, out := testClient(t, proxy.ModeApproveAll)

	sc.setReplaying(true)
	sc.HandleNotification(context.Background(), agent.MethodSessionUpdate, updateParams(t, map[string]any{
		"sessionUpdate": "agent_message_chunk",
		"content":       map[string]any{"type": "text", "text": "replayed history"},
	}))
	sc.setReplaying(false)

	assert.Empty(t, out.String())
	assert.Empty(t, sc.rec.Projection.Events)
	assert.Empty(t, sc.rec.Transcript.Messages)
}

func TestSessionClient_IgnoresOtherNotifications(t *testing.T) {
	sc, _, _ := testClient(t, proxy.ModeApproveAll)

	sc.HandleNotification(context.Background(), "session/other", json.RawMessage(`{"x":1}`))
	assert.Empty(t, sc.rec.Projection.Events)
}

func TestSessionClient_LiftsAgentSessionID(t *testing.T) {
	sc, _, _ := testClient(t, proxy.ModeApproveAll)

	sc.HandleNotification(context.Background(), agent.MethodSessionUpdate, updateParams(t, map[string]any{
		"sessionUpdate":  "session_info_update",
		"title":          "Refactor fetcher",
		"agentSessionId": "agent-uuid-7",
	}))

	assert.Equal(t, "agent-uuid-7", sc.rec.AgentSessionID)
	assert.Equal(t, "Refactor fetcher", sc.rec.Transcript.Title)
}

func TestHandleRequest_FileRoundTrip(t *testing.T) {
	sc, _, _ := testClient(t, proxy.ModeApproveAll)
	ctx := context.Background()
	path := filepath.Join(sc.fs.Cwd, "notes.txt")

	writeParams, _ := json.Marshal(agent.WriteTextFileParams{SessionID: "sess_live", Path: path, Content: "line one\nline two\n"})
	_, rpcErr := sc.HandleRequest(ctx, agent.MethodWriteTextFile, writeParams)
	require.Nil(t, rpcErr)

	readParams, _ := json.Marshal(agent.ReadTextFileParams{SessionID: "sess_live", Path: path})
	result, rpcErr := sc.HandleRequest(ctx, agent.MethodReadTextFile, readParams)
	require.Nil(t, rpcErr)
	assert.Equal(t, agent.ReadTextFileResult{Content: "line one\nline two\n"}, result)
}

func TestHandleRequest_DeniesEscapingPath(t *testing.T) {
	sc, _, _ := testClient(t, proxy.ModeApproveAll)

	readParams, _ := json.Marshal(agent.ReadTextFileParams{SessionID: "sess_live", Path: "/etc/passwd"})
	_, rpcErr := sc.HandleRequest(context.Background(), agent.MethodReadTextFile, readParams)
	require.NotNil(t, rpcErr)
	assert.Equal(t, protocol.CodePermissionDenied, rpcErr.Code)
	assert.Equal(t, agent.MethodReadTextFile, rpcErr.Data["origin"])
}

func TestHandleRequest_UnknownMethod(t *testing.T) {
	sc, _, _ := testClient(t, proxy.ModeApproveAll)

	_, rpcErr := sc.HandleRequest(context.Background(), "terminal/create", json.RawMessage(`{}`))
	require.NotNil(t, rpcErr)
	assert.Equal(t, protocol.CodeMethodNotFound, rpcErr.Code)
}

func permissionParams(t *testing.T) json.RawMessage {
	t.Helper()
	params, err := json.Marshal(agent.RequestPermissionParams{
		SessionID: "sess_live",
		ToolCall:  json.RawMessage(`{"title":"Edit main.go"}`),
		Options: []agent.PermissionOption{
			{OptionID: "yes", Name: "Allow", Kind: "allow_once"},
			{OptionID: "no", Name: "Reject", Kind: "reject_once"},
		},
	})
	require.NoError(t, err)
	return params
}

func TestHandleRequest_PermissionByMode(t *testing.T) {
	tests := []struct {
		mode   proxy.Mode
		option string
	}{
		{proxy.ModeApproveAll, "yes"},
		{proxy.ModeDenyAll, "no"},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			sc, _, _ := testClient(t, tt.mode)

			result, rpcErr := sc.HandleRequest(context.Background(), agent.MethodRequestPermission, permissionParams(t))
			require.Nil(t, rpcErr)
			outcome := result.(agent.RequestPermissionResult).Outcome
			assert.Equal(t, "selected", outcome.Outcome)
			assert.Equal(t, tt.option, outcome.OptionID)
		})
	}
}

func TestHandleRequest_PermissionFallbacks(t *testing.T) {
	// approve-reads with no confirmer routes through the fallback policy.
	sc, _, _ := testClient(t, proxy.ModeApproveReads)

	sc.fs.Fallback = proxy.FallbackFail
	_, rpcErr := sc.HandleRequest(context.Background(), agent.MethodRequestPermission, permissionParams(t))
	require.NotNil(t, rpcErr)
	assert.Equal(t, protocol.CodePromptUnavailable, rpcErr.Code)

	sc.fs.Fallback = proxy.FallbackAllow
	result, rpcErr := sc.HandleRequest(context.Background(), agent.MethodRequestPermission, permissionParams(t))
	require.Nil(t, rpcErr)
	assert.Equal(t, "yes", result.(agent.RequestPermissionResult).Outcome.OptionID)

	sc.fs.Fallback = proxy.FallbackDeny
	result, rpcErr = sc.HandleRequest(context.Background(), agent.MethodRequestPermission, permissionParams(t))
	require.Nil(t, rpcErr)
	assert.Equal(t, "no", result.(agent.RequestPermissionResult).Outcome.OptionID)
}

func TestHandleRequest_PermissionPrompted(t *testing.T) {
	sc, _, _ := testClient(t, proxy.ModeApproveReads)
	sc.fs.Confirm = confirmFunc(func(_ context.Context, req proxy.Request) (bool, error) {
		assert.Equal(t, "Edit main.go", req.Path)
		return true, nil
	})

	result, rpcErr := sc.HandleRequest(context.Background(), agent.MethodRequestPermission, permissionParams(t))
	require.Nil(t, rpcErr)
	assert.Equal(t, "yes", result.(agent.RequestPermissionResult).Outcome.OptionID)
}

type confirmFunc func(ctx context.Context, req proxy.Request) (bool, error)

func (f confirmFunc) Confirm(ctx context.Context, req proxy.Request) (bool, error) {
	return f(ctx, req)
}

func TestTerminalConfirmer(t *testing.T) {
	tests := []struct {
		answer string
		want   bool
	}{
		{"y\n", true},
		{"yes\n", true},
		{"Y\n", true},
		{"n\n", false},
		{"\n", false},
		{"whatever\n", false},
	}
	for _, tt := range tests {
		c := &terminalConfirmer{in: bufio.NewReader(bytes.NewBufferString(tt.answer)), out: &bytes.Buffer{}}
		ok, err := c.Confirm(context.Background(), proxy.Request{Method: "fs/write_text_file", Path: "/w/x"})
		require.NoError(t, err)
		assert.Equal(t, tt.want, ok, "answer %q", tt.answer)
	}
}

func TestRenderStreamsThoughtsOnlyVerbose(t *testing.T) {
	sc, _, out := testClient(t, proxy.ModeApproveAll)

	thought := updateParams(t, map[string]any{
		"sessionUpdate": "agent_thought_chunk",
		"content":       map[string]any{"type": "text", "text": "thinking..."},
	})

	sc.HandleNotification(context.Background(), agent.MethodSessionUpdate, thought)
	assert.Empty(t, out.String(), "thoughts hidden by default")

	ui.Verbose = true
	sc.HandleNotification(context.Background(), agent.MethodSessionUpdate, thought)
	assert.Contains(t, out.String(), "thinking...")

	// Both chunks still reach the transcript.
	msg := sc.rec.Transcript.LastMessage()
	require.NotNil(t, msg)
	assert.True(t, msg.Content[0].Thought)
}

func TestClearPIDPersists(t *testing.T) {
	sc, reg, _ := testClient(t, proxy.ModeApproveAll)

	sc.rec.PID = 4242
	sc.persist()
	sc.clearPID()

	stored, err := reg.Get(sc.rec.RecordID)
	require.NoError(t, err)
	assert.Zero(t, stored.PID)
}

func TestFlushLineBreaksMidStream(t *testing.T) {
	sc, _, out := testClient(t, proxy.ModeApproveAll)

	sc.HandleNotification(context.Background(), agent.MethodSessionUpdate, updateParams(t, map[string]any{
		"sessionUpdate": "agent_message_chunk",
		"content":       map[string]any{"type": "text", "text": "partial"},
	}))
	sc.HandleNotification(context.Background(), agent.MethodSessionUpdate, updateParams(t, map[string]any{
		"sessionUpdate": "tool_call",
		"toolCallId":    "call_1",
		"title":         "Read go.mod",
	}))

	assert.Equal(t, fmt.Sprintf("partial\n%s\n", output.Dim("• Read go.mod")), out.String())
}
