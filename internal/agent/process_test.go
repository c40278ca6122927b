package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acpx-sh/acpx/internal/protocol"
)

// testHarness drives the agent side of a connection over in-memory pipes:
// requests the conn sends arrive on dec, lines written to agentW arrive at
// the conn's reader.
type testHarness struct {
	conn   *conn
	dec    *json.Decoder
	agentW *io.PipeWriter
	closer func()
}

func newHarness(client Client) *testHarness {
	toAgentR, toAgentW := io.Pipe()
	fromAgentR, fromAgentW := io.Pipe()
	c := newConn(toAgentW, fromAgentR, client)
	return &testHarness{
		conn:   c,
		dec:    json.NewDecoder(toAgentR),
		agentW: fromAgentW,
		closer: func() {
			toAgentR.Close()
			toAgentW.Close()
			fromAgentR.Close()
			fromAgentW.Close()
		},
	}
}

func (h *testHarness) Close() { h.closer() }

// readMessage returns the next message the conn wrote.
func (h *testHarness) readMessage(t *testing.T) protocol.Message {
	t.Helper()
	type decoded struct {
		msg protocol.Message
		err error
	}
	ch := make(chan decoded, 1)
	go func() {
		var msg protocol.Message
		err := h.dec.Decode(&msg)
		ch <- decoded{msg, err}
	}()
	select {
	case d := <-ch:
		require.NoError(t, d.err)
		return d.msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outgoing message")
		return protocol.Message{}
	}
}

// sendLine writes one raw line to the conn's reader.
func (h *testHarness) sendLine(t *testing.T, line string) {
	t.Helper()
	_, err := io.WriteString(h.agentW, line+"\n")
	require.NoError(t, err)
}

func (h *testHarness) sendJSON(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	h.sendLine(t, string(data))
}

type nullClient struct{}

func (nullClient) HandleRequest(context.Context, string, json.RawMessage) (any, *protocol.RPCError) {
	return nil, &protocol.RPCError{Code: protocol.CodeMethodNotFound, Message: "method not found"}
}

func (nullClient) HandleNotification(context.Context, string, json.RawMessage) {}

// recordingClient captures notifications and serves a canned request reply.
type recordingClient struct {
	mu            sync.Mutex
	notifications []string
	seen          chan struct{}

	reply    any
	replyErr *protocol.RPCError
}

func newRecordingClient() *recordingClient {
	return &recordingClient{seen: make(chan struct{}, 16)}
}

func (r *recordingClient) HandleRequest(_ context.Context, method string, _ json.RawMessage) (any, *protocol.RPCError) {
	return r.reply, r.replyErr
}

func (r *recordingClient) HandleNotification(_ context.Context, method string, params json.RawMessage) {
	r.mu.Lock()
	r.notifications = append(r.notifications, method+":"+string(params))
	r.mu.Unlock()
	r.seen <- struct{}{}
}

func (r *recordingClient) waitNotifications(t *testing.T, n int) []string {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.seen:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for notification %d of %d", i+1, n)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.notifications...)
}

func waitErr(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for call to finish")
		return nil
	}
}

func TestCallRoundTrip(t *testing.T) {
	h := newHarness(nullClient{})
	defer h.Close()

	var result InitializeResult
	errCh := make(chan error, 1)
	go func() {
		errCh <- h.conn.Call(context.Background(), "initialize", InitializeParams{
			ProtocolVersion: 1,
			ClientCapabilities: ClientCapabilities{
				FS: FileSystemCapability{ReadTextFile: true, WriteTextFile: true},
			},
		}, &result)
	}()

	req := h.readMessage(t)
	assert.Equal(t, "initialize", req.Method)
	assert.Equal(t, "1", string(req.ID))
	assert.Contains(t, string(req.Params), `"protocolVersion":1`)
	assert.Contains(t, string(req.Params), `"readTextFile":true`)

	h.sendJSON(t, map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"result":  map[string]any{"protocolVersion": 1},
	})

	require.NoError(t, waitErr(t, errCh))
	assert.Equal(t, 1, result.ProtocolVersion)
}

func TestCallErrorResponse(t *testing.T) {
	h := newHarness(nullClient{})
	defer h.Close()

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.conn.Call(context.Background(), "session/load", LoadSessionParams{SessionID: "s1"}, nil)
	}()

	h.readMessage(t)
	h.sendJSON(t, map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"error":   map[string]any{"code": -32002, "message": "no session found"},
	})

	err := waitErr(t, errCh)
	var rpcErr *protocol.RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, protocol.CodeNoSessionFound, rpcErr.Code)
	assert.Equal(t, "no session found", rpcErr.Message)
}

func TestConcurrentCallsCorrelateByID(t *testing.T) {
	h := newHarness(nullClient{})
	defer h.Close()

	type echo struct {
		Value string `json:"value"`
	}
	results := make(chan string, 2)
	for _, method := range []string{"alpha", "beta"} {
		go func(method string) {
			var res echo
			if err := h.conn.Call(context.Background(), method, nil, &res); err != nil {
				results <- "error: " + err.Error()
				return
			}
			results <- method + "=" + res.Value
		}(method)
	}

	first := h.readMessage(t)
	second := h.readMessage(t)

	// Answer in reverse order; each call must still get its own result.
	for _, req := range []protocol.Message{second, first} {
		h.sendJSON(t, map[string]any{
			"jsonrpc": "2.0",
			"id":      json.RawMessage(req.ID),
			"result":  echo{Value: req.Method + "-done"},
		})
	}

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case s := <-results:
			got[s] = true
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for calls")
		}
	}
	assert.True(t, got["alpha=alpha-done"], "got %v", got)
	assert.True(t, got["beta=beta-done"], "got %v", got)
}

func TestNotificationsDeliveredInOrder(t *testing.T) {
	client := newRecordingClient()
	h := newHarness(client)
	defer h.Close()

	for i := 1; i <= 3; i++ {
		h.sendJSON(t, map[string]any{
			"jsonrpc": "2.0",
			"method":  "session/update",
			"params":  map[string]any{"seq": i},
		})
	}

	notes := client.waitNotifications(t, 3)
	require.Len(t, notes, 3)
	for i, note := range notes {
		assert.Contains(t, note, "session/update:")
		assert.Contains(t, note, fmt.Sprintf(`"seq":%d`, i+1))
	}
}

func TestInboundRequestServed(t *testing.T) {
	client := newRecordingClient()
	client.reply = ReadTextFileResult{Content: "hello"}
	h := newHarness(client)
	defer h.Close()

	h.sendJSON(t, map[string]any{
		"jsonrpc": "2.0",
		"id":      "req-9",
		"method":  MethodReadTextFile,
		"params":  map[string]any{"sessionId": "s1", "path": "/tmp/x"},
	})

	resp := h.readMessage(t)
	assert.Equal(t, `"req-9"`, string(resp.ID))
	assert.Nil(t, resp.Error)
	assert.Contains(t, string(resp.Result), `"content":"hello"`)
}

func TestInboundRequestError(t *testing.T) {
	client := newRecordingClient()
	client.replyErr = &protocol.RPCError{Code: protocol.CodePermissionDenied, Message: "denied"}
	h := newHarness(client)
	defer h.Close()

	h.sendJSON(t, map[string]any{
		"jsonrpc": "2.0",
		"id":      7,
		"method":  MethodWriteTextFile,
		"params":  map[string]any{},
	})

	resp := h.readMessage(t)
	assert.Equal(t, "7", string(resp.ID))
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodePermissionDenied, resp.Error.Code)
}

func TestStrayOutputIgnored(t *testing.T) {
	h := newHarness(nullClient{})
	defer h.Close()

	errCh := make(chan error, 1)
	go func() {
		var res PromptResult
		err := h.conn.Call(context.Background(), "session/prompt", nil, &res)
		if err == nil && res.StopReason != "end_turn" {
			err = fmt.Errorf("unexpected stop reason %q", res.StopReason)
		}
		errCh <- err
	}()

	h.readMessage(t)
	h.sendLine(t, "npm WARN deprecated something")
	h.sendLine(t, "")
	h.sendJSON(t, map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"result":  map[string]any{"stopReason": "end_turn"},
	})

	require.NoError(t, waitErr(t, errCh))
}

func TestConnectionClosedFailsPendingCalls(t *testing.T) {
	h := newHarness(nullClient{})
	defer h.Close()

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.conn.Call(context.Background(), "session/prompt", nil, nil)
	}()

	h.readMessage(t)
	require.NoError(t, h.agentW.Close())

	err := waitErr(t, errCh)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent connection closed")

	select {
	case <-h.conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done never closed")
	}
	assert.Error(t, h.conn.Err())

	// Later calls fail immediately.
	err = h.conn.Call(context.Background(), "session/prompt", nil, nil)
	require.Error(t, err)
}

func TestCallContextCancelled(t *testing.T) {
	h := newHarness(nullClient{})
	defer h.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- h.conn.Call(ctx, "session/prompt", nil, nil)
	}()

	h.readMessage(t)
	cancel()

	err := waitErr(t, errCh)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNotifyWritesNotification(t *testing.T) {
	h := newHarness(nullClient{})
	defer h.Close()

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.conn.Notify("session/cancel", CancelParams{SessionID: "s1"})
	}()

	msg := h.readMessage(t)
	assert.Equal(t, "session/cancel", msg.Method)
	assert.Empty(t, msg.ID)
	assert.Contains(t, string(msg.Params), `"sessionId":"s1"`)
	require.NoError(t, waitErr(t, errCh))
}

func TestSelectPermission(t *testing.T) {
	options := []PermissionOption{
		{OptionID: "deny", Name: "Deny", Kind: "reject_once"},
		{OptionID: "ok", Name: "Allow", Kind: "allow_once"},
		{OptionID: "always", Name: "Always", Kind: "allow_always"},
	}

	allow := SelectPermission(options, true)
	assert.Equal(t, PermissionOutcome{Outcome: "selected", OptionID: "ok"}, allow)

	deny := SelectPermission(options, false)
	assert.Equal(t, PermissionOutcome{Outcome: "selected", OptionID: "deny"}, deny)

	cancelled := SelectPermission(nil, true)
	assert.Equal(t, PermissionOutcome{Outcome: "cancelled"}, cancelled)
}
