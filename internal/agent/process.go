package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/acpx-sh/acpx/internal/protocol"
)

// Client receives agent-initiated traffic. Requests (the filesystem surface,
// permission prompts) need a reply and are served concurrently; notifications
// (session updates) are delivered synchronously in arrival order so state
// reducers see them in sequence.
type Client interface {
	HandleRequest(ctx context.Context, method string, params json.RawMessage) (any, *protocol.RPCError)
	HandleNotification(ctx context.Context, method string, params json.RawMessage)
}

// conn speaks line-delimited JSON-RPC over a writer/reader pair: outgoing
// calls are correlated to responses by numeric id, incoming requests are
// dispatched to the client.
type conn struct {
	client Client

	writeMu sync.Mutex
	w       io.Writer

	mu      sync.Mutex
	pending map[int64]chan *protocol.Message
	nextID  int64
	err     error

	done     chan struct{}
	doneOnce sync.Once
}

func newConn(w io.Writer, r io.Reader, client Client) *conn {
	c := &conn{
		client:  client,
		w:       w,
		pending: make(map[int64]chan *protocol.Message),
		done:    make(chan struct{}),
	}
	go c.readLoop(r)
	return c
}

func (c *conn) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	// Agents ship whole file contents inside single lines.
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	ctx := context.Background()
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg protocol.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			// Agents sometimes print banners or stray logs on stdout.
			continue
		}
		switch {
		case msg.IsRequest():
			go c.serve(ctx, msg)
		case msg.IsNotification():
			c.client.HandleNotification(ctx, msg.Method, msg.Params)
		case len(msg.ID) > 0:
			c.settle(&msg)
		}
	}
	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	c.fail(fmt.Errorf("agent connection closed: %w", err))
}

func (c *conn) serve(ctx context.Context, req protocol.Message) {
	resp := protocol.Message{JSONRPC: "2.0", ID: req.ID}
	result, rpcErr := c.client.HandleRequest(ctx, req.Method, req.Params)
	if rpcErr != nil {
		resp.Error = rpcErr
	} else if data, err := json.Marshal(result); err != nil {
		resp.Error = &protocol.RPCError{Code: protocol.CodeInternalError, Message: err.Error()}
	} else {
		resp.Result = data
	}
	c.send(resp)
}

func (c *conn) settle(msg *protocol.Message) {
	id, err := strconv.ParseInt(string(msg.ID), 10, 64)
	if err != nil {
		return
	}
	c.mu.Lock()
	ch := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if ch != nil {
		ch <- msg
	}
}

// Call sends a request and blocks until the agent responds, ctx expires, or
// the connection dies. A non-nil result receives the unmarshaled response.
func (c *conn) Call(ctx context.Context, method string, params, result any) error {
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.nextID++
	id := c.nextID
	ch := make(chan *protocol.Message, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	msg := protocol.Message{
		JSONRPC: "2.0",
		ID:      json.RawMessage(strconv.FormatInt(id, 10)),
		Method:  method,
	}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			c.forget(id)
			return fmt.Errorf("encode %s params: %w", method, err)
		}
		msg.Params = data
	}
	if err := c.send(msg); err != nil {
		c.forget(id)
		return err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	case <-c.done:
		return c.err
	}
}

// Notify sends a fire-and-forget notification.
func (c *conn) Notify(method string, params any) error {
	msg := protocol.Message{JSONRPC: "2.0", Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encode %s params: %w", method, err)
		}
		msg.Params = data
	}
	return c.send(msg)
}

func (c *conn) send(msg protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	data = append(data, '\n')
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.w.Write(data); err != nil {
		return fmt.Errorf("write to agent: %w", err)
	}
	return nil
}

func (c *conn) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// fail records the first transport error and wakes every waiting call. The
// error is set before done closes, so waiters may read it after Done fires.
func (c *conn) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	for id := range c.pending {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	c.doneOnce.Do(func() { close(c.done) })
}

// Done is closed once the connection is unusable.
func (c *conn) Done() <-chan struct{} { return c.done }

// Err returns the transport error, if any.
func (c *conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Process is one running agent subprocess bound to a working directory,
// speaking the protocol over its stdio.
type Process struct {
	*conn
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

// Spawn starts agentCmd in cwd and wires its pipes into a connection. The
// command is split on whitespace; the agent's stderr passes through to ours.
func Spawn(ctx context.Context, agentCmd, cwd string, client Client) (*Process, error) {
	parts := strings.Fields(agentCmd)
	if len(parts) == 0 {
		return nil, errors.New("empty agent command")
	}
	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	cmd.Dir = cwd
	cmd.Env = os.Environ()
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, fmt.Errorf("start agent %s: %w", parts[0], err)
	}

	p := &Process{conn: newConn(stdin, stdout, client), cmd: cmd, stdin: stdin}
	go func() {
		err := cmd.Wait()
		if err == nil {
			err = errors.New("agent exited")
		} else {
			err = fmt.Errorf("agent exited: %w", err)
		}
		p.fail(err)
	}()
	return p, nil
}

// PID returns the subprocess pid, or 0 before the process started.
func (p *Process) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Shutdown closes the agent's stdin so it can exit on its own. Forceful
// termination stays with the session close path.
func (p *Process) Shutdown() error {
	return p.stdin.Close()
}
