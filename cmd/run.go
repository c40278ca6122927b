package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/acpx-sh/acpx/internal/agent"
	"github.com/acpx-sh/acpx/internal/eventlog"
	"github.com/acpx-sh/acpx/internal/ids"
	"github.com/acpx-sh/acpx/internal/models"
	"github.com/acpx-sh/acpx/internal/output"
	"github.com/acpx-sh/acpx/internal/protocol"
	"github.com/acpx-sh/acpx/internal/proxy"
	"github.com/acpx-sh/acpx/internal/registry"
)

var (
	runAgent       string
	runSession     string
	runName        string
	runCwd         string
	runNoInherit   bool
	runPermissions string
)

var runCmd = &cobra.Command{
	Use:   "run [prompt...]",
	Short: "Send a prompt to the session bound to this directory",
	Long: `Send a prompt to the agent session bound to the current directory,
creating the session on first use. Later runs from the same directory (or a
subdirectory inside the same repository) reuse the session, so the agent
keeps its conversation history across invocations.

Examples:
  acpx run "add error handling to the fetcher"
  acpx run --name reviews "summarize the open review comments"
  acpx run --session 01jm8 "continue"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRun(strings.Join(args, " "))
	},
}

func init() {
	runCmd.Flags().StringVar(&runAgent, "agent", "", "Agent command line (default from config)")
	runCmd.Flags().StringVar(&runSession, "session", "", "Target a session by reference instead of by directory")
	runCmd.Flags().StringVar(&runName, "name", "", "Bind to the named session for this directory")
	runCmd.Flags().StringVar(&runCwd, "cwd", "", "Working directory for the session (default: current)")
	runCmd.Flags().BoolVar(&runNoInherit, "no-inherit", false, "Never reuse a session from a parent directory")
	runCmd.Flags().StringVar(&runPermissions, "permissions", "", "Filesystem permission mode: deny-all, approve-reads, approve-all")
	rootCmd.AddCommand(runCmd)
}

func runRun(text string) error {
	reg, err := getRegistry()
	if err != nil {
		return err
	}

	agentCmdLine := runAgent
	if agentCmdLine == "" {
		agentCmdLine = viper.GetString("agent.cmd")
	}
	if agentCmdLine == "" {
		return fmt.Errorf("no agent command configured (set agent.cmd or pass --agent)")
	}

	var rec *models.SessionRecord
	created := false
	if runSession != "" {
		rec, err = reg.Resolve(runSession)
		if err != nil {
			return err
		}
		if rec.Closed {
			return fmt.Errorf("session %s is closed", shortID(rec.RecordID))
		}
	} else {
		cwd := runCwd
		if cwd == "" {
			if cwd, err = os.Getwd(); err != nil {
				return fmt.Errorf("determine working directory: %w", err)
			}
		}
		rec, created, err = reg.Ensure(registry.EnsureOptions{
			AgentCmd:       agentCmdLine,
			Cwd:            cwd,
			Name:           runName,
			NoInherit:      runNoInherit,
			LogMaxBytes:    viper.GetInt64("log.max_bytes"),
			LogMaxSegments: viper.GetInt("log.max_segments"),
		})
		if err != nil {
			return err
		}
	}

	if dryRun {
		ui.DryRunMsg("Would prompt session %s in %s (%d chars)", shortID(rec.RecordID), rec.Cwd, len(text))
		return nil
	}
	if created {
		ui.Info("Created session %s in %s", output.Cyan(shortID(rec.RecordID)), rec.Cwd)
	} else {
		ui.VerboseLog("Using session %s in %s", shortID(rec.RecordID), rec.Cwd)
	}

	sc := newSessionClient(reg, rec, buildFSProxy(rec))

	ctx := context.Background()
	proc, err := agent.Spawn(ctx, rec.AgentCmd, rec.Cwd, sc)
	if err != nil {
		return err
	}
	defer func() {
		_ = proc.Shutdown()
		sc.clearPID()
	}()

	if _, err := proc.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize agent: %w", err)
	}
	if err := sc.attach(ctx, proc); err != nil {
		return err
	}
	return sc.submit(ctx, proc, text)
}

// buildFSProxy assembles the permission-gated filesystem handed to the agent,
// wiring in the audit log and an interactive confirmer when stdin is a
// terminal. Without a terminal the configured fallback policy applies.
func buildFSProxy(rec *models.SessionRecord) *proxy.FS {
	mode := proxy.Mode(viper.GetString("permissions.mode"))
	if runPermissions != "" {
		mode = proxy.Mode(runPermissions)
	}

	var confirm proxy.Confirmer
	if isatty.IsTerminal(os.Stdin.Fd()) {
		confirm = &terminalConfirmer{in: bufio.NewReader(os.Stdin), out: ui.ErrOut}
	}

	var audit proxy.OpLog
	if ops, err := getOplog(); err == nil {
		audit = ops
	} else {
		ui.Warning("Operation log unavailable, running without audit: %v", err)
	}

	return &proxy.FS{
		RecordID: rec.RecordID,
		Cwd:      rec.Cwd,
		Mode:     mode,
		Fallback: proxy.Fallback(viper.GetString("permissions.fallback")),
		Confirm:  confirm,
		Log:      audit,
	}
}

// terminalConfirmer asks for explicit approval on the controlling terminal.
type terminalConfirmer struct {
	in  *bufio.Reader
	out io.Writer
}

func (c *terminalConfirmer) Confirm(_ context.Context, req proxy.Request) (bool, error) {
	fmt.Fprintf(c.out, "%s %s: allow? [y/N] ", output.Yellow(req.Method), req.Path)
	line, err := c.in.ReadString('\n')
	if err != nil {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

// sessionClient folds everything one agent process reports into the session
// record. Updates run through both reducers, land in the JSONL event log, and
// the record is persisted after every mutation so concurrent invocations and
// later commands read fresh state.
type sessionClient struct {
	reg *registry.Registry
	log *eventlog.Writer
	fs  *proxy.FS

	mu        sync.Mutex
	rec       *models.SessionRecord
	replaying bool
	midLine   bool
}

func newSessionClient(reg *registry.Registry, rec *models.SessionRecord, fs *proxy.FS) *sessionClient {
	// Records created before event logging existed get a path on first use.
	if rec.EventLog.Path == "" {
		rec.EventLog.Path = reg.EventLogPath(rec.RecordID)
	}
	return &sessionClient{
		reg: reg,
		log: eventlog.NewWriter(rec.RecordID, &rec.EventLog),
		fs:  fs,
		rec: rec,
	}
}

// attach binds the spawned process to the record: resuming the agent's own
// session when the record holds a protocol session id, opening a fresh one
// otherwise. A failed resume degrades to a fresh session with a warning.
func (sc *sessionClient) attach(ctx context.Context, p *agent.Process) error {
	sc.mu.Lock()
	sc.rec.PID = p.PID()
	sid := sc.rec.ProtocolSessionID
	cwd := sc.rec.Cwd
	sc.mu.Unlock()

	if sid != "" {
		// The agent replays history as session/update notifications before
		// the load call returns. The record already holds that history, so
		// reducers skip everything delivered during the replay window.
		sc.setReplaying(true)
		err := p.LoadSession(ctx, sid, cwd)
		sc.setReplaying(false)
		if err == nil {
			sc.persist()
			return nil
		}
		ui.Warning("Agent could not resume session %s, starting fresh: %v", shortID(sid), err)
	}

	res, err := p.NewSession(ctx, cwd)
	if err != nil {
		return fmt.Errorf("open agent session: %w", err)
	}

	sc.mu.Lock()
	sc.rec.ProtocolSessionID = res.SessionID
	if res.Modes != nil {
		sc.rec.InternalState.CurrentModeID = res.Modes.CurrentModeID
	}
	sc.persistLocked()
	sc.mu.Unlock()
	return nil
}

// submit records the prompt locally before the agent sees it, then blocks
// until the agent finishes the turn. Ctrl-C cancels the in-flight turn
// rather than killing the process; the prompt then returns with a cancelled
// stop reason and the record stays consistent.
func (sc *sessionClient) submit(ctx context.Context, p *agent.Process, text string) error {
	now := time.Now()
	requestID := ids.New()

	sc.mu.Lock()
	sc.rec.BeginRequest(requestID, now)
	op := map[string]any{"op": "prompt", "request_id": requestID, "text": text}
	sc.rec.Projection.RecordClientOperation(op, now)
	sc.rec.InternalState = *sc.rec.Transcript.RecordClientOperation(&sc.rec.InternalState, op, now)
	userMsgID := sc.rec.Transcript.RecordPromptSubmission(text, now)
	sid := sc.rec.ProtocolSessionID
	recordID := sc.rec.RecordID
	sc.log.Append("prompt", op)
	sc.persistLocked()
	sc.mu.Unlock()

	intCh := make(chan os.Signal, 1)
	signal.Notify(intCh, os.Interrupt)
	defer func() {
		signal.Stop(intCh)
		close(intCh)
	}()
	go func() {
		for range intCh {
			ui.Warning("Cancelling turn")
			_ = p.Cancel(sid)
		}
	}()

	res, err := p.Prompt(ctx, sid, text)
	if err != nil {
		sc.persist()
		return fmt.Errorf("prompt session %s: %w", shortID(recordID), err)
	}

	endAt := time.Now()
	endOp := map[string]any{"op": "turn_end", "request_id": requestID, "stop_reason": res.StopReason}

	sc.mu.Lock()
	sc.flushLine()
	sc.rec.Projection.RecordClientOperation(endOp, endAt)
	sc.rec.InternalState = *sc.rec.Transcript.RecordClientOperation(&sc.rec.InternalState, endOp, endAt)
	sc.log.Append("turn_end", endOp)
	sc.persistLocked()
	turn := sc.rec.Transcript.RequestUsage[userMsgID]
	total := sc.rec.Transcript.CumulativeUsage
	sc.mu.Unlock()

	ui.VerboseLog("Stop reason: %s", res.StopReason)
	if !turn.IsZero() {
		fmt.Fprintln(ui.Out, output.Dim(fmt.Sprintf("tokens: %d in / %d out / %d cache-write / %d cache-read (session total %d)",
			turn.InputTokens, turn.OutputTokens, turn.CacheCreationInputTokens, turn.CacheReadInputTokens, total.Total())))
	}
	return nil
}

func (sc *sessionClient) setReplaying(v bool) {
	sc.mu.Lock()
	sc.replaying = v
	sc.mu.Unlock()
}

func (sc *sessionClient) clearPID() {
	sc.mu.Lock()
	sc.rec.PID = 0
	sc.persistLocked()
	sc.mu.Unlock()
}

func (sc *sessionClient) persist() {
	sc.mu.Lock()
	sc.persistLocked()
	sc.mu.Unlock()
}

func (sc *sessionClient) persistLocked() {
	if err := sc.reg.Write(sc.rec); err != nil {
		ui.Warning("Session record write failed: %v", err)
	}
}

// HandleNotification receives agent notifications; only session/update feeds
// state. Undecodable updates are dropped rather than failing the stream.
func (sc *sessionClient) HandleNotification(_ context.Context, method string, params json.RawMessage) {
	if method != agent.MethodSessionUpdate {
		return
	}
	var note agent.SessionNotification
	if err := json.Unmarshal(params, &note); err != nil {
		return
	}
	u, err := protocol.DecodeUpdate(note.Update)
	if err != nil {
		ui.VerboseLog("Dropping malformed update: %v", err)
		return
	}
	sc.applyUpdate(u)
}

func (sc *sessionClient) applyUpdate(u protocol.Update) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.replaying {
		return
	}
	now := time.Now()
	sc.render(u)
	sc.rec.Projection.RecordSessionUpdate(u, now)
	sc.rec.InternalState = *sc.rec.Transcript.RecordSessionUpdate(&sc.rec.InternalState, u, now)
	if u.Kind == protocol.UpdateSessionInfo {
		if v := u.String("agent_session_id"); v != "" {
			sc.rec.AgentSessionID = v
		}
	}
	sc.rec.Touch(now)
	sc.log.Append(string(u.Kind), u.Body)
	sc.persistLocked()
}

// render streams a live update to the terminal. Reply text passes through
// unmodified; thoughts and tool activity show dimmed, thoughts only under
// --verbose. Caller holds mu.
func (sc *sessionClient) render(u protocol.Update) {
	switch u.Kind {
	case protocol.UpdateAgentMessageChunk:
		text := models.ChunkText(u)
		if text == "" {
			return
		}
		fmt.Fprint(ui.Out, text)
		sc.midLine = !strings.HasSuffix(text, "\n")
	case protocol.UpdateAgentThoughtChunk:
		if !ui.Verbose {
			return
		}
		text := models.ChunkText(u)
		if text == "" {
			return
		}
		fmt.Fprint(ui.Out, output.Dim(text))
		sc.midLine = !strings.HasSuffix(text, "\n")
	case protocol.UpdateToolCall:
		if title := u.String("title"); title != "" {
			sc.flushLine()
			fmt.Fprintln(ui.Out, output.Dim("• "+title))
		}
	case protocol.UpdateToolCallUpdate:
		if !ui.Verbose {
			return
		}
		if status := u.String("status"); status != "" {
			sc.flushLine()
			fmt.Fprintln(ui.Out, output.Dim("  "+u.String("tool_call_id")+" "+status))
		}
	}
}

// flushLine terminates a partially streamed line before printing anything
// line-oriented. Caller holds mu.
func (sc *sessionClient) flushLine() {
	if sc.midLine {
		fmt.Fprintln(ui.Out)
		sc.midLine = false
	}
}

// HandleRequest serves the agent's client-directed requests: the proxied
// filesystem surface and permission prompts. Failures map onto the wire
// error table with the method as origin.
func (sc *sessionClient) HandleRequest(ctx context.Context, method string, params json.RawMessage) (any, *protocol.RPCError) {
	switch method {
	case agent.MethodReadTextFile:
		var req agent.ReadTextFileParams
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, &protocol.RPCError{Code: protocol.CodeInvalidParams, Message: err.Error()}
		}
		content, err := sc.fs.ReadTextFile(ctx, proxy.ReadRequest{Path: req.Path, Line: req.Line, Limit: req.Limit})
		if err != nil {
			return nil, agent.Envelope(err, method, req.SessionID)
		}
		return agent.ReadTextFileResult{Content: content}, nil

	case agent.MethodWriteTextFile:
		var req agent.WriteTextFileParams
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, &protocol.RPCError{Code: protocol.CodeInvalidParams, Message: err.Error()}
		}
		if err := sc.fs.WriteTextFile(ctx, req.Path, req.Content); err != nil {
			return nil, agent.Envelope(err, method, req.SessionID)
		}
		return map[string]any{}, nil

	case agent.MethodRequestPermission:
		var req agent.RequestPermissionParams
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, &protocol.RPCError{Code: protocol.CodeInvalidParams, Message: err.Error()}
		}
		outcome, err := sc.decidePermission(ctx, req)
		if err != nil {
			return nil, agent.Envelope(err, method, req.SessionID)
		}
		return agent.RequestPermissionResult{Outcome: outcome}, nil
	}
	return nil, &protocol.RPCError{Code: protocol.CodeMethodNotFound, Message: fmt.Sprintf("method %q not supported", method)}
}

// decidePermission maps the session's permission mode onto the agent's
// offered options. Only approve-all grants without asking; deny-all rejects
// outright; anything else goes through the confirmer, subject to the
// non-interactive fallback.
func (sc *sessionClient) decidePermission(ctx context.Context, req agent.RequestPermissionParams) (agent.PermissionOutcome, error) {
	var tool struct {
		Title string `json:"title"`
	}
	_ = json.Unmarshal(req.ToolCall, &tool)

	var allow bool
	switch sc.fs.Mode {
	case proxy.ModeApproveAll:
		allow = true
	case proxy.ModeDenyAll:
		allow = false
	default:
		if sc.fs.Confirm == nil {
			switch sc.fs.Fallback {
			case proxy.FallbackAllow:
				allow = true
			case proxy.FallbackDeny:
				allow = false
			default:
				return agent.PermissionOutcome{}, fmt.Errorf("%w: %s", proxy.ErrPromptUnavailable, tool.Title)
			}
			break
		}
		ok, err := sc.fs.Confirm.Confirm(ctx, proxy.Request{Method: agent.MethodRequestPermission, Path: tool.Title})
		if err != nil {
			return agent.PermissionOutcome{}, err
		}
		allow = ok
	}
	return agent.SelectPermission(req.Options, allow), nil
}
