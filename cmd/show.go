package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/acpx-sh/acpx/internal/models"
	"github.com/acpx-sh/acpx/internal/output"
	"github.com/acpx-sh/acpx/internal/registry"
)

var (
	logTail  int
	opsLimit int
)

var showCmd = &cobra.Command{
	Use:   "show <session>",
	Short: "Show a session's transcript and token usage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return showRun(args[0])
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <reference>",
	Short: "Explain what a session reference resolves to",
	Long: `Resolve a session reference the way every other command does: an
exact record or protocol session id first, then a unique suffix match.
Ambiguous references list their candidates.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return resolveRun(args[0])
	},
}

var logCmd = &cobra.Command{
	Use:   "log <session>",
	Short: "Show a session's recent events",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return logRun(args[0])
	},
}

var opsCmd = &cobra.Command{
	Use:   "ops <session>",
	Short: "Show audited filesystem operations for a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return opsRun(args[0])
	},
}

func init() {
	logCmd.Flags().IntVar(&logTail, "tail", 50, "Number of trailing events to show (0 for all)")
	opsCmd.Flags().IntVar(&opsLimit, "limit", 100, "Maximum operations to show (0 for all)")
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(opsCmd)
}

func showRun(ref string) error {
	reg, err := getRegistry()
	if err != nil {
		return err
	}
	rec, err := reg.Resolve(ref)
	if err != nil {
		return err
	}

	title := rec.Transcript.Title
	if title == "" {
		title = "(untitled)"
	}
	fmt.Fprintf(ui.Out, "%s  %s\n", output.Cyan(shortID(rec.RecordID)), title)
	if rec.Name != "" {
		fmt.Fprintf(ui.Out, "  Name:       %s\n", rec.Name)
	}
	fmt.Fprintf(ui.Out, "  State:      %s\n", output.StateColor(string(reg.State(rec))))
	fmt.Fprintf(ui.Out, "  Agent:      %s\n", rec.AgentCmd)
	fmt.Fprintf(ui.Out, "  Cwd:        %s\n", rec.Cwd)
	if rec.InternalState.CurrentModeID != "" {
		fmt.Fprintf(ui.Out, "  Mode:       %s\n", rec.InternalState.CurrentModeID)
	}
	fmt.Fprintf(ui.Out, "  Requests:   %d\n", rec.RequestSeq)
	fmt.Fprintf(ui.Out, "  Created:    %s\n", rec.CreatedAt.Local().Format(time.RFC3339))
	fmt.Fprintf(ui.Out, "  Last used:  %s\n", timeAgo(rec.LastUsedAt))
	if rec.ClosedAt != nil {
		fmt.Fprintf(ui.Out, "  Closed:     %s\n", rec.ClosedAt.Local().Format(time.RFC3339))
	}
	if rec.ProtocolSessionID != "" {
		fmt.Fprintf(ui.Out, "  Session:    %s\n", rec.ProtocolSessionID)
	}
	if usage := rec.Projection.Usage; usage != nil && usage.Size > 0 {
		fmt.Fprintf(ui.Out, "  Context:    %d / %d\n", usage.Used, usage.Size)
	}
	fmt.Fprintf(ui.Out, "  Full ID:    %s\n", rec.RecordID)

	if len(rec.Transcript.Messages) > 0 {
		fmt.Fprintln(ui.Out)
		renderTranscript(rec)
	}

	if total := rec.Transcript.CumulativeUsage; !total.IsZero() {
		fmt.Fprintln(ui.Out)
		fmt.Fprintf(ui.Out, "  Tokens:     %d in / %d out / %d cache-write / %d cache-read\n",
			total.InputTokens, total.OutputTokens, total.CacheCreationInputTokens, total.CacheReadInputTokens)
	}
	return nil
}

// renderTranscript prints the conversation turn by turn. Thought runs only
// show under --verbose; tool uses collapse to one dim line each.
func renderTranscript(rec *models.SessionRecord) {
	for i := range rec.Transcript.Messages {
		msg := &rec.Transcript.Messages[i]
		switch msg.Role {
		case models.MessageRoleUser:
			fmt.Fprintf(ui.Out, "%s %s\n", output.Cyan("❯"), msg.Text)
			if usage, ok := rec.Transcript.RequestUsage[msg.ID]; ok && ui.Verbose {
				fmt.Fprintln(ui.Out, output.Dim(fmt.Sprintf("  (%d tokens this turn)", usage.Total())))
			}
		case models.MessageRoleAgent:
			for _, entry := range msg.Content {
				switch entry.Type {
				case models.ContentTypeText:
					if entry.Thought {
						if ui.Verbose {
							fmt.Fprintln(ui.Out, output.Dim(strings.TrimRight(entry.Text, "\n")))
						}
						continue
					}
					fmt.Fprintln(ui.Out, strings.TrimRight(entry.Text, "\n"))
				case models.ContentTypeToolUse:
					line := "• " + entry.Name
					if res := msg.Result(entry.ToolCallID); res != nil && res.Status != "" {
						line += " (" + res.Status + ")"
					}
					fmt.Fprintln(ui.Out, output.Dim(line))
				}
			}
		}
	}
}

func resolveRun(ref string) error {
	reg, err := getRegistry()
	if err != nil {
		return err
	}

	rec, err := reg.Resolve(ref)
	var ambig *registry.AmbiguousError
	switch {
	case errors.As(err, &ambig):
		ui.Warning("Reference %q matches %d sessions:", ref, len(ambig.Candidates))
		table := ui.Table([]string{"ID", "Name", "Cwd", "State"})
		for _, id := range ambig.Candidates {
			cand, getErr := reg.Get(id)
			if getErr != nil {
				continue
			}
			table.Append([]string{cand.RecordID, cand.Name, cand.Cwd, output.StateColor(string(reg.State(cand)))})
		}
		table.Render()
		return err
	case errors.Is(err, registry.ErrNotFound):
		return fmt.Errorf("no session matches %q", ref)
	case err != nil:
		return err
	}

	how := "suffix match"
	if rec.RecordID == ref || rec.ProtocolSessionID == ref {
		how = "exact match"
	}
	ui.Success("%q resolves to %s (%s)", ref, output.Cyan(rec.RecordID), how)
	if rec.ProtocolSessionID != "" {
		fmt.Fprintf(ui.Out, "  Protocol session: %s\n", rec.ProtocolSessionID)
	}
	fmt.Fprintf(ui.Out, "  Cwd:              %s\n", rec.Cwd)
	fmt.Fprintf(ui.Out, "  State:            %s\n", output.StateColor(string(reg.State(rec))))
	return nil
}

func logRun(ref string) error {
	reg, err := getRegistry()
	if err != nil {
		return err
	}
	rec, err := reg.Resolve(ref)
	if err != nil {
		return err
	}

	events := rec.Projection.Events
	if len(events) == 0 {
		ui.Info("No events recorded for session %s.", shortID(rec.RecordID))
		return nil
	}
	if logTail > 0 && len(events) > logTail {
		events = events[len(events)-logTail:]
	}

	if rec.EventLog.Path != "" {
		ui.VerboseLog("Event log file: %s (%d rotated segments)", rec.EventLog.Path, rec.EventLog.SegmentCount)
	}

	table := ui.Table([]string{"At", "Kind", "Summary"})
	for _, evt := range events {
		table.Append([]string{
			evt.At.Local().Format("2006-01-02 15:04:05"),
			string(evt.Kind),
			summarizeEvent(evt),
		})
	}
	table.Render()
	return nil
}

// summarizeEvent compresses an event payload into one table cell.
func summarizeEvent(evt models.ProjectionEvent) string {
	body, ok := evt.Payload.(map[string]any)
	if !ok {
		return ""
	}
	str := func(key string) string {
		s, _ := body[key].(string)
		return s
	}

	if evt.Kind == models.EventKindClientOp {
		summary := str("op")
		if reason := str("stop_reason"); reason != "" {
			summary += " " + reason
		}
		if text := str("text"); text != "" {
			summary += fmt.Sprintf(" (%d chars)", len(text))
		}
		return summary
	}

	switch str("session_update") {
	case "agent_message_chunk", "agent_thought_chunk", "user_message_chunk":
		if c, ok := body["content"].(map[string]any); ok {
			if text, ok := c["text"].(string); ok {
				return fmt.Sprintf("%d chars", len(text))
			}
		}
		return ""
	case "tool_call", "tool_call_update":
		parts := make([]string, 0, 3)
		if id := str("tool_call_id"); id != "" {
			parts = append(parts, shortID(id))
		}
		if title := str("title"); title != "" {
			parts = append(parts, title)
		}
		if status := str("status"); status != "" {
			parts = append(parts, "("+status+")")
		}
		return strings.Join(parts, " ")
	case "current_mode_update":
		return str("current_mode_id")
	case "session_info_update":
		return str("title")
	case "usage_update":
		return fmt.Sprintf("in %v out %v", body["input_tokens"], body["output_tokens"])
	case "plan":
		if entries, ok := body["entries"].([]any); ok {
			return fmt.Sprintf("%d entries", len(entries))
		}
		return ""
	default:
		return ""
	}
}

func opsRun(ref string) error {
	reg, err := getRegistry()
	if err != nil {
		return err
	}
	rec, err := reg.Resolve(ref)
	if err != nil {
		return err
	}
	ops, err := getOplog()
	if err != nil {
		return err
	}

	entries, err := ops.ListForRecord(context.Background(), rec.RecordID, opsLimit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		ui.Info("No filesystem operations recorded for session %s.", shortID(rec.RecordID))
		return nil
	}

	table := ui.Table([]string{"At", "Method", "Outcome", "Path", "Detail"})
	for _, e := range entries {
		table.Append([]string{
			e.At.Local().Format("2006-01-02 15:04:05"),
			e.Method,
			output.OutcomeColor(string(e.Outcome)),
			e.Path,
			e.Detail,
		})
	}
	table.Render()
	return nil
}
