package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/acpx-sh/acpx/internal/models"
	"github.com/acpx-sh/acpx/internal/output"
)

var (
	listAgent   string
	closeSignal string
)

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List recorded sessions",
	Long:    "List recorded sessions, most recently used first.",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return listRun()
	},
}

var closeCmd = &cobra.Command{
	Use:   "close <session>",
	Short: "Close a session and terminate its agent process",
	Long: `Close a session: if its agent process is still alive, send it the
configured close signal, then mark the record closed. Closed sessions stay
listable and inspectable but no longer accept prompts.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return closeRun(args[0])
	},
}

var nameCmd = &cobra.Command{
	Use:   "name <session> [name]",
	Short: "Name a session (omit the name to clear it)",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := ""
		if len(args) == 2 {
			name = args[1]
		}
		return nameRun(args[0], name)
	},
}

func init() {
	listCmd.Flags().StringVar(&listAgent, "agent", "", "Only sessions for this agent command")
	closeCmd.Flags().StringVar(&closeSignal, "signal", "", "Termination signal (default from config)")
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(closeCmd)
	rootCmd.AddCommand(nameCmd)
}

func listRun() error {
	reg, err := getRegistry()
	if err != nil {
		return err
	}

	var recs []*models.SessionRecord
	if listAgent != "" {
		recs, err = reg.ListForAgent(listAgent)
	} else {
		recs, err = reg.List()
	}
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		ui.Info("No sessions recorded. Use 'acpx run' to start one.")
		return nil
	}

	table := ui.Table([]string{"ID", "Name", "State", "Agent", "Cwd", "Last Used"})
	for _, rec := range recs {
		table.Append([]string{
			shortID(rec.RecordID),
			rec.Name,
			output.StateColor(string(reg.State(rec))),
			rec.AgentCmd,
			rec.Cwd,
			timeAgo(rec.LastUsedAt),
		})
	}
	table.Render()
	return nil
}

func closeRun(ref string) error {
	reg, err := getRegistry()
	if err != nil {
		return err
	}

	if dryRun {
		rec, err := reg.Resolve(ref)
		if err != nil {
			return err
		}
		ui.DryRunMsg("Would close session %s (pid %d)", shortID(rec.RecordID), rec.PID)
		return nil
	}

	sig := closeSignal
	if sig == "" {
		sig = viper.GetString("agent.close_signal")
	}
	rec, err := reg.Close(context.Background(), ref, sig)
	if err != nil {
		return err
	}
	ui.Success("Closed session %s", output.Cyan(shortID(rec.RecordID)))
	return nil
}

func nameRun(ref, name string) error {
	reg, err := getRegistry()
	if err != nil {
		return err
	}
	rec, err := reg.Resolve(ref)
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would name session %s %q", shortID(rec.RecordID), name)
		return nil
	}

	// Deliberately does not touch last_used_at: naming is bookkeeping,
	// not use.
	rec.Name = name
	if err := reg.Write(rec); err != nil {
		return err
	}
	if name == "" {
		ui.Success("Cleared name of session %s", output.Cyan(shortID(rec.RecordID)))
	} else {
		ui.Success("Named session %s %q", output.Cyan(shortID(rec.RecordID)), name)
	}
	return nil
}

// shortID returns a truncated id for display.
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// timeAgo returns a human-readable duration from a time.
func timeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		days := int(d.Hours() / 24)
		if days == 1 {
			return "1d ago"
		}
		return fmt.Sprintf("%dd ago", days)
	}
}
