package cmd

import (
	"github.com/spf13/cobra"

	"github.com/acpx-sh/acpx/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server exposing recorded sessions",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

This lets other agent tooling query acpx natively for recorded sessions,
transcripts, event logs, and audited filesystem operations. Configure with:

  {
    "mcpServers": {
      "acpx": { "command": "acpx", "args": ["mcp"] }
    }
  }

Available tools: acpx_list_sessions, acpx_resolve_session, acpx_transcript,
acpx_tail_log, acpx_session_ops, acpx_close_session`,
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := getRegistry()
		if err != nil {
			return err
		}
		ops, err := getOplog()
		if err != nil {
			// The ops tool degrades to "unavailable" without the store.
			ui.Warning("Operation log unavailable: %v", err)
		}
		return mcp.NewServer(reg, ops).ServeStdio(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
