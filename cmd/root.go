package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/acpx-sh/acpx/internal/oplog"
	"github.com/acpx-sh/acpx/internal/output"
	"github.com/acpx-sh/acpx/internal/registry"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui       *output.UI
	sessions *registry.Registry
	opsStore *oplog.Store

	verbose bool
	dryRun  bool

	buildVersion string
	buildCommit  string
	buildDate    string
)

var rootCmd = &cobra.Command{
	Use:   "acpx",
	Short: "Durable sessions for ACP coding agents",
	Long: `acpx runs coding agents over the Agent Client Protocol and keeps
every conversation durable: prompts, streamed updates, tool calls, and
token usage land in per-session JSON records that survive restarts and
can be resumed, inspected, and closed from any directory.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date
	rootCmd.Version = fmt.Sprintf("%s (commit %s, built %s)", buildVersion, buildCommit, buildDate)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return rootRun(cmd)
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false, "Show what would happen without making changes")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/acpx/config.yaml)")
}

func initConfig() {
	// If --config is explicitly set, use that file
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}

		configDir := filepath.Join(home, ".config", "acpx")
		viper.AddConfigPath(configDir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("ACPX")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Defaults via viper.SetDefault()
	home, _ := os.UserHomeDir()
	defaultConfigDir := filepath.Join(home, ".config", "acpx")

	viper.SetDefault("session_dir", filepath.Join(defaultConfigDir, "sessions"))
	viper.SetDefault("oplog_path", filepath.Join(defaultConfigDir, "ops.db"))
	viper.SetDefault("agent.cmd", "claude-code-acp")
	viper.SetDefault("agent.close_signal", "SIGTERM")
	viper.SetDefault("permissions.mode", "approve-reads")
	viper.SetDefault("permissions.fallback", "fail")
	viper.SetDefault("log.max_bytes", 4*1024*1024)
	viper.SetDefault("log.max_segments", 4)

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose
	ui.DryRun = dryRun

	// Registry and operation log are initialized lazily so config and
	// version commands run without touching state directories.
}

// rootRun handles `acpx` with no subcommand: find the session bound to the
// current directory and show it, falling back to help.
func rootRun(cmd *cobra.Command) error {
	reg, err := getRegistry()
	if err != nil {
		return cmd.Help()
	}

	cwd, err := os.Getwd()
	if err != nil {
		return cmd.Help()
	}

	rec, err := reg.FindByDirectoryWalk(registry.WalkQuery{
		AgentCmd: viper.GetString("agent.cmd"),
		Start:    cwd,
	})
	if err != nil {
		return cmd.Help()
	}
	return showRun(rec.RecordID)
}

// getRegistry returns the shared session registry, initializing it on first
// call. The directory itself is created lazily by the first write.
func getRegistry() (*registry.Registry, error) {
	if sessions != nil {
		return sessions, nil
	}

	dir := viper.GetString("session_dir")
	if dir == "" {
		return nil, fmt.Errorf("session_dir is not configured")
	}
	sessions = registry.New(dir)
	return sessions, nil
}

// getOplog returns the shared operation log, initializing it on first call.
func getOplog() (*oplog.Store, error) {
	if opsStore != nil {
		return opsStore, nil
	}

	path := viper.GetString("oplog_path")
	if path == "" {
		return nil, fmt.Errorf("oplog_path is not configured")
	}
	s, err := oplog.New(path)
	if err != nil {
		return nil, fmt.Errorf("open operation log: %w", err)
	}
	opsStore = s
	return opsStore, nil
}
