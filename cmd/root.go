package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/apexion-ai/agentloop/internal/config"
)

var (
	cfgFile       string
	modelFlag     string
	providerFlag  string
	approvalFlag  string
	maxIterations int
	storeFlag     string
	logLevel      string
	verbose       bool

	appVersion string
	appCommit  string
	appDate    string
)

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	appVersion = version
	appCommit = commit
	appDate = date

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "agentloop",
		Short: "Agentic coding assistant",
		Long:  "agentloop runs a model-driven tool loop with approval policies, durable sessions and checkpoints.",
		// No subcommand starts the interactive chat.
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context())
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&cfgFile, "config", "c", "", "config file path (default ~/.config/agentloop/config.yaml)")
	pf.StringVarP(&modelFlag, "model", "m", "", "override model")
	pf.StringVarP(&providerFlag, "provider", "p", "", "override provider")
	pf.StringVarP(&approvalFlag, "approval", "a", "", "approval policy: yolo, auto, auto-edit, on-request, never")
	pf.IntVar(&maxIterations, "max-iterations", 0, "max model round trips per turn (0 = config)")
	pf.StringVar(&storeFlag, "store", "", "session store backend: file or sqlite")
	pf.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(
		newRunCmd(),
		newSessionsCmd(),
		newCheckpointCmd(),
		newMCPCmd(),
		newInitCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "agentloop %s (commit %s, built %s)\n", appVersion, appCommit, appDate)
		},
	}
}

// initConfig loads configuration, applies CLI flag overrides and validates
// the result.
func initConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	if providerFlag != "" {
		cfg.Provider = providerFlag
	}
	if modelFlag != "" {
		cfg.Model = modelFlag
	}
	if approvalFlag != "" {
		cfg.Approval.Policy = approvalFlag
	}
	if maxIterations > 0 {
		cfg.Loop.MaxIterations = maxIterations
	}
	if storeFlag != "" {
		cfg.Store.Backend = storeFlag
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if verbose {
		cfg.Log.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
