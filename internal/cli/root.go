package cli

import (
	"log/slog"
	"os"

	"github.com/me/kproc/internal/logging"
	"github.com/spf13/cobra"
)

var (
	flagServer    string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	logger *slog.Logger
	client *Client
)

// defaultServer returns the default server URL, checking KPROC_SERVER env var first.
func defaultServer() string {
	if s := os.Getenv("KPROC_SERVER"); s != "" {
		return s
	}
	return "http://localhost:8080"
}

// NewRootCmd creates the root cobra command for the kproc CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "kproc",
		Short: "kproc: preemptive process scheduler simulator",
		Long: `kproc drives a simulated single-core kernel: a ring of process records,
quantum-based preemption, lazy reclamation of dead records and per-process
signal handler contexts. Run scenarios locally with "simulate" or talk to a
running kprocd with the other commands.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				flagLogLevel = "debug"
			}
			logger = logging.NewLogger(logging.ParseLevel(flagLogLevel), flagLogFormat)
			client = NewClient(flagServer, logger)
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagServer, "server", defaultServer(), "kprocd URL (or KPROC_SERVER env)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "auto", "Log format (text, json, auto)")

	root.AddCommand(
		newSimulateCmd(),
		newPsCmd(),
		newSpawnCmd(),
		newKillCmd(),
		newSignalCmd(),
		newEventsCmd(),
	)

	return root
}
