package cli

import (
	"log/slog"
	"os"

	"github.com/me/graderun/internal/logging"
	"github.com/spf13/cobra"
)

var (
	flagServer    string
	flagToken     string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	logger *slog.Logger
	client *Client
)

// defaultServer returns the default server URL, checking GRADERUN_SERVER env var first.
func defaultServer() string {
	if s := os.Getenv("GRADERUN_SERVER"); s != "" {
		return s
	}
	return "http://localhost:8080"
}

// defaultToken returns the staff token from the environment, if set.
func defaultToken() string {
	return os.Getenv("GRADERUN_STAFF_TOKEN")
}

// NewRootCmd creates the root cobra command for the gradectl CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "gradectl",
		Short: "gradectl — manage GradeRun grading runs",
		Long:  "gradectl triggers, monitors, and manages grading runs on a GradeRun server.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				flagLogLevel = "debug"
			}
			logger = logging.NewLogger(logging.ParseLevel(flagLogLevel), flagLogFormat)
			client = NewClient(flagServer, flagToken, logger)
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagServer, "server", defaultServer(), "GradeRun server URL (or GRADERUN_SERVER env)")
	root.PersistentFlags().StringVar(&flagToken, "token", defaultToken(), "Staff bearer token (or GRADERUN_STAFF_TOKEN env)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newTriggerCmd(),
		newStatusCmd(),
		newListCmd(),
		newCancelCmd(),
		newEligibilityCmd(),
		newGradesCmd(),
	)

	return root
}
