// Command remindpipe runs the spaced-repetition reminder service and its
// operator tools.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func main() {
	initializeLogger(slog.LevelInfo)

	config := loadEnvironmentConfig()
	if err := newRootCmd(&config).Execute(); err != nil {
		slog.Error("RemindPipe failed to run", "error", err)
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. Flags default to the values already
// loaded into config, so flags override the environment.
func newRootCmd(config *Config) *cobra.Command {
	root := &cobra.Command{
		Use:           "remindpipe",
		Short:         "Spaced-repetition reminders delivered to chat",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := parseLogLevel(config.LogLevel)
			if err != nil {
				return err
			}
			initializeLogger(level)
			config.resolveDSN(cmd.Flags().Changed("db-dsn"))
			slog.Debug("configuration resolved",
				"state_dir", config.StateDir,
				"dsn_type", dsnType(config.DBDSN),
				"transport", config.Transport,
				"api_addr", config.APIAddr,
				"workers", config.Workers,
				"poll_interval", config.PollInterval,
				"retry_budget_minutes", config.RetryBudgetMinutes,
				"quiz_daily_cap", config.QuizDailyCap,
				"lock_enabled", config.LockEnabled,
				"openai_key_set", config.OpenAIKey != "")
			return nil
		},
	}

	f := root.PersistentFlags()
	f.StringVar(&config.StateDir, "state-dir", config.StateDir, "state directory for RemindPipe data (overrides $REMINDPIPE_STATE_DIR)")
	f.StringVar(&config.DBDSN, "db-dsn", config.DBDSN, "database DSN, Postgres URL or SQLite path (overrides $DATABASE_URL)")
	f.StringVar(&config.LogLevel, "log-level", config.LogLevel, "log level: debug, info, warn or error (overrides $REMINDPIPE_LOG_LEVEL)")

	root.AddCommand(newServeCmd(config))
	root.AddCommand(newDeadLettersCmd(config))
	root.AddCommand(newRemindersCmd(config))
	return root
}

// initializeLogger installs a text handler on stdout at level.
func initializeLogger(level slog.Level) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}
