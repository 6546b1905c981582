package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BTreeMap/RemindPipe/internal/backoff"
	"github.com/BTreeMap/RemindPipe/internal/messaging"
	"github.com/BTreeMap/RemindPipe/internal/models"
	"github.com/BTreeMap/RemindPipe/internal/quota"
	"github.com/BTreeMap/RemindPipe/internal/scheduler"
	"github.com/BTreeMap/RemindPipe/internal/store"
	"github.com/BTreeMap/RemindPipe/internal/util"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for RemindPipe state data
	DefaultStateDir = "/var/lib/remindpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "remindpipe.db"
)

// Transport names accepted by --transport.
const (
	TransportTelegram = "telegram"
	TransportTwilio   = "twilio"
	TransportLog      = "log"
)

// Config holds the resolved configuration.
type Config struct {
	StateDir    string
	DatabaseURL string
	DBDSN       string
	LogLevel    string

	Transport     string
	TelegramToken string
	TwilioSID     string
	TwilioToken   string
	TwilioFrom    string
	OpenAIKey     string
	GenAIDebug    bool

	APIAddr            string
	Workers            int
	PollInterval       time.Duration
	RetryBudgetMinutes int
	QuizDailyCap       int
	LockEnabled        bool
}

// loadEnvironmentConfig loads configuration from the .env file and environment variables
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:           util.StringEnv("REMINDPIPE_STATE_DIR", DefaultStateDir),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		LogLevel:           util.StringEnv("REMINDPIPE_LOG_LEVEL", "info"),
		Transport:          strings.ToLower(os.Getenv("REMINDPIPE_TRANSPORT")),
		TelegramToken:      os.Getenv("TELEGRAM_BOT_TOKEN"),
		TwilioSID:          os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioToken:        os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:         os.Getenv("TWILIO_FROM_NUMBER"),
		OpenAIKey:          os.Getenv("OPENAI_API_KEY"),
		GenAIDebug:         util.ParseBoolEnv("REMINDPIPE_GENAI_DEBUG", false),
		APIAddr:            os.Getenv("API_ADDR"),
		Workers:            util.ParseIntEnv("REMINDPIPE_WORKERS", scheduler.DefaultWorkers),
		PollInterval:       util.ParseDurationEnv("REMINDPIPE_POLL_INTERVAL", scheduler.DefaultPollInterval),
		RetryBudgetMinutes: util.ParseIntEnv("REMINDPIPE_RETRY_BUDGET_MINUTES", backoff.DefaultBudgetMinutes),
		QuizDailyCap:       util.ParseIntEnv("REMINDPIPE_QUIZ_DAILY_CAP", quota.DefaultDailyCap),
		LockEnabled:        util.ParseBoolEnv("REMINDPIPE_LOCK_ENABLED", true),
	}
	config.DBDSN = config.DatabaseURL

	slog.Debug("environment variables loaded",
		"REMINDPIPE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"REMINDPIPE_TRANSPORT", config.Transport,
		"TELEGRAM_BOT_TOKEN_SET", config.TelegramToken != "",
		"TWILIO_ACCOUNT_SID_SET", config.TwilioSID != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr)

	return config
}

// resolveDSN defaults the database to SQLite in the state directory unless a
// DSN was given. An explicitly empty --db-dsn selects the in-memory store.
func (c *Config) resolveDSN(explicit bool) {
	if explicit || c.DBDSN != "" {
		return
	}
	c.DBDSN = filepath.Join(c.StateDir, DefaultDBFileName)
	slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", c.DBDSN)
}

func dsnType(dsn string) string {
	if dsn == "" {
		return "memory"
	}
	return store.DetectDSNType(dsn)
}

// ensureDirectoriesExist creates the state directory and, for SQLite, the
// database's parent directory.
func ensureDirectoriesExist(config Config) error {
	dirs := []string{config.StateDir}
	if dsnType(config.DBDSN) == "sqlite3" {
		dirs = append(dirs, filepath.Dir(strings.TrimPrefix(config.DBDSN, "file:")))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// openStore prepares directories and opens the configured backend.
func openStore(config Config) (store.Store, error) {
	if err := ensureDirectoriesExist(config); err != nil {
		return nil, err
	}
	st, err := store.Open(config.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	slog.Debug("store opened", "dsn_type", dsnType(config.DBDSN))
	return st, nil
}

// transportKind picks the configured transport, or the first one with
// credentials when none is named.
func transportKind(config Config) string {
	if config.Transport != "" {
		return config.Transport
	}
	switch {
	case config.TelegramToken != "":
		return TransportTelegram
	case config.TwilioSID != "":
		return TransportTwilio
	default:
		return TransportLog
	}
}

func buildTransport(config Config) (messaging.Transport, error) {
	switch kind := transportKind(config); kind {
	case TransportTelegram:
		t, err := messaging.NewTelegramTransport(config.TelegramToken)
		if err != nil {
			return nil, err
		}
		return t, nil
	case TransportTwilio:
		t, err := messaging.NewTwilioTransport(
			messaging.WithAccountSID(config.TwilioSID),
			messaging.WithAuthToken(config.TwilioToken),
			messaging.WithFromWhats(config.TwilioFrom),
		)
		if err != nil {
			return nil, err
		}
		return t, nil
	case TransportLog:
		slog.Warn("No chat transport configured, reminders are written to the log")
		return messaging.LogTransport{}, nil
	default:
		return nil, fmt.Errorf("unknown transport %q (want telegram, twilio or log)", kind)
	}
}

// unavailableGenerator fails every generation; quizzes requested without an
// AI backend are abandoned after the retry attempts.
type unavailableGenerator struct {
	err error
}

func (g unavailableGenerator) GenerateQuestions(ctx context.Context, content string) ([]models.Question, error) {
	return nil, g.err
}
