package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/BTreeMap/RemindPipe/internal/api"
	"github.com/BTreeMap/RemindPipe/internal/clock"
	"github.com/BTreeMap/RemindPipe/internal/genai"
	"github.com/BTreeMap/RemindPipe/internal/lockfile"
	"github.com/BTreeMap/RemindPipe/internal/quiz"
	"github.com/BTreeMap/RemindPipe/internal/quota"
	"github.com/BTreeMap/RemindPipe/internal/recovery"
	"github.com/BTreeMap/RemindPipe/internal/scheduler"
	"github.com/spf13/cobra"
)

func newServeCmd(config *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reminder scheduler, quiz service and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, *config)
		},
	}

	f := cmd.Flags()
	f.StringVar(&config.APIAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	f.StringVar(&config.Transport, "transport", config.Transport, "chat transport: telegram, twilio or log (overrides $REMINDPIPE_TRANSPORT)")
	f.StringVar(&config.OpenAIKey, "openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)")
	f.IntVar(&config.Workers, "workers", config.Workers, "delivery worker count (overrides $REMINDPIPE_WORKERS)")
	f.DurationVar(&config.PollInterval, "poll-interval", config.PollInterval, "due-job poll interval (overrides $REMINDPIPE_POLL_INTERVAL)")
	f.IntVar(&config.RetryBudgetMinutes, "retry-budget", config.RetryBudgetMinutes, "retry budget in minutes before dead-lettering (overrides $REMINDPIPE_RETRY_BUDGET_MINUTES)")
	f.IntVar(&config.QuizDailyCap, "quiz-daily-cap", config.QuizDailyCap, "quizzes per owner per 24h (overrides $REMINDPIPE_QUIZ_DAILY_CAP)")
	f.BoolVar(&config.LockEnabled, "lock", config.LockEnabled, "hold the state directory lock while running (overrides $REMINDPIPE_LOCK_ENABLED)")
	return cmd
}

// runServe wires the components and blocks until ctx is cancelled or the
// HTTP server fails.
func runServe(ctx context.Context, config Config) error {
	slog.Info("Bootstrapping RemindPipe", "state_dir", config.StateDir, "dsn_type", dsnType(config.DBDSN))

	if config.LockEnabled {
		if err := os.MkdirAll(config.StateDir, 0o755); err != nil {
			return fmt.Errorf("create state directory: %w", err)
		}
		lock, err := lockfile.Acquire(config.StateDir)
		if err != nil {
			return err
		}
		defer func() {
			if err := lock.Release(); err != nil {
				slog.Warn("failed to release lock", "path", lock.Path(), "error", err)
			}
		}()
		slog.Debug("lock acquired", "path", lock.Path())
	}

	st, err := openStore(config)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Warn("failed to close store", "error", err)
		}
	}()

	transport, err := buildTransport(config)
	if err != nil {
		return fmt.Errorf("build transport: %w", err)
	}

	sched := scheduler.New(st, transport,
		scheduler.WithWorkers(config.Workers),
		scheduler.WithPollInterval(config.PollInterval),
		scheduler.WithRetryBudget(config.RetryBudgetMinutes),
	)
	engine := quota.NewEngine(st, quota.WithDailyCap(config.QuizDailyCap))
	quizzes := quiz.NewService(st, engine, buildGenerator(config), transport)
	defer quizzes.Close()

	rm := recovery.NewRecoveryManager(st, clock.System{})
	rm.RegisterRecoverable(recovery.StaleJobRecovery(sched))
	rm.RegisterRecoverable(recovery.QuizRecovery(quizzes))
	rm.RegisterRecoverable(recovery.DeadLetterReport())
	if err := rm.RecoverAll(ctx); err != nil {
		slog.Warn("startup recovery incomplete", "error", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cron := scheduler.NewCron()
	defer cron.Stop()
	if err := sched.RegisterMaintenance(ctx, cron, scheduler.DefaultMaintenanceSpec); err != nil {
		return fmt.Errorf("register maintenance: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		scheduler.NewRunner(sched).Run(ctx)
	}()

	err = api.NewServer(st, sched, quizzes, engine).Run(ctx, config.APIAddr)
	cancel()
	wg.Wait()
	if err != nil {
		return fmt.Errorf("api server: %w", err)
	}
	slog.Info("RemindPipe exited successfully")
	return nil
}

// buildGenerator returns the OpenAI client, or a generator that always fails
// when no key is configured.
func buildGenerator(config Config) quiz.Generator {
	opts := []genai.Option{genai.WithDebugMode(config.GenAIDebug, config.StateDir)}
	if config.OpenAIKey != "" {
		opts = append(opts, genai.WithAPIKey(config.OpenAIKey))
	}
	client, err := genai.NewClient(opts...)
	if err != nil {
		slog.Warn("GenAI client unavailable, quizzes cannot be generated", "error", err)
		return unavailableGenerator{err: err}
	}
	return client
}
