package recovery

import (
	"context"
	"fmt"
	"log/slog"
)

// JobRequeuer returns jobs abandoned mid-execution to the queue.
type JobRequeuer interface {
	RecoverStaleJobs(ctx context.Context) (int, error)
}

// QuizResumer resubmits quizzes whose generation was interrupted.
type QuizResumer interface {
	Resume(ctx context.Context) (int, error)
}

// Func adapts a function to Recoverable.
type Func struct {
	Label string
	Fn    func(ctx context.Context, registry *RecoveryRegistry) error
}

func (f Func) RecoverState(ctx context.Context, registry *RecoveryRegistry) error {
	return f.Fn(ctx, registry)
}

func (f Func) Name() string { return f.Label }

// StaleJobRecovery requeues jobs a previous process claimed but never finished.
func StaleJobRecovery(r JobRequeuer) Recoverable {
	return Func{Label: "stale-jobs", Fn: func(ctx context.Context, _ *RecoveryRegistry) error {
		n, err := r.RecoverStaleJobs(ctx)
		if err != nil {
			return fmt.Errorf("requeue stale jobs: %w", err)
		}
		slog.Info("StaleJobRecovery: requeued jobs", "count", n)
		return nil
	}}
}

// QuizRecovery restarts question generation for quizzes left in created.
func QuizRecovery(r QuizResumer) Recoverable {
	return Func{Label: "quizzes", Fn: func(ctx context.Context, _ *RecoveryRegistry) error {
		n, err := r.Resume(ctx)
		if err != nil {
			return fmt.Errorf("resume quizzes: %w", err)
		}
		slog.Info("QuizRecovery: resumed quizzes", "count", n)
		return nil
	}}
}

// DeadLetterReport logs how many dead letters await manual inspection.
func DeadLetterReport() Recoverable {
	return Func{Label: "dead-letters", Fn: func(ctx context.Context, registry *RecoveryRegistry) error {
		records, err := registry.GetStore().ListDeadLetters(ctx, 0)
		if err != nil {
			return fmt.Errorf("list dead letters: %w", err)
		}
		if len(records) > 0 {
			slog.Warn("DeadLetterReport: dead letters awaiting inspection", "count", len(records),
				"newest", records[0].CreatedAt)
		}
		return nil
	}}
}
