// Package scheduler drives spaced-repetition delivery for RemindPipe.
//
// The Scheduler owns the job lifecycle: it starts and cancels reminders,
// exposes the lazily claiming sequence of due jobs, and processes each claimed
// job through the delivery executor and the Fibonacci backoff policy.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/BTreeMap/RemindPipe/internal/backoff"
	"github.com/BTreeMap/RemindPipe/internal/clock"
	"github.com/BTreeMap/RemindPipe/internal/delivery"
	"github.com/BTreeMap/RemindPipe/internal/interval"
	"github.com/BTreeMap/RemindPipe/internal/messaging"
	"github.com/BTreeMap/RemindPipe/internal/models"
	"github.com/BTreeMap/RemindPipe/internal/store"
	"github.com/google/uuid"
)

// Default configuration constants
const (
	DefaultWorkers        = 4
	DefaultPollInterval   = 10 * time.Second
	DefaultStaleThreshold = 5 * time.Minute
)

// Repo is the storage the scheduler depends on.
type Repo interface {
	store.ItemRepo
	store.JobRepo
	store.DeadLetterRepo
}

// Opts holds configuration for a Scheduler.
type Opts struct {
	Workers        int
	PollInterval   time.Duration
	StaleThreshold time.Duration
	RetryBudget    int
	Clock          clock.Clock
	Renderer       delivery.Renderer
}

// Option configures a Scheduler.
type Option func(*Opts)

// WithWorkers sets the size of the delivery worker pool.
func WithWorkers(n int) Option {
	return func(o *Opts) { o.Workers = n }
}

// WithPollInterval sets how often the runner looks for due jobs.
func WithPollInterval(d time.Duration) Option {
	return func(o *Opts) { o.PollInterval = d }
}

// WithStaleThreshold sets how long a job may stay executing before it is requeued.
func WithStaleThreshold(d time.Duration) Option {
	return func(o *Opts) { o.StaleThreshold = d }
}

// WithRetryBudget sets the cumulative retry delay ceiling in minutes.
func WithRetryBudget(minutes int) Option {
	return func(o *Opts) { o.RetryBudget = minutes }
}

// WithClock injects the time source.
func WithClock(c clock.Clock) Option {
	return func(o *Opts) { o.Clock = c }
}

// WithRenderer overrides the reminder renderer.
func WithRenderer(r delivery.Renderer) Option {
	return func(o *Opts) { o.Renderer = r }
}

// Scheduler is the single scheduling authority for reminder jobs.
type Scheduler struct {
	repo     Repo
	executor *delivery.Executor
	policy   backoff.Policy
	clock    clock.Clock
	cfg      Opts
}

// New creates a Scheduler delivering through transport.
func New(repo Repo, transport messaging.Transport, opts ...Option) *Scheduler {
	cfg := Opts{
		Workers:        DefaultWorkers,
		PollInterval:   DefaultPollInterval,
		StaleThreshold: DefaultStaleThreshold,
		RetryBudget:    backoff.DefaultBudgetMinutes,
		Clock:          clock.System{},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = DefaultStaleThreshold
	}
	slog.Debug("scheduler.New", "workers", cfg.Workers, "pollInterval", cfg.PollInterval, "retryBudget", cfg.RetryBudget)
	return &Scheduler{
		repo:     repo,
		executor: delivery.NewExecutor(repo, transport, cfg.Renderer, cfg.Clock),
		policy:   backoff.NewPolicy(cfg.RetryBudget),
		clock:    cfg.Clock,
		cfg:      cfg,
	}
}

// Now returns the scheduler's current time.
func (s *Scheduler) Now() time.Time { return s.clock.Now() }

// CreateItem stores new content and schedules its first reminder to chatID.
func (s *Scheduler) CreateItem(ctx context.Context, ownerID int64, chatID, content string) (*models.ReminderItem, error) {
	now := s.clock.Now()
	item := models.ReminderItem{
		OwnerID:    ownerID,
		ChatID:     chatID,
		Content:    content,
		Step:       interval.FirstStep,
		NextFireAt: interval.NextFireAt(now, interval.FirstStep),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := item.Validate(); err != nil {
		return nil, err
	}
	if err := s.repo.CreateItem(ctx, &item); err != nil {
		return nil, fmt.Errorf("create item: %w", err)
	}
	if _, err := s.ScheduleReminder(ctx, item.ID, chatID); err != nil {
		return nil, err
	}
	slog.Info("Scheduler.CreateItem: item created", "itemID", item.ID, "ownerID", ownerID, "chatID", chatID)
	return &item, nil
}

// ScheduleReminder starts or restarts the schedule of an item for chatID:
// step 1, first interval from now, fresh retry pair. Any existing job for the
// identity is replaced.
func (s *Scheduler) ScheduleReminder(ctx context.Context, itemID int64, chatID string) (*models.ScheduledJob, error) {
	if chatID == "" {
		return nil, models.ErrEmptyChatID
	}
	item, err := s.repo.GetItem(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("schedule reminder: %w", err)
	}

	now := s.clock.Now()
	seed := backoff.Seed()
	job := models.ScheduledJob{
		ItemID:      itemID,
		ChatID:      chatID,
		OwnerID:     item.OwnerID,
		Step:        interval.FirstStep,
		FireAt:      interval.NextFireAt(now, interval.FirstStep),
		RetryFirst:  seed.First,
		RetrySecond: seed.Second,
		Status:      models.JobStatusQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.UpdateItemSchedule(ctx, itemID, job.Step, job.FireAt, now); err != nil {
		return nil, fmt.Errorf("schedule reminder: %w", err)
	}
	if err := s.repo.ScheduleJob(ctx, job); err != nil {
		return nil, fmt.Errorf("schedule reminder: %w", err)
	}
	slog.Debug("Scheduler.ScheduleReminder", "job", job.Identity(), "fireAt", job.FireAt)
	return &job, nil
}

// CancelReminder removes the job for one destination of an item.
func (s *Scheduler) CancelReminder(ctx context.Context, itemID int64, chatID string) error {
	if err := s.repo.CancelJob(ctx, models.JobIdentity{ItemID: itemID, ChatID: chatID}); err != nil {
		return fmt.Errorf("cancel reminder: %w", err)
	}
	slog.Debug("Scheduler.CancelReminder", "itemID", itemID, "chatID", chatID)
	return nil
}

// DeleteItem cancels every job of the item and deletes it in one transaction.
func (s *Scheduler) DeleteItem(ctx context.Context, itemID int64) error {
	if err := s.repo.DeleteItem(ctx, itemID); err != nil {
		return fmt.Errorf("delete item: %w", err)
	}
	slog.Info("Scheduler.DeleteItem: item deleted", "itemID", itemID)
	return nil
}

// DueJobs returns a lazy sequence of jobs due at now. Each job is claimed only
// when the consumer pulls it; a claim error is yielded once and ends the sequence.
func (s *Scheduler) DueJobs(ctx context.Context, now time.Time) iter.Seq2[models.ScheduledJob, error] {
	return func(yield func(models.ScheduledJob, error) bool) {
		for ctx.Err() == nil {
			job, err := s.repo.ClaimNextDueJob(ctx, now)
			if err != nil {
				yield(models.ScheduledJob{}, err)
				return
			}
			if job == nil {
				return
			}
			if !yield(*job, nil) {
				return
			}
		}
	}
}

// RecoverStaleJobs requeues jobs left executing for longer than the stale threshold.
func (s *Scheduler) RecoverStaleJobs(ctx context.Context) (int, error) {
	staleBefore := s.clock.Now().Add(-s.cfg.StaleThreshold)
	n, err := s.repo.RequeueStaleJobs(ctx, staleBefore)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Info("Scheduler.RecoverStaleJobs: requeued stale jobs", "count", n)
	}
	return n, nil
}

// Process runs one claimed job to completion: delivery, then either the
// success reschedule or the backoff decision. A job whose delivery was not
// attempted because ctx ended is requeued unchanged.
func (s *Scheduler) Process(ctx context.Context, job models.ScheduledJob) error {
	out, err := s.executor.Execute(ctx, job)
	if err != nil {
		if errors.Is(err, delivery.ErrNotAttempted) {
			return s.release(context.WithoutCancel(ctx), job)
		}
		if errors.Is(err, models.ErrItemNotFound) {
			slog.Info("Scheduler.Process: item gone, dropping job", "job", job.Identity())
			return s.repo.CancelJob(ctx, job.Identity())
		}
		return err
	}
	if out.Kind == delivery.Delivered {
		return nil
	}
	return s.applyBackoff(context.WithoutCancel(ctx), job, out)
}

// release returns a claimed job to the queue with its step, fire time and
// retry pair intact.
func (s *Scheduler) release(ctx context.Context, job models.ScheduledJob) error {
	job.UpdatedAt = s.clock.Now()
	if err := s.repo.RescheduleJob(ctx, job); err != nil {
		if errors.Is(err, models.ErrJobNotFound) {
			return nil
		}
		return fmt.Errorf("release %s: %w", job.Identity(), err)
	}
	slog.Info("Scheduler.release: delivery interrupted, job requeued", "job", job.Identity(), "step", job.Step)
	return nil
}

func (s *Scheduler) applyBackoff(ctx context.Context, job models.ScheduledJob, out delivery.Outcome) error {
	pair := backoff.Pair{First: job.RetryFirst, Second: job.RetrySecond}
	var decision backoff.Decision
	if out.Kind == delivery.TransientFailure {
		decision = s.policy.OnTransient(pair)
	} else {
		decision = s.policy.OnPermanent(pair)
	}

	now := s.clock.Now()

	if decision.Action == backoff.ActionRetry {
		retryAt := now.Add(decision.Delay)
		job.FireAt = retryAt
		job.RetryFirst, job.RetrySecond = decision.Next.First, decision.Next.Second
		job.LastError = out.Reason
		job.UpdatedAt = now
		if err := s.repo.RescheduleJob(ctx, job); err != nil {
			if errors.Is(err, models.ErrJobNotFound) {
				slog.Info("Scheduler.applyBackoff: job removed while executing, not retrying", "job", job.Identity())
				return nil
			}
			return fmt.Errorf("reschedule retry for %s: %w", job.Identity(), err)
		}
		// The item shows the retry time; the step stays where the job is.
		if err := s.repo.UpdateItemSchedule(ctx, job.ItemID, job.Step, retryAt, now); err != nil && !errors.Is(err, models.ErrItemNotFound) {
			return fmt.Errorf("update item %d schedule: %w", job.ItemID, err)
		}
		slog.Warn("Scheduler.applyBackoff: retry scheduled", "job", job.Identity(), "delay", decision.Delay,
			"pair", decision.Next, "code", out.Code)
		return nil
	}

	current, err := s.repo.GetJob(ctx, job.Identity())
	if errors.Is(err, models.ErrJobNotFound) || (err == nil && current.Status != models.JobStatusExecuting) {
		slog.Info("Scheduler.applyBackoff: job removed while executing, not dead-lettering", "job", job.Identity())
		return nil
	}
	if err != nil {
		return fmt.Errorf("dead-letter %s: %w", job.Identity(), err)
	}

	rec := models.DeadLetterRecord{
		ID:        uuid.NewString(),
		ItemID:    job.ItemID,
		ChatID:    job.ChatID,
		OwnerID:   job.OwnerID,
		Step:      job.Step,
		Reason:    fmt.Sprintf("%s: %s", decision.Reason, out.Reason),
		CreatedAt: now,
	}
	if err := s.repo.RecordDeadLetter(ctx, rec); err != nil {
		return fmt.Errorf("record dead letter for %s: %w", job.Identity(), err)
	}
	if err := s.repo.CancelJob(ctx, job.Identity()); err != nil {
		return fmt.Errorf("remove dead-lettered job %s: %w", job.Identity(), err)
	}
	slog.Error("Scheduler.applyBackoff: reminder dead-lettered", "job", job.Identity(), "ownerID", job.OwnerID,
		"deadLetterID", rec.ID, "code", out.Code, "reason", rec.Reason)
	return nil
}
