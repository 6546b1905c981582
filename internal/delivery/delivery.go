// Package delivery executes a due reminder job: it loads the item, renders it
// at the job's step and hands the text to a transport, reporting a classified
// Outcome.
//
// Each job carries its own step. The item's step and next fire time only
// mirror the most recently written job.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/RemindPipe/internal/backoff"
	"github.com/BTreeMap/RemindPipe/internal/clock"
	"github.com/BTreeMap/RemindPipe/internal/interval"
	"github.com/BTreeMap/RemindPipe/internal/messaging"
	"github.com/BTreeMap/RemindPipe/internal/models"
)

// Kind is the classification of a delivery attempt.
type Kind int

const (
	Delivered Kind = iota
	TransientFailure
	PermanentFailure
)

func (k Kind) String() string {
	switch k {
	case Delivered:
		return "delivered"
	case TransientFailure:
		return "transient_failure"
	case PermanentFailure:
		return "permanent_failure"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Outcome is the result of one delivery attempt.
type Outcome struct {
	Kind   Kind
	Code   messaging.FailureCode
	Reason string
	// Item is the item as rendered, at the job's step.
	Item models.ReminderItem
	// Next is the job as rescheduled after a successful delivery.
	Next *models.ScheduledJob
}

// Classify maps a transport error to an outcome kind using its failure code.
func Classify(err error) (Kind, messaging.FailureCode) {
	if err == nil {
		return Delivered, messaging.CodeUnknown
	}
	code := messaging.CodeOf(err)
	if code.Transient() {
		return TransientFailure, code
	}
	return PermanentFailure, code
}

// Renderer turns an item snapshot into the text sent to the chat.
type Renderer interface {
	Render(item models.ReminderItem) (string, error)
}

// TextRenderer renders a plain-text reminder headed by its ordinal.
type TextRenderer struct{}

func (TextRenderer) Render(item models.ReminderItem) (string, error) {
	if item.Content == "" {
		return "", models.ErrEmptyContent
	}
	return fmt.Sprintf("Reminder #%d\n\n%s", item.Step, item.Content), nil
}

// Repo is the storage the executor reads and writes.
type Repo interface {
	GetItem(ctx context.Context, id int64) (*models.ReminderItem, error)
	UpdateItemSchedule(ctx context.Context, id int64, step int, nextFireAt, now time.Time) error
	RescheduleJob(ctx context.Context, job models.ScheduledJob) error
}

// Executor performs delivery attempts for claimed jobs.
type Executor struct {
	repo      Repo
	transport messaging.Transport
	renderer  Renderer
	clock     clock.Clock
}

// NewExecutor creates an Executor. A nil renderer selects TextRenderer and a
// nil clock the system clock.
func NewExecutor(repo Repo, transport messaging.Transport, renderer Renderer, clk clock.Clock) *Executor {
	if renderer == nil {
		renderer = TextRenderer{}
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Executor{repo: repo, transport: transport, renderer: renderer, clock: clk}
}

// ErrNotAttempted wraps the context error when the context ended before the
// transport could report a result. The job keeps its step and retry pair.
var ErrNotAttempted = errors.New("delivery not attempted")

// Execute attempts delivery of job at job.Step. On Delivered the job is
// rescheduled for the following step with a fresh retry pair and the item's
// schedule mirrors it. Failed attempts are returned for the caller to apply
// backoff.
//
// The returned error is non-nil only for storage failures, for items that no
// longer exist (models.ErrItemNotFound) and for a context that ended before
// the send completed (ErrNotAttempted). The transport's own failures are
// reported through the Outcome.
func (e *Executor) Execute(ctx context.Context, job models.ScheduledJob) (Outcome, error) {
	item, err := e.repo.GetItem(ctx, job.ItemID)
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{}, notAttempted(ctx)
		}
		return Outcome{}, fmt.Errorf("fetch item %d: %w", job.ItemID, err)
	}
	rendered := *item
	if job.Step >= 1 {
		rendered.Step = job.Step
	}

	text, err := e.renderer.Render(rendered)
	if err != nil {
		slog.Error("Executor.Execute: render failed", "job", job.Identity(), "error", err)
		return Outcome{Kind: PermanentFailure, Reason: fmt.Sprintf("render failed: %v", err), Item: rendered}, nil
	}
	if ctx.Err() != nil {
		return Outcome{}, notAttempted(ctx)
	}

	deliverErr := e.transport.Deliver(ctx, job.ChatID, text)
	if deliverErr != nil && ctx.Err() != nil {
		slog.Warn("Executor.Execute: context ended during delivery", "job", job.Identity(), "error", deliverErr)
		return Outcome{}, notAttempted(ctx)
	}
	kind, code := Classify(deliverErr)
	if kind != Delivered {
		slog.Warn("Executor.Execute: delivery failed", "job", job.Identity(), "kind", kind, "code", code, "error", deliverErr)
		return Outcome{Kind: kind, Code: code, Reason: deliverErr.Error(), Item: rendered}, nil
	}

	// The message is out; record it even if the caller is shutting down.
	next, err := e.advance(context.WithoutCancel(ctx), job)
	if err != nil {
		return Outcome{Kind: Delivered, Item: rendered}, err
	}
	slog.Debug("Executor.Execute: delivered", "job", job.Identity(), "step", rendered.Step)
	return Outcome{Kind: Delivered, Item: rendered, Next: next}, nil
}

func notAttempted(ctx context.Context) error {
	return fmt.Errorf("%w: %w", ErrNotAttempted, ctx.Err())
}

// advance reschedules the job for the following step. A job cancelled or
// replaced while executing is left alone.
func (e *Executor) advance(ctx context.Context, job models.ScheduledJob) (*models.ScheduledJob, error) {
	now := e.clock.Now()
	step := max(job.Step, interval.FirstStep) + 1
	seed := backoff.Seed()

	job.Step = step
	job.FireAt = interval.NextFireAt(now, step)
	job.RetryFirst, job.RetrySecond = seed.First, seed.Second
	job.LastError = ""
	job.UpdatedAt = now

	if err := e.repo.RescheduleJob(ctx, job); err != nil {
		if errors.Is(err, models.ErrJobNotFound) {
			slog.Info("Executor.advance: job removed while executing, not rescheduling", "job", job.Identity())
			return nil, nil
		}
		return nil, fmt.Errorf("reschedule %s: %w", job.Identity(), err)
	}
	if err := e.repo.UpdateItemSchedule(ctx, job.ItemID, step, job.FireAt, now); err != nil && !errors.Is(err, models.ErrItemNotFound) {
		return nil, fmt.Errorf("update item %d schedule: %w", job.ItemID, err)
	}
	return &job, nil
}
