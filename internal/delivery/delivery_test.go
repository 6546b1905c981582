package delivery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/RemindPipe/internal/clock"
	"github.com/BTreeMap/RemindPipe/internal/messaging"
	"github.com/BTreeMap/RemindPipe/internal/models"
	"github.com/BTreeMap/RemindPipe/internal/store"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*store.InMemoryStore, *messaging.MockTransport, *clock.Fake, models.ScheduledJob) {
	t.Helper()
	ctx := context.Background()
	s := store.NewInMemoryStore()
	item := models.ReminderItem{OwnerID: 1, ChatID: "chat", Content: "ohm's law: V = IR", Step: 1, NextFireAt: t0.Add(30 * time.Minute), CreatedAt: t0, UpdatedAt: t0}
	if err := s.CreateItem(ctx, &item); err != nil {
		t.Fatalf("CreateItem failed: %v", err)
	}
	job := models.ScheduledJob{ItemID: item.ID, ChatID: "chat", OwnerID: 1, Step: 1, FireAt: item.NextFireAt, RetrySecond: 1, UpdatedAt: t0}
	if err := s.ScheduleJob(ctx, job); err != nil {
		t.Fatalf("ScheduleJob failed: %v", err)
	}
	clk := clock.NewFake(t0.Add(30 * time.Minute))
	claimed, err := s.ClaimNextDueJob(ctx, clk.Now())
	if err != nil || claimed == nil {
		t.Fatalf("claim failed: %v, %v", claimed, err)
	}
	return s, messaging.NewMockTransport(), clk, *claimed
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, Delivered},
		{"rate limited", &messaging.DeliveryError{Code: messaging.CodeTooManyRequests}, TransientFailure},
		{"server error", &messaging.DeliveryError{Code: messaging.CodeInternal}, TransientFailure},
		{"timeout", context.DeadlineExceeded, TransientFailure},
		{"forbidden", &messaging.DeliveryError{Code: messaging.CodeForbidden}, PermanentFailure},
		{"unclassified", errors.New("gateway timeout"), PermanentFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got, _ := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestTextRenderer(t *testing.T) {
	got, err := TextRenderer{}.Render(models.ReminderItem{Step: 3, Content: "hello"})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if got != "Reminder #3\n\nhello" {
		t.Errorf("Render = %q", got)
	}
	if _, err := (TextRenderer{}).Render(models.ReminderItem{Step: 1}); !errors.Is(err, models.ErrEmptyContent) {
		t.Errorf("expected ErrEmptyContent, got %v", err)
	}
}

func TestExecute_DeliveredAdvancesStep(t *testing.T) {
	s, tr, clk, job := setup(t)
	ctx := context.Background()
	exec := NewExecutor(s, tr, nil, clk)

	out, err := exec.Execute(ctx, job)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if out.Kind != Delivered {
		t.Fatalf("expected delivered, got %s", out.Kind)
	}
	if d := tr.Delivered(); len(d) != 1 || d[0].Text != "Reminder #1\n\nohm's law: V = IR" {
		t.Errorf("unexpected deliveries: %+v", d)
	}

	wantNext := t0.Add(30*time.Minute + 8*time.Hour)
	item, _ := s.GetItem(ctx, job.ItemID)
	if item.Step != 2 || !item.NextFireAt.Equal(wantNext) {
		t.Errorf("item step=%d next=%v, want 2 and %v", item.Step, item.NextFireAt, wantNext)
	}
	stored, _ := s.GetJob(ctx, job.Identity())
	if stored.Step != 2 || !stored.FireAt.Equal(wantNext) || stored.Status != models.JobStatusQueued {
		t.Errorf("rescheduled job = %+v", stored)
	}
	if stored.RetryFirst != 0 || stored.RetrySecond != 1 {
		t.Errorf("retry pair not reset: (%d,%d)", stored.RetryFirst, stored.RetrySecond)
	}
}

func TestExecute_FailureIsReported(t *testing.T) {
	s, tr, clk, job := setup(t)
	tr.FailNext(&messaging.DeliveryError{Code: messaging.CodeUnavailable, Reason: "maintenance"})

	out, err := NewExecutor(s, tr, nil, clk).Execute(context.Background(), job)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if out.Kind != TransientFailure || out.Code != messaging.CodeUnavailable {
		t.Errorf("outcome = %+v", out)
	}
	if out.Item.Step != 1 {
		t.Errorf("snapshot step = %d, want 1", out.Item.Step)
	}
	if out.Next != nil {
		t.Error("failed delivery must not reschedule")
	}
}

func TestExecute_DeletedItem(t *testing.T) {
	s, tr, clk, job := setup(t)
	if err := s.DeleteItem(context.Background(), job.ItemID); err != nil {
		t.Fatalf("DeleteItem failed: %v", err)
	}
	_, err := NewExecutor(s, tr, nil, clk).Execute(context.Background(), job)
	if !errors.Is(err, models.ErrItemNotFound) {
		t.Fatalf("expected ErrItemNotFound, got %v", err)
	}
	if tr.Attempts() != 0 {
		t.Errorf("deleted item was delivered %d times", tr.Attempts())
	}
}

func TestExecute_JobCancelledDuringDelivery(t *testing.T) {
	s, _, clk, job := setup(t)
	cancelling := &cancelOnDeliver{store: s, id: job.Identity()}

	out, err := NewExecutor(s, cancelling, nil, clk).Execute(context.Background(), job)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if out.Kind != Delivered || out.Next != nil {
		t.Errorf("outcome = %+v, want delivered without reschedule", out)
	}
	if _, err := s.GetJob(context.Background(), job.Identity()); !errors.Is(err, models.ErrJobNotFound) {
		t.Errorf("cancelled job was resurrected: %v", err)
	}
}

type cancelOnDeliver struct {
	store *store.InMemoryStore
	id    models.JobIdentity
}

func (c *cancelOnDeliver) Deliver(ctx context.Context, chatID, text string) error {
	return c.store.CancelJob(ctx, c.id)
}

func TestExecute_RendersJobStep(t *testing.T) {
	s, tr, clk, job := setup(t)
	ctx := context.Background()
	// Another destination of the same item moved the item ahead.
	if err := s.UpdateItemSchedule(ctx, job.ItemID, 5, t0.Add(24*time.Hour), t0); err != nil {
		t.Fatalf("UpdateItemSchedule failed: %v", err)
	}

	out, err := NewExecutor(s, tr, nil, clk).Execute(ctx, job)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if d := tr.Delivered(); len(d) != 1 || d[0].Text != "Reminder #1\n\nohm's law: V = IR" {
		t.Errorf("unexpected deliveries: %+v", d)
	}
	if out.Item.Step != 1 || out.Next == nil || out.Next.Step != 2 {
		t.Errorf("outcome = %+v, want step 1 rendered and step 2 next", out)
	}
}

func TestExecute_ContextEndedBeforeSend(t *testing.T) {
	s, tr, clk, job := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewExecutor(s, tr, nil, clk).Execute(ctx, job)
	if !errors.Is(err, ErrNotAttempted) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected ErrNotAttempted wrapping context.Canceled, got %v", err)
	}
	if tr.Attempts() != 0 {
		t.Errorf("transport called %d times after cancellation", tr.Attempts())
	}
	stored, _ := s.GetJob(context.Background(), job.Identity())
	if stored.Step != 1 || stored.RetryFirst != 0 || stored.RetrySecond != 1 {
		t.Errorf("job changed: %+v", stored)
	}
}

func TestExecute_ContextEndedDuringSend(t *testing.T) {
	s, _, clk, job := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	tr := &cancellingTransport{cancel: cancel, err: &messaging.DeliveryError{Code: messaging.CodeUnknown, Reason: "context done before send", Err: context.Canceled}}

	_, err := NewExecutor(s, tr, nil, clk).Execute(ctx, job)
	if !errors.Is(err, ErrNotAttempted) {
		t.Fatalf("expected ErrNotAttempted, got %v", err)
	}
	stored, _ := s.GetJob(context.Background(), job.Identity())
	if stored.Step != 1 || stored.Status != models.JobStatusExecuting {
		t.Errorf("job = %+v, want step 1 still claimed", stored)
	}
}

func TestExecute_ContextEndedAfterSend(t *testing.T) {
	s, _, clk, job := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	tr := &cancellingTransport{cancel: cancel}

	out, err := NewExecutor(s, tr, nil, clk).Execute(ctx, job)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if out.Kind != Delivered || out.Next == nil {
		t.Fatalf("outcome = %+v, want delivered and rescheduled", out)
	}
	stored, _ := s.GetJob(context.Background(), job.Identity())
	if stored.Step != 2 || stored.Status != models.JobStatusQueued {
		t.Errorf("job = %+v, want step 2 queued", stored)
	}
}

// cancellingTransport cancels the caller's context while delivering and then
// returns err.
type cancellingTransport struct {
	cancel context.CancelFunc
	err    error
}

func (c *cancellingTransport) Deliver(ctx context.Context, chatID, text string) error {
	c.cancel()
	return c.err
}
