// Package quiz runs AI-generated review quizzes for reminder items.
//
// Starting a quiz consults the quota engine, stores the quiz in the created
// state and returns immediately. Questions are generated in the background
// with a fixed number of attempts; when they are ready the quiz moves to
// in-progress and the chat is notified.
package quiz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/RemindPipe/internal/clock"
	"github.com/BTreeMap/RemindPipe/internal/messaging"
	"github.com/BTreeMap/RemindPipe/internal/models"
	"github.com/BTreeMap/RemindPipe/internal/quota"
	"github.com/BTreeMap/RemindPipe/internal/store"
	"github.com/google/uuid"
)

// Generation retry defaults
const (
	DefaultAttempts = 3
	DefaultPause    = 5 * time.Second
)

// Generator writes questions about a piece of content.
type Generator interface {
	GenerateQuestions(ctx context.Context, content string) ([]models.Question, error)
}

// Repo is the storage the quiz service uses.
type Repo interface {
	store.QuizRepo
	GetItem(ctx context.Context, id int64) (*models.ReminderItem, error)
}

// Result is the outcome of Start. Quiz is set only when the request was granted.
type Result struct {
	Decision quota.Decision `json:"decision"`
	Quiz     *models.Quiz   `json:"quiz,omitempty"`
}

// Option configures a Service.
type Option func(*Service)

// WithClock injects the time source.
func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithAttempts sets how many times generation is tried before giving up.
func WithAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.attempts = n
		}
	}
}

// WithPause sets the wait between generation attempts.
func WithPause(d time.Duration) Option {
	return func(s *Service) {
		if d >= 0 {
			s.pause = d
		}
	}
}

// Service starts, generates and finishes quizzes.
type Service struct {
	repo      Repo
	quota     *quota.Engine
	gen       Generator
	transport messaging.Transport
	clock     clock.Clock
	attempts  int
	pause     time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates a Service. Call Close to stop background generation.
func NewService(repo Repo, engine *quota.Engine, gen Generator, transport messaging.Transport, opts ...Option) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		repo:      repo,
		quota:     engine,
		gen:       gen,
		transport: transport,
		clock:     clock.System{},
		attempts:  DefaultAttempts,
		pause:     DefaultPause,
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start requests a quiz on itemID for ownerID. A denial is returned as a
// Result with no error. chatID defaults to the item's chat.
func (s *Service) Start(ctx context.Context, ownerID, itemID int64, chatID string) (Result, error) {
	item, err := s.repo.GetItem(ctx, itemID)
	if err != nil {
		return Result{}, fmt.Errorf("start quiz: %w", err)
	}
	if item.OwnerID != ownerID {
		return Result{}, fmt.Errorf("start quiz: item %d: %w", itemID, models.ErrItemNotFound)
	}
	if chatID == "" {
		chatID = item.ChatID
	}

	decision, err := s.quota.Request(ctx, ownerID, itemID)
	if err != nil {
		return Result{}, fmt.Errorf("start quiz: %w", err)
	}
	if !decision.Granted() {
		slog.Info("Service.Start: quiz denied", "ownerID", ownerID, "itemID", itemID, "decision", decision)
		return Result{Decision: decision}, nil
	}

	q := models.Quiz{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		ItemID:    itemID,
		ChatID:    chatID,
		Status:    models.QuizStatusCreated,
		CreatedAt: s.clock.Now(),
	}
	if err := s.repo.CreateQuiz(ctx, q); err != nil {
		if errors.Is(err, models.ErrQuizActive) {
			// Lost a race with a concurrent request for the same item.
			return Result{Decision: quota.DeniedExistingActive}, nil
		}
		return Result{}, fmt.Errorf("start quiz: %w", err)
	}
	slog.Info("Service.Start: quiz created", "quizID", q.ID, "ownerID", ownerID, "itemID", itemID)

	s.launch(q, item.Content)
	return Result{Decision: quota.Granted, Quiz: &q}, nil
}

// Finish marks a quiz finished now and returns it.
func (s *Service) Finish(ctx context.Context, quizID string) (*models.Quiz, error) {
	q, err := s.repo.GetQuiz(ctx, quizID)
	if err != nil {
		return nil, fmt.Errorf("finish quiz: %w", err)
	}
	if q.Status == models.QuizStatusFinished {
		return q, nil
	}
	now := s.clock.Now()
	if err := s.repo.FinishQuiz(ctx, quizID, now); err != nil {
		return nil, fmt.Errorf("finish quiz: %w", err)
	}
	q.Status = models.QuizStatusFinished
	q.FinishedAt = &now
	slog.Info("Service.Finish: quiz finished", "quizID", quizID, "itemID", q.ItemID)
	return q, nil
}

// Resume resubmits quizzes whose generation was interrupted. Quizzes whose
// item no longer exists are skipped and kept, since they still count toward
// the owner's daily quota.
func (s *Service) Resume(ctx context.Context) (int, error) {
	pending, err := s.repo.ListQuizzesByStatus(ctx, models.QuizStatusCreated)
	if err != nil {
		return 0, fmt.Errorf("resume quizzes: %w", err)
	}
	resumed := 0
	for _, q := range pending {
		item, err := s.repo.GetItem(ctx, q.ItemID)
		if errors.Is(err, models.ErrItemNotFound) {
			slog.Debug("Service.Resume: item deleted, skipping quiz", "quizID", q.ID, "itemID", q.ItemID)
			continue
		}
		if err != nil {
			return resumed, fmt.Errorf("resume quizzes: %w", err)
		}
		s.launch(q, item.Content)
		resumed++
	}
	if resumed > 0 {
		slog.Info("Service.Resume: resubmitted quiz generation", "count", resumed)
	}
	return resumed, nil
}

// Wait blocks until all background generation has finished.
func (s *Service) Wait() { s.wg.Wait() }

// Close cancels background generation and waits for it to stop.
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Service) launch(q models.Quiz, content string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.generate(s.ctx, q, content)
	}()
}

func (s *Service) generate(ctx context.Context, q models.Quiz, content string) {
	var lastErr error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		questions, err := s.gen.GenerateQuestions(ctx, content)
		if err == nil {
			s.ready(ctx, q, questions)
			return
		}
		lastErr = err
		slog.Warn("Service.generate: attempt failed", "quizID", q.ID, "attempt", attempt, "error", err)
		if attempt == s.attempts {
			break
		}
		select {
		case <-ctx.Done():
			// Left in created; Resume picks it up after restart.
			return
		case <-time.After(s.pause):
		}
	}

	if ctx.Err() != nil {
		return
	}
	// Remove the quiz so it does not block the item.
	if err := s.repo.DeleteQuiz(ctx, q.ID); err != nil {
		slog.Error("Service.generate: failed to delete abandoned quiz", "quizID", q.ID, "error", err)
	}
	slog.Error("Service.generate: question generation exhausted", "quizID", q.ID, "itemID", q.ItemID,
		"attempts", s.attempts, "error", lastErr)
}

func (s *Service) ready(ctx context.Context, q models.Quiz, questions []models.Question) {
	if err := s.repo.SetQuizQuestions(ctx, q.ID, questions, models.QuizStatusInProgress); err != nil {
		slog.Error("Service.ready: failed to store questions", "quizID", q.ID, "error", err)
		return
	}
	if err := s.transport.Deliver(ctx, q.ChatID, Render(q.ItemID, questions)); err != nil {
		slog.Warn("Service.ready: quiz notification failed", "quizID", q.ID, "chatID", q.ChatID, "error", err)
		return
	}
	slog.Info("Service.ready: quiz ready", "quizID", q.ID, "questions", len(questions))
}

// Render formats questions for a chat message.
func Render(itemID int64, questions []models.Question) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Quiz for item #%d\n", itemID)
	for i, q := range questions {
		fmt.Fprintf(&b, "\n%d. %s", i+1, q.Question)
		for j, opt := range q.Options {
			fmt.Fprintf(&b, "\n   %c) %s", 'a'+rune(j), opt)
		}
	}
	return b.String()
}
