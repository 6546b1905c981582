// Package quota rate-limits quiz creation per item and per owner.
//
// Two independent rules apply: an item may have at most one unfinished quiz
// and must wait a cooldown after its last quiz finished, and an owner may
// create at most DailyCap quizzes across all items in any trailing window.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/BTreeMap/RemindPipe/internal/clock"
	"github.com/BTreeMap/RemindPipe/internal/models"
)

const (
	DefaultDailyCap = 2
	Cooldown        = 24 * time.Hour
	Window          = 24 * time.Hour
)

// Decision is the typed result of a quiz request. Denials are not errors.
type Decision int

const (
	Granted Decision = iota
	DeniedExistingActive
	DeniedPerItemCooldown
	DeniedDailyLimit
)

func (d Decision) String() string {
	switch d {
	case Granted:
		return "granted"
	case DeniedExistingActive:
		return "denied_existing_active"
	case DeniedPerItemCooldown:
		return "denied_per_item_cooldown"
	case DeniedDailyLimit:
		return "denied_daily_limit"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// MarshalText encodes the decision by name.
func (d Decision) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Granted reports whether a new quiz may be created.
func (d Decision) Granted() bool { return d == Granted }

// Snapshot is an owner's quota at a point in time.
type Snapshot struct {
	// Remaining is DailyCap minus quizzes created in the window. It goes
	// negative when concurrent requests both passed the check.
	Remaining     int `json:"remaining"`
	TotalFinished int `json:"total_finished"`
	DailyCap      int `json:"daily_cap"`
}

// Available is Remaining floored at zero.
func (s Snapshot) Available() int {
	if s.Remaining < 0 {
		return 0
	}
	return s.Remaining
}

// Repo is the quiz history the engine reads.
type Repo interface {
	LatestQuizForItem(ctx context.Context, itemID int64) (*models.Quiz, error)
	CountQuizzesCreated(ctx context.Context, ownerID int64, from, to time.Time) (int, error)
	CountFinishedQuizzes(ctx context.Context, ownerID int64) (int, error)
}

// Engine answers quiz requests against stored history.
type Engine struct {
	repo     Repo
	clock    clock.Clock
	dailyCap int
}

// Option configures an Engine.
type Option func(*Engine)

// WithDailyCap sets the per-owner quiz cap for the trailing window.
func WithDailyCap(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.dailyCap = n
		}
	}
}

// WithClock injects the time source.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// NewEngine creates an Engine reading history from repo.
func NewEngine(repo Repo, opts ...Option) *Engine {
	e := &Engine{repo: repo, clock: clock.System{}, dailyCap: DefaultDailyCap}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// DailyCap returns the configured cap.
func (e *Engine) DailyCap() int { return e.dailyCap }

// Now returns the engine's current time.
func (e *Engine) Now() time.Time { return e.clock.Now() }

// Request decides whether ownerID may start a quiz on itemID now.
// Only storage failures are returned as errors.
func (e *Engine) Request(ctx context.Context, ownerID, itemID int64) (Decision, error) {
	now := e.clock.Now()
	latest, err := e.repo.LatestQuizForItem(ctx, itemID)
	if err != nil {
		return DeniedExistingActive, fmt.Errorf("quota: latest quiz for item %d: %w", itemID, err)
	}
	// Item rules do not depend on the window count.
	if d := Evaluate(latest, 0, e.dailyCap, now); d != Granted {
		return d, nil
	}
	count, err := e.repo.CountQuizzesCreated(ctx, ownerID, now.Add(-Window), now)
	if err != nil {
		return DeniedDailyLimit, fmt.Errorf("quota: count quizzes for owner %d: %w", ownerID, err)
	}
	return Evaluate(latest, count, e.dailyCap, now), nil
}

// Snapshot reports ownerID's quota now.
func (e *Engine) Snapshot(ctx context.Context, ownerID int64) (Snapshot, error) {
	now := e.clock.Now()
	count, err := e.repo.CountQuizzesCreated(ctx, ownerID, now.Add(-Window), now)
	if err != nil {
		return Snapshot{}, fmt.Errorf("quota: count quizzes for owner %d: %w", ownerID, err)
	}
	finished, err := e.repo.CountFinishedQuizzes(ctx, ownerID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("quota: count finished quizzes for owner %d: %w", ownerID, err)
	}
	return Snapshot{Remaining: e.dailyCap - count, TotalFinished: finished, DailyCap: e.dailyCap}, nil
}

// Evaluate applies the quota rules to an item's latest quiz (nil if none) and
// the owner's count of quizzes created in [now-Window, now].
func Evaluate(latest *models.Quiz, countInWindow, dailyCap int, now time.Time) Decision {
	if latest != nil {
		if latest.Status != models.QuizStatusFinished {
			return DeniedExistingActive
		}
		if latest.FinishedAt != nil && now.Sub(*latest.FinishedAt) < Cooldown {
			return DeniedPerItemCooldown
		}
	}
	if countInWindow >= dailyCap {
		return DeniedDailyLimit
	}
	return Granted
}
