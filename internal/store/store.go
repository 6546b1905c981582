// Package store provides storage backends for RemindPipe.
//
// It persists reminder items, their scheduled delivery jobs, dead-letter
// records and quizzes. SQLite and PostgreSQL backends share one SQL core; an
// in-memory store is provided for tests and ephemeral runs.
package store

import (
	"context"
	"time"

	"github.com/BTreeMap/RemindPipe/internal/models"
)

// ItemRepo is the content repository consumed by the scheduler.
type ItemRepo interface {
	// CreateItem assigns item.ID and persists the item.
	CreateItem(ctx context.Context, item *models.ReminderItem) error
	GetItem(ctx context.Context, id int64) (*models.ReminderItem, error)
	// FetchAndIncrementStep atomically advances the item's step and returns the
	// snapshot as it was before the increment.
	FetchAndIncrementStep(ctx context.Context, id int64, now time.Time) (*models.ReminderItem, error)
	UpdateItemSchedule(ctx context.Context, id int64, step int, nextFireAt, now time.Time) error
	// DeleteItem removes the item together with all of its jobs in one transaction.
	// Quizzes are kept; they remain part of the owner's quota history.
	DeleteItem(ctx context.Context, id int64) error
	ListItemsByOwner(ctx context.Context, ownerID int64) ([]models.ReminderItem, error)
}

// JobRepo is the durable mapping from a job identity to its next fire time and retry state.
type JobRepo interface {
	// ScheduleJob upserts job by identity. An existing job, including one being
	// executed, is replaced and returned to the queue.
	ScheduleJob(ctx context.Context, job models.ScheduledJob) error

	// CancelJob removes the job. Absent jobs are not an error.
	CancelJob(ctx context.Context, id models.JobIdentity) error

	// ClaimNextDueJob marks the earliest queued job with FireAt <= now as
	// executing and returns it. It returns nil, nil when nothing is due.
	ClaimNextDueJob(ctx context.Context, now time.Time) (*models.ScheduledJob, error)

	// RescheduleJob records the outcome of an executing job and returns it to
	// the queue. It returns models.ErrJobNotFound when the job is no longer
	// executing (cancelled or replaced meanwhile).
	RescheduleJob(ctx context.Context, job models.ScheduledJob) error

	// RequeueStaleJobs returns jobs locked before staleBefore to the queue.
	RequeueStaleJobs(ctx context.Context, staleBefore time.Time) (int, error)

	GetJob(ctx context.Context, id models.JobIdentity) (*models.ScheduledJob, error)
	ListJobsByItem(ctx context.Context, itemID int64) ([]models.ScheduledJob, error)
}

// DeadLetterRepo is the append-only sink of permanently failed deliveries.
type DeadLetterRepo interface {
	RecordDeadLetter(ctx context.Context, rec models.DeadLetterRecord) error
	// ListDeadLetters returns the newest records first; limit <= 0 means all.
	ListDeadLetters(ctx context.Context, limit int) ([]models.DeadLetterRecord, error)
}

// QuizRepo persists quizzes and answers the quota engine's window queries.
type QuizRepo interface {
	// CreateQuiz returns models.ErrQuizActive if the item already has an unfinished quiz.
	CreateQuiz(ctx context.Context, q models.Quiz) error
	GetQuiz(ctx context.Context, id string) (*models.Quiz, error)
	// LatestQuizForItem returns nil, nil when the item has never had a quiz.
	LatestQuizForItem(ctx context.Context, itemID int64) (*models.Quiz, error)
	// CountQuizzesCreated counts the owner's quizzes created in [from, to].
	CountQuizzesCreated(ctx context.Context, ownerID int64, from, to time.Time) (int, error)
	CountFinishedQuizzes(ctx context.Context, ownerID int64) (int, error)
	SetQuizQuestions(ctx context.Context, id string, questions []models.Question, status models.QuizStatus) error
	FinishQuiz(ctx context.Context, id string, finishedAt time.Time) error
	DeleteQuiz(ctx context.Context, id string) error
	ListQuizzesByStatus(ctx context.Context, status models.QuizStatus) ([]models.Quiz, error)
}

// Store is the full persistence surface of RemindPipe.
type Store interface {
	ItemRepo
	JobRepo
	DeadLetterRepo
	QuizRepo
	Close() error
}
