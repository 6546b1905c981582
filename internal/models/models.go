// Package models defines the core data structures for RemindPipe.
//
// It includes reminder items, scheduled delivery jobs, dead-letter records and
// quizzes, which are shared across the store, scheduler and quiz modules.
package models

import (
	"errors"
	"fmt"
	"time"
)

// Error variables for better error handling and testability
var (
	ErrItemNotFound  = errors.New("reminder item not found")
	ErrJobNotFound   = errors.New("scheduled job not found")
	ErrQuizNotFound  = errors.New("quiz not found")
	ErrQuizActive    = errors.New("item already has an unfinished quiz")
	ErrInvalidStep   = errors.New("step must be at least 1")
	ErrEmptyChatID   = errors.New("chat id cannot be empty")
	ErrEmptyContent  = errors.New("item content cannot be empty")
	ErrContentTooBig = errors.New("item content exceeds maximum length")
)

// MaxContentLength defines the maximum allowed length of a stored reminder item.
const MaxContentLength = 4096

// ReminderItem is a stored piece of content subject to spaced-repetition delivery.
type ReminderItem struct {
	ID         int64     `json:"id"`
	OwnerID    int64     `json:"owner_id"`
	ChatID     string    `json:"chat_id"`
	Content    string    `json:"content"`
	Step       int       `json:"step"`
	NextFireAt time.Time `json:"next_fire_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Validate checks the fields a caller supplies when storing a new item.
func (i ReminderItem) Validate() error {
	if i.ChatID == "" {
		return ErrEmptyChatID
	}
	if i.Content == "" {
		return ErrEmptyContent
	}
	if len(i.Content) > MaxContentLength {
		return ErrContentTooBig
	}
	return nil
}

// JobIdentity is the key of a scheduled job: one active job per item and destination.
type JobIdentity struct {
	ItemID int64  `json:"item_id"`
	ChatID string `json:"chat_id"`
}

func (id JobIdentity) String() string {
	return fmt.Sprintf("%d@%s", id.ItemID, id.ChatID)
}

// JobStatus represents the lifecycle state of a scheduled job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusExecuting JobStatus = "executing"
)

// ScheduledJob is the durable next-fire record for one (item, chat) pair.
// RetryFirst and RetrySecond are the last two terms of the Fibonacci retry sequence.
type ScheduledJob struct {
	ItemID      int64      `json:"item_id"`
	ChatID      string     `json:"chat_id"`
	OwnerID     int64      `json:"owner_id"`
	Step        int        `json:"step"`
	FireAt      time.Time  `json:"fire_at"`
	RetryFirst  int        `json:"retry_first"`
	RetrySecond int        `json:"retry_second"`
	Status      JobStatus  `json:"status"`
	LastError   string     `json:"last_error,omitempty"`
	LockedAt    *time.Time `json:"locked_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Identity returns the job's composite key.
func (j ScheduledJob) Identity() JobIdentity {
	return JobIdentity{ItemID: j.ItemID, ChatID: j.ChatID}
}

// DeadLetterRecord captures a delivery that cannot succeed automatically.
// Records are write-once.
type DeadLetterRecord struct {
	ID        string    `json:"id"`
	ItemID    int64     `json:"item_id"`
	ChatID    string    `json:"chat_id"`
	OwnerID   int64     `json:"owner_id"`
	Step      int       `json:"step"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}
