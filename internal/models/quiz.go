package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// QuizStatus is the lifecycle state of a quiz.
type QuizStatus string

const (
	QuizStatusCreated    QuizStatus = "created"
	QuizStatusInProgress QuizStatus = "in-progress"
	QuizStatusFinished   QuizStatus = "finished"
)

// IsValidQuizStatus checks if the given status is supported.
func IsValidQuizStatus(s QuizStatus) bool {
	switch s {
	case QuizStatusCreated, QuizStatusInProgress, QuizStatusFinished:
		return true
	default:
		return false
	}
}

// Question is one generated quiz question about an item.
type Question struct {
	Question string   `json:"question"`
	Options  []string `json:"options,omitempty"`
	Answer   string   `json:"answer"`
}

// Quiz is an AI-generated set of questions about one reminder item.
// FinishedAt is set only when Status is finished.
type Quiz struct {
	ID         string     `json:"id"`
	OwnerID    int64      `json:"owner_id"`
	ItemID     int64      `json:"item_id"`
	ChatID     string     `json:"chat_id"`
	Status     QuizStatus `json:"status"`
	Questions  []Question `json:"questions,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// QuestionsJSON converts the question list to a JSON string for persistence.
func (q Quiz) QuestionsJSON() (string, error) {
	if len(q.Questions) == 0 {
		return "", nil
	}
	data, err := json.Marshal(q.Questions)
	if err != nil {
		return "", fmt.Errorf("failed to marshal quiz questions: %w", err)
	}
	return string(data), nil
}

// ParseQuestions decodes a persisted question list.
func ParseQuestions(raw string) ([]Question, error) {
	if raw == "" {
		return nil, nil
	}
	var qs []Question
	if err := json.Unmarshal([]byte(raw), &qs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal quiz questions: %w", err)
	}
	return qs, nil
}
