package store

import (
	"context"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/RemindPipe/internal/models"
)

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// InMemoryStore keeps all state in process memory. State is scoped to the
// instance; nothing is shared between stores.
type InMemoryStore struct {
	mu          sync.Mutex
	nextItemID  int64
	items       map[int64]models.ReminderItem
	jobs        map[models.JobIdentity]models.ScheduledJob
	deadLetters []models.DeadLetterRecord
	quizzes     map[string]models.Quiz
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		items:   make(map[int64]models.ReminderItem),
		jobs:    make(map[models.JobIdentity]models.ScheduledJob),
		quizzes: make(map[string]models.Quiz),
	}
}

func (s *InMemoryStore) CreateItem(ctx context.Context, item *models.ReminderItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextItemID++
	item.ID = s.nextItemID
	s.items[item.ID] = *item
	slog.Debug("InMemoryStore.CreateItem", "itemID", item.ID, "ownerID", item.OwnerID)
	return nil
}

func (s *InMemoryStore) GetItem(ctx context.Context, id int64) (*models.ReminderItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return nil, models.ErrItemNotFound
	}
	return &item, nil
}

func (s *InMemoryStore) FetchAndIncrementStep(ctx context.Context, id int64, now time.Time) (*models.ReminderItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return nil, models.ErrItemNotFound
	}
	snapshot := item
	item.Step++
	item.UpdatedAt = now
	s.items[id] = item
	return &snapshot, nil
}

func (s *InMemoryStore) UpdateItemSchedule(ctx context.Context, id int64, step int, nextFireAt, now time.Time) error {
	if step < 1 {
		return models.ErrInvalidStep
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return models.ErrItemNotFound
	}
	item.Step = step
	item.NextFireAt = nextFireAt
	item.UpdatedAt = now
	s.items[id] = item
	return nil
}

func (s *InMemoryStore) DeleteItem(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return models.ErrItemNotFound
	}
	for key := range s.jobs {
		if key.ItemID == id {
			delete(s.jobs, key)
		}
	}
	delete(s.items, id)
	slog.Debug("InMemoryStore.DeleteItem", "itemID", id)
	return nil
}

func (s *InMemoryStore) ListItemsByOwner(ctx context.Context, ownerID int64) ([]models.ReminderItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ReminderItem
	for _, item := range s.items {
		if item.OwnerID == ownerID {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) ScheduleJob(ctx context.Context, job models.ScheduledJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := job.Identity()
	if existing, ok := s.jobs[key]; ok {
		job.CreatedAt = existing.CreatedAt
	}
	job.Status = models.JobStatusQueued
	job.LockedAt = nil
	job.LastError = ""
	s.jobs[key] = job
	return nil
}

func (s *InMemoryStore) CancelJob(ctx context.Context, id models.JobIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

func (s *InMemoryStore) ClaimNextDueJob(ctx context.Context, now time.Time) (*models.ScheduledJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		best  models.ScheduledJob
		found bool
	)
	for _, j := range s.jobs {
		if j.Status != models.JobStatusQueued || j.FireAt.After(now) {
			continue
		}
		if !found || j.FireAt.Before(best.FireAt) {
			best, found = j, true
		}
	}
	if !found {
		return nil, nil
	}
	lockedAt := now
	best.Status = models.JobStatusExecuting
	best.LockedAt = &lockedAt
	best.UpdatedAt = now
	s.jobs[best.Identity()] = best
	return &best, nil
}

func (s *InMemoryStore) RescheduleJob(ctx context.Context, job models.ScheduledJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := job.Identity()
	existing, ok := s.jobs[key]
	if !ok || existing.Status != models.JobStatusExecuting {
		return models.ErrJobNotFound
	}
	job.CreatedAt = existing.CreatedAt
	job.Status = models.JobStatusQueued
	job.LockedAt = nil
	s.jobs[key] = job
	return nil
}

func (s *InMemoryStore) RequeueStaleJobs(ctx context.Context, staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, j := range s.jobs {
		if j.Status == models.JobStatusExecuting && j.LockedAt != nil && j.LockedAt.Before(staleBefore) {
			j.Status = models.JobStatusQueued
			j.LockedAt = nil
			s.jobs[key] = j
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) GetJob(ctx context.Context, id models.JobIdentity) (*models.ScheduledJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, models.ErrJobNotFound
	}
	return &j, nil
}

func (s *InMemoryStore) ListJobsByItem(ctx context.Context, itemID int64) ([]models.ScheduledJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ScheduledJob
	for key, j := range s.jobs {
		if key.ItemID == itemID {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChatID < out[j].ChatID })
	return out, nil
}

func (s *InMemoryStore) RecordDeadLetter(ctx context.Context, rec models.DeadLetterRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadLetters = append(s.deadLetters, rec)
	return nil
}

func (s *InMemoryStore) ListDeadLetters(ctx context.Context, limit int) ([]models.DeadLetterRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := slices.Clone(s.deadLetters)
	slices.Reverse(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) CreateQuiz(ctx context.Context, q models.Quiz) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.quizzes {
		if existing.ItemID == q.ItemID && existing.Status != models.QuizStatusFinished {
			return models.ErrQuizActive
		}
	}
	s.quizzes[q.ID] = q
	return nil
}

func (s *InMemoryStore) GetQuiz(ctx context.Context, id string) (*models.Quiz, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quizzes[id]
	if !ok {
		return nil, models.ErrQuizNotFound
	}
	return &q, nil
}

func (s *InMemoryStore) LatestQuizForItem(ctx context.Context, itemID int64) (*models.Quiz, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		latest models.Quiz
		found  bool
	)
	for _, q := range s.quizzes {
		if q.ItemID != itemID {
			continue
		}
		if !found || q.CreatedAt.After(latest.CreatedAt) {
			latest, found = q, true
		}
	}
	if !found {
		return nil, nil
	}
	return &latest, nil
}

func (s *InMemoryStore) CountQuizzesCreated(ctx context.Context, ownerID int64, from, to time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, q := range s.quizzes {
		if q.OwnerID == ownerID && !q.CreatedAt.Before(from) && !q.CreatedAt.After(to) {
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) CountFinishedQuizzes(ctx context.Context, ownerID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, q := range s.quizzes {
		if q.OwnerID == ownerID && q.Status == models.QuizStatusFinished {
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) SetQuizQuestions(ctx context.Context, id string, questions []models.Question, status models.QuizStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quizzes[id]
	if !ok {
		return models.ErrQuizNotFound
	}
	q.Questions = slices.Clone(questions)
	q.Status = status
	s.quizzes[id] = q
	return nil
}

func (s *InMemoryStore) FinishQuiz(ctx context.Context, id string, finishedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quizzes[id]
	if !ok {
		return models.ErrQuizNotFound
	}
	q.Status = models.QuizStatusFinished
	q.FinishedAt = &finishedAt
	s.quizzes[id] = q
	return nil
}

func (s *InMemoryStore) DeleteQuiz(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.quizzes, id)
	return nil
}

func (s *InMemoryStore) ListQuizzesByStatus(ctx context.Context, status models.QuizStatus) ([]models.Quiz, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Quiz
	for _, q := range s.quizzes {
		if q.Status == status {
			out = append(out, q)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
