package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/RemindPipe/internal/models"
	"github.com/jmoiron/sqlx"
)

// sqlStore holds the queries shared by the SQLite and Postgres backends.
// Queries are written with '?' placeholders and rebound per driver. All
// timestamps are stored as UTC unix milliseconds.
type sqlStore struct {
	db       *sqlx.DB
	name     string
	claimSQL string
	isUnique func(error) bool
}

const jobColumns = `item_id, chat_id, owner_id, step, fire_at, retry_first, retry_second, status, last_error, locked_at, created_at, updated_at`

const itemColumns = `id, owner_id, chat_id, content, step, next_fire_at, created_at, updated_at`

const quizColumns = `id, owner_id, item_id, chat_id, status, questions_json, created_at, finished_at`

type itemRow struct {
	ID         int64  `db:"id"`
	OwnerID    int64  `db:"owner_id"`
	ChatID     string `db:"chat_id"`
	Content    string `db:"content"`
	Step       int    `db:"step"`
	NextFireAt int64  `db:"next_fire_at"`
	CreatedAt  int64  `db:"created_at"`
	UpdatedAt  int64  `db:"updated_at"`
}

func (r itemRow) model() models.ReminderItem {
	return models.ReminderItem{
		ID:         r.ID,
		OwnerID:    r.OwnerID,
		ChatID:     r.ChatID,
		Content:    r.Content,
		Step:       r.Step,
		NextFireAt: fromMillis(r.NextFireAt),
		CreatedAt:  fromMillis(r.CreatedAt),
		UpdatedAt:  fromMillis(r.UpdatedAt),
	}
}

type jobRow struct {
	ItemID      int64          `db:"item_id"`
	ChatID      string         `db:"chat_id"`
	OwnerID     int64          `db:"owner_id"`
	Step        int            `db:"step"`
	FireAt      int64          `db:"fire_at"`
	RetryFirst  int            `db:"retry_first"`
	RetrySecond int            `db:"retry_second"`
	Status      string         `db:"status"`
	LastError   sql.NullString `db:"last_error"`
	LockedAt    sql.NullInt64  `db:"locked_at"`
	CreatedAt   int64          `db:"created_at"`
	UpdatedAt   int64          `db:"updated_at"`
}

func (r jobRow) model() models.ScheduledJob {
	j := models.ScheduledJob{
		ItemID:      r.ItemID,
		ChatID:      r.ChatID,
		OwnerID:     r.OwnerID,
		Step:        r.Step,
		FireAt:      fromMillis(r.FireAt),
		RetryFirst:  r.RetryFirst,
		RetrySecond: r.RetrySecond,
		Status:      models.JobStatus(r.Status),
		LastError:   r.LastError.String,
		CreatedAt:   fromMillis(r.CreatedAt),
		UpdatedAt:   fromMillis(r.UpdatedAt),
	}
	if r.LockedAt.Valid {
		t := fromMillis(r.LockedAt.Int64)
		j.LockedAt = &t
	}
	return j
}

type deadLetterRow struct {
	ID        string `db:"id"`
	ItemID    int64  `db:"item_id"`
	ChatID    string `db:"chat_id"`
	OwnerID   int64  `db:"owner_id"`
	Step      int    `db:"step"`
	Reason    string `db:"reason"`
	CreatedAt int64  `db:"created_at"`
}

type quizRow struct {
	ID            string        `db:"id"`
	OwnerID       int64         `db:"owner_id"`
	ItemID        int64         `db:"item_id"`
	ChatID        string        `db:"chat_id"`
	Status        string        `db:"status"`
	QuestionsJSON string        `db:"questions_json"`
	CreatedAt     int64         `db:"created_at"`
	FinishedAt    sql.NullInt64 `db:"finished_at"`
}

func (r quizRow) model() (models.Quiz, error) {
	questions, err := models.ParseQuestions(r.QuestionsJSON)
	if err != nil {
		return models.Quiz{}, err
	}
	q := models.Quiz{
		ID:        r.ID,
		OwnerID:   r.OwnerID,
		ItemID:    r.ItemID,
		ChatID:    r.ChatID,
		Status:    models.QuizStatus(r.Status),
		Questions: questions,
		CreatedAt: fromMillis(r.CreatedAt),
	}
	if r.FinishedAt.Valid {
		t := fromMillis(r.FinishedAt.Int64)
		q.FinishedAt = &t
	}
	return q, nil
}

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func (s *sqlStore) q(query string) string { return s.db.Rebind(query) }

func (s *sqlStore) fail(op string, err error) error {
	slog.Error(s.name+"."+op+" failed", "error", err)
	return unavailable(op, err)
}

// --- items ---

func (s *sqlStore) CreateItem(ctx context.Context, item *models.ReminderItem) error {
	var id int64
	err := s.db.QueryRowxContext(ctx, s.q(
		`INSERT INTO items (owner_id, chat_id, content, step, next_fire_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		item.OwnerID, item.ChatID, item.Content, item.Step,
		toMillis(item.NextFireAt), toMillis(item.CreatedAt), toMillis(item.UpdatedAt),
	).Scan(&id)
	if err != nil {
		return s.fail("CreateItem", err)
	}
	item.ID = id
	slog.Debug(s.name+".CreateItem", "itemID", id, "ownerID", item.OwnerID)
	return nil
}

func (s *sqlStore) GetItem(ctx context.Context, id int64) (*models.ReminderItem, error) {
	var row itemRow
	err := s.db.GetContext(ctx, &row, s.q(`SELECT `+itemColumns+` FROM items WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrItemNotFound
	}
	if err != nil {
		return nil, s.fail("GetItem", err)
	}
	item := row.model()
	return &item, nil
}

func (s *sqlStore) FetchAndIncrementStep(ctx context.Context, id int64, now time.Time) (*models.ReminderItem, error) {
	// RETURNING sees the updated row, so the prior step is step - 1.
	var row itemRow
	err := s.db.QueryRowxContext(ctx, s.q(
		`UPDATE items SET step = step + 1, updated_at = ? WHERE id = ?
		 RETURNING id, owner_id, chat_id, content, step - 1 AS step, next_fire_at, created_at, updated_at`),
		toMillis(now), id,
	).StructScan(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrItemNotFound
	}
	if err != nil {
		return nil, s.fail("FetchAndIncrementStep", err)
	}
	item := row.model()
	return &item, nil
}

func (s *sqlStore) UpdateItemSchedule(ctx context.Context, id int64, step int, nextFireAt, now time.Time) error {
	if step < 1 {
		return models.ErrInvalidStep
	}
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE items SET step = ?, next_fire_at = ?, updated_at = ? WHERE id = ?`),
		step, toMillis(nextFireAt), toMillis(now), id,
	)
	if err != nil {
		return s.fail("UpdateItemSchedule", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.ErrItemNotFound
	}
	return nil
}

func (s *sqlStore) DeleteItem(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return s.fail("DeleteItem", err)
	}
	defer tx.Rollback()

	jobs, err := tx.ExecContext(ctx, s.q(`DELETE FROM reminder_jobs WHERE item_id = ?`), id)
	if err != nil {
		return s.fail("DeleteItem", fmt.Errorf("delete jobs: %w", err))
	}
	res, err := tx.ExecContext(ctx, s.q(`DELETE FROM items WHERE id = ?`), id)
	if err != nil {
		return s.fail("DeleteItem", fmt.Errorf("delete item: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return s.fail("DeleteItem", err)
	}
	if n == 0 {
		return models.ErrItemNotFound
	}
	if err := tx.Commit(); err != nil {
		return s.fail("DeleteItem", fmt.Errorf("commit: %w", err))
	}
	cancelled, _ := jobs.RowsAffected()
	slog.Debug(s.name+".DeleteItem", "itemID", id, "cancelledJobs", cancelled)
	return nil
}

func (s *sqlStore) ListItemsByOwner(ctx context.Context, ownerID int64) ([]models.ReminderItem, error) {
	var rows []itemRow
	err := s.db.SelectContext(ctx, &rows, s.q(`SELECT `+itemColumns+` FROM items WHERE owner_id = ? ORDER BY id`), ownerID)
	if err != nil {
		return nil, s.fail("ListItemsByOwner", err)
	}
	items := make([]models.ReminderItem, 0, len(rows))
	for _, r := range rows {
		items = append(items, r.model())
	}
	return items, nil
}

// --- jobs ---

func (s *sqlStore) ScheduleJob(ctx context.Context, job models.ScheduledJob) error {
	now := toMillis(job.UpdatedAt)
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO reminder_jobs (`+jobColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 'queued', NULL, NULL, ?, ?)
		 ON CONFLICT (item_id, chat_id) DO UPDATE SET
		   owner_id = excluded.owner_id,
		   step = excluded.step,
		   fire_at = excluded.fire_at,
		   retry_first = excluded.retry_first,
		   retry_second = excluded.retry_second,
		   status = 'queued',
		   last_error = NULL,
		   locked_at = NULL,
		   updated_at = excluded.updated_at`),
		job.ItemID, job.ChatID, job.OwnerID, job.Step, toMillis(job.FireAt),
		job.RetryFirst, job.RetrySecond, now, now,
	)
	if err != nil {
		return s.fail("ScheduleJob", err)
	}
	slog.Debug(s.name+".ScheduleJob", "job", job.Identity(), "fireAt", job.FireAt, "step", job.Step)
	return nil
}

func (s *sqlStore) CancelJob(ctx context.Context, id models.JobIdentity) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM reminder_jobs WHERE item_id = ? AND chat_id = ?`), id.ItemID, id.ChatID)
	if err != nil {
		return s.fail("CancelJob", err)
	}
	n, _ := res.RowsAffected()
	slog.Debug(s.name+".CancelJob", "job", id, "removed", n)
	return nil
}

func (s *sqlStore) ClaimNextDueJob(ctx context.Context, now time.Time) (*models.ScheduledJob, error) {
	ms := toMillis(now)
	var row jobRow
	err := s.db.QueryRowxContext(ctx, s.q(s.claimSQL), ms, ms, ms).StructScan(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, s.fail("ClaimNextDueJob", err)
	}
	job := row.model()
	return &job, nil
}

func (s *sqlStore) RescheduleJob(ctx context.Context, job models.ScheduledJob) error {
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE reminder_jobs SET step = ?, fire_at = ?, retry_first = ?, retry_second = ?,
		   status = 'queued', last_error = ?, locked_at = NULL, updated_at = ?
		 WHERE item_id = ? AND chat_id = ? AND status = 'executing'`),
		job.Step, toMillis(job.FireAt), job.RetryFirst, job.RetrySecond,
		nilIfEmpty(job.LastError), toMillis(job.UpdatedAt), job.ItemID, job.ChatID,
	)
	if err != nil {
		return s.fail("RescheduleJob", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return s.fail("RescheduleJob", err)
	}
	if n == 0 {
		return models.ErrJobNotFound
	}
	return nil
}

func (s *sqlStore) RequeueStaleJobs(ctx context.Context, staleBefore time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE reminder_jobs SET status = 'queued', locked_at = NULL
		 WHERE status = 'executing' AND locked_at < ?`),
		toMillis(staleBefore),
	)
	if err != nil {
		return 0, s.fail("RequeueStaleJobs", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info(s.name+".RequeueStaleJobs", "requeued", n)
	}
	return int(n), nil
}

func (s *sqlStore) GetJob(ctx context.Context, id models.JobIdentity) (*models.ScheduledJob, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, s.q(`SELECT `+jobColumns+` FROM reminder_jobs WHERE item_id = ? AND chat_id = ?`), id.ItemID, id.ChatID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrJobNotFound
	}
	if err != nil {
		return nil, s.fail("GetJob", err)
	}
	job := row.model()
	return &job, nil
}

func (s *sqlStore) ListJobsByItem(ctx context.Context, itemID int64) ([]models.ScheduledJob, error) {
	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows, s.q(`SELECT `+jobColumns+` FROM reminder_jobs WHERE item_id = ? ORDER BY chat_id`), itemID)
	if err != nil {
		return nil, s.fail("ListJobsByItem", err)
	}
	jobs := make([]models.ScheduledJob, 0, len(rows))
	for _, r := range rows {
		jobs = append(jobs, r.model())
	}
	return jobs, nil
}

// --- dead letters ---

func (s *sqlStore) RecordDeadLetter(ctx context.Context, rec models.DeadLetterRecord) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO dead_letters (id, item_id, chat_id, owner_id, step, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`),
		rec.ID, rec.ItemID, rec.ChatID, rec.OwnerID, rec.Step, rec.Reason, toMillis(rec.CreatedAt),
	)
	if err != nil {
		return s.fail("RecordDeadLetter", err)
	}
	return nil
}

func (s *sqlStore) ListDeadLetters(ctx context.Context, limit int) ([]models.DeadLetterRecord, error) {
	query := `SELECT id, item_id, chat_id, owner_id, step, reason, created_at FROM dead_letters ORDER BY created_at DESC, id`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	var rows []deadLetterRow
	if err := s.db.SelectContext(ctx, &rows, s.q(query), args...); err != nil {
		return nil, s.fail("ListDeadLetters", err)
	}
	out := make([]models.DeadLetterRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.DeadLetterRecord{
			ID:        r.ID,
			ItemID:    r.ItemID,
			ChatID:    r.ChatID,
			OwnerID:   r.OwnerID,
			Step:      r.Step,
			Reason:    r.Reason,
			CreatedAt: fromMillis(r.CreatedAt),
		})
	}
	return out, nil
}

// --- quizzes ---

func (s *sqlStore) CreateQuiz(ctx context.Context, q models.Quiz) error {
	questions, err := q.QuestionsJSON()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.q(
		`INSERT INTO quizzes (`+quizColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		q.ID, q.OwnerID, q.ItemID, q.ChatID, string(q.Status), questions,
		toMillis(q.CreatedAt), nullMillis(q.FinishedAt),
	)
	if err != nil {
		if s.isUnique(err) {
			return models.ErrQuizActive
		}
		return s.fail("CreateQuiz", err)
	}
	return nil
}

func (s *sqlStore) GetQuiz(ctx context.Context, id string) (*models.Quiz, error) {
	var row quizRow
	err := s.db.GetContext(ctx, &row, s.q(`SELECT `+quizColumns+` FROM quizzes WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrQuizNotFound
	}
	if err != nil {
		return nil, s.fail("GetQuiz", err)
	}
	q, err := row.model()
	if err != nil {
		return nil, err
	}
	return &q, nil
}

func (s *sqlStore) LatestQuizForItem(ctx context.Context, itemID int64) (*models.Quiz, error) {
	var row quizRow
	err := s.db.GetContext(ctx, &row, s.q(
		`SELECT `+quizColumns+` FROM quizzes WHERE item_id = ? ORDER BY created_at DESC LIMIT 1`), itemID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, s.fail("LatestQuizForItem", err)
	}
	q, err := row.model()
	if err != nil {
		return nil, err
	}
	return &q, nil
}

func (s *sqlStore) CountQuizzesCreated(ctx context.Context, ownerID int64, from, to time.Time) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.q(
		`SELECT COUNT(*) FROM quizzes WHERE owner_id = ? AND created_at >= ? AND created_at <= ?`),
		ownerID, toMillis(from), toMillis(to),
	)
	if err != nil {
		return 0, s.fail("CountQuizzesCreated", err)
	}
	return n, nil
}

func (s *sqlStore) CountFinishedQuizzes(ctx context.Context, ownerID int64) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.q(
		`SELECT COUNT(*) FROM quizzes WHERE owner_id = ? AND status = 'finished'`), ownerID)
	if err != nil {
		return 0, s.fail("CountFinishedQuizzes", err)
	}
	return n, nil
}

func (s *sqlStore) SetQuizQuestions(ctx context.Context, id string, questions []models.Question, status models.QuizStatus) error {
	raw, err := models.Quiz{Questions: questions}.QuestionsJSON()
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE quizzes SET questions_json = ?, status = ? WHERE id = ?`), raw, string(status), id)
	if err != nil {
		return s.fail("SetQuizQuestions", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.ErrQuizNotFound
	}
	return nil
}

func (s *sqlStore) FinishQuiz(ctx context.Context, id string, finishedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE quizzes SET status = 'finished', finished_at = ? WHERE id = ?`), toMillis(finishedAt), id)
	if err != nil {
		return s.fail("FinishQuiz", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.ErrQuizNotFound
	}
	return nil
}

func (s *sqlStore) DeleteQuiz(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM quizzes WHERE id = ?`), id); err != nil {
		return s.fail("DeleteQuiz", err)
	}
	return nil
}

func (s *sqlStore) ListQuizzesByStatus(ctx context.Context, status models.QuizStatus) ([]models.Quiz, error) {
	var rows []quizRow
	err := s.db.SelectContext(ctx, &rows, s.q(`SELECT `+quizColumns+` FROM quizzes WHERE status = ? ORDER BY created_at`), string(status))
	if err != nil {
		return nil, s.fail("ListQuizzesByStatus", err)
	}
	out := make([]models.Quiz, 0, len(rows))
	for _, r := range rows {
		q, err := r.model()
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, nil
}

// Close closes the database connection.
func (s *sqlStore) Close() error {
	slog.Debug(s.name + ".Close: closing database connection")
	return s.db.Close()
}
