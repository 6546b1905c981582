package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/BTreeMap/RemindPipe/internal/models"
	"github.com/BTreeMap/RemindPipe/internal/quota"
	"github.com/go-chi/chi/v5"
)

// defaultDeadLetterLimit caps GET /api/deadletters without a limit parameter.
const defaultDeadLetterLimit = 50

type createItemRequest struct {
	OwnerID int64  `json:"owner_id"`
	ChatID  string `json:"chat_id"`
	Content string `json:"content"`
}

type restartRequest struct {
	ChatID string `json:"chat_id"`
}

type createQuizRequest struct {
	OwnerID int64  `json:"owner_id"`
	ItemID  int64  `json:"item_id"`
	ChatID  string `json:"chat_id"`
}

// itemView is an item together with its scheduled jobs.
type itemView struct {
	Item *models.ReminderItem  `json:"item"`
	Jobs []models.ScheduledJob `json:"jobs"`
}

type quotaView struct {
	quota.Snapshot
	Available int `json:"available"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]any{
		"uptime_seconds": time.Since(s.started).Seconds(),
		"time":           s.sched.Now(),
	}))
}

func (s *Server) createItemHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req createItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.createItemHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.OwnerID <= 0 {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: owner_id"))
		return
	}
	item, err := s.sched.CreateItem(r.Context(), req.OwnerID, req.ChatID, req.Content)
	if err != nil {
		writeError(w, "createItemHandler", err)
		return
	}
	slog.Info("Server.createItemHandler: item created", "itemID", item.ID, "ownerID", item.OwnerID)
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Reminder scheduled", item))
}

func (s *Server) getItemHandler(w http.ResponseWriter, r *http.Request) {
	itemID, ok := int64Param(w, r, "itemID")
	if !ok {
		return
	}
	item, err := s.store.GetItem(r.Context(), itemID)
	if err != nil {
		writeError(w, "getItemHandler", err)
		return
	}
	jobs, err := s.store.ListJobsByItem(r.Context(), itemID)
	if err != nil {
		writeError(w, "getItemHandler", err)
		return
	}
	if jobs == nil {
		jobs = []models.ScheduledJob{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(itemView{Item: item, Jobs: jobs}))
}

func (s *Server) deleteItemHandler(w http.ResponseWriter, r *http.Request) {
	itemID, ok := int64Param(w, r, "itemID")
	if !ok {
		return
	}
	if _, err := s.store.GetItem(r.Context(), itemID); err != nil {
		writeError(w, "deleteItemHandler", err)
		return
	}
	if err := s.sched.DeleteItem(r.Context(), itemID); err != nil {
		writeError(w, "deleteItemHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Item deleted", nil))
}

func (s *Server) restartItemHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	itemID, ok := int64Param(w, r, "itemID")
	if !ok {
		return
	}
	var req restartRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			slog.Warn("Server.restartItemHandler: failed to decode JSON", "error", err)
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
			return
		}
	}
	if req.ChatID == "" {
		item, err := s.store.GetItem(r.Context(), itemID)
		if err != nil {
			writeError(w, "restartItemHandler", err)
			return
		}
		req.ChatID = item.ChatID
	}
	job, err := s.sched.ScheduleReminder(r.Context(), itemID, req.ChatID)
	if err != nil {
		writeError(w, "restartItemHandler", err)
		return
	}
	slog.Info("Server.restartItemHandler: schedule restarted", "job", job.Identity(), "fireAt", job.FireAt)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Schedule restarted", job))
}

func (s *Server) cancelReminderHandler(w http.ResponseWriter, r *http.Request) {
	itemID, ok := int64Param(w, r, "itemID")
	if !ok {
		return
	}
	chatID := chi.URLParam(r, "chatID")
	if err := s.sched.CancelReminder(r.Context(), itemID, chatID); err != nil {
		writeError(w, "cancelReminderHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Reminder cancelled", nil))
}

func (s *Server) createQuizHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req createQuizRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.createQuizHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.OwnerID <= 0 || req.ItemID <= 0 {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required fields: owner_id, item_id"))
		return
	}
	res, err := s.quizzes.Start(r.Context(), req.OwnerID, req.ItemID, req.ChatID)
	if err != nil {
		writeError(w, "createQuizHandler", err)
		return
	}
	switch res.Decision {
	case quota.Granted:
		writeJSONResponse(w, http.StatusAccepted, models.Accepted("Quiz is being generated", res))
	case quota.DeniedDailyLimit:
		writeJSONResponse(w, http.StatusTooManyRequests, models.Denied("Daily quiz limit reached", res))
	default:
		writeJSONResponse(w, http.StatusConflict, models.Denied(fmt.Sprintf("Quiz not available: %s", res.Decision), res))
	}
}

func (s *Server) finishQuizHandler(w http.ResponseWriter, r *http.Request) {
	quizID := chi.URLParam(r, "quizID")
	q, err := s.quizzes.Finish(r.Context(), quizID)
	if err != nil {
		writeError(w, "finishQuizHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Quiz finished", q))
}

func (s *Server) quotaHandler(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := int64Param(w, r, "ownerID")
	if !ok {
		return
	}
	snap, err := s.quota.Snapshot(r.Context(), ownerID)
	if err != nil {
		writeError(w, "quotaHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(quotaView{Snapshot: snap, Available: snap.Available()}))
}

func (s *Server) deadLettersHandler(w http.ResponseWriter, r *http.Request) {
	limit := defaultDeadLetterLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	records, err := s.store.ListDeadLetters(r.Context(), limit)
	if err != nil {
		writeError(w, "deadLettersHandler", err)
		return
	}
	if records == nil {
		records = []models.DeadLetterRecord{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(records))
}

func int64Param(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(fmt.Sprintf("invalid %s: %q", name, raw)))
		return 0, false
	}
	return id, true
}
