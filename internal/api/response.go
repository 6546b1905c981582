package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/RemindPipe/internal/models"
	"github.com/BTreeMap/RemindPipe/internal/store"
)

// Pre-marshaled fallback responses to avoid runtime JSON encoding failures
var (
	fallbackErrorResponse []byte
)

// init validates that our fallback responses can be marshaled
func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
}

// writeJSONResponse writes a JSON response to the http.ResponseWriter with the given status code.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	// Marshal first so an encoding failure can still change the status code
	jsonData, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		jsonData = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, writeErr := w.Write(jsonData); writeErr != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", writeErr)
	}
}

// writeError maps domain and store errors to HTTP statuses.
func writeError(w http.ResponseWriter, op string, err error) {
	status := http.StatusInternalServerError
	message := "Internal server error"
	switch {
	case errors.Is(err, models.ErrItemNotFound), errors.Is(err, models.ErrJobNotFound), errors.Is(err, models.ErrQuizNotFound):
		status, message = http.StatusNotFound, rootMessage(err)
	case errors.Is(err, models.ErrEmptyChatID), errors.Is(err, models.ErrEmptyContent),
		errors.Is(err, models.ErrContentTooBig), errors.Is(err, models.ErrInvalidStep):
		status, message = http.StatusBadRequest, rootMessage(err)
	case errors.Is(err, store.ErrStoreUnavailable):
		status, message = http.StatusServiceUnavailable, "Storage unavailable"
	}
	if status >= http.StatusInternalServerError {
		slog.Error("Server."+op+": request failed", "error", err)
	} else {
		slog.Warn("Server."+op+": request rejected", "error", err)
	}
	writeJSONResponse(w, status, models.Error(message))
}

// rootMessage returns the innermost error text, hiding wrapping context from clients.
func rootMessage(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err.Error()
		}
		err = next
	}
}
