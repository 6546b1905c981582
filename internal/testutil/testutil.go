// Package testutil provides common test utilities and helpers for RemindPipe tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"time"

	"github.com/BTreeMap/RemindPipe/internal/models"
)

// T0 is the fixed start time used by deterministic tests.
var T0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// TestingT is the subset of testing.TB the helpers need.
type TestingT interface {
	Helper()
	Errorf(format string, args ...any)
	Fatalf(format string, args ...any)
}

// ItemCreator stores reminder items.
type ItemCreator interface {
	CreateItem(ctx context.Context, item *models.ReminderItem) error
}

// SeedItem stores an item at step 1 due 30 minutes after now and returns it
// with its assigned ID.
func SeedItem(t TestingT, st ItemCreator, ownerID int64, chatID, content string, now time.Time) *models.ReminderItem {
	t.Helper()
	item := &models.ReminderItem{
		OwnerID:    ownerID,
		ChatID:     chatID,
		Content:    content,
		Step:       1,
		NextFireAt: now.Add(30 * time.Minute),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := st.CreateItem(context.Background(), item); err != nil {
		t.Fatalf("failed to seed item: %v", err)
	}
	return item
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t TestingT, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// DecodeAPIResponse decodes the recorder body as an APIResponse. An empty
// body yields the zero value.
func DecodeAPIResponse(t TestingT, rr *httptest.ResponseRecorder) models.APIResponse {
	t.Helper()
	var resp models.APIResponse
	if rr.Body.Len() == 0 {
		return resp
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response is not JSON: %v: %s", err, rr.Body.String())
	}
	return resp
}

// DecodeResult re-decodes an APIResponse result into target.
func DecodeResult(t TestingT, resp models.APIResponse, target any) {
	t.Helper()
	MustUnmarshalJSON(t, MustMarshalJSON(t, resp.Result), target)
}

// JSONBody marshals v into a request body reader.
func JSONBody(t TestingT, v any) *bytes.Reader {
	t.Helper()
	return bytes.NewReader(MustMarshalJSON(t, v))
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t TestingT, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t TestingT, data []byte, target any) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
