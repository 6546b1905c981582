package models

// APIStatus is the status field of every API response.
type APIStatus string

const (
	APIStatusOK       APIStatus = "ok"
	APIStatusAccepted APIStatus = "accepted"
	APIStatusDenied   APIStatus = "denied"
	APIStatusError    APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  APIStatus   `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: APIStatusOK, Result: result}
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: APIStatusOK, Message: message, Result: result}
}

// Accepted reports work that continues in the background.
func Accepted(message string, result interface{}) APIResponse {
	return APIResponse{Status: APIStatusAccepted, Message: message, Result: result}
}

// Denied reports an expected business-rule refusal.
func Denied(message string, result interface{}) APIResponse {
	return APIResponse{Status: APIStatusDenied, Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: APIStatusError, Message: message}
}
