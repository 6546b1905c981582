// Package messaging provides the chat transports that deliver reminders.
//
// Every transport reports failures as a *DeliveryError carrying a code from
// the closed FailureCode set. Retry classification is decided by the code
// alone, never by inspecting error text.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Transport delivers rendered text to a chat destination.
type Transport interface {
	// Deliver sends text to chatID. Failures are returned as *DeliveryError.
	Deliver(ctx context.Context, chatID string, text string) error
}

// FailureCode is the transport-independent reason a delivery failed.
type FailureCode int

const (
	CodeUnknown FailureCode = iota
	CodeBadRequest
	CodeUnauthorized
	CodeForbidden
	CodeNotFound
	CodeTooManyRequests
	CodeInternal
	CodeBadGateway
	CodeUnavailable
	CodeGatewayTimeout
	CodeNetworkTimeout
)

var codeNames = map[FailureCode]string{
	CodeUnknown:         "unknown",
	CodeBadRequest:      "bad_request",
	CodeUnauthorized:    "unauthorized",
	CodeForbidden:       "forbidden",
	CodeNotFound:        "not_found",
	CodeTooManyRequests: "too_many_requests",
	CodeInternal:        "internal",
	CodeBadGateway:      "bad_gateway",
	CodeUnavailable:     "unavailable",
	CodeGatewayTimeout:  "gateway_timeout",
	CodeNetworkTimeout:  "network_timeout",
}

func (c FailureCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// Transient reports whether a failure with this code may succeed on retry.
// Only server-side errors, rate limiting and network timeouts qualify.
func (c FailureCode) Transient() bool {
	switch c {
	case CodeTooManyRequests, CodeInternal, CodeBadGateway, CodeUnavailable, CodeGatewayTimeout, CodeNetworkTimeout:
		return true
	default:
		return false
	}
}

// CodeFromHTTPStatus maps an HTTP-style status code reported by a provider API.
func CodeFromHTTPStatus(status int) FailureCode {
	switch status {
	case http.StatusBadRequest:
		return CodeBadRequest
	case http.StatusUnauthorized:
		return CodeUnauthorized
	case http.StatusForbidden:
		return CodeForbidden
	case http.StatusNotFound:
		return CodeNotFound
	case http.StatusTooManyRequests:
		return CodeTooManyRequests
	case http.StatusInternalServerError:
		return CodeInternal
	case http.StatusBadGateway:
		return CodeBadGateway
	case http.StatusServiceUnavailable:
		return CodeUnavailable
	case http.StatusGatewayTimeout:
		return CodeGatewayTimeout
	default:
		return CodeUnknown
	}
}

// DeliveryError is the error returned by transports at the delivery boundary.
type DeliveryError struct {
	Code   FailureCode
	Reason string
	Err    error
}

func (e *DeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("delivery failed (%s): %s: %v", e.Code, e.Reason, e.Err)
	}
	return fmt.Sprintf("delivery failed (%s): %s", e.Code, e.Reason)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Transient reports whether the failure may succeed on retry.
func (e *DeliveryError) Transient() bool { return e.Code.Transient() }

// CodeOf extracts the failure code of err. Errors that are not a
// *DeliveryError are classified as network timeouts when they time out and
// unknown otherwise.
func CodeOf(err error) FailureCode {
	if err == nil {
		return CodeUnknown
	}
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Code
	}
	if isTimeout(err) {
		return CodeNetworkTimeout
	}
	return CodeUnknown
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// transportError wraps a provider error, deriving the code from a status when
// known and from the network layer otherwise.
func transportError(status int, reason string, err error) *DeliveryError {
	code := CodeFromHTTPStatus(status)
	if code == CodeUnknown && isTimeout(err) {
		code = CodeNetworkTimeout
	}
	return &DeliveryError{Code: code, Reason: reason, Err: err}
}
