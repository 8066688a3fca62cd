package zinc

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrUnavailable marks transport failures; the request may not have reached
// the vendor.
var ErrUnavailable = errors.New("zinc unavailable")

type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("zinc %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// Retryable reports whether the same request may succeed later.
func (e *APIError) Retryable() bool {
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500 {
		return true
	}
	switch ClassifyCode(e.Code) {
	case ErrorPending, ErrorFunding, ErrorTransient:
		return true
	}
	return false
}

func newAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status}
	var parsed struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		apiErr.Code = parsed.Code
		apiErr.Message = parsed.Message
	}
	if apiErr.Message == "" {
		msg := string(body)
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		apiErr.Message = msg
	}
	return apiErr
}

// IsRetryable reports whether err is worth retrying later.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnavailable) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return true
}

// IsInsufficientFunds reports whether the vendor rejected for lack of balance.
func IsInsufficientFunds(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == CodeInsufficientFunds
}
