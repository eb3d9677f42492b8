package kraken

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/javiergcw/kraken-sas/pkg/domain"
)

// Error is a non-2xx answer from the API.
type Error struct {
	StatusCode int
	Code       string
	Message    string
	RequestID  string
	Details    any
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("kraken api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
}

func (e *Error) Is(target error) bool {
	switch target {
	case domain.ErrUpstream:
		return true
	case domain.ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case domain.ErrConflict:
		return e.StatusCode == http.StatusConflict
	case domain.ErrValidation:
		return e.StatusCode == http.StatusBadRequest || e.StatusCode == http.StatusUnprocessableEntity
	}
	return false
}

// NetworkError covers transport failures and rejected credentials.
type NetworkError struct {
	SessionExpired bool
	Err            error
}

func (e *NetworkError) Error() string {
	if e.SessionExpired {
		return "kraken: session expired"
	}
	if e.Err == nil {
		return "kraken: network failure"
	}
	return "kraken: network failure: " + e.Err.Error()
}

func (e *NetworkError) Unwrap() error { return e.Err }

func (e *NetworkError) Is(target error) bool { return target == domain.ErrNetwork }

func parseError(status int, requestID string, body []byte) error {
	out := &Error{StatusCode: status, RequestID: requestID}
	var env struct {
		Message   string `json:"message"`
		RequestID string `json:"request_id"`
		Error     any    `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		out.Message = strings.TrimSpace(string(body))
	} else {
		out.Message = env.Message
		if env.RequestID != "" {
			out.RequestID = env.RequestID
		}
		switch e := env.Error.(type) {
		case map[string]any:
			out.Code, _ = e["code"].(string)
			if msg, _ := e["message"].(string); msg != "" {
				out.Message = msg
			}
			out.Details = e["details"]
		case string:
			// Older deployments send error as a bare message.
			out.Message = e
		}
	}
	if out.Message == "" {
		out.Message = http.StatusText(status)
	}
	if status == http.StatusUnauthorized {
		return &NetworkError{SessionExpired: true, Err: out}
	}
	return out
}

// IsCode reports whether err is an API error carrying code.
func IsCode(err error, code string) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Code == code
}
