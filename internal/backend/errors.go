package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrUnavailable wraps transport failures reaching the backend.
var ErrUnavailable = errors.New("backend unavailable")

// APIError is a non-2xx response from the backend.
type APIError struct {
	Status int
	Detail string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("backend returned %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("backend returned %d: %s", e.Status, e.Detail)
}

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

// decodeError builds an APIError from a response body. The backend reports
// failures as {"detail": ...} or {"error": ...}; validation failures are a
// field-to-messages map and are kept verbatim.
func decodeError(status int, body []byte) *APIError {
	apiErr := &APIError{Status: status}
	var payload struct {
		Detail json.RawMessage `json:"detail"`
		Error  json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		for _, raw := range []json.RawMessage{payload.Detail, payload.Error} {
			var s string
			if len(raw) > 0 && json.Unmarshal(raw, &s) == nil && s != "" {
				apiErr.Detail = s
				return apiErr
			}
		}
	}
	apiErr.Detail = strings.TrimSpace(string(body))
	if len(apiErr.Detail) > 512 {
		apiErr.Detail = apiErr.Detail[:512]
	}
	return apiErr
}
