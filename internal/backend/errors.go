package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// APIError is a non-2xx response from the backend.
type APIError struct {
	StatusCode int
	Detail     string // user-facing text from the {detail|message} body field, if any
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("API error: %d %s - %s", e.StatusCode, http.StatusText(e.StatusCode), e.Detail)
	}
	return fmt.Sprintf("API error: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// Unauthorized reports whether the response means the credential is no
// longer accepted. A missing bearer header is answered with 403 "Not
// authenticated" by the backend, which counts as well.
func (e *APIError) Unauthorized() bool {
	if e.StatusCode == http.StatusUnauthorized {
		return true
	}
	return e.StatusCode == http.StatusForbidden && strings.EqualFold(e.Detail, "Not authenticated")
}

// TransportError wraps a failure to reach the backend or read its reply.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsUnauthorized reports whether err carries an unauthorized API response.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Unauthorized()
}

// Detail returns the server supplied error text carried by err, or "".
func Detail(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Detail
	}
	return ""
}

// parseErrorBody extracts the user-facing error text from a failure body.
// FastAPI validation failures put a list under "detail"; those are ignored.
func parseErrorBody(body []byte) string {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return ""
	}
	for _, key := range []string{"detail", "message"} {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil && s != "" {
			return s
		}
	}
	return ""
}
