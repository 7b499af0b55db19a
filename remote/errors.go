package remote

import (
	"fmt"

	"github.com/pkg/errors"
)

// APIError is a non-2xx response from the service. Code and Message carry
// the service's own error body when one was returned.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("remote: %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("remote: unexpected status %d", e.StatusCode)
}

// AsAPIError unwraps err to an *APIError if one is in the chain.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// IsClientError reports whether err is a 4xx response. These are terminal:
// retrying the same request cannot succeed.
func IsClientError(err error) bool {
	apiErr, ok := AsAPIError(err)
	return ok && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500
}

// IsTransient reports whether err looks retryable: a transport failure or a
// 5xx response.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if apiErr, ok := AsAPIError(err); ok {
		return apiErr.StatusCode >= 500
	}
	return true
}
