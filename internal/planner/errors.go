package planner

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ErrNotModified is returned by conditional reads when the remote's copy
// still matches the caller's etag (HTTP 304).
var ErrNotModified = errors.New("planner: not modified")

// IsNotModified reports whether err is a 304 on a conditional read.
func IsNotModified(err error) bool { return errors.Is(err, ErrNotModified) }

// StatusError carries the external planner's HTTP status and enough
// context for callers to apply error taxonomy without
// re-parsing the response.
type StatusError struct {
	Status int
	Method string
	Path string
	Body string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("planner: %s %s returned %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// IsNotFound reports whether err is a 404 StatusError.
func IsNotFound(err error) bool { return statusIs(err, http.StatusNotFound) }

// IsPreconditionFailed reports whether err is a 412 StatusError (ETag
// mismatch on a conditional write).
func IsPreconditionFailed(err error) bool { return statusIs(err, http.StatusPreconditionFailed) }

// IsRateLimited reports whether err is a 429 StatusError.
func IsRateLimited(err error) bool { return statusIs(err, http.StatusTooManyRequests) }

// IsUnauthorized reports whether err is a 401 StatusError.
func IsUnauthorized(err error) bool { return statusIs(err, http.StatusUnauthorized) }

// IsForbidden reports whether err is a 403 StatusError.
func IsForbidden(err error) bool { return statusIs(err, http.StatusForbidden) }

// IsServerError reports whether err is a 5xx StatusError.
func IsServerError(err error) bool {
	se, ok := err.(*StatusError)
	return ok && se.Status >= 500
}

// IsValidation reports whether err is a 400/422 StatusError; these are
// never retried, only dead-lettered for operator inspection.
func IsValidation(err error) bool {
	se, ok := err.(*StatusError)
	return ok && (se.Status == http.StatusBadRequest || se.Status == http.StatusUnprocessableEntity)
}

func statusIs(err error, status int) bool {
	se, ok := err.(*StatusError)
	return ok && se.Status == status
}

// classifyResponse builds a StatusError for any non-2xx/304 response,
// parsing Retry-After when present.
func classifyResponse(resp *http.Response, method, path, body string) error {
	retryAfter := time.Duration(0)
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil {
			retryAfter = time.Duration(secs) * time.Second
		}
	}
	return &StatusError{
		Status: resp.StatusCode,
		Method: method,
		Path: path,
		Body: body,
		RetryAfter: retryAfter,
	}
}
