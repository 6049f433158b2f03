package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	// ErrTokenExpired is returned before any request when the bearer token's exp has passed.
	ErrTokenExpired = errors.New("api token expired")
	// ErrNotFound is returned for 404 responses.
	ErrNotFound = errors.New("not found")
)

// UnexpectedStatusError reports a non-2xx response.
type UnexpectedStatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *UnexpectedStatusError) Error() string {
	return fmt.Sprintf("unexpected status: %s %s -> %d body=%q", e.Method, e.Path, e.Code, e.Body)
}

// Is lets errors.Is(err, ErrNotFound) match 404 responses.
func (e *UnexpectedStatusError) Is(target error) bool {
	return target == ErrNotFound && e.Code == http.StatusNotFound
}

// IsRetryable reports whether the failed call may succeed if repeated later.
// Transport failures, timeouts, 429 and 5xx responses are retryable; auth
// failures and other 4xx responses are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTokenExpired) || errors.Is(err, context.Canceled) {
		return false
	}
	var se *UnexpectedStatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= 500
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}
