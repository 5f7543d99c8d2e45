package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// TooManyRequestsError is returned for HTTP 429 responses. RetryAfter is the
// delay requested by the server, zero when it did not say.
type TooManyRequestsError struct {
	URL        string
	RetryAfter time.Duration
}

func (e *TooManyRequestsError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("too many requests to %s, retry after %s", e.URL, e.RetryAfter)
	}
	return fmt.Sprintf("too many requests to %s", e.URL)
}

// HTTPError is returned for any other response with a status of 400 or more.
type HTTPError struct {
	URL        string
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s: %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// IsRetryable reports whether err is a transient network failure worth
// retrying: rate limiting, server errors, timeouts and dropped connections.
// Cancellation is never retryable.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var tooMany *TooManyRequestsError
	if errors.As(err, &tooMany) {
		return true
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500 || httpErr.StatusCode == http.StatusRequestTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

// RetryAfter returns the server-provided delay carried by err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var tooMany *TooManyRequestsError
	if errors.As(err, &tooMany) {
		return tooMany.RetryAfter, true
	}
	return 0, false
}

// parseRetryAfter accepts both forms of the Retry-After header: a number of
// seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// failover reports whether err means the domain itself is unhealthy, as
// opposed to the request being refused.
func failover(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var tooMany *TooManyRequestsError
	if errors.As(err, &tooMany) {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500
	}
	return true
}
