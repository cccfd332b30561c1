package davclient

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidSyncToken is returned by SyncCollection when the server rejects
// the sync-token (DAV:valid-sync-token precondition, RFC 6578).
var ErrInvalidSyncToken = errors.New("invalid sync-token")

// HTTPError is returned for any non-2xx reply.
type HTTPError struct {
	Method     string
	URL        string
	StatusCode int
	Status     string

	// RetryAfter is the parsed Retry-After header, zero when absent.
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s %s: %s (retry after %s)", e.Method, e.URL, e.Status, e.RetryAfter)
	}
	return fmt.Sprintf("%s %s: %s", e.Method, e.URL, e.Status)
}

// ParseError reports a response body the client could not understand.
type ParseError struct {
	URL string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parsing response from %s: %v", e.URL, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode
	}
	return 0
}

// IsStatus reports whether err is an HTTPError with one of the given codes.
func IsStatus(err error, codes ...int) bool {
	code := StatusCode(err)
	if code == 0 {
		return false
	}
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}

// newHTTPError builds an HTTPError from a response.
func newHTTPError(resp *http.Response, now time.Time) *HTTPError {
	return &HTTPError{
		Method:     resp.Request.Method,
		URL:        resp.Request.URL.Redacted(),
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), now),
	}
}

// parseRetryAfter accepts both delay-seconds and HTTP-date forms.
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
