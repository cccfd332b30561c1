package sync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/njoerd114/cardrelay/internal/davclient"
)

const (
	// DefaultRetryAfter is used for a 503 without a usable Retry-After.
	DefaultRetryAfter = 15 * time.Minute
	// MaxRetryAfter caps how far a 503 may push the next attempt.
	MaxRetryAfter = 2 * time.Hour
)

// Outcome is what the scheduler learns from a finished run.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRetryable
	OutcomeFatal
	OutcomeDeferred
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRetryable:
		return "retryable"
	case OutcomeFatal:
		return "fatal"
	case OutcomeDeferred:
		return "deferred"
	default:
		return "success"
	}
}

// Stats counts what a pass changed.
type Stats struct {
	Uploaded       int
	RemoteDeleted  int
	Added          int
	Updated        int
	LocallyDeleted int
	Conflicts      int
	Invalid        int
}

func (s *Stats) add(o Stats) {
	s.Uploaded += o.Uploaded
	s.RemoteDeleted += o.RemoteDeleted
	s.Added += o.Added
	s.Updated += o.Updated
	s.LocallyDeleted += o.LocallyDeleted
	s.Conflicts += o.Conflicts
	s.Invalid += o.Invalid
}

// Result collects the errors and statistics of one or more passes.
type Result struct {
	NumIOErrors     int
	NumHTTPErrors   int
	NumAuthErrors   int
	NumParseErrors  int
	NumClientErrors int

	// ItemErrors counts resources that failed individually. They do not
	// abort a pass but keep its sync state from being stored.
	ItemErrors int

	DatabaseError  bool
	TooManyRetries bool

	// DelayUntil is set by a 503 reply; the next attempt should not start
	// before it.
	DelayUntil time.Time

	Stats Stats

	// LastError is the most recent error folded into the result.
	LastError error
}

// HasError reports whether any pass failed in any way.
func (r *Result) HasError() bool {
	return r.NumIOErrors > 0 ||
		r.NumHTTPErrors > 0 ||
		r.NumAuthErrors > 0 ||
		r.NumParseErrors > 0 ||
		r.NumClientErrors > 0 ||
		r.ItemErrors > 0 ||
		r.DatabaseError
}

// HasHardError reports errors that retrying will not fix.
func (r *Result) HasHardError() bool {
	return r.NumAuthErrors > 0 || r.NumParseErrors > 0 || r.NumClientErrors > 0 || r.DatabaseError
}

// AuthFailed reports whether credentials or permissions were rejected.
func (r *Result) AuthFailed() bool {
	return r.NumAuthErrors > 0
}

// Outcome maps the result to the scheduler contract. Fatal errors win over a
// deferral, which wins over retryable errors.
func (r *Result) Outcome() Outcome {
	switch {
	case r.HasHardError():
		return OutcomeFatal
	case !r.DelayUntil.IsZero():
		return OutcomeDeferred
	case r.HasError():
		return OutcomeRetryable
	default:
		return OutcomeSuccess
	}
}

// Fold classifies err and records it. A 503 only sets DelayUntil.
func (r *Result) Fold(err error, now time.Time) {
	if err == nil {
		return
	}
	r.LastError = err

	var he *davclient.HTTPError
	var pe *davclient.ParseError
	switch {
	case errors.Is(err, ErrLocalStorage):
		r.DatabaseError = true
	case errors.As(err, &he):
		switch {
		case he.StatusCode == http.StatusServiceUnavailable:
			r.deferUntil(now, he.RetryAfter)
		case he.StatusCode == http.StatusUnauthorized || he.StatusCode == http.StatusForbidden:
			r.NumAuthErrors++
		case he.StatusCode >= 500 || he.StatusCode == http.StatusRequestTimeout || he.StatusCode == http.StatusTooManyRequests:
			r.NumHTTPErrors++
		default:
			r.NumClientErrors++
		}
	case errors.As(err, &pe):
		r.NumParseErrors++
	default:
		// Network failures, timeouts and cancellation.
		r.NumIOErrors++
	}
}

func (r *Result) deferUntil(now time.Time, after time.Duration) {
	if after <= 0 {
		after = DefaultRetryAfter
	}
	if after > MaxRetryAfter {
		after = MaxRetryAfter
	}
	until := now.Add(after)
	if until.After(r.DelayUntil) {
		r.DelayUntil = until
	}
}

// Merge adds the counters of o to r.
func (r *Result) Merge(o *Result) {
	r.NumIOErrors += o.NumIOErrors
	r.NumHTTPErrors += o.NumHTTPErrors
	r.NumAuthErrors += o.NumAuthErrors
	r.NumParseErrors += o.NumParseErrors
	r.NumClientErrors += o.NumClientErrors
	r.ItemErrors += o.ItemErrors
	r.DatabaseError = r.DatabaseError || o.DatabaseError
	r.TooManyRetries = r.TooManyRetries || o.TooManyRetries
	if o.DelayUntil.After(r.DelayUntil) {
		r.DelayUntil = o.DelayUntil
	}
	r.Stats.add(o.Stats)
	if o.LastError != nil {
		r.LastError = o.LastError
	}
}

// Err summarizes the result as an error, or nil on success.
func (r *Result) Err() error {
	if !r.HasError() {
		return nil
	}
	if r.LastError != nil {
		return fmt.Errorf("sync %s: %w", r.Outcome(), r.LastError)
	}
	return fmt.Errorf("sync %s: %d resource errors", r.Outcome(), r.ItemErrors)
}

// isCanceled reports whether err stems from the caller giving up.
func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
