package sync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/njoerd114/cardrelay/internal/davclient"
)

func TestFold_Classification(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		err     error
		check   func(*Result) bool
		outcome Outcome
	}{
		{"unauthorized", httpError(http.StatusUnauthorized, 0), func(r *Result) bool { return r.NumAuthErrors == 1 }, OutcomeFatal},
		{"forbidden", httpError(http.StatusForbidden, 0), func(r *Result) bool { return r.NumAuthErrors == 1 }, OutcomeFatal},
		{"server error", httpError(http.StatusBadGateway, 0), func(r *Result) bool { return r.NumHTTPErrors == 1 }, OutcomeRetryable},
		{"too many requests", httpError(http.StatusTooManyRequests, 0), func(r *Result) bool { return r.NumHTTPErrors == 1 }, OutcomeRetryable},
		{"not found", httpError(http.StatusNotFound, 0), func(r *Result) bool { return r.NumClientErrors == 1 }, OutcomeFatal},
		{"parse", &davclient.ParseError{URL: "u", Err: errors.New("bad xml")}, func(r *Result) bool { return r.NumParseErrors == 1 }, OutcomeFatal},
		{"network", errors.New("connection refused"), func(r *Result) bool { return r.NumIOErrors == 1 }, OutcomeRetryable},
		{"canceled", context.Canceled, func(r *Result) bool { return r.NumIOErrors == 1 }, OutcomeRetryable},
		{"local storage", fmt.Errorf("saving: %w", ErrLocalStorage), func(r *Result) bool { return r.DatabaseError }, OutcomeFatal},
		{"unavailable", httpError(http.StatusServiceUnavailable, time.Minute), func(r *Result) bool {
			return r.DelayUntil.Equal(now.Add(time.Minute)) && !r.HasError()
		}, OutcomeDeferred},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var r Result
			r.Fold(fmt.Errorf("wrapped: %w", tt.err), now)
			if !tt.check(&r) {
				t.Errorf("unexpected classification: %+v", r)
			}
			if got := r.Outcome(); got != tt.outcome {
				t.Errorf("Outcome = %v, want %v", got, tt.outcome)
			}
		})
	}
}

func TestFold_RetryAfterBounds(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		retryAfter time.Duration
		want       time.Duration
	}{
		{0, DefaultRetryAfter},
		{30 * time.Second, 30 * time.Second},
		{5 * time.Hour, MaxRetryAfter},
	}
	for _, tt := range tests {
		var r Result
		r.Fold(httpError(http.StatusServiceUnavailable, tt.retryAfter), now)
		if got := r.DelayUntil.Sub(now); got != tt.want {
			t.Errorf("Retry-After %v: delay = %v, want %v", tt.retryAfter, got, tt.want)
		}
	}
}

func TestOutcome_Precedence(t *testing.T) {
	r := Result{NumIOErrors: 1}
	if r.Outcome() != OutcomeRetryable {
		t.Errorf("Outcome = %v, want retryable", r.Outcome())
	}
	r.DelayUntil = time.Now().Add(time.Minute)
	if r.Outcome() != OutcomeDeferred {
		t.Errorf("Outcome = %v, want deferred over retryable", r.Outcome())
	}
	r.NumAuthErrors = 1
	if r.Outcome() != OutcomeFatal {
		t.Errorf("Outcome = %v, want fatal over deferred", r.Outcome())
	}
	if (&Result{}).Outcome() != OutcomeSuccess {
		t.Error("empty result is not a success")
	}
}

func TestResult_Merge(t *testing.T) {
	early := time.Now()
	late := early.Add(time.Hour)
	a := Result{NumIOErrors: 1, DelayUntil: early, Stats: Stats{Added: 2}}
	b := Result{ItemErrors: 2, DelayUntil: late, DatabaseError: true, Stats: Stats{Added: 1, Conflicts: 1}}

	a.Merge(&b)

	if a.NumIOErrors != 1 || a.ItemErrors != 2 || !a.DatabaseError {
		t.Errorf("counters = %+v", a)
	}
	if !a.DelayUntil.Equal(late) {
		t.Errorf("DelayUntil = %v, want the later %v", a.DelayUntil, late)
	}
	if a.Stats.Added != 3 || a.Stats.Conflicts != 1 {
		t.Errorf("Stats = %+v", a.Stats)
	}
}

func TestResult_Err(t *testing.T) {
	if err := (&Result{}).Err(); err != nil {
		t.Errorf("Err on success = %v", err)
	}
	r := Result{}
	r.Fold(httpError(http.StatusUnauthorized, 0), time.Now())
	if err := r.Err(); !davclient.IsStatus(err, http.StatusUnauthorized) {
		t.Errorf("Err = %v, want wrapped 401", err)
	}
}

func TestSyncState(t *testing.T) {
	if CTagState("") != nil || TokenState("") != nil {
		t.Error("empty values must yield nil states")
	}
	if !(*SyncState)(nil).Equal(nil) {
		t.Error("nil states must be equal")
	}
	if CTagState("x").Equal(TokenState("x")) {
		t.Error("states of different type compare equal")
	}

	raw, err := MarshalSyncState(TokenState("http://example.com/sync/5"))
	if err != nil {
		t.Fatalf("MarshalSyncState: %v", err)
	}
	got, err := ParseSyncState(raw)
	if err != nil {
		t.Fatalf("ParseSyncState: %v", err)
	}
	if !got.Equal(TokenState("http://example.com/sync/5")) {
		t.Errorf("parsed %v", got)
	}

	if s, err := ParseSyncState(""); s != nil || err != nil {
		t.Errorf("ParseSyncState(\"\") = %v, %v", s, err)
	}
	if _, err := ParseSyncState(`{"type":"etag","value":"x"}`); err == nil {
		t.Error("unknown type accepted")
	}
}
