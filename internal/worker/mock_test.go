package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	syncp "github.com/njoerd114/cardrelay/internal/sync"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// --- Scripted runner ---------------------------------------------------------

type call struct {
	account string
	req     syncp.Request
}

// scriptedRunner returns results in order; once exhausted it repeats the
// last one. A non-nil gate blocks every run until a value is received.
type scriptedRunner struct {
	mu      sync.Mutex
	results []syncp.Result
	calls   []call
	gate    chan struct{}
	started chan struct{}
}

func newRunner(results ...syncp.Result) *scriptedRunner {
	return &scriptedRunner{results: results, started: make(chan struct{}, 64)}
}

func (r *scriptedRunner) RunSync(ctx context.Context, account string, req syncp.Request) syncp.Result {
	r.mu.Lock()
	r.calls = append(r.calls, call{account: account, req: req})
	var res syncp.Result
	if len(r.results) > 0 {
		res = r.results[0]
		if len(r.results) > 1 {
			r.results = r.results[1:]
		}
	}
	gate := r.gate
	r.mu.Unlock()

	select {
	case r.started <- struct{}{}:
	default:
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
		}
	}
	return res
}

func (r *scriptedRunner) Calls() []call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]call(nil), r.calls...)
}

// --- Results -----------------------------------------------------------------

func success() syncp.Result { return syncp.Result{} }

func retryable() syncp.Result {
	return syncp.Result{NumIOErrors: 1, LastError: errors.New("connection reset")}
}

func fatal() syncp.Result {
	return syncp.Result{NumAuthErrors: 1, LastError: errors.New("401 Unauthorized")}
}

func deferred(d time.Duration) syncp.Result {
	return syncp.Result{DelayUntil: time.Now().Add(d)}
}

func testOptions() Options {
	return Options{
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		NetworkRetry:   5 * time.Millisecond,
	}
}

func newTestManager(t interface{ Cleanup(func()) }, r Runner, opts Options) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := New(ctx, r, nil, opts, testLogger)
	t.Cleanup(func() {
		cancel()
		m.Wait()
	})
	return m
}
