// Package worker schedules account sync runs: one-time requests are
// coalesced per (account, data type), retryable failures are retried with
// exponential backoff up to a cap, deferred results wait for their
// deferred-until instant, and a periodic loop enqueues a run for every
// account on a fixed interval.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	syncp "github.com/njoerd114/cardrelay/internal/sync"
)

const (
	otelScope       = "cardrelay/worker"
	metricRuns      = "cardrelay.worker.runs"
	metricRetries   = "cardrelay.worker.retries"
	metricCoalesced = "cardrelay.worker.coalesced"
)

// DataType names what a request synchronizes.
type DataType string

// DataTypeContacts is the only data type: CardDAV address books.
const DataTypeContacts DataType = "contacts"

// Key identifies a queue of sync runs.
type Key struct {
	Account  string
	DataType DataType
}

// Flags modify a sync request. Coalesced requests OR their flags together.
type Flags struct {
	// Manual bypasses the network availability check.
	Manual bool
	// ResyncEntries discards the stored sync state.
	ResyncEntries bool
	// ResyncAll also discards every stored ETag.
	ResyncAll bool
	// UploadTriggered restricts the run to collections with local changes.
	UploadTriggered bool
}

func (f Flags) merge(o Flags) Flags {
	return Flags{
		Manual:        f.Manual || o.Manual,
		ResyncEntries: f.ResyncEntries || o.ResyncEntries,
		ResyncAll:     f.ResyncAll || o.ResyncAll,
		// A full run covers an upload-triggered one, not the reverse.
		UploadTriggered: f.UploadTriggered && o.UploadTriggered,
	}
}

// Request converts the flags into a sync request.
func (f Flags) Request() syncp.Request {
	req := syncp.Request{UploadTriggered: f.UploadTriggered}
	switch {
	case f.ResyncAll:
		req.Resync = syncp.ResyncAll
	case f.ResyncEntries:
		req.Resync = syncp.ResyncEntries
	}
	return req
}

// Request is a one-time sync request.
type Request struct {
	Key
	Flags
}

// Runner performs one sync of an account and reports its result.
type Runner interface {
	RunSync(ctx context.Context, account string, req syncp.Request) syncp.Result
}

// Completion is the final result of a run.
type Completion struct {
	Outcome syncp.Outcome
	Result  syncp.Result
	// Attempts counts the runs made, retries included.
	Attempts int
}

// Err returns the error of the run, if any.
func (c Completion) Err() error {
	return c.Result.Err()
}

// Options configures the scheduler.
type Options struct {
	// MaxRetries caps retries of retryable failures. Zero means no retries.
	MaxRetries int
	// InitialBackoff and MaxBackoff bound the exponential backoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// MaxElapsed bounds the total time spent retrying one run.
	MaxElapsed time.Duration

	// NetworkAvailable gates non-manual runs of an account. Nil means
	// always available.
	NetworkAvailable func(ctx context.Context, account string) bool
	// NetworkRetry is the interval between network checks.
	NetworkRetry time.Duration
}

// DefaultOptions returns the scheduler defaults.
func DefaultOptions() Options {
	return Options{
		MaxRetries:     5,
		InitialBackoff: 30 * time.Second,
		MaxBackoff:     30 * time.Minute,
		MaxElapsed:     4 * time.Hour,
		NetworkRetry:   time.Minute,
	}
}

// ErrWaitTimeout is returned by [Manager.EnqueueAndWait] when the run did not
// finish in time. The run itself continues.
var ErrWaitTimeout = errors.New("timed out waiting for sync")

// errDeferred stands in for a deferred result without an error.
var errDeferred = errors.New("sync deferred")

// Manager runs sync requests. Create one with [New]; jobs run until the
// context passed to New ends.
type Manager struct {
	ctx    context.Context
	runner Runner
	opts   Options
	locks  *AccountLocks
	log    *slog.Logger
	now    func() time.Time

	cntRuns      metric.Int64Counter
	cntRetries   metric.Int64Counter
	cntCoalesced metric.Int64Counter

	mu   sync.Mutex
	jobs map[Key]*job
	wg   sync.WaitGroup
}

type job struct {
	// active is the run in progress, or waiting for network or deferral.
	active *run
	// pending is the single run queued after active.
	pending *run
}

type run struct {
	flags   Flags
	started bool
	done    chan struct{}
	result  Completion
}

// Done is closed when the run has finished.
func (r *run) Done() <-chan struct{} { return r.done }

// Ticket tracks an enqueued run.
type Ticket interface {
	Done() <-chan struct{}
	// Completion returns the result. It blocks until Done is closed.
	Completion() Completion
}

func (r *run) Completion() Completion {
	<-r.done
	return r.result
}

// New creates a Manager. locks may be shared with account rename/delete.
func New(ctx context.Context, runner Runner, locks *AccountLocks, opts Options, logger *slog.Logger) *Manager {
	meter := otel.Meter(otelScope)
	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}
	if locks == nil {
		locks = NewAccountLocks()
	}
	if opts.NetworkRetry <= 0 {
		opts.NetworkRetry = time.Minute
	}

	return &Manager{
		ctx:    ctx,
		runner: runner,
		opts:   opts,
		locks:  locks,
		log:    logger,
		now:    time.Now,
		jobs:   make(map[Key]*job),

		cntRuns:      mustCounter(metricRuns, "Number of finished sync runs by outcome"),
		cntRetries:   mustCounter(metricRetries, "Number of retried sync attempts"),
		cntCoalesced: mustCounter(metricCoalesced, "Number of requests merged into a queued run"),
	}
}

// Enqueue schedules a run. A request for a key whose run has not started yet
// is merged into that run; otherwise at most one run is queued behind the
// one in progress.
func (m *Manager) Enqueue(req Request) Ticket {
	if req.DataType == "" {
		req.DataType = DataTypeContacts
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[req.Key]
	if !ok {
		j = &job{}
		m.jobs[req.Key] = j
	}

	switch {
	case j.active != nil && !j.active.started:
		j.active.flags = j.active.flags.merge(req.Flags)
		m.cntCoalesced.Add(m.ctx, 1)
		return j.active
	case j.pending != nil:
		j.pending.flags = j.pending.flags.merge(req.Flags)
		m.cntCoalesced.Add(m.ctx, 1)
		return j.pending
	}

	r := &run{flags: req.Flags, done: make(chan struct{})}
	if j.active == nil {
		j.active = r
		m.start(req.Key, j, r)
	} else {
		j.pending = r
	}
	m.log.Debug("sync enqueued", "account", req.Account, "data_type", req.DataType, "queued", j.pending == r)
	return r
}

// start launches r. m.mu must be held.
func (m *Manager) start(key Key, j *job, r *run) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		r.result = m.execute(key, r)
		close(r.done)

		m.mu.Lock()
		defer m.mu.Unlock()
		next := j.pending
		j.pending = nil
		j.active = next
		if next == nil {
			delete(m.jobs, key)
			return
		}
		m.start(key, j, next)
	}()
}

// EnqueueAndWait enqueues req and blocks until its run finishes, ctx ends or
// timeout passes. Returning early does not cancel the run.
func (m *Manager) EnqueueAndWait(ctx context.Context, req Request, timeout time.Duration) (Completion, error) {
	t := m.Enqueue(req)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-t.Done():
		return t.Completion(), nil
	case <-ctx.Done():
		return Completion{}, ctx.Err()
	case <-timer.C:
		return Completion{}, fmt.Errorf("%s: %w", req.Account, ErrWaitTimeout)
	}
}

// State reports whether a run for key is in progress and whether another
// one is waiting.
type State struct {
	Running bool
	Pending bool
}

// State returns the queue state of key.
func (m *Manager) State(key Key) State {
	if key.DataType == "" {
		key.DataType = DataTypeContacts
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[key]
	if !ok {
		return State{}
	}
	return State{
		Running: j.active != nil && j.active.started,
		Pending: j.pending != nil || (j.active != nil && !j.active.started),
	}
}

// Wait blocks until every run has finished. Runs end early once the context
// passed to New is done.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Locks returns the account locks shared by runs of this Manager.
func (m *Manager) Locks() *AccountLocks {
	return m.locks
}

// --- execution ---------------------------------------------------------------

func (m *Manager) execute(key Key, r *run) Completion {
	ctx := m.ctx
	log := m.log.With("account", key.Account, "data_type", key.DataType)
	attempts := 0

	for {
		if err := m.waitForNetwork(ctx, key.Account, r); err != nil {
			return m.finish(ctx, log, canceled(err), attempts)
		}

		m.mu.Lock()
		r.started = true
		flags := r.flags
		m.mu.Unlock()

		result, n := m.runWithRetries(ctx, log, key.Account, flags)
		attempts += n

		if result.Outcome() != syncp.OutcomeDeferred || ctx.Err() != nil {
			return m.finish(ctx, log, result, attempts)
		}

		// Further requests merge into this run while it waits.
		m.mu.Lock()
		r.started = false
		m.mu.Unlock()

		wait := result.DelayUntil.Sub(m.now())
		log.Info("sync deferred", "until", result.DelayUntil, "wait", wait)
		if err := sleep(ctx, wait); err != nil {
			return m.finish(ctx, log, result, attempts)
		}
	}
}

// runWithRetries runs the sync, retrying retryable outcomes with backoff. It
// returns the last result and the number of attempts.
func (m *Manager) runWithRetries(ctx context.Context, log *slog.Logger, account string, flags Flags) (syncp.Result, int) {
	b := backoff.NewExponentialBackOff()
	if m.opts.InitialBackoff > 0 {
		b.InitialInterval = m.opts.InitialBackoff
	}
	if m.opts.MaxBackoff > 0 {
		b.MaxInterval = m.opts.MaxBackoff
	}

	var (
		last     syncp.Result
		attempts int
	)
	operation := func() (struct{}, error) {
		attempts++
		unlock, err := m.locks.RLock(ctx, account)
		if err != nil {
			last = syncp.Result{}
			last.Fold(fmt.Errorf("locking account: %w", err), time.Now())
			return struct{}{}, err
		}
		last = m.runner.RunSync(ctx, account, flags.Request())
		unlock()

		switch last.Outcome() {
		case syncp.OutcomeSuccess:
			return struct{}{}, nil
		case syncp.OutcomeRetryable:
			return struct{}{}, last.Err()
		default:
			err := last.Err()
			if err == nil {
				err = errDeferred
			}
			return struct{}{}, backoff.Permanent(err)
		}
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(m.opts.MaxRetries)+1),
		backoff.WithMaxElapsedTime(m.opts.MaxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			m.cntRetries.Add(ctx, 1)
			log.Warn("sync failed, retrying", "error", err, "retry_in", next)
		}),
	)
	if err != nil && last.Outcome() == syncp.OutcomeRetryable && ctx.Err() == nil {
		last.TooManyRetries = true
	}
	return last, attempts
}

func (m *Manager) waitForNetwork(ctx context.Context, account string, r *run) error {
	if m.opts.NetworkAvailable == nil {
		return nil
	}
	for {
		m.mu.Lock()
		manual := r.flags.Manual
		m.mu.Unlock()
		if manual || m.opts.NetworkAvailable(ctx, account) {
			return nil
		}
		m.log.Debug("network unavailable, waiting", "account", account, "retry_in", m.opts.NetworkRetry)
		if err := sleep(ctx, m.opts.NetworkRetry); err != nil {
			return err
		}
	}
}

func (m *Manager) finish(ctx context.Context, log *slog.Logger, result syncp.Result, attempts int) Completion {
	c := Completion{Outcome: result.Outcome(), Result: result, Attempts: attempts}
	m.cntRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", c.Outcome.String())))

	args := []any{"outcome", c.Outcome, "attempts", attempts, "uploaded", result.Stats.Uploaded,
		"downloaded", result.Stats.Added + result.Stats.Updated}
	switch {
	case result.AuthFailed():
		log.Error("sync failed: authentication rejected, check credentials", append(args, "error", result.Err())...)
	case result.TooManyRetries:
		log.Error("sync failed: giving up after retries", append(args, "error", result.Err())...)
	case c.Outcome == syncp.OutcomeFatal:
		log.Error("sync failed", append(args, "error", result.Err())...)
	case c.Outcome == syncp.OutcomeSuccess:
		log.Info("sync finished", args...)
	default:
		log.Warn("sync incomplete", append(args, "error", result.Err())...)
	}
	return c
}

func canceled(err error) syncp.Result {
	var r syncp.Result
	r.Fold(err, time.Now())
	return r
}

// sleep waits for d or until ctx ends.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
