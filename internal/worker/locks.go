package worker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// lockPoll is how often a contended lock file is retried.
const lockPoll = 50 * time.Millisecond

// AccountLocks hands out one read/write lock per account. Sync runs hold the
// read side; rename and delete hold the write side, so they never overlap a
// running sync of the same account. Different accounts never block each
// other.
//
// With a lock directory the sides are also taken as flock(2) locks on
// <dir>/<account>.lock, which makes a CLI rename wait for a sync running in
// the daemon process.
type AccountLocks struct {
	dir string

	mu    sync.Mutex
	locks map[string]*accountLock
}

type accountLock struct {
	rw sync.RWMutex
}

// NewAccountLocks creates a lock set local to this process.
func NewAccountLocks() *AccountLocks {
	return NewFileAccountLocks("")
}

// NewFileAccountLocks creates a lock set shared by every process using dir.
// An empty dir disables the file locks.
func NewFileAccountLocks(dir string) *AccountLocks {
	return &AccountLocks{dir: dir, locks: make(map[string]*accountLock)}
}

func (l *AccountLocks) get(account string) *accountLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	al, ok := l.locks[account]
	if !ok {
		al = &accountLock{}
		l.locks[account] = al
	}
	return al
}

// RLock acquires the shared lock of account and returns its release func.
// It fails only if ctx ends while another process holds the exclusive lock
// or the lock file cannot be opened.
func (l *AccountLocks) RLock(ctx context.Context, account string) (func(), error) {
	al := l.get(account)
	al.rw.RLock()
	f, err := l.lockFile(ctx, account, unix.LOCK_SH)
	if err != nil {
		al.rw.RUnlock()
		return nil, err
	}
	return func() {
		unlockFile(f)
		al.rw.RUnlock()
	}, nil
}

// Exclusive runs fn while holding the exclusive lock of account. It waits
// for running syncs of that account to finish, in this process and in any
// other one sharing the lock directory. If ctx ends first, fn is not run and
// ctx.Err() is returned.
func (l *AccountLocks) Exclusive(ctx context.Context, account string, fn func() error) error {
	al := l.get(account)

	acquired := make(chan struct{})
	go func() {
		al.rw.Lock()
		close(acquired)
	}()

	select {
	case <-acquired:
	case <-ctx.Done():
		// Release the lock once the goroutine gets it.
		go func() {
			<-acquired
			al.rw.Unlock()
		}()
		return ctx.Err()
	}
	defer al.rw.Unlock()

	f, err := l.lockFile(ctx, account, unix.LOCK_EX)
	if err != nil {
		return err
	}
	defer unlockFile(f)
	return fn()
}

// lockFile opens the lock file of account and flocks it with how, polling
// until ctx ends. It returns a nil file when file locks are disabled.
func (l *AccountLocks) lockFile(ctx context.Context, account string, how int) (*os.File, error) {
	if l.dir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(l.dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}
	path := filepath.Join(l.dir, url.PathEscape(account)+".lock")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}

	for {
		err := unix.Flock(int(f.Fd()), how|unix.LOCK_NB)
		switch {
		case err == nil:
			return f, nil
		case errors.Is(err, unix.EINTR):
			continue
		case !errors.Is(err, unix.EWOULDBLOCK):
			_ = f.Close()
			return nil, fmt.Errorf("locking %s: %w", path, err)
		}
		select {
		case <-ctx.Done():
			_ = f.Close()
			return nil, ctx.Err()
		case <-time.After(lockPoll):
		}
	}
}

func unlockFile(f *os.File) {
	if f == nil {
		return
	}
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
	_ = f.Close()
}
