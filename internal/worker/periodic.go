package worker

import (
	"context"
	"time"
)

// RunPeriodic enqueues a sync of every account returned by accounts, once
// right away and then every interval. It blocks until ctx is cancelled and
// then waits for running syncs to end.
func (m *Manager) RunPeriodic(ctx context.Context, accounts func() []string, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.enqueueAll(accounts())

	for {
		select {
		case <-ctx.Done():
			m.log.Info("periodic sync stopped")
			m.Wait()
			return nil
		case <-ticker.C:
			m.enqueueAll(accounts())
		}
	}
}

func (m *Manager) enqueueAll(accounts []string) {
	for _, account := range accounts {
		m.Enqueue(Request{Key: Key{Account: account, DataType: DataTypeContacts}})
	}
}
