package worker

import (
	"context"
	"net"
	"time"
)

// DialCheck returns a network check that succeeds when a TCP connection to
// the host:port returned by addrOf can be opened within timeout. Accounts
// without an address are never gated.
func DialCheck(addrOf func(account string) string, timeout time.Duration) func(ctx context.Context, account string) bool {
	return func(ctx context.Context, account string) bool {
		addr := addrOf(account)
		if addr == "" {
			return true
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}
}
