package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrPortTimeout is returned when an upstream port never accepted a
// connection within the wait budget.
var ErrPortTimeout = errors.New("timed out waiting for upstream port")

// DialUpstream opens a TCP connection to addr.
func DialUpstream(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing upstream %s: %w", addr, err)
	}
	return conn, nil
}

// WaitForPort polls addr every interval until it accepts a connection or
// timeout elapses.
func WaitForPort(ctx context.Context, addr string, timeout, interval time.Duration) error {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		conn, err := DialUpstream(waitCtx, addr, interval)
		if err == nil {
			conn.Close()
			return nil
		}
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %s after %s", ErrPortTimeout, addr, timeout)
		case <-ticker.C:
		}
	}
}
