// Package tcp provides small helpers for TCP server endpoints: allocating a
// free port and waiting for an endpoint to accept connections, used when a
// spawned process needs a moment to bring its listener up.
package tcp

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/hupe1980/execmesh/logging"
)

// WaitOptions configures WaitUntilConnected.
type WaitOptions struct {
	// ConnectTimeout bounds each individual connection attempt.
	ConnectTimeout time.Duration

	// WaitTimeout bounds the overall wait across all attempts.
	WaitTimeout time.Duration

	// Interval is the pause between connection attempts.
	Interval time.Duration

	// Logger receives progress events. Defaults to a no-op logger.
	Logger logging.Logger
}

// TimeoutError is returned when an endpoint did not accept connections
// within the configured overall timeout.
type TimeoutError struct {
	// Address is the endpoint that was probed.
	Address string

	// Timeout is the overall wait that was exceeded.
	Timeout time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("failed to connect to %s within %s", e.Address, e.Timeout)
}

// FreePort asks the operating system for an unused TCP port by binding to
// port zero and reading back the assigned port. The listener is closed
// before returning, so the port is free but not reserved; callers should
// hand it to the spawned process promptly.
func FreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("failed to allocate ephemeral port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// IsConnected probes whether a TCP endpoint accepts connections right now.
func IsConnected(address string, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// WaitUntilConnected blocks until the TCP endpoint accepts a connection,
// retrying at the configured interval. It returns a TimeoutError when the
// overall timeout elapses first, or the context error on cancellation.
func WaitUntilConnected(ctx context.Context, address string, optFns ...func(o *WaitOptions)) error {
	opts := WaitOptions{
		ConnectTimeout: 2 * time.Second,
		WaitTimeout:    30 * time.Second,
		Interval:       100 * time.Millisecond,
		Logger:         logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}

	deadline := time.Now().Add(opts.WaitTimeout)
	dialer := net.Dialer{Timeout: opts.ConnectTimeout}

	for attempt := 1; ; attempt++ {
		conn, err := dialer.DialContext(ctx, "tcp", address)
		if err == nil {
			conn.Close()
			opts.Logger.Debug("Endpoint is accepting connections", "address", address, "attempts", attempt)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !time.Now().Before(deadline) {
			return &TimeoutError{Address: address, Timeout: opts.WaitTimeout}
		}
		opts.Logger.Debug("Endpoint not ready yet", "address", address, "attempt", attempt, "error", err.Error())

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(opts.Interval):
		}
	}
}
