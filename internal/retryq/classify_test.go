package retryq

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

// TestDefaultClassifierRetryable covers the errors that should trigger a
// retry.
func TestDefaultClassifierRetryable(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
	}{
		{"deadline exceeded", context.DeadlineExceeded},
		{"connection failure sqlstate", &pgconn.PgError{Code: "08006"}},
		{"serialization failure", &pgconn.PgError{Code: "40001"}},
		{"deadlock detected", &pgconn.PgError{Code: "40P01"}},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}},
		{"network timeout", timeoutErr{}},
		{"connection refused", syscall.ECONNREFUSED},
		{"connection reset", syscall.ECONNRESET},
		{"broken pipe", syscall.EPIPE},
		{"unexpected eof", io.ErrUnexpectedEOF},
		{"wrapped retryable", fmt.Errorf("apply insert songs: %w", syscall.ECONNRESET)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.True(t, DefaultClassifier(tc.err))
		})
	}
}

// TestDefaultClassifierPermanent covers errors that must never be retried
// or queued.
func TestDefaultClassifierPermanent(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
	}{
		{"nil", nil},
		{"context canceled", context.Canceled},
		{"unique violation", &pgconn.PgError{Code: "23505"}},
		{"foreign key violation", &pgconn.PgError{Code: "23503"}},
		{"invalid password", &pgconn.PgError{Code: "28P01"}},
		{"plain error", errors.New("malformed payload")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.False(t, DefaultClassifier(tc.err))
		})
	}
}

// fakeClock is a manually advanced clock shared by queue tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
