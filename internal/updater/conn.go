package updater

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Conn is the database surface the updater drives. *store.Conn implements
// it; tests substitute an in-memory fake.
type Conn interface {
	// InRecovery reports whether the server is currently a read-only replica.
	InRecovery(ctx context.Context) (bool, error)
	// Listen subscribes the connection to a notification channel.
	Listen(ctx context.Context, channel string) error
	// WaitForNotifications blocks until notifications arrive or timeout
	// elapses and returns how many were drained (0 on timeout).
	WaitForNotifications(ctx context.Context, timeout time.Duration) (int, error)
	// ApplyBatch consumes up to batchSize change-log entries atomically and
	// returns how many it consumed.
	ApplyBatch(ctx context.Context, batchSize int) (int, error)
	Close(ctx context.Context) error
}

// Dialer opens a fresh connection.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialFunc adapts a function to the Dialer interface.
type DialFunc func(ctx context.Context) (Conn, error)

// Dial calls f(ctx).
func (f DialFunc) Dial(ctx context.Context) (Conn, error) { return f(ctx) }

// Mode is the lifecycle stage of a Session.
type Mode int

const (
	ModeDisconnected Mode = iota
	ModeConnecting
	// ModeConnected means dialled but not yet known to accept writes. A
	// session on a replica stays here until promotion.
	ModeConnected
	ModeReady
)

func (m Mode) String() string {
	switch m {
	case ModeConnecting:
		return "connecting"
	case ModeConnected:
		return "connected"
	case ModeReady:
		return "ready"
	default:
		return "disconnected"
	}
}

// Session is one connection's worth of state. A Session is never modified
// after construction; each lifecycle transition publishes a new value.
type Session struct {
	ID   uuid.UUID
	Mode Mode
	Conn Conn

	healthy *atomic.Bool
}

// MarkHealthy records that the session did useful work. A failure after that
// point is treated as a fresh outage and gets the full reconnect budget.
func (s *Session) MarkHealthy() {
	if s.healthy != nil {
		s.healthy.Store(true)
	}
}

func (s *Session) isHealthy() bool {
	return s.healthy != nil && s.healthy.Load()
}

// sleep waits for d or until ctx is cancelled. It uses time.NewTimer (not
// time.After) so the timer is released on cancellation.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
