package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	// drainWindow bounds the whole drain after a wake. Notifications still
	// arriving after it expires are left for the next wait.
	drainWindow = 10 * time.Millisecond

	// drainLimit caps one drain so a notification storm cannot pin the
	// listener.
	drainLimit = 4096
)

// Listen subscribes this connection to channel.
func (c *Conn) Listen(ctx context.Context, channel string) error {
	if _, err := c.conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen %s: %w", channel, err)
	}
	return nil
}

// WaitForNotifications blocks until at least one notification arrives or
// timeout elapses. After a wake it drains the notifications already pending,
// spending at most drainWindow on the whole drain, and returns how many it
// consumed. A timeout returns (0, nil). Any other failure means the
// connection is unusable.
func (c *Conn) WaitForNotifications(ctx context.Context, timeout time.Duration) (int, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	_, err := c.conn.WaitForNotification(waitCtx)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if c.isWaitTimeout(waitCtx, err) {
			return 0, nil
		}
		return 0, fmt.Errorf("wait for notification: %w", err)
	}

	drainCtx, cancel := context.WithTimeout(ctx, drainWindow)
	defer cancel()
	n := 1
	for n < drainLimit {
		if _, err := c.conn.WaitForNotification(drainCtx); err != nil {
			if ctx.Err() != nil {
				return n, ctx.Err()
			}
			if c.isWaitTimeout(drainCtx, err) {
				break
			}
			return n, fmt.Errorf("drain notifications: %w", err)
		}
		n++
	}
	return n, nil
}

// isWaitTimeout reports whether err is our own wait deadline expiring on a
// connection that is still healthy.
func (c *Conn) isWaitTimeout(waitCtx context.Context, err error) bool {
	if waitCtx.Err() == nil || c.conn.IsClosed() {
		return false
	}
	return pgconn.Timeout(err) || errors.Is(err, context.DeadlineExceeded)
}
