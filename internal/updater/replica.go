package updater

import (
	"context"
	"log/slog"
	"time"
)

// AwaitWritable blocks until conn reports it is not a read-only replica,
// checking again every interval. The first read-only answer logs a warning;
// later ones only log at debug level. A check error is returned as-is so the
// supervisor can reconnect.
func AwaitWritable(ctx context.Context, conn Conn, interval time.Duration, m *Metrics, log *slog.Logger) error {
	warned := false
	for {
		inRecovery, err := conn.InRecovery(ctx)
		if err != nil {
			return err
		}
		if !inRecovery {
			return nil
		}

		m.ReplicaWaits.Inc()
		if !warned {
			log.Warn("connected to a read-only replica, waiting for promotion",
				"poll_interval", interval)
			warned = true
		} else {
			log.Debug("still connected to a read-only replica")
		}
		if err := sleep(ctx, interval); err != nil {
			return err
		}
	}
}
