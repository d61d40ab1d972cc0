package updater

import (
	"context"
	"log/slog"
	"time"
)

const (
	phaseCatchUp = "catch_up"
	phaseListen  = "listen"
)

// Processor runs batch cycles against one connection.
type Processor struct {
	conn      Conn
	batchSize int
	metrics   *Metrics
	log       *slog.Logger
}

// NewProcessor creates a Processor that applies batches of batchSize.
func NewProcessor(conn Conn, batchSize int, m *Metrics, log *slog.Logger) *Processor {
	return &Processor{conn: conn, batchSize: batchSize, metrics: m, log: log}
}

// CatchUp applies batches until one comes back short, which means the change
// log was drained. It must run after LISTEN: entries queued before the
// subscription never produce a wake-up.
func (p *Processor) CatchUp(ctx context.Context) (processed, cycles int, err error) {
	for {
		if err := ctx.Err(); err != nil {
			return processed, cycles, err
		}
		n, err := p.apply(ctx, phaseCatchUp)
		if err != nil {
			return processed, cycles, err
		}
		processed += n
		cycles++
		if n < p.batchSize {
			return processed, cycles, nil
		}
	}
}

// Listen waits for notifications forever. Each wake, and each timeout, runs
// exactly one batch; however many notifications a wake drained, they
// collapse into that single cycle and any surplus entries wait for the next
// one. The timeout is the backstop for notifications the server coalesced or
// dropped. Listen only returns with an error.
func (p *Processor) Listen(ctx context.Context, timeout time.Duration) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		notified, err := p.conn.WaitForNotifications(ctx, timeout)
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		p.metrics.Notifications.Add(float64(notified))

		n, err := p.apply(ctx, phaseListen)
		if err != nil {
			return err
		}
		if n > 0 {
			p.log.Info("processed search updates", "processed", n, "notifications", notified)
		}
	}
}

// apply runs one batch. The batch context ignores cancellation so an
// interrupt lands between cycles rather than inside a transaction.
func (p *Processor) apply(ctx context.Context, phase string) (int, error) {
	start := time.Now()
	n, err := p.conn.ApplyBatch(context.WithoutCancel(ctx), p.batchSize)
	p.metrics.BatchDuration.WithLabelValues(phase).Observe(time.Since(start).Seconds())
	if err != nil {
		p.metrics.Batches.WithLabelValues(phase, "error").Inc()
		return 0, err
	}
	p.metrics.Batches.WithLabelValues(phase, "ok").Inc()
	p.metrics.EntriesProcessed.Add(float64(n))
	return n, nil
}
