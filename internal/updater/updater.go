// Package updater keeps derived full-text-search columns in sync with their
// source rows. It drains the fts_update_log change log in fixed-size
// batches, then sleeps on a LISTEN channel and runs one batch per wake-up
// or timeout.
//
// A single goroutine owns a single connection. Any connection-level failure
// hands control back to the Supervisor, which reconnects with a constant
// backoff and a bounded retry budget.
package updater

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Config holds updater tuning parameters (sourced from config.Config).
type Config struct {
	BatchSize           int
	NotifyChannel       string
	NotifyTimeout       time.Duration
	ReplicaPollInterval time.Duration
	Supervisor          SupervisorConfig
}

// Options carries optional collaborators. Zero values fall back to
// slog.Default and a private registry.
type Options struct {
	Logger     *slog.Logger
	Registerer prometheus.Registerer
}

// Updater is the long-running search-state worker.
type Updater struct {
	cfg     Config
	sup     *Supervisor
	metrics *Metrics
	log     *slog.Logger
}

// New creates an Updater that obtains connections from d.
func New(d Dialer, cfg Config, opts Options) *Updater {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := NewMetrics(reg)
	return &Updater{
		cfg:     cfg,
		sup:     NewSupervisor(d, cfg.Supervisor, m, log),
		metrics: m,
		log:     log,
	}
}

// State returns the current connection session snapshot.
func (u *Updater) State() Session {
	return u.sup.State()
}

// Metrics returns the updater's collectors.
func (u *Updater) Metrics() *Metrics {
	return u.metrics
}

// Run blocks until ctx is cancelled (returning nil) or the retry budget is
// exhausted (returning an error wrapping ErrRetryBudgetExhausted).
func (u *Updater) Run(ctx context.Context) error {
	return u.sup.Run(ctx, u.serve)
}

// serve runs one connection's lifetime: replica gate, LISTEN, catch-up, and
// then the listen loop until something fails.
func (u *Updater) serve(ctx context.Context, sess *Session) error {
	log := u.log.With("session_id", sess.ID)

	if err := AwaitWritable(ctx, sess.Conn, u.cfg.ReplicaPollInterval, u.metrics, log); err != nil {
		return fmt.Errorf("replica check: %w", err)
	}
	u.sup.MarkReady(sess)
	if err := sess.Conn.Listen(ctx, u.cfg.NotifyChannel); err != nil {
		return err
	}

	p := NewProcessor(sess.Conn, u.cfg.BatchSize, u.metrics, log)
	processed, cycles, err := p.CatchUp(ctx)
	if err != nil {
		return fmt.Errorf("catch up: %w", err)
	}
	log.Info("caught up on change log", "processed", processed, "cycles", cycles)
	sess.MarkHealthy()

	if err := p.Listen(ctx, u.cfg.NotifyTimeout); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return nil
}
