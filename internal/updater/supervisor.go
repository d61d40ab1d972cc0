package updater

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrRetryBudgetExhausted is returned by Supervisor.Run once consecutive
// connection failures have used up the retry budget.
var ErrRetryBudgetExhausted = errors.New("database retry budget exhausted")

// closeTimeout bounds closing a connection that may already be half dead.
const closeTimeout = 5 * time.Second

// SupervisorConfig holds the reconnect policy.
type SupervisorConfig struct {
	// InitialRetries is the budget before any connection has succeeded. A
	// broken initial configuration should fail fast.
	InitialRetries int
	// ReconnectRetries is the budget granted by the first successful connect
	// and restored whenever a session is marked healthy.
	ReconnectRetries int
	// Backoff is the constant delay between a failure and the next dial.
	Backoff time.Duration
}

// Supervisor owns the lifecycle of the single database connection.
type Supervisor struct {
	dialer  Dialer
	cfg     SupervisorConfig
	log     *slog.Logger
	metrics *Metrics
	state   atomic.Pointer[Session]
}

// NewSupervisor creates a Supervisor that dials through d.
func NewSupervisor(d Dialer, cfg SupervisorConfig, m *Metrics, log *slog.Logger) *Supervisor {
	s := &Supervisor{dialer: d, cfg: cfg, log: log, metrics: m}
	s.state.Store(&Session{Mode: ModeDisconnected})
	return s
}

// State returns the current session snapshot. Safe for concurrent use.
func (s *Supervisor) State() Session {
	return *s.state.Load()
}

// Run dials a connection, hands it to fn, and repeats whenever fn (or the
// dial) fails. Every failure closes the session, spends one unit of the
// retry budget and waits the backoff before redialling. Run returns nil once
// ctx is cancelled, and an error wrapping ErrRetryBudgetExhausted when the
// budget runs out.
//
// A session that connects but fails before calling MarkHealthy keeps
// spending the same budget, so a connection that breaks the same way every
// time still ends the process.
func (s *Supervisor) Run(ctx context.Context, fn func(context.Context, *Session) error) error {
	budget := s.cfg.InitialRetries
	everConnected := false
	for {
		if ctx.Err() != nil {
			return nil
		}

		sess, err := s.connect(ctx)
		if err == nil {
			if !everConnected {
				everConnected = true
				budget = s.cfg.ReconnectRetries
			}
			err = fn(ctx, sess)
			s.release(ctx, sess)
			if sess.isHealthy() {
				budget = s.cfg.ReconnectRetries
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			return nil
		}

		s.metrics.ConnectionFailures.Inc()
		budget--
		if budget <= 0 {
			return fmt.Errorf("%w: %w", ErrRetryBudgetExhausted, err)
		}
		s.log.Warn("database connection failed, reconnecting",
			"error", err,
			"retries_left", budget,
			"backoff", s.cfg.Backoff,
		)
		if sleep(ctx, s.cfg.Backoff) != nil {
			return nil
		}
	}
}

func (s *Supervisor) connect(ctx context.Context) (*Session, error) {
	id := uuid.New()
	s.state.Store(&Session{ID: id, Mode: ModeConnecting})

	start := time.Now()
	conn, err := s.dialer.Dial(ctx)
	if err != nil {
		s.state.Store(&Session{Mode: ModeDisconnected})
		return nil, fmt.Errorf("dial: %w", err)
	}

	sess := &Session{ID: id, Mode: ModeConnected, Conn: conn, healthy: new(atomic.Bool)}
	s.state.Store(sess)
	s.metrics.Connections.Inc()
	s.log.Info("database connected",
		"session_id", id,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return sess, nil
}

// MarkReady publishes sess as ready. Callers invoke it once the server is
// known to accept writes.
func (s *Supervisor) MarkReady(sess *Session) {
	ready := *sess
	ready.Mode = ModeReady
	s.state.Store(&ready)
}

// release closes sess and publishes the disconnected state. Close runs on a
// context detached from ctx so shutdown still closes the connection.
func (s *Supervisor) release(ctx context.Context, sess *Session) {
	s.state.Store(&Session{ID: sess.ID, Mode: ModeDisconnected})
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()
	if err := sess.Conn.Close(closeCtx); err != nil {
		s.log.Debug("close connection", "session_id", sess.ID, "error", err)
	}
}
