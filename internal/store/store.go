// Package store provides the data access layer for the updater. Unlike a
// pooled web service, the updater owns exactly one *pgx.Conn: LISTEN state
// is per-connection, so the notification wait and the batch transactions
// must share it.
package store

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
)

// applicationName shows up in pg_stat_activity.
const applicationName = "fts-updater"

// Options tune how derived search state is computed.
type Options struct {
	// TextSearchConfig is the regconfig passed to to_tsvector.
	TextSearchConfig string
	// UsingSecondaryIndex also maintains messages.search_secondary.
	UsingSecondaryIndex bool
	// StatementTimeoutMS bounds every statement, including a batch that is
	// allowed to finish after shutdown was requested. Zero leaves the server
	// default in place.
	StatementTimeoutMS int
}

// Conn is the updater's exclusively owned database connection.
type Conn struct {
	conn *pgx.Conn
	opts Options
}

// Connect opens a single connection. The caller owns the result and must
// Close it; a failed connection is replaced, never repaired.
func Connect(ctx context.Context, connString string, opts Options) (*Conn, error) {
	cfg, err := pgx.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.RuntimeParams["application_name"] = applicationName
	if opts.StatementTimeoutMS > 0 {
		cfg.RuntimeParams["statement_timeout"] = strconv.Itoa(opts.StatementTimeoutMS)
	}
	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	return New(conn, opts), nil
}

// New wraps an already established connection.
func New(conn *pgx.Conn, opts Options) *Conn {
	if opts.TextSearchConfig == "" {
		opts.TextSearchConfig = "english"
	}
	return &Conn{conn: conn, opts: opts}
}

// Close closes the underlying connection. Safe to call on a connection the
// server has already dropped.
func (c *Conn) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}

// InRecovery reports whether the server is a read-only replica. Promotion can
// happen at any moment, so the answer is never cached.
func (c *Conn) InRecovery(ctx context.Context) (bool, error) {
	var inRecovery bool
	if err := c.conn.QueryRow(ctx, "SELECT pg_is_in_recovery()").Scan(&inRecovery); err != nil {
		return false, fmt.Errorf("check recovery status: %w", err)
	}
	return inRecovery, nil
}
