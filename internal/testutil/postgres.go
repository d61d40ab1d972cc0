// ABOUTME: Test helper that starts a Postgres testcontainer with the reference schema applied.
// ABOUTME: Use NewTestDB(t) in integration tests that need a real database.
package testutil

import (
	"context"
	"errors"
	"testing"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/scarson/fts-updater/internal/store"
	"github.com/scarson/fts-updater/migrations"
)

// TestDB is a migrated throwaway database. Pool is for fixture setup and
// assertions; the code under test gets its own connection via Connect.
type TestDB struct {
	Pool       *pgxpool.Pool
	ConnString string
}

// NewTestDB starts a Postgres testcontainer, runs all migrations, and returns
// a TestDB backed by it. The container and pool are cleaned up via t.Cleanup.
func NewTestDB(t *testing.T) *TestDB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping testcontainer-backed test in -short mode")
	}
	ctx := context.Background()

	pgCtr, err := tcpostgres.Run(ctx,
		"postgres:17-alpine",
		tcpostgres.WithDatabase("fts_updater_test"),
		tcpostgres.WithUsername("fts_updater_test"),
		tcpostgres.WithPassword("testpassword"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := pgCtr.Terminate(ctx); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	})

	connStr, err := pgCtr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}

	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		t.Fatalf("migration source: %v", err)
	}

	connCfg, err := pgx.ParseConfig(connStr)
	if err != nil {
		t.Fatalf("parse db url: %v", err)
	}
	// Simple query protocol lets postgres execute multi-statement migration
	// files (including dollar-quoted function bodies) natively.
	connCfg.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	db := stdlib.OpenDB(*connCfg)
	defer db.Close() //nolint:errcheck

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		t.Fatalf("migration driver: %v", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		t.Fatalf("migrate init: %v", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		t.Fatalf("migrate up: %v", err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("pgxpool: %v", err)
	}
	t.Cleanup(pool.Close)

	return &TestDB{Pool: pool, ConnString: connStr}
}

// Connect opens a store connection to the test database, closed via t.Cleanup.
func (db *TestDB) Connect(t *testing.T, opts store.Options) *store.Conn {
	t.Helper()
	ctx := context.Background()
	conn, err := store.Connect(ctx, db.ConnString, opts)
	if err != nil {
		t.Fatalf("store connect: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(ctx) })
	return conn
}

// InsertMessage inserts a message; the reference trigger appends one
// change-log entry and notifies fts_update_log.
func (db *TestDB) InsertMessage(t *testing.T, subject, content string) int64 {
	t.Helper()
	var id int64
	if err := db.Pool.QueryRow(context.Background(),
		"INSERT INTO messages (subject, rendered_content) VALUES ($1, $2) RETURNING id",
		subject, content).Scan(&id); err != nil {
		t.Fatalf("insert message: %v", err)
	}
	return id
}

// InsertMessages inserts n messages in one statement, producing n change-log
// entries and a single notification.
func (db *TestDB) InsertMessages(t *testing.T, n int) {
	t.Helper()
	if _, err := db.Pool.Exec(context.Background(), `
		INSERT INTO messages (subject, rendered_content)
		SELECT 'subject ' || g, '<p>body ' || g || '</p>' FROM generate_series(1, $1) AS g`,
		n); err != nil {
		t.Fatalf("insert %d messages: %v", n, err)
	}
}

// PendingEntries returns the number of unconsumed change-log entries.
func (db *TestDB) PendingEntries(t *testing.T) int {
	t.Helper()
	var n int
	if err := db.Pool.QueryRow(context.Background(),
		"SELECT count(*) FROM fts_update_log").Scan(&n); err != nil {
		t.Fatalf("count change log: %v", err)
	}
	return n
}

// SearchState returns the text form of a message's derived search columns.
func (db *TestDB) SearchState(t *testing.T, id int64) (tsvector string, secondary *string) {
	t.Helper()
	var ts *string
	if err := db.Pool.QueryRow(context.Background(),
		"SELECT search_tsvector::text, search_secondary FROM messages WHERE id = $1",
		id).Scan(&ts, &secondary); err != nil {
		t.Fatalf("read search state for %d: %v", id, err)
	}
	if ts != nil {
		tsvector = *ts
	}
	return tsvector, secondary
}
