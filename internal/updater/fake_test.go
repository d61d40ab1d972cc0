package updater_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/scarson/fts-updater/internal/updater"
)

var (
	errUnreachable = errors.New("connection refused")
	errConnLost    = errors.New("server closed the connection unexpectedly")
)

// fakeDB is an in-memory change log shared by every fakeConn it dials.
type fakeDB struct {
	mu sync.Mutex

	pending   []int64       // unconsumed entry IDs, ascending
	processed map[int64]int // entry ID -> times consumed
	batches   []int         // sizes of committed batches

	applyCalls  int
	failApplyOn map[int]bool // 1-based ApplyBatch calls that fail without committing
	applyCtxErr error        // ctx error observed inside ApplyBatch

	recovery             []bool // scripted InRecovery answers; false once exhausted
	recoveryChecks       int
	readOnly             bool
	appliedWhileReadOnly bool

	dials    int
	closes   int
	dialHook func(n int) error

	notify     chan struct{}
	afterApply func()
}

func newFakeDB(entries int) *fakeDB {
	db := &fakeDB{
		processed:   make(map[int64]int),
		failApplyOn: make(map[int]bool),
		notify:      make(chan struct{}, 64),
	}
	for i := 1; i <= entries; i++ {
		db.pending = append(db.pending, int64(i))
	}
	return db
}

func (db *fakeDB) Dial(context.Context) (updater.Conn, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.dials++
	if db.dialHook != nil {
		if err := db.dialHook(db.dials); err != nil {
			return nil, err
		}
	}
	return &fakeConn{db: db}, nil
}

func (db *fakeDB) pendingCount() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.pending)
}

func (db *fakeDB) applyCount() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.applyCalls
}

func (db *fakeDB) recoveryCheckCount() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.recoveryChecks
}

// setRecovery replaces the scripted InRecovery answers.
func (db *fakeDB) setRecovery(answers ...bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.recovery = answers
}

type fakeConn struct {
	db *fakeDB
}

func (c *fakeConn) InRecovery(context.Context) (bool, error) {
	db := c.db
	db.mu.Lock()
	defer db.mu.Unlock()
	db.recoveryChecks++
	db.readOnly = false
	if len(db.recovery) > 0 {
		db.readOnly = db.recovery[0]
		db.recovery = db.recovery[1:]
	}
	return db.readOnly, nil
}

func (c *fakeConn) Listen(context.Context, string) error { return nil }

func (c *fakeConn) WaitForNotifications(ctx context.Context, timeout time.Duration) (int, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-timer.C:
		return 0, nil
	case <-c.db.notify:
		n := 1
		for {
			select {
			case <-c.db.notify:
				n++
			default:
				return n, nil
			}
		}
	}
}

func (c *fakeConn) ApplyBatch(ctx context.Context, batchSize int) (int, error) {
	db := c.db
	db.mu.Lock()
	db.applyCalls++
	if db.readOnly {
		db.appliedWhileReadOnly = true
	}
	if db.failApplyOn[db.applyCalls] {
		db.mu.Unlock()
		return 0, errConnLost
	}
	n := min(batchSize, len(db.pending))
	for _, id := range db.pending[:n] {
		db.processed[id]++
	}
	db.pending = append([]int64(nil), db.pending[n:]...)
	db.batches = append(db.batches, n)
	hook := db.afterApply
	db.mu.Unlock()

	if hook != nil {
		hook()
	}

	db.mu.Lock()
	if err := ctx.Err(); err != nil && db.applyCtxErr == nil {
		db.applyCtxErr = err
	}
	db.mu.Unlock()
	return n, nil
}

func (c *fakeConn) Close(context.Context) error {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	c.db.closes++
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() updater.Config {
	return updater.Config{
		BatchSize:           1000,
		NotifyChannel:       "fts_update_log",
		NotifyTimeout:       time.Hour,
		ReplicaPollInterval: time.Millisecond,
		Supervisor: updater.SupervisorConfig{
			InitialRetries:   1,
			ReconnectRetries: 30,
			Backoff:          time.Millisecond,
		},
	}
}

// waitFor polls cond every millisecond until it holds or within elapses.
func waitFor(t *testing.T, within time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(within)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out after %v waiting for %s", within, what)
		}
		time.Sleep(time.Millisecond)
	}
}
