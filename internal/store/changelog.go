package store

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/scarson/fts-updater/internal/fts"
)

// ChangeLogEntry marks one message whose derived search state is stale.
type ChangeLogEntry struct {
	ID       int64
	RecordID int64
}

type messageContent struct {
	ID              int64
	Subject         string
	RenderedContent string
}

const (
	selectEntriesSQL = `
		SELECT id, message_id FROM fts_update_log
		ORDER BY id
		LIMIT $1`

	// FOR UPDATE keeps a concurrent edit from committing between the read and
	// our write; such an edit still appends its own change-log row.
	selectContentSQL = `
		SELECT id, subject, rendered_content FROM messages
		WHERE id = ANY($1)
		ORDER BY id
		FOR UPDATE`

	deleteEntriesSQL = `DELETE FROM fts_update_log WHERE id = ANY($1)`
)

// ApplyBatch consumes up to batchSize change-log entries in one transaction:
// it recomputes the derived search columns of every referenced message from
// its current content, then deletes exactly the selected entries. It returns
// the number of entries consumed. Entries whose message no longer exists are
// consumed without an update.
//
// Nothing is committed on error. Recomputation is idempotent, so the caller
// may simply retry the batch.
func (c *Conn) ApplyBatch(ctx context.Context, batchSize int) (int, error) {
	tx, err := c.conn.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin batch: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after Commit

	rows, err := tx.Query(ctx, selectEntriesSQL, batchSize)
	if err != nil {
		return 0, fmt.Errorf("select change log: %w", err)
	}
	entries, err := pgx.CollectRows(rows, pgx.RowToStructByPos[ChangeLogEntry])
	if err != nil {
		return 0, fmt.Errorf("select change log: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	if err := c.recompute(ctx, tx, distinctRecordIDs(entries)); err != nil {
		return 0, err
	}

	entryIDs := make([]int64, len(entries))
	for i, e := range entries {
		entryIDs[i] = e.ID
	}
	if _, err := tx.Exec(ctx, deleteEntriesSQL, entryIDs); err != nil {
		return 0, fmt.Errorf("delete change log entries: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit batch: %w", err)
	}
	return len(entries), nil
}

// recompute rewrites the derived search columns for the given messages.
func (c *Conn) recompute(ctx context.Context, tx pgx.Tx, recordIDs []int64) error {
	rows, err := tx.Query(ctx, selectContentSQL, recordIDs)
	if err != nil {
		return fmt.Errorf("load message content: %w", err)
	}
	docs, err := pgx.CollectRows(rows, pgx.RowToStructByPos[messageContent])
	if err != nil {
		return fmt.Errorf("load message content: %w", err)
	}
	if len(docs) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, d := range docs {
		query, args, err := c.updateSearchQuery(d)
		if err != nil {
			return fmt.Errorf("update search columns: build query: %w", err)
		}
		batch.Queue(query, args...)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("update search columns: %w", err)
	}
	return nil
}

// updateSearchQuery builds the UPDATE for one message. search_secondary is
// only written when the secondary index is enabled.
func (c *Conn) updateSearchQuery(d messageContent) (string, []any, error) {
	psql := sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	ub := psql.Update("messages").
		Set("search_tsvector", sq.Expr("to_tsvector(?::regconfig, ?)",
			c.opts.TextSearchConfig, fts.Document(d.Subject, d.RenderedContent))).
		Where(sq.Eq{"id": d.ID})
	if c.opts.UsingSecondaryIndex {
		ub = ub.Set("search_secondary", fts.SecondaryDocument(d.Subject, d.RenderedContent))
	}
	return ub.ToSql()
}

// distinctRecordIDs returns the referenced message IDs in first-seen order.
func distinctRecordIDs(entries []ChangeLogEntry) []int64 {
	seen := make(map[int64]struct{}, len(entries))
	ids := make([]int64, 0, len(entries))
	for _, e := range entries {
		if _, ok := seen[e.RecordID]; ok {
			continue
		}
		seen[e.RecordID] = struct{}{}
		ids = append(ids, e.RecordID)
	}
	return ids
}
