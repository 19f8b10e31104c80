package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tidewater/fieldsync/internal/types"
)

// enqueueOp inserts a PENDING queue row. The enqueue timestamp is assigned by
// the caller (Store.nextEnqueueTime) so it is strictly increasing across the
// pooled connections.
func enqueueOp(ctx context.Context, q execer, at time.Time, entity types.EntityType, payload []byte) (int64, error) {
	if !entity.Valid() {
		return 0, fmt.Errorf("enqueue: invalid entity type %q", entity)
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO sync_queue (entity_type, payload, status, enqueued_at)
		VALUES (?, ?, ?, ?)`,
		string(entity), payload, string(types.OpPending), at.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("enqueue: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("enqueue: last insert id: %w", err)
	}
	return id, nil
}

// Enqueue adds a pending operation to the durable queue.
func (s *Store) Enqueue(ctx context.Context, entity types.EntityType, payload []byte) (int64, error) {
	return enqueueOp(ctx, s.db, s.nextEnqueueTime(), entity, payload)
}

const opColumns = `id, entity_type, payload, status, enqueued_at, attempts, last_error`

func scanOp(rows *sql.Rows) (*types.PendingOperation, error) {
	var op types.PendingOperation
	var entity, status string
	var enqueuedNanos int64
	if err := rows.Scan(&op.ID, &entity, &op.Payload, &status, &enqueuedNanos, &op.Attempts, &op.LastError); err != nil {
		return nil, err
	}
	op.EntityType = types.EntityType(entity)
	op.Status = types.OpStatus(status)
	op.EnqueuedAt = time.Unix(0, enqueuedNanos).UTC()
	return &op, nil
}

func queryOps(ctx context.Context, q execer, query string, args ...any) ([]*types.PendingOperation, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query queue: %w", err)
	}
	defer rows.Close()

	var ops []*types.PendingOperation
	for rows.Next() {
		op, err := scanOp(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue row: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// NextBatch returns up to limit PENDING operations in enqueue order across
// all entity types. Status is not mutated; it changes only after the
// operation is executed.
func (s *Store) NextBatch(ctx context.Context, limit int) ([]*types.PendingOperation, error) {
	return queryOps(ctx, s.db, `
		SELECT `+opColumns+` FROM sync_queue
		WHERE status = ?
		ORDER BY enqueued_at ASC
		LIMIT ?`,
		string(types.OpPending), limit)
}

// NextBatchForEntity returns up to limit PENDING operations for one entity
// partition in enqueue order.
func (s *Store) NextBatchForEntity(ctx context.Context, entity types.EntityType, limit int) ([]*types.PendingOperation, error) {
	return queryOps(ctx, s.db, `
		SELECT `+opColumns+` FROM sync_queue
		WHERE status = ? AND entity_type = ?
		ORDER BY enqueued_at ASC
		LIMIT ?`,
		string(types.OpPending), string(entity), limit)
}

// MarkCompleted transitions an operation to COMPLETED. Marking an
// already-terminal operation is a no-op.
func (s *Store) MarkCompleted(ctx context.Context, opID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue
		SET status = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		string(types.OpCompleted), time.Now().UTC(), opID, string(types.OpPending))
	if err != nil {
		return fmt.Errorf("mark completed %d: %w", opID, err)
	}
	return nil
}

// MarkFailed transitions an operation to FAILED, recording the cause for the
// operator. Marking an already-terminal operation is a no-op.
func (s *Store) MarkFailed(ctx context.Context, opID int64, cause string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue
		SET status = ?, last_error = ?
		WHERE id = ? AND status = ?`,
		string(types.OpFailed), cause, opID, string(types.OpPending))
	if err != nil {
		return fmt.Errorf("mark failed %d: %w", opID, err)
	}
	return nil
}

// RecordAttempt increments the attempt counter after an execution that did
// not reach a terminal state, keeping the cause for diagnostics.
func (s *Store) RecordAttempt(ctx context.Context, opID int64, cause string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue
		SET attempts = attempts + 1, last_error = ?
		WHERE id = ?`,
		cause, opID)
	if err != nil {
		return fmt.Errorf("record attempt %d: %w", opID, err)
	}
	return nil
}

// PurgeCompletedBefore deletes COMPLETED operations older than the cutoff.
// PENDING and FAILED operations are never purged: pending work must survive,
// and failures stay visible until an operator resolves them.
func (s *Store) PurgeCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM sync_queue
		WHERE status = ? AND enqueued_at < ?`,
		string(types.OpCompleted), cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("purge completed: %w", err)
	}
	return res.RowsAffected()
}

// QueueStats returns a read-only snapshot of queue depth.
func (s *Store) QueueStats(ctx context.Context) (*types.QueueStats, error) {
	stats := &types.QueueStats{}
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM sync_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("queue stats: %w", err)
		}
		switch types.OpStatus(status) {
		case types.OpPending:
			stats.Pending = n
		case types.OpCompleted:
			stats.Completed = n
		case types.OpFailed:
			stats.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var oldest sql.NullInt64
	err = s.db.QueryRowContext(ctx, `
		SELECT MIN(enqueued_at) FROM sync_queue WHERE status = ?`,
		string(types.OpPending)).Scan(&oldest)
	if err != nil {
		return nil, fmt.Errorf("queue stats: oldest pending: %w", err)
	}
	if oldest.Valid {
		stats.OldestPending = time.Unix(0, oldest.Int64).UTC()
	}
	return stats, nil
}
