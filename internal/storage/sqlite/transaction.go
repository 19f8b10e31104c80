package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/tidewater/fieldsync/internal/storage"
	"github.com/tidewater/fieldsync/internal/types"
)

// Verify txStore implements storage.Transaction at compile time
var _ storage.Transaction = (*txStore)(nil)

// execer abstracts *sql.DB and *sql.Conn so query helpers can run either
// directly against the pool or inside a transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// txStore implements the storage.Transaction interface. It wraps a dedicated
// database connection with an active transaction.
type txStore struct {
	conn   *sql.Conn
	parent *Store
}

// RunInTransaction executes fn within a database transaction.
//
// The transaction uses BEGIN IMMEDIATE to acquire the write lock early,
// preventing deadlocks when multiple goroutines compete for it. On error or
// panic the transaction is rolled back; the foreground write path relies on
// this to keep a local mutation and its queue entry atomic.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx storage.Transaction) error) error {
	if s.IsClosed() {
		return storage.ErrClosed
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection for transaction: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if err := beginImmediateWithRetry(ctx, conn, 5, 10*time.Millisecond); err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			// Background context so rollback completes even if ctx is cancelled.
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	if err := fn(&txStore{conn: conn, parent: s}); err != nil {
		return err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}

// beginImmediateWithRetry starts an IMMEDIATE transaction, retrying on
// SQLITE_BUSY with doubling delays. WAL mode allows only one writer; a busy
// error here means another writer holds the lock, not a real failure.
func beginImmediateWithRetry(ctx context.Context, conn *sql.Conn, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		_, err = conn.ExecContext(ctx, "BEGIN IMMEDIATE")
		if err == nil {
			return nil
		}
		if !isBusyError(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy")
}

func (t *txStore) UpsertCollaborator(ctx context.Context, c *types.Collaborator) (string, error) {
	return upsertCollaborator(ctx, t.conn, c)
}

func (t *txStore) UpsertClient(ctx context.Context, c *types.Client) (string, error) {
	return upsertClient(ctx, t.conn, c)
}

func (t *txStore) CreateVisit(ctx context.Context, v *types.Visit) (string, error) {
	return createVisit(ctx, t.conn, v)
}

func (t *txStore) Enqueue(ctx context.Context, entity types.EntityType, payload []byte) (int64, error) {
	return enqueueOp(ctx, t.conn, t.parent.nextEnqueueTime(), entity, payload)
}
