// Package storage provides shared types for the local datastore.
//
// The concrete implementation lives in the sqlite sub-package. This package
// holds the interface and value types referenced by both the sqlite
// implementation and its consumers (queue drainer, reconciliation engine,
// cmd/fieldsync).
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/tidewater/fieldsync/internal/types"
)

// ErrNotFound is returned when a requested entity does not exist locally.
var ErrNotFound = errors.New("not found")

// ErrClosed is returned when an operation is attempted after Close().
var ErrClosed = errors.New("storage closed")

// Storage is the interface satisfied by *sqlite.Store.
// Consumers depend on this interface rather than on the concrete type so that
// alternative implementations (mocks, proxies, etc.) can be substituted.
type Storage interface {
	// Collaborators (principal records)
	GetCollaborator(ctx context.Context, id string) (*types.Collaborator, error)
	GetCollaboratorByEmail(ctx context.Context, email string) (*types.Collaborator, error)
	UpsertCollaborator(ctx context.Context, c *types.Collaborator) (string, error)
	ReassignCollaboratorID(ctx context.Context, oldID, newID string) error
	ListPendingApproval(ctx context.Context) ([]*types.Collaborator, error)

	// Clients (parent records) and visits (dependent records)
	GetClient(ctx context.Context, id string) (*types.Client, error)
	UpsertClient(ctx context.Context, c *types.Client) (string, error)
	GetVisits(ctx context.Context, clientID string) ([]*types.Visit, error)
	CreateVisit(ctx context.Context, v *types.Visit) (string, error)

	// Pending-operation queue
	QueueStore

	// Deferred re-reconciliation bookkeeping
	MarkForReconcile(ctx context.Context, collaboratorID string) error
	TakeReconcileRetries(ctx context.Context) ([]string, error)

	// Transactions
	RunInTransaction(ctx context.Context, fn func(tx Transaction) error) error

	// Lifecycle
	Close() error
}

// QueueStore is the durable pending-operation queue contract.
//
// Enqueue assigns a strictly increasing enqueue timestamp; NextBatch returns
// PENDING operations in enqueue order without mutating status; the Mark*
// transitions are idempotent no-ops on already-terminal operations.
type QueueStore interface {
	Enqueue(ctx context.Context, entity types.EntityType, payload []byte) (int64, error)
	NextBatch(ctx context.Context, limit int) ([]*types.PendingOperation, error)
	NextBatchForEntity(ctx context.Context, entity types.EntityType, limit int) ([]*types.PendingOperation, error)
	MarkCompleted(ctx context.Context, opID int64) error
	MarkFailed(ctx context.Context, opID int64, cause string) error
	RecordAttempt(ctx context.Context, opID int64, cause string) error
	PurgeCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	QueueStats(ctx context.Context) (*types.QueueStats, error)
}

// Transaction exposes the subset of storage methods that execute within a
// single database transaction. Foreground mutations use it to make the local
// write and its queue entry atomic: if the enqueue fails, the mutation rolls
// back with it.
type Transaction interface {
	UpsertCollaborator(ctx context.Context, c *types.Collaborator) (string, error)
	UpsertClient(ctx context.Context, c *types.Client) (string, error)
	CreateVisit(ctx context.Context, v *types.Visit) (string, error)
	Enqueue(ctx context.Context, entity types.EntityType, payload []byte) (int64, error)
}
