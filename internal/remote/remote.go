// Package remote defines the contract with the shared remote document store.
//
// Any datastore offering get-by-identity, merge-by-identity with partial
// field updates, and server-assigned write timestamps satisfies this
// contract. The surreal sub-package implements it against SurrealDB; the
// memory sub-package is an in-process fake for tests and offline development.
package remote

import (
	"context"
	"errors"

	"github.com/tidewater/fieldsync/internal/types"
)

// ErrNotFound is returned when the remote store has no record for the identity.
var ErrNotFound = errors.New("remote: not found")

// ErrUnavailable wraps transport-level failures (timeout, connection reset,
// server 5xx). Callers treat it as transient and retry.
var ErrUnavailable = errors.New("remote: unavailable")

// ErrRejected wraps remote-side validation failures (conflicting identity,
// malformed record). Callers treat it as terminal and never retry.
var ErrRejected = errors.New("remote: rejected")

// Store is the remote document store.
//
// Set* writes replace the full record; Merge* writes update only the fields
// present in the patch, leaving unspecified fields untouched. The remote
// assigns its own write timestamp (LastModified) on every write.
type Store interface {
	GetCollaborator(ctx context.Context, id string) (*types.Collaborator, error)
	SetCollaborator(ctx context.Context, c *types.Collaborator) error
	MergeCollaborator(ctx context.Context, id string, patch map[string]any) error

	GetClient(ctx context.Context, id string) (*types.Client, error)
	SetClient(ctx context.Context, c *types.Client) error

	CreateVisit(ctx context.Context, v *types.Visit) error

	Close() error
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// IsTerminal reports whether err is a remote rejection that must not be
// retried.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrRejected)
}
