package remote

import (
	"context"
	"fmt"

	"github.com/tidewater/fieldsync/internal/types"
)

// Offline is a Store whose every call fails with ErrUnavailable. It stands in
// for the real remote when the initial connection cannot be established, so
// local reads and writes keep working and queued operations drain once a
// later reconnect succeeds.
type Offline struct {
	// Reason describes why the store is offline, carried in error messages.
	Reason error
}

func (o *Offline) err() error {
	if o.Reason != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, o.Reason)
	}
	return ErrUnavailable
}

func (o *Offline) GetCollaborator(context.Context, string) (*types.Collaborator, error) {
	return nil, o.err()
}

func (o *Offline) SetCollaborator(context.Context, *types.Collaborator) error {
	return o.err()
}

func (o *Offline) MergeCollaborator(context.Context, string, map[string]any) error {
	return o.err()
}

func (o *Offline) GetClient(context.Context, string) (*types.Client, error) {
	return nil, o.err()
}

func (o *Offline) SetClient(context.Context, *types.Client) error {
	return o.err()
}

func (o *Offline) CreateVisit(context.Context, *types.Visit) error {
	return o.err()
}

func (o *Offline) Close() error { return nil }
