// Package queue provides the pending-operation queue service and its
// background drainer.
//
// The foreground path is local-first: a mutation is applied to the local
// store and its queue entry is written in the same transaction, so the two
// can never diverge. The drainer later propagates queued operations to the
// remote store through the resilient executor.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tidewater/fieldsync/internal/storage"
	"github.com/tidewater/fieldsync/internal/types"
)

// Service is the mutation entry point for the UI/view-model layer.
type Service struct {
	store storage.Storage
	log   zerolog.Logger
}

// NewService creates the queue service.
func NewService(store storage.Storage, log zerolog.Logger) *Service {
	return &Service{store: store, log: log.With().Str("component", "queue").Logger()}
}

// SubmitCollaborator applies a collaborator mutation locally and enqueues its
// remote propagation atomically. Never waits on network I/O.
func (s *Service) SubmitCollaborator(ctx context.Context, c *types.Collaborator) (string, int64, error) {
	var opID int64
	err := s.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		if _, err := tx.UpsertCollaborator(ctx, c); err != nil {
			return err
		}
		// Encode after the local write so a minted identity is carried in
		// the payload.
		payload, err := types.EncodePayload(&types.CollaboratorUpsert{Collaborator: *c})
		if err != nil {
			return err
		}
		opID, err = tx.Enqueue(ctx, types.EntityCollaborator, payload)
		return err
	})
	if err != nil {
		return "", 0, fmt.Errorf("submit collaborator: %w", err)
	}
	return c.ID, opID, nil
}

// SubmitClient applies a client mutation locally and enqueues its remote
// propagation atomically.
func (s *Service) SubmitClient(ctx context.Context, c *types.Client) (string, int64, error) {
	var opID int64
	err := s.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		if _, err := tx.UpsertClient(ctx, c); err != nil {
			return err
		}
		payload, err := types.EncodePayload(&types.ClientUpsert{Client: *c})
		if err != nil {
			return err
		}
		opID, err = tx.Enqueue(ctx, types.EntityClient, payload)
		return err
	})
	if err != nil {
		return "", 0, fmt.Errorf("submit client: %w", err)
	}
	return c.ID, opID, nil
}

// SubmitVisit records a new visit locally and enqueues its remote creation
// atomically.
func (s *Service) SubmitVisit(ctx context.Context, v *types.Visit) (string, int64, error) {
	var opID int64
	err := s.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		if _, err := tx.CreateVisit(ctx, v); err != nil {
			return err
		}
		payload, err := types.EncodePayload(&types.VisitCreate{Visit: *v})
		if err != nil {
			return err
		}
		opID, err = tx.Enqueue(ctx, types.EntityVisit, payload)
		return err
	})
	if err != nil {
		return "", 0, fmt.Errorf("submit visit: %w", err)
	}
	return v.ID, opID, nil
}

// Approve promotes a collaborator to approved. The administrative action
// writes to the local store immediately; the approval fact reaches the
// remote store at the next drain. Approval is monotonic: approving an
// already-approved collaborator only refreshes the queue entry.
func (s *Service) Approve(ctx context.Context, collaboratorID, approver string) (int64, error) {
	c, err := s.store.GetCollaborator(ctx, collaboratorID)
	if err != nil {
		return 0, fmt.Errorf("approve %s: %w", collaboratorID, err)
	}
	now := time.Now().UTC()
	c.Approved = true
	if c.ApprovedAt == nil {
		c.ApprovedAt = &now
		c.ApprovedBy = approver
	}
	c.LastModified = now

	var opID int64
	err = s.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		if _, err := tx.UpsertCollaborator(ctx, c); err != nil {
			return err
		}
		payload, err := types.EncodePayload(&types.ApprovalPush{
			CollaboratorID: c.ID,
			Approved:       true,
			ApprovedAt:     c.ApprovedAt,
			ApprovedBy:     c.ApprovedBy,
		})
		if err != nil {
			return err
		}
		opID, err = tx.Enqueue(ctx, types.EntityCollaborator, payload)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("approve %s: %w", collaboratorID, err)
	}
	return opID, nil
}

// Stats returns a read-only snapshot of queue depth.
func (s *Service) Stats(ctx context.Context) (*types.QueueStats, error) {
	return s.store.QueueStats(ctx)
}
