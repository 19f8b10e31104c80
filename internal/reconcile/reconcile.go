// Package reconcile decides, per record, whether the authoritative state is
// local, remote, or a merge of both.
//
// The engine owns the merge decision; no other component resolves divergence.
// The approval flag is a monotonic latch: once observed true on either store
// it never regresses, no matter which side is consulted first or how many
// times reconciliation runs.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tidewater/fieldsync/internal/remote"
	"github.com/tidewater/fieldsync/internal/resilient"
	"github.com/tidewater/fieldsync/internal/storage"
	"github.com/tidewater/fieldsync/internal/types"
)

// State names the steps of one reconciliation attempt. The run is cancellable
// between states; cancellation mid-merge leaves the record untouched.
type State string

const (
	StateStart         State = "start"
	StateLocalChecked  State = "local_checked"
	StateRemoteChecked State = "remote_checked"
	StateMerged        State = "merged"
	StatePersisted     State = "persisted"
	StateFailed        State = "failed"
)

// Endpoint keys for the resilient executor.
const (
	EndpointCollaboratorGet = "collaborator.get"
	EndpointClientGet       = "client.get"
)

// Result reports the outcome of a reconciliation run.
type Result struct {
	State        State
	Collaborator *types.Collaborator
	// Deferred is true when the remote store was unreachable and the run
	// completed on the local view only; a re-reconciliation has been
	// scheduled.
	Deferred bool
}

// Engine reconciles principal records between the local and remote stores.
type Engine struct {
	local  storage.Storage
	remote remote.Store
	exec   *resilient.Executor
	log    zerolog.Logger
}

// New constructs an engine. All collaborators are injected; the engine holds
// no global state.
func New(local storage.Storage, rem remote.Store, exec *resilient.Executor, log zerolog.Logger) *Engine {
	return &Engine{
		local:  local,
		remote: rem,
		exec:   exec,
		log:    log.With().Str("component", "reconcile").Logger(),
	}
}

// Collaborator reconciles one principal record, identified by external id
// and/or secondary email key, and returns the authoritative local view.
//
// Remote unreachable is not a failure: the run completes on the local view
// and schedules a deferred re-reconciliation.
func (e *Engine) Collaborator(ctx context.Context, id, email string) (*Result, error) {
	if id == "" && email == "" {
		return &Result{State: StateFailed}, errors.New("reconcile: no identity or email given")
	}

	// START -> LOCAL_CHECKED
	local, err := e.lookupLocal(ctx, id, email)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return &Result{State: StateFailed}, fmt.Errorf("reconcile: local lookup: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return &Result{State: StateLocalChecked}, err
	}

	// An offline-created record may predate the external identity. Adopt
	// the external id before merging so both stores address the same row.
	if local != nil && id != "" && local.ID != id {
		if err := e.local.ReassignCollaboratorID(ctx, local.ID, id); err != nil {
			return &Result{State: StateFailed}, fmt.Errorf("reconcile: adopt identity: %w", err)
		}
		e.log.Info().Str("old_id", local.ID).Str("new_id", id).
			Msg("adopted external identity for offline-created record")
		local.ID = id
	}

	lookupID := id
	if lookupID == "" && local != nil {
		lookupID = local.ID
	}

	// LOCAL_CHECKED -> REMOTE_CHECKED
	rem, remoteErr := e.fetchRemote(ctx, lookupID)
	if err := ctx.Err(); err != nil {
		return &Result{State: StateRemoteChecked}, err
	}

	switch {
	case remoteErr != nil && !errors.Is(remoteErr, remote.ErrNotFound):
		// Remote unreachable: complete on the local view, defer the rest.
		return e.completeLocalOnly(ctx, local, email)

	case local == nil && rem == nil:
		// Absent from both stores: create pending locally and enqueue its
		// creation remotely.
		return e.createPending(ctx, lookupID, email, false)

	case local == nil:
		// Remote only: persist it locally through the upsert gateway.
		return e.persist(ctx, rem, false)

	case rem == nil:
		// Local only: the remote copy is missing, so propagate the local
		// record. The push goes through the queue, not inline.
		if err := e.enqueueUpsert(ctx, local); err != nil {
			return &Result{State: StateFailed}, err
		}
		return &Result{State: StatePersisted, Collaborator: local}, nil
	}

	// REMOTE_CHECKED -> MERGED
	merged, approvalFromLocal := Merge(local, rem, e.log)
	if err := ctx.Err(); err != nil {
		return &Result{State: StateMerged}, err
	}

	// The approval fact travels to whichever store lacks it. The push is
	// queued, never inline: a push failure is a drainer retry, not a
	// reconciliation failure.
	if approvalFromLocal {
		if err := e.enqueueApprovalPush(ctx, merged); err != nil {
			return &Result{State: StateFailed}, err
		}
	}

	// MERGED -> PERSISTED
	return e.persist(ctx, merged, false)
}

// Client resynchronizes a parent record from the remote store into the local
// store. The write goes through the upsert gateway, so existing dependents
// survive.
func (e *Engine) Client(ctx context.Context, id string) (*types.Client, error) {
	var fetched *types.Client
	err := e.exec.Execute(ctx, EndpointClientGet, func(ctx context.Context) error {
		c, err := e.remote.GetClient(ctx, id)
		if err != nil {
			return err
		}
		fetched = c
		return nil
	})
	if err != nil {
		if errors.Is(err, remote.ErrNotFound) {
			return e.local.GetClient(ctx, id)
		}
		// Unreachable: serve the local copy if there is one.
		if c, lerr := e.local.GetClient(ctx, id); lerr == nil {
			return c, nil
		}
		return nil, fmt.Errorf("resync client %s: %w", id, err)
	}
	if _, err := e.local.UpsertClient(ctx, fetched); err != nil {
		return nil, fmt.Errorf("resync client %s: persist: %w", id, err)
	}
	return fetched, nil
}

// RunDeferred re-reconciles every collaborator whose previous run completed
// local-only. Called by the drainer after a successful drain cycle.
func (e *Engine) RunDeferred(ctx context.Context) error {
	ids, err := e.local.TakeReconcileRetries(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: deferred set: %w", err)
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := e.Collaborator(ctx, id, ""); err != nil {
			e.log.Warn().Str("id", id).Err(err).Msg("deferred reconciliation failed")
		}
	}
	return nil
}

func (e *Engine) lookupLocal(ctx context.Context, id, email string) (*types.Collaborator, error) {
	if id != "" {
		c, err := e.local.GetCollaborator(ctx, id)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
	}
	if email != "" {
		return e.local.GetCollaboratorByEmail(ctx, email)
	}
	return nil, storage.ErrNotFound
}

func (e *Engine) fetchRemote(ctx context.Context, id string) (*types.Collaborator, error) {
	if id == "" {
		return nil, remote.ErrNotFound
	}
	var fetched *types.Collaborator
	err := e.exec.Execute(ctx, EndpointCollaboratorGet, func(ctx context.Context) error {
		c, err := e.remote.GetCollaborator(ctx, id)
		if err != nil {
			return err
		}
		fetched = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return fetched, nil
}

// completeLocalOnly finishes a run whose remote fetch failed. Not fatal.
func (e *Engine) completeLocalOnly(ctx context.Context, local *types.Collaborator, email string) (*Result, error) {
	if local == nil {
		res, err := e.createPending(ctx, "", email, true)
		if err != nil {
			return res, err
		}
		res.Deferred = true
		return res, nil
	}
	if err := e.local.MarkForReconcile(ctx, local.ID); err != nil {
		return &Result{State: StateFailed}, err
	}
	e.log.Info().Str("id", local.ID).Msg("remote unreachable, completed reconciliation on local view")
	return &Result{State: StatePersisted, Collaborator: local, Deferred: true}, nil
}

// createPending creates a new pending principal record locally and enqueues
// its remote creation. The local write and the queue entry are atomic.
func (e *Engine) createPending(ctx context.Context, id, email string, markRetry bool) (*Result, error) {
	now := time.Now().UTC()
	c := &types.Collaborator{
		ID:           id,
		Email:        email,
		Approved:     false,
		LastModified: now,
		CreatedAt:    now,
	}
	err := e.local.RunInTransaction(ctx, func(tx storage.Transaction) error {
		if _, err := tx.UpsertCollaborator(ctx, c); err != nil {
			return err
		}
		payload, err := types.EncodePayload(&types.CollaboratorUpsert{Collaborator: *c})
		if err != nil {
			return err
		}
		_, err = tx.Enqueue(ctx, types.EntityCollaborator, payload)
		return err
	})
	if err != nil {
		return &Result{State: StateFailed}, fmt.Errorf("reconcile: create pending: %w", err)
	}
	if markRetry {
		if err := e.local.MarkForReconcile(ctx, c.ID); err != nil {
			return &Result{State: StateFailed}, err
		}
	}
	return &Result{State: StatePersisted, Collaborator: c}, nil
}

func (e *Engine) persist(ctx context.Context, c *types.Collaborator, deferred bool) (*Result, error) {
	if _, err := e.local.UpsertCollaborator(ctx, c); err != nil {
		return &Result{State: StateFailed}, fmt.Errorf("reconcile: persist: %w", err)
	}
	return &Result{State: StatePersisted, Collaborator: c, Deferred: deferred}, nil
}

func (e *Engine) enqueueApprovalPush(ctx context.Context, c *types.Collaborator) error {
	payload, err := types.EncodePayload(&types.ApprovalPush{
		CollaboratorID: c.ID,
		Approved:       c.Approved,
		ApprovedAt:     c.ApprovedAt,
		ApprovedBy:     c.ApprovedBy,
	})
	if err != nil {
		return fmt.Errorf("reconcile: approval push: %w", err)
	}
	if _, err := e.local.Enqueue(ctx, types.EntityCollaborator, payload); err != nil {
		return fmt.Errorf("reconcile: approval push: %w", err)
	}
	return nil
}

func (e *Engine) enqueueUpsert(ctx context.Context, c *types.Collaborator) error {
	payload, err := types.EncodePayload(&types.CollaboratorUpsert{Collaborator: *c})
	if err != nil {
		return fmt.Errorf("reconcile: enqueue upsert: %w", err)
	}
	if _, err := e.local.Enqueue(ctx, types.EntityCollaborator, payload); err != nil {
		return fmt.Errorf("reconcile: enqueue upsert: %w", err)
	}
	return nil
}
