package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tidewater/fieldsync/internal/remote"
	"github.com/tidewater/fieldsync/internal/resilient"
	"github.com/tidewater/fieldsync/internal/storage"
	"github.com/tidewater/fieldsync/internal/types"
)

// Endpoint keys for the resilient executor, one per remote write shape.
const (
	EndpointCollaboratorSet   = "collaborator.set"
	EndpointCollaboratorMerge = "collaborator.merge"
	EndpointClientSet         = "client.set"
	EndpointVisitCreate       = "visit.create"
)

// DrainConfig bounds one drain cycle.
type DrainConfig struct {
	// BatchLimit caps how many operations one partition drains per cycle.
	BatchLimit int
	// Interval is the pause between cycles in Run.
	Interval time.Duration
	// MaxAttempts is the per-operation retry budget across cycles; once
	// exceeded the operation is marked FAILED and surfaced to the operator.
	MaxAttempts int
	// Retention is how long COMPLETED operations are kept for diagnostics
	// before being purged.
	Retention time.Duration
}

// DefaultDrainConfig returns the drain settings used when configuration does
// not override them.
func DefaultDrainConfig() DrainConfig {
	return DrainConfig{
		BatchLimit:  50,
		Interval:    30 * time.Second,
		MaxAttempts: 8,
		Retention:   7 * 24 * time.Hour,
	}
}

// deferredRunner re-reconciles records whose earlier runs completed
// local-only. Satisfied by *reconcile.Engine.
type deferredRunner interface {
	RunDeferred(ctx context.Context) error
}

// Drainer pulls pending operations and propagates them to the remote store.
//
// Partitions (entity types) drain concurrently; within a partition
// operations execute in enqueue order, and a transient failure stops the
// partition for the cycle so a later mutation never leapfrogs an earlier one
// against the same logical record.
type Drainer struct {
	store    storage.Storage
	remote   remote.Store
	exec     *resilient.Executor
	deferred deferredRunner
	cfg      DrainConfig
	log      zerolog.Logger

	visitBatcher *resilient.Batcher[*types.Visit]
}

// NewDrainer constructs a drainer. deferred may be nil when no
// reconciliation engine is attached (tests, tooling).
func NewDrainer(store storage.Storage, rem remote.Store, exec *resilient.Executor, deferred deferredRunner, cfg DrainConfig, log zerolog.Logger) *Drainer {
	d := &Drainer{
		store:    store,
		remote:   rem,
		exec:     exec,
		deferred: deferred,
		cfg:      cfg,
		log:      log.With().Str("component", "drainer").Logger(),
	}
	return d
}

// Run drains in a loop until ctx is cancelled. Cancellation takes effect
// between cycles; an in-flight batch either completes or its operations are
// retried from PENDING on the next run.
func (d *Drainer) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := d.DrainOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.log.Error().Err(err).Msg("drain cycle failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// DrainOnce runs a single drain cycle: every partition concurrently, then
// retention purge and deferred reconciliations.
func (d *Drainer) DrainOnce(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.drainPartition(gctx, types.EntityCollaborator) })
	g.Go(func() error { return d.drainPartition(gctx, types.EntityClient) })
	g.Go(func() error { return d.drainVisits(gctx) })
	if err := g.Wait(); err != nil {
		return err
	}

	cutoff := time.Now().UTC().Add(-d.cfg.Retention)
	if n, err := d.store.PurgeCompletedBefore(ctx, cutoff); err != nil {
		d.log.Warn().Err(err).Msg("retention purge failed")
	} else if n > 0 {
		d.log.Debug().Int64("purged", n).Msg("purged completed operations")
	}

	if d.deferred != nil {
		if err := d.deferred.RunDeferred(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.log.Warn().Err(err).Msg("deferred reconciliation pass failed")
		}
	}
	return ctx.Err()
}

// drainPartition executes one partition's batch sequentially in enqueue
// order, stopping at the first transient failure.
func (d *Drainer) drainPartition(ctx context.Context, entity types.EntityType) error {
	ops, err := d.store.NextBatchForEntity(ctx, entity, d.cfg.BatchLimit)
	if err != nil {
		return fmt.Errorf("drain %s: %w", entity, err)
	}
	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			return err
		}
		done, err := d.executeOp(ctx, op)
		if err != nil {
			return err
		}
		if !done {
			// Transient failure: leave the rest of the partition for the
			// next cycle to preserve causal ordering.
			return nil
		}
	}
	return nil
}

// executeOp routes one operation to the remote store and settles its status.
// Returns done=false when the operation stays PENDING for a later retry.
func (d *Drainer) executeOp(ctx context.Context, op *types.PendingOperation) (bool, error) {
	payload, err := types.DecodePayload(op.Payload)
	if err != nil {
		// An undecodable payload can never succeed: fail it for the operator.
		d.log.Error().Int64("op", op.ID).Err(err).Msg("undecodable operation payload")
		return true, d.store.MarkFailed(ctx, op.ID, err.Error())
	}

	var execErr error
	switch p := payload.(type) {
	case *types.CollaboratorUpsert:
		execErr = d.exec.Execute(ctx, EndpointCollaboratorSet, func(ctx context.Context) error {
			return d.remote.SetCollaborator(ctx, &p.Collaborator)
		})
	case *types.ApprovalPush:
		execErr = d.exec.Execute(ctx, EndpointCollaboratorMerge, func(ctx context.Context) error {
			patch := map[string]any{
				"approved":    p.Approved,
				"approved_at": p.ApprovedAt,
				"approved_by": p.ApprovedBy,
			}
			err := d.remote.MergeCollaborator(ctx, p.CollaboratorID, patch)
			if errors.Is(err, remote.ErrNotFound) {
				// The remote record does not exist yet; the preceding
				// CollaboratorUpsert in this partition will create it.
				return fmt.Errorf("%w: %w", remote.ErrUnavailable, err)
			}
			return err
		})
	case *types.ClientUpsert:
		execErr = d.exec.Execute(ctx, EndpointClientSet, func(ctx context.Context) error {
			return d.remote.SetClient(ctx, &p.Client)
		})
	case *types.VisitCreate:
		execErr = d.exec.Execute(ctx, EndpointVisitCreate, func(ctx context.Context) error {
			return d.remote.CreateVisit(ctx, &p.Visit)
		})
	default:
		execErr = fmt.Errorf("%w: unhandled payload kind %T", remote.ErrRejected, payload)
	}

	return d.settle(ctx, op, execErr)
}

// settle applies the outcome taxonomy: success completes, terminal
// rejections fail immediately, and transient failures consume one attempt
// from the budget.
func (d *Drainer) settle(ctx context.Context, op *types.PendingOperation, execErr error) (bool, error) {
	switch {
	case execErr == nil:
		return true, d.store.MarkCompleted(ctx, op.ID)

	case remote.IsTerminal(execErr):
		d.log.Warn().Int64("op", op.ID).Str("entity", string(op.EntityType)).
			Err(execErr).Msg("operation rejected by remote, needs operator attention")
		return true, d.store.MarkFailed(ctx, op.ID, execErr.Error())

	default:
		if op.Attempts+1 >= d.cfg.MaxAttempts {
			d.log.Warn().Int64("op", op.ID).Int("attempts", op.Attempts+1).
				Err(execErr).Msg("retry budget exhausted, failing operation")
			return true, d.store.MarkFailed(ctx, op.ID, execErr.Error())
		}
		if err := d.store.RecordAttempt(ctx, op.ID, execErr.Error()); err != nil {
			return false, err
		}
		return false, nil
	}
}

// drainVisits drains the visit partition through the batching collector:
// queued visit creations inside one collection window travel as a single
// remote round trip, with per-item results.
func (d *Drainer) drainVisits(ctx context.Context) error {
	ops, err := d.store.NextBatchForEntity(ctx, types.EntityVisit, d.cfg.BatchLimit)
	if err != nil {
		return fmt.Errorf("drain visits: %w", err)
	}
	if len(ops) == 0 {
		return nil
	}

	type pendingVisit struct {
		op     *types.PendingOperation
		result <-chan error
	}

	batcher := resilient.NewBatcher(d.exec.Policy().BatchSize, d.exec.Policy().BatchTimeout,
		func(ctx context.Context, visits []*types.Visit) []error {
			errs := make([]error, len(visits))
			succeeded := make([]bool, len(visits))
			// One executor pass covers the whole group: one breaker/limiter
			// charge per round trip instead of per item. Retries inside the
			// executor skip items that already settled.
			execErr := d.exec.Execute(ctx, EndpointVisitCreate, func(ctx context.Context) error {
				var firstTransient error
				for i, v := range visits {
					if succeeded[i] || remote.IsTerminal(errs[i]) {
						continue
					}
					err := d.remote.CreateVisit(ctx, v)
					errs[i] = err
					if err == nil {
						succeeded[i] = true
					} else if firstTransient == nil && !remote.IsTerminal(err) {
						firstTransient = err
					}
				}
				return firstTransient
			})
			if execErr != nil {
				for i := range errs {
					if !succeeded[i] && errs[i] == nil {
						errs[i] = execErr
					}
				}
			}
			return errs
		})

	var pending []pendingVisit
	for _, op := range ops {
		payload, err := types.DecodePayload(op.Payload)
		if err != nil {
			if err := d.store.MarkFailed(ctx, op.ID, err.Error()); err != nil {
				return err
			}
			continue
		}
		vc, ok := payload.(*types.VisitCreate)
		if !ok {
			if err := d.store.MarkFailed(ctx, op.ID, fmt.Sprintf("unexpected payload in visit partition: %T", payload)); err != nil {
				return err
			}
			continue
		}
		pending = append(pending, pendingVisit{op: op, result: batcher.Submit(ctx, &vc.Visit)})
	}

	batcher.Close(ctx)

	for _, pv := range pending {
		if _, err := d.settle(ctx, pv.op, <-pv.result); err != nil {
			return err
		}
	}
	return nil
}
