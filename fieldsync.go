// Package fieldsync provides the public API for the offline-first
// synchronization layer used by field-operations applications.
//
// A Syncer owns the local SQLite store, the pending-operation queue, the
// reconciliation engine, and the background drainer. All writes land locally
// first and are pushed to the remote store asynchronously; reads are served
// locally, with collaborator reads passing through reconciliation so that
// approval state never regresses.
package fieldsync

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tidewater/fieldsync/internal/queue"
	"github.com/tidewater/fieldsync/internal/reconcile"
	"github.com/tidewater/fieldsync/internal/remote"
	"github.com/tidewater/fieldsync/internal/remote/surreal"
	"github.com/tidewater/fieldsync/internal/resilient"
	"github.com/tidewater/fieldsync/internal/storage"
	"github.com/tidewater/fieldsync/internal/storage/sqlite"
	"github.com/tidewater/fieldsync/internal/telemetry"
	"github.com/tidewater/fieldsync/internal/types"
)

// Core domain types.
type (
	Collaborator     = types.Collaborator
	Client           = types.Client
	Visit            = types.Visit
	PendingOperation = types.PendingOperation
	QueueStats       = types.QueueStats
)

// Queue status constants.
const (
	OpPending   = types.OpPending
	OpCompleted = types.OpCompleted
	OpFailed    = types.OpFailed
)

// EntityType partitions the queue; operations within one partition drain in
// FIFO order.
type EntityType = types.EntityType

// Entity type constants.
const (
	EntityCollaborator = types.EntityCollaborator
	EntityClient       = types.EntityClient
	EntityVisit        = types.EntityVisit
)

// RemoteConfig holds the SurrealDB connection parameters.
type RemoteConfig = surreal.Config

// Policy and drain configuration re-exports for embedders.
type (
	Policy      = resilient.Policy
	DrainConfig = queue.DrainConfig
)

// Storage is the local persistence interface, exported for embedders that
// want to drive the store directly.
type Storage = storage.Storage

// Options configures a Syncer.
type Options struct {
	// DBPath is the SQLite database path. ":memory:" works for tests.
	DBPath string

	// Remote is the remote store. When nil, RemoteConfig is used to dial
	// SurrealDB.
	Remote       remote.Store
	RemoteConfig surreal.Config

	// Policy governs retries, breaker, limiter, and batching. Zero value
	// means resilient.DefaultPolicy.
	Policy *Policy

	// Drain governs the background drainer. Zero value means
	// queue.DefaultDrainConfig.
	Drain *DrainConfig

	Logger zerolog.Logger
}

// Syncer is the top-level handle. All methods are safe for concurrent use.
type Syncer struct {
	store   storage.Storage
	remote  remote.Store
	exec    *resilient.Executor
	service *queue.Service
	engine  *reconcile.Engine
	drainer *queue.Drainer
	log     zerolog.Logger
}

// Open builds a Syncer from the given options.
func Open(ctx context.Context, opts Options) (*Syncer, error) {
	if opts.DBPath == "" {
		return nil, fmt.Errorf("fieldsync: DBPath is required")
	}

	store, err := sqlite.New(ctx, opts.DBPath)
	if err != nil {
		return nil, fmt.Errorf("fieldsync: open local store: %w", err)
	}

	rem := opts.Remote
	if rem == nil {
		rem, err = surreal.New(opts.RemoteConfig)
		if err != nil {
			// Starting without connectivity is normal for a field device.
			// Local operation continues; the queue drains once a later
			// process start reaches the remote.
			opts.Logger.Warn().Err(err).Msg("remote unreachable at startup, running offline")
			rem = &remote.Offline{Reason: err}
		}
	}

	policy := resilient.DefaultPolicy()
	if opts.Policy != nil {
		policy = *opts.Policy
	}
	drainCfg := queue.DefaultDrainConfig()
	if opts.Drain != nil {
		drainCfg = *opts.Drain
	}

	log := opts.Logger
	exec := resilient.NewExecutor(policy, log)
	engine := reconcile.New(store, rem, exec, log)
	service := queue.NewService(store, log)
	drainer := queue.NewDrainer(store, rem, exec, engine, drainCfg, log)

	if telemetry.Enabled() {
		if err := telemetry.Register(store, exec); err != nil {
			log.Warn().Err(err).Msg("telemetry registration failed")
		}
	}

	return &Syncer{
		store:   store,
		remote:  rem,
		exec:    exec,
		service: service,
		engine:  engine,
		drainer: drainer,
		log:     log,
	}, nil
}

// Close releases the local and remote stores.
func (s *Syncer) Close() error {
	rerr := s.remote.Close()
	serr := s.store.Close()
	if serr != nil {
		return serr
	}
	return rerr
}

// GetCollaborator reconciles the collaborator identified by id or email
// against the remote store and returns the merged record. When the remote is
// unreachable the local record is returned and a deferred re-reconciliation
// is scheduled.
func (s *Syncer) GetCollaborator(ctx context.Context, id, email string) (*Collaborator, error) {
	res, err := s.engine.Collaborator(ctx, id, email)
	if err != nil {
		return nil, err
	}
	return res.Collaborator, nil
}

// ListPendingApproval returns local collaborators awaiting approval.
func (s *Syncer) ListPendingApproval(ctx context.Context) ([]*Collaborator, error) {
	return s.store.ListPendingApproval(ctx)
}

// SubmitCollaborator writes the collaborator locally and enqueues a push to
// the remote store. Returns the collaborator id, minting one when empty.
func (s *Syncer) SubmitCollaborator(ctx context.Context, c *Collaborator) (string, error) {
	id, _, err := s.service.SubmitCollaborator(ctx, c)
	return id, err
}

// Approve sets the collaborator's approval latch locally and enqueues an
// approval push. Approval never regresses once set.
func (s *Syncer) Approve(ctx context.Context, id, approvedBy string) error {
	_, err := s.service.Approve(ctx, id, approvedBy)
	return err
}

// GetClient returns the locally stored client.
func (s *Syncer) GetClient(ctx context.Context, id string) (*Client, error) {
	return s.store.GetClient(ctx, id)
}

// SubmitClient writes the client locally and enqueues a push.
func (s *Syncer) SubmitClient(ctx context.Context, c *Client) (string, error) {
	id, _, err := s.service.SubmitClient(ctx, c)
	return id, err
}

// GetVisits returns locally stored visits for a client.
func (s *Syncer) GetVisits(ctx context.Context, clientID string) ([]*Visit, error) {
	return s.store.GetVisits(ctx, clientID)
}

// SubmitVisit writes the visit locally and enqueues a batched push.
func (s *Syncer) SubmitVisit(ctx context.Context, v *Visit) (string, error) {
	id, _, err := s.service.SubmitVisit(ctx, v)
	return id, err
}

// Pending lists queued operations in drain order, up to limit.
func (s *Syncer) Pending(ctx context.Context, limit int) ([]*PendingOperation, error) {
	return s.store.NextBatch(ctx, limit)
}

// PendingForEntity lists queued operations for one entity type in drain order.
func (s *Syncer) PendingForEntity(ctx context.Context, entity EntityType, limit int) ([]*PendingOperation, error) {
	return s.store.NextBatchForEntity(ctx, entity, limit)
}

// Stats returns pending-operation queue counts.
func (s *Syncer) Stats(ctx context.Context) (*QueueStats, error) {
	return s.service.Stats(ctx)
}

// Snapshot returns per-endpoint breaker and retry counters.
func (s *Syncer) Snapshot() []resilient.EndpointSnapshot {
	return s.exec.Snapshot()
}

// Drain runs the background drainer until ctx is cancelled.
func (s *Syncer) Drain(ctx context.Context) error {
	return s.drainer.Run(ctx)
}

// DrainOnce performs a single drain cycle.
func (s *Syncer) DrainOnce(ctx context.Context) error {
	return s.drainer.DrainOnce(ctx)
}

// PurgeCompleted removes completed queue rows older than the cutoff.
func (s *Syncer) PurgeCompleted(ctx context.Context, olderThan time.Duration) (int64, error) {
	return s.store.PurgeCompletedBefore(ctx, time.Now().Add(-olderThan))
}
