package reconcile

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tidewater/fieldsync/internal/remote"
	"github.com/tidewater/fieldsync/internal/remote/memory"
	"github.com/tidewater/fieldsync/internal/resilient"
	"github.com/tidewater/fieldsync/internal/storage"
	"github.com/tidewater/fieldsync/internal/storage/sqlite"
	"github.com/tidewater/fieldsync/internal/types"
)

func newTestEngine(t *testing.T) (*Engine, *sqlite.Store, *memory.Store) {
	t.Helper()
	local, err := sqlite.New(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("sqlite.New returned error: %v", err)
	}
	t.Cleanup(func() { _ = local.Close() })

	rem := memory.New()
	policy := resilient.DefaultPolicy()
	policy.MaxRetries = 0 // keep unreachable-remote tests fast
	exec := resilient.NewExecutor(policy, zerolog.Nop())
	return New(local, rem, exec, zerolog.Nop()), local, rem
}

func outage() error {
	return fmt.Errorf("%w: connection refused", remote.ErrUnavailable)
}

func TestReconcileRemoteOnly(t *testing.T) {
	engine, local, rem := newTestEngine(t)
	ctx := context.Background()

	rem.SeedCollaborator(&types.Collaborator{
		ID: "col-1", Email: "tech@example.com", Name: "Remote Tech",
		Approved: true, ApprovedBy: "hq", LastModified: time.Now().UTC(),
	})

	res, err := engine.Collaborator(ctx, "col-1", "")
	if err != nil {
		t.Fatalf("Collaborator returned error: %v", err)
	}
	if res.State != StatePersisted || res.Deferred {
		t.Errorf("result = %+v, want persisted and not deferred", res)
	}

	got, err := local.GetCollaborator(ctx, "col-1")
	if err != nil {
		t.Fatalf("remote record not persisted locally: %v", err)
	}
	if got.Name != "Remote Tech" || !got.Approved {
		t.Errorf("persisted record = %+v", got)
	}
}

func TestReconcileLocalOnlyEnqueuesPush(t *testing.T) {
	engine, local, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := local.UpsertCollaborator(ctx, &types.Collaborator{
		ID: "col-1", Email: "tech@example.com", Name: "Local Tech",
		LastModified: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("UpsertCollaborator: %v", err)
	}

	res, err := engine.Collaborator(ctx, "col-1", "")
	if err != nil {
		t.Fatalf("Collaborator returned error: %v", err)
	}
	if res.Collaborator == nil || res.Collaborator.Name != "Local Tech" {
		t.Errorf("result = %+v, want the local record", res)
	}

	ops, err := local.NextBatchForEntity(ctx, types.EntityCollaborator, 10)
	if err != nil {
		t.Fatalf("NextBatchForEntity: %v", err)
	}
	if len(ops) != 1 {
		t.Fatalf("queue holds %d ops, want 1 upsert push", len(ops))
	}
	payload, err := types.DecodePayload(ops[0].Payload)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	up, ok := payload.(*types.CollaboratorUpsert)
	if !ok {
		t.Fatalf("queued payload = %T, want *CollaboratorUpsert", payload)
	}
	if up.Collaborator.ID != "col-1" {
		t.Errorf("queued upsert for %q, want col-1", up.Collaborator.ID)
	}
}

func TestReconcileBothAbsentCreatesPending(t *testing.T) {
	engine, local, _ := newTestEngine(t)
	ctx := context.Background()

	res, err := engine.Collaborator(ctx, "", "new@example.com")
	if err != nil {
		t.Fatalf("Collaborator returned error: %v", err)
	}
	if res.Collaborator == nil || res.Collaborator.ID == "" {
		t.Fatal("no pending record created")
	}
	if res.Collaborator.Approved {
		t.Error("brand-new record created approved")
	}

	got, err := local.GetCollaboratorByEmail(ctx, "new@example.com")
	if err != nil {
		t.Fatalf("pending record not persisted: %v", err)
	}
	if got.Approved {
		t.Error("persisted pending record is approved")
	}

	ops, err := local.NextBatchForEntity(ctx, types.EntityCollaborator, 10)
	if err != nil {
		t.Fatalf("NextBatchForEntity: %v", err)
	}
	if len(ops) != 1 {
		t.Errorf("queue holds %d ops, want 1 creation push", len(ops))
	}
}

func TestReconcileMonotonicAcrossStores(t *testing.T) {
	engine, local, rem := newTestEngine(t)
	ctx := context.Background()

	approvedAt := time.Unix(100, 0).UTC()
	if _, err := local.UpsertCollaborator(ctx, &types.Collaborator{
		ID: "col-1", Email: "tech@example.com", Name: "Old Name",
		Approved: true, ApprovedAt: &approvedAt, ApprovedBy: "dispatch",
		LastModified: time.Unix(100, 0).UTC(),
	}); err != nil {
		t.Fatalf("UpsertCollaborator: %v", err)
	}
	rem.SeedCollaborator(&types.Collaborator{
		ID: "col-1", Email: "tech@example.com", Name: "New Name",
		Approved:     false,
		LastModified: time.Unix(200, 0).UTC(),
	})

	res, err := engine.Collaborator(ctx, "col-1", "")
	if err != nil {
		t.Fatalf("Collaborator returned error: %v", err)
	}
	if !res.Collaborator.Approved {
		t.Fatal("approval regressed during reconciliation")
	}
	if res.Collaborator.Name != "New Name" {
		t.Errorf("Name = %q, newer remote profile fields lost", res.Collaborator.Name)
	}

	// The remote side lacks the approval fact, so a narrow push is queued.
	ops, err := local.NextBatchForEntity(ctx, types.EntityCollaborator, 10)
	if err != nil {
		t.Fatalf("NextBatchForEntity: %v", err)
	}
	if len(ops) != 1 {
		t.Fatalf("queue holds %d ops, want 1 approval push", len(ops))
	}
	payload, err := types.DecodePayload(ops[0].Payload)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	push, ok := payload.(*types.ApprovalPush)
	if !ok {
		t.Fatalf("queued payload = %T, want *ApprovalPush", payload)
	}
	if !push.Approved || push.CollaboratorID != "col-1" || push.ApprovedBy != "dispatch" {
		t.Errorf("approval push = %+v", push)
	}

	// Running again must never regress the latch.
	res, err = engine.Collaborator(ctx, "col-1", "")
	if err != nil {
		t.Fatalf("second reconciliation returned error: %v", err)
	}
	if !res.Collaborator.Approved {
		t.Error("approval regressed on re-reconciliation")
	}
}

func TestReconcileRemoteUnreachableDefers(t *testing.T) {
	engine, local, rem := newTestEngine(t)
	ctx := context.Background()

	if _, err := local.UpsertCollaborator(ctx, &types.Collaborator{
		ID: "col-1", Email: "tech@example.com", Name: "Local Tech",
		LastModified: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("UpsertCollaborator: %v", err)
	}
	rem.FailWith(outage())

	res, err := engine.Collaborator(ctx, "col-1", "")
	if err != nil {
		t.Fatalf("unreachable remote treated as failure: %v", err)
	}
	if !res.Deferred {
		t.Error("run not marked deferred")
	}
	if res.Collaborator == nil || res.Collaborator.Name != "Local Tech" {
		t.Errorf("local view not returned: %+v", res.Collaborator)
	}

	ids, err := local.TakeReconcileRetries(ctx)
	if err != nil {
		t.Fatalf("TakeReconcileRetries: %v", err)
	}
	if len(ids) != 1 || ids[0] != "col-1" {
		t.Errorf("deferred set = %v, want [col-1]", ids)
	}
}

func TestReconcileUnreachableWithNoLocalCreatesPending(t *testing.T) {
	engine, local, rem := newTestEngine(t)
	ctx := context.Background()
	rem.FailWith(outage())

	res, err := engine.Collaborator(ctx, "", "offline@example.com")
	if err != nil {
		t.Fatalf("Collaborator returned error: %v", err)
	}
	if !res.Deferred {
		t.Error("run not marked deferred")
	}
	if _, err := local.GetCollaboratorByEmail(ctx, "offline@example.com"); err != nil {
		t.Errorf("pending record not created while offline: %v", err)
	}
	ids, _ := local.TakeReconcileRetries(ctx)
	if len(ids) != 1 {
		t.Errorf("deferred set = %v, want the new record", ids)
	}
}

func TestReconcileAdoptsExternalIdentity(t *testing.T) {
	engine, local, rem := newTestEngine(t)
	ctx := context.Background()

	// Created offline with a minted id; the backend later assigned col-9.
	mintedID, err := local.UpsertCollaborator(ctx, &types.Collaborator{
		Email: "tech@example.com", Name: "Offline Tech",
		LastModified: time.Unix(100, 0).UTC(),
	})
	if err != nil {
		t.Fatalf("UpsertCollaborator: %v", err)
	}
	rem.SeedCollaborator(&types.Collaborator{
		ID: "col-9", Email: "tech@example.com", Name: "Offline Tech",
		Approved: true, LastModified: time.Unix(200, 0).UTC(),
	})

	res, err := engine.Collaborator(ctx, "col-9", "tech@example.com")
	if err != nil {
		t.Fatalf("Collaborator returned error: %v", err)
	}
	if res.Collaborator.ID != "col-9" {
		t.Fatalf("result id = %q, external identity not adopted", res.Collaborator.ID)
	}
	if !res.Collaborator.Approved {
		t.Error("remote approval lost during identity adoption")
	}
	if _, err := local.GetCollaborator(ctx, mintedID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("old minted id still resolves: %v", err)
	}
}

func TestReconcileRequiresIdentity(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	if _, err := engine.Collaborator(context.Background(), "", ""); err == nil {
		t.Fatal("reconciliation accepted an empty identity")
	}
}

func TestClientResyncPreservesVisits(t *testing.T) {
	engine, local, rem := newTestEngine(t)
	ctx := context.Background()

	clientID, err := local.UpsertClient(ctx, &types.Client{
		Name: "Harbor Cafe", LastModified: time.Unix(100, 0).UTC(),
	})
	if err != nil {
		t.Fatalf("UpsertClient: %v", err)
	}
	visitID, err := local.CreateVisit(ctx, &types.Visit{ClientID: clientID, Amount: 4500})
	if err != nil {
		t.Fatalf("CreateVisit: %v", err)
	}
	if err := rem.SetClient(ctx, &types.Client{
		ID: clientID, Name: "Harbor Cafe & Bakery", RouteDay: "tuesday",
	}); err != nil {
		t.Fatalf("SetClient: %v", err)
	}

	got, err := engine.Client(ctx, clientID)
	if err != nil {
		t.Fatalf("Client returned error: %v", err)
	}
	if got.Name != "Harbor Cafe & Bakery" {
		t.Errorf("resynced client = %+v", got)
	}

	visits, err := local.GetVisits(ctx, clientID)
	if err != nil {
		t.Fatalf("GetVisits: %v", err)
	}
	if len(visits) != 1 || visits[0].ID != visitID {
		t.Fatalf("visits lost during parent resync: %v", visits)
	}
}

func TestClientResyncServesLocalWhenUnreachable(t *testing.T) {
	engine, local, rem := newTestEngine(t)
	ctx := context.Background()

	clientID, err := local.UpsertClient(ctx, &types.Client{
		Name: "Harbor Cafe", LastModified: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("UpsertClient: %v", err)
	}
	rem.FailWith(outage())

	got, err := engine.Client(ctx, clientID)
	if err != nil {
		t.Fatalf("Client returned error with a local copy available: %v", err)
	}
	if got.Name != "Harbor Cafe" {
		t.Errorf("local copy not served: %+v", got)
	}
}

func TestRunDeferred(t *testing.T) {
	engine, local, rem := newTestEngine(t)
	ctx := context.Background()

	if _, err := local.UpsertCollaborator(ctx, &types.Collaborator{
		ID: "col-1", Email: "tech@example.com", Name: "Local Tech",
		LastModified: time.Unix(100, 0).UTC(),
	}); err != nil {
		t.Fatalf("UpsertCollaborator: %v", err)
	}

	rem.FailWith(outage())
	if _, err := engine.Collaborator(ctx, "col-1", ""); err != nil {
		t.Fatalf("Collaborator returned error: %v", err)
	}

	// The remote heals and now carries an approval.
	rem.FailWith(nil)
	rem.SeedCollaborator(&types.Collaborator{
		ID: "col-1", Email: "tech@example.com", Name: "Local Tech",
		Approved: true, ApprovedBy: "hq", LastModified: time.Unix(200, 0).UTC(),
	})

	if err := engine.RunDeferred(ctx); err != nil {
		t.Fatalf("RunDeferred returned error: %v", err)
	}
	got, err := local.GetCollaborator(ctx, "col-1")
	if err != nil {
		t.Fatalf("GetCollaborator: %v", err)
	}
	if !got.Approved {
		t.Error("deferred reconciliation did not pick up the remote approval")
	}

	ids, _ := local.TakeReconcileRetries(ctx)
	if len(ids) != 0 {
		t.Errorf("deferred set not cleared: %v", ids)
	}
}
