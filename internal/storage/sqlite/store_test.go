package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/tidewater/fieldsync/internal/storage"
	"github.com/tidewater/fieldsync/internal/types"
)

// newTestStore opens a store on a throwaway file. Shared-cache :memory:
// databases would leak state between parallel tests.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustEnqueue(t *testing.T, s *Store, entity types.EntityType, payload string) int64 {
	t.Helper()
	id, err := s.Enqueue(context.Background(), entity, []byte(payload))
	if err != nil {
		t.Fatalf("Enqueue(%s) returned error: %v", entity, err)
	}
	return id
}

func TestEnqueueFIFO(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustEnqueue(t, s, types.EntityCollaborator, "a")
	mustEnqueue(t, s, types.EntityClient, "b")
	mustEnqueue(t, s, types.EntityCollaborator, "c")
	mustEnqueue(t, s, types.EntityVisit, "d")
	mustEnqueue(t, s, types.EntityCollaborator, "e")

	ops, err := s.NextBatch(ctx, 10)
	if err != nil {
		t.Fatalf("NextBatch returned error: %v", err)
	}
	if len(ops) != 5 {
		t.Fatalf("NextBatch returned %d ops, want 5", len(ops))
	}
	for i, want := range []string{"a", "b", "c", "d", "e"} {
		if string(ops[i].Payload) != want {
			t.Errorf("ops[%d].Payload = %q, want %q", i, ops[i].Payload, want)
		}
	}

	collabs, err := s.NextBatchForEntity(ctx, types.EntityCollaborator, 10)
	if err != nil {
		t.Fatalf("NextBatchForEntity returned error: %v", err)
	}
	if len(collabs) != 3 {
		t.Fatalf("NextBatchForEntity returned %d ops, want 3", len(collabs))
	}
	for i, want := range []string{"a", "c", "e"} {
		if string(collabs[i].Payload) != want {
			t.Errorf("collabs[%d].Payload = %q, want %q", i, collabs[i].Payload, want)
		}
	}

	limited, err := s.NextBatch(ctx, 2)
	if err != nil {
		t.Fatalf("NextBatch(limit=2) returned error: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("NextBatch(limit=2) returned %d ops", len(limited))
	}
	if string(limited[0].Payload) != "a" || string(limited[1].Payload) != "b" {
		t.Errorf("limited batch = %q, %q; want oldest two", limited[0].Payload, limited[1].Payload)
	}
}

func TestEnqueueTimestampsStrictlyIncreasing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		mustEnqueue(t, s, types.EntityVisit, fmt.Sprintf("v%d", i))
	}
	ops, err := s.NextBatch(ctx, 100)
	if err != nil {
		t.Fatalf("NextBatch returned error: %v", err)
	}
	for i := 1; i < len(ops); i++ {
		if !ops[i].EnqueuedAt.After(ops[i-1].EnqueuedAt) {
			t.Fatalf("enqueued_at not strictly increasing at %d: %v !> %v",
				i, ops[i].EnqueuedAt, ops[i-1].EnqueuedAt)
		}
	}
}

func TestEnqueueRejectsUnknownEntity(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Enqueue(context.Background(), types.EntityType("invoice"), []byte("x")); err == nil {
		t.Fatal("Enqueue accepted an unknown entity type")
	}
}

func TestMarkCompletedIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := mustEnqueue(t, s, types.EntityClient, "x")

	if err := s.MarkCompleted(ctx, id); err != nil {
		t.Fatalf("MarkCompleted returned error: %v", err)
	}
	// A late failure report must not overwrite the terminal state.
	if err := s.MarkFailed(ctx, id, "late error"); err != nil {
		t.Fatalf("MarkFailed returned error: %v", err)
	}
	stats, err := s.QueueStats(ctx)
	if err != nil {
		t.Fatalf("QueueStats returned error: %v", err)
	}
	if stats.Completed != 1 || stats.Failed != 0 || stats.Pending != 0 {
		t.Errorf("stats = %+v, want exactly one completed", stats)
	}
}

func TestMarkFailedRecordsCause(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := mustEnqueue(t, s, types.EntityVisit, "x")

	if err := s.MarkFailed(ctx, id, "remote rejected: duplicate"); err != nil {
		t.Fatalf("MarkFailed returned error: %v", err)
	}
	stats, err := s.QueueStats(ctx)
	if err != nil {
		t.Fatalf("QueueStats returned error: %v", err)
	}
	if stats.Failed != 1 {
		t.Fatalf("stats.Failed = %d, want 1", stats.Failed)
	}
	// Failed rows leave the drain batch.
	ops, err := s.NextBatch(ctx, 10)
	if err != nil {
		t.Fatalf("NextBatch returned error: %v", err)
	}
	if len(ops) != 0 {
		t.Errorf("NextBatch returned %d ops after failure, want 0", len(ops))
	}
}

func TestRecordAttempt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := mustEnqueue(t, s, types.EntityCollaborator, "x")

	for i := 0; i < 3; i++ {
		if err := s.RecordAttempt(ctx, id, "connection refused"); err != nil {
			t.Fatalf("RecordAttempt returned error: %v", err)
		}
	}
	ops, err := s.NextBatch(ctx, 1)
	if err != nil {
		t.Fatalf("NextBatch returned error: %v", err)
	}
	if len(ops) != 1 {
		t.Fatalf("NextBatch returned %d ops, want 1", len(ops))
	}
	if ops[0].Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", ops[0].Attempts)
	}
	if ops[0].LastError != "connection refused" {
		t.Errorf("LastError = %q", ops[0].LastError)
	}
	if ops[0].Status != types.OpPending {
		t.Errorf("Status = %q, want pending after non-terminal attempts", ops[0].Status)
	}
}

func TestPurgeCompletedBefore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	oldDone := mustEnqueue(t, s, types.EntityClient, "old-done")
	oldFailed := mustEnqueue(t, s, types.EntityClient, "old-failed")
	pending := mustEnqueue(t, s, types.EntityClient, "pending")
	if err := s.MarkCompleted(ctx, oldDone); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	if err := s.MarkFailed(ctx, oldFailed, "boom"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	cutoff := time.Now().Add(time.Hour)
	recentDone := mustEnqueue(t, s, types.EntityClient, "recent-done")
	_ = recentDone

	n, err := s.PurgeCompletedBefore(ctx, cutoff)
	if err != nil {
		t.Fatalf("PurgeCompletedBefore returned error: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged %d rows, want 1 (only the old completed row)", n)
	}
	stats, err := s.QueueStats(ctx)
	if err != nil {
		t.Fatalf("QueueStats returned error: %v", err)
	}
	if stats.Failed != 1 {
		t.Errorf("failed row was purged; stats = %+v", stats)
	}
	if stats.Pending != 2 {
		t.Errorf("pending rows were purged; stats = %+v", stats)
	}
	_ = pending
}

func TestQueueStatsOldestPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stats, err := s.QueueStats(ctx)
	if err != nil {
		t.Fatalf("QueueStats returned error: %v", err)
	}
	if !stats.OldestPending.IsZero() {
		t.Errorf("empty queue reports OldestPending = %v", stats.OldestPending)
	}

	first := mustEnqueue(t, s, types.EntityVisit, "first")
	mustEnqueue(t, s, types.EntityVisit, "second")

	ops, err := s.NextBatch(ctx, 1)
	if err != nil {
		t.Fatalf("NextBatch returned error: %v", err)
	}
	stats, err = s.QueueStats(ctx)
	if err != nil {
		t.Fatalf("QueueStats returned error: %v", err)
	}
	if !stats.OldestPending.Equal(ops[0].EnqueuedAt) {
		t.Errorf("OldestPending = %v, want %v", stats.OldestPending, ops[0].EnqueuedAt)
	}
	_ = first
}

func TestUpsertGatewayPreservesDependents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	clientID, err := s.UpsertClient(ctx, &types.Client{
		Name:         "Harbor Cafe",
		Address:      "1 Pier St",
		LastModified: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("UpsertClient returned error: %v", err)
	}
	visitID, err := s.CreateVisit(ctx, &types.Visit{
		ClientID: clientID,
		Amount:   4500,
		Note:     "filters replaced",
	})
	if err != nil {
		t.Fatalf("CreateVisit returned error: %v", err)
	}

	// Resync the parent with fresh remote fields. The dependent row must
	// survive; a replace-style write would cascade-delete it.
	_, err = s.UpsertClient(ctx, &types.Client{
		ID:           clientID,
		Name:         "Harbor Cafe & Bakery",
		Address:      "1 Pier St",
		RouteDay:     "tuesday",
		LastModified: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("UpsertClient (resync) returned error: %v", err)
	}

	got, err := s.GetClient(ctx, clientID)
	if err != nil {
		t.Fatalf("GetClient returned error: %v", err)
	}
	if got.Name != "Harbor Cafe & Bakery" || got.RouteDay != "tuesday" {
		t.Errorf("client not updated in place: %+v", got)
	}

	visits, err := s.GetVisits(ctx, clientID)
	if err != nil {
		t.Fatalf("GetVisits returned error: %v", err)
	}
	if len(visits) != 1 || visits[0].ID != visitID {
		t.Fatalf("dependent visit lost after parent resync: %v", visits)
	}
}

func TestUpsertCollaboratorMintsAndUpdates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.UpsertCollaborator(ctx, &types.Collaborator{
		Email:        "tech@example.com",
		Name:         "Field Tech",
		LastModified: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("UpsertCollaborator returned error: %v", err)
	}
	if id == "" {
		t.Fatal("UpsertCollaborator did not mint an id")
	}

	_, err = s.UpsertCollaborator(ctx, &types.Collaborator{
		ID:           id,
		Email:        "tech@example.com",
		Name:         "Field Tech Sr",
		Role:         "lead",
		LastModified: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("UpsertCollaborator (update) returned error: %v", err)
	}

	got, err := s.GetCollaborator(ctx, id)
	if err != nil {
		t.Fatalf("GetCollaborator returned error: %v", err)
	}
	if got.Name != "Field Tech Sr" || got.Role != "lead" {
		t.Errorf("collaborator not updated: %+v", got)
	}

	byEmail, err := s.GetCollaboratorByEmail(ctx, "tech@example.com")
	if err != nil {
		t.Fatalf("GetCollaboratorByEmail returned error: %v", err)
	}
	if byEmail.ID != id {
		t.Errorf("lookup by email returned id %q, want %q", byEmail.ID, id)
	}

	if _, err := s.GetCollaborator(ctx, "no-such-id"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("missing collaborator error = %v, want ErrNotFound", err)
	}
}

func TestReassignCollaboratorID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.UpsertCollaborator(ctx, &types.Collaborator{
		Email:        "adopt@example.com",
		Name:         "Offline Creation",
		LastModified: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("UpsertCollaborator returned error: %v", err)
	}

	if err := s.ReassignCollaboratorID(ctx, id, "remote-123"); err != nil {
		t.Fatalf("ReassignCollaboratorID returned error: %v", err)
	}
	got, err := s.GetCollaborator(ctx, "remote-123")
	if err != nil {
		t.Fatalf("GetCollaborator after reassign returned error: %v", err)
	}
	if got.Email != "adopt@example.com" {
		t.Errorf("reassigned record = %+v", got)
	}
	if _, err := s.GetCollaborator(ctx, id); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("old id still resolves after reassign: %v", err)
	}

	if err := s.ReassignCollaboratorID(ctx, "missing", "x"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("reassigning a missing id = %v, want ErrNotFound", err)
	}
}

func TestListPendingApproval(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := s.UpsertCollaborator(ctx, &types.Collaborator{
		Email: "a@example.com", Name: "A", LastModified: now, CreatedAt: now.Add(-2 * time.Hour),
	}); err != nil {
		t.Fatalf("UpsertCollaborator: %v", err)
	}
	if _, err := s.UpsertCollaborator(ctx, &types.Collaborator{
		Email: "b@example.com", Name: "B", Approved: true, ApprovedBy: "ops",
		LastModified: now, CreatedAt: now.Add(-1 * time.Hour),
	}); err != nil {
		t.Fatalf("UpsertCollaborator: %v", err)
	}
	if _, err := s.UpsertCollaborator(ctx, &types.Collaborator{
		Email: "c@example.com", Name: "C", LastModified: now, CreatedAt: now,
	}); err != nil {
		t.Fatalf("UpsertCollaborator: %v", err)
	}

	pending, err := s.ListPendingApproval(ctx)
	if err != nil {
		t.Fatalf("ListPendingApproval returned error: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("ListPendingApproval returned %d, want 2", len(pending))
	}
	if pending[0].Name != "A" || pending[1].Name != "C" {
		t.Errorf("pending order = %s, %s; want A, C (oldest first)", pending[0].Name, pending[1].Name)
	}
}

func TestTransactionAtomicity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("validation failed")

	err := s.RunInTransaction(ctx, func(tx storage.Transaction) error {
		if _, err := tx.UpsertClient(ctx, &types.Client{Name: "Doomed", LastModified: time.Now().UTC()}); err != nil {
			return err
		}
		if _, err := tx.Enqueue(ctx, types.EntityClient, []byte("doomed")); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("RunInTransaction error = %v, want wrapped validation error", err)
	}

	stats, err := s.QueueStats(ctx)
	if err != nil {
		t.Fatalf("QueueStats returned error: %v", err)
	}
	if stats.Pending != 0 {
		t.Errorf("queue row survived rollback; stats = %+v", stats)
	}

	// The happy path commits both writes together.
	var opID int64
	err = s.RunInTransaction(ctx, func(tx storage.Transaction) error {
		if _, err := tx.UpsertClient(ctx, &types.Client{Name: "Kept", LastModified: time.Now().UTC()}); err != nil {
			return err
		}
		id, err := tx.Enqueue(ctx, types.EntityClient, []byte("kept"))
		opID = id
		return err
	})
	if err != nil {
		t.Fatalf("RunInTransaction returned error: %v", err)
	}
	if opID == 0 {
		t.Fatal("transaction did not return an operation id")
	}
	stats, err = s.QueueStats(ctx)
	if err != nil {
		t.Fatalf("QueueStats returned error: %v", err)
	}
	if stats.Pending != 1 {
		t.Errorf("committed queue row missing; stats = %+v", stats)
	}
}

func TestReconcileRetries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.MarkForReconcile(ctx, "col-1"); err != nil {
		t.Fatalf("MarkForReconcile returned error: %v", err)
	}
	// Marking twice is fine; the set is deduplicated.
	if err := s.MarkForReconcile(ctx, "col-1"); err != nil {
		t.Fatalf("MarkForReconcile (repeat) returned error: %v", err)
	}
	if err := s.MarkForReconcile(ctx, "col-2"); err != nil {
		t.Fatalf("MarkForReconcile returned error: %v", err)
	}

	ids, err := s.TakeReconcileRetries(ctx)
	if err != nil {
		t.Fatalf("TakeReconcileRetries returned error: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("TakeReconcileRetries returned %v, want 2 ids", ids)
	}

	ids, err = s.TakeReconcileRetries(ctx)
	if err != nil {
		t.Fatalf("TakeReconcileRetries (second) returned error: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("retry set not cleared: %v", ids)
	}
}

func TestClosedStoreRejectsTransactions(t *testing.T) {
	s := newTestStore(t)
	if err := s.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	err := s.RunInTransaction(context.Background(), func(storage.Transaction) error { return nil })
	if !errors.Is(err, storage.ErrClosed) {
		t.Errorf("RunInTransaction on closed store = %v, want ErrClosed", err)
	}
}
