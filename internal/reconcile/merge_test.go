package reconcile

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tidewater/fieldsync/internal/types"
)

func ts(unix int64) time.Time {
	return time.Unix(unix, 0).UTC()
}

func TestMergeApprovalNeverRegresses(t *testing.T) {
	approvedAt := ts(90)

	// The local side approved an older copy; the remote side has newer
	// profile edits but no approval. The merge must keep both facts.
	local := &types.Collaborator{
		ID:           "col-1",
		Email:        "old@example.com",
		Name:         "Old Name",
		Approved:     true,
		ApprovedAt:   &approvedAt,
		ApprovedBy:   "dispatch",
		LastModified: ts(100),
	}
	rem := &types.Collaborator{
		ID:           "col-1",
		Email:        "new@example.com",
		Name:         "New Name",
		Phone:        "555-0100",
		Approved:     false,
		LastModified: ts(200),
	}

	merged, pushApproval := Merge(local, rem, zerolog.Nop())
	if !merged.Approved {
		t.Fatal("approval regressed: newer unapproved remote overrode the latch")
	}
	if merged.ApprovedBy != "dispatch" || merged.ApprovedAt == nil || !merged.ApprovedAt.Equal(approvedAt) {
		t.Errorf("approval metadata lost: by=%q at=%v", merged.ApprovedBy, merged.ApprovedAt)
	}
	if merged.Email != "new@example.com" || merged.Name != "New Name" || merged.Phone != "555-0100" {
		t.Errorf("newer remote profile fields lost: %+v", merged)
	}
	if !merged.LastModified.Equal(ts(200)) {
		t.Errorf("LastModified = %v, want the max of both sides", merged.LastModified)
	}
	if !pushApproval {
		t.Error("remote lacks the approval fact but no push was requested")
	}
}

func TestMergeApprovalFromRemote(t *testing.T) {
	approvedAt := ts(150)
	local := &types.Collaborator{ID: "col-1", Name: "Local", LastModified: ts(200)}
	rem := &types.Collaborator{
		ID: "col-1", Name: "Remote",
		Approved: true, ApprovedAt: &approvedAt, ApprovedBy: "hq",
		LastModified: ts(100),
	}

	merged, pushApproval := Merge(local, rem, zerolog.Nop())
	if !merged.Approved {
		t.Fatal("remote approval not adopted")
	}
	if merged.ApprovedBy != "hq" {
		t.Errorf("ApprovedBy = %q, want hq", merged.ApprovedBy)
	}
	if merged.Name != "Local" {
		t.Errorf("Name = %q, want the newer local value", merged.Name)
	}
	if pushApproval {
		t.Error("push requested although the remote already holds the approval")
	}
}

func TestMergeBothApprovedLocalMetadataWins(t *testing.T) {
	localAt, remAt := ts(50), ts(60)
	local := &types.Collaborator{ID: "c", Approved: true, ApprovedAt: &localAt, ApprovedBy: "local-ops", LastModified: ts(1)}
	rem := &types.Collaborator{ID: "c", Approved: true, ApprovedAt: &remAt, ApprovedBy: "remote-ops", LastModified: ts(2)}

	merged, pushApproval := Merge(local, rem, zerolog.Nop())
	if merged.ApprovedBy != "local-ops" || !merged.ApprovedAt.Equal(localAt) {
		t.Errorf("both approved: metadata = by %q at %v, want local's", merged.ApprovedBy, merged.ApprovedAt)
	}
	if pushApproval {
		t.Error("push requested although both sides hold the approval")
	}
}

func TestMergeTimestampTiePrefersLocal(t *testing.T) {
	local := &types.Collaborator{ID: "c", Name: "Local", LastModified: ts(100)}
	rem := &types.Collaborator{ID: "c", Name: "Remote", LastModified: ts(100)}

	merged, _ := Merge(local, rem, zerolog.Nop())
	if merged.Name != "Local" {
		t.Errorf("tie resolved to %q, want the deterministic local default", merged.Name)
	}
}

func TestMergeCreatedAtKeepsEarliest(t *testing.T) {
	local := &types.Collaborator{ID: "c", CreatedAt: ts(500), LastModified: ts(1)}
	rem := &types.Collaborator{ID: "c", CreatedAt: ts(300), LastModified: ts(2)}

	merged, _ := Merge(local, rem, zerolog.Nop())
	if !merged.CreatedAt.Equal(ts(300)) {
		t.Errorf("CreatedAt = %v, want the earliest non-zero value", merged.CreatedAt)
	}

	// A zero created_at on one side must not zero the merge.
	rem.CreatedAt = time.Time{}
	merged, _ = Merge(local, rem, zerolog.Nop())
	if !merged.CreatedAt.Equal(ts(500)) {
		t.Errorf("CreatedAt = %v, zero value adopted", merged.CreatedAt)
	}
}

func TestMergeIsIdempotent(t *testing.T) {
	approvedAt := ts(10)
	local := &types.Collaborator{
		ID: "c", Email: "a@b.c", Name: "A",
		Approved: true, ApprovedAt: &approvedAt, ApprovedBy: "ops",
		LastModified: ts(100), CreatedAt: ts(5),
	}
	rem := &types.Collaborator{
		ID: "c", Email: "a@b.c", Name: "B",
		LastModified: ts(200), CreatedAt: ts(5),
	}

	once, _ := Merge(local, rem, zerolog.Nop())
	twice, _ := Merge(once, rem, zerolog.Nop())
	if *once != *twice {
		t.Errorf("merge not idempotent:\n once: %+v\ntwice: %+v", once, twice)
	}
}
