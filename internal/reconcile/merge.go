package reconcile

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/tidewater/fieldsync/internal/types"
)

// Merge produces one authoritative collaborator from a local and a remote
// observation of the same logical record.
//
// Policy, field by field:
//   - approved: logical OR; once true on either side it stays true. The
//     field is excluded from the timestamp tiebreak below.
//   - approval metadata (approved_at, approved_by): taken from the side that
//     carries the approval fact; local wins when both do.
//   - non-monotonic fields (email, name, phone, role): the side with the
//     greater last_modified wins as a block. A tie, or two zero timestamps,
//     resolves to local and is logged as a warning.
//   - last_modified: the max of both sides.
//   - created_at: the earliest non-zero value; identity is assigned once.
//
// The second return value reports whether the approval fact is missing on
// the remote side and must be pushed there.
func Merge(local, rem *types.Collaborator, log zerolog.Logger) (*types.Collaborator, bool) {
	merged := &types.Collaborator{ID: local.ID}

	// Monotonic latch.
	merged.Approved = local.Approved || rem.Approved
	switch {
	case local.Approved:
		merged.ApprovedAt = local.ApprovedAt
		merged.ApprovedBy = local.ApprovedBy
	case rem.Approved:
		merged.ApprovedAt = rem.ApprovedAt
		merged.ApprovedBy = rem.ApprovedBy
	}

	// Non-monotonic fields follow the newer side.
	src := local
	switch {
	case rem.LastModified.After(local.LastModified):
		src = rem
	case local.LastModified.After(rem.LastModified):
		src = local
	default:
		// No usable tiebreak: deterministic default, prefer local.
		log.Warn().Str("id", local.ID).
			Time("last_modified", local.LastModified).
			Msg("reconciliation ambiguity: equal last_modified on both sides, preferring local")
	}
	merged.Email = src.Email
	merged.Name = src.Name
	merged.Phone = src.Phone
	merged.Role = src.Role

	merged.LastModified = maxTime(local.LastModified, rem.LastModified)
	merged.CreatedAt = minNonZeroTime(local.CreatedAt, rem.CreatedAt)

	pushApproval := merged.Approved && !rem.Approved
	return merged, pushApproval
}

// maxTime returns the later of two times. Zero times are treated as unset;
// a set time beats an unset time.
func maxTime(t1, t2 time.Time) time.Time {
	if t1.IsZero() {
		return t2
	}
	if t2.IsZero() {
		return t1
	}
	if t1.After(t2) {
		return t1
	}
	return t2
}

// minNonZeroTime returns the earlier of two times, ignoring zero values.
func minNonZeroTime(t1, t2 time.Time) time.Time {
	if t1.IsZero() {
		return t2
	}
	if t2.IsZero() {
		return t1
	}
	if t1.Before(t2) {
		return t1
	}
	return t2
}
