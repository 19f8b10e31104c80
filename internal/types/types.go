// Package types defines core data structures for the fieldsync engine.
package types

import (
	"time"
)

// OpStatus represents the lifecycle state of a pending operation.
type OpStatus string

const (
	// OpPending means the operation has not yet been confirmed remotely
	OpPending OpStatus = "pending"
	// OpCompleted means the remote write was acknowledged
	OpCompleted OpStatus = "completed"
	// OpFailed means the retry budget was exhausted or the remote
	// rejected the operation as invalid
	OpFailed OpStatus = "failed"
)

// Valid reports whether s is a known operation status.
func (s OpStatus) Valid() bool {
	switch s {
	case OpPending, OpCompleted, OpFailed:
		return true
	}
	return false
}

// Terminal reports whether the status is a terminal state.
// Terminal operations are never re-queued.
func (s OpStatus) Terminal() bool {
	return s == OpCompleted || s == OpFailed
}

// PendingOperation is one not-yet-confirmed mutation in the durable queue.
//
// Operations are drained in EnqueuedAt order within the same EntityType
// partition. Payload holds the JSON-encoded OperationPayload envelope
// (see payload.go).
type PendingOperation struct {
	ID         int64      `json:"id"`
	EntityType EntityType `json:"entity_type"`
	Payload    []byte     `json:"payload"`
	Status     OpStatus   `json:"status"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
	Attempts   int        `json:"attempts"`
	LastError  string     `json:"last_error,omitempty"`
}

// Collaborator is the principal record: a field-team member whose approval
// flag is monotonic. Once Approved is observed true on either store it must
// never be observed false again across merges.
type Collaborator struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	Name         string     `json:"name"`
	Phone        string     `json:"phone,omitempty"`
	Role         string     `json:"role,omitempty"`
	Approved     bool       `json:"approved"`
	ApprovedAt   *time.Time `json:"approved_at,omitempty"`
	ApprovedBy   string     `json:"approved_by,omitempty"`
	LastModified time.Time  `json:"last_modified"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Client is a customer on a field route. It is a parent entity: visits
// reference it by foreign key, and resyncing a client from the remote store
// must never cascade onto its visits.
type Client struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Address      string    `json:"address,omitempty"`
	RouteDay     string    `json:"route_day,omitempty"`
	LastModified time.Time `json:"last_modified"`
}

// Visit is a dependent record: one field visit to a client.
type Visit struct {
	ID        string    `json:"id"`
	ClientID  string    `json:"client_id"`
	Amount    int64     `json:"amount"` // cents
	Note      string    `json:"note,omitempty"`
	VisitedAt time.Time `json:"visited_at"`
}

// QueueStats is a read-only snapshot of queue depth for diagnostics.
type QueueStats struct {
	Pending       int       `json:"pending"`
	Completed     int       `json:"completed"`
	Failed        int       `json:"failed"`
	OldestPending time.Time `json:"oldest_pending,omitempty"`
}
