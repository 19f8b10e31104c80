package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// EntityType tags which record kind a queued operation mutates. Operations
// within the same entity type drain in FIFO order; different entity types
// may drain concurrently.
type EntityType string

const (
	EntityCollaborator EntityType = "collaborator"
	EntityClient       EntityType = "client"
	EntityVisit        EntityType = "visit"
)

// Valid reports whether e is a known entity type.
func (e EntityType) Valid() bool {
	switch e {
	case EntityCollaborator, EntityClient, EntityVisit:
		return true
	}
	return false
}

// OperationPayload is the tagged union of queued mutations. One variant per
// entity kind so the drainer can switch exhaustively over the decoded value
// instead of handling untyped blobs.
type OperationPayload interface {
	// Kind returns the envelope tag for this variant.
	Kind() PayloadKind
	// Entity returns the queue partition the operation belongs to.
	Entity() EntityType
}

// PayloadKind is the envelope tag discriminating payload variants.
type PayloadKind string

const (
	KindCollaboratorUpsert PayloadKind = "collaborator_upsert"
	KindApprovalPush       PayloadKind = "approval_push"
	KindClientUpsert       PayloadKind = "client_upsert"
	KindVisitCreate        PayloadKind = "visit_create"
)

// CollaboratorUpsert propagates a full collaborator record to the remote store.
type CollaboratorUpsert struct {
	Collaborator Collaborator `json:"collaborator"`
}

func (CollaboratorUpsert) Kind() PayloadKind { return KindCollaboratorUpsert }
func (CollaboratorUpsert) Entity() EntityType { return EntityCollaborator }

// ApprovalPush propagates only the approval fields of a collaborator.
// It is deliberately narrow: the remote write must not touch profile fields,
// so a stale local copy cannot clobber newer remote edits.
type ApprovalPush struct {
	CollaboratorID string     `json:"collaborator_id"`
	Approved       bool       `json:"approved"`
	ApprovedAt     *time.Time `json:"approved_at,omitempty"`
	ApprovedBy     string     `json:"approved_by,omitempty"`
}

func (ApprovalPush) Kind() PayloadKind { return KindApprovalPush }
func (ApprovalPush) Entity() EntityType { return EntityCollaborator }

// ClientUpsert propagates a client record to the remote store.
type ClientUpsert struct {
	Client Client `json:"client"`
}

func (ClientUpsert) Kind() PayloadKind { return KindClientUpsert }
func (ClientUpsert) Entity() EntityType { return EntityClient }

// VisitCreate propagates a new visit to the remote store.
type VisitCreate struct {
	Visit Visit `json:"visit"`
}

func (VisitCreate) Kind() PayloadKind { return KindVisitCreate }
func (VisitCreate) Entity() EntityType { return EntityVisit }

// envelope is the wire form of an OperationPayload.
type envelope struct {
	Kind PayloadKind     `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// EncodePayload serializes a payload variant into its JSON envelope.
func EncodePayload(p OperationPayload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode payload %s: %w", p.Kind(), err)
	}
	return json.Marshal(envelope{Kind: p.Kind(), Data: data})
}

// DecodePayload deserializes a JSON envelope back into its typed variant.
// Unknown kinds are an error: the drainer must never silently skip a
// mutation it does not understand.
func DecodePayload(raw []byte) (OperationPayload, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode payload envelope: %w", err)
	}
	var p OperationPayload
	switch env.Kind {
	case KindCollaboratorUpsert:
		p = &CollaboratorUpsert{}
	case KindApprovalPush:
		p = &ApprovalPush{}
	case KindClientUpsert:
		p = &ClientUpsert{}
	case KindVisitCreate:
		p = &VisitCreate{}
	default:
		return nil, fmt.Errorf("decode payload: unknown kind %q", env.Kind)
	}
	if err := json.Unmarshal(env.Data, p); err != nil {
		return nil, fmt.Errorf("decode payload %s: %w", env.Kind, err)
	}
	return p, nil
}
