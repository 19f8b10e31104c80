// Package surreal implements the remote.Store contract against SurrealDB.
//
// Records are addressed as "table:⟨id⟩"; writes use CHANGE (merge) semantics
// so unspecified fields are never overwritten, and the server stamps
// last_modified on every write.
package surreal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	surrealdb "github.com/surrealdb/surrealdb.go"

	"github.com/tidewater/fieldsync/internal/remote"
	"github.com/tidewater/fieldsync/internal/types"
)

// Verify Store implements remote.Store at compile time
var _ remote.Store = (*Store)(nil)

const (
	collaboratorTable = "collaborator"
	clientTable       = "client"
	visitTable        = "visit"
)

// Config holds the SurrealDB connection parameters.
type Config struct {
	URL       string // websocket endpoint, e.g. ws://localhost:8000/rpc
	Namespace string
	Database  string
	User      string
	Pass      string
}

// Store is a SurrealDB-backed remote store.
type Store struct {
	db *surrealdb.DB
}

// New connects and authenticates against SurrealDB.
func New(cfg Config) (*Store, error) {
	db, err := surrealdb.New(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("surreal: connect %s: %w", cfg.URL, err)
	}
	if _, err := db.Signin(map[string]any{"user": cfg.User, "pass": cfg.Pass}); err != nil {
		db.Close()
		return nil, fmt.Errorf("surreal: signin: %w", err)
	}
	if _, err := db.Use(cfg.Namespace, cfg.Database); err != nil {
		db.Close()
		return nil, fmt.Errorf("surreal: use %s/%s: %w", cfg.Namespace, cfg.Database, err)
	}
	return &Store{db: db}, nil
}

// Close tears down the websocket connection.
func (s *Store) Close() error {
	s.db.Close()
	return nil
}

// thing builds a SurrealDB record id. UUIDs contain hyphens, which Surreal
// treats as syntax unless the id is bracket-escaped.
func thing(table, id string) string {
	return fmt.Sprintf("%s:⟨%s⟩", table, id)
}

// classify maps client errors onto the remote error taxonomy. The client
// surfaces a missing record as a PermissionError; everything else coming out
// of the websocket is treated as transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var perm surrealdb.PermissionError
	if errors.As(err, &perm) {
		return remote.ErrNotFound
	}
	return fmt.Errorf("%w: %w", remote.ErrUnavailable, err)
}

// decode round-trips the client's dynamic result into a typed record.
func decode(res any, out any) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("%w: encode result: %w", remote.ErrRejected, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode result: %w", remote.ErrRejected, err)
	}
	return nil
}

// asMap converts a record to the map form the client sends. The json tags on
// the struct define the remote field names.
func asMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: encode record: %w", remote.ErrRejected, err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: encode record: %w", remote.ErrRejected, err)
	}
	// The record id is carried in the address, not the body, and the write
	// timestamp is server-assigned (DEFINE FIELD last_modified ... VALUE
	// time::now() on each table), so neither is sent.
	delete(m, "id")
	delete(m, "last_modified")
	return m, nil
}

func (s *Store) get(ctx context.Context, table, id string, out any) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", remote.ErrUnavailable, err)
	}
	res, err := s.db.Select(thing(table, id))
	if err != nil {
		return classify(err)
	}
	if res == nil {
		return remote.ErrNotFound
	}
	return decode(res, out)
}

func (s *Store) merge(ctx context.Context, table, id string, patch map[string]any) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", remote.ErrUnavailable, err)
	}
	if _, err := s.db.Change(thing(table, id), patch); err != nil {
		return classify(err)
	}
	return nil
}

// GetCollaborator fetches a collaborator by identity.
func (s *Store) GetCollaborator(ctx context.Context, id string) (*types.Collaborator, error) {
	var c types.Collaborator
	if err := s.get(ctx, collaboratorTable, id, &c); err != nil {
		return nil, err
	}
	c.ID = id
	return &c, nil
}

// SetCollaborator writes the full collaborator record via merge so any
// remote-only fields survive.
func (s *Store) SetCollaborator(ctx context.Context, c *types.Collaborator) error {
	m, err := asMap(c)
	if err != nil {
		return err
	}
	return s.merge(ctx, collaboratorTable, c.ID, m)
}

// MergeCollaborator applies a partial field update; unspecified fields are
// left untouched. Used for the idempotent approval push.
func (s *Store) MergeCollaborator(ctx context.Context, id string, patch map[string]any) error {
	return s.merge(ctx, collaboratorTable, id, patch)
}

// GetClient fetches a client by identity.
func (s *Store) GetClient(ctx context.Context, id string) (*types.Client, error) {
	var c types.Client
	if err := s.get(ctx, clientTable, id, &c); err != nil {
		return nil, err
	}
	c.ID = id
	return &c, nil
}

// SetClient writes the full client record.
func (s *Store) SetClient(ctx context.Context, c *types.Client) error {
	m, err := asMap(c)
	if err != nil {
		return err
	}
	return s.merge(ctx, clientTable, c.ID, m)
}

// CreateVisit creates a visit record. Visits are immutable once written, so
// creation uses CREATE rather than merge; a duplicate id is a terminal
// rejection, not a transient failure.
func (s *Store) CreateVisit(ctx context.Context, v *types.Visit) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", remote.ErrUnavailable, err)
	}
	m, err := asMap(v)
	if err != nil {
		return err
	}
	if _, err := s.db.Create(thing(visitTable, v.ID), m); err != nil {
		if isExistsError(err) {
			return fmt.Errorf("%w: visit %s already exists", remote.ErrRejected, v.ID)
		}
		return classify(err)
	}
	return nil
}

func isExistsError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already exists")
}
