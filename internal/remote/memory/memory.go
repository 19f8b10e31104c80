// Package memory is an in-process remote.Store used by tests and offline
// development. It mimics the contract of the real backend: merge semantics
// for partial updates and a server-assigned write timestamp on every write.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tidewater/fieldsync/internal/remote"
	"github.com/tidewater/fieldsync/internal/types"
)

// Verify Store implements remote.Store at compile time
var _ remote.Store = (*Store)(nil)

// Store is an in-memory remote store.
//
// FailWith makes every subsequent call return the given error, simulating an
// outage; Clock lets tests control the server timestamp.
type Store struct {
	mu            sync.Mutex
	collaborators map[string]*types.Collaborator
	clients       map[string]*types.Client
	visits        map[string]*types.Visit
	failErr       error
	clock         func() time.Time

	// Calls counts remote operations, for asserting that a breaker or
	// limiter actually short-circuited the network.
	Calls int
}

// New creates an empty in-memory remote store.
func New() *Store {
	return &Store{
		collaborators: make(map[string]*types.Collaborator),
		clients:       make(map[string]*types.Client),
		visits:        make(map[string]*types.Visit),
		clock:         func() time.Time { return time.Now().UTC() },
	}
}

// FailWith makes all subsequent operations fail with err. Pass nil to heal.
func (s *Store) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

// SetClock overrides the server clock used for write timestamps.
func (s *Store) SetClock(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = fn
}

func (s *Store) check(ctx context.Context) error {
	s.Calls++
	if s.failErr != nil {
		return s.failErr
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", remote.ErrUnavailable, err)
	}
	return nil
}

// SeedCollaborator installs a collaborator without bumping the write
// timestamp, for test setup.
func (s *Store) SeedCollaborator(c *types.Collaborator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.collaborators[c.ID] = &cp
}

// GetCollaborator fetches a collaborator by identity.
func (s *Store) GetCollaborator(ctx context.Context, id string) (*types.Collaborator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	c, ok := s.collaborators[id]
	if !ok {
		return nil, remote.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// SetCollaborator writes the full collaborator record, stamping last_modified.
func (s *Store) SetCollaborator(ctx context.Context, c *types.Collaborator) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	cp := *c
	cp.LastModified = s.clock()
	s.collaborators[c.ID] = &cp
	return nil
}

// MergeCollaborator applies a partial field update. Only the approval fields
// are understood, which is all the engine ever patches.
func (s *Store) MergeCollaborator(ctx context.Context, id string, patch map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	c, ok := s.collaborators[id]
	if !ok {
		return remote.ErrNotFound
	}
	if v, ok := patch["approved"].(bool); ok {
		c.Approved = v
	}
	if v, ok := patch["approved_by"].(string); ok {
		c.ApprovedBy = v
	}
	if v, ok := patch["approved_at"].(*time.Time); ok {
		c.ApprovedAt = v
	}
	c.LastModified = s.clock()
	return nil
}

// GetClient fetches a client by identity.
func (s *Store) GetClient(ctx context.Context, id string) (*types.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	c, ok := s.clients[id]
	if !ok {
		return nil, remote.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// SetClient writes the full client record.
func (s *Store) SetClient(ctx context.Context, c *types.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	cp := *c
	cp.LastModified = s.clock()
	s.clients[c.ID] = &cp
	return nil
}

// CreateVisit creates a visit; a duplicate id is a terminal rejection.
func (s *Store) CreateVisit(ctx context.Context, v *types.Visit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	if _, ok := s.visits[v.ID]; ok {
		return fmt.Errorf("%w: visit %s already exists", remote.ErrRejected, v.ID)
	}
	cp := *v
	s.visits[v.ID] = &cp
	return nil
}

// Visit returns a stored visit, for test assertions.
func (s *Store) Visit(id string) (*types.Visit, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.visits[id]
	if !ok {
		return nil, false
	}
	cp := *v
	return &cp, true
}

// Close is a no-op.
func (s *Store) Close() error { return nil }
