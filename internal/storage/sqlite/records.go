package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tidewater/fieldsync/internal/storage"
	"github.com/tidewater/fieldsync/internal/types"
)

// The upsert gateway: insert-if-absent, else update-in-place.
//
// A destructive "replace" write (INSERT OR REPLACE) deletes the existing row
// and reinserts it, which fires the ON DELETE CASCADE on dependent rows.
// Every write below goes through INSERT ... ON CONFLICT DO NOTHING followed
// by an in-place UPDATE, so dependents survive parent resynchronization.

func upsertCollaborator(ctx context.Context, q execer, c *types.Collaborator) (string, error) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO collaborators (id, email, name, phone, role, approved, approved_at, approved_by, last_modified, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		c.ID, c.Email, c.Name, c.Phone, c.Role, boolToInt(c.Approved),
		timePtrArg(c.ApprovedAt), c.ApprovedBy, c.LastModified, c.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("insert collaborator %s: %w", c.ID, err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("insert collaborator %s: rows affected: %w", c.ID, err)
	}
	if inserted > 0 {
		return c.ID, nil
	}

	_, err = q.ExecContext(ctx, `
		UPDATE collaborators
		SET email = ?, name = ?, phone = ?, role = ?, approved = ?,
		    approved_at = ?, approved_by = ?, last_modified = ?
		WHERE id = ?`,
		c.Email, c.Name, c.Phone, c.Role, boolToInt(c.Approved),
		timePtrArg(c.ApprovedAt), c.ApprovedBy, c.LastModified, c.ID)
	if err != nil {
		return "", fmt.Errorf("update collaborator %s: %w", c.ID, err)
	}
	return c.ID, nil
}

func upsertClient(ctx context.Context, q execer, c *types.Client) (string, error) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO clients (id, name, address, route_day, last_modified)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		c.ID, c.Name, c.Address, c.RouteDay, c.LastModified)
	if err != nil {
		return "", fmt.Errorf("insert client %s: %w", c.ID, err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("insert client %s: rows affected: %w", c.ID, err)
	}
	if inserted > 0 {
		return c.ID, nil
	}

	_, err = q.ExecContext(ctx, `
		UPDATE clients
		SET name = ?, address = ?, route_day = ?, last_modified = ?
		WHERE id = ?`,
		c.Name, c.Address, c.RouteDay, c.LastModified, c.ID)
	if err != nil {
		return "", fmt.Errorf("update client %s: %w", c.ID, err)
	}
	return c.ID, nil
}

func createVisit(ctx context.Context, q execer, v *types.Visit) (string, error) {
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	if v.VisitedAt.IsZero() {
		v.VisitedAt = time.Now().UTC()
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO visits (id, client_id, amount, note, visited_at)
		VALUES (?, ?, ?, ?, ?)`,
		v.ID, v.ClientID, v.Amount, v.Note, v.VisitedAt)
	if err != nil {
		return "", fmt.Errorf("insert visit %s: %w", v.ID, err)
	}
	return v.ID, nil
}

// UpsertCollaborator writes a collaborator through the upsert gateway and
// returns its identity, minting one for first-ever local creations.
func (s *Store) UpsertCollaborator(ctx context.Context, c *types.Collaborator) (string, error) {
	return upsertCollaborator(ctx, s.db, c)
}

// ReassignCollaboratorID rewrites a collaborator's identity in place. Used
// when a record created locally while offline is matched by email to a
// remote record whose external identity was assigned later.
func (s *Store) ReassignCollaboratorID(ctx context.Context, oldID, newID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE collaborators SET id = ? WHERE id = ?`, newID, oldID)
	if err != nil {
		return fmt.Errorf("reassign collaborator %s -> %s: %w", oldID, newID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// UpsertClient writes a client through the upsert gateway.
func (s *Store) UpsertClient(ctx context.Context, c *types.Client) (string, error) {
	return upsertClient(ctx, s.db, c)
}

// CreateVisit inserts a new visit for a client.
func (s *Store) CreateVisit(ctx context.Context, v *types.Visit) (string, error) {
	return createVisit(ctx, s.db, v)
}

const collaboratorColumns = `id, email, name, phone, role, approved, approved_at, approved_by, last_modified, created_at`

func scanCollaborator(row *sql.Row) (*types.Collaborator, error) {
	var c types.Collaborator
	var approved int
	var approvedAt sql.NullTime
	err := row.Scan(&c.ID, &c.Email, &c.Name, &c.Phone, &c.Role, &approved,
		&approvedAt, &c.ApprovedBy, &c.LastModified, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan collaborator: %w", err)
	}
	c.Approved = approved != 0
	if approvedAt.Valid {
		t := approvedAt.Time.UTC()
		c.ApprovedAt = &t
	}
	c.LastModified = c.LastModified.UTC()
	c.CreatedAt = c.CreatedAt.UTC()
	return &c, nil
}

// GetCollaborator looks up a collaborator by external identity.
func (s *Store) GetCollaborator(ctx context.Context, id string) (*types.Collaborator, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+collaboratorColumns+` FROM collaborators WHERE id = ?`, id)
	return scanCollaborator(row)
}

// GetCollaboratorByEmail looks up a collaborator by the secondary contact
// key. Reconciliation uses this to match a locally created pending record
// against a remote identity assigned later.
func (s *Store) GetCollaboratorByEmail(ctx context.Context, email string) (*types.Collaborator, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+collaboratorColumns+` FROM collaborators WHERE email = ?`, email)
	return scanCollaborator(row)
}

// ListPendingApproval returns collaborators still awaiting approval.
func (s *Store) ListPendingApproval(ctx context.Context) ([]*types.Collaborator, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+collaboratorColumns+` FROM collaborators WHERE approved = 0 ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list pending approval: %w", err)
	}
	defer rows.Close()

	var out []*types.Collaborator
	for rows.Next() {
		var c types.Collaborator
		var approved int
		var approvedAt sql.NullTime
		if err := rows.Scan(&c.ID, &c.Email, &c.Name, &c.Phone, &c.Role, &approved,
			&approvedAt, &c.ApprovedBy, &c.LastModified, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("list pending approval: %w", err)
		}
		c.Approved = approved != 0
		if approvedAt.Valid {
			t := approvedAt.Time.UTC()
			c.ApprovedAt = &t
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// GetClient looks up a client by identity.
func (s *Store) GetClient(ctx context.Context, id string) (*types.Client, error) {
	var c types.Client
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, address, route_day, last_modified FROM clients WHERE id = ?`, id).
		Scan(&c.ID, &c.Name, &c.Address, &c.RouteDay, &c.LastModified)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get client %s: %w", id, err)
	}
	c.LastModified = c.LastModified.UTC()
	return &c, nil
}

// GetVisits returns all visits for a client, oldest first.
func (s *Store) GetVisits(ctx context.Context, clientID string) ([]*types.Visit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, client_id, amount, note, visited_at FROM visits
		WHERE client_id = ? ORDER BY visited_at ASC`, clientID)
	if err != nil {
		return nil, fmt.Errorf("get visits for %s: %w", clientID, err)
	}
	defer rows.Close()

	var out []*types.Visit
	for rows.Next() {
		var v types.Visit
		if err := rows.Scan(&v.ID, &v.ClientID, &v.Amount, &v.Note, &v.VisitedAt); err != nil {
			return nil, fmt.Errorf("scan visit: %w", err)
		}
		v.VisitedAt = v.VisitedAt.UTC()
		out = append(out, &v)
	}
	return out, rows.Err()
}

// MarkForReconcile records a collaborator for deferred re-reconciliation
// after the remote store was unreachable. Idempotent.
func (s *Store) MarkForReconcile(ctx context.Context, collaboratorID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reconcile_retries (collaborator_id, marked_at)
		VALUES (?, ?)
		ON CONFLICT(collaborator_id) DO NOTHING`,
		collaboratorID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark for reconcile %s: %w", collaboratorID, err)
	}
	return nil
}

// TakeReconcileRetries returns and clears the deferred-reconciliation set.
func (s *Store) TakeReconcileRetries(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT collaborator_id FROM reconcile_retries ORDER BY marked_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("reconcile retries: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("reconcile retries: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM reconcile_retries`); err != nil {
			return nil, fmt.Errorf("clear reconcile retries: %w", err)
		}
	}
	return ids, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func timePtrArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
