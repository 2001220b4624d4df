package users

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-access/internal/identity"
	"github.com/odyssey-erp/odyssey-access/internal/platform/db"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ identity.Repository = (*Repository)(nil)

const userColumns = `id, organization_id, portal_type, name, email, role, role_name, role_id, updated_at`

// Get loads a user by id.
func (r *Repository) Get(ctx context.Context, id string) (User, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	u, err := scanUser(row)
	if err != nil {
		return User{}, mapErr("get user", err)
	}
	return u, nil
}

// FindIdentity selects exactly the fields an access decision needs.
func (r *Repository) FindIdentity(ctx context.Context, id string) (identity.Identity, error) {
	var (
		out    identity.Identity
		portal string
	)
	err := r.pool.QueryRow(ctx,
		`SELECT id, organization_id, portal_type, role FROM users WHERE id = $1`, id,
	).Scan(&out.UserID, &out.OrganizationID, &portal, &out.Role)
	if err != nil {
		return identity.Identity{}, mapErr("find identity", err)
	}
	out.Portal = shared.Portal(portal)
	return out, nil
}

// UpdateRoleFields rewrites the denormalized role copy of a user.
func (r *Repository) UpdateRoleFields(ctx context.Context, id string, fields RoleFields) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE users SET role = $2, role_name = $3, role_id = $4, updated_at = now() WHERE id = $1`,
		id, fields.Role, fields.RoleName, fields.RoleID,
	)
	if err != nil {
		return mapErr("update role fields", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("users: update role fields %s: %w", id, shared.ErrNotFound)
	}
	return nil
}

// ListByOrganization returns the users of an organization, optionally
// restricted to one portal, ordered by name.
func (r *Repository) ListByOrganization(ctx context.Context, organizationID string, portal shared.Portal) ([]User, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+userColumns+` FROM users
		WHERE organization_id = $1 AND ($2 = '' OR portal_type = $2)
		ORDER BY name, id`, organizationID, string(portal))
	if err != nil {
		return nil, mapErr("list users", err)
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, mapErr("scan user", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("list users", err)
	}
	return out, nil
}

// Upsert inserts or refreshes a user record.
func (r *Repository) Upsert(ctx context.Context, u User) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO users (id, organization_id, portal_type, name, email, role, role_name, role_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			organization_id = EXCLUDED.organization_id,
			portal_type = EXCLUDED.portal_type,
			name = EXCLUDED.name,
			email = EXCLUDED.email,
			updated_at = now()`,
		u.ID, u.OrganizationID, string(u.Portal), u.Name, u.Email, u.Role, u.RoleName, u.RoleID)
	if err != nil {
		return mapErr("upsert user", err)
	}
	return nil
}

func scanUser(row pgx.Row) (User, error) {
	var (
		u      User
		portal string
	)
	if err := row.Scan(&u.ID, &u.OrganizationID, &portal, &u.Name, &u.Email, &u.Role, &u.RoleName, &u.RoleID, &u.UpdatedAt); err != nil {
		return User{}, err
	}
	u.Portal = shared.Portal(portal)
	return u, nil
}

func mapErr(op string, err error) error {
	switch {
	case db.IsNoRows(err):
		return fmt.Errorf("users: %s: %w", op, shared.ErrNotFound)
	case db.IsUniqueViolation(err):
		return fmt.Errorf("users: %s: %w", op, shared.ErrConflict)
	default:
		return fmt.Errorf("users: %s: %w: %v", op, shared.ErrStoreUnavailable, err)
	}
}
