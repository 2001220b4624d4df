package roles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

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

const roleColumns = `id, key, name, portal_type, permissions, COALESCE(organization_id, ''), is_system`

// Get loads a role by id.
func (r *Repository) Get(ctx context.Context, id string) (Role, error) {
	role, err := scanRole(r.pool.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE id = $1`, id))
	if err != nil {
		return Role{}, mapErr("get role", err)
	}
	return role, nil
}

// ListAssignable returns system roles plus the roles owned by
// organizationID, optionally restricted to one portal.
func (r *Repository) ListAssignable(ctx context.Context, organizationID string, portal shared.Portal) ([]Role, error) {
	return r.list(ctx, `SELECT `+roleColumns+` FROM roles
		WHERE (organization_id IS NULL OR organization_id = $1)
		  AND ($2 = '' OR portal_type = $2)
		ORDER BY portal_type, name`, organizationID, string(portal))
}

// ListSystem returns every system role.
func (r *Repository) ListSystem(ctx context.Context) ([]Role, error) {
	return r.list(ctx, `SELECT `+roleColumns+` FROM roles WHERE is_system ORDER BY portal_type, name`)
}

// Upsert inserts or refreshes a role keyed by its key.
func (r *Repository) Upsert(ctx context.Context, role Role) error {
	var org *string
	if role.OrganizationID != "" {
		org = &role.OrganizationID
	}
	perms := role.Permissions
	if perms == nil {
		perms = []string{}
	}
	_, err := r.pool.Exec(ctx, `INSERT INTO roles (id, key, name, portal_type, permissions, organization_id, is_system)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (key) DO UPDATE SET
			name = EXCLUDED.name,
			permissions = EXCLUDED.permissions,
			updated_at = now()`,
		role.ID, role.Key, role.Name, string(role.Portal), perms, org, role.IsSystem)
	if err != nil {
		return mapErr("upsert role", err)
	}
	return nil
}

func (r *Repository) list(ctx context.Context, query string, args ...any) ([]Role, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapErr("list roles", err)
	}
	defer rows.Close()

	var out []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, mapErr("scan role", err)
		}
		out = append(out, role)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("list roles", err)
	}
	return out, nil
}

func scanRole(row pgx.Row) (Role, error) {
	var (
		role   Role
		portal string
	)
	if err := row.Scan(&role.ID, &role.Key, &role.Name, &portal, &role.Permissions, &role.OrganizationID, &role.IsSystem); err != nil {
		return Role{}, err
	}
	role.Portal = shared.Portal(portal)
	return role, nil
}

func mapErr(op string, err error) error {
	switch {
	case db.IsNoRows(err):
		return fmt.Errorf("roles: %s: %w", op, shared.ErrNotFound)
	case db.IsUniqueViolation(err):
		return fmt.Errorf("roles: %s: %w", op, shared.ErrConflict)
	default:
		return fmt.Errorf("roles: %s: %w: %v", op, shared.ErrStoreUnavailable, err)
	}
}
