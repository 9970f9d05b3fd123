package rbac

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// RoleRepository reads and writes role definitions in the gate_roles table.
type RoleRepository struct {
	db DBTX
}

// NewRoleRepository constructs a RoleRepository.
func NewRoleRepository(db DBTX) *RoleRepository {
	return &RoleRepository{db: db}
}

const listRolesSQL = `SELECT name, description, inherits, permissions FROM gate_roles ORDER BY name`

// LoadRoles returns every stored role definition.
func (r *RoleRepository) LoadRoles(ctx context.Context) ([]Role, error) {
	rows, err := r.db.Query(ctx, listRolesSQL)
	if err != nil {
		return nil, fmt.Errorf("rbac: query roles: %w", err)
	}
	roles, err := pgx.CollectRows(rows, scanRole)
	if err != nil {
		return nil, fmt.Errorf("rbac: scan roles: %w", err)
	}
	return roles, nil
}

func scanRole(row pgx.CollectableRow) (Role, error) {
	var (
		role     Role
		inherits []string
		raw      []byte
	)
	if err := row.Scan(&role.Name, &role.Description, &inherits, &raw); err != nil {
		return Role{}, err
	}
	role.Inherits = inherits
	perms, err := decodePermissions(raw)
	if err != nil {
		return Role{}, fmt.Errorf("role %q: %w", role.Name, err)
	}
	role.Permissions = perms
	return role, nil
}

func decodePermissions(raw []byte) ([]Permission, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var perms []Permission
	if err := json.Unmarshal(raw, &perms); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPermission, err)
	}
	return perms, nil
}

const upsertRoleSQL = `INSERT INTO gate_roles (name, description, inherits, permissions)
VALUES ($1, $2, $3, $4)
ON CONFLICT (name) DO UPDATE SET description = EXCLUDED.description, inherits = EXCLUDED.inherits, permissions = EXCLUDED.permissions`

// SaveRoles upserts the definitions. Callers validate them with NewRegistry first.
func (r *RoleRepository) SaveRoles(ctx context.Context, roles []Role) error {
	for _, role := range roles {
		perms := role.Permissions
		if perms == nil {
			perms = []Permission{}
		}
		raw, err := json.Marshal(perms)
		if err != nil {
			return err
		}
		inherits := role.Inherits
		if inherits == nil {
			inherits = []string{}
		}
		if _, err := r.db.Exec(ctx, upsertRoleSQL, role.Name, role.Description, inherits, raw); err != nil {
			return fmt.Errorf("rbac: save role %q: %w", role.Name, err)
		}
	}
	return nil
}
