package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopdesk/gate/internal/rbac"
)

// RoleLoader is satisfied by *rbac.RoleRepository.
type RoleLoader interface {
	LoadRoles(ctx context.Context) ([]rbac.Role, error)
}

// LoadEvaluator reads roles from the configured source, registers them and
// returns an evaluator with the configured extensions. The repository is only
// consulted when ROLES_SOURCE=postgres.
func LoadEvaluator(ctx context.Context, cfg *Config, repo RoleLoader) (*rbac.Evaluator, error) {
	var (
		defs []rbac.Role
		err  error
	)
	switch cfg.RolesSource {
	case RolesFromPostgres:
		if repo == nil {
			return nil, errors.New("app: postgres role source without repository")
		}
		defs, err = repo.LoadRoles(ctx)
	default:
		defs, err = rbac.LoadFile(cfg.RolesFile)
	}
	if err != nil {
		return nil, fmt.Errorf("app: load roles: %w", err)
	}
	if len(defs) == 0 {
		return nil, fmt.Errorf("app: no roles defined in %s source", cfg.RolesSource)
	}
	reg, err := rbac.NewRegistry(defs)
	if err != nil {
		return nil, fmt.Errorf("app: register roles: %w", err)
	}
	return rbac.NewEvaluator(reg, cfg.RBACOptions()), nil
}
