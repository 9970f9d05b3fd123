package rbac

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Action is the operation a permission grants.
type Action string

// Supported actions. ActionAny is only treated as a wildcard when the evaluator runs
// with Options.WildcardActions.
const (
	ActionCreate Action = "create"
	ActionRead   Action = "read"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionAny    Action = "*"
)

// Scope is the breadth of records a permission covers: all ⊇ team ⊇ own.
type Scope string

// Supported scopes.
const (
	ScopeOwn  Scope = "own"
	ScopeTeam Scope = "team"
	ScopeAll  Scope = "all"
)

func (s Scope) rank() int {
	switch s {
	case ScopeOwn:
		return 1
	case ScopeTeam:
		return 2
	case ScopeAll:
		return 3
	default:
		return 0
	}
}

// Includes reports whether s covers other in the scope hierarchy.
func (s Scope) Includes(other Scope) bool {
	return s.rank() > 0 && other.rank() > 0 && s.rank() >= other.rank()
}

// Permission is an immutable capability descriptor. Condition is an optional CEL
// expression over `subject` and `resource`.
type Permission struct {
	Resource  string `json:"resource" yaml:"resource" validate:"required"`
	Action    Action `json:"action" yaml:"action" validate:"required,oneof=create read update delete *"`
	Scope     Scope  `json:"scope" yaml:"scope" validate:"required,oneof=own team all"`
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// String renders resource:action:scope.
func (p Permission) String() string {
	return p.Resource + ":" + string(p.Action) + ":" + string(p.Scope)
}

// ParsePermission parses the resource:action:scope form produced by String.
func ParsePermission(s string) (Permission, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 {
		return Permission{}, fmt.Errorf("%w: %q is not resource:action:scope", ErrInvalidPermission, s)
	}
	p := Permission{Resource: parts[0], Action: Action(parts[1]), Scope: Scope(parts[2])}
	if err := p.Validate(); err != nil {
		return Permission{}, err
	}
	return p, nil
}

// Validate checks the enum values and the resource name.
func (p Permission) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("%w %s: %v", ErrInvalidPermission, p, err)
	}
	return nil
}

// Role is a named bundle of permissions that may inherit other roles by name.
type Role struct {
	Name        string       `json:"name" yaml:"name" validate:"required"`
	Description string       `json:"description,omitempty" yaml:"description,omitempty"`
	Permissions []Permission `json:"permissions" yaml:"permissions" validate:"dive"`
	Inherits    []string     `json:"inherits,omitempty" yaml:"inherits,omitempty" validate:"dive,required"`
}

// User is the authenticated principal. Roles are already resolved Role values.
type User struct {
	ID         string
	Team       string
	Attributes map[string]any
	Roles      []*Role
}

// RoleNames lists the names of the roles the user holds.
func (u *User) RoleNames() []string {
	if u == nil {
		return nil
	}
	names := make([]string, 0, len(u.Roles))
	for _, r := range u.Roles {
		if r != nil {
			names = append(names, r.Name)
		}
	}
	return names
}

// subject renders the principal for condition evaluation.
func (u *User) subject() map[string]any {
	out := make(map[string]any, len(u.Attributes)+3)
	for k, v := range u.Attributes {
		out[k] = v
	}
	out["id"] = u.ID
	out["team"] = u.Team
	out["roles"] = u.RoleNames()
	return out
}

// Target carries the attributes of the concrete record a request acts on.
type Target map[string]any

// Decision explains the outcome of a permission check.
type Decision struct {
	Allowed    bool       `json:"allowed"`
	Role       string     `json:"role,omitempty"`
	Permission Permission `json:"permission"`
	Reason     string     `json:"reason"`
}

var (
	// ErrInvalidPermission reports a malformed permission descriptor.
	ErrInvalidPermission = errors.New("rbac: invalid permission")
	// ErrInvalidRole reports a malformed role definition.
	ErrInvalidRole = errors.New("rbac: invalid role")
	// ErrDuplicateRole reports two roles sharing a name.
	ErrDuplicateRole = errors.New("rbac: duplicate role")
	// ErrUnknownRole reports a reference to a role that was never declared.
	ErrUnknownRole = errors.New("rbac: unknown role")
	// ErrRoleCycle reports a role that inherits itself directly or transitively.
	ErrRoleCycle = errors.New("rbac: role inheritance cycle")
	// ErrInvalidCondition reports a condition that does not compile to a boolean.
	ErrInvalidCondition = errors.New("rbac: invalid condition")
)

var validate = validator.New()
