package rbac

import (
	"fmt"
	"strings"
)

// Registry holds the process-wide role configuration. It is built once and is
// read-only afterwards, so it needs no locking.
type Registry struct {
	roles      map[string]*Role
	order      []string
	effective  map[string][]Permission
	ancestors  map[string][]string
	conditions *conditionEngine
}

// NewRegistry validates defs and precomputes every role's effective permission set
// (its own permissions followed by those of all transitive ancestors). It fails on
// malformed roles, duplicate names, unknown parents, inheritance cycles and
// conditions that do not compile.
func NewRegistry(defs []Role) (*Registry, error) {
	engine, err := newConditionEngine()
	if err != nil {
		return nil, err
	}
	reg := &Registry{
		roles:      make(map[string]*Role, len(defs)),
		order:      make([]string, 0, len(defs)),
		effective:  make(map[string][]Permission, len(defs)),
		ancestors:  make(map[string][]string, len(defs)),
		conditions: engine,
	}

	for i := range defs {
		role := cloneRole(defs[i])
		role.Name = strings.TrimSpace(role.Name)
		if err := validate.Struct(role); err != nil {
			return nil, fmt.Errorf("%w %q: %v", ErrInvalidRole, role.Name, err)
		}
		if _, dup := reg.roles[role.Name]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateRole, role.Name)
		}
		for _, p := range role.Permissions {
			if p.Condition == "" {
				continue
			}
			if _, err := engine.compile(p.Condition); err != nil {
				return nil, fmt.Errorf("role %q: %w", role.Name, err)
			}
		}
		reg.roles[role.Name] = role
		reg.order = append(reg.order, role.Name)
	}

	for _, name := range reg.order {
		for _, parent := range reg.roles[name].Inherits {
			if _, ok := reg.roles[parent]; !ok {
				return nil, fmt.Errorf("%w: %q inherits %q", ErrUnknownRole, name, parent)
			}
		}
	}

	if err := reg.flatten(); err != nil {
		return nil, err
	}
	return reg, nil
}

const (
	unvisited = iota
	visiting
	done
)

// flatten walks the inheritance graph depth first, so every parent is resolved
// before its children. A role seen while still on the stack closes a cycle.
func (reg *Registry) flatten() error {
	state := make(map[string]int, len(reg.roles))
	var stack []string

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			start := 0
			for i, n := range stack {
				if n == name {
					start = i
					break
				}
			}
			path := append(append([]string{}, stack[start:]...), name)
			return fmt.Errorf("%w: %s", ErrRoleCycle, strings.Join(path, " -> "))
		}

		state[name] = visiting
		stack = append(stack, name)

		role := reg.roles[name]
		perms := make([]Permission, 0, len(role.Permissions))
		seenPerm := make(map[Permission]struct{})
		var ancestors []string
		seenRole := make(map[string]struct{})

		add := func(ps []Permission) {
			for _, p := range ps {
				if _, ok := seenPerm[p]; ok {
					continue
				}
				seenPerm[p] = struct{}{}
				perms = append(perms, p)
			}
		}
		add(role.Permissions)

		for _, parent := range role.Inherits {
			if err := visit(parent); err != nil {
				return err
			}
			add(reg.effective[parent])
			for _, a := range append([]string{parent}, reg.ancestors[parent]...) {
				if _, ok := seenRole[a]; ok {
					continue
				}
				seenRole[a] = struct{}{}
				ancestors = append(ancestors, a)
			}
		}

		reg.effective[name] = perms
		reg.ancestors[name] = ancestors
		stack = stack[:len(stack)-1]
		state[name] = done
		return nil
	}

	for _, name := range reg.order {
		if err := visit(name); err != nil {
			return err
		}
	}
	return nil
}

// Role returns the registered role with the given name.
func (reg *Registry) Role(name string) (*Role, bool) {
	if reg == nil {
		return nil, false
	}
	r, ok := reg.roles[name]
	return r, ok
}

// Roles returns all roles in declaration order.
func (reg *Registry) Roles() []*Role {
	if reg == nil {
		return nil
	}
	out := make([]*Role, 0, len(reg.order))
	for _, name := range reg.order {
		out = append(out, reg.roles[name])
	}
	return out
}

// Resolve maps role names to registered roles. Unknown names are returned
// separately so callers can log them; they grant nothing.
func (reg *Registry) Resolve(names []string) (roles []*Role, unknown []string) {
	for _, name := range names {
		if r, ok := reg.Role(name); ok {
			roles = append(roles, r)
			continue
		}
		unknown = append(unknown, name)
	}
	return roles, unknown
}

// EffectivePermissions returns the flattened permission set of a registered role.
func (reg *Registry) EffectivePermissions(name string) ([]Permission, bool) {
	if reg == nil {
		return nil, false
	}
	perms, ok := reg.effective[name]
	if !ok {
		return nil, false
	}
	return append([]Permission(nil), perms...), true
}

// Ancestors returns every role the named role inherits from, nearest first.
func (reg *Registry) Ancestors(name string) []string {
	if reg == nil {
		return nil
	}
	return append([]string(nil), reg.ancestors[name]...)
}

func cloneRole(r Role) *Role {
	out := r
	out.Permissions = append([]Permission(nil), r.Permissions...)
	out.Inherits = append([]string(nil), r.Inherits...)
	return &out
}
