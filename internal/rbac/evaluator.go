package rbac

import "fmt"

// Options enables evaluator extensions. The zero value is the literal behaviour:
// exact resource, action and scope equality over each held role's own permissions.
type Options struct {
	// ResolveInheritance matches against each role's effective permissions,
	// including everything inherited from ancestor roles.
	ResolveInheritance bool `json:"resolveInheritance"`
	// WildcardActions lets a granted "*" action match any required action.
	WildcardActions bool `json:"wildcardActions"`
	// ScopeHierarchy lets a granted scope satisfy any narrower required scope.
	ScopeHierarchy bool `json:"scopeHierarchy"`
	// EvaluateConditions requires a matched permission's condition to hold for the
	// principal and target before it grants.
	EvaluateConditions bool `json:"evaluateConditions"`
}

// Evaluator answers permission checks. It mutates no shared state and is safe for
// concurrent use.
type Evaluator struct {
	registry *Registry
	opts     Options
}

// NewEvaluator builds an evaluator over the registry.
func NewEvaluator(registry *Registry, opts Options) *Evaluator {
	return &Evaluator{registry: registry, opts: opts}
}

// Options returns the enabled extensions.
func (e *Evaluator) Options() Options {
	return e.opts
}

// Registry returns the role configuration the evaluator reads.
func (e *Evaluator) Registry() *Registry {
	return e.registry
}

// HasPermission reports whether any of the user's roles grants required.
func (e *Evaluator) HasPermission(user *User, required Permission) bool {
	return e.Check(user, required, nil).Allowed
}

// HasPermissionOn is HasPermission for a concrete target record, used when
// conditions are evaluated.
func (e *Evaluator) HasPermissionOn(user *User, required Permission, target Target) bool {
	return e.Check(user, required, target).Allowed
}

// Check evaluates required for user and explains the outcome. Denial is a normal
// result, never an error.
func (e *Evaluator) Check(user *User, required Permission, target Target) Decision {
	decision := Decision{Permission: required}
	if user == nil || len(user.Roles) == 0 {
		decision.Reason = "principal holds no roles"
		return decision
	}

	var subject map[string]any
	conditionFailed := ""
	for _, role := range user.Roles {
		if role == nil {
			continue
		}
		for _, granted := range e.permissionsOf(role) {
			if !e.matches(granted, required) {
				continue
			}
			if e.opts.EvaluateConditions && granted.Condition != "" {
				if subject == nil {
					subject = user.subject()
				}
				ok, err := e.conditionHolds(granted.Condition, subject, target)
				if err != nil {
					conditionFailed = fmt.Sprintf("condition on %s in role %q failed: %v", granted, role.Name, err)
					continue
				}
				if !ok {
					conditionFailed = fmt.Sprintf("condition on %s in role %q is false", granted, role.Name)
					continue
				}
			}
			decision.Allowed = true
			decision.Role = role.Name
			decision.Permission = granted
			decision.Reason = fmt.Sprintf("granted by %s in role %q", granted, role.Name)
			return decision
		}
	}

	if conditionFailed != "" {
		decision.Reason = conditionFailed
	} else {
		decision.Reason = fmt.Sprintf("no role grants %s", required)
	}
	return decision
}

func (e *Evaluator) permissionsOf(role *Role) []Permission {
	if e.opts.ResolveInheritance && e.registry != nil {
		if perms, ok := e.registry.effective[role.Name]; ok {
			return perms
		}
	}
	return role.Permissions
}

func (e *Evaluator) matches(granted, required Permission) bool {
	if granted.Resource != required.Resource {
		return false
	}
	if granted.Action != required.Action {
		if !e.opts.WildcardActions || granted.Action != ActionAny {
			return false
		}
	}
	if granted.Scope != required.Scope {
		if !e.opts.ScopeHierarchy || !granted.Scope.Includes(required.Scope) {
			return false
		}
	}
	return true
}

func (e *Evaluator) conditionHolds(expr string, subject map[string]any, target Target) (bool, error) {
	if e.registry == nil || e.registry.conditions == nil {
		return false, fmt.Errorf("%w: no condition engine", ErrInvalidCondition)
	}
	return e.registry.conditions.eval(expr, subject, target)
}
