package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/shopdesk/gate/internal/rbac"
)

// Exit codes shared by the roles commands.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitProblem = 10
)

// RolesOptions carries the common inputs of the roles commands.
type RolesOptions struct {
	File       string
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

func (o *RolesOptions) defaults() {
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
}

// ValidateSummary is the JSON output of roles validate.
type ValidateSummary struct {
	OK    bool     `json:"ok"`
	File  string   `json:"file"`
	Roles []string `json:"roles,omitempty"`
	Error string   `json:"error,omitempty"`
}

// ValidateCommand loads and registers the role file. It exits with ExitProblem
// when the definitions are rejected.
func ValidateCommand(opts RolesOptions) int {
	opts.defaults()
	summary := ValidateSummary{File: opts.File}
	reg, err := loadRegistry(opts.File)
	if err != nil {
		summary.Error = err.Error()
	} else {
		summary.OK = true
		for _, role := range reg.Roles() {
			summary.Roles = append(summary.Roles, role.Name)
		}
	}

	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(summary); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "roles validate: encode json: %v\n", err)
			return ExitFailure
		}
	} else if summary.OK {
		_, _ = fmt.Fprintf(opts.Stdout, "%s: %d roles OK\n", opts.File, len(summary.Roles))
	} else {
		_, _ = fmt.Fprintf(opts.Stderr, "roles validate: %s\n", summary.Error)
	}
	if !summary.OK {
		return ExitProblem
	}
	return ExitOK
}

// ExplainSummary is the JSON output of roles explain.
type ExplainSummary struct {
	Role      string            `json:"role"`
	Ancestors []string          `json:"ancestors"`
	Own       []rbac.Permission `json:"own"`
	Effective []rbac.Permission `json:"effective"`
}

// ExplainCommand prints a role's own and effective permissions.
func ExplainCommand(opts RolesOptions, role string) int {
	opts.defaults()
	reg, err := loadRegistry(opts.File)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "roles explain: %v\n", err)
		return ExitFailure
	}
	r, ok := reg.Role(role)
	if !ok {
		_, _ = fmt.Fprintf(opts.Stderr, "roles explain: unknown role %q\n", role)
		return ExitFailure
	}
	effective, _ := reg.EffectivePermissions(role)
	summary := ExplainSummary{
		Role:      role,
		Ancestors: append([]string{}, reg.Ancestors(role)...),
		Own:       append([]rbac.Permission{}, r.Permissions...),
		Effective: append([]rbac.Permission{}, effective...),
	}
	if opts.JSONOutput {
		enc := json.NewEncoder(opts.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(summary); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "roles explain: encode json: %v\n", err)
			return ExitFailure
		}
		return ExitOK
	}
	renderExplain(opts.Stdout, summary)
	return ExitOK
}

func renderExplain(w io.Writer, s ExplainSummary) {
	_, _ = fmt.Fprintf(w, "role %s\n", s.Role)
	if len(s.Ancestors) > 0 {
		ancestors := append([]string(nil), s.Ancestors...)
		sort.Strings(ancestors)
		_, _ = fmt.Fprintf(w, "inherits %v\n", ancestors)
	}
	for _, p := range s.Effective {
		line := "  " + p.String()
		if p.Condition != "" {
			line += " when " + p.Condition
		}
		_, _ = fmt.Fprintln(w, line)
	}
}

// CheckOptions configures roles check.
type CheckOptions struct {
	RolesOptions
	Roles      []string
	Permission string
	Subject    map[string]any
	Target     rbac.Target
	Evaluator  rbac.Options
}

// CheckCommand evaluates a permission for a principal holding the given roles and
// prints the decision. It exits with ExitProblem when the permission is denied.
func CheckCommand(opts CheckOptions) int {
	opts.defaults()
	reg, err := loadRegistry(opts.File)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "roles check: %v\n", err)
		return ExitFailure
	}
	required, err := rbac.ParsePermission(opts.Permission)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "roles check: %v\n", err)
		return ExitFailure
	}
	roles, unknown := reg.Resolve(opts.Roles)
	if len(unknown) > 0 {
		_, _ = fmt.Fprintf(opts.Stderr, "roles check: unknown roles %v\n", unknown)
		return ExitFailure
	}
	user := &rbac.User{ID: "cli", Attributes: opts.Subject, Roles: roles}
	if id, ok := opts.Subject["id"].(string); ok {
		user.ID = id
	}
	if team, ok := opts.Subject["team"].(string); ok {
		user.Team = team
	}
	decision := rbac.NewEvaluator(reg, opts.Evaluator).Check(user, required, opts.Target)

	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(decision); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "roles check: encode json: %v\n", err)
			return ExitFailure
		}
	} else {
		verdict := "DENY"
		if decision.Allowed {
			verdict = "ALLOW"
		}
		_, _ = fmt.Fprintf(opts.Stdout, "%s %s: %s\n", verdict, required, decision.Reason)
	}
	if !decision.Allowed {
		return ExitProblem
	}
	return ExitOK
}

func loadRegistry(path string) (*rbac.Registry, error) {
	if path == "" {
		return nil, errors.New("roles file is required")
	}
	defs, err := rbac.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return rbac.NewRegistry(defs)
}
