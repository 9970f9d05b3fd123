package rbac

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleRoles = `
roles:
  - name: catalog_viewer
    description: Read-only catalog access
    permissions:
      - {resource: product, action: read, scope: all}
      - {resource: brand, action: read, scope: all}
  - name: catalog_editor
    inherits: [catalog_viewer]
    permissions:
      - resource: product
        action: update
        scope: team
        condition: resource.team == subject.team
`

func TestParseRoles(t *testing.T) {
	roles, err := ParseRoles([]byte(sampleRoles))
	require.NoError(t, err)
	require.Len(t, roles, 2)

	assert.Equal(t, "catalog_viewer", roles[0].Name)
	assert.Equal(t, "Read-only catalog access", roles[0].Description)
	assert.Equal(t, []Permission{perm("product", ActionRead, ScopeAll), perm("brand", ActionRead, ScopeAll)}, roles[0].Permissions)
	assert.Equal(t, []string{"catalog_viewer"}, roles[1].Inherits)
	assert.Equal(t, "resource.team == subject.team", roles[1].Permissions[0].Condition)

	_, err = NewRegistry(roles)
	require.NoError(t, err)
}

func TestParseRolesRejectsUnknownKeys(t *testing.T) {
	_, err := ParseRoles([]byte("roles:\n  - name: x\n    permisions: []\n"))
	require.Error(t, err)
}

func TestParseRolesEmpty(t *testing.T) {
	roles, err := ParseRoles(nil)
	require.NoError(t, err)
	assert.Empty(t, roles)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleRoles), 0o600))

	roles, err := LoadFile(path)
	require.NoError(t, err)
	assert.Len(t, roles, 2)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestShippedRolesFile(t *testing.T) {
	roles, err := LoadFile(filepath.Join("..", "..", "config", "roles.yaml"))
	require.NoError(t, err)
	reg, err := NewRegistry(roles)
	require.NoError(t, err)
	resolved, unknown := reg.Resolve([]string{"order_clerk"})
	require.Empty(t, unknown)
	clerk := &User{ID: "7", Team: "north", Roles: resolved}
	ev := NewEvaluator(reg, Options{ResolveInheritance: true, WildcardActions: true, ScopeHierarchy: true, EvaluateConditions: true})

	// what an /api route asks for
	assert.False(t, ev.HasPermission(clerk, perm("order", ActionRead, ScopeAll)))
	assert.False(t, ev.HasPermission(clerk, perm("refund", ActionCreate, ScopeAll)))

	// what a check request with scope and target asks for
	assert.True(t, ev.HasPermission(clerk, perm("order", ActionRead, ScopeTeam)))
	assert.True(t, ev.HasPermissionOn(clerk, perm("order", ActionUpdate, ScopeOwn), Target{"assignee": "7"}))
	assert.False(t, ev.HasPermissionOn(clerk, perm("order", ActionUpdate, ScopeOwn), Target{"assignee": "8"}))
	assert.True(t, ev.HasPermissionOn(clerk, perm("refund", ActionCreate, ScopeOwn), Target{"amount": 120}))
	assert.False(t, ev.HasPermissionOn(clerk, perm("refund", ActionCreate, ScopeOwn), Target{"amount": 900}))
}
