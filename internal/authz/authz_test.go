package authz_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadenza-ai/cadenza/internal/authz"
	"github.com/cadenza-ai/cadenza/internal/model"
)

func newMatrix() *authz.Matrix {
	return authz.NewMatrix(model.DefaultRoles())
}

func TestBlockedToolsDeniedForAllRoles(t *testing.T) {
	m := newMatrix()

	for _, role := range []model.RoleName{model.RoleCoordinator, model.RoleResearcher, model.RoleArchitect} {
		for _, tool := range []string{"fs.raw_write", "shell.exec"} {
			d := m.ValidateToolCall(role, tool)
			assert.False(t, d.Allowed, "role %s must not reach blocked tool %s", role, tool)
			assert.Equal(t, authz.BlockedReason, d.Reason)
			assert.False(t, d.RequiresApproval)
		}
	}
}

func TestUnknownToolDenied(t *testing.T) {
	m := newMatrix()

	d := m.ValidateToolCall(model.RoleCoordinator, "fs.readd")
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "unknown tool")
}

func TestRolePermissionBoundaries(t *testing.T) {
	m := newMatrix()

	tests := []struct {
		role    model.RoleName
		tool    model.Capability
		allowed bool
	}{
		// Coordinator has the broadest set.
		{model.RoleCoordinator, model.FSWrite, true},
		{model.RoleCoordinator, model.RunBuild, true},
		{model.RoleCoordinator, model.SecScan, true},
		{model.RoleCoordinator, model.ProjDiagnostics, true},

		// Researcher is read-only: no writes, no execution, no diagnostics.
		{model.RoleResearcher, model.FSRead, true},
		{model.RoleResearcher, model.ProjStructure, true},
		{model.RoleResearcher, model.FSWrite, false},
		{model.RoleResearcher, model.FSPatch, false},
		{model.RoleResearcher, model.RunBuild, false},
		{model.RoleResearcher, model.RunTest, false},
		{model.RoleResearcher, model.ProjDiagnostics, false},

		// Architect: read + patch + validation execution only.
		{model.RoleArchitect, model.FSPatch, true},
		{model.RoleArchitect, model.RunTest, true},
		{model.RoleArchitect, model.RunLint, true},
		{model.RoleArchitect, model.FSWrite, false},
		{model.RoleArchitect, model.RunBuild, false},
		{model.RoleArchitect, model.RunInstall, false},
		{model.RoleArchitect, model.RunDevServer, false},
		{model.RoleArchitect, model.SecScan, false},
		{model.RoleArchitect, model.SecSecrets, false},
	}

	for _, tt := range tests {
		d := m.ValidateToolCall(tt.role, string(tt.tool))
		assert.Equal(t, tt.allowed, d.Allowed, "%s / %s", tt.role, tt.tool)
		if !tt.allowed {
			assert.Contains(t, d.Reason, string(tt.role))
			assert.Contains(t, d.Reason, string(tt.tool))
		}
	}
}

func TestGatedCapabilitiesFlagged(t *testing.T) {
	m := newMatrix()

	for _, tool := range []model.Capability{model.FSDelete, model.RunInstall} {
		d := m.ValidateToolCall(model.RoleCoordinator, string(tool))
		assert.True(t, d.Allowed, "%s is permitted for coordinator", tool)
		assert.True(t, d.RequiresApproval, "%s requires approval", tool)
	}

	// Non-gated capabilities are never flagged.
	d := m.ValidateToolCall(model.RoleCoordinator, string(model.FSWrite))
	require.True(t, d.Allowed)
	assert.False(t, d.RequiresApproval)
}

func TestValidateAgainstRegistry(t *testing.T) {
	m := newMatrix()

	full := make(map[model.Capability]bool)
	for _, c := range model.AllCapabilities() {
		full[c] = true
	}
	require.NoError(t, m.ValidateAgainstRegistry(full))

	delete(full, model.SecSecrets)
	err := m.ValidateAgainstRegistry(full)
	require.Error(t, err)
	assert.Contains(t, err.Error(), string(model.SecSecrets))
}
