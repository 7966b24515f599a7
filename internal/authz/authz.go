// Package authz implements the static permission matrix that decides, for a
// given (agent role, capability) pair, whether a tool call is allowed,
// denied, or allowed-but-gated on human approval.
//
// This package exists to share permission logic between the tool gateway
// and the HTTP/MCP surfaces without creating a circular dependency (all of
// them import authz; authz imports only model).
package authz

import (
	"fmt"

	"github.com/cadenza-ai/cadenza/internal/model"
)

// BlockedReason is the fixed reason string returned for globally blocked
// tools, independent of role.
const BlockedReason = "tool is globally blocked and cannot be invoked by any agent"

// blockedTools is a permission-independent denylist checked before any role
// lookup. These names can never be reached regardless of role — they are
// deliberately outside the capability enumeration.
var blockedTools = map[string]bool{
	"fs.raw_write": true,
	"shell.exec":   true,
}

// gated capabilities require an explicit approval decision before execution.
var gated = map[model.Capability]bool{
	model.FSDelete:   true,
	model.RunInstall: true,
}

// Decision is the outcome of validating a tool call against the matrix.
type Decision struct {
	Allowed          bool
	Reason           string
	RequiresApproval bool
}

// Matrix answers permission questions from static role configuration.
// Construct once at startup and inject; there is no global instance.
type Matrix struct {
	roles map[model.RoleName]map[model.Capability]bool
}

// NewMatrix builds a Matrix from role configuration.
func NewMatrix(roles map[model.RoleName]model.AgentRole) *Matrix {
	m := &Matrix{roles: make(map[model.RoleName]map[model.Capability]bool, len(roles))}
	for name, role := range roles {
		set := make(map[model.Capability]bool, len(role.Permissions))
		for _, c := range role.Permissions {
			set[c] = true
		}
		m.roles[name] = set
	}
	return m
}

// HasPermission is a membership test against the role's static permission set.
func (m *Matrix) HasPermission(role model.RoleName, c model.Capability) bool {
	return m.roles[role][c]
}

// IsBlocked reports whether a raw tool name is on the global denylist.
// Checked before role lookup; blocked names are unreachable for every role.
func IsBlocked(toolName string) bool {
	return blockedTools[toolName]
}

// RequiresApproval reports whether a capability is gated on human approval.
func RequiresApproval(c model.Capability) bool {
	return gated[c]
}

// ValidateToolCall composes the checks in order: blocked first (hard fail,
// fixed reason), then role permission (fail with role and tool in the
// reason), then gating (success but flagged).
func (m *Matrix) ValidateToolCall(role model.RoleName, toolName string) Decision {
	if IsBlocked(toolName) {
		return Decision{Allowed: false, Reason: BlockedReason}
	}

	c, err := model.ParseCapability(toolName)
	if err != nil {
		return Decision{Allowed: false, Reason: fmt.Sprintf("unknown tool %q", toolName)}
	}

	if !m.HasPermission(role, c) {
		return Decision{
			Allowed: false,
			Reason:  fmt.Sprintf("role %q does not have permission %q", role, c),
		}
	}

	return Decision{Allowed: true, RequiresApproval: RequiresApproval(c)}
}

// ValidateAgainstRegistry confirms at startup that every capability granted
// to any role resolves to a registered tool handler. A mismatch is a
// programmer error surfaced before the first run starts.
func (m *Matrix) ValidateAgainstRegistry(registered map[model.Capability]bool) error {
	for role, set := range m.roles {
		for c := range set {
			if !registered[c] {
				return fmt.Errorf("authz: role %q grants %q but no handler is registered for it", role, c)
			}
		}
	}
	return nil
}
