package model

// RoleName identifies one of the three fixed agent roles.
type RoleName string

const (
	RoleCoordinator RoleName = "coordinator"
	RoleResearcher  RoleName = "researcher"
	RoleArchitect   RoleName = "architect"
)

// AgentRole is the static configuration of one agent role: its backing
// model and the capability set it may request. Not mutated at runtime.
type AgentRole struct {
	Name        RoleName     `json:"name"`
	Model       string       `json:"model"`
	Permissions []Capability `json:"permissions"`
}

// DefaultRoles returns the fixed three-role configuration.
//
// The asymmetry is the core safety property: research and synthesis agents
// cannot mutate state or run arbitrary commands. Only the coordinator can
// perform destructive or environment-mutating actions, and the most
// dangerous of those (fs.delete, run.install) are additionally gated on
// human approval.
func DefaultRoles() map[RoleName]AgentRole {
	return map[RoleName]AgentRole{
		RoleCoordinator: {
			Name:  RoleCoordinator,
			Model: "claude-sonnet-4-5",
			Permissions: []Capability{
				FSRead, FSWrite, FSPatch, FSCreate, FSDelete,
				RunBuild, RunTest, RunLint, RunInstall, RunDevServer,
				SecScan, SecSecrets,
				ProjStructure, ProjDiagnostics,
			},
		},
		RoleResearcher: {
			Name:  RoleResearcher,
			Model: "claude-haiku-4-5",
			Permissions: []Capability{
				FSRead,
				ProjStructure,
			},
		},
		RoleArchitect: {
			Name:  RoleArchitect,
			Model: "claude-sonnet-4-5",
			Permissions: []Capability{
				FSRead, FSPatch,
				RunTest, RunLint,
				ProjStructure,
			},
		},
	}
}

// ValidRole reports whether name is one of the three fixed roles.
func ValidRole(name RoleName) bool {
	switch name {
	case RoleCoordinator, RoleResearcher, RoleArchitect:
		return true
	}
	return false
}
