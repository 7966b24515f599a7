package model

import "fmt"

// Capability is a named, fine-grained action an agent may request through
// the tool gateway. Capabilities form a closed enumeration: the permission
// matrix is validated against the tool registry at startup, so a typo is a
// startup failure rather than a silent runtime denial.
type Capability string

// Filesystem capabilities.
const (
	FSRead   Capability = "fs.read"
	FSWrite  Capability = "fs.write"
	FSPatch  Capability = "fs.patch"
	FSCreate Capability = "fs.create"
	FSDelete Capability = "fs.delete"
)

// Execution capabilities.
const (
	RunBuild     Capability = "run.build"
	RunTest      Capability = "run.test"
	RunLint      Capability = "run.lint"
	RunInstall   Capability = "run.install"
	RunDevServer Capability = "run.devserver"
)

// Security-scan capabilities.
const (
	SecScan    Capability = "sec.scan"
	SecSecrets Capability = "sec.secrets"
)

// Project-introspection capabilities.
const (
	ProjStructure   Capability = "proj.structure"
	ProjDiagnostics Capability = "proj.diagnostics"
)

// ToolCategory groups capabilities for registry organization.
type ToolCategory string

const (
	CategoryFilesystem    ToolCategory = "filesystem"
	CategoryExecution     ToolCategory = "execution"
	CategorySecurity      ToolCategory = "security"
	CategoryIntrospection ToolCategory = "introspection"
)

var capabilityCategories = map[Capability]ToolCategory{
	FSRead:   CategoryFilesystem,
	FSWrite:  CategoryFilesystem,
	FSPatch:  CategoryFilesystem,
	FSCreate: CategoryFilesystem,
	FSDelete: CategoryFilesystem,

	RunBuild:     CategoryExecution,
	RunTest:      CategoryExecution,
	RunLint:      CategoryExecution,
	RunInstall:   CategoryExecution,
	RunDevServer: CategoryExecution,

	SecScan:    CategorySecurity,
	SecSecrets: CategorySecurity,

	ProjStructure:   CategoryIntrospection,
	ProjDiagnostics: CategoryIntrospection,
}

// AllCapabilities enumerates every known capability in a stable order.
func AllCapabilities() []Capability {
	return []Capability{
		FSRead, FSWrite, FSPatch, FSCreate, FSDelete,
		RunBuild, RunTest, RunLint, RunInstall, RunDevServer,
		SecScan, SecSecrets,
		ProjStructure, ProjDiagnostics,
	}
}

// Category returns the tool category a capability belongs to.
func (c Capability) Category() ToolCategory {
	return capabilityCategories[c]
}

// ParseCapability validates a raw tool name against the closed enumeration.
func ParseCapability(raw string) (Capability, error) {
	c := Capability(raw)
	if _, ok := capabilityCategories[c]; !ok {
		return "", fmt.Errorf("model: unknown tool %q", raw)
	}
	return c, nil
}
