// Package registry maps capability identifiers to executable tool handlers.
//
// Handlers wrap external collaborators (workspace filesystem, command
// runner, security scanner, project inspector); the gateway never inspects
// a handler beyond its success or failure and its reported changed files.
package registry

import (
	"context"
	"fmt"

	"github.com/cadenza-ai/cadenza/internal/model"
)

// Result is the output of a successful handler invocation. FilesChanged is
// surfaced for audit enrichment when the handler mutates the workspace.
type Result struct {
	Data         any
	FilesChanged []string
}

// Handler executes one capability against its arguments.
type Handler func(ctx context.Context, args map[string]any) (*Result, error)

// Workspace is the filesystem collaborator behind the fs.* capabilities.
type Workspace interface {
	Read(ctx context.Context, path string) (string, error)
	Write(ctx context.Context, path, content string) error
	Patch(ctx context.Context, path, diff string) (changed []string, err error)
	Create(ctx context.Context, path, content string) error
	Delete(ctx context.Context, path string) error
}

// Runner is the command-execution collaborator behind the run.* capabilities.
// Each method returns the captured output of the underlying command.
type Runner interface {
	Build(ctx context.Context, target string) (string, error)
	Test(ctx context.Context, pattern string) (string, error)
	Lint(ctx context.Context, paths []string) (string, error)
	Install(ctx context.Context, pkg string) (changed []string, output string, err error)
	DevServer(ctx context.Context, action string) (string, error)
}

// Scanner is the security collaborator behind the sec.* capabilities.
type Scanner interface {
	Scan(ctx context.Context, paths []string) (findings any, err error)
	Secrets(ctx context.Context, paths []string) (findings any, err error)
}

// Inspector is the project-introspection collaborator behind the proj.*
// capabilities.
type Inspector interface {
	Structure(ctx context.Context, root string) (any, error)
	Diagnostics(ctx context.Context, paths []string) (any, error)
}

// Registry holds the capability-to-handler table.
type Registry struct {
	handlers map[model.Capability]Handler
}

// New builds the registry over the given collaborators. Every capability in
// the closed set gets a handler; a nil collaborator leaves its capabilities
// unregistered, which startup validation then reports.
func New(ws Workspace, runner Runner, scanner Scanner, inspector Inspector) *Registry {
	r := &Registry{handlers: make(map[model.Capability]Handler)}

	if ws != nil {
		r.handlers[model.FSRead] = func(ctx context.Context, args map[string]any) (*Result, error) {
			path, err := stringArg(args, "path")
			if err != nil {
				return nil, err
			}
			content, err := ws.Read(ctx, path)
			if err != nil {
				return nil, err
			}
			return &Result{Data: content}, nil
		}
		r.handlers[model.FSWrite] = func(ctx context.Context, args map[string]any) (*Result, error) {
			path, err := stringArg(args, "path")
			if err != nil {
				return nil, err
			}
			content, err := stringArg(args, "content")
			if err != nil {
				return nil, err
			}
			if err := ws.Write(ctx, path, content); err != nil {
				return nil, err
			}
			return &Result{FilesChanged: []string{path}}, nil
		}
		r.handlers[model.FSPatch] = func(ctx context.Context, args map[string]any) (*Result, error) {
			path, err := stringArg(args, "path")
			if err != nil {
				return nil, err
			}
			diff, err := stringArg(args, "diff")
			if err != nil {
				return nil, err
			}
			changed, err := ws.Patch(ctx, path, diff)
			if err != nil {
				return nil, err
			}
			return &Result{FilesChanged: changed}, nil
		}
		r.handlers[model.FSCreate] = func(ctx context.Context, args map[string]any) (*Result, error) {
			path, err := stringArg(args, "path")
			if err != nil {
				return nil, err
			}
			content, _ := args["content"].(string)
			if err := ws.Create(ctx, path, content); err != nil {
				return nil, err
			}
			return &Result{FilesChanged: []string{path}}, nil
		}
		r.handlers[model.FSDelete] = func(ctx context.Context, args map[string]any) (*Result, error) {
			path, err := stringArg(args, "path")
			if err != nil {
				return nil, err
			}
			if err := ws.Delete(ctx, path); err != nil {
				return nil, err
			}
			return &Result{FilesChanged: []string{path}}, nil
		}
	}

	if runner != nil {
		r.handlers[model.RunBuild] = func(ctx context.Context, args map[string]any) (*Result, error) {
			target, _ := args["target"].(string)
			out, err := runner.Build(ctx, target)
			if err != nil {
				return nil, err
			}
			return &Result{Data: out}, nil
		}
		r.handlers[model.RunTest] = func(ctx context.Context, args map[string]any) (*Result, error) {
			pattern, _ := args["pattern"].(string)
			out, err := runner.Test(ctx, pattern)
			if err != nil {
				return nil, err
			}
			return &Result{Data: out}, nil
		}
		r.handlers[model.RunLint] = func(ctx context.Context, args map[string]any) (*Result, error) {
			out, err := runner.Lint(ctx, stringSliceArg(args, "paths"))
			if err != nil {
				return nil, err
			}
			return &Result{Data: out}, nil
		}
		r.handlers[model.RunInstall] = func(ctx context.Context, args map[string]any) (*Result, error) {
			pkg, err := stringArg(args, "package")
			if err != nil {
				return nil, err
			}
			changed, out, err := runner.Install(ctx, pkg)
			if err != nil {
				return nil, err
			}
			return &Result{Data: out, FilesChanged: changed}, nil
		}
		r.handlers[model.RunDevServer] = func(ctx context.Context, args map[string]any) (*Result, error) {
			action, err := stringArg(args, "action")
			if err != nil {
				return nil, err
			}
			out, err := runner.DevServer(ctx, action)
			if err != nil {
				return nil, err
			}
			return &Result{Data: out}, nil
		}
	}

	if scanner != nil {
		r.handlers[model.SecScan] = func(ctx context.Context, args map[string]any) (*Result, error) {
			findings, err := scanner.Scan(ctx, stringSliceArg(args, "paths"))
			if err != nil {
				return nil, err
			}
			return &Result{Data: findings}, nil
		}
		r.handlers[model.SecSecrets] = func(ctx context.Context, args map[string]any) (*Result, error) {
			findings, err := scanner.Secrets(ctx, stringSliceArg(args, "paths"))
			if err != nil {
				return nil, err
			}
			return &Result{Data: findings}, nil
		}
	}

	if inspector != nil {
		r.handlers[model.ProjStructure] = func(ctx context.Context, args map[string]any) (*Result, error) {
			root, _ := args["root"].(string)
			data, err := inspector.Structure(ctx, root)
			if err != nil {
				return nil, err
			}
			return &Result{Data: data}, nil
		}
		r.handlers[model.ProjDiagnostics] = func(ctx context.Context, args map[string]any) (*Result, error) {
			data, err := inspector.Diagnostics(ctx, stringSliceArg(args, "paths"))
			if err != nil {
				return nil, err
			}
			return &Result{Data: data}, nil
		}
	}

	return r
}

// Get returns the handler for a capability.
func (r *Registry) Get(c model.Capability) (Handler, bool) {
	h, ok := r.handlers[c]
	return h, ok
}

// Capabilities returns the registered capability set, used by the
// permission matrix for startup validation and by the gateway to build
// role-filtered tool offers.
func (r *Registry) Capabilities() map[model.Capability]bool {
	caps := make(map[model.Capability]bool, len(r.handlers))
	for c := range r.handlers {
		caps[c] = true
	}
	return caps
}

// Validate fails when any capability in the closed set has no registered
// handler. A missing handler is a startup failure, not a runtime denial.
func (r *Registry) Validate() error {
	for _, c := range model.AllCapabilities() {
		if _, ok := r.handlers[c]; !ok {
			return fmt.Errorf("registry: no handler for capability %q", c)
		}
	}
	return nil
}

func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("registry: missing required argument %q", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("registry: argument %q must be a non-empty string", key)
	}
	return s, nil
}

func stringSliceArg(args map[string]any, key string) []string {
	switch v := args[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
