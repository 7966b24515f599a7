package workspace

import (
	"context"
	"io/fs"
	"path/filepath"
	"strings"
)

// Entry is one node in a project structure listing.
type Entry struct {
	Path  string `json:"path"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size,omitempty"`
}

// Diagnostic is one file-level problem found by the inspector.
type Diagnostic struct {
	Path    string `json:"path"`
	Line    int    `json:"line"`
	Message string `json:"message"`
}

// Inspector answers project-introspection requests against the workspace.
type Inspector struct {
	ws *Local
}

// NewInspector creates an inspector over the given workspace.
func NewInspector(ws *Local) *Inspector {
	return &Inspector{ws: ws}
}

// skipDirs are directory names excluded from structure listings.
var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	".cache":       true,
}

// Structure walks the tree under root (workspace-relative, "" or "." for
// the whole workspace) and returns its entries.
func (i *Inspector) Structure(_ context.Context, root string) (any, error) {
	base := i.ws.Root()
	if root != "" && root != "." {
		abs, err := i.ws.resolve(root)
		if err != nil {
			return nil, err
		}
		base = abs
	}

	entries := []Entry{}
	err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && skipDirs[d.Name()] {
			return filepath.SkipDir
		}
		if path == base {
			return nil
		}
		rel, err := filepath.Rel(i.ws.Root(), path)
		if err != nil {
			return err
		}
		e := Entry{Path: filepath.ToSlash(rel), IsDir: d.IsDir()}
		if !d.IsDir() {
			if info, err := d.Info(); err == nil {
				e.Size = info.Size()
			}
		}
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Diagnostics checks the given files for problems an agent should fix
// before building: unresolved merge conflicts and stray carriage returns.
func (i *Inspector) Diagnostics(ctx context.Context, paths []string) (any, error) {
	diags := []Diagnostic{}
	for _, path := range paths {
		content, err := i.ws.Read(ctx, path)
		if err != nil {
			return nil, err
		}
		for lineNo, line := range strings.Split(content, "\n") {
			switch {
			case strings.HasPrefix(line, "<<<<<<< ") || strings.HasPrefix(line, ">>>>>>> "):
				diags = append(diags, Diagnostic{
					Path: path, Line: lineNo + 1,
					Message: "unresolved merge conflict marker",
				})
			case strings.HasSuffix(line, "\r"):
				diags = append(diags, Diagnostic{
					Path: path, Line: lineNo + 1,
					Message: "carriage return in line ending",
				})
			}
		}
	}
	return diags, nil
}
