// Package workspace materializes function source into per-invocation
// directories that are removed once the invocation ends.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Workspace is a private directory holding one function source file.
type Workspace struct {
	dir string
}

// New creates a uniquely named directory under root and writes code into it
// as filename. The name starts with prefix so leftovers are easy to spot.
func New(root, prefix, filename, code string) (*Workspace, error) {
	if filename == "" || filepath.Base(filename) != filename || strings.HasPrefix(filename, ".") {
		return nil, fmt.Errorf("invalid workspace filename %q", filename)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}

	dir, err := os.MkdirTemp(root, "kiln-"+prefix+"-")
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, filename), []byte(code), 0o644); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("write %s: %w", filename, err)
	}
	return &Workspace{dir: dir}, nil
}

// Dir returns the workspace path.
func (w *Workspace) Dir() string {
	return w.dir
}

// Remove deletes the workspace and everything in it. It is safe to call more
// than once.
func (w *Workspace) Remove() error {
	if w == nil || w.dir == "" {
		return nil
	}
	if err := os.RemoveAll(w.dir); err != nil {
		return fmt.Errorf("remove workspace %s: %w", w.dir, err)
	}
	return nil
}
