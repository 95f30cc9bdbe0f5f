// Package safeio confines file access to a fixed directory root. The payload
// hand-off directory is shared between the server and its worker processes,
// and references arriving over the worker pipe are untrusted input: every
// path is resolved against the root and rejected when it escapes.
package safeio

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrEscapesRoot reports a path that resolves outside the confined root.
var ErrEscapesRoot = errors.New("safeio: path escapes root")

// Root is a directory all operations are locked to. The zero value is
// unusable; create with New.
type Root struct {
	abs string // absolute, symlink-free
}

// New locks all future operations to dir, creating it if needed. The path is
// resolved to an absolute, symlink-free directory.
func New(dir string) (*Root, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("safeio: empty root")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("safeio: create root: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	abs, err = filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, errors.New("safeio: root is not a directory")
	}
	return &Root{abs: abs}, nil
}

// Dir returns the absolute root directory.
func (r *Root) Dir() string {
	if r == nil {
		return ""
	}
	return r.abs
}

// Resolve maps name to an absolute path under the root, rejecting absolute
// inputs and any traversal outside the root.
func (r *Root) Resolve(name string) (string, error) {
	if r == nil || r.abs == "" {
		return "", errors.New("safeio: nil root")
	}
	name = strings.TrimSpace(name)
	if name == "" || filepath.IsAbs(name) {
		return "", fmt.Errorf("%w: %q", ErrEscapesRoot, name)
	}
	p := filepath.Clean(filepath.Join(r.abs, name))
	if p != r.abs && !strings.HasPrefix(p, r.abs+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrEscapesRoot, name)
	}
	return p, nil
}

// ReadFile reads a file relative to the root.
func (r *Root) ReadFile(name string) ([]byte, error) {
	p, err := r.Resolve(name)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}

// WriteFile writes a file relative to the root.
func (r *Root) WriteFile(name string, data []byte, perm os.FileMode) error {
	p, err := r.Resolve(name)
	if err != nil {
		return err
	}
	return os.WriteFile(p, data, perm)
}

// Remove deletes a file relative to the root.
func (r *Root) Remove(name string) error {
	p, err := r.Resolve(name)
	if err != nil {
		return err
	}
	return os.Remove(p)
}

// Entries lists the root's direct children.
func (r *Root) Entries() ([]os.DirEntry, error) {
	if r == nil || r.abs == "" {
		return nil, errors.New("safeio: nil root")
	}
	return os.ReadDir(r.abs)
}
