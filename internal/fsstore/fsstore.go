// Package fsstore provides the only sanctioned path to local filesystem I/O
// for the staging tree used by the job engine. No other package may call
// the os package directly for staging-tree access.
package fsstore

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/oriys/osmdbt-worker/internal/joberr"
)

// Store performs mkdir/read/write/rename/unlink operations against a local
// directory tree, tagging every failure with joberr.KindFilesystem.
type Store struct{}

// New creates a Store.
func New() *Store {
	return &Store{}
}

// MkdirAll creates path and any missing parents. Idempotent: an existing
// directory is not an error.
func (s *Store) MkdirAll(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return joberr.Tag(joberr.KindFilesystem, "mkdirAll "+path, err)
	}
	return nil
}

// ReadFile reads the full contents of path.
func (s *Store) ReadFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, joberr.Tag(joberr.KindFilesystem, "readFile "+path, err)
	}
	return data, nil
}

// ReadFileText reads path and returns it as a string.
func (s *Store) ReadFileText(path string) (string, error) {
	data, err := s.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// WriteFile writes data to path, creating or truncating it.
func (s *Store) WriteFile(path string, data []byte) error {
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return joberr.Tag(joberr.KindFilesystem, "writeFile "+path, err)
	}
	return nil
}

// AppendText appends text to path, creating it if necessary.
func (s *Store) AppendText(path, text string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return joberr.Tag(joberr.KindFilesystem, "appendText open "+path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(text); err != nil {
		return joberr.Tag(joberr.KindFilesystem, "appendText write "+path, err)
	}
	return nil
}

// ReadDir returns the unsorted list of entry names directly under path.
// Callers must not rely on ordering.
func (s *Store) ReadDir(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, joberr.Tag(joberr.KindFilesystem, "readDir "+path, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

// Rename moves oldPath to newPath.
func (s *Store) Rename(oldPath, newPath string) error {
	if err := os.Rename(oldPath, newPath); err != nil {
		return joberr.Tag(joberr.KindFilesystem, fmt.Sprintf("rename %s -> %s", oldPath, newPath), err)
	}
	return nil
}

// Unlink removes a single file.
func (s *Store) Unlink(path string) error {
	if err := os.Remove(path); err != nil {
		return joberr.Tag(joberr.KindFilesystem, "unlink "+path, err)
	}
	return nil
}

// Join is a forward-slash-safe path join helper for staging-tree paths.
func Join(elem ...string) string {
	return filepath.Join(elem...)
}
