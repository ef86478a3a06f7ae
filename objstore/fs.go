package objstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FSStore backs Store with a local filesystem directory tree rooted at
// Root. Used for local development and single-node deployments; the
// interface is identical to S3Store so no caller code changes between them.
type FSStore struct {
	root string
}

// NewFSStore returns a Store rooted at root, creating it if necessary.
func NewFSStore(root string) (*FSStore, error) {
	if root == "" {
		return nil, errors.New("objstore: root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("objstore: create root: %w", err)
	}
	return &FSStore{root: root}, nil
}

func (s *FSStore) resolve(path string) string {
	return filepath.Join(s.root, filepath.FromSlash(path))
}

// Put writes data at path, creating parent directories.
func (s *FSStore) Put(_ context.Context, path string, data []byte) error {
	full := s.resolve(path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("objstore: mkdir: %w", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return fmt.Errorf("objstore: write %s: %w", path, err)
	}
	return nil
}

// Get reads the object at path.
func (s *FSStore) Get(_ context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(s.resolve(path))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("objstore: read %s: %w", path, err)
	}
	return data, nil
}

// List returns every file under prefix, recursively, as slash-joined keys
// relative to the store root.
func (s *FSStore) List(_ context.Context, prefix string) ([]string, error) {
	root := s.resolve(prefix)
	var out []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(s.root, p)
		if relErr != nil {
			return relErr
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("objstore: list %s: %w", prefix, err)
	}
	return out, nil
}

// Delete removes a single object, if present.
func (s *FSStore) Delete(_ context.Context, path string) error {
	if err := os.Remove(s.resolve(path)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("objstore: delete %s: %w", path, err)
	}
	return nil
}

// DeletePrefix removes every object under prefix.
func (s *FSStore) DeletePrefix(_ context.Context, prefix string) error {
	root := s.resolve(prefix)
	if !strings.HasPrefix(filepath.Clean(root), filepath.Clean(s.root)) {
		return fmt.Errorf("objstore: prefix %q escapes store root", prefix)
	}
	if err := os.RemoveAll(root); err != nil {
		return fmt.Errorf("objstore: delete prefix %s: %w", prefix, err)
	}
	return nil
}

var _ Store = (*FSStore)(nil)
