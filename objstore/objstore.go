// Package objstore persists the per-run filesystem layout spec.md §6 names
// (upload directories, per-stage JSON/PNG outputs, split buckets) behind a
// backend-agnostic interface, with a local filesystem implementation and an
// S3 implementation sharing the same path conventions.
package objstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when path has no object. List of a prefix
// with no objects returns an empty result, not ErrNotFound.
var ErrNotFound = errors.New("objstore: not found")

// Store is a path-addressed blob store. Paths are "/"-joined logical keys
// (e.g. "{tenantID}/{runID}/parsed.json"), never backend-specific; both
// implementations translate them to their own addressing scheme.
type Store interface {
	// Put writes data at path, creating any parent directories/prefixes
	// implicitly.
	Put(ctx context.Context, path string, data []byte) error

	// Get reads the object at path, or ErrNotFound.
	Get(ctx context.Context, path string) ([]byte, error)

	// List returns every object key under prefix, non-recursive-boundary
	// agnostic (both backends return the full recursive listing).
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes a single object. Deleting a missing object is a no-op.
	Delete(ctx context.Context, path string) error

	// DeletePrefix removes every object under prefix (a whole run's output
	// tree, for restart/delete semantics).
	DeletePrefix(ctx context.Context, prefix string) error
}
