package distribution

import (
	"context"

	v1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// MediaTypeManifest is the media type of an out-of-line image container, the
// form in which manifests are committed to and fetched from a registry.
const MediaTypeManifest = "application/vnd.goldboot.manifest.v1"

// ImageIndex maps (name, version) to committed manifests. Commit is its only
// state transition visible to readers.
type ImageIndex interface {
	// Commit publishes payload, an encoded out-of-line container, under
	// name and version. It fails with ErrMissingChunks unless every chunk
	// the manifest references is stored, and with ErrCommitConflict when
	// the version is being committed concurrently or is already published
	// with a different manifest. Recommitting identical bytes succeeds.
	Commit(ctx context.Context, name, version string, payload []byte) (v1.Descriptor, error)

	// Fetch returns the committed container for name and version.
	Fetch(ctx context.Context, name, version string) ([]byte, v1.Descriptor, error)

	// Versions lists the committed versions of name.
	Versions(ctx context.Context, name string) ([]string, error)

	// Names calls fn for every image name with at least one version.
	Names(ctx context.Context, fn func(name string) error) error

	// Delete unpublishes a version. Its chunks are left for garbage
	// collection.
	Delete(ctx context.Context, name, version string) error
}
