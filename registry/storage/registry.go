package storage

import (
	"context"

	"github.com/goldboot/distribution"
	"github.com/goldboot/distribution/registry/storage/cache"
	storagedriver "github.com/goldboot/distribution/registry/storage/driver"
)

// Registry is the top-level storage implementation: a content addressed
// chunk store plus the image index that publishes manifests over it. The
// same type serves a remote registry and a local image library.
type Registry struct {
	driver         storagedriver.StorageDriver
	chunks         *chunkStore
	images         *imageStore
	cache          cache.ChunkDescriptorCache
	skipVerify     bool
	deleteEnabled  bool
}

// RegistryOption is the type used for functional options for NewRegistry.
type RegistryOption func(*Registry) error

// EnableDelete is a functional option for NewRegistry. It enables deleting
// published versions.
func EnableDelete(registry *Registry) error {
	registry.deleteEnabled = true
	return nil
}

// SkipCommitVerification is a functional option for NewRegistry. Commit
// then publishes an unsealed manifest once its chunks are present, without
// streaming them through the content digest.
func SkipCommitVerification(registry *Registry) error {
	registry.skipVerify = true
	return nil
}

// ChunkDescriptorCache returns a functional option for NewRegistry. It puts
// a descriptor cache in front of chunk presence checks.
func ChunkDescriptorCache(c cache.ChunkDescriptorCache) RegistryOption {
	return func(registry *Registry) error {
		registry.cache = c
		return nil
	}
}

// NewRegistry creates a new registry instance from the provided driver. The
// resulting registry may be shared by multiple goroutines but is cheap to
// allocate.
func NewRegistry(ctx context.Context, driver storagedriver.StorageDriver, options ...RegistryOption) (*Registry, error) {
	registry := &Registry{
		driver: driver,
	}

	for _, option := range options {
		if err := option(registry); err != nil {
			return nil, err
		}
	}

	statter := &chunkStatter{driver: driver}
	registry.chunks = &chunkStore{
		driver:  driver,
		statter: statter,
	}
	if registry.cache != nil {
		cached := cache.NewCachedChunkStatter(registry.cache, statter, nil)
		registry.chunks.statter = cached
		registry.chunks.cached = cached
	}

	registry.images = &imageStore{
		driver:         driver,
		chunks:         registry.chunks,
		locks:          newCommitLocks(),
		skipVerify:     registry.skipVerify,
		deleteEnabled:  registry.deleteEnabled,
	}

	return registry, nil
}

// Chunks returns the chunk store.
func (reg *Registry) Chunks() distribution.ChunkStore {
	return reg.chunks
}

// Images returns the image index.
func (reg *Registry) Images() distribution.ImageIndex {
	return reg.images
}

// Driver returns the storage driver the registry sits on.
func (reg *Registry) Driver() storagedriver.StorageDriver {
	return reg.driver
}
