// Package cache provides facilities to speed up access to the storage
// backend. The caches here hold chunk descriptors so presence checks during
// negotiation avoid a backend round trip per digest.
package cache

import (
	"context"
	"fmt"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/goldboot/distribution"
)

// ChunkDescriptorCache stores chunk descriptors by digest. Stat returns an
// error unwrapping to distribution.ErrNotFound on a miss.
type ChunkDescriptorCache interface {
	Stat(ctx context.Context, dgst digest.Digest) (v1.Descriptor, error)
	SetDescriptor(ctx context.Context, dgst digest.Digest, desc v1.Descriptor) error
	Clear(ctx context.Context, dgst digest.Digest) error
}

// ValidateDescriptor provides a helper function to ensure that caches have
// common criteria for admitting descriptors.
func ValidateDescriptor(desc v1.Descriptor) error {
	if err := desc.Digest.Validate(); err != nil {
		return err
	}

	if desc.Size < 0 {
		return fmt.Errorf("cache: invalid length in descriptor: %v < 0", desc.Size)
	}

	if desc.MediaType == "" {
		return fmt.Errorf("cache: empty mediatype on descriptor: %v", desc)
	}

	return nil
}

// InitFunc is the type of a cache factory function and is used to register
// the constructor for different cache backends.
type InitFunc func(ctx context.Context, options map[string]any) (ChunkDescriptorCache, error)

var providers = map[string]InitFunc{}

// Register makes a cache backend available by name.
func Register(name string, initFunc InitFunc) {
	if _, exists := providers[name]; exists {
		panic(fmt.Sprintf("cache provider %q already registered", name))
	}
	providers[name] = initFunc
}

// Get constructs a cache with the given options using the named backend.
func Get(ctx context.Context, name string, options map[string]any) (ChunkDescriptorCache, error) {
	if initFunc, exists := providers[name]; exists {
		return initFunc(ctx, options)
	}
	return nil, fmt.Errorf("no cache provider registered with name: %s", name)
}

// ErrUnknown returns the error a cache reports for a miss.
func ErrUnknown(dgst digest.Digest) error {
	return distribution.ErrChunkUnknown{Digest: dgst}
}
