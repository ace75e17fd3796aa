package memory

import (
	"context"
	"math"

	"github.com/hashicorp/golang-lru/arc/v2"
	"github.com/mitchellh/mapstructure"
	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/goldboot/distribution/registry/storage/cache"
)

// init registers the inmemory cache provider.
func init() {
	cache.Register("inmemory", NewChunkDescriptorCacheProvider)
}

const (
	// DefaultSize is the default cache size to use if no size is explicitly
	// configured.
	DefaultSize = 10000

	// UnlimitedSize indicates the cache size should not be limited.
	UnlimitedSize = math.MaxInt
)

type inMemoryChunkDescriptorCache struct {
	lru *arc.ARCCache[digest.Digest, v1.Descriptor]
}

// NewChunkDescriptorCacheProvider returns a new ARC cache for storing chunk
// descriptor data.
func NewChunkDescriptorCacheProvider(ctx context.Context, options map[string]any) (cache.ChunkDescriptorCache, error) {
	var c Memory
	if err := mapstructure.Decode(options["params"], &c); err != nil {
		return nil, err
	}

	size := c.Size
	if size <= 0 {
		size = DefaultSize
	}

	lruCache, err := arc.NewARC[digest.Digest, v1.Descriptor](size)
	if err != nil {
		// NewARC can only fail if size is <= 0, so this unreachable
		return nil, err
	}
	return &inMemoryChunkDescriptorCache{
		lru: lruCache,
	}, nil
}

func (c *inMemoryChunkDescriptorCache) Stat(ctx context.Context, dgst digest.Digest) (v1.Descriptor, error) {
	if err := dgst.Validate(); err != nil {
		return v1.Descriptor{}, err
	}

	descriptor, ok := c.lru.Get(dgst)
	if ok {
		return descriptor, nil
	}
	return v1.Descriptor{}, cache.ErrUnknown(dgst)
}

func (c *inMemoryChunkDescriptorCache) Clear(ctx context.Context, dgst digest.Digest) error {
	c.lru.Remove(dgst)
	return nil
}

func (c *inMemoryChunkDescriptorCache) SetDescriptor(ctx context.Context, dgst digest.Digest, desc v1.Descriptor) error {
	if err := dgst.Validate(); err != nil {
		return err
	}

	if err := cache.ValidateDescriptor(desc); err != nil {
		return err
	}

	c.lru.Add(dgst, desc)
	return nil
}

// Memory configures inmemory cache
type Memory struct {
	Size int `yaml:"size,omitempty"`
}

// NewCacheOptions returns new memory cache options.
func NewCacheOptions(size int) map[string]any {
	return map[string]any{
		"params": map[any]any{
			"size": size,
		},
	}
}
