package memory

import (
	"context"
	"testing"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/require"

	"github.com/goldboot/distribution"
	"github.com/goldboot/distribution/registry/storage/cache"
	"github.com/goldboot/distribution/registry/storage/cache/cachecheck"
)

// TestInMemoryChunkDescriptorCache checks the in memory implementation is
// working correctly.
func TestInMemoryChunkDescriptorCache(t *testing.T) {
	opts := NewCacheOptions(UnlimitedSize)
	c, err := NewChunkDescriptorCacheProvider(context.Background(), opts)
	require.NoError(t, err)
	cachecheck.CheckChunkDescriptorCache(t, c)
}

func TestRegistered(t *testing.T) {
	c, err := cache.Get(context.Background(), "inmemory", nil)
	require.NoError(t, err)
	cachecheck.CheckChunkDescriptorCache(t, c)
}

func TestEviction(t *testing.T) {
	ctx := context.Background()
	c, err := NewChunkDescriptorCacheProvider(ctx, NewCacheOptions(2))
	require.NoError(t, err)

	var dgsts []digest.Digest
	for _, s := range []string{"a", "b", "c"} {
		dgst := digest.FromString(s)
		dgsts = append(dgsts, dgst)
		require.NoError(t, c.SetDescriptor(ctx, dgst, v1.Descriptor{
			MediaType: distribution.MediaTypeChunk,
			Digest:    dgst,
			Size:      1,
		}))
	}

	_, err = c.Stat(ctx, dgsts[0])
	require.ErrorIs(t, err, distribution.ErrNotFound)
	_, err = c.Stat(ctx, dgsts[2])
	require.NoError(t, err)
}
