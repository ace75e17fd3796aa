// Package cachecheck holds the behavior every chunk descriptor cache must
// share, for use from the tests of each implementation.
package cachecheck

import (
	"context"
	"testing"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/require"

	"github.com/goldboot/distribution"
	"github.com/goldboot/distribution/registry/storage/cache"
)

// CheckChunkDescriptorCache takes a cache implementation through a common
// set of operations. If adding new tests, please add them here so new
// implementations get the benefit.
func CheckChunkDescriptorCache(t *testing.T, c cache.ChunkDescriptorCache) {
	ctx := context.Background()

	checkChunkDescriptorCacheEmpty(ctx, t, c)
	checkChunkDescriptorCacheSetAndRead(ctx, t, c)
	checkChunkDescriptorCacheClear(ctx, t, c)
}

func checkChunkDescriptorCacheEmpty(ctx context.Context, t *testing.T, c cache.ChunkDescriptorCache) {
	_, err := c.Stat(ctx, "sha384:abc111111111111111111111111111111111111111111111111111111111111111111111111111111111111111111111111111")
	require.ErrorIs(t, err, distribution.ErrNotFound)

	_, err = c.Stat(ctx, "invalid")
	require.Error(t, err)
	require.NotErrorIs(t, err, distribution.ErrNotFound, "an invalid digest is not a miss")

	err = c.SetDescriptor(ctx, "", v1.Descriptor{
		Digest:    "sha384:abc",
		Size:      10,
		MediaType: distribution.MediaTypeChunk,
	})
	require.Error(t, err, "expected error setting value on invalid descriptor")

	err = c.SetDescriptor(ctx, "sha384:abc111111111111111111111111111111111111111111111111111111111111111111111111111111111111111111111111111", v1.Descriptor{
		Digest:    "",
		Size:      10,
		MediaType: distribution.MediaTypeChunk,
	})
	require.Error(t, err, "expected error setting value on invalid descriptor")
}

func checkChunkDescriptorCacheSetAndRead(ctx context.Context, t *testing.T, c cache.ChunkDescriptorCache) {
	localDigest := digest.FromString("chunk one")
	expected := v1.Descriptor{
		Digest:    localDigest,
		Size:      10,
		MediaType: distribution.MediaTypeChunk,
	}

	require.NoError(t, c.SetDescriptor(ctx, localDigest, expected))

	desc, err := c.Stat(ctx, localDigest)
	require.NoError(t, err)
	require.Equal(t, expected.Digest, desc.Digest)
	require.Equal(t, expected.Size, desc.Size)
	require.Equal(t, expected.MediaType, desc.MediaType)

	// overwriting a descriptor is allowed
	expected.Size = 20
	require.NoError(t, c.SetDescriptor(ctx, localDigest, expected))

	desc, err = c.Stat(ctx, localDigest)
	require.NoError(t, err)
	require.Equal(t, int64(20), desc.Size)
}

func checkChunkDescriptorCacheClear(ctx context.Context, t *testing.T, c cache.ChunkDescriptorCache) {
	localDigest := digest.FromString("chunk two")
	expected := v1.Descriptor{
		Digest:    localDigest,
		Size:      10,
		MediaType: distribution.MediaTypeChunk,
	}

	require.NoError(t, c.SetDescriptor(ctx, localDigest, expected))

	_, err := c.Stat(ctx, localDigest)
	require.NoError(t, err)

	require.NoError(t, c.Clear(ctx, localDigest))

	_, err = c.Stat(ctx, localDigest)
	require.ErrorIs(t, err, distribution.ErrNotFound)
}
