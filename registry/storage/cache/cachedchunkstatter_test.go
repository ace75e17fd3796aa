package cache_test

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"

	"github.com/goldboot/distribution"
	"github.com/goldboot/distribution/registry/storage/cache"
	"github.com/goldboot/distribution/registry/storage/cache/memory"
	"github.com/goldboot/distribution/testutil"
)

type countingTracker struct {
	hits, misses atomic.Uint64
}

func (c *countingTracker) Hit()  { c.hits.Add(1) }
func (c *countingTracker) Miss() { c.misses.Add(1) }
func (c *countingTracker) Metrics() cache.Metrics {
	h, m := c.hits.Load(), c.misses.Load()
	return cache.Metrics{Requests: h + m, Hits: h, Misses: m}
}

func newStatter(t *testing.T) (*cache.CachedChunkStatter, *testutil.ChunkStore, *countingTracker) {
	t.Helper()
	c, err := memory.NewChunkDescriptorCacheProvider(context.Background(), memory.NewCacheOptions(memory.DefaultSize))
	require.NoError(t, err)
	backend := testutil.NewChunkStore()
	tracker := &countingTracker{}
	return cache.NewCachedChunkStatter(c, backend, tracker), backend, tracker
}

func TestCachedStatFillsOnMiss(t *testing.T) {
	ctx := context.Background()
	statter, backend, tracker := newStatter(t)

	dgst, err := backend.Put(ctx, []byte("chunk"))
	require.NoError(t, err)

	desc, err := statter.Stat(ctx, dgst)
	require.NoError(t, err)
	require.Equal(t, dgst, desc.Digest)
	require.Equal(t, int64(5), desc.Size)
	require.Equal(t, uint64(1), tracker.Metrics().Misses)

	// served from the cache even after the backend forgets it
	require.NoError(t, backend.Delete(ctx, dgst))
	ok, err := statter.Has(ctx, dgst)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(1), tracker.Metrics().Hits)

	statter.Clear(ctx, dgst)
	ok, err = statter.Has(ctx, dgst)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCachedStatUnknown(t *testing.T) {
	ctx := context.Background()
	statter, _, tracker := newStatter(t)

	_, err := statter.Stat(ctx, digest.FromString("absent"))
	require.ErrorIs(t, err, distribution.ErrNotFound)
	require.Equal(t, cache.Metrics{}, tracker.Metrics())
}

func TestGetUnknownProvider(t *testing.T) {
	_, err := cache.Get(context.Background(), "nope", nil)
	require.Error(t, err)
}
