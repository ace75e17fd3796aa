package storage

import (
	"context"
	"sync"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"

	"github.com/goldboot/distribution"
	"github.com/goldboot/distribution/image"
	"github.com/goldboot/distribution/registry/storage/cache/memory"
	"github.com/goldboot/distribution/testutil"
)

func TestChunkPutGet(t *testing.T) {
	ctx := context.Background()
	chunks := createRegistry(t).Chunks()
	p := testutil.RandomBytes(t, 1000)

	dgst, err := chunks.Put(ctx, p)
	require.NoError(t, err)
	require.Equal(t, digest.FromBytes(p), dgst)

	got, err := chunks.Get(ctx, dgst)
	require.NoError(t, err)
	require.Equal(t, p, got)

	desc, err := chunks.Stat(ctx, dgst)
	require.NoError(t, err)
	require.Equal(t, int64(1000), desc.Size)
	require.Equal(t, distribution.MediaTypeChunk, desc.MediaType)

	ok, err := chunks.Has(ctx, dgst)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestChunkPutIdempotent(t *testing.T) {
	ctx := context.Background()
	chunks := createRegistry(t).Chunks()
	p := testutil.RandomBytes(t, 512)

	first, err := chunks.Put(ctx, p)
	require.NoError(t, err)
	second, err := chunks.Put(ctx, p)
	require.NoError(t, err)
	require.Equal(t, first, second)

	set, err := distribution.ListDigests(ctx, chunks)
	require.NoError(t, err)
	require.Len(t, set, 1)
	require.True(t, set.Contains(first))
}

func TestChunkConcurrentPut(t *testing.T) {
	ctx := context.Background()
	chunks := createRegistry(t).Chunks()
	p := testutil.RandomBytes(t, 4096)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := chunks.Put(ctx, p)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := chunks.Get(ctx, digest.FromBytes(p))
	require.NoError(t, err)
	require.Equal(t, p, got)
}

func TestChunkGetUnknown(t *testing.T) {
	ctx := context.Background()
	chunks := createRegistry(t).Chunks()
	dgst := digest.FromString("absent")

	_, err := chunks.Get(ctx, dgst)
	require.ErrorIs(t, err, distribution.ErrNotFound)

	ok, err := chunks.Has(ctx, dgst)
	require.NoError(t, err)
	require.False(t, ok)

	require.ErrorIs(t, chunks.Delete(ctx, dgst), distribution.ErrNotFound)
}

func TestChunkIngestRejectsMismatch(t *testing.T) {
	ctx := context.Background()
	chunks := createRegistry(t).Chunks()

	err := chunks.Ingest(ctx, digest.FromString("expected"), []byte("actual"))
	require.ErrorIs(t, err, distribution.ErrCorrupt)

	var invalid distribution.ErrChunkInvalidDigest
	require.ErrorAs(t, err, &invalid)

	set, err := distribution.ListDigests(ctx, chunks)
	require.NoError(t, err)
	require.Empty(t, set)
}

func TestChunkTamperDetectedAndRepaired(t *testing.T) {
	ctx := context.Background()
	registry := createRegistry(t)
	chunks := registry.Chunks()
	p := testutil.RandomBytes(t, 256)

	dgst, err := chunks.Put(ctx, p)
	require.NoError(t, err)

	bp, err := pathFor(chunkDataPathSpec{digest: dgst})
	require.NoError(t, err)
	require.NoError(t, registry.Driver().PutContent(ctx, bp, []byte("bit rot")))

	_, err = chunks.Get(ctx, dgst)
	require.ErrorIs(t, err, distribution.ErrCorrupt)
	var corrupt distribution.ErrChunkCorrupt
	require.ErrorAs(t, err, &corrupt)
	require.Equal(t, dgst, corrupt.Digest)

	// the bad copy is evicted so negotiate asks for it again
	ok, err := chunks.Has(ctx, dgst)
	require.NoError(t, err)
	require.False(t, ok)
	_, err = chunks.Get(ctx, dgst)
	require.ErrorIs(t, err, distribution.ErrNotFound)

	_, err = chunks.Put(ctx, p)
	require.NoError(t, err)
	got, err := chunks.Get(ctx, dgst)
	require.NoError(t, err)
	require.Equal(t, p, got)
}

func TestChunkEvictionUnblocksCommit(t *testing.T) {
	ctx := context.Background()
	c, err := memory.NewChunkDescriptorCacheProvider(ctx, memory.NewCacheOptions(memory.DefaultSize))
	require.NoError(t, err)
	registry := createRegistry(t, ChunkDescriptorCache(c))
	m, payload := encodeImage(t, registry, "gentoo", "2024", 3*4096)

	bad := m.Entries[1].Digest
	good, err := registry.Chunks().Get(ctx, bad)
	require.NoError(t, err)

	bp, err := pathFor(chunkDataPathSpec{digest: bad})
	require.NoError(t, err)
	require.NoError(t, registry.Driver().PutContent(ctx, bp, []byte("flipped bits")))

	_, err = registry.Images().Commit(ctx, "gentoo", "2024", payload)
	require.ErrorIs(t, err, distribution.ErrCorrupt)

	missing, err := image.Missing(ctx, m, registry.Chunks())
	require.NoError(t, err)
	require.Equal(t, []digest.Digest{bad}, missing)

	require.NoError(t, registry.Chunks().Ingest(ctx, bad, good))
	_, err = registry.Images().Commit(ctx, "gentoo", "2024", payload)
	require.NoError(t, err)
}

func TestChunkDeleteClearsCache(t *testing.T) {
	ctx := context.Background()
	c, err := memory.NewChunkDescriptorCacheProvider(ctx, memory.NewCacheOptions(memory.DefaultSize))
	require.NoError(t, err)
	chunks := createRegistry(t, ChunkDescriptorCache(c)).Chunks()

	dgst, err := chunks.Put(ctx, []byte("cached chunk"))
	require.NoError(t, err)

	_, err = c.Stat(ctx, dgst)
	require.NoError(t, err, "put should populate the cache")

	require.NoError(t, chunks.Delete(ctx, dgst))

	ok, err := chunks.Has(ctx, dgst)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestChunkEnumerateEmpty(t *testing.T) {
	set, err := distribution.ListDigests(context.Background(), createRegistry(t).Chunks())
	require.NoError(t, err)
	require.Empty(t, set)
}

func TestDigestFromPath(t *testing.T) {
	dgst := digest.FromString("path")
	p, err := pathFor(chunkDataPathSpec{digest: dgst})
	require.NoError(t, err)
	require.Equal(t, "/goldboot/registry/v1/chunks/sha256/"+dgst.Encoded()[:2]+"/"+dgst.Encoded()+"/data", p)

	got, err := digestFromPath(p)
	require.NoError(t, err)
	require.Equal(t, dgst, got)
}
