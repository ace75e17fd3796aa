package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/goldboot/distribution"
)

func quiet(string, ...any) {}

func TestGCKeepsReferencedChunks(t *testing.T) {
	ctx := context.Background()
	registry := createRegistry(t)

	kept, payload := encodeImage(t, registry, "ubuntu", "22.04", 20000)
	_, err := registry.Images().Commit(ctx, "ubuntu", "22.04", payload)
	require.NoError(t, err)

	// chunks of an aborted push are never referenced
	orphan, _ := encodeImage(t, registry, "ubuntu", "24.04", 9000)

	result, err := MarkAndSweep(ctx, registry, GCOpts{Emit: quiet})
	require.NoError(t, err)
	require.Equal(t, len(kept.StoredDigests()), result.MarkedChunks)
	require.Len(t, result.Chunks, len(orphan.StoredDigests()))

	for _, dgst := range kept.StoredDigests() {
		ok, err := registry.Chunks().Has(ctx, dgst)
		require.NoError(t, err)
		require.True(t, ok)
	}
	for _, dgst := range orphan.StoredDigests() {
		ok, err := registry.Chunks().Has(ctx, dgst)
		require.NoError(t, err)
		require.False(t, ok)
	}
}

func TestGCDryRun(t *testing.T) {
	ctx := context.Background()
	registry := createRegistry(t)
	orphan, _ := encodeImage(t, registry, "ubuntu", "24.04", 9000)

	result, err := MarkAndSweep(ctx, registry, GCOpts{DryRun: true, Emit: quiet})
	require.NoError(t, err)
	require.Len(t, result.Chunks, len(orphan.StoredDigests()))

	set, err := distribution.ListDigests(ctx, registry.Chunks())
	require.NoError(t, err)
	require.Len(t, set, len(orphan.StoredDigests()))
}

func TestGCSweepsDeletedVersion(t *testing.T) {
	ctx := context.Background()
	registry := createRegistry(t)

	_, payload := encodeImage(t, registry, "debian", "11", 7000)
	desc, err := registry.Images().Commit(ctx, "debian", "11", payload)
	require.NoError(t, err)
	require.NoError(t, registry.Images().Delete(ctx, "debian", "11"))

	result, err := MarkAndSweep(ctx, registry, GCOpts{Emit: quiet})
	require.NoError(t, err)
	require.Len(t, result.Manifests, 1)
	require.Equal(t, desc.Digest, result.Manifests[0])

	set, err := distribution.ListDigests(ctx, registry.Chunks())
	require.NoError(t, err)
	require.Empty(t, set)
}
