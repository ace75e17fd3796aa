package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/goldboot/distribution"
)

func TestLibraryReportsCorruptManifest(t *testing.T) {
	ctx := context.Background()
	registry := createRegistry(t)

	_, good := encodeImage(t, registry, "ubuntu", "22.04", 5000)
	_, bad := encodeImage(t, registry, "ubuntu", "24.04", 5000)
	_, err := registry.Images().Commit(ctx, "ubuntu", "22.04", good)
	require.NoError(t, err)
	desc, err := registry.Images().Commit(ctx, "ubuntu", "24.04", bad)
	require.NoError(t, err)

	mp, err := pathFor(manifestDataPathSpec{digest: desc.Digest})
	require.NoError(t, err)
	require.NoError(t, registry.Driver().PutContent(ctx, mp, []byte("scribbled over")))

	entries, err := registry.Library(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	require.Equal(t, "22.04", entries[0].Version)
	require.NoError(t, entries[0].Err)
	require.Equal(t, "ubuntu", entries[0].Metadata.Name)
	require.Equal(t, "amd64", entries[0].Metadata.Arch)

	require.Equal(t, "24.04", entries[1].Version)
	require.ErrorIs(t, entries[1].Err, distribution.ErrCorrupt)
}

func TestFindUnknown(t *testing.T) {
	_, err := createRegistry(t).Find(context.Background(), "nothing")
	require.ErrorIs(t, err, distribution.ErrNotFound)
}
