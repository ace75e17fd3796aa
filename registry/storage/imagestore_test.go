package storage

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"

	"github.com/goldboot/distribution"
	"github.com/goldboot/distribution/envelope"
	"github.com/goldboot/distribution/image"
)

func TestCommitFetch(t *testing.T) {
	ctx := context.Background()
	registry := createRegistry(t)
	m, payload := encodeImage(t, registry, "ubuntu", "22.04", 20000)

	desc, err := registry.Images().Commit(ctx, "ubuntu", "22.04", payload)
	require.NoError(t, err)
	require.Equal(t, digest.FromBytes(payload), desc.Digest)
	require.Equal(t, distribution.MediaTypeManifest, desc.MediaType)

	got, fetched, err := registry.Images().Fetch(ctx, "ubuntu", "22.04")
	require.NoError(t, err)
	require.Equal(t, payload, got)
	require.Equal(t, desc.Digest, fetched.Digest)

	decoded, err := image.UnmarshalManifest(got)
	require.NoError(t, err)
	require.Equal(t, m.ContentDigest, decoded.ContentDigest)

	versions, err := registry.Images().Versions(ctx, "ubuntu")
	require.NoError(t, err)
	require.Equal(t, []string{"22.04"}, versions)
}

func TestCommitIdempotent(t *testing.T) {
	ctx := context.Background()
	registry := createRegistry(t)
	_, payload := encodeImage(t, registry, "debian", "12", 10000)

	first, err := registry.Images().Commit(ctx, "debian", "12", payload)
	require.NoError(t, err)
	second, err := registry.Images().Commit(ctx, "debian", "12", payload)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestCommitImmutableVersion(t *testing.T) {
	ctx := context.Background()
	registry := createRegistry(t)
	_, payload := encodeImage(t, registry, "debian", "12", 10000)
	_, other := encodeImage(t, registry, "debian", "12", 12000)

	_, err := registry.Images().Commit(ctx, "debian", "12", payload)
	require.NoError(t, err)

	_, err = registry.Images().Commit(ctx, "debian", "12", other)
	require.ErrorIs(t, err, distribution.ErrConflict)

	got, _, err := registry.Images().Fetch(ctx, "debian", "12")
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestCommitMissingChunks(t *testing.T) {
	ctx := context.Background()
	registry := createRegistry(t)
	m, payload := encodeImage(t, registry, "arch", "2024.01.01", 9000)

	lost := m.Entries[1].Digest
	require.NoError(t, registry.Chunks().Delete(ctx, lost))

	_, err := registry.Images().Commit(ctx, "arch", "2024.01.01", payload)
	require.ErrorIs(t, err, distribution.ErrMissingChunk)
	var missing distribution.ErrMissingChunks
	require.ErrorAs(t, err, &missing)
	require.Equal(t, []digest.Digest{lost}, missing.Digests)

	// nothing was published
	_, _, err = registry.Images().Fetch(ctx, "arch", "2024.01.01")
	require.ErrorIs(t, err, distribution.ErrNotFound)
}

func TestCommitNameMismatch(t *testing.T) {
	ctx := context.Background()
	registry := createRegistry(t)
	_, payload := encodeImage(t, registry, "alpine", "3.19", 5000)

	_, err := registry.Images().Commit(ctx, "alpine", "3.20", payload)
	require.ErrorIs(t, err, distribution.ErrCorrupt)

	_, err = registry.Images().Commit(ctx, "Not Valid", "3.19", payload)
	var invalid distribution.ErrNameInvalid
	require.ErrorAs(t, err, &invalid)
}

func TestCommitRejectsGarbage(t *testing.T) {
	ctx := context.Background()
	registry := createRegistry(t)

	_, err := registry.Images().Commit(ctx, "alpine", "3.19", []byte("not a container"))
	require.ErrorIs(t, err, distribution.ErrCorrupt)
}

func TestCommitVerifiesContent(t *testing.T) {
	ctx := context.Background()
	registry := createRegistry(t)
	m, _ := encodeImage(t, registry, "fedora", "40", 8192)

	m.ContentDigest = digest.FromString("something else")
	payload, err := m.MarshalBinary()
	require.NoError(t, err)

	_, err = registry.Images().Commit(ctx, "fedora", "40", payload)
	require.ErrorIs(t, err, distribution.ErrManifestMismatch)

	_, _, err = registry.Images().Fetch(ctx, "fedora", "40")
	require.ErrorIs(t, err, distribution.ErrNotFound)
}

func TestCommitSkipVerification(t *testing.T) {
	ctx := context.Background()
	registry := createRegistry(t, SkipCommitVerification)
	m, _ := encodeImage(t, registry, "fedora", "41", 8192)

	m.ContentDigest = digest.FromString("something else")
	payload, err := m.MarshalBinary()
	require.NoError(t, err)

	_, err = registry.Images().Commit(ctx, "fedora", "41", payload)
	require.NoError(t, err)
}

func TestCommitSealedStoredLengths(t *testing.T) {
	ctx := context.Background()
	registry := createRegistry(t)
	m, _ := encodeImage(t, registry, "windows", "11", 10000)

	sealed, err := envelope.Seal(ctx, m, registry.Chunks(), envelope.Passphrase("correct horse"))
	require.NoError(t, err)

	short := sealed.Clone()
	short.Entries[1].StoredLength++
	payload, err := short.MarshalBinary()
	require.NoError(t, err)
	_, err = registry.Images().Commit(ctx, "windows", "11", payload)
	require.ErrorIs(t, err, distribution.ErrManifestMismatch)

	_, _, err = registry.Images().Fetch(ctx, "windows", "11")
	require.ErrorIs(t, err, distribution.ErrNotFound)

	payload, err = sealed.MarshalBinary()
	require.NoError(t, err)
	_, err = registry.Images().Commit(ctx, "windows", "11", payload)
	require.NoError(t, err)
}

func TestCommitLockedVersion(t *testing.T) {
	ctx := context.Background()
	registry := createRegistry(t)
	_, payload := encodeImage(t, registry, "nixos", "24.05", 4096)

	unlock, ok := registry.images.locks.tryLock("nixos", "24.05")
	require.True(t, ok)

	_, err := registry.Images().Commit(ctx, "nixos", "24.05", payload)
	require.ErrorIs(t, err, distribution.ErrConflict)

	// other versions are unaffected
	_, other := encodeImage(t, registry, "nixos", "24.11", 4096)
	_, err = registry.Images().Commit(ctx, "nixos", "24.11", other)
	require.NoError(t, err)

	unlock()
	_, err = registry.Images().Commit(ctx, "nixos", "24.05", payload)
	require.NoError(t, err)
}

func TestConcurrentCommitsOneVersion(t *testing.T) {
	ctx := context.Background()
	registry := createRegistry(t)
	_, payload := encodeImage(t, registry, "gentoo", "1", 4096)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := registry.Images().Commit(ctx, "gentoo", "1", payload)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		require.ErrorIs(t, err, distribution.ErrConflict)
	}
	require.NotZero(t, succeeded)

	got, _, err := registry.Images().Fetch(ctx, "gentoo", "1")
	require.NoError(t, err)
	require.True(t, bytes.Equal(payload, got))
}

func TestNamesAndDelete(t *testing.T) {
	ctx := context.Background()
	registry := createRegistry(t)

	for _, ref := range []struct{ name, version string }{
		{"windows/server", "2022"},
		{"ubuntu", "22.04"},
		{"ubuntu", "24.04"},
	} {
		_, payload := encodeImage(t, registry, ref.name, ref.version, 3000)
		_, err := registry.Images().Commit(ctx, ref.name, ref.version, payload)
		require.NoError(t, err)
	}

	var names []string
	require.NoError(t, registry.Images().Names(ctx, func(name string) error {
		names = append(names, name)
		return nil
	}))
	require.Equal(t, []string{"ubuntu", "windows/server"}, names)

	require.NoError(t, registry.Images().Delete(ctx, "ubuntu", "22.04"))
	_, _, err := registry.Images().Fetch(ctx, "ubuntu", "22.04")
	require.ErrorIs(t, err, distribution.ErrNotFound)
	require.ErrorIs(t, registry.Images().Delete(ctx, "ubuntu", "22.04"), distribution.ErrNotFound)

	versions, err := registry.Images().Versions(ctx, "ubuntu")
	require.NoError(t, err)
	require.Equal(t, []string{"24.04"}, versions)

	require.NoError(t, registry.Images().Delete(ctx, "windows/server", "2022"))
	_, err = registry.Images().Versions(ctx, "windows/server")
	require.ErrorIs(t, err, distribution.ErrNotFound)
}

func TestDeleteDisabled(t *testing.T) {
	ctx := context.Background()
	registry, err := NewRegistry(ctx, createRegistry(t).Driver())
	require.NoError(t, err)

	require.ErrorIs(t, registry.Images().Delete(ctx, "ubuntu", "1"), distribution.ErrUnsupported)
}
