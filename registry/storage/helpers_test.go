package storage

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/goldboot/distribution/image"
	"github.com/goldboot/distribution/internal/dcontext"
	"github.com/goldboot/distribution/registry/storage/driver/inmemory"
	"github.com/goldboot/distribution/testutil"
)

func createRegistry(t *testing.T, options ...RegistryOption) *Registry {
	t.Helper()
	ctx := dcontext.Background()
	options = append(options, EnableDelete)
	registry, err := NewRegistry(ctx, inmemory.New(), options...)
	require.NoError(t, err, "Failed to construct registry")
	return registry
}

// encodeImage stores random content in the registry's chunk store and
// returns its manifest and out-of-line container.
func encodeImage(t *testing.T, registry *Registry, name, version string, size int) (*image.Manifest, []byte) {
	t.Helper()
	ctx := context.Background()
	content := testutil.RandomBytes(t, size)

	m, err := image.Encode(ctx, bytes.NewReader(content), image.FixedPolicy(4096), registry.Chunks(), image.Metadata{
		Name:    name,
		Version: version,
		OS:      "linux",
		Arch:    "amd64",
	})
	require.NoError(t, err)

	payload, err := m.MarshalBinary()
	require.NoError(t, err)
	return m, payload
}
