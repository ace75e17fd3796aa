package factory_test

import (
	"context"
	"errors"
	"testing"

	"github.com/goldboot/distribution/registry/storage/driver/factory"
	_ "github.com/goldboot/distribution/registry/storage/driver/filesystem"
	_ "github.com/goldboot/distribution/registry/storage/driver/inmemory"
	"github.com/stretchr/testify/require"
)

func TestCreateRegisteredDrivers(t *testing.T) {
	ctx := context.Background()

	d, err := factory.Create(ctx, "inmemory", nil)
	require.NoError(t, err)
	require.Equal(t, "inmemory", d.Name())

	d, err = factory.Create(ctx, "filesystem", map[string]any{"rootdirectory": t.TempDir()})
	require.NoError(t, err)
	require.Equal(t, "filesystem", d.Name())
}

func TestCreateUnknownDriver(t *testing.T) {
	_, err := factory.Create(context.Background(), "floppy", nil)

	var invalid factory.InvalidStorageDriverError
	require.True(t, errors.As(err, &invalid))
	require.Equal(t, "floppy", invalid.Name)
}

func TestRegisterTwicePanics(t *testing.T) {
	require.Panics(t, func() {
		factory.Register("inmemory", nil)
	})
}
