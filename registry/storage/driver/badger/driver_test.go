package badger

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/check.v1"

	storagedriver "github.com/goldboot/distribution/registry/storage/driver"
	"github.com/goldboot/distribution/registry/storage/driver/testsuites"
)

// Hook up gocheck into the "go test" runner.
func Test(t *testing.T) { check.TestingT(t) }

func init() {
	testsuites.RegisterSuite(func() (storagedriver.StorageDriver, error) {
		return New(DriverParameters{InMemory: true})
	}, testsuites.NeverSkip)
}

func TestFromParameters(t *testing.T) {
	_, err := FromParameters(map[string]any{})
	require.Error(t, err)

	d, err := FromParameters(map[string]any{"rootdirectory": t.TempDir()})
	require.NoError(t, err)
	require.Equal(t, driverName, d.Name())
	require.NoError(t, d.Close())

	d, err = FromParameters(map[string]any{"inmemory": "true"})
	require.NoError(t, err)
	require.NoError(t, d.Close())
}
