package client

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/goldboot/distribution"
	"github.com/goldboot/distribution/configuration"
	"github.com/goldboot/distribution/internal/dcontext"
	_ "github.com/goldboot/distribution/registry/auth/htpasswd"
	"github.com/goldboot/distribution/registry/handlers"
	"github.com/goldboot/distribution/testutil"
)

func newAuthServer(t *testing.T) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("golden"), bcrypt.MinCost)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "htpasswd")
	require.NoError(t, os.WriteFile(path, []byte("builder:"+string(hash)+"\n"), 0o600))

	config := &configuration.Configuration{
		Storage: configuration.Storage{"inmemory": configuration.Parameters{}},
		Auth: configuration.Auth{"htpasswd": configuration.Parameters{
			"realm": "goldboot",
			"path":  path,
		}},
	}
	app, err := handlers.NewApp(dcontext.Background(), config)
	require.NoError(t, err)
	server := httptest.NewServer(app)
	t.Cleanup(server.Close)
	return server.URL
}

func TestBasicAuth(t *testing.T) {
	ctx := context.Background()
	base := newAuthServer(t)
	m, local := encodeImage(t, "goldboot/archlinux", "1", testutil.RandomBytes(t, 3*4096))

	anonymous, err := New(base, WithRetry(0, time.Millisecond, time.Millisecond))
	require.NoError(t, err)
	assert.Error(t, anonymous.Ping(ctx))
	_, err = NewSession(anonymous, 2).Push(ctx, m, local)
	require.ErrorIs(t, err, distribution.ErrUnauthorized)

	wrong, err := New(base, WithBasicAuth("builder", "tarnished"), WithRetry(0, time.Millisecond, time.Millisecond))
	require.NoError(t, err)
	_, err = wrong.Versions(ctx, "goldboot/archlinux")
	require.ErrorIs(t, err, distribution.ErrUnauthorized)

	c, err := New(base, WithBasicAuth("builder", "golden"))
	require.NoError(t, err)
	require.NoError(t, c.Ping(ctx))
	desc, err := NewSession(c, 2).Push(ctx, m, local)
	require.NoError(t, err)
	dgst, err := m.Digest()
	require.NoError(t, err)
	assert.Equal(t, dgst, desc.Digest)

	versions, err := c.Versions(ctx, "goldboot/archlinux")
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, versions)
}
