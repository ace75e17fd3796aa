package handlers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/goldboot/distribution/configuration"
	"github.com/goldboot/distribution/health"
	"github.com/goldboot/distribution/internal/dcontext"
)

func TestStorageDriverHealthCheck(t *testing.T) {
	config := &configuration.Configuration{
		Storage: configuration.Storage{
			"inmemory": configuration.Parameters{},
		},
	}
	config.Health.StorageDriver.Enabled = true
	config.Health.StorageDriver.Interval = 10 * time.Millisecond
	config.Health.StorageDriver.Threshold = 1

	ctx, cancel := context.WithCancel(dcontext.Background())
	defer cancel()

	app, err := NewApp(ctx, config)
	require.NoError(t, err)

	registry := health.NewRegistry()
	app.RegisterHealthChecks(registry)

	<-time.After(5 * config.Health.StorageDriver.Interval)
	require.Empty(t, registry.CheckStatus(ctx))

	// polling stops with the app context; the check then fails past the
	// threshold
	cancel()
	require.Eventually(t, func() bool {
		return len(registry.CheckStatus(context.Background())) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestRegisterHealthChecksRejectsTwoRegistries(t *testing.T) {
	app, err := NewApp(dcontext.Background(), &configuration.Configuration{
		Storage: configuration.Storage{"inmemory": configuration.Parameters{}},
	})
	require.NoError(t, err)

	require.Panics(t, func() {
		app.RegisterHealthChecks(health.NewRegistry(), health.NewRegistry())
	})
}
