package purge

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/goldboot/distribution/configuration"
	"github.com/goldboot/distribution/registry/storage/driver/inmemory"
)

func TestParseConfig(t *testing.T) {
	tests := []struct {
		config string
		want   *PurgeOption
		err    string
	}{
		{
			config: `
version: 0.1
storage:
  s3:
  maintenance:
    uploadpurging:
      enabled: true
      age: 120h
      interval: 48h
      dryrun: false`,
			want: &PurgeOption{
				Enabled:  true,
				DryRun:   false,
				Age:      120 * time.Hour,
				Interval: 48 * time.Hour,
			},
		},
		{
			config: `
version: 0.1
storage:
  s3:
  maintenance:
    uploadpurging:
      dryrun: false`,
			want: &PurgeOption{
				Enabled:  false,
				DryRun:   false,
				Age:      168 * time.Hour,
				Interval: 24 * time.Hour,
			},
		},
		{
			config: `
version: 0.1
storage:
  s3:
  maintenance:
    uploadpurging:
      enabled: true
      age: aaaa`,
			err: "age",
		},
		{
			config: `
version: 0.1
storage:
  s3:
  maintenance:
    uploadpurging:
      enabled: true
      interval: aaaa`,
			err: "interval",
		},
	}

	for _, tc := range tests {
		config, err := configuration.Parse(strings.NewReader(tc.config))
		require.NoError(t, err, tc.config)

		purgeConfig, ok := config.Storage.UploadPurging()
		require.True(t, ok)

		got, err := ParseConfig(purgeConfig)
		if tc.err != "" {
			require.ErrorContains(t, err, tc.err)
			continue
		}
		require.NoError(t, err)
		require.Equal(t, tc.want, got)
	}
}

func TestParseDefaultConfig(t *testing.T) {
	po, err := ParseConfig(UploadPurgeDefaultConfig())
	require.NoError(t, err)
	require.True(t, po.Enabled)
	require.Equal(t, 168*time.Hour, po.Age)
}

func TestRunDryRunKeepsUploads(t *testing.T) {
	ctx := context.Background()
	d := inmemory.New()

	id := "018f0c6e-1d2a-7b3c-8d4e-5f60718293a4"
	started := time.Now().Add(-200 * time.Hour).Format(time.RFC3339)
	require.NoError(t, d.PutContent(ctx, "/goldboot/registry/v1/uploads/"+id+"/startedat", []byte(started)))

	deleted := Run(ctx, d, &PurgeOption{Enabled: true, DryRun: true, Age: time.Hour, Interval: time.Hour})
	require.Len(t, deleted, 1)

	_, err := d.Stat(ctx, "/goldboot/registry/v1/uploads/"+id+"/startedat")
	require.NoError(t, err)

	deleted = Run(ctx, d, &PurgeOption{Enabled: true, Age: time.Hour, Interval: time.Hour})
	require.Len(t, deleted, 1)

	_, err = d.Stat(ctx, "/goldboot/registry/v1/uploads/"+id+"/startedat")
	require.Error(t, err)
}
