package storage

import (
	"context"
	"path"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/goldboot/distribution/internal/uuid"
	"github.com/goldboot/distribution/registry/storage/driver"
	"github.com/goldboot/distribution/registry/storage/driver/inmemory"
)

func addUploads(ctx context.Context, t *testing.T, d driver.StorageDriver, startedAt time.Time, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		id := uuid.NewString()
		dataPath, err := pathFor(uploadDataPathSpec{id: id})
		require.NoError(t, err)
		require.NoError(t, d.PutContent(ctx, dataPath, []byte("partial")))

		startedAtPath, err := pathFor(uploadStartedAtPathSpec{id: id})
		require.NoError(t, err)
		require.NoError(t, d.PutContent(ctx, startedAtPath, []byte(startedAt.Format(time.RFC3339))))
	}
}

func TestPurgeGather(t *testing.T) {
	ctx := context.Background()
	d := inmemory.New()
	addUploads(ctx, t, d, time.Now().Add(-time.Hour), 5)

	uploads, errs := getOutstandingUploads(ctx, d)
	require.Empty(t, errs)
	require.Len(t, uploads, 5)
}

func TestPurgeAll(t *testing.T) {
	ctx := context.Background()
	d := inmemory.New()
	addUploads(ctx, t, d, time.Now().Add(-2*time.Hour), 3)
	addUploads(ctx, t, d, time.Now(), 2)

	deleted, errs := PurgeUploads(ctx, d, time.Now().Add(-time.Hour), true)
	require.Empty(t, errs)
	require.Len(t, deleted, 3)

	root, err := pathFor(uploadsPathSpec{})
	require.NoError(t, err)
	remaining, err := d.List(ctx, root)
	require.NoError(t, err)
	require.Len(t, remaining, 2)
}

func TestPurgeDryRun(t *testing.T) {
	ctx := context.Background()
	d := inmemory.New()
	addUploads(ctx, t, d, time.Now().Add(-2*time.Hour), 2)

	deleted, errs := PurgeUploads(ctx, d, time.Now(), false)
	require.Empty(t, errs)
	require.Len(t, deleted, 2)

	uploads, _ := getOutstandingUploads(ctx, d)
	require.Len(t, uploads, 2)
}

func TestPurgeMissingStartedAt(t *testing.T) {
	ctx := context.Background()
	d := inmemory.New()
	id := uuid.NewString()
	dataPath, err := pathFor(uploadDataPathSpec{id: id})
	require.NoError(t, err)
	require.NoError(t, d.PutContent(ctx, dataPath, []byte("partial")))

	deleted, errs := PurgeUploads(ctx, d, time.Now(), true)
	require.Empty(t, errs)
	require.Empty(t, deleted)

	_, err = d.Stat(ctx, path.Dir(dataPath))
	require.NoError(t, err)
}

func TestPurgeEmpty(t *testing.T) {
	deleted, errs := PurgeUploads(context.Background(), inmemory.New(), time.Now(), true)
	require.Empty(t, errs)
	require.Empty(t, deleted)
}
