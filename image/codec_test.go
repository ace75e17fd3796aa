package image

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goldboot/distribution"
	"github.com/goldboot/distribution/testutil"
)

func testMetadata() Metadata {
	return Metadata{
		Name:    "goldboot/archlinux",
		Version: "2024.06.01",
		Created: time.Unix(1717200000, 0).UTC(),
		OS:      "ArchLinux",
		Profile: "desktop",
		Arch:    "amd64",
	}
}

func TestEncodeFixedPolicy(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewChunkStore()
	data := testutil.RandomBytes(t, 10<<20)

	m, err := Encode(ctx, bytes.NewReader(data), DefaultPolicy, store, testMetadata())
	require.NoError(t, err)

	require.Len(t, m.Entries, 10)
	assert.Equal(t, uint64(len(data)), m.Size)
	assert.Equal(t, digest.FromBytes(data), m.ContentDigest)
	for i, e := range m.Entries {
		assert.Equal(t, uint64(i)<<20, e.Offset)
		assert.Equal(t, uint64(1<<20), e.Length)
		assert.Equal(t, digest.FromBytes(data[e.Offset:e.Offset+e.Length]), e.Digest)
	}
	require.NoError(t, m.Validate())
}

func TestEncodeShortLastChunk(t *testing.T) {
	store := testutil.NewChunkStore()
	data := testutil.RandomBytes(t, 2500)

	m, err := Encode(context.Background(), bytes.NewReader(data), FixedPolicy(1000), store, testMetadata())
	require.NoError(t, err)
	require.Len(t, m.Entries, 3)
	assert.Equal(t, uint64(500), m.Entries[2].Length)
}

func TestRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		name   string
		policy ChunkPolicy
		size   int
	}{
		{"fixed", DefaultPolicy, 3<<20 + 17},
		{"small fixed", FixedPolicy(4096), 100000},
		{"buzhash", BuzhashPolicy(), 3 << 20},
		{"empty", DefaultPolicy, 0},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			store := testutil.NewChunkStore()
			data := testutil.RandomBytes(t, tc.size)

			m, err := Encode(ctx, bytes.NewReader(data), tc.policy, store, testMetadata())
			require.NoError(t, err)

			var out bytes.Buffer
			require.NoError(t, Decode(ctx, m, store, &out))
			assert.Equal(t, data, out.Bytes())
		})
	}
}

func TestEncodeDeduplicates(t *testing.T) {
	store := testutil.NewChunkStore()
	block := testutil.RandomBytes(t, 4096)
	data := bytes.Repeat(block, 8)

	m, err := Encode(context.Background(), bytes.NewReader(data), FixedPolicy(4096), store, testMetadata())
	require.NoError(t, err)
	assert.Len(t, m.Entries, 8)
	assert.Len(t, m.StoredDigests(), 1)
	assert.Equal(t, 1, store.Len())
}

func TestDecodeDetectsTamperedChunk(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewChunkStore()
	data := testutil.RandomBytes(t, 64<<10)

	m, err := Encode(ctx, bytes.NewReader(data), FixedPolicy(16<<10), store, testMetadata())
	require.NoError(t, err)

	tampered := append([]byte(nil), data[16<<10:32<<10]...)
	tampered[7] ^= 0xff
	store.Tamper(m.Entries[1].Digest, tampered)

	var out bytes.Buffer
	err = Decode(ctx, m, store, &out)
	require.Error(t, err)
	assert.True(t, errors.Is(err, distribution.ErrManifestMismatch))

	var mismatch distribution.ErrDigestMismatch
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, 1, mismatch.Index)

	// nothing from the tampered chunk may be emitted
	assert.Equal(t, data[:16<<10], out.Bytes())
}

func TestDecodeDetectsWrongOverallDigest(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewChunkStore()
	data := testutil.RandomBytes(t, 8192)

	m, err := Encode(ctx, bytes.NewReader(data), FixedPolicy(4096), store, testMetadata())
	require.NoError(t, err)
	m.ContentDigest = digest.FromString("something else")

	err = Verify(ctx, m, store)
	require.Error(t, err)
	assert.True(t, errors.Is(err, distribution.ErrManifestMismatch))
}

func TestDecodeMissingChunk(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewChunkStore()
	data := testutil.RandomBytes(t, 8192)

	m, err := Encode(ctx, bytes.NewReader(data), FixedPolicy(4096), store, testMetadata())
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, m.Entries[1].Digest))

	missing, err := Missing(ctx, m, store)
	require.NoError(t, err)
	assert.Equal(t, []digest.Digest{m.Entries[1].Digest}, missing)

	err = Verify(ctx, m, store)
	require.Error(t, err)
	assert.True(t, errors.Is(err, distribution.ErrMissingChunk))
}

func TestReaderClose(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewChunkStore()
	m, err := Encode(ctx, bytes.NewReader(testutil.RandomBytes(t, 8192)), FixedPolicy(4096), store, testMetadata())
	require.NoError(t, err)

	rc := NewReader(ctx, m, store)
	buf := make([]byte, 100)
	_, err = rc.Read(buf)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	_, err = io.ReadAll(rc)
	require.Error(t, err)
}

func TestReaderCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := testutil.NewChunkStore()
	m, err := Encode(ctx, bytes.NewReader(testutil.RandomBytes(t, 8192)), FixedPolicy(4096), store, testMetadata())
	require.NoError(t, err)

	cancel()
	_, err = io.ReadAll(NewReader(ctx, m, store))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("", 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultPolicy, p)

	p, err = ParsePolicy("fixed", 4<<20)
	require.NoError(t, err)
	assert.Equal(t, FixedPolicy(4<<20), p)

	p, err = ParsePolicy("buzhash", 0)
	require.NoError(t, err)
	assert.Equal(t, PolicyBuzhash, p.Kind)

	_, err = ParsePolicy("fixed", MaxChunkSize+1)
	assert.Error(t, err)

	_, err = ParsePolicy("rabin", 0)
	assert.Error(t, err)
}
