package distribution

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorKinds(t *testing.T) {
	dgst := digest.FromString("chunk")

	for _, tc := range []struct {
		err  error
		kind error
	}{
		{ErrChunkUnknown{Digest: dgst}, ErrNotFound},
		{ErrImageUnknown{Name: "ubuntu", Version: "1"}, ErrNotFound},
		{ErrChunkCorrupt{Digest: dgst, Actual: digest.FromString("other")}, ErrCorrupt},
		{ErrChunkInvalidDigest{Digest: dgst, Reason: errors.New("short")}, ErrCorrupt},
		{ErrManifestInvalid{Reason: "truncated"}, ErrCorrupt},
		{ErrDigestMismatch{Index: -1, Expected: dgst}, ErrManifestMismatch},
		{ErrMissingChunks{Digests: []digest.Digest{dgst}}, ErrMissingChunk},
		{ErrUnsupportedFormat{Version: 9}, ErrUnsupportedVersion},
		{ErrChunkConflict{Digest: dgst}, ErrConflict},
		{ErrCommitConflict{Name: "ubuntu", Version: "1", Reason: "busy"}, ErrConflict},
	} {
		wrapped := fmt.Errorf("operation: %w", tc.err)
		assert.ErrorIs(t, wrapped, tc.kind, "%T", tc.err)
		assert.NotEmpty(t, tc.err.Error())
	}
}

func TestValidateName(t *testing.T) {
	for _, name := range []string{"ubuntu", "windows10", "fossable/goldboot-linux", "a.b_c-d/e"} {
		assert.NoError(t, ValidateName(name), name)
	}
	for _, name := range []string{"", "Ubuntu", "-lead", "trail-", "a//b", "a/"} {
		assert.Error(t, ValidateName(name), name)
	}

	assert.NoError(t, ValidateVersion("22.04"))
	assert.NoError(t, ValidateVersion("latest"))
	assert.Error(t, ValidateVersion(".hidden"))
	assert.Error(t, ValidateVersion(""))
}

type setEnumerator []digest.Digest

func (s setEnumerator) Enumerate(ctx context.Context, fn func(digest.Digest) error) error {
	for _, dgst := range s {
		if err := fn(dgst); err != nil {
			return err
		}
	}
	return nil
}

func TestListDigests(t *testing.T) {
	a, b := digest.FromString("a"), digest.FromString("b")

	set, err := ListDigests(context.Background(), setEnumerator{b, a, b})
	require.NoError(t, err)
	require.Len(t, set, 2)
	require.True(t, set.Contains(a))

	sorted := set.Sorted()
	require.Len(t, sorted, 2)
	require.True(t, sorted[0] < sorted[1])
}
