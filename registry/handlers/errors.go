package handlers

import (
	"errors"

	"github.com/goldboot/distribution"
	"github.com/goldboot/distribution/registry/api/errcode"
	v1 "github.com/goldboot/distribution/registry/api/v1"
)

// errorToErrcode translates storage errors into their protocol error code.
// Errors that already carry a code pass through unchanged.
func errorToErrcode(err error) error {
	var (
		coded          errcode.Error
		chunkUnknown   distribution.ErrChunkUnknown
		chunkCorrupt   distribution.ErrChunkCorrupt
		invalidDigest  distribution.ErrChunkInvalidDigest
		chunkConflict  distribution.ErrChunkConflict
		imageUnknown   distribution.ErrImageUnknown
		nameInvalid    distribution.ErrNameInvalid
		missingChunks  distribution.ErrMissingChunks
		commitConflict distribution.ErrCommitConflict
		mismatch       distribution.ErrDigestMismatch
		invalid        distribution.ErrManifestInvalid
		unsupported    distribution.ErrUnsupportedFormat
	)

	switch {
	case errors.As(err, &coded):
		return coded
	case errors.As(err, &chunkUnknown):
		return errcode.ErrorCodeChunkUnknown.WithDetail(chunkUnknown.Digest)
	case errors.As(err, &chunkCorrupt):
		return errcode.ErrorCodeChunkCorrupt.WithDetail(chunkCorrupt.Digest)
	case errors.As(err, &invalidDigest):
		return errcode.ErrorCodeDigestInvalid.WithDetail(invalidDigest.Error())
	case errors.As(err, &chunkConflict):
		return errcode.ErrorCodeChunkConflict.WithDetail(chunkConflict.Digest)
	case errors.As(err, &imageUnknown):
		if imageUnknown.Version == "" {
			return errcode.ErrorCodeNameUnknown.WithDetail(map[string]string{"name": imageUnknown.Name})
		}
		return errcode.ErrorCodeManifestUnknown.WithDetail(map[string]string{
			"name":    imageUnknown.Name,
			"version": imageUnknown.Version,
		})
	case errors.As(err, &nameInvalid):
		return errcode.ErrorCodeNameInvalid.WithDetail(nameInvalid.Error())
	case errors.As(err, &missingChunks):
		return errcode.ErrorCodeManifestChunkUnknown.WithDetail(v1.MissingChunksDetail{Missing: missingChunks.Digests})
	case errors.As(err, &commitConflict):
		return errcode.ErrorCodeCommitConflict.WithDetail(commitConflict.Reason)
	case errors.As(err, &mismatch):
		return errcode.ErrorCodeManifestMismatch.WithDetail(mismatch.Error())
	case errors.As(err, &unsupported):
		return errcode.ErrorCodeUnsupportedVersion.WithDetail(unsupported.Version)
	case errors.As(err, &invalid):
		return errcode.ErrorCodeManifestInvalid.WithDetail(invalid.Reason)
	case errors.Is(err, distribution.ErrUnsupportedVersion):
		return errcode.ErrorCodeUnsupportedVersion.WithDetail(err.Error())
	case errors.Is(err, distribution.ErrManifestMismatch):
		return errcode.ErrorCodeManifestMismatch.WithDetail(err.Error())
	case errors.Is(err, distribution.ErrCorrupt):
		return errcode.ErrorCodeManifestInvalid.WithDetail(err.Error())
	case errors.Is(err, distribution.ErrUnsupported):
		return errcode.ErrorCodeUnsupported
	case errors.Is(err, distribution.ErrNotFound):
		return errcode.ErrorCodeManifestUnknown.WithDetail(err.Error())
	case errors.Is(err, distribution.ErrConflict):
		return errcode.ErrorCodeCommitConflict.WithDetail(err.Error())
	default:
		return errcode.ErrorCodeUnknown.WithDetail(err.Error())
	}
}
