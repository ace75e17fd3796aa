package distribution

import (
	"errors"
	"fmt"
	"strings"

	"github.com/opencontainers/go-digest"
)

// Error kinds. Every error returned by the chunk store, codec, envelope and
// registry client unwraps to one of these, so callers can use errors.Is.
var (
	// ErrNotFound is returned when a chunk or manifest is absent.
	ErrNotFound = errors.New("not found")

	// ErrCorrupt is returned when stored or received bytes fail a digest
	// check, or a container cannot be parsed.
	ErrCorrupt = errors.New("content corrupt")

	// ErrManifestMismatch is returned when decoded content disagrees with
	// the digests recorded in its manifest.
	ErrManifestMismatch = errors.New("manifest mismatch")

	// ErrMissingChunk is returned when a manifest references a chunk the
	// store does not hold.
	ErrMissingChunk = errors.New("missing chunk")

	// ErrUnsupportedVersion is returned for an unknown container format
	// version.
	ErrUnsupportedVersion = errors.New("unsupported format version")

	// ErrUnauthorized is returned when a sealed manifest carries no wrapped
	// key for the requesting recipient.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrDecryptionFailed is returned when authenticated decryption fails.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrConflict is returned for concurrent commits, republishing a version
	// with different content, or a digest collision.
	ErrConflict = errors.New("conflict")
)

// ErrChunkUnknown is returned when a chunk is not present in a store.
type ErrChunkUnknown struct {
	Digest digest.Digest
}

func (err ErrChunkUnknown) Error() string {
	return fmt.Sprintf("unknown chunk %s", err.Digest)
}

func (ErrChunkUnknown) Unwrap() error { return ErrNotFound }

// ErrChunkCorrupt is returned when the bytes stored under Digest hash to
// something else.
type ErrChunkCorrupt struct {
	Digest digest.Digest
	Actual digest.Digest
}

func (err ErrChunkCorrupt) Error() string {
	return fmt.Sprintf("chunk %s corrupt: content hashes to %s", err.Digest, err.Actual)
}

func (ErrChunkCorrupt) Unwrap() error { return ErrCorrupt }

// ErrChunkInvalidDigest is returned when ingested content does not hash to
// the digest it was offered under.
type ErrChunkInvalidDigest struct {
	Digest digest.Digest
	Reason error
}

func (err ErrChunkInvalidDigest) Error() string {
	return fmt.Sprintf("invalid digest for referenced chunk: %v, %v", err.Digest, err.Reason)
}

func (ErrChunkInvalidDigest) Unwrap() error { return ErrCorrupt }

// ErrChunkConflict is returned when different content arrives under a
// digest whose stored content still verifies.
type ErrChunkConflict struct {
	Digest digest.Digest
}

func (err ErrChunkConflict) Error() string {
	return fmt.Sprintf("digest collision: %s already holds different content", err.Digest)
}

func (ErrChunkConflict) Unwrap() error { return ErrConflict }

// ErrImageUnknown is returned when no manifest is published under the name
// and version.
type ErrImageUnknown struct {
	Name    string
	Version string
}

func (err ErrImageUnknown) Error() string {
	if err.Version == "" {
		return fmt.Sprintf("unknown image %s", err.Name)
	}
	return fmt.Sprintf("unknown image %s:%s", err.Name, err.Version)
}

func (ErrImageUnknown) Unwrap() error { return ErrNotFound }

// ErrManifestInvalid covers structural problems in a manifest or container.
type ErrManifestInvalid struct {
	Reason string
}

func (err ErrManifestInvalid) Error() string {
	return "invalid manifest: " + err.Reason
}

func (ErrManifestInvalid) Unwrap() error { return ErrCorrupt }

// ErrDigestMismatch is returned when a chunk or the reassembled stream
// hashes to something other than its manifest entry. Index is -1 for the
// overall digest.
type ErrDigestMismatch struct {
	Index    int
	Expected digest.Digest
	Actual   digest.Digest
}

func (err ErrDigestMismatch) Error() string {
	if err.Index < 0 {
		return fmt.Sprintf("image digest mismatch: manifest %s, content %s", err.Expected, err.Actual)
	}
	return fmt.Sprintf("chunk %d digest mismatch: manifest %s, content %s", err.Index, err.Expected, err.Actual)
}

func (ErrDigestMismatch) Unwrap() error { return ErrManifestMismatch }

// ErrMissingChunks lists the chunks a manifest references that a store does
// not hold.
type ErrMissingChunks struct {
	Digests []digest.Digest
}

func (err ErrMissingChunks) Error() string {
	parts := make([]string, 0, len(err.Digests))
	for _, dgst := range err.Digests {
		parts = append(parts, dgst.String())
	}
	return fmt.Sprintf("manifest references %d missing chunks: %s", len(err.Digests), strings.Join(parts, ", "))
}

func (ErrMissingChunks) Unwrap() error { return ErrMissingChunk }

// ErrUnsupportedFormat is returned for containers written with a format
// version this build cannot read.
type ErrUnsupportedFormat struct {
	Version uint16
}

func (err ErrUnsupportedFormat) Error() string {
	return fmt.Sprintf("unsupported image format version %d", err.Version)
}

func (ErrUnsupportedFormat) Unwrap() error { return ErrUnsupportedVersion }

// ErrCommitConflict is returned when a version is being committed by another
// session or is already published with a different manifest.
type ErrCommitConflict struct {
	Name    string
	Version string
	Reason  string
}

func (err ErrCommitConflict) Error() string {
	return fmt.Sprintf("cannot commit %s:%s: %s", err.Name, err.Version, err.Reason)
}

func (ErrCommitConflict) Unwrap() error { return ErrConflict }

// ErrUnsupported is returned when an operation is disabled by configuration,
// such as deleting a published version.
var ErrUnsupported = errors.New("operation unsupported")

// ErrNameInvalid is returned when an image name or version fails
// validation.
type ErrNameInvalid struct {
	Name   string
	Reason error
}

func (err ErrNameInvalid) Error() string {
	return fmt.Sprintf("image name %q invalid: %v", err.Name, err.Reason)
}

func (err ErrNameInvalid) Unwrap() error { return err.Reason }
