package storage

import (
	"bytes"
	"context"
	"errors"
	"path"
	"time"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/goldboot/distribution"
	"github.com/goldboot/distribution/internal/dcontext"
	"github.com/goldboot/distribution/internal/uuid"
	"github.com/goldboot/distribution/metrics"
	"github.com/goldboot/distribution/registry/storage/cache"
	"github.com/goldboot/distribution/registry/storage/driver"
)

// chunkStore implements distribution.ChunkStore over a storage driver. Every
// chunk lives at its content address. Writes land in an upload directory
// first and are moved into place, so a reader never observes a partial
// chunk.
type chunkStore struct {
	driver  driver.StorageDriver
	statter distribution.ChunkStatter

	// cached is set when a descriptor cache sits in front of statter.
	cached *cache.CachedChunkStatter
}

var _ distribution.ChunkStore = &chunkStore{}

// Stat returns the descriptor of dgst, consulting the cache first when one
// is configured.
func (cs *chunkStore) Stat(ctx context.Context, dgst digest.Digest) (v1.Descriptor, error) {
	return cs.statter.Stat(ctx, dgst)
}

// Has reports whether dgst is stored without reading its content.
func (cs *chunkStore) Has(ctx context.Context, dgst digest.Digest) (bool, error) {
	_, err := cs.Stat(ctx, dgst)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, distribution.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// Get returns the content of dgst after checking that it still hashes to
// dgst. Content that no longer verifies is evicted, so presence checks
// report the chunk missing and the next push uploads it again.
func (cs *chunkStore) Get(ctx context.Context, dgst digest.Digest) ([]byte, error) {
	bp, err := pathFor(chunkDataPathSpec{digest: dgst})
	if err != nil {
		return nil, err
	}

	p, err := cs.driver.GetContent(ctx, bp)
	if err != nil {
		if errors.As(err, &driver.PathNotFoundError{}) {
			return nil, distribution.ErrChunkUnknown{Digest: dgst}
		}
		return nil, err
	}

	if actual := dgst.Algorithm().FromBytes(p); actual != dgst {
		dcontext.GetLoggerWithField(ctx, "chunk", dgst).Errorf("stored chunk hashes to %s", actual)
		cs.evict(ctx, dgst)
		return nil, distribution.ErrChunkCorrupt{Digest: dgst, Actual: actual}
	}

	metrics.ChunkBytes.WithValues("out").Inc(float64(len(p)))
	return p, nil
}

// Put stores p under its canonical digest.
func (cs *chunkStore) Put(ctx context.Context, p []byte) (digest.Digest, error) {
	dgst := digest.FromBytes(p)
	return dgst, cs.Ingest(ctx, dgst, p)
}

// Ingest stores p under dgst. Content already stored is left alone when it
// matches, rewritten when it no longer verifies, and reported as a conflict
// when it verifies but differs.
func (cs *chunkStore) Ingest(ctx context.Context, dgst digest.Digest, p []byte) error {
	if err := dgst.Validate(); err != nil {
		return distribution.ErrChunkInvalidDigest{Digest: dgst, Reason: err}
	}
	if len(p) == 0 {
		return distribution.ErrChunkInvalidDigest{Digest: dgst, Reason: errors.New("empty chunk")}
	}

	verifier := dgst.Verifier()
	verifier.Write(p)
	if !verifier.Verified() {
		return distribution.ErrChunkInvalidDigest{
			Digest: dgst,
			Reason: distribution.ErrDigestMismatch{Index: -1, Expected: dgst, Actual: dgst.Algorithm().FromBytes(p)},
		}
	}

	bp, err := pathFor(chunkDataPathSpec{digest: dgst})
	if err != nil {
		return err
	}

	existing, err := cs.driver.GetContent(ctx, bp)
	switch {
	case err == nil:
		if bytes.Equal(existing, p) {
			metrics.Chunks.WithValues("in", "exists").Inc(1)
			cs.remember(ctx, dgst, int64(len(p)))
			return nil
		}
		if dgst.Algorithm().FromBytes(existing) == dgst {
			return distribution.ErrChunkConflict{Digest: dgst}
		}
		dcontext.GetLoggerWithField(ctx, "chunk", dgst).Warn("repairing corrupt chunk")
	case errors.As(err, &driver.PathNotFoundError{}):
	default:
		return err
	}

	if err := cs.write(ctx, bp, p); err != nil {
		return err
	}

	metrics.Chunks.WithValues("in", "new").Inc(1)
	metrics.ChunkBytes.WithValues("in").Inc(float64(len(p)))
	cs.remember(ctx, dgst, int64(len(p)))
	return nil
}

// write stages p in a fresh upload directory and moves it to dst.
func (cs *chunkStore) write(ctx context.Context, dst string, p []byte) error {
	id := uuid.NewString()
	uploadDir, err := pathFor(uploadPathSpec{id: id})
	if err != nil {
		return err
	}
	startedAt, err := pathFor(uploadStartedAtPathSpec{id: id})
	if err != nil {
		return err
	}
	data, err := pathFor(uploadDataPathSpec{id: id})
	if err != nil {
		return err
	}

	if err := cs.driver.PutContent(ctx, startedAt, []byte(time.Now().UTC().Format(time.RFC3339))); err != nil {
		return err
	}
	defer func() {
		if err := cs.driver.Delete(ctx, uploadDir); err != nil && !errors.As(err, &driver.PathNotFoundError{}) {
			dcontext.GetLoggerWithField(ctx, "upload", id).WithError(err).Warn("failed to remove upload directory")
		}
	}()

	if err := cs.driver.PutContent(ctx, data, p); err != nil {
		return err
	}
	return cs.driver.Move(ctx, data, dst)
}

// Enumerate calls fn for every stored chunk.
func (cs *chunkStore) Enumerate(ctx context.Context, fn func(dgst digest.Digest) error) error {
	root, err := pathFor(chunksPathSpec{})
	if err != nil {
		return err
	}

	err = cs.driver.Walk(ctx, root, func(fileInfo driver.FileInfo) error {
		if fileInfo.IsDir() || path.Base(fileInfo.Path()) != "data" {
			return nil
		}
		dgst, err := digestFromPath(fileInfo.Path())
		if err != nil {
			dcontext.GetLoggerWithField(ctx, "path", fileInfo.Path()).WithError(err).Warn("skipping unrecognized chunk path")
			return nil
		}
		return fn(dgst)
	})
	if errors.As(err, &driver.PathNotFoundError{}) {
		return nil
	}
	return err
}

// Delete removes dgst.
func (cs *chunkStore) Delete(ctx context.Context, dgst digest.Digest) error {
	dir, err := pathFor(chunkPathSpec{digest: dgst})
	if err != nil {
		return err
	}

	if err := cs.driver.Delete(ctx, dir); err != nil {
		if errors.As(err, &driver.PathNotFoundError{}) {
			return distribution.ErrChunkUnknown{Digest: dgst}
		}
		return err
	}
	cs.clear(ctx, dgst)
	return nil
}

// evict removes a chunk whose content failed verification. The data is read
// again first so a concurrent repair is not thrown away.
func (cs *chunkStore) evict(ctx context.Context, dgst digest.Digest) {
	defer cs.clear(ctx, dgst)
	log := dcontext.GetLoggerWithField(ctx, "chunk", dgst)

	bp, err := pathFor(chunkDataPathSpec{digest: dgst})
	if err != nil {
		return
	}
	p, err := cs.driver.GetContent(ctx, bp)
	if err != nil || dgst.Algorithm().FromBytes(p) == dgst {
		return
	}

	dir, err := pathFor(chunkPathSpec{digest: dgst})
	if err != nil {
		return
	}
	if err := cs.driver.Delete(ctx, dir); err != nil && !errors.As(err, &driver.PathNotFoundError{}) {
		log.WithError(err).Error("failed to evict corrupt chunk")
		return
	}
	metrics.Chunks.WithValues("out", "evicted").Inc(1)
	log.Warn("evicted corrupt chunk")
}

func (cs *chunkStore) remember(ctx context.Context, dgst digest.Digest, size int64) {
	if cs.cached != nil {
		cs.cached.SetDescriptor(ctx, dgst, chunkDescriptor(dgst, size))
	}
}

func (cs *chunkStore) clear(ctx context.Context, dgst digest.Digest) {
	if cs.cached != nil {
		cs.cached.Clear(ctx, dgst)
	}
}

func chunkDescriptor(dgst digest.Digest, size int64) v1.Descriptor {
	return v1.Descriptor{
		MediaType: distribution.MediaTypeChunk,
		Digest:    dgst,
		Size:      size,
	}
}

// chunkStatter answers presence checks from the driver alone.
type chunkStatter struct {
	driver driver.StorageDriver
}

var _ distribution.ChunkStatter = &chunkStatter{}

// Stat implements ChunkStatter.Stat by stat'ing the chunk data file.
func (bs *chunkStatter) Stat(ctx context.Context, dgst digest.Digest) (v1.Descriptor, error) {
	bp, err := pathFor(chunkDataPathSpec{digest: dgst})
	if err != nil {
		return v1.Descriptor{}, err
	}

	fi, err := bs.driver.Stat(ctx, bp)
	if err != nil {
		if errors.As(err, &driver.PathNotFoundError{}) {
			return v1.Descriptor{}, distribution.ErrChunkUnknown{Digest: dgst}
		}
		return v1.Descriptor{}, err
	}

	if fi.IsDir() {
		dcontext.GetLogger(ctx).Warnf("chunk path should not be a directory: %q", bp)
		return v1.Descriptor{}, distribution.ErrChunkUnknown{Digest: dgst}
	}

	return chunkDescriptor(dgst, fi.Size()), nil
}

func (bs *chunkStatter) Has(ctx context.Context, dgst digest.Digest) (bool, error) {
	_, err := bs.Stat(ctx, dgst)
	if errors.Is(err, distribution.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}
