package notifications

import (
	"context"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/goldboot/distribution"
	"github.com/goldboot/distribution/internal/dcontext"
)

// ChunkListener describes a listener that can respond to chunk related
// events.
type ChunkListener interface {
	ChunkPushed(ctx context.Context, desc v1.Descriptor) error
}

// ManifestListener describes a set of methods for listening to events
// related to published versions.
type ManifestListener interface {
	ManifestCommitted(ctx context.Context, name, version string, desc v1.Descriptor) error
	ManifestPulled(ctx context.Context, name, version string, desc v1.Descriptor) error
	ManifestDeleted(ctx context.Context, name, version string) error
}

// Listener combines all events.
type Listener interface {
	ChunkListener
	ManifestListener
}

// ListenChunks wraps store so that successful puts are reported to
// listener. Listener errors are logged and never fail the operation.
func ListenChunks(store distribution.ChunkStore, listener ChunkListener) distribution.ChunkStore {
	return &chunkStoreListener{ChunkStore: store, listener: listener}
}

// ListenImages wraps index so that commits, fetches and deletes are
// reported to listener.
func ListenImages(index distribution.ImageIndex, listener ManifestListener) distribution.ImageIndex {
	return &imageIndexListener{ImageIndex: index, listener: listener}
}

type chunkStoreListener struct {
	distribution.ChunkStore
	listener ChunkListener
}

func (csl *chunkStoreListener) Put(ctx context.Context, p []byte) (digest.Digest, error) {
	dgst, err := csl.ChunkStore.Put(ctx, p)
	if err == nil {
		csl.pushed(ctx, dgst, len(p))
	}
	return dgst, err
}

func (csl *chunkStoreListener) Ingest(ctx context.Context, dgst digest.Digest, p []byte) error {
	err := csl.ChunkStore.Ingest(ctx, dgst, p)
	if err == nil {
		csl.pushed(ctx, dgst, len(p))
	}
	return err
}

func (csl *chunkStoreListener) pushed(ctx context.Context, dgst digest.Digest, size int) {
	desc := v1.Descriptor{
		MediaType: distribution.MediaTypeChunk,
		Digest:    dgst,
		Size:      int64(size),
	}
	if err := csl.listener.ChunkPushed(ctx, desc); err != nil {
		dcontext.GetLogger(ctx).Errorf("error dispatching chunk push to listener: %v", err)
	}
}

type imageIndexListener struct {
	distribution.ImageIndex
	listener ManifestListener
}

func (iil *imageIndexListener) Commit(ctx context.Context, name, version string, payload []byte) (v1.Descriptor, error) {
	desc, err := iil.ImageIndex.Commit(ctx, name, version, payload)
	if err == nil {
		if err := iil.listener.ManifestCommitted(ctx, name, version, desc); err != nil {
			dcontext.GetLogger(ctx).Errorf("error dispatching manifest commit to listener: %v", err)
		}
	}
	return desc, err
}

func (iil *imageIndexListener) Fetch(ctx context.Context, name, version string) ([]byte, v1.Descriptor, error) {
	p, desc, err := iil.ImageIndex.Fetch(ctx, name, version)
	if err == nil {
		if err := iil.listener.ManifestPulled(ctx, name, version, desc); err != nil {
			dcontext.GetLogger(ctx).Errorf("error dispatching manifest pull to listener: %v", err)
		}
	}
	return p, desc, err
}

func (iil *imageIndexListener) Delete(ctx context.Context, name, version string) error {
	err := iil.ImageIndex.Delete(ctx, name, version)
	if err == nil {
		if err := iil.listener.ManifestDeleted(ctx, name, version); err != nil {
			dcontext.GetLogger(ctx).Errorf("error dispatching manifest delete to listener: %v", err)
		}
	}
	return err
}
