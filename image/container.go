package image

import (
	"context"
	"errors"
	"fmt"

	"github.com/opencontainers/go-digest"

	"github.com/goldboot/distribution"
)

// Export writes a self-contained inline container for m, reading the stored
// bytes of every chunk from store. Sealed chunks stay encrypted.
func Export(ctx context.Context, m *Manifest, store distribution.ChunkProvider, compress bool) ([]byte, error) {
	dgsts := m.StoredDigests()
	c := &Container{
		Manifest:   m,
		Data:       make([][]byte, 0, len(dgsts)),
		Compressed: compress,
	}
	for _, dgst := range dgsts {
		p, err := store.Get(ctx, dgst)
		if err != nil {
			if errors.Is(err, distribution.ErrNotFound) {
				return nil, distribution.ErrMissingChunks{Digests: []digest.Digest{dgst}}
			}
			return nil, fmt.Errorf("exporting %s: %w", dgst, err)
		}
		c.Data = append(c.Data, p)
	}
	return Marshal(c)
}

// Import decodes a container and ingests any inline chunks into store.
// Chunk bytes that do not hash to their manifest entry are rejected.
func Import(ctx context.Context, p []byte, store distribution.ChunkIngester) (*Manifest, error) {
	c, err := Unmarshal(p)
	if err != nil {
		return nil, err
	}
	if !c.Inline() {
		return c.Manifest, nil
	}
	for i, dgst := range c.Manifest.StoredDigests() {
		if err := store.Ingest(ctx, dgst, c.Data[i]); err != nil {
			return nil, fmt.Errorf("importing chunk %s: %w", dgst, err)
		}
	}
	return c.Manifest, nil
}
