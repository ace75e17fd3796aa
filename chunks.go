package distribution

import (
	"context"
	"sort"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// MediaTypeChunk is the media type reported in chunk descriptors.
const MediaTypeChunk = "application/vnd.goldboot.chunk.v1"

// ChunkStatter reports whether chunks are present.
type ChunkStatter interface {
	// Stat returns the descriptor of a stored chunk, or ErrChunkUnknown.
	Stat(ctx context.Context, dgst digest.Digest) (v1.Descriptor, error)

	// Has reports whether a chunk is stored. It does not verify content.
	Has(ctx context.Context, dgst digest.Digest) (bool, error)
}

// ChunkProvider reads chunks.
type ChunkProvider interface {
	// Get returns the content stored under dgst after verifying that it
	// still hashes to dgst.
	Get(ctx context.Context, dgst digest.Digest) ([]byte, error)
}

// ChunkIngester writes chunks.
type ChunkIngester interface {
	// Put stores p under its canonical digest. Putting content that is
	// already stored is a no-op.
	Put(ctx context.Context, p []byte) (digest.Digest, error)

	// Ingest stores p under dgst, rejecting it if it does not hash to dgst.
	Ingest(ctx context.Context, dgst digest.Digest, p []byte) error
}

// ChunkEnumerator visits every stored digest.
type ChunkEnumerator interface {
	Enumerate(ctx context.Context, ingester func(dgst digest.Digest) error) error
}

// ChunkDeleter removes chunks.
type ChunkDeleter interface {
	Delete(ctx context.Context, dgst digest.Digest) error
}

// ChunkStore is content-addressed storage for image chunks.
type ChunkStore interface {
	ChunkStatter
	ChunkProvider
	ChunkIngester
	ChunkEnumerator
	ChunkDeleter
}

// DigestSet is an unordered set of digests.
type DigestSet map[digest.Digest]struct{}

// NewDigestSet returns a set holding dgsts.
func NewDigestSet(dgsts ...digest.Digest) DigestSet {
	set := make(DigestSet, len(dgsts))
	for _, dgst := range dgsts {
		set.Add(dgst)
	}
	return set
}

// Add inserts dgst.
func (s DigestSet) Add(dgst digest.Digest) {
	s[dgst] = struct{}{}
}

// Contains reports whether dgst is in the set.
func (s DigestSet) Contains(dgst digest.Digest) bool {
	_, ok := s[dgst]
	return ok
}

// Sorted returns the digests in lexical order.
func (s DigestSet) Sorted() []digest.Digest {
	out := make([]digest.Digest, 0, len(s))
	for dgst := range s {
		out = append(out, dgst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ListDigests collects every digest held by e.
func ListDigests(ctx context.Context, e ChunkEnumerator) (DigestSet, error) {
	set := DigestSet{}
	err := e.Enumerate(ctx, func(dgst digest.Digest) error {
		set.Add(dgst)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return set, nil
}
