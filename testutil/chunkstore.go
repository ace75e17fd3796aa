package testutil

import (
	"context"
	"sync"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/goldboot/distribution"
)

// ChunkStore is an in-memory distribution.ChunkStore. Unlike the registry
// store it returns whatever bytes it holds without verifying them, so tests
// can observe how readers react to tampered content.
type ChunkStore struct {
	mu     sync.Mutex
	chunks map[digest.Digest][]byte
}

var _ distribution.ChunkStore = &ChunkStore{}

// NewChunkStore returns an empty store.
func NewChunkStore() *ChunkStore {
	return &ChunkStore{chunks: map[digest.Digest][]byte{}}
}

func (s *ChunkStore) Stat(ctx context.Context, dgst digest.Digest) (v1.Descriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.chunks[dgst]
	if !ok {
		return v1.Descriptor{}, distribution.ErrChunkUnknown{Digest: dgst}
	}
	return v1.Descriptor{MediaType: distribution.MediaTypeChunk, Digest: dgst, Size: int64(len(p))}, nil
}

func (s *ChunkStore) Has(ctx context.Context, dgst digest.Digest) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.chunks[dgst]
	return ok, nil
}

func (s *ChunkStore) Get(ctx context.Context, dgst digest.Digest) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.chunks[dgst]
	if !ok {
		return nil, distribution.ErrChunkUnknown{Digest: dgst}
	}
	return append([]byte(nil), p...), nil
}

func (s *ChunkStore) Put(ctx context.Context, p []byte) (digest.Digest, error) {
	dgst := digest.FromBytes(p)
	return dgst, s.Ingest(ctx, dgst, p)
}

func (s *ChunkStore) Ingest(ctx context.Context, dgst digest.Digest, p []byte) error {
	if actual := digest.FromBytes(p); actual != dgst {
		return distribution.ErrChunkInvalidDigest{Digest: dgst, Reason: distribution.ErrCorrupt}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks[dgst] = append([]byte(nil), p...)
	return nil
}

func (s *ChunkStore) Enumerate(ctx context.Context, fn func(dgst digest.Digest) error) error {
	s.mu.Lock()
	dgsts := make([]digest.Digest, 0, len(s.chunks))
	for dgst := range s.chunks {
		dgsts = append(dgsts, dgst)
	}
	s.mu.Unlock()

	for _, dgst := range dgsts {
		if err := fn(dgst); err != nil {
			return err
		}
	}
	return nil
}

func (s *ChunkStore) Delete(ctx context.Context, dgst digest.Digest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chunks[dgst]; !ok {
		return distribution.ErrChunkUnknown{Digest: dgst}
	}
	delete(s.chunks, dgst)
	return nil
}

// Len returns the number of stored chunks.
func (s *ChunkStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks)
}

// Tamper replaces the bytes held under dgst.
func (s *ChunkStore) Tamper(dgst digest.Digest, p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks[dgst] = p
}
