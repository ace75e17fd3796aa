package cache

import (
	"context"
	"errors"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/goldboot/distribution"
	"github.com/goldboot/distribution/internal/dcontext"
	prometheus "github.com/goldboot/distribution/metrics"
)

// Metrics is used to hold metric counters
// related to the number of times a cache was
// hit or missed.
type Metrics struct {
	Requests uint64
	Hits     uint64
	Misses   uint64
}

// MetricsTracker represents a metric tracker
// which simply counts the number of hits and misses.
type MetricsTracker interface {
	Hit()
	Miss()
	Metrics() Metrics
}

// cacheCount is the number of total cache request received/hits/misses
var cacheCount = prometheus.StorageNamespace.NewLabeledCounter("cache", "The number of cache request received", "type")

// statter is the subset of a chunk store the cache sits in front of.
type statter interface {
	Stat(ctx context.Context, dgst digest.Digest) (v1.Descriptor, error)
}

// CachedChunkStatter prefers a cache and falls back to a backend, filling
// the cache on a miss.
type CachedChunkStatter struct {
	cache   ChunkDescriptorCache
	backend statter
	tracker MetricsTracker
}

// NewCachedChunkStatter creates a new statter which prefers a cache and
// falls back to a backend. Hits and misses are sent to tracker when it is
// not nil.
func NewCachedChunkStatter(cache ChunkDescriptorCache, backend distribution.ChunkStatter, tracker MetricsTracker) *CachedChunkStatter {
	return &CachedChunkStatter{
		cache:   cache,
		backend: backend,
		tracker: tracker,
	}
}

// Stat returns the descriptor of dgst.
func (cs *CachedChunkStatter) Stat(ctx context.Context, dgst digest.Digest) (v1.Descriptor, error) {
	cacheCount.WithValues("Request").Inc(1)

	desc, cacheErr := cs.cache.Stat(ctx, dgst)
	if cacheErr == nil {
		cacheCount.WithValues("Hit").Inc(1)
		if cs.tracker != nil {
			cs.tracker.Hit()
		}
		return desc, nil
	}

	desc, err := cs.backend.Stat(ctx, dgst)
	if err != nil {
		return desc, err
	}

	if errors.Is(cacheErr, distribution.ErrNotFound) {
		cacheCount.WithValues("Miss").Inc(1)
		if cs.tracker != nil {
			cs.tracker.Miss()
		}
		if err := cs.cache.SetDescriptor(ctx, dgst, desc); err != nil {
			dcontext.GetLoggerWithField(ctx, "chunk", dgst).WithError(err).Error("error from cache setting desc")
		}
		return desc, nil
	}

	// unknown error from cache. just log it; setting here could trigger a
	// flood of set calls against a failing cache.
	dcontext.GetLoggerWithField(ctx, "chunk", dgst).WithError(cacheErr).Error("error from cache stat(ing) chunk")
	cacheCount.WithValues("Error").Inc(1)

	return desc, nil
}

// Has reports whether dgst is known to the cache or the backend.
func (cs *CachedChunkStatter) Has(ctx context.Context, dgst digest.Digest) (bool, error) {
	_, err := cs.Stat(ctx, dgst)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, distribution.ErrNotFound) {
		return false, nil
	}
	return false, err
}

// SetDescriptor records desc after a successful write.
func (cs *CachedChunkStatter) SetDescriptor(ctx context.Context, dgst digest.Digest, desc v1.Descriptor) {
	if err := cs.cache.SetDescriptor(ctx, dgst, desc); err != nil {
		dcontext.GetLoggerWithField(ctx, "chunk", dgst).WithError(err).Error("error from cache setting desc")
	}
}

// Clear forgets dgst, as after a delete or a failed verification.
func (cs *CachedChunkStatter) Clear(ctx context.Context, dgst digest.Digest) {
	if err := cs.cache.Clear(ctx, dgst); err != nil && !errors.Is(err, distribution.ErrNotFound) {
		dcontext.GetLoggerWithField(ctx, "chunk", dgst).WithError(err).Error("error from cache clearing desc")
	}
}
