// Package metrics wraps a chunk descriptor cache with latency timers.
package metrics

import (
	"context"
	"time"

	"github.com/docker/go-metrics"
	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	prometheus "github.com/goldboot/distribution/metrics"
	"github.com/goldboot/distribution/registry/storage/cache"
)

type prometheusCache struct {
	cache.ChunkDescriptorCache
	latencyTimer metrics.LabeledTimer
}

// NewPrometheusCache times every call into wrap under the metric name.
func NewPrometheusCache(wrap cache.ChunkDescriptorCache, name, help string) cache.ChunkDescriptorCache {
	return &prometheusCache{
		wrap,
		// TODO: finer buckets; redis calls are generally <1ms and the default minimum bucket is 5ms.
		prometheus.StorageNamespace.NewLabeledTimer(name, help, "operation"),
	}
}

func (p *prometheusCache) Stat(ctx context.Context, dgst digest.Digest) (v1.Descriptor, error) {
	start := time.Now()
	d, e := p.ChunkDescriptorCache.Stat(ctx, dgst)
	p.latencyTimer.WithValues("Stat").UpdateSince(start)
	return d, e
}

func (p *prometheusCache) SetDescriptor(ctx context.Context, dgst digest.Digest, desc v1.Descriptor) error {
	start := time.Now()
	e := p.ChunkDescriptorCache.SetDescriptor(ctx, dgst, desc)
	p.latencyTimer.WithValues("SetDescriptor").UpdateSince(start)
	return e
}

func (p *prometheusCache) Clear(ctx context.Context, dgst digest.Digest) error {
	start := time.Now()
	e := p.ChunkDescriptorCache.Clear(ctx, dgst)
	p.latencyTimer.WithValues("Clear").UpdateSince(start)
	return e
}
