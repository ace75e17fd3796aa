package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/redis/go-redis/v9"

	"github.com/goldboot/distribution"
	"github.com/goldboot/distribution/registry/storage/cache"
	"github.com/goldboot/distribution/registry/storage/cache/metrics"
)

func init() {
	cache.Register("redis", NewChunkDescriptorCacheProvider)
}

// redisChunkDescriptorCache stores chunk descriptors in a redis hash keyed
// by the digest of the chunk, holding its digest, size and mediatype.
type redisChunkDescriptorCache struct {
	pool redis.UniversalClient
}

// Options configures the redis cache when it is built by name.
type Options struct {
	Addrs        []string      `mapstructure:"addrs"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dialtimeout"`
	ReadTimeout  time.Duration `mapstructure:"readtimeout"`
	WriteTimeout time.Duration `mapstructure:"writetimeout"`
	PoolSize     int           `mapstructure:"poolsize"`
}

// NewChunkDescriptorCacheProvider builds a redis cache from options["params"].
func NewChunkDescriptorCacheProvider(ctx context.Context, options map[string]any) (cache.ChunkDescriptorCache, error) {
	var opts Options
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		Result:           &opts,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(options["params"]); err != nil {
		return nil, err
	}
	if len(opts.Addrs) == 0 {
		return nil, fmt.Errorf("redis cache: no addrs configured")
	}

	pool := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        opts.Addrs,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		PoolSize:     opts.PoolSize,
	})
	if err := pool.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis cache: %w", err)
	}
	return NewChunkDescriptorCache(pool), nil
}

// NewChunkDescriptorCache returns a new redis-based ChunkDescriptorCache
// using the provided redis connection pool.
func NewChunkDescriptorCache(pool redis.UniversalClient) cache.ChunkDescriptorCache {
	return metrics.NewPrometheusCache(
		&redisChunkDescriptorCache{
			pool: pool,
		},
		"cache_redis",
		"Number of seconds taken by redis",
	)
}

// Stat retrieves the descriptor data from the redis hash entry.
func (rc *redisChunkDescriptorCache) Stat(ctx context.Context, dgst digest.Digest) (v1.Descriptor, error) {
	if err := dgst.Validate(); err != nil {
		return v1.Descriptor{}, err
	}

	reply, err := rc.pool.HMGet(ctx, chunkDescriptorHashKey(dgst), "digest", "size", "mediatype").Result()
	if err != nil {
		return v1.Descriptor{}, err
	}

	if len(reply) < 3 || reply[0] == nil || reply[1] == nil { // don't care if mediatype is nil
		return v1.Descriptor{}, cache.ErrUnknown(dgst)
	}

	var desc v1.Descriptor
	digestString, ok := reply[0].(string)
	if !ok {
		return v1.Descriptor{}, fmt.Errorf("digest is not a string")
	}
	desc.Digest = digest.Digest(digestString)
	sizeString, ok := reply[1].(string)
	if !ok {
		return v1.Descriptor{}, fmt.Errorf("size is not a string")
	}
	size, err := strconv.ParseInt(sizeString, 10, 64)
	if err != nil {
		return v1.Descriptor{}, err
	}
	desc.Size = size
	if reply[2] != nil {
		if mediaType, ok := reply[2].(string); ok {
			desc.MediaType = mediaType
		}
	}
	return desc, nil
}

func (rc *redisChunkDescriptorCache) Clear(ctx context.Context, dgst digest.Digest) error {
	if err := dgst.Validate(); err != nil {
		return err
	}

	res, err := rc.pool.HDel(ctx, chunkDescriptorHashKey(dgst), "digest", "size", "mediatype").Result()
	if err != nil {
		return err
	}
	if res == 0 {
		return cache.ErrUnknown(dgst)
	}
	return nil
}

// SetDescriptor sets the descriptor data for the given digest using a redis
// hash.
func (rc *redisChunkDescriptorCache) SetDescriptor(ctx context.Context, dgst digest.Digest, desc v1.Descriptor) error {
	if err := dgst.Validate(); err != nil {
		return err
	}

	if err := cache.ValidateDescriptor(desc); err != nil {
		return err
	}

	mediaType := desc.MediaType
	if mediaType == "" {
		mediaType = distribution.MediaTypeChunk
	}
	return rc.pool.HSet(ctx, chunkDescriptorHashKey(dgst),
		"digest", desc.Digest.String(),
		"size", desc.Size,
		"mediatype", mediaType).Err()
}

func chunkDescriptorHashKey(dgst digest.Digest) string {
	return "chunks::" + dgst.String()
}
