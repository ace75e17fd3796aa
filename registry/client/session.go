package client

import (
	"context"
	"fmt"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/sync/errgroup"

	"github.com/goldboot/distribution"
	"github.com/goldboot/distribution/image"
	"github.com/goldboot/distribution/internal/dcontext"
	v1 "github.com/goldboot/distribution/registry/api/v1"
)

// DefaultConcurrency is the number of chunk transfers a Session runs at
// once unless told otherwise.
const DefaultConcurrency = 8

// Session moves images between a local chunk store and a registry. A push
// runs negotiate, transfer and commit; a pull runs fetch, negotiate,
// transfer and verify. Any failure before commit leaves the registry
// without a new version.
type Session struct {
	client      *Client
	concurrency int
}

// NewSession returns a session over c running up to concurrency transfers
// in parallel.
func NewSession(c *Client, concurrency int) *Session {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Session{client: c, concurrency: concurrency}
}

// Client returns the underlying API client.
func (s *Session) Client() *Client {
	return s.client
}

// Push publishes m under its metadata name and version, uploading the
// chunks the registry lacks from local.
func (s *Session) Push(ctx context.Context, m *image.Manifest, local distribution.ChunkProvider) (ocispec.Descriptor, error) {
	name, version := m.Name, m.Version
	logger := dcontext.GetLoggerWithFields(ctx, map[any]any{"image": name, "version": version})

	payload, err := m.MarshalBinary()
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	req := v1.NegotiateRequest{
		Version: version,
		Digests: m.StoredDigests(),
	}
	if m.KeyWrap != nil {
		for _, r := range m.KeyWrap.Recipients {
			req.Recipients = append(req.Recipients, r.ID)
		}
	}

	missing, err := s.client.Negotiate(ctx, name, req)
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("negotiate %s:%s: %w", name, version, err)
	}
	logger.Infof("pushing %d of %d chunks", len(missing), len(req.Digests))

	err = s.transfer(ctx, missing, func(ctx context.Context, dgst digest.Digest) error {
		p, err := local.Get(ctx, dgst)
		if err != nil {
			return err
		}
		return s.client.UploadChunk(ctx, dgst, p)
	})
	if err != nil {
		logger.WithError(err).Warn("push aborted")
		return ocispec.Descriptor{}, fmt.Errorf("push %s:%s aborted: %w", name, version, err)
	}

	desc, err := s.client.CommitManifest(ctx, name, version, payload)
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("commit %s:%s: %w", name, version, err)
	}
	logger.Infof("committed %s", desc.Digest)
	return desc, nil
}

// Pull fetches name:version, downloads the chunks local lacks and verifies
// the result. Unsealed images are reassembled and checked against their
// content digest; sealed ones are checked for completeness only, as their
// plaintext needs a key. When index is not nil the container is committed
// to it once everything checks out.
func (s *Session) Pull(ctx context.Context, name, version string, local distribution.ChunkStore, index distribution.ImageIndex) (*image.Manifest, error) {
	logger := dcontext.GetLoggerWithFields(ctx, map[any]any{"image": name, "version": version})

	payload, _, err := s.client.FetchManifest(ctx, name, version)
	if err != nil {
		return nil, err
	}
	m, err := image.UnmarshalManifest(payload)
	if err != nil {
		return nil, err
	}
	if m.Name != name || m.Version != version {
		return nil, distribution.ErrManifestInvalid{
			Reason: fmt.Sprintf("fetched %s:%s, manifest names %s:%s", name, version, m.Name, m.Version),
		}
	}

	var held []digest.Digest
	for _, dgst := range m.StoredDigests() {
		ok, err := local.Has(ctx, dgst)
		if err != nil {
			return nil, err
		}
		if ok {
			held = append(held, dgst)
		}
	}

	missing, err := s.client.PullNegotiate(ctx, name, version, held)
	if err != nil {
		return nil, fmt.Errorf("negotiate %s:%s: %w", name, version, err)
	}
	logger.Infof("pulling %d of %d chunks", len(missing), len(m.StoredDigests()))

	err = s.transfer(ctx, missing, func(ctx context.Context, dgst digest.Digest) error {
		p, err := s.client.DownloadChunk(ctx, dgst)
		if err != nil {
			return err
		}
		return local.Ingest(ctx, dgst, p)
	})
	if err != nil {
		return nil, fmt.Errorf("pull %s:%s aborted: %w", name, version, err)
	}

	if m.Sealed() {
		absent, err := image.Missing(ctx, m, local)
		if err != nil {
			return nil, err
		}
		if len(absent) > 0 {
			return nil, distribution.ErrMissingChunks{Digests: absent}
		}
	} else if err := image.Verify(ctx, m, local); err != nil {
		return nil, fmt.Errorf("verify %s:%s: %w", name, version, err)
	}

	if index != nil {
		if _, err := index.Commit(ctx, name, version, payload); err != nil {
			return nil, fmt.Errorf("store %s:%s locally: %w", name, version, err)
		}
	}
	return m, nil
}

// transfer runs fn for every digest with bounded concurrency. The first
// failure cancels the rest.
func (s *Session) transfer(ctx context.Context, dgsts []digest.Digest, fn func(context.Context, digest.Digest) error) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, dgst := range dgsts {
		dgst := dgst
		g.Go(func() error {
			return fn(ctx, dgst)
		})
	}
	return g.Wait()
}
