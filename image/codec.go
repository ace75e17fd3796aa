package image

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/goldboot/distribution"
	"github.com/goldboot/distribution/internal/dcontext"
)

var errReaderClosed = errors.New("image reader closed")

// Encode splits r according to policy, stores every chunk in store and
// returns the manifest that reassembles it. Size, ContentDigest and, if
// unset, Created are filled in on top of meta.
func Encode(ctx context.Context, r io.Reader, policy ChunkPolicy, store distribution.ChunkIngester, meta Metadata) (*Manifest, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	m := &Manifest{Metadata: meta, Policy: policy}
	if m.Created.IsZero() {
		m.Created = time.Now().UTC()
	}

	spl := policy.splitter(r)
	digester := digest.Canonical.Digester()
	started := time.Now()

	var offset uint64
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		chunk, err := spl.NextBytes()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading image at offset %d: %w", offset, err)
		}
		if len(chunk) == 0 {
			continue
		}

		digester.Hash().Write(chunk)
		dgst, err := store.Put(ctx, chunk)
		if err != nil {
			return nil, fmt.Errorf("storing chunk at offset %d: %w", offset, err)
		}

		m.Entries = append(m.Entries, Entry{
			Offset: offset,
			Length: uint64(len(chunk)),
			Digest: dgst,
		})
		offset += uint64(len(chunk))
	}

	m.Size = offset
	m.ContentDigest = digester.Digest()

	dcontext.GetLoggerWithFields(ctx, map[any]any{
		"image.name":    m.Name,
		"image.version": m.Version,
		"image.size":    m.Size,
		"image.chunks":  len(m.Entries),
		"image.digest":  m.ContentDigest,
		"image.policy":  policy.String(),
	}).Debugf("encoded image in %s", time.Since(started))

	return m, nil
}

// NewReader returns the reassembled content of m. Every chunk is checked
// against its entry before any of its bytes are returned, and the overall
// digest and size are checked before io.EOF. For sealed manifests store
// must return plaintext, as the envelope package's providers do.
func NewReader(ctx context.Context, m *Manifest, store distribution.ChunkProvider) io.ReadCloser {
	r := &reader{
		ctx:      ctx,
		m:        m,
		store:    store,
		digester: digest.Canonical.Digester(),
	}
	if err := m.Validate(); err != nil {
		r.err = err
	}
	return r
}

type reader struct {
	ctx      context.Context
	m        *Manifest
	store    distribution.ChunkProvider
	index    int
	buf      []byte
	read     uint64
	digester digest.Digester
	err      error
}

func (r *reader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		r.err = r.next()
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (r *reader) next() error {
	if err := r.ctx.Err(); err != nil {
		return err
	}

	if r.index == len(r.m.Entries) {
		if r.read != r.m.Size {
			return distribution.ErrManifestInvalid{Reason: fmt.Sprintf("reassembled %d bytes, image size is %d", r.read, r.m.Size)}
		}
		if actual := r.digester.Digest(); actual != r.m.ContentDigest {
			return distribution.ErrDigestMismatch{Index: -1, Expected: r.m.ContentDigest, Actual: actual}
		}
		return io.EOF
	}

	e := r.m.Entries[r.index]
	p, err := r.store.Get(r.ctx, e.Digest)
	if err != nil {
		if errors.Is(err, distribution.ErrNotFound) {
			return distribution.ErrMissingChunks{Digests: []digest.Digest{e.Stored()}}
		}
		return fmt.Errorf("chunk %d: %w", r.index, err)
	}
	if actual := digest.FromBytes(p); uint64(len(p)) != e.Length || actual != e.Digest {
		return distribution.ErrDigestMismatch{Index: r.index, Expected: e.Digest, Actual: actual}
	}

	r.digester.Hash().Write(p)
	r.read += uint64(len(p))
	r.index++
	r.buf = p
	return nil
}

func (r *reader) Close() error {
	r.err = errReaderClosed
	r.buf = nil
	return nil
}

// Decode writes the verified content of m to w.
func Decode(ctx context.Context, m *Manifest, store distribution.ChunkProvider, w io.Writer) error {
	rc := NewReader(ctx, m, store)
	defer rc.Close()
	_, err := io.Copy(w, rc)
	return err
}

// Verify reassembles m without producing output.
func Verify(ctx context.Context, m *Manifest, store distribution.ChunkProvider) error {
	return Decode(ctx, m, store, io.Discard)
}

// Missing returns the stored digests of m that s does not hold.
func Missing(ctx context.Context, m *Manifest, s distribution.ChunkStatter) ([]digest.Digest, error) {
	var missing []digest.Digest
	for _, dgst := range m.StoredDigests() {
		ok, err := s.Has(ctx, dgst)
		if err != nil {
			return nil, err
		}
		if !ok {
			missing = append(missing, dgst)
		}
	}
	return missing, nil
}
