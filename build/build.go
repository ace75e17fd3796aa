// Package build connects image builds to the chunk store, the local library
// and registries. The build itself, running an installer and provisioners
// in a virtual machine, happens elsewhere; this package takes the bytes it
// produced.
package build

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/goldboot/distribution"
	"github.com/goldboot/distribution/envelope"
	"github.com/goldboot/distribution/image"
	"github.com/goldboot/distribution/internal/dcontext"
	"github.com/goldboot/distribution/registry/client"
)

// Options controls how built bytes become an image.
type Options struct {
	Metadata image.Metadata

	// Policy selects chunk boundaries. The zero value is the default fixed
	// size policy.
	Policy image.ChunkPolicy

	// Recipients seal the image for these keys when not empty.
	Recipients []envelope.PublicKey

	// Passphrase seals the image at rest when not empty. It may be combined
	// with Recipients.
	Passphrase string
}

// Builder stores images in a local library: a chunk store plus the index
// of committed containers over it.
type Builder struct {
	store distribution.ChunkStore
	index distribution.ImageIndex
	now   func() time.Time
}

// NewBuilder returns a builder over a local chunk store and image index,
// typically those of a storage.Registry on a filesystem or badger driver.
func NewBuilder(store distribution.ChunkStore, index distribution.ImageIndex) *Builder {
	return &Builder{store: store, index: index, now: time.Now}
}

// Build encodes src into the chunk store, seals it when asked to and
// commits the container to the library under the metadata name and
// version.
func (b *Builder) Build(ctx context.Context, src io.Reader, opts Options) (*image.Manifest, error) {
	meta := opts.Metadata
	if err := distribution.ValidateName(meta.Name); err != nil {
		return nil, distribution.ErrNameInvalid{Name: meta.Name, Reason: err}
	}
	if err := distribution.ValidateVersion(meta.Version); err != nil {
		return nil, distribution.ErrNameInvalid{Name: meta.Name + ":" + meta.Version, Reason: err}
	}
	if meta.Created.IsZero() {
		meta.Created = b.now().UTC()
	}

	logger := dcontext.GetLoggerWithFields(ctx, map[any]any{
		"image":   meta.Name,
		"version": meta.Version,
	})

	policy := opts.Policy
	if policy.Kind == 0 {
		policy = image.DefaultPolicy
	}

	started := b.now()
	m, err := image.Encode(ctx, src, policy, b.store, meta)
	if err != nil {
		return nil, fmt.Errorf("encode %s:%s: %w", meta.Name, meta.Version, err)
	}
	logger.Infof("encoded %d bytes into %d chunks in %s", m.Size, len(m.Entries), b.now().Sub(started))

	if recipients := opts.recipients(); len(recipients) > 0 {
		m, err = envelope.Seal(ctx, m, b.store, recipients...)
		if err != nil {
			return nil, fmt.Errorf("seal %s:%s: %w", meta.Name, meta.Version, err)
		}
		logger.Infof("sealed for %d recipients", len(recipients))
	}

	payload, err := m.MarshalBinary()
	if err != nil {
		return nil, err
	}
	if _, err := b.index.Commit(ctx, m.Name, m.Version, payload); err != nil {
		return nil, fmt.Errorf("store %s:%s: %w", m.Name, m.Version, err)
	}
	return m, nil
}

func (opts Options) recipients() []envelope.Recipient {
	var recipients []envelope.Recipient
	for _, k := range opts.Recipients {
		recipients = append(recipients, k)
	}
	if opts.Passphrase != "" {
		recipients = append(recipients, envelope.Passphrase(opts.Passphrase))
	}
	return recipients
}

// Load reads name:version back from the library.
func (b *Builder) Load(ctx context.Context, name, version string) (*image.Manifest, error) {
	payload, _, err := b.index.Fetch(ctx, name, version)
	if err != nil {
		return nil, err
	}
	return image.UnmarshalManifest(payload)
}

// Publish pushes m from the library to the registry behind session.
func (b *Builder) Publish(ctx context.Context, session *client.Session, m *image.Manifest) (ocispec.Descriptor, error) {
	if session == nil {
		return ocispec.Descriptor{}, errors.New("build: publish needs a registry session")
	}
	return session.Push(ctx, m, b.store)
}

// Store returns the chunk store images are built into.
func (b *Builder) Store() distribution.ChunkStore {
	return b.store
}
