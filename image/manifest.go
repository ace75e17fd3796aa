// Package image implements the goldboot image container: splitting a disk
// image into content-addressed chunks, the binary manifest that records
// them, and verified reassembly.
package image

import (
	"fmt"
	"time"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/goldboot/distribution"
)

// MaxChunkSize bounds the length of a single chunk under any policy.
const MaxChunkSize = 64 << 20

// Metadata describes the image a manifest reassembles.
type Metadata struct {
	Name    string
	Version string
	Created time.Time
	OS      string
	Profile string
	Arch    string

	// Parent is the manifest digest of the image this one was derived from.
	Parent digest.Digest

	// Size and ContentDigest describe the reassembled plaintext.
	Size          uint64
	ContentDigest digest.Digest
}

// Entry places one chunk in the reassembled stream.
type Entry struct {
	Offset uint64
	Length uint64
	Digest digest.Digest

	// StoredDigest and StoredLength describe the bytes held by a chunk
	// store when they differ from the plaintext, as for sealed images.
	StoredDigest digest.Digest
	StoredLength uint64
}

// Stored returns the digest a chunk store holds this entry under.
func (e Entry) Stored() digest.Digest {
	if e.StoredDigest != "" {
		return e.StoredDigest
	}
	return e.Digest
}

// KeyWrap carries the data key of a sealed image, wrapped once per
// recipient.
type KeyWrap struct {
	Cipher     string
	Recipients []Recipient
}

// Recipient is one wrapped copy of a data key.
type Recipient struct {
	ID           string
	EphemeralKey []byte
	Nonce        []byte
	WrappedKey   []byte
}

// Manifest is the ordered chunk table of an image plus its metadata.
type Manifest struct {
	Metadata
	Policy  ChunkPolicy
	Entries []Entry

	// KeyWrap is set when chunk payloads are encrypted.
	KeyWrap *KeyWrap
}

// Sealed reports whether the chunks referenced by m are encrypted.
func (m *Manifest) Sealed() bool {
	return m.KeyWrap != nil
}

// StoredDigests returns the distinct digests a store must hold to
// reassemble m, in manifest order.
func (m *Manifest) StoredDigests() []digest.Digest {
	seen := make(map[digest.Digest]struct{}, len(m.Entries))
	out := make([]digest.Digest, 0, len(m.Entries))
	for _, e := range m.Entries {
		dgst := e.Stored()
		if _, ok := seen[dgst]; ok {
			continue
		}
		seen[dgst] = struct{}{}
		out = append(out, dgst)
	}
	return out
}

// Digest returns the digest of the out-of-line container encoding of m.
func (m *Manifest) Digest() (digest.Digest, error) {
	p, err := m.MarshalBinary()
	if err != nil {
		return "", err
	}
	return digest.FromBytes(p), nil
}

// Descriptor describes the out-of-line container encoding of m.
func (m *Manifest) Descriptor() (v1.Descriptor, error) {
	p, err := m.MarshalBinary()
	if err != nil {
		return v1.Descriptor{}, err
	}
	return v1.Descriptor{
		MediaType: distribution.MediaTypeManifest,
		Digest:    digest.FromBytes(p),
		Size:      int64(len(p)),
		Annotations: map[string]string{
			v1.AnnotationTitle:   m.Name,
			v1.AnnotationVersion: m.Version,
		},
	}, nil
}

// Validate checks the structural invariants of the chunk table: entries
// start at zero, are contiguous, and add up to Size.
func (m *Manifest) Validate() error {
	if err := m.ContentDigest.Validate(); err != nil {
		return distribution.ErrManifestInvalid{Reason: fmt.Sprintf("image digest: %v", err)}
	}

	var next uint64
	for i, e := range m.Entries {
		if e.Offset != next {
			return distribution.ErrManifestInvalid{Reason: fmt.Sprintf("entry %d at offset %d, expected %d", i, e.Offset, next)}
		}
		if e.Length == 0 || e.Length > MaxChunkSize {
			return distribution.ErrManifestInvalid{Reason: fmt.Sprintf("entry %d has invalid length %d", i, e.Length)}
		}
		if err := e.Digest.Validate(); err != nil {
			return distribution.ErrManifestInvalid{Reason: fmt.Sprintf("entry %d: %v", i, err)}
		}
		if m.Sealed() {
			if err := e.StoredDigest.Validate(); err != nil {
				return distribution.ErrManifestInvalid{Reason: fmt.Sprintf("entry %d stored digest: %v", i, err)}
			}
		}
		next += e.Length
	}
	if next != m.Size {
		return distribution.ErrManifestInvalid{Reason: fmt.Sprintf("entries cover %d bytes, image size is %d", next, m.Size)}
	}
	return nil
}

// Clone returns a deep copy of m.
func (m *Manifest) Clone() *Manifest {
	out := *m
	out.Entries = append([]Entry(nil), m.Entries...)
	if m.KeyWrap != nil {
		kw := *m.KeyWrap
		kw.Recipients = append([]Recipient(nil), m.KeyWrap.Recipients...)
		out.KeyWrap = &kw
	}
	return &out
}
