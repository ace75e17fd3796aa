// Package envelope encrypts the chunks of an image under a random data key
// and wraps that key once per recipient.
//
// Chunks are sealed with AES-256-GCM. The nonce is derived from the data
// key and the plaintext digest, so sealing the same chunk under the same
// key always yields the same ciphertext and the registry deduplicates it.
// Sealed manifest entries keep the plaintext digest and add the digest and
// length of the ciphertext, which is what the chunk store holds.
package envelope

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/opencontainers/go-digest"

	"github.com/goldboot/distribution"
	"github.com/goldboot/distribution/image"
)

// CipherAES256GCM names the chunk cipher recorded in the key wrap.
const CipherAES256GCM = "aes-256-gcm"

const dataKeySize = 32

// DataKey is the unwrapped per-image key.
type DataKey struct {
	key  []byte
	aead cipher.AEAD
}

func newDataKey(key []byte) (*DataKey, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &DataKey{key: key, aead: aead}, nil
}

func generateDataKey() (*DataKey, error) {
	key := make([]byte, dataKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return newDataKey(key)
}

func (k *DataKey) nonce(plain digest.Digest) []byte {
	mac := hmac.New(sha256.New, k.key)
	mac.Write([]byte(plain))
	return mac.Sum(nil)[:k.aead.NonceSize()]
}

// SealChunk encrypts the plaintext chunk p, whose digest is plain.
func (k *DataKey) SealChunk(plain digest.Digest, p []byte) []byte {
	return k.aead.Seal(nil, k.nonce(plain), p, []byte(plain))
}

// OpenChunk decrypts the stored bytes of entry e and checks the result
// against the plaintext digest.
func (k *DataKey) OpenChunk(e image.Entry, ciphertext []byte) ([]byte, error) {
	p, err := k.aead.Open(nil, k.nonce(e.Digest), ciphertext, []byte(e.Digest))
	if err != nil {
		return nil, fmt.Errorf("chunk %s: %v: %w", e.Digest, err, distribution.ErrDecryptionFailed)
	}
	if actual := digest.FromBytes(p); actual != e.Digest {
		return nil, distribution.ErrDigestMismatch{Index: -1, Expected: e.Digest, Actual: actual}
	}
	return p, nil
}

// Open recovers the data key of a sealed manifest. It fails with
// distribution.ErrUnauthorized when nothing is wrapped for id and with
// distribution.ErrDecryptionFailed when the wrapped key does not
// authenticate.
func Open(m *image.Manifest, id Identity) (*DataKey, error) {
	if !m.Sealed() {
		return nil, fmt.Errorf("manifest %s:%s is not sealed", m.Name, m.Version)
	}
	if m.KeyWrap.Cipher != CipherAES256GCM {
		return nil, fmt.Errorf("unsupported chunk cipher %q", m.KeyWrap.Cipher)
	}
	key, err := id.unwrap(m.KeyWrap.Recipients)
	if err != nil {
		return nil, err
	}
	return newDataKey(key)
}

// Recipients returns the ids the data key of m is wrapped for.
func Recipients(m *image.Manifest) []string {
	if !m.Sealed() {
		return nil
	}
	ids := make([]string, 0, len(m.KeyWrap.Recipients))
	for _, r := range m.KeyWrap.Recipients {
		ids = append(ids, r.ID)
	}
	return ids
}

// Seal encrypts every chunk of the plaintext manifest m under a new data
// key, stores the ciphertext in store and returns the sealed manifest.
func Seal(ctx context.Context, m *image.Manifest, store distribution.ChunkStore, recipients ...Recipient) (*image.Manifest, error) {
	if m.Sealed() {
		return nil, fmt.Errorf("manifest %s:%s is already sealed", m.Name, m.Version)
	}
	key, err := generateDataKey()
	if err != nil {
		return nil, err
	}
	return sealWith(ctx, m, store, store, key, recipients)
}

// Unseal decrypts every chunk of the sealed manifest m into store and
// returns the equivalent plaintext manifest. Nothing is returned unless
// every chunk decrypts and verifies.
func Unseal(ctx context.Context, m *image.Manifest, store distribution.ChunkStore, id Identity) (*image.Manifest, error) {
	key, err := Open(m, id)
	if err != nil {
		return nil, err
	}

	out := m.Clone()
	out.KeyWrap = nil
	for i, e := range m.Entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, err := openEntry(ctx, key, e, store)
		if err != nil {
			return nil, err
		}
		if _, err := store.Put(ctx, p); err != nil {
			return nil, err
		}
		out.Entries[i].StoredDigest = ""
		out.Entries[i].StoredLength = 0
	}
	return out, nil
}

// AddRecipients wraps the existing data key of m for more recipients. No
// chunk is re-encrypted.
func AddRecipients(m *image.Manifest, id Identity, recipients ...Recipient) (*image.Manifest, error) {
	key, err := Open(m, id)
	if err != nil {
		return nil, err
	}

	out := m.Clone()
	have := map[string]struct{}{}
	for _, r := range out.KeyWrap.Recipients {
		have[r.ID] = struct{}{}
	}
	for _, recipient := range recipients {
		if pub, ok := recipient.(PublicKey); ok {
			if _, ok := have[pub.ID()]; ok {
				continue
			}
		}
		r, err := recipient.wrap(key.key)
		if err != nil {
			return nil, err
		}
		have[r.ID] = struct{}{}
		out.KeyWrap.Recipients = append(out.KeyWrap.Recipients, r)
	}
	return out, nil
}

// Reseal re-encrypts every chunk of m under a new data key wrapped only for
// recipients. It is the revocation path: holders of the old key can not read
// the new chunks.
func Reseal(ctx context.Context, m *image.Manifest, store distribution.ChunkStore, id Identity, recipients ...Recipient) (*image.Manifest, error) {
	oldKey, err := Open(m, id)
	if err != nil {
		return nil, err
	}
	newKey, err := generateDataKey()
	if err != nil {
		return nil, err
	}

	plain := m.Clone()
	plain.KeyWrap = nil
	provider := &Provider{key: oldKey, store: store, entries: indexEntries(m)}
	return sealWith(ctx, plain, provider, store, newKey, recipients)
}

func sealWith(ctx context.Context, m *image.Manifest, src distribution.ChunkProvider, dst distribution.ChunkIngester, key *DataKey, recipients []Recipient) (*image.Manifest, error) {
	if len(recipients) == 0 {
		return nil, errors.New("sealing requires at least one recipient")
	}

	out := m.Clone()
	sealed := map[digest.Digest]image.Entry{}
	for i, e := range m.Entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if prev, ok := sealed[e.Digest]; ok {
			out.Entries[i].StoredDigest = prev.StoredDigest
			out.Entries[i].StoredLength = prev.StoredLength
			continue
		}

		p, err := src.Get(ctx, e.Digest)
		if err != nil {
			return nil, fmt.Errorf("reading chunk %s: %w", e.Digest, err)
		}
		ciphertext := key.SealChunk(e.Digest, p)
		stored, err := dst.Put(ctx, ciphertext)
		if err != nil {
			return nil, err
		}
		out.Entries[i].StoredDigest = stored
		out.Entries[i].StoredLength = uint64(len(ciphertext))
		sealed[e.Digest] = out.Entries[i]
	}

	out.KeyWrap = &image.KeyWrap{Cipher: CipherAES256GCM}
	for _, recipient := range recipients {
		r, err := recipient.wrap(key.key)
		if err != nil {
			return nil, err
		}
		out.KeyWrap.Recipients = append(out.KeyWrap.Recipients, r)
	}
	return out, nil
}

// Provider serves plaintext chunks of a sealed manifest, keyed by plaintext
// digest, from a store holding the ciphertext. It lets image.NewReader
// stream a sealed image without unsealing it first.
type Provider struct {
	key     *DataKey
	store   distribution.ChunkProvider
	entries map[digest.Digest]image.Entry
}

var _ distribution.ChunkProvider = &Provider{}

// NewProvider opens m for id and returns a provider over store.
func NewProvider(m *image.Manifest, store distribution.ChunkProvider, id Identity) (*Provider, error) {
	key, err := Open(m, id)
	if err != nil {
		return nil, err
	}
	return &Provider{key: key, store: store, entries: indexEntries(m)}, nil
}

// Get returns the decrypted chunk whose plaintext digest is dgst.
func (p *Provider) Get(ctx context.Context, dgst digest.Digest) ([]byte, error) {
	e, ok := p.entries[dgst]
	if !ok {
		return nil, distribution.ErrChunkUnknown{Digest: dgst}
	}
	return openEntry(ctx, p.key, e, p.store)
}

func openEntry(ctx context.Context, key *DataKey, e image.Entry, store distribution.ChunkProvider) ([]byte, error) {
	ciphertext, err := store.Get(ctx, e.Stored())
	if err != nil {
		return nil, err
	}
	if e.StoredLength != 0 && uint64(len(ciphertext)) != e.StoredLength {
		return nil, distribution.ErrDigestMismatch{Index: -1, Expected: e.StoredDigest, Actual: digest.FromBytes(ciphertext)}
	}
	return key.OpenChunk(e, ciphertext)
}

func indexEntries(m *image.Manifest) map[digest.Digest]image.Entry {
	entries := make(map[digest.Digest]image.Entry, len(m.Entries))
	for _, e := range m.Entries {
		entries[e.Digest] = e
	}
	return entries
}
