package envelope

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/goldboot/distribution"
	"github.com/goldboot/distribution/image"
)

const (
	wrapInfoPrefix   = "goldboot envelope v1 "
	passphrasePrefix = "passphrase:"

	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	saltSize     = 16
)

// Recipient can receive a wrapped copy of a data key.
type Recipient interface {
	wrap(dataKey []byte) (image.Recipient, error)
}

// Identity can recover a data key from the wrap records of a manifest.
type Identity interface {
	unwrap(records []image.Recipient) ([]byte, error)
}

var (
	_ Recipient = PublicKey{}
	_ Recipient = Passphrase("")
	_ Identity  = &PrivateKey{}
	_ Identity  = Passphrase("")
)

// deriveKey stretches an ECDH shared secret into a wrapping key bound to
// the recipient id.
func deriveKey(shared, salt []byte, id string) ([]byte, error) {
	r := hkdf.New(sha256.New, shared, salt, []byte(wrapInfoPrefix+id))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

func wrapX25519(pub PublicKey, dataKey []byte) (image.Recipient, error) {
	ephemeral := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(ephemeral); err != nil {
		return image.Recipient{}, err
	}
	ephemeralPub, err := curve25519.X25519(ephemeral, curve25519.Basepoint)
	if err != nil {
		return image.Recipient{}, err
	}
	shared, err := curve25519.X25519(ephemeral, pub[:])
	if err != nil {
		return image.Recipient{}, err
	}

	id := pub.ID()
	kek, err := deriveKey(shared, append(append([]byte(nil), ephemeralPub...), pub[:]...), id)
	if err != nil {
		return image.Recipient{}, err
	}
	nonce, wrapped, err := seal(kek, dataKey, id)
	if err != nil {
		return image.Recipient{}, err
	}
	return image.Recipient{
		ID:           id,
		EphemeralKey: ephemeralPub,
		Nonce:        nonce,
		WrappedKey:   wrapped,
	}, nil
}

func unwrapX25519(k *PrivateKey, records []image.Recipient) ([]byte, error) {
	id := k.public.ID()
	for _, r := range records {
		if r.ID != id {
			continue
		}
		shared, err := curve25519.X25519(k.scalar[:], r.EphemeralKey)
		if err != nil {
			return nil, fmt.Errorf("recipient %s: %v: %w", id, err, distribution.ErrDecryptionFailed)
		}
		kek, err := deriveKey(shared, append(append([]byte(nil), r.EphemeralKey...), k.public[:]...), id)
		if err != nil {
			return nil, err
		}
		return open(kek, r, id)
	}
	return nil, fmt.Errorf("no key wrapped for recipient %s: %w", id, distribution.ErrUnauthorized)
}

// Passphrase is a recipient and identity whose wrapping key is derived from
// a secret string with argon2id, for images encrypted at rest.
type Passphrase string

func (p Passphrase) wrap(dataKey []byte) (image.Recipient, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return image.Recipient{}, err
	}
	id := passphrasePrefix + hex.EncodeToString(salt)
	nonce, wrapped, err := seal(p.key(salt), dataKey, id)
	if err != nil {
		return image.Recipient{}, err
	}
	return image.Recipient{ID: id, Nonce: nonce, WrappedKey: wrapped}, nil
}

func (p Passphrase) unwrap(records []image.Recipient) ([]byte, error) {
	var lastErr error
	for _, r := range records {
		if !strings.HasPrefix(r.ID, passphrasePrefix) {
			continue
		}
		salt, err := hex.DecodeString(strings.TrimPrefix(r.ID, passphrasePrefix))
		if err != nil {
			lastErr = fmt.Errorf("malformed passphrase record %s: %w", r.ID, distribution.ErrDecryptionFailed)
			continue
		}
		key, err := open(p.key(salt), r, r.ID)
		if err == nil {
			return key, nil
		}
		lastErr = err
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, fmt.Errorf("image is not sealed with a passphrase: %w", distribution.ErrUnauthorized)
}

func (p Passphrase) key(salt []byte) []byte {
	return argon2.IDKey([]byte(p), salt, argonTime, argonMemory, argonThreads, chacha20poly1305.KeySize)
}

func seal(kek, dataKey []byte, id string) (nonce, wrapped []byte, err error) {
	aead, err := chacha20poly1305.New(kek)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	return nonce, aead.Seal(nil, nonce, dataKey, []byte(id)), nil
}

func open(kek []byte, r image.Recipient, id string) ([]byte, error) {
	aead, err := chacha20poly1305.New(kek)
	if err != nil {
		return nil, err
	}
	if len(r.Nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("recipient %s: bad nonce length: %w", id, distribution.ErrDecryptionFailed)
	}
	key, err := aead.Open(nil, r.Nonce, r.WrappedKey, []byte(id))
	if err != nil {
		return nil, fmt.Errorf("recipient %s: %v: %w", id, err, distribution.ErrDecryptionFailed)
	}
	if len(key) != dataKeySize {
		return nil, fmt.Errorf("recipient %s: unwrapped key has length %d: %w", id, len(key), distribution.ErrDecryptionFailed)
	}
	return key, nil
}
