package envelope

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/opencontainers/go-digest"
	"golang.org/x/crypto/curve25519"

	"github.com/goldboot/distribution/image"
)

const (
	publicKeyPrefix  = "gbpub:"
	privateKeyPrefix = "gbsec:"
)

// PublicKey is an X25519 recipient key.
type PublicKey [curve25519.PointSize]byte

// ID identifies the recipient in a key wrap: the digest of the key.
func (k PublicKey) ID() string {
	return digest.FromBytes(k[:]).String()
}

func (k PublicKey) String() string {
	return publicKeyPrefix + hex.EncodeToString(k[:])
}

// MarshalText implements encoding.TextMarshaler.
func (k PublicKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *PublicKey) UnmarshalText(text []byte) error {
	parsed, err := ParsePublicKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParsePublicKey parses the String form of a public key.
func ParsePublicKey(s string) (PublicKey, error) {
	var k PublicKey
	if err := decodeKey(s, publicKeyPrefix, k[:]); err != nil {
		return PublicKey{}, err
	}
	return k, nil
}

func (k PublicKey) wrap(dataKey []byte) (image.Recipient, error) {
	return wrapX25519(k, dataKey)
}

// PrivateKey is an X25519 identity able to unwrap data keys wrapped for
// its public key.
type PrivateKey struct {
	scalar [curve25519.ScalarSize]byte
	public PublicKey
}

// GenerateKey returns a new random identity.
func GenerateKey() (*PrivateKey, error) {
	var scalar [curve25519.ScalarSize]byte
	if _, err := rand.Read(scalar[:]); err != nil {
		return nil, err
	}
	return newPrivateKey(scalar)
}

func newPrivateKey(scalar [curve25519.ScalarSize]byte) (*PrivateKey, error) {
	pub, err := curve25519.X25519(scalar[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	k := &PrivateKey{scalar: scalar}
	copy(k.public[:], pub)
	return k, nil
}

// ParsePrivateKey parses the String form of a private key.
func ParsePrivateKey(s string) (*PrivateKey, error) {
	var scalar [curve25519.ScalarSize]byte
	if err := decodeKey(s, privateKeyPrefix, scalar[:]); err != nil {
		return nil, err
	}
	return newPrivateKey(scalar)
}

// Public returns the recipient key of k.
func (k *PrivateKey) Public() PublicKey {
	return k.public
}

func (k *PrivateKey) String() string {
	return privateKeyPrefix + hex.EncodeToString(k.scalar[:])
}

func (k *PrivateKey) unwrap(records []image.Recipient) ([]byte, error) {
	return unwrapX25519(k, records)
}

func decodeKey(s, prefix string, dst []byte) error {
	if !strings.HasPrefix(s, prefix) {
		return fmt.Errorf("key %q does not start with %q", s, prefix)
	}
	b, err := hex.DecodeString(strings.TrimPrefix(s, prefix))
	if err != nil {
		return fmt.Errorf("invalid key encoding: %w", err)
	}
	if len(b) != len(dst) {
		return fmt.Errorf("invalid key length %d", len(b))
	}
	copy(dst, b)
	return nil
}
