package image

import (
	"fmt"
	"io"

	chunker "github.com/ipfs/boxo/chunker"
)

// DefaultChunkSize is the chunk size of the fixed policy.
const DefaultChunkSize = 1 << 20

// PolicyKind selects how a stream is split into chunks.
type PolicyKind uint8

const (
	// PolicyFixed cuts chunks of a fixed size; the last may be shorter.
	PolicyFixed PolicyKind = iota + 1
	// PolicyBuzhash cuts content-defined chunks with a rolling hash, so an
	// insertion early in an image does not shift every later chunk.
	PolicyBuzhash
)

func (k PolicyKind) String() string {
	switch k {
	case PolicyFixed:
		return "fixed"
	case PolicyBuzhash:
		return "buzhash"
	default:
		return fmt.Sprintf("PolicyKind(%d)", uint8(k))
	}
}

// ChunkPolicy controls chunk boundaries. Size is only meaningful for
// PolicyFixed.
type ChunkPolicy struct {
	Kind PolicyKind
	Size int64
}

// DefaultPolicy splits into fixed 1 MiB chunks.
var DefaultPolicy = ChunkPolicy{Kind: PolicyFixed, Size: DefaultChunkSize}

// FixedPolicy returns a fixed size policy.
func FixedPolicy(size int64) ChunkPolicy {
	return ChunkPolicy{Kind: PolicyFixed, Size: size}
}

// BuzhashPolicy returns the content-defined policy.
func BuzhashPolicy() ChunkPolicy {
	return ChunkPolicy{Kind: PolicyBuzhash}
}

// ParsePolicy resolves a policy by name, as found in configuration. An
// empty name selects DefaultPolicy and a zero size the default size.
func ParsePolicy(name string, size int64) (ChunkPolicy, error) {
	var p ChunkPolicy
	switch name {
	case "", "fixed":
		if size == 0 {
			size = DefaultChunkSize
		}
		p = FixedPolicy(size)
	case "buzhash":
		p = BuzhashPolicy()
	default:
		return ChunkPolicy{}, fmt.Errorf("unknown chunk policy %q", name)
	}
	return p, p.Validate()
}

// Validate checks that the policy can produce chunks within MaxChunkSize.
func (p ChunkPolicy) Validate() error {
	switch p.Kind {
	case PolicyFixed:
		if p.Size <= 0 || p.Size > MaxChunkSize {
			return fmt.Errorf("fixed chunk size %d out of range (0, %d]", p.Size, MaxChunkSize)
		}
	case PolicyBuzhash:
	default:
		return fmt.Errorf("unknown chunk policy %v", p.Kind)
	}
	return nil
}

func (p ChunkPolicy) String() string {
	if p.Kind == PolicyFixed {
		return fmt.Sprintf("fixed-%d", p.Size)
	}
	return p.Kind.String()
}

func (p ChunkPolicy) splitter(r io.Reader) chunker.Splitter {
	if p.Kind == PolicyBuzhash {
		return chunker.NewBuzhash(r)
	}
	return chunker.NewSizeSplitter(r, p.Size)
}
