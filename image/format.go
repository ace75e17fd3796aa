package image

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"

	"github.com/goldboot/distribution"
)

// FormatVersion is the container version written by this package.
const FormatVersion uint16 = 1

const (
	headerSize = 40
	footerSize = sha256.Size + len(footerTrailer)

	footerTrailer = "GBFOOTER"
)

var magic = [8]byte{'G', 'B', 'I', 'M', 'A', 'G', 'E', 0}

// Header flags.
const (
	FlagSealed uint16 = 1 << iota
	FlagInline
	FlagCompressed
)

// Container is a decoded container file. An out-of-line container holds
// only the manifest; an inline one also carries the stored chunk bytes, one
// per entry of Manifest.StoredDigests.
type Container struct {
	Manifest *Manifest
	Data     [][]byte

	// Compressed selects per chunk zstd compression of Data on Marshal.
	Compressed bool
}

// Inline reports whether the container carries chunk data.
func (c *Container) Inline() bool {
	return c.Data != nil
}

// MarshalBinary returns the out-of-line container encoding of m, the form
// a registry stores and addresses.
func (m *Manifest) MarshalBinary() ([]byte, error) {
	return Marshal(&Container{Manifest: m})
}

// UnmarshalManifest decodes an out-of-line container.
func UnmarshalManifest(p []byte) (*Manifest, error) {
	c, err := Unmarshal(p)
	if err != nil {
		return nil, err
	}
	if c.Inline() {
		return nil, distribution.ErrManifestInvalid{Reason: "container carries inline data"}
	}
	return c.Manifest, nil
}

// Marshal encodes c.
func Marshal(c *Container) ([]byte, error) {
	m := c.Manifest
	if m == nil {
		return nil, fmt.Errorf("container has no manifest")
	}

	var flags uint16
	var manifest, keywrap, data encoder

	encodeManifest(&manifest, m)

	if m.Sealed() {
		flags |= FlagSealed
		encodeKeyWrap(&keywrap, m.KeyWrap)
	}

	if c.Inline() {
		flags |= FlagInline
		if c.Compressed {
			flags |= FlagCompressed
		}
		if len(c.Data) != len(m.StoredDigests()) {
			return nil, fmt.Errorf("container carries %d chunks, manifest references %d", len(c.Data), len(m.StoredDigests()))
		}
		data.count32(len(c.Data), "chunk list")
		for _, p := range c.Data {
			if c.Compressed {
				p = zstdEncoder.EncodeAll(p, nil)
			}
			data.bytes32(p, "chunk")
		}
	}

	for _, e := range []*encoder{&manifest, &keywrap, &data} {
		if e.err != nil {
			return nil, distribution.ErrManifestInvalid{Reason: e.err.Error()}
		}
	}

	var out bytes.Buffer
	out.Grow(headerSize + manifest.Len() + keywrap.Len() + data.Len() + footerSize)

	var header [headerSize]byte
	copy(header[0:8], magic[:])
	binary.BigEndian.PutUint16(header[8:10], FormatVersion)
	binary.BigEndian.PutUint16(header[10:12], flags)
	binary.BigEndian.PutUint64(header[16:24], uint64(manifest.Len()))
	binary.BigEndian.PutUint64(header[24:32], uint64(keywrap.Len()))
	binary.BigEndian.PutUint64(header[32:40], uint64(data.Len()))

	out.Write(header[:])
	out.Write(manifest.Bytes())
	out.Write(keywrap.Bytes())
	out.Write(data.Bytes())

	sum := sha256.Sum256(out.Bytes())
	out.Write(sum[:])
	out.WriteString(footerTrailer)

	return out.Bytes(), nil
}

// Unmarshal decodes a container, checking the footer checksum before
// anything else is trusted.
func Unmarshal(p []byte) (*Container, error) {
	if len(p) < headerSize || !bytes.Equal(p[0:8], magic[:]) {
		if len(p) >= 8 && !bytes.Equal(p[0:8], magic[:]) {
			return nil, distribution.ErrManifestInvalid{Reason: "bad magic"}
		}
		return nil, distribution.ErrManifestInvalid{Reason: "truncated header"}
	}

	version := binary.BigEndian.Uint16(p[8:10])
	if version != FormatVersion {
		return nil, distribution.ErrUnsupportedFormat{Version: version}
	}

	flags := binary.BigEndian.Uint16(p[10:12])
	manifestLen := binary.BigEndian.Uint64(p[16:24])
	keywrapLen := binary.BigEndian.Uint64(p[24:32])
	dataLen := binary.BigEndian.Uint64(p[32:40])

	body := uint64(len(p) - headerSize)
	if manifestLen > body || keywrapLen > body || dataLen > body ||
		manifestLen+keywrapLen+dataLen+uint64(footerSize) != body {
		return nil, distribution.ErrManifestInvalid{Reason: "section lengths do not match container size"}
	}

	end := len(p) - footerSize
	footer := p[end:]
	if string(footer[sha256.Size:]) != footerTrailer {
		return nil, distribution.ErrManifestInvalid{Reason: "missing footer"}
	}
	if sum := sha256.Sum256(p[:end]); !bytes.Equal(sum[:], footer[:sha256.Size]) {
		return nil, distribution.ErrManifestInvalid{Reason: "footer checksum mismatch"}
	}

	off := uint64(headerSize)
	manifestSection := p[off : off+manifestLen]
	off += manifestLen
	keywrapSection := p[off : off+keywrapLen]
	off += keywrapLen
	dataSection := p[off : off+dataLen]

	m, err := decodeManifest(&decoder{p: manifestSection}, flags&FlagSealed != 0)
	if err != nil {
		return nil, err
	}

	if flags&FlagSealed != 0 {
		kw, err := decodeKeyWrap(&decoder{p: keywrapSection})
		if err != nil {
			return nil, err
		}
		m.KeyWrap = kw
	} else if keywrapLen != 0 {
		return nil, distribution.ErrManifestInvalid{Reason: "key wrap section in unsealed container"}
	}

	c := &Container{Manifest: m}
	if flags&FlagInline != 0 {
		c.Compressed = flags&FlagCompressed != 0
		c.Data, err = decodeData(&decoder{p: dataSection}, c.Compressed)
		if err != nil {
			return nil, err
		}
		if len(c.Data) != len(m.StoredDigests()) {
			return nil, distribution.ErrManifestInvalid{Reason: fmt.Sprintf("container carries %d chunks, manifest references %d", len(c.Data), len(m.StoredDigests()))}
		}
	} else if dataLen != 0 {
		return nil, distribution.ErrManifestInvalid{Reason: "data section in out-of-line container"}
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func encodeManifest(e *encoder, m *Manifest) {
	e.str(m.Name, "name")
	e.str(m.Version, "version")
	if m.Created.IsZero() {
		e.u64(0)
	} else {
		e.u64(uint64(m.Created.UnixNano()))
	}
	e.str(m.OS, "os")
	e.str(m.Profile, "profile")
	e.str(m.Arch, "arch")
	e.str(m.Parent.String(), "parent digest")
	e.u64(m.Size)
	e.str(m.ContentDigest.String(), "image digest")

	e.u8(uint8(m.Policy.Kind))
	e.u64(uint64(m.Policy.Size))

	e.count32(len(m.Entries), "entry table")
	for _, entry := range m.Entries {
		e.u64(entry.Offset)
		e.u64(entry.Length)
		e.str(entry.Digest.String(), "chunk digest")
		if m.Sealed() {
			e.str(entry.StoredDigest.String(), "stored digest")
			e.u64(entry.StoredLength)
		}
	}
}

func decodeManifest(d *decoder, sealed bool) (*Manifest, error) {
	m := &Manifest{}
	m.Name = d.str()
	m.Version = d.str()
	if created := d.u64(); created != 0 {
		m.Created = time.Unix(0, int64(created)).UTC()
	}
	m.OS = d.str()
	m.Profile = d.str()
	m.Arch = d.str()
	m.Parent = digest.Digest(d.str())
	m.Size = d.u64()
	m.ContentDigest = digest.Digest(d.str())

	m.Policy.Kind = PolicyKind(d.u8())
	m.Policy.Size = int64(d.u64())

	n := d.u32()
	if d.err == nil && uint64(n) > uint64(len(d.p)) {
		return nil, distribution.ErrManifestInvalid{Reason: "entry count exceeds manifest section"}
	}
	m.Entries = make([]Entry, 0, n)
	for i := uint32(0); i < n && d.err == nil; i++ {
		var entry Entry
		entry.Offset = d.u64()
		entry.Length = d.u64()
		entry.Digest = digest.Digest(d.str())
		if sealed {
			entry.StoredDigest = digest.Digest(d.str())
			entry.StoredLength = d.u64()
		}
		m.Entries = append(m.Entries, entry)
	}
	if err := d.finish("manifest"); err != nil {
		return nil, err
	}
	if m.Parent != "" {
		if err := m.Parent.Validate(); err != nil {
			return nil, distribution.ErrManifestInvalid{Reason: fmt.Sprintf("parent digest: %v", err)}
		}
	}
	return m, nil
}

func encodeKeyWrap(e *encoder, kw *KeyWrap) {
	e.str(kw.Cipher, "cipher")
	e.count16(len(kw.Recipients), "recipient list")
	for _, r := range kw.Recipients {
		e.str(r.ID, "recipient id")
		e.bytes16(r.EphemeralKey, "ephemeral key")
		e.bytes16(r.Nonce, "wrap nonce")
		e.bytes16(r.WrappedKey, "wrapped key")
	}
}

func decodeKeyWrap(d *decoder) (*KeyWrap, error) {
	kw := &KeyWrap{Cipher: d.str()}
	n := d.u16()
	for i := uint16(0); i < n && d.err == nil; i++ {
		kw.Recipients = append(kw.Recipients, Recipient{
			ID:           d.str(),
			EphemeralKey: d.bytes16(),
			Nonce:        d.bytes16(),
			WrappedKey:   d.bytes16(),
		})
	}
	if err := d.finish("key wrap"); err != nil {
		return nil, err
	}
	return kw, nil
}

func decodeData(d *decoder, compressed bool) ([][]byte, error) {
	n := d.u32()
	if d.err == nil && uint64(n) > uint64(len(d.p)) {
		return nil, distribution.ErrManifestInvalid{Reason: "chunk count exceeds data section"}
	}
	out := make([][]byte, 0, n)
	for i := uint32(0); i < n && d.err == nil; i++ {
		p := d.bytes32()
		if d.err != nil {
			break
		}
		if compressed {
			var err error
			p, err = zstdDecoder.DecodeAll(p, nil)
			if err != nil {
				return nil, distribution.ErrManifestInvalid{Reason: fmt.Sprintf("chunk %d: %v", i, err)}
			}
		} else {
			p = bytes.Clone(p)
		}
		out = append(out, p)
	}
	if err := d.finish("data"); err != nil {
		return nil, err
	}
	return out, nil
}

var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxChunkSize))
)

// encoder writes big endian fields. The first field too long for its
// length prefix sets err.
type encoder struct {
	bytes.Buffer
	err error
}

func (e *encoder) u8(v uint8) { e.WriteByte(v) }

func (e *encoder) u16(v uint16) { e.Write(binary.BigEndian.AppendUint16(nil, v)) }

func (e *encoder) u32(v uint32) { e.Write(binary.BigEndian.AppendUint32(nil, v)) }

func (e *encoder) u64(v uint64) { e.Write(binary.BigEndian.AppendUint64(nil, v)) }

// count16 writes n as a uint16 length prefix.
func (e *encoder) count16(n int, what string) {
	if n > math.MaxUint16 && e.err == nil {
		e.err = fmt.Errorf("%s is %d long, limit is %d", what, n, math.MaxUint16)
	}
	e.u16(uint16(n))
}

// count32 writes n as a uint32 length prefix.
func (e *encoder) count32(n int, what string) {
	if uint64(n) > math.MaxUint32 && e.err == nil {
		e.err = fmt.Errorf("%s is %d long, limit is %d", what, n, uint64(math.MaxUint32))
	}
	e.u32(uint32(n))
}

func (e *encoder) str(s, what string) {
	e.count16(len(s), what)
	e.WriteString(s)
}

func (e *encoder) bytes16(p []byte, what string) {
	e.count16(len(p), what)
	e.Write(p)
}

func (e *encoder) bytes32(p []byte, what string) {
	e.count32(len(p), what)
	e.Write(p)
}

// decoder reads big endian fields from p. The first short read sets err
// and every later read returns zero values.
type decoder struct {
	p   []byte
	err error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n > len(d.p) {
		d.err = distribution.ErrManifestInvalid{Reason: "truncated section"}
		return nil
	}
	b := d.p[:n]
	d.p = d.p[n:]
	return b
}

func (d *decoder) u8() uint8 {
	if b := d.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (d *decoder) u16() uint16 {
	if b := d.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (d *decoder) u32() uint32 {
	if b := d.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (d *decoder) u64() uint64 {
	if b := d.take(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

func (d *decoder) str() string {
	return string(d.take(int(d.u16())))
}

func (d *decoder) bytes16() []byte {
	b := d.take(int(d.u16()))
	if len(b) == 0 {
		return nil
	}
	return bytes.Clone(b)
}

func (d *decoder) bytes32() []byte {
	return d.take(int(d.u32()))
}

func (d *decoder) finish(section string) error {
	if d.err != nil {
		return d.err
	}
	if len(d.p) != 0 {
		return distribution.ErrManifestInvalid{Reason: fmt.Sprintf("%d trailing bytes in %s section", len(d.p), section)}
	}
	return nil
}
