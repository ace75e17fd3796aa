package build

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/goldboot/distribution"
	"github.com/goldboot/distribution/image"
	"github.com/goldboot/distribution/internal/dcontext"
)

// WriteOptions controls WriteToDevice.
type WriteOptions struct {
	// Sparse skips chunks that are entirely zero. Only set it when the
	// target reads back zeros where nothing was written, such as a fresh
	// sparse file or a discarded device.
	Sparse bool

	// DeviceSize, when not zero, is the size of the target. Images larger
	// than the target are refused before anything is written.
	DeviceSize int64

	// Progress is called after each chunk with the number of bytes of the
	// image handled so far.
	Progress func(done, total uint64)
}

// WriteStats reports what WriteToDevice did.
type WriteStats struct {
	Written uint64
	Skipped uint64
}

var errDeviceTooSmall = errors.New("image does not fit the device")

// WriteToDevice streams the image described by m into dst, verifying
// every chunk and the overall digest on the way. For sealed images store
// must serve plaintext, such as an envelope.Provider. An error after the
// first write leaves dst partially written.
func WriteToDevice(ctx context.Context, m *image.Manifest, store distribution.ChunkProvider, dst io.WriterAt, opts WriteOptions) (WriteStats, error) {
	var stats WriteStats

	if opts.DeviceSize > 0 && m.Size > uint64(opts.DeviceSize) {
		return stats, fmt.Errorf("%w: image is %d bytes, device %d", errDeviceTooSmall, m.Size, opts.DeviceSize)
	}

	logger := dcontext.GetLoggerWithFields(ctx, map[any]any{
		"image":   m.Name,
		"version": m.Version,
	})

	r := image.NewReader(ctx, m, store)
	defer r.Close()

	var buf []byte
	for _, e := range m.Entries {
		if uint64(cap(buf)) < e.Length {
			buf = make([]byte, e.Length)
		}
		chunk := buf[:e.Length]
		if _, err := io.ReadFull(r, chunk); err != nil {
			return stats, fmt.Errorf("reading chunk at offset %d: %w", e.Offset, err)
		}

		if opts.Sparse && allZero(chunk) {
			stats.Skipped += e.Length
		} else {
			if _, err := dst.WriteAt(chunk, int64(e.Offset)); err != nil {
				return stats, fmt.Errorf("writing at offset %d: %w", e.Offset, err)
			}
			stats.Written += e.Length
		}

		if opts.Progress != nil {
			opts.Progress(e.Offset+e.Length, m.Size)
		}
	}

	// the reader checks the overall digest when it reaches the end
	var tail [1]byte
	if _, err := r.Read(tail[:]); err != io.EOF {
		return stats, err
	}

	logger.Infof("wrote %d bytes, skipped %d zero bytes", stats.Written, stats.Skipped)
	return stats, nil
}

func allZero(p []byte) bool {
	for _, b := range p {
		if b != 0 {
			return false
		}
	}
	return true
}
