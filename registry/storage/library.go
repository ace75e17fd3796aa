package storage

import (
	"context"
	"errors"

	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/goldboot/distribution"
	"github.com/goldboot/distribution/image"
	"github.com/goldboot/distribution/internal/dcontext"
)

// LibraryEntry describes one published version. Err is set instead of the
// metadata when the stored manifest cannot be read back.
type LibraryEntry struct {
	Name       string
	Version    string
	Descriptor v1.Descriptor
	Metadata   image.Metadata
	Sealed     bool
	Err        error
}

// Library lists every published version. A corrupt manifest is reported on
// its entry and does not fail the listing.
func (reg *Registry) Library(ctx context.Context) ([]LibraryEntry, error) {
	var entries []LibraryEntry
	err := reg.images.Names(ctx, func(name string) error {
		found, err := reg.Find(ctx, name)
		if err != nil {
			if errors.Is(err, distribution.ErrNotFound) {
				// unpublished between listing and lookup
				return nil
			}
			return err
		}
		entries = append(entries, found...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Find lists the published versions of name.
func (reg *Registry) Find(ctx context.Context, name string) ([]LibraryEntry, error) {
	versions, err := reg.images.Versions(ctx, name)
	if err != nil {
		return nil, err
	}

	entries := make([]LibraryEntry, 0, len(versions))
	for _, version := range versions {
		entry := LibraryEntry{Name: name, Version: version}

		payload, desc, err := reg.images.Fetch(ctx, name, version)
		switch {
		case err == nil:
			m, err := image.UnmarshalManifest(payload)
			if err != nil {
				entry.Err = err
				break
			}
			entry.Descriptor = desc
			entry.Metadata = m.Metadata
			entry.Sealed = m.Sealed()
		case errors.Is(err, distribution.ErrCorrupt), errors.Is(err, distribution.ErrUnsupportedVersion):
			dcontext.GetLoggerWithFields(ctx, map[any]any{"image": name, "version": version}).WithError(err).Warn("corrupt manifest in library")
			entry.Err = err
		case errors.Is(err, distribution.ErrNotFound):
			continue
		default:
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
