package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/goldboot/distribution"
	"github.com/goldboot/distribution/image"
	"github.com/goldboot/distribution/internal/dcontext"
	"github.com/goldboot/distribution/metrics"
	"github.com/goldboot/distribution/registry/storage/driver"
)

// imageStore implements distribution.ImageIndex. Manifest containers are
// stored by digest; a version is published by writing its link file once
// every check has passed.
type imageStore struct {
	driver         driver.StorageDriver
	chunks         *chunkStore
	locks          *commitLocks
	skipVerify     bool
	deleteEnabled  bool
}

var _ distribution.ImageIndex = &imageStore{}

// Commit publishes payload under name and version.
func (is *imageStore) Commit(ctx context.Context, name, version string, payload []byte) (v1.Descriptor, error) {
	if err := validateReference(name, version); err != nil {
		return v1.Descriptor{}, err
	}

	unlock, ok := is.locks.tryLock(name, version)
	if !ok {
		metrics.Commits.WithValues("conflict").Inc(1)
		return v1.Descriptor{}, distribution.ErrCommitConflict{Name: name, Version: version, Reason: "commit in progress"}
	}
	defer unlock()

	desc, err := is.commit(ctx, name, version, payload)
	if err != nil {
		metrics.Commits.WithValues(commitResult(err)).Inc(1)
		return v1.Descriptor{}, err
	}
	metrics.Commits.WithValues("ok").Inc(1)
	return desc, nil
}

func (is *imageStore) commit(ctx context.Context, name, version string, payload []byte) (v1.Descriptor, error) {
	m, err := image.UnmarshalManifest(payload)
	if err != nil {
		return v1.Descriptor{}, err
	}

	if m.Name != name || m.Version != version {
		return v1.Descriptor{}, distribution.ErrManifestInvalid{
			Reason: fmt.Sprintf("manifest names %s:%s, committed as %s:%s", m.Name, m.Version, name, version),
		}
	}

	desc, err := m.Descriptor()
	if err != nil {
		return v1.Descriptor{}, err
	}

	current, err := is.link(ctx, name, version)
	switch {
	case err == nil:
		if current == desc.Digest {
			dcontext.GetLogger(ctx).Debugf("%s:%s already published as %s", name, version, current)
			return desc, nil
		}
		return v1.Descriptor{}, distribution.ErrCommitConflict{
			Name:    name,
			Version: version,
			Reason:  fmt.Sprintf("already published as %s", current),
		}
	case errors.Is(err, distribution.ErrNotFound):
	default:
		return v1.Descriptor{}, err
	}

	missing, err := image.Missing(ctx, m, is.chunks)
	if err != nil {
		return v1.Descriptor{}, err
	}
	if len(missing) > 0 {
		return v1.Descriptor{}, distribution.ErrMissingChunks{Digests: missing}
	}

	switch {
	case m.Sealed():
		if err := is.checkStoredLengths(ctx, m); err != nil {
			return v1.Descriptor{}, err
		}
	case !is.skipVerify:
		if err := image.Verify(ctx, m, is.chunks); err != nil {
			return v1.Descriptor{}, err
		}
	}

	mp, err := pathFor(manifestDataPathSpec{digest: desc.Digest})
	if err != nil {
		return v1.Descriptor{}, err
	}
	if err := is.driver.PutContent(ctx, mp, payload); err != nil {
		return v1.Descriptor{}, err
	}

	lp, err := pathFor(imageVersionLinkPathSpec{name: name, version: version})
	if err != nil {
		return v1.Descriptor{}, err
	}
	if err := is.driver.PutContent(ctx, lp, []byte(desc.Digest.String())); err != nil {
		return v1.Descriptor{}, err
	}

	dcontext.GetLoggerWithFields(ctx, map[any]any{
		"image":   name,
		"version": version,
		"digest":  desc.Digest,
		"chunks":  len(m.Entries),
	}).Info("committed manifest")
	return desc, nil
}

// checkStoredLengths compares each ciphertext chunk of a sealed manifest
// with the length the manifest records for it. Sealed content cannot be
// hashed without the key.
func (is *imageStore) checkStoredLengths(ctx context.Context, m *image.Manifest) error {
	for i, entry := range m.Entries {
		if entry.StoredLength == 0 {
			continue
		}
		desc, err := is.chunks.Stat(ctx, entry.Stored())
		if err != nil {
			return err
		}
		if uint64(desc.Size) != entry.StoredLength {
			return fmt.Errorf("chunk %d holds %d bytes, manifest records %d: %w",
				i, desc.Size, entry.StoredLength, distribution.ErrManifestMismatch)
		}
	}
	return nil
}

// Fetch returns the committed container for name and version.
func (is *imageStore) Fetch(ctx context.Context, name, version string) ([]byte, v1.Descriptor, error) {
	if err := validateReference(name, version); err != nil {
		return nil, v1.Descriptor{}, err
	}

	dgst, err := is.link(ctx, name, version)
	if err != nil {
		return nil, v1.Descriptor{}, err
	}

	p, m, err := is.manifest(ctx, dgst)
	if err != nil {
		if errors.Is(err, distribution.ErrNotFound) {
			return nil, v1.Descriptor{}, distribution.ErrImageUnknown{Name: name, Version: version}
		}
		return nil, v1.Descriptor{}, err
	}

	desc, err := m.Descriptor()
	if err != nil {
		return nil, v1.Descriptor{}, err
	}
	return p, desc, nil
}

// Versions lists the committed versions of name in lexical order.
func (is *imageStore) Versions(ctx context.Context, name string) ([]string, error) {
	if err := distribution.ValidateName(name); err != nil {
		return nil, distribution.ErrNameInvalid{Name: name, Reason: err}
	}

	dir, err := pathFor(imageVersionsPathSpec{name: name})
	if err != nil {
		return nil, err
	}

	entries, err := is.driver.List(ctx, dir)
	if err != nil {
		if errors.As(err, &driver.PathNotFoundError{}) {
			return nil, distribution.ErrImageUnknown{Name: name}
		}
		return nil, err
	}

	versions := make([]string, 0, len(entries))
	for _, entry := range entries {
		versions = append(versions, path.Base(entry))
	}
	if len(versions) == 0 {
		return nil, distribution.ErrImageUnknown{Name: name}
	}
	sort.Strings(versions)
	return versions, nil
}

// Names calls fn for every image with at least one version, in lexical
// order.
func (is *imageStore) Names(ctx context.Context, fn func(name string) error) error {
	root, err := pathFor(imagesRootPathSpec{})
	if err != nil {
		return err
	}

	var names []string
	err = is.driver.Walk(ctx, root, func(fileInfo driver.FileInfo) error {
		if !fileInfo.IsDir() {
			return nil
		}
		if path.Base(fileInfo.Path()) != "_versions" {
			return nil
		}
		versions, err := is.driver.List(ctx, fileInfo.Path())
		if err != nil && !errors.As(err, &driver.PathNotFoundError{}) {
			return err
		}
		if len(versions) > 0 {
			name := strings.TrimPrefix(path.Dir(fileInfo.Path()), root+"/")
			names = append(names, name)
		}
		return driver.ErrSkipDir
	})
	if err != nil && !errors.As(err, &driver.PathNotFoundError{}) {
		return err
	}

	sort.Strings(names)
	for _, name := range names {
		if err := fn(name); err != nil {
			return err
		}
	}
	return nil
}

// Delete unpublishes a version. Its manifest container and chunks are left
// for garbage collection.
func (is *imageStore) Delete(ctx context.Context, name, version string) error {
	if !is.deleteEnabled {
		return distribution.ErrUnsupported
	}
	if err := validateReference(name, version); err != nil {
		return err
	}

	unlock, ok := is.locks.tryLock(name, version)
	if !ok {
		return distribution.ErrCommitConflict{Name: name, Version: version, Reason: "commit in progress"}
	}
	defer unlock()

	dir, err := pathFor(imageVersionPathSpec{name: name, version: version})
	if err != nil {
		return err
	}
	if err := is.driver.Delete(ctx, dir); err != nil {
		if errors.As(err, &driver.PathNotFoundError{}) {
			return distribution.ErrImageUnknown{Name: name, Version: version}
		}
		return err
	}

	// drop the image directory once its last version is gone
	versions, err := pathFor(imageVersionsPathSpec{name: name})
	if err != nil {
		return err
	}
	if remaining, err := is.driver.List(ctx, versions); err == nil && len(remaining) == 0 {
		if err := is.driver.Delete(ctx, path.Dir(versions)); err != nil && !errors.As(err, &driver.PathNotFoundError{}) {
			return err
		}
	}
	return nil
}

// link reads the manifest digest published for name and version.
func (is *imageStore) link(ctx context.Context, name, version string) (digest.Digest, error) {
	lp, err := pathFor(imageVersionLinkPathSpec{name: name, version: version})
	if err != nil {
		return "", err
	}

	content, err := is.driver.GetContent(ctx, lp)
	if err != nil {
		if errors.As(err, &driver.PathNotFoundError{}) {
			return "", distribution.ErrImageUnknown{Name: name, Version: version}
		}
		return "", err
	}

	dgst, err := digest.Parse(strings.TrimSpace(string(content)))
	if err != nil {
		return "", distribution.ErrManifestInvalid{Reason: fmt.Sprintf("link for %s:%s: %v", name, version, err)}
	}
	return dgst, nil
}

// manifest reads and verifies the container stored under dgst.
func (is *imageStore) manifest(ctx context.Context, dgst digest.Digest) ([]byte, *image.Manifest, error) {
	mp, err := pathFor(manifestDataPathSpec{digest: dgst})
	if err != nil {
		return nil, nil, err
	}

	p, err := is.driver.GetContent(ctx, mp)
	if err != nil {
		if errors.As(err, &driver.PathNotFoundError{}) {
			return nil, nil, distribution.ErrNotFound
		}
		return nil, nil, err
	}

	if actual := dgst.Algorithm().FromBytes(p); actual != dgst {
		return nil, nil, distribution.ErrManifestInvalid{Reason: fmt.Sprintf("stored manifest %s hashes to %s", dgst, actual)}
	}

	m, err := image.UnmarshalManifest(p)
	if err != nil {
		return nil, nil, err
	}
	return p, m, nil
}

// enumerateManifests calls fn for every stored manifest container.
func (is *imageStore) enumerateManifests(ctx context.Context, fn func(dgst digest.Digest) error) error {
	root, err := pathFor(manifestsPathSpec{})
	if err != nil {
		return err
	}

	err = is.driver.Walk(ctx, root, func(fileInfo driver.FileInfo) error {
		if fileInfo.IsDir() || path.Base(fileInfo.Path()) != "data" {
			return nil
		}
		dgst, err := digestFromPath(fileInfo.Path())
		if err != nil {
			return nil
		}
		return fn(dgst)
	})
	if errors.As(err, &driver.PathNotFoundError{}) {
		return nil
	}
	return err
}

func validateReference(name, version string) error {
	if err := distribution.ValidateName(name); err != nil {
		return distribution.ErrNameInvalid{Name: name, Reason: err}
	}
	if err := distribution.ValidateVersion(version); err != nil {
		return distribution.ErrNameInvalid{Name: name + ":" + version, Reason: err}
	}
	return nil
}

func commitResult(err error) string {
	switch {
	case errors.Is(err, distribution.ErrMissingChunk):
		return "missing"
	case errors.Is(err, distribution.ErrConflict):
		return "conflict"
	case errors.Is(err, distribution.ErrManifestMismatch), errors.Is(err, distribution.ErrCorrupt):
		return "invalid"
	default:
		return "error"
	}
}

// commitLocks holds the (name, version) pairs with a commit in flight.
type commitLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newCommitLocks() *commitLocks {
	return &commitLocks{held: map[string]struct{}{}}
}

// tryLock claims name:version without blocking.
func (l *commitLocks) tryLock(name, version string) (func(), bool) {
	key := name + ":" + version

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return nil, false
	}
	l.held[key] = struct{}{}
	return func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}, true
}
