package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/opencontainers/go-digest"

	"github.com/goldboot/distribution"
)

func emit(format string, a ...any) {
	fmt.Printf(format+"\n", a...)
}

// GCOpts contains options for garbage collector
type GCOpts struct {
	DryRun bool

	// Emit receives progress lines. It defaults to stdout.
	Emit func(format string, a ...any)
}

// GCResult reports what a collection removed, or would remove on a dry run.
type GCResult struct {
	MarkedChunks    int
	MarkedManifests int
	Chunks          []digest.Digest
	Manifests       []digest.Digest
}

// MarkAndSweep performs a mark and sweep of registry data. Every chunk and
// manifest container reachable from a published version is marked; the
// rest is deleted unless opts.DryRun is set.
func MarkAndSweep(ctx context.Context, registry *Registry, opts GCOpts) (GCResult, error) {
	out := opts.Emit
	if out == nil {
		out = emit
	}

	// mark
	chunkSet := distribution.DigestSet{}
	manifestSet := distribution.DigestSet{}
	err := registry.images.Names(ctx, func(name string) error {
		out(name)

		versions, err := registry.images.Versions(ctx, name)
		if err != nil {
			if errors.Is(err, distribution.ErrNotFound) {
				return nil
			}
			return fmt.Errorf("failed to list versions of %s: %w", name, err)
		}

		for _, version := range versions {
			dgst, err := registry.images.link(ctx, name, version)
			if err != nil {
				if errors.Is(err, distribution.ErrNotFound) {
					continue
				}
				return fmt.Errorf("failed to read link for %s:%s: %w", name, version, err)
			}

			_, m, err := registry.images.manifest(ctx, dgst)
			if err != nil {
				// refuse to sweep chunks a corrupt manifest may still reference
				return fmt.Errorf("failed to read manifest %s for %s:%s: %w", dgst, name, version, err)
			}

			out("%s: marking manifest %s", name, dgst)
			manifestSet.Add(dgst)
			for _, chunk := range m.StoredDigests() {
				chunkSet.Add(chunk)
			}
		}
		return nil
	})
	if err != nil {
		return GCResult{}, fmt.Errorf("failed to mark: %w", err)
	}

	result := GCResult{
		MarkedChunks:    len(chunkSet),
		MarkedManifests: len(manifestSet),
	}

	// sweep
	deleteManifests := distribution.DigestSet{}
	err = registry.images.enumerateManifests(ctx, func(dgst digest.Digest) error {
		if !manifestSet.Contains(dgst) {
			deleteManifests.Add(dgst)
		}
		return nil
	})
	if err != nil {
		return GCResult{}, fmt.Errorf("error enumerating manifests: %w", err)
	}

	deleteChunks := distribution.DigestSet{}
	err = registry.chunks.Enumerate(ctx, func(dgst digest.Digest) error {
		if !chunkSet.Contains(dgst) {
			deleteChunks.Add(dgst)
		}
		return nil
	})
	if err != nil {
		return GCResult{}, fmt.Errorf("error enumerating chunks: %w", err)
	}

	out("\n%d chunks marked, %d chunks and %d manifests eligible for deletion", len(chunkSet), len(deleteChunks), len(deleteManifests))

	for _, dgst := range deleteManifests.Sorted() {
		out("manifest eligible for deletion: %s", dgst)
		result.Manifests = append(result.Manifests, dgst)
		if opts.DryRun {
			continue
		}
		dir, err := pathFor(manifestPathSpec{digest: dgst})
		if err != nil {
			return result, err
		}
		if err := registry.driver.Delete(ctx, dir); err != nil {
			return result, fmt.Errorf("failed to delete manifest %s: %w", dgst, err)
		}
	}

	for _, dgst := range deleteChunks.Sorted() {
		out("chunk eligible for deletion: %s", dgst)
		result.Chunks = append(result.Chunks, dgst)
		if opts.DryRun {
			continue
		}
		if err := registry.chunks.Delete(ctx, dgst); err != nil && !errors.Is(err, distribution.ErrNotFound) {
			return result, fmt.Errorf("failed to delete chunk %s: %w", dgst, err)
		}
	}

	return result, nil
}

