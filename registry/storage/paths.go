package storage

import (
	"fmt"
	"path"
	"strings"

	"github.com/opencontainers/go-digest"
)

const (
	storagePathVersion = "v1"
	storagePathRoot    = "/goldboot/registry/"
)

// pathFor maps paths based on "object names" and their ids. The "object
// names" mapped by are internal to the storage system.
//
// The path layout in the storage backend is roughly as follows:
//
//	<root>/v1
//		-> chunks/<algorithm>
//			<split directory content addressable storage>
//		-> manifests/<algorithm>
//			<split directory content addressable storage>
//		-> uploads/<uuid>
//			data
//			startedat
//		-> images/
//			-><name>/
//				-> _versions/<version>/link
//
// Chunks and manifest containers are both content addressed, keyed by
// algorithm and digest. Nothing links into the chunk store: manifests
// reference chunks by digest only. An image version is published by writing
// its link file, which holds the digest of the manifest container. Writing
// that link is the only step a reader can observe.
//
// Uploads land under the uploads directory, keyed by a random uuid, and are
// moved into place once complete. Abandoned uploads can be garbage collected
// by reading the startedat file and removing uploads that have been active
// for longer than a certain time.
//
// We cover the path formats implemented by this path mapper below.
//
//	Chunks:
//
//	chunksPathSpec:            <root>/v1/chunks
//	chunkPathSpec:             <root>/v1/chunks/<algorithm>/<first two hex bytes of digest>/<hex digest>
//	chunkDataPathSpec:         <root>/v1/chunks/<algorithm>/<first two hex bytes of digest>/<hex digest>/data
//
//	Manifests:
//
//	manifestsPathSpec:         <root>/v1/manifests
//	manifestPathSpec:          <root>/v1/manifests/<algorithm>/<first two hex bytes of digest>/<hex digest>
//	manifestDataPathSpec:      <root>/v1/manifests/<algorithm>/<first two hex bytes of digest>/<hex digest>/data
//
//	Images:
//
//	imagesRootPathSpec:        <root>/v1/images
//	imageVersionsPathSpec:     <root>/v1/images/<name>/_versions
//	imageVersionPathSpec:      <root>/v1/images/<name>/_versions/<version>
//	imageVersionLinkPathSpec:  <root>/v1/images/<name>/_versions/<version>/link
//
//	Uploads:
//
//	uploadsPathSpec:           <root>/v1/uploads
//	uploadPathSpec:            <root>/v1/uploads/<uuid>
//	uploadDataPathSpec:        <root>/v1/uploads/<uuid>/data
//	uploadStartedAtPathSpec:   <root>/v1/uploads/<uuid>/startedat
func pathFor(spec pathSpec) (string, error) {
	// Switch on the path object type and return the appropriate path. At
	// first glance, one may wonder why we don't use an interface to
	// accomplish this. By keep the formatting separate from the pathSpec, we
	// keep separate the path generation componentized.
	rootPrefix := []string{storagePathRoot, storagePathVersion}

	switch v := spec.(type) {
	case chunksPathSpec:
		return path.Join(append(rootPrefix, "chunks")...), nil
	case chunkPathSpec:
		components, err := digestPathComponents(v.digest, true)
		if err != nil {
			return "", err
		}
		return path.Join(append(append(rootPrefix, "chunks"), components...)...), nil
	case chunkDataPathSpec:
		root, err := pathFor(chunkPathSpec(v))
		if err != nil {
			return "", err
		}
		return path.Join(root, "data"), nil
	case manifestsPathSpec:
		return path.Join(append(rootPrefix, "manifests")...), nil
	case manifestPathSpec:
		components, err := digestPathComponents(v.digest, true)
		if err != nil {
			return "", err
		}
		return path.Join(append(append(rootPrefix, "manifests"), components...)...), nil
	case manifestDataPathSpec:
		root, err := pathFor(manifestPathSpec(v))
		if err != nil {
			return "", err
		}
		return path.Join(root, "data"), nil
	case imagesRootPathSpec:
		return path.Join(append(rootPrefix, "images")...), nil
	case imageVersionsPathSpec:
		return path.Join(append(rootPrefix, "images", v.name, "_versions")...), nil
	case imageVersionPathSpec:
		return path.Join(append(rootPrefix, "images", v.name, "_versions", v.version)...), nil
	case imageVersionLinkPathSpec:
		return path.Join(append(rootPrefix, "images", v.name, "_versions", v.version, "link")...), nil
	case uploadsPathSpec:
		return path.Join(append(rootPrefix, "uploads")...), nil
	case uploadPathSpec:
		return path.Join(append(rootPrefix, "uploads", v.id)...), nil
	case uploadDataPathSpec:
		return path.Join(append(rootPrefix, "uploads", v.id, "data")...), nil
	case uploadStartedAtPathSpec:
		return path.Join(append(rootPrefix, "uploads", v.id, "startedat")...), nil
	default:
		// TODO(sday): This is an internal error. Ensure it doesn't escape (panic?).
		return "", fmt.Errorf("unknown path spec: %#v", v)
	}
}

// pathSpec is a type to mark structs as path specs. There is no
// implementation because we'd like to keep the specs and the mappers
// decoupled.
type pathSpec interface {
	pathSpec()
}

// chunksPathSpec is the root of the chunk store.
type chunksPathSpec struct{}

func (chunksPathSpec) pathSpec() {}

// chunkPathSpec is the directory of a single chunk.
type chunkPathSpec struct {
	digest digest.Digest
}

func (chunkPathSpec) pathSpec() {}

// chunkDataPathSpec holds the bytes of a chunk.
type chunkDataPathSpec struct {
	digest digest.Digest
}

func (chunkDataPathSpec) pathSpec() {}

// manifestsPathSpec is the root of the manifest container store.
type manifestsPathSpec struct{}

func (manifestsPathSpec) pathSpec() {}

type manifestPathSpec struct {
	digest digest.Digest
}

func (manifestPathSpec) pathSpec() {}

// manifestDataPathSpec holds an out-of-line container, addressed by the
// digest of its encoding.
type manifestDataPathSpec struct {
	digest digest.Digest
}

func (manifestDataPathSpec) pathSpec() {}

// imagesRootPathSpec returns the root of the image index.
type imagesRootPathSpec struct{}

func (imagesRootPathSpec) pathSpec() {}

// imageVersionsPathSpec is the directory listing the published versions of
// an image.
type imageVersionsPathSpec struct {
	name string
}

func (imageVersionsPathSpec) pathSpec() {}

type imageVersionPathSpec struct {
	name    string
	version string
}

func (imageVersionPathSpec) pathSpec() {}

// imageVersionLinkPathSpec is the link publishing a version. The content of
// the file is the digest of the manifest container:
//
//	sha256:96443a84ce518ac22acb2e985eda402b58ac19ce6f91980bde63726a79d80b36
type imageVersionLinkPathSpec struct {
	name    string
	version string
}

func (imageVersionLinkPathSpec) pathSpec() {}

type uploadsPathSpec struct{}

func (uploadsPathSpec) pathSpec() {}

type uploadPathSpec struct {
	id string
}

func (uploadPathSpec) pathSpec() {}

// uploadDataPathSpec defines the path of the data file for an upload.
type uploadDataPathSpec struct {
	id string
}

func (uploadDataPathSpec) pathSpec() {}

// uploadStartedAtPathSpec defines the path of the file that stores the start
// time of an upload. If it is missing, the upload is considered unknown.
type uploadStartedAtPathSpec struct {
	id string
}

func (uploadStartedAtPathSpec) pathSpec() {}

// digestPathComponents provides a consistent path breakdown for a given
// digest. For a generic digest, it will be as follows:
//
//	<algorithm>/<hex digest>
//
// If multilevel is true, the first two bytes of the digest will separate
// groups of digest folder. It will be as follows:
//
//	<algorithm>/<first two bytes of digest>/<full digest>
func digestPathComponents(dgst digest.Digest, multilevel bool) ([]string, error) {
	if err := dgst.Validate(); err != nil {
		return nil, err
	}

	algorithm := dgst.Algorithm().String()
	hex := dgst.Encoded()
	prefix := []string{algorithm}

	var suffix []string

	if multilevel {
		suffix = append(suffix, hex[:2])
	}

	suffix = append(suffix, hex)

	return append(prefix, suffix...), nil
}

// digestFromPath reverses digestPathComponents for a multilevel data path,
// <algorithm>/<first two bytes>/<hex>/data.
func digestFromPath(digestPath string) (digest.Digest, error) {
	digestPath = strings.TrimSuffix(digestPath, "/data")
	dir, hex := path.Split(digestPath)
	dir = path.Dir(dir)
	dir, next := path.Split(dir)

	// next is either the algorithm or the split directory
	if len(next) == 2 {
		dir = path.Dir(dir)
		_, next = path.Split(dir)
	}

	dgst := digest.NewDigestFromEncoded(digest.Algorithm(next), hex)
	if err := dgst.Validate(); err != nil {
		return "", err
	}
	return dgst, nil
}
