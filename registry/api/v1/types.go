package v1

import (
	"github.com/opencontainers/go-digest"
)

// NegotiateRequest opens a push. Digests lists every chunk the manifest
// references, in stored form.
type NegotiateRequest struct {
	Version    string          `json:"version,omitempty"`
	Digests    []digest.Digest `json:"digests"`
	Recipients []string        `json:"recipients,omitempty"`
}

// PullNegotiateRequest opens a pull. Digests is the set of chunks the client
// already holds.
type PullNegotiateRequest struct {
	Digests []digest.Digest `json:"digests"`
}

// NegotiateResponse lists the chunks the other side must transfer.
type NegotiateResponse struct {
	Missing []digest.Digest `json:"missing"`
}

// MissingChunksDetail is the error detail of MANIFEST_CHUNK_UNKNOWN. It
// lists the chunks a commit referenced that the registry does not hold.
type MissingChunksDetail struct {
	Missing []digest.Digest `json:"missing"`
}

// VersionsResponse is the body of a versions listing.
type VersionsResponse struct {
	Name     string   `json:"name"`
	Versions []string `json:"versions"`
}

// CatalogResponse is the body of a catalog listing.
type CatalogResponse struct {
	Images []string `json:"images"`
}

const (
	// HeaderDigest carries the digest of a chunk or manifest in responses.
	HeaderDigest = "Goldboot-Content-Digest"

	// HeaderAPIVersion is set on every response of a server speaking this
	// protocol.
	HeaderAPIVersion = "Goldboot-Distribution-API-Version"

	// APIVersion is the value sent in HeaderAPIVersion.
	APIVersion = "registry/1.0"
)
