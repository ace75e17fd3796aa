// Package v1 describes the goldboot registry protocol: its routes, the URLs
// built from them and the JSON bodies exchanged during negotiation.
package v1

import (
	"github.com/gorilla/mux"
	"github.com/opencontainers/go-digest"

	"github.com/goldboot/distribution"
)

// The following are definitions of the name under which all V1 routes are
// registered. These symbols can be used to look up a route based on the
// name.
const (
	RouteNameBase          = "base"
	RouteNameCatalog       = "catalog"
	RouteNameChunk         = "chunk"
	RouteNameNegotiate     = "negotiate"
	RouteNameManifest      = "manifest"
	RouteNamePullNegotiate = "pull-negotiate"
	RouteNameVersions      = "versions"
)

var (
	nameComponent    = "{name:" + distribution.NameRegexp.String() + "}"
	versionComponent = "{version:" + distribution.VersionRegexp.String() + "}"
	digestComponent  = "{digest:" + digest.DigestRegexp.String() + "}"
)

// Router builds a gorilla router with named routes for the various API
// methods. This can be used directly by both server implementations and
// clients.
func Router() *mux.Router {
	return RouterWithPrefix("")
}

// RouterWithPrefix builds a gorilla router with a configured prefix
// on all routes.
func RouterWithPrefix(prefix string) *mux.Router {
	rootRouter := mux.NewRouter()
	router := rootRouter
	if prefix != "" {
		router = router.PathPrefix(prefix).Subrouter()
	}

	router.StrictSlash(true)

	// GET /v1/	Base	Check that the endpoint implements the protocol.
	router.Path("/v1/").Name(RouteNameBase)

	// GET /v1/_catalog	Catalog	List image names.
	router.Path("/v1/_catalog").Name(RouteNameCatalog)

	// GET, HEAD, PUT /v1/chunks/<digest>	Chunk	Download, check or upload one chunk.
	router.Path("/v1/chunks/" + digestComponent).Name(RouteNameChunk)

	// POST /v1/<name>/manifests/<version>/negotiate	Pull negotiate	Report which chunks of a published version the client lacks.
	router.Path("/v1/" + nameComponent + "/manifests/" + versionComponent + "/negotiate").Name(RouteNamePullNegotiate)

	// GET, HEAD, PUT, DELETE /v1/<name>/manifests/<version>	Manifest	Fetch, commit or unpublish a version.
	router.Path("/v1/" + nameComponent + "/manifests/" + versionComponent).Name(RouteNameManifest)

	// POST /v1/<name>/negotiate	Push negotiate	Report which chunks the registry lacks.
	router.Path("/v1/" + nameComponent + "/negotiate").Name(RouteNameNegotiate)

	// GET /v1/<name>/versions	Versions	List the published versions of an image.
	router.Path("/v1/" + nameComponent + "/versions").Name(RouteNameVersions)

	return rootRouter
}
