package v1

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/mux"
	"github.com/opencontainers/go-digest"
)

// URLBuilder creates registry API urls from a single base endpoint. It can be
// used to create urls for use in a registry client or server.
//
// All urls will be created from the given base, including the api version.
// For example, if a root of "/foo/" is provided, urls generated will be fall
// under "/foo/v1/...". Most application will only provide a schema, host and
// port, such as "https://localhost:5000/".
type URLBuilder struct {
	root     *url.URL // url root (ie http://localhost/)
	router   *mux.Router
	relative bool
}

// NewURLBuilder creates a URLBuilder with provided root url object.
func NewURLBuilder(root *url.URL, relative bool) *URLBuilder {
	u := *root
	if u.Path != "" && !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	return &URLBuilder{
		root:     &u,
		router:   Router(),
		relative: relative,
	}
}

// NewURLBuilderFromString workes identically to NewURLBuilder except it takes
// a string argument for the root, returning an error if it is not a valid
// url.
func NewURLBuilderFromString(root string, relative bool) (*URLBuilder, error) {
	u, err := url.Parse(root)
	if err != nil {
		return nil, err
	}

	return NewURLBuilder(u, relative), nil
}

// NewURLBuilderFromRequest uses information from an *http.Request to
// construct the root url.
func NewURLBuilderFromRequest(r *http.Request, relative bool) *URLBuilder {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if forwarded := r.Header.Get("X-Forwarded-Proto"); forwarded != "" {
		scheme, _, _ = strings.Cut(forwarded, ",")
	}

	host := r.Host
	if forwardedHost := r.Header.Get("X-Forwarded-Host"); forwardedHost != "" {
		host, _, _ = strings.Cut(forwardedHost, ",")
	}

	basePath := routeDescriptorsBasePath(r)

	u := &url.URL{
		Scheme: strings.TrimSpace(scheme),
		Host:   strings.TrimSpace(host),
		Path:   basePath,
	}

	return NewURLBuilder(u, relative)
}

// routeDescriptorsBasePath recovers the prefix an application is mounted
// under from the matched route, if any.
func routeDescriptorsBasePath(r *http.Request) string {
	route := mux.CurrentRoute(r)
	if route == nil {
		return ""
	}
	tmpl, err := route.GetPathTemplate()
	if err != nil {
		return ""
	}
	if i := strings.Index(tmpl, "/v1/"); i > 0 {
		return tmpl[:i+1]
	}
	return ""
}

// BuildBaseURL constructs a base url for the API, typically just "/v1/".
func (ub *URLBuilder) BuildBaseURL() (string, error) {
	return ub.build(RouteNameBase)
}

// BuildCatalogURL constructs a url to list image names.
func (ub *URLBuilder) BuildCatalogURL(values ...url.Values) (string, error) {
	u, err := ub.build(RouteNameCatalog)
	if err != nil {
		return "", err
	}
	return appendValuesURL(u, values...), nil
}

// BuildChunkURL constructs the url for a chunk.
func (ub *URLBuilder) BuildChunkURL(dgst digest.Digest) (string, error) {
	return ub.build(RouteNameChunk, "digest", dgst.String())
}

// BuildNegotiateURL constructs the url used to open a push of name.
func (ub *URLBuilder) BuildNegotiateURL(name string) (string, error) {
	return ub.build(RouteNameNegotiate, "name", name)
}

// BuildManifestURL constructs the url for a published version.
func (ub *URLBuilder) BuildManifestURL(name, version string) (string, error) {
	return ub.build(RouteNameManifest, "name", name, "version", version)
}

// BuildPullNegotiateURL constructs the url used to open a pull of a version.
func (ub *URLBuilder) BuildPullNegotiateURL(name, version string) (string, error) {
	return ub.build(RouteNamePullNegotiate, "name", name, "version", version)
}

// BuildVersionsURL constructs the url listing the versions of name.
func (ub *URLBuilder) BuildVersionsURL(name string) (string, error) {
	return ub.build(RouteNameVersions, "name", name)
}

func (ub *URLBuilder) build(routeName string, pairs ...string) (string, error) {
	route := ub.cloneRoute(routeName)
	if route.Route == nil {
		return "", fmt.Errorf("unknown route %q", routeName)
	}

	u, err := route.URL(pairs...)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

// clondedRoute returns a clone of the named route from the router. Routes
// must be cloned to avoid modifying them during url generation.
func (ub *URLBuilder) cloneRoute(name string) clonedRoute {
	route := new(mux.Route)
	root := new(url.URL)

	if r := ub.router.GetRoute(name); r != nil {
		*route = *r
	} else {
		route = nil
	}
	*root = *ub.root

	return clonedRoute{Route: route, root: root, relative: ub.relative}
}

type clonedRoute struct {
	*mux.Route
	root     *url.URL
	relative bool
}

func (cr clonedRoute) URL(pairs ...string) (*url.URL, error) {
	routeURL, err := cr.Route.URL(pairs...)
	if err != nil {
		return nil, err
	}

	if cr.relative {
		return routeURL, nil
	}

	if routeURL.Scheme == "" && routeURL.User == nil && routeURL.Host == "" {
		routeURL.Path = routeURL.Path[1:]
	}

	url := cr.root.ResolveReference(routeURL)
	url.Scheme = cr.root.Scheme
	return url, nil
}

// appendValuesURL appends the parameters to the url.
func appendValuesURL(u string, values ...url.Values) string {
	parsed, err := url.Parse(u)
	if err != nil {
		return u
	}
	merged := parsed.Query()
	for _, v := range values {
		for k, vv := range v {
			merged[k] = append(merged[k], vv...)
		}
	}
	parsed.RawQuery = merged.Encode()
	return parsed.String()
}
