// Package client speaks the registry protocol. Client covers the individual
// calls; Session combines them into the push and pull flows.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/goldboot/distribution"
	"github.com/goldboot/distribution/internal/dcontext"
	v1 "github.com/goldboot/distribution/registry/api/v1"
)

// Client is a registry API client. Chunk transfers and negotiation are
// idempotent and retried with backoff; commits are sent exactly once.
type Client struct {
	ub       *v1.URLBuilder
	retrying *retryablehttp.Client
	plain    *http.Client

	username, password string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the http client used for every call. Its transport is
// shared by the retrying and non-retrying paths.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.plain = hc
		c.retrying.HTTPClient = hc
	}
}

// WithRetry sets the number of retries and the bounds of the backoff
// between them for idempotent calls.
func WithRetry(max int, waitMin, waitMax time.Duration) Option {
	return func(c *Client) {
		c.retrying.RetryMax = max
		c.retrying.RetryWaitMin = waitMin
		c.retrying.RetryWaitMax = waitMax
	}
}

// WithBasicAuth sends the credentials with every request. Registries
// configured with an htpasswd access controller require them.
func WithBasicAuth(username, password string) Option {
	return func(c *Client) {
		c.username = username
		c.password = password
	}
}

// New returns a client for the registry at base, for example
// "https://registry.example.com".
func New(base string, opts ...Option) (*Client, error) {
	ub, err := v1.NewURLBuilderFromString(base, false)
	if err != nil {
		return nil, fmt.Errorf("invalid registry url %q: %w", base, err)
	}

	retrying := retryablehttp.NewClient()
	retrying.Logger = leveledLogger{}
	retrying.ErrorHandler = retryablehttp.PassthroughErrorHandler

	c := &Client{
		ub:       ub,
		retrying: retrying,
		plain:    http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Ping checks that the endpoint speaks the protocol.
func (c *Client) Ping(ctx context.Context) error {
	u, err := c.ub.BuildBaseURL()
	if err != nil {
		return err
	}

	resp, err := c.doRetrying(ctx, http.MethodGet, u, nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := HandleHTTPResponseError(resp); err != nil {
		return err
	}
	if got := resp.Header.Get(v1.HeaderAPIVersion); got != v1.APIVersion {
		return fmt.Errorf("%s does not speak %s (got %q)", u, v1.APIVersion, got)
	}
	return nil
}

// Negotiate opens a push of name. It returns the subset of req.Digests the
// registry lacks.
func (c *Client) Negotiate(ctx context.Context, name string, req v1.NegotiateRequest) ([]digest.Digest, error) {
	u, err := c.ub.BuildNegotiateURL(name)
	if err != nil {
		return nil, err
	}
	if req.Digests == nil {
		req.Digests = []digest.Digest{}
	}

	var out v1.NegotiateResponse
	if err := c.postJSON(ctx, u, req, &out, request{name: name, version: req.Version}); err != nil {
		return nil, err
	}
	return out.Missing, nil
}

// PullNegotiate opens a pull of name:version. It returns the chunks of the
// published manifest that are not in held.
func (c *Client) PullNegotiate(ctx context.Context, name, version string, held []digest.Digest) ([]digest.Digest, error) {
	u, err := c.ub.BuildPullNegotiateURL(name, version)
	if err != nil {
		return nil, err
	}
	if held == nil {
		held = []digest.Digest{}
	}

	var out v1.NegotiateResponse
	if err := c.postJSON(ctx, u, v1.PullNegotiateRequest{Digests: held}, &out, request{name: name, version: version}); err != nil {
		return nil, err
	}
	return out.Missing, nil
}

// UploadChunk sends one chunk. Uploading a chunk the registry already holds
// succeeds.
func (c *Client) UploadChunk(ctx context.Context, dgst digest.Digest, p []byte) error {
	u, err := c.ub.BuildChunkURL(dgst)
	if err != nil {
		return err
	}

	resp, err := c.doRetrying(ctx, http.MethodPut, u, p, "application/octet-stream")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return translate(HandleHTTPResponseError(resp), request{digest: dgst})
	}
	return nil
}

// DownloadChunk fetches one chunk and checks it against dgst.
func (c *Client) DownloadChunk(ctx context.Context, dgst digest.Digest) ([]byte, error) {
	u, err := c.ub.BuildChunkURL(dgst)
	if err != nil {
		return nil, err
	}

	resp, err := c.doRetrying(ctx, http.MethodGet, u, nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := HandleHTTPResponseError(resp); err != nil {
		return nil, translate(err, request{digest: dgst})
	}

	p, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if actual := dgst.Algorithm().FromBytes(p); actual != dgst {
		return nil, distribution.ErrChunkCorrupt{Digest: dgst, Actual: actual}
	}
	return p, nil
}

// StatChunk reports whether the registry holds dgst, and its stored size.
func (c *Client) StatChunk(ctx context.Context, dgst digest.Digest) (ocispec.Descriptor, error) {
	u, err := c.ub.BuildChunkURL(dgst)
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	resp, err := c.doRetrying(ctx, http.MethodHead, u, nil, "")
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ocispec.Descriptor{}, distribution.ErrChunkUnknown{Digest: dgst}
	case resp.StatusCode != http.StatusOK:
		return ocispec.Descriptor{}, HandleHTTPResponseError(resp)
	}

	size, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("chunk %s: bad content length: %w", dgst, err)
	}
	return ocispec.Descriptor{
		MediaType: distribution.MediaTypeChunk,
		Digest:    dgst,
		Size:      size,
	}, nil
}

// CommitManifest publishes payload under name:version. It is the only
// state change a push makes visible and is never retried: a lost response
// is resolved by negotiating again.
func (c *Client) CommitManifest(ctx context.Context, name, version string, payload []byte) (ocispec.Descriptor, error) {
	u, err := c.ub.BuildManifestURL(name, version)
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(payload))
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	req.Header.Set("Content-Type", distribution.MediaTypeManifest)

	c.authorize(req)
	resp, err := c.plain.Do(req)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return ocispec.Descriptor{}, translate(HandleHTTPResponseError(resp), request{name: name, version: version})
	}

	desc := ocispec.Descriptor{
		MediaType: distribution.MediaTypeManifest,
		Digest:    digest.FromBytes(payload),
		Size:      int64(len(payload)),
	}
	if got := resp.Header.Get(v1.HeaderDigest); got != "" && got != desc.Digest.String() {
		return ocispec.Descriptor{}, fmt.Errorf("%w: registry committed %s, sent %s", distribution.ErrManifestMismatch, got, desc.Digest)
	}
	return desc, nil
}

// FetchManifest returns the published container for name:version. The
// digest header, when present, is checked against the body.
func (c *Client) FetchManifest(ctx context.Context, name, version string) ([]byte, ocispec.Descriptor, error) {
	u, err := c.ub.BuildManifestURL(name, version)
	if err != nil {
		return nil, ocispec.Descriptor{}, err
	}

	resp, err := c.doRetrying(ctx, http.MethodGet, u, nil, "")
	if err != nil {
		return nil, ocispec.Descriptor{}, err
	}
	defer resp.Body.Close()

	if err := HandleHTTPResponseError(resp); err != nil {
		return nil, ocispec.Descriptor{}, translate(err, request{name: name, version: version})
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, ocispec.Descriptor{}, err
	}

	desc := ocispec.Descriptor{
		MediaType: distribution.MediaTypeManifest,
		Digest:    digest.FromBytes(payload),
		Size:      int64(len(payload)),
	}
	if got := resp.Header.Get(v1.HeaderDigest); got != "" && got != desc.Digest.String() {
		return nil, ocispec.Descriptor{}, distribution.ErrManifestInvalid{
			Reason: fmt.Sprintf("registry sent %s for %s:%s, body hashes to %s", got, name, version, desc.Digest),
		}
	}
	return payload, desc, nil
}

// DeleteManifest unpublishes name:version.
func (c *Client) DeleteManifest(ctx context.Context, name, version string) error {
	u, err := c.ub.BuildManifestURL(name, version)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return err
	}
	c.authorize(req)
	resp, err := c.plain.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return translate(HandleHTTPResponseError(resp), request{name: name, version: version})
}

// Versions lists the published versions of name.
func (c *Client) Versions(ctx context.Context, name string) ([]string, error) {
	u, err := c.ub.BuildVersionsURL(name)
	if err != nil {
		return nil, err
	}

	var out v1.VersionsResponse
	if err := c.getJSON(ctx, u, &out, request{name: name}); err != nil {
		return nil, err
	}
	return out.Versions, nil
}

// Catalog lists image names in lexical order, following pagination until
// the registry has no more.
func (c *Client) Catalog(ctx context.Context, pageSize int) ([]string, error) {
	var (
		names []string
		last  string
	)
	for {
		values := url.Values{"n": []string{strconv.Itoa(pageSize)}}
		if last != "" {
			values.Set("last", last)
		}
		u, err := c.ub.BuildCatalogURL(values)
		if err != nil {
			return nil, err
		}

		var out v1.CatalogResponse
		if err := c.getJSON(ctx, u, &out, request{}); err != nil {
			return nil, err
		}
		names = append(names, out.Images...)
		if len(out.Images) < pageSize || len(out.Images) == 0 {
			return names, nil
		}
		last = out.Images[len(out.Images)-1]
	}
}

func (c *Client) doRetrying(ctx context.Context, method, u string, body []byte, contentType string) (*http.Response, error) {
	var rawBody any
	if body != nil {
		rawBody = body
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, u, rawBody)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	c.authorize(req.Request)
	return c.retrying.Do(req)
}

func (c *Client) authorize(req *http.Request) {
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
}

func (c *Client) postJSON(ctx context.Context, u string, in, out any, r request) error {
	p, err := json.Marshal(in)
	if err != nil {
		return err
	}
	resp, err := c.doRetrying(ctx, http.MethodPost, u, p, "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeJSONResponse(resp, out, r)
}

func (c *Client) getJSON(ctx context.Context, u string, out any, r request) error {
	resp, err := c.doRetrying(ctx, http.MethodGet, u, nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeJSONResponse(resp, out, r)
}

func decodeJSONResponse(resp *http.Response, out any, r request) error {
	if err := HandleHTTPResponseError(resp); err != nil {
		return translate(err, r)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", resp.Request.URL, err)
	}
	return nil
}

// leveledLogger routes retry diagnostics through the context logger.
type leveledLogger struct{}

func (leveledLogger) log() dcontext.Logger {
	return dcontext.GetLogger(dcontext.Background())
}

func (l leveledLogger) Error(msg string, keysAndValues ...any) {
	l.log().Errorf("%s %v", msg, keysAndValues)
}

func (l leveledLogger) Info(msg string, keysAndValues ...any) {
	l.log().Debugf("%s %v", msg, keysAndValues)
}

func (l leveledLogger) Debug(msg string, keysAndValues ...any) {
	l.log().Debugf("%s %v", msg, keysAndValues)
}

func (l leveledLogger) Warn(msg string, keysAndValues ...any) {
	l.log().Warnf("%s %v", msg, keysAndValues)
}
