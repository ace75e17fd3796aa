package client

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goldboot/distribution"
	"github.com/goldboot/distribution/registry/api/errcode"
	v1 "github.com/goldboot/distribution/registry/api/v1"
)

type nopCloser struct {
	io.Reader
}

func (nopCloser) Close() error { return nil }

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		Status:     http.StatusText(status),
		StatusCode: status,
		Body:       nopCloser{bytes.NewBufferString(body)},
		Header:     http.Header{"Content-Type": []string{"application/json; charset=utf-8"}},
	}
}

func TestHandleHTTPResponseError200ValidBody(t *testing.T) {
	response := &http.Response{
		Status:     "200 OK",
		StatusCode: 200,
	}
	assert.NoError(t, HandleHTTPResponseError(response))
}

func TestHandleHTTPResponseError401ValidBody(t *testing.T) {
	err := HandleHTTPResponseError(jsonResponse(401, `{"errors":[{"code":"UNAUTHORIZED","message":"action requires authentication"}]}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unauthorized: action requires authentication")
}

func TestHandleHTTPResponseError401WithInvalidBody(t *testing.T) {
	err := HandleHTTPResponseError(jsonResponse(401, "{invalid json}"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unauthorized: authentication required")
}

func TestHandleHTTPResponseError400ValidBody(t *testing.T) {
	err := HandleHTTPResponseError(jsonResponse(400, `{"errors":[{"code":"DIGEST_INVALID","message":"provided digest does not match"}]}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "digest invalid: provided digest does not match")
}

func TestHandleHTTPResponseError404EmptyErrorSlice(t *testing.T) {
	body := `{"randomkey": "randomvalue"}`
	err := HandleHTTPResponseError(jsonResponse(404, body))

	var uErr *UnexpectedHTTPResponseError
	require.ErrorAs(t, err, &uErr)
	assert.Equal(t, 404, uErr.StatusCode)
	assert.ErrorIs(t, uErr.ParseErr, ErrNoErrorsInBody)
	assert.Equal(t, body, string(uErr.Response))
}

func TestHandleHTTPResponseError404InvalidBody(t *testing.T) {
	err := HandleHTTPResponseError(jsonResponse(404, "{invalid json}"))

	var uErr *UnexpectedHTTPResponseError
	require.ErrorAs(t, err, &uErr)
	assert.Contains(t, err.Error(), "error parsing HTTP 404 response body")
}

func TestHandleHTTPResponseErrorUnexpectedStatusCode501(t *testing.T) {
	response := &http.Response{
		Status:     "501 Not Implemented",
		StatusCode: 501,
		Body:       nopCloser{bytes.NewBufferString("{\"Error Encountered\" : \"Function not implemented.\"}")},
		Header:     http.Header{"Content-Type": []string{"application/json"}},
	}
	err := HandleHTTPResponseError(response)

	var uErr *UnexpectedHTTPResponseError
	require.ErrorAs(t, err, &uErr)
	assert.Equal(t, 501, uErr.StatusCode)
}

func TestHandleHTTPResponseErrorPlainText(t *testing.T) {
	response := &http.Response{
		Status:     "503 Service Unavailable",
		StatusCode: 503,
		Body:       nopCloser{bytes.NewBufferString("backend restarting")},
		Header:     http.Header{"Content-Type": []string{"text/plain"}},
	}
	err := HandleHTTPResponseError(response)
	require.ErrorIs(t, err, errcode.ErrorCodeUnavailable)
	assert.Contains(t, err.Error(), "backend restarting")
}

func TestHandleHTTPResponseErrorEmptyBody(t *testing.T) {
	response := &http.Response{
		Status:     "404 Not Found",
		StatusCode: 404,
		Body:       nopCloser{bytes.NewReader(nil)},
	}
	err := HandleHTTPResponseError(response)
	require.ErrorIs(t, err, errcode.ErrorCodeNameUnknown)
}

func TestTranslate(t *testing.T) {
	dgst := digest.FromString("chunk")
	req := request{name: "goldboot/archlinux", version: "1", digest: dgst}

	for _, tc := range []struct {
		code errcode.ErrorCode
		want error
	}{
		{errcode.ErrorCodeChunkUnknown, distribution.ErrNotFound},
		{errcode.ErrorCodeManifestUnknown, distribution.ErrNotFound},
		{errcode.ErrorCodeNameUnknown, distribution.ErrNotFound},
		{errcode.ErrorCodeChunkCorrupt, distribution.ErrCorrupt},
		{errcode.ErrorCodeDigestInvalid, distribution.ErrCorrupt},
		{errcode.ErrorCodeManifestInvalid, distribution.ErrCorrupt},
		{errcode.ErrorCodeManifestMismatch, distribution.ErrManifestMismatch},
		{errcode.ErrorCodeManifestChunkUnknown, distribution.ErrMissingChunk},
		{errcode.ErrorCodeUnsupportedVersion, distribution.ErrUnsupportedVersion},
		{errcode.ErrorCodeChunkConflict, distribution.ErrConflict},
		{errcode.ErrorCodeCommitConflict, distribution.ErrConflict},
		{errcode.ErrorCodeUnauthorized, distribution.ErrUnauthorized},
		{errcode.ErrorCodeUnsupported, distribution.ErrUnsupported},
	} {
		tc := tc
		t.Run(tc.code.String(), func(t *testing.T) {
			err := translate(errcode.Errors{tc.code}, req)
			assert.ErrorIs(t, err, tc.want)
			assert.ErrorIs(t, err, tc.code, "the wire code stays reachable")

			var rErr *RegistryError
			assert.ErrorAs(t, err, &rErr)
		})
	}
}

func TestTranslateCarriesDetail(t *testing.T) {
	req := request{name: "goldboot/archlinux", version: "1"}

	err := translate(errcode.ErrorCodeManifestUnknown, req)
	var unknown distribution.ErrImageUnknown
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "goldboot/archlinux", unknown.Name)
	assert.Equal(t, "1", unknown.Version)

	missing := []digest.Digest{digest.FromString("a"), digest.FromString("b")}
	// details arrive as decoded JSON
	detail := map[string]any{"missing": []any{missing[0].String(), missing[1].String()}}
	err = translate(errcode.ErrorCodeManifestChunkUnknown.WithDetail(detail), req)
	var mErr distribution.ErrMissingChunks
	require.ErrorAs(t, err, &mErr)
	assert.Equal(t, missing, mErr.Digests)

	err = translate(errcode.ErrorCodeManifestChunkUnknown.WithDetail(v1.MissingChunksDetail{Missing: missing}), req)
	require.ErrorAs(t, err, &mErr)
	assert.Equal(t, missing, mErr.Digests)
}

func TestTranslatePassesThrough(t *testing.T) {
	plain := errors.New("connection reset")
	assert.Same(t, plain, translate(plain, request{}))
	assert.NoError(t, translate(nil, request{}))

	err := translate(errcode.ErrorCodeTooManyRequests, request{})
	assert.ErrorIs(t, err, errcode.ErrorCodeTooManyRequests)

	var rErr *RegistryError
	assert.False(t, errors.As(err, &rErr))
}
