package dcontext

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWithRequest(t *testing.T) {
	req, err := http.NewRequest(http.MethodGet, "/v1/goldboot/manifests/1.0", nil)
	require.NoError(t, err)
	req.RequestURI = "/v1/goldboot/manifests/1.0"
	req.Header.Set("User-Agent", "test/0.1")
	req.Header.Set("X-Forwarded-For", "192.168.0.7, 10.0.0.1")

	ctx := WithRequest(Background(), req)

	require.Equal(t, req, ctx.Value("http.request"))
	require.NotEmpty(t, GetRequestID(ctx))
	require.Equal(t, http.MethodGet, ctx.Value("http.request.method"))
	require.Equal(t, "test/0.1", ctx.Value("http.request.useragent"))
	require.Equal(t, "192.168.0.7", ctx.Value("http.request.remoteaddr"))
	require.Nil(t, ctx.Value("http.request.referer"))

	require.Panics(t, func() { WithRequest(ctx, req) })
}

func TestWithResponseWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	ctx, rw := WithResponseWriter(context.Background(), rec)

	rw.Header().Set("Content-Type", "application/octet-stream")
	_, err := rw.Write([]byte("chunk"))
	require.NoError(t, err)

	require.Equal(t, http.StatusOK, ctx.Value("http.response.status"))
	require.Equal(t, int64(5), ctx.Value("http.response.written"))
	require.Equal(t, "application/octet-stream", ctx.Value("http.response.contenttype"))

	got, err := GetResponseWriter(ctx)
	require.NoError(t, err)
	require.Equal(t, rw, got)
}

func TestWithVars(t *testing.T) {
	req, err := http.NewRequest(http.MethodGet, "/", nil)
	require.NoError(t, err)

	orig := getVarsFromRequest
	getVarsFromRequest = func(r *http.Request) map[string]string {
		return map[string]string{"name": "ubuntu-server", "version": "22.04"}
	}
	defer func() { getVarsFromRequest = orig }()

	ctx := WithVars(context.Background(), req)
	require.Equal(t, "ubuntu-server", ctx.Value("vars.name"))
	require.Equal(t, "22.04", GetStringValue(ctx, "vars.version"))
	require.Nil(t, ctx.Value("vars.missing"))
}
