package registry

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goldboot/distribution/configuration"
	"github.com/goldboot/distribution/internal/dcontext"
	v1 "github.com/goldboot/distribution/registry/api/v1"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func setupRegistry(t *testing.T, addr string) *Registry {
	t.Helper()
	config := &configuration.Configuration{}
	config.HTTP.Addr = addr
	config.HTTP.DrainTimeout = 10 * time.Second
	config.Log.AccessLog.Disabled = true
	config.Storage = map[string]configuration.Parameters{"inmemory": map[string]interface{}{}}

	registry, err := NewRegistry(dcontext.Background(), config)
	require.NoError(t, err)
	return registry
}

func TestGracefulShutdown(t *testing.T) {
	addr := freeAddr(t)
	registry := setupRegistry(t, addr)

	// run registry server
	errchan := make(chan error, 1)
	go func() {
		errchan <- registry.ListenAndServe()
	}()

	var conn net.Conn
	require.Eventually(t, func() bool {
		var err error
		conn, err = net.Dial("tcp", addr)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
	defer conn.Close()

	// send incomplete request
	fmt.Fprintf(conn, "GET /v1/ ")

	// send stop signal
	quit <- os.Interrupt
	time.Sleep(100 * time.Millisecond)

	// try connecting again. it shouldn't
	_, err := net.Dial("tcp", addr)
	require.Error(t, err, "the listener is closed while draining")

	// make sure earlier request is not disconnected and server responds
	fmt.Fprintf(conn, "HTTP/1.1\r\nHost: 127.0.0.1\r\n\r\n")
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, v1.APIVersion, resp.Header.Get(v1.HeaderAPIVersion))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, "{}", string(body))

	select {
	case err := <-errchan:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestConfigureLogging(t *testing.T) {
	defer logrus.SetFormatter(&logrus.TextFormatter{})
	defer logrus.SetLevel(logrus.InfoLevel)

	for formatter, expected := range map[string]any{
		"":     &logrus.TextFormatter{},
		"text": &logrus.TextFormatter{},
		"json": &logrus.JSONFormatter{},
	} {
		config := &configuration.Configuration{}
		config.Log.Formatter = formatter
		config.Log.Level = "debug"
		_, err := configureLogging(context.Background(), config)
		require.NoError(t, err)
		assert.IsType(t, expected, logrus.StandardLogger().Formatter)
		assert.Equal(t, logrus.DebugLevel, logrus.GetLevel())
	}

	config := &configuration.Configuration{}
	config.Log.Formatter = "logstash"
	_, err := configureLogging(context.Background(), config)
	require.NoError(t, err)

	config.Log.Formatter = "xml"
	_, err = configureLogging(context.Background(), config)
	assert.Error(t, err)
}

func TestConfigureLoggingFields(t *testing.T) {
	defer logrus.SetFormatter(&logrus.TextFormatter{})
	defer logrus.SetOutput(os.Stderr)

	var buf bytes.Buffer
	logrus.SetOutput(&buf)

	config := &configuration.Configuration{}
	config.Log.Formatter = "json"
	config.Log.Fields = map[string]interface{}{"environment": "test"}

	ctx, err := configureLogging(context.Background(), config)
	require.NoError(t, err)
	dcontext.GetLogger(ctx).Info("hello")
	assert.Contains(t, buf.String(), `"environment":"test"`)
}

func TestLogLevel(t *testing.T) {
	assert.Equal(t, logrus.WarnLevel, logLevel("warn"))
	assert.Equal(t, logrus.InfoLevel, logLevel("nonsense"))
}

func TestTLSConfig(t *testing.T) {
	config := &configuration.Configuration{}
	config.HTTP.TLS.Certificate = filepath.Join(t.TempDir(), "missing.crt")
	config.HTTP.TLS.Key = filepath.Join(t.TempDir(), "missing.key")

	config.HTTP.TLS.MinimumTLS = "tls1.0"
	_, err := tlsConfig(config)
	require.ErrorContains(t, err, "unknown minimum TLS level")

	config.HTTP.TLS.MinimumTLS = ""
	_, err = tlsConfig(config)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestAlive(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	handler := alive("/", next)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestDebugHandler(t *testing.T) {
	config := &configuration.Configuration{}
	config.HTTP.Debug.Prometheus.Enabled = true
	handler := debugHandler(config)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	config.HTTP.Debug.Prometheus.Enabled = false
	rec = httptest.NewRecorder()
	debugHandler(config).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResolveConfiguration(t *testing.T) {
	_, err := resolveConfiguration(nil)
	if os.Getenv("REGISTRY_CONFIGURATION_PATH") == "" {
		assert.Error(t, err)
	}

	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte("version: 0.1\nstorage:\n  inmemory: {}\n"), 0o644))
	config, err := resolveConfiguration([]string{path})
	require.NoError(t, err)
	assert.Equal(t, "inmemory", config.Storage.Type())
}

func TestBadUploadPurgingConfig(t *testing.T) {
	config := &configuration.Configuration{}
	config.Log.AccessLog.Disabled = true
	config.Storage = map[string]configuration.Parameters{
		"inmemory": map[string]interface{}{},
		"maintenance": map[string]interface{}{
			"uploadpurging": map[interface{}]interface{}{"enabled": true, "interval": "0s"},
		},
	}
	_, err := NewRegistry(dcontext.Background(), config)
	assert.Error(t, err)
}
