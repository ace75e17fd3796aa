package errcode

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorCodes(t *testing.T) {
	require.NotEmpty(t, GetErrorAllDescriptors())

	for _, desc := range GetErrorAllDescriptors() {
		code := desc.Code
		assert.Equal(t, desc.Value, code.String())
		assert.Equal(t, code, ParseErrorCode(desc.Value))

		text, err := code.MarshalText()
		require.NoError(t, err)

		var roundTripped ErrorCode
		require.NoError(t, roundTripped.UnmarshalText(text))
		assert.Equal(t, code, roundTripped)

		assert.NotEmpty(t, desc.HTTPStatusCode, "%s has no status code", desc.Value)
	}

	assert.Equal(t, ErrorCodeUnknown, ParseErrorCode("NO_SUCH_CODE"))
}

func TestErrorsManagement(t *testing.T) {
	var errs Errors

	errs = append(errs, ErrorCodeChunkUnknown)
	errs = append(errs, ErrorCodeManifestChunkUnknown.WithDetail(map[string]any{"missing": []string{"sha256:abc"}}))
	errs = append(errs, errors.New("storage exploded"))

	p, err := json.Marshal(errs)
	require.NoError(t, err)

	expected := `{"errors":[` +
		`{"code":"CHUNK_UNKNOWN","message":"chunk unknown to registry"},` +
		`{"code":"MANIFEST_CHUNK_UNKNOWN","message":"manifest references chunks unknown to registry","detail":{"missing":["sha256:abc"]}},` +
		`{"code":"UNKNOWN","message":"unknown error","detail":"storage exploded"}]}`
	require.JSONEq(t, expected, string(p))

	var unmarshaled Errors
	require.NoError(t, json.Unmarshal(p, &unmarshaled))
	require.Len(t, unmarshaled, 3)

	assert.Equal(t, ErrorCodeChunkUnknown, unmarshaled[0])
	assert.True(t, errors.Is(unmarshaled, ErrorCodeManifestChunkUnknown))
	assert.False(t, errors.Is(unmarshaled, ErrorCodeCommitConflict))
}

func TestServeJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	require.NoError(t, ServeJSON(rec, ErrorCodeCommitConflict.WithDetail("busy")))

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var errs Errors
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errs))
	require.Len(t, errs, 1)
	assert.True(t, errors.Is(errs[0], ErrorCodeCommitConflict))

	rec = httptest.NewRecorder()
	require.NoError(t, ServeJSON(rec, errors.New("plain")))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestWithArgs(t *testing.T) {
	code := Register("test.errcode", ErrorDescriptor{
		Value:          "TEST_ARGS",
		Message:        "chunk %s is %d bytes",
		HTTPStatusCode: http.StatusTeapot,
	})

	err := code.WithArgs("sha256:abc", 42)
	assert.Equal(t, "chunk sha256:abc is 42 bytes", err.Message)
	assert.Equal(t, "test args: chunk sha256:abc is 42 bytes", err.Error())

	assert.Panics(t, func() {
		Register("test.errcode", ErrorDescriptor{Value: "TEST_ARGS"})
	})
}
