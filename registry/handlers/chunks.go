package handlers

import (
	"fmt"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/opencontainers/go-digest"

	"github.com/goldboot/distribution/image"
	"github.com/goldboot/distribution/internal/dcontext"
	"github.com/goldboot/distribution/metrics"
	"github.com/goldboot/distribution/registry/api/errcode"
	v1 "github.com/goldboot/distribution/registry/api/v1"
)

// maxChunkBodySize bounds an uploaded chunk. Stored chunks may carry
// compression framing or a sealing overhead on top of MaxChunkSize.
const maxChunkBodySize = image.MaxChunkSize + 64<<10

// chunkDispatcher uses the request context to build a chunkHandler.
func chunkDispatcher(ctx *Context, r *http.Request) http.Handler {
	dgst, err := getDigest(ctx)
	if err != nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx.Errors = append(ctx.Errors, errcode.ErrorCodeDigestInvalid.WithDetail(err))
		})
	}

	chunkHandler := &chunkHandler{
		Context: ctx,
		Digest:  dgst,
	}

	return handlers.MethodHandler{
		http.MethodGet:  http.HandlerFunc(chunkHandler.GetChunk),
		http.MethodHead: http.HandlerFunc(chunkHandler.HeadChunk),
		http.MethodPut:  http.HandlerFunc(chunkHandler.PutChunk),
	}
}

// chunkHandler serves http chunk requests.
type chunkHandler struct {
	*Context

	Digest digest.Digest
}

// GetChunk fetches the chunk identified by the digest. The stored bytes are
// verified before they are sent.
func (ch *chunkHandler) GetChunk(w http.ResponseWriter, r *http.Request) {
	dcontext.GetLogger(ch).Debug("GetChunk")

	p, err := ch.Chunks.Get(ch, ch.Digest)
	if err != nil {
		metrics.Chunks.WithValues("out", "error").Inc(1)
		ch.Errors = append(ch.Errors, errorToErrcode(err))
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", fmt.Sprint(len(p)))
	w.Header().Set(v1.HeaderDigest, ch.Digest.String())
	w.Header().Set("Cache-Control", "max-age=31536000")
	w.Header().Set("Etag", fmt.Sprintf(`"%s"`, ch.Digest))

	if _, err := w.Write(p); err != nil {
		dcontext.GetLogger(ch).Errorf("error writing chunk %s: %v", ch.Digest, err)
		return
	}
	metrics.Chunks.WithValues("out", "ok").Inc(1)
}

// HeadChunk reports whether the chunk is present and its stored length.
func (ch *chunkHandler) HeadChunk(w http.ResponseWriter, r *http.Request) {
	desc, err := ch.Chunks.Stat(ch, ch.Digest)
	if err != nil {
		ch.Errors = append(ch.Errors, errorToErrcode(err))
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", fmt.Sprint(desc.Size))
	w.Header().Set(v1.HeaderDigest, ch.Digest.String())
	w.WriteHeader(http.StatusOK)
}

// PutChunk stores the body under the digest in the URL. The body must hash
// to that digest. Uploading a chunk that is already present succeeds.
func (ch *chunkHandler) PutChunk(w http.ResponseWriter, r *http.Request) {
	dcontext.GetLogger(ch).Debug("PutChunk")

	p, err := copyFullPayload(ch.Context, r, maxChunkBodySize, "chunk upload")
	if err != nil {
		metrics.Chunks.WithValues("in", "error").Inc(1)
		return
	}
	if len(p) == 0 {
		ch.Errors = append(ch.Errors, errcode.ErrorCodeSizeInvalid.WithDetail("empty chunk"))
		metrics.Chunks.WithValues("in", "error").Inc(1)
		return
	}

	if err := ch.Chunks.Ingest(ch, ch.Digest, p); err != nil {
		dcontext.GetLogger(ch).Errorf("error ingesting chunk %s: %v", ch.Digest, err)
		ch.Errors = append(ch.Errors, errorToErrcode(err))
		metrics.Chunks.WithValues("in", "error").Inc(1)
		return
	}

	chunkURL, err := ch.urlBuilder.BuildChunkURL(ch.Digest)
	if err != nil {
		ch.Errors = append(ch.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return
	}

	w.Header().Set("Location", chunkURL)
	w.Header().Set("Content-Length", "0")
	w.Header().Set(v1.HeaderDigest, ch.Digest.String())
	w.WriteHeader(http.StatusCreated)
}
