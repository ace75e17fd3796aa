package handlers

import (
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/opencontainers/go-digest"

	"github.com/goldboot/distribution"
	"github.com/goldboot/distribution/image"
	"github.com/goldboot/distribution/internal/dcontext"
	"github.com/goldboot/distribution/metrics"
	"github.com/goldboot/distribution/registry/api/errcode"
	v1 "github.com/goldboot/distribution/registry/api/v1"
)

// maxNegotiateBodySize bounds a negotiate request. A digest list for a
// terabyte image at the smallest chunk size still fits.
const maxNegotiateBodySize = 256 << 20

func negotiateDispatcher(ctx *Context, r *http.Request) http.Handler {
	nh := &negotiateHandler{Context: ctx}
	return handlers.MethodHandler{
		http.MethodPost: http.HandlerFunc(nh.PushNegotiate),
	}
}

func pullNegotiateDispatcher(ctx *Context, r *http.Request) http.Handler {
	nh := &negotiateHandler{Context: ctx}
	return handlers.MethodHandler{
		http.MethodPost: http.HandlerFunc(nh.PullNegotiate),
	}
}

type negotiateHandler struct {
	*Context
}

// PushNegotiate reports which of the offered chunks the registry lacks.
// Each digest appears at most once in the answer, in the order offered.
func (nh *negotiateHandler) PushNegotiate(w http.ResponseWriter, r *http.Request) {
	var req v1.NegotiateRequest
	if !decodeJSONBody(nh.Context, r, &req) {
		return
	}

	name := getName(nh)
	if req.Version != "" {
		if err := distribution.ValidateVersion(req.Version); err != nil {
			nh.Errors = append(nh.Errors, errcode.ErrorCodeVersionInvalid.WithDetail(err.Error()))
			return
		}
	}
	if err := validateDigests(req.Digests); err != nil {
		nh.Errors = append(nh.Errors, errcode.ErrorCodeDigestInvalid.WithDetail(err.Error()))
		return
	}

	dcontext.GetLoggerWithFields(nh, map[any]any{
		"image":      name,
		"version":    req.Version,
		"digests":    len(req.Digests),
		"recipients": len(req.Recipients),
	}).Debug("push negotiate")

	seen := distribution.NewDigestSet()
	missing := []digest.Digest{}
	for _, dgst := range req.Digests {
		if seen.Contains(dgst) {
			continue
		}
		seen.Add(dgst)

		ok, err := nh.Chunks.Has(nh, dgst)
		if err != nil {
			metrics.Negotiations.WithValues("push", "error").Inc(1)
			nh.Errors = append(nh.Errors, errorToErrcode(err))
			return
		}
		if !ok {
			missing = append(missing, dgst)
		}
	}

	metrics.Negotiations.WithValues("push", "present").Inc(float64(len(seen) - len(missing)))
	metrics.Negotiations.WithValues("push", "missing").Inc(float64(len(missing)))

	if err := serveJSON(w, v1.NegotiateResponse{Missing: missing}); err != nil {
		nh.Errors = append(nh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
	}
}

// PullNegotiate reports which chunks of a published version the client
// lacks, given the set it already holds.
func (nh *negotiateHandler) PullNegotiate(w http.ResponseWriter, r *http.Request) {
	var req v1.PullNegotiateRequest
	if !decodeJSONBody(nh.Context, r, &req) {
		return
	}
	if err := validateDigests(req.Digests); err != nil {
		nh.Errors = append(nh.Errors, errcode.ErrorCodeDigestInvalid.WithDetail(err.Error()))
		return
	}

	name, version := getName(nh), getVersion(nh)
	payload, _, err := nh.registry.Images().Fetch(nh, name, version)
	if err != nil {
		metrics.Negotiations.WithValues("pull", "error").Inc(1)
		nh.Errors = append(nh.Errors, errorToErrcode(err))
		return
	}

	m, err := image.UnmarshalManifest(payload)
	if err != nil {
		metrics.Negotiations.WithValues("pull", "error").Inc(1)
		nh.Errors = append(nh.Errors, errorToErrcode(err))
		return
	}

	held := distribution.NewDigestSet(req.Digests...)
	missing := []digest.Digest{}
	stored := m.StoredDigests()
	for _, dgst := range stored {
		if !held.Contains(dgst) {
			missing = append(missing, dgst)
		}
	}

	metrics.Negotiations.WithValues("pull", "present").Inc(float64(len(stored) - len(missing)))
	metrics.Negotiations.WithValues("pull", "missing").Inc(float64(len(missing)))

	if err := serveJSON(w, v1.NegotiateResponse{Missing: missing}); err != nil {
		nh.Errors = append(nh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
	}
}

func validateDigests(dgsts []digest.Digest) error {
	for _, dgst := range dgsts {
		if err := dgst.Validate(); err != nil {
			return distribution.ErrChunkInvalidDigest{Digest: dgst, Reason: err}
		}
	}
	return nil
}
