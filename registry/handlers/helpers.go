package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/goldboot/distribution/internal/dcontext"
	"github.com/goldboot/distribution/registry/api/errcode"
)

// serveJSON marshals v and sets the content-type header to
// 'application/json'. If a different status code is required, call
// ResponseWriter.WriteHeader before this function.
func serveJSON(w http.ResponseWriter, v any) error {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	enc := json.NewEncoder(w)

	if err := enc.Encode(v); err != nil {
		return err
	}

	return nil
}

// errBodyTooLarge is returned by copyFullPayload when the body exceeds the
// allowed length.
var errBodyTooLarge = errors.New("request body too large")

// copyFullPayload reads the whole request body, up to limit bytes. Failures
// are appended to the context errors and reported as a non-nil return so
// the handler can stop.
func copyFullPayload(ctx *Context, r *http.Request, limit int64, action string) ([]byte, error) {
	if r.ContentLength > limit {
		ctx.Errors = append(ctx.Errors, errcode.ErrorCodeSizeInvalid.WithDetail(errBodyTooLarge))
		return nil, errBodyTooLarge
	}

	p, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		if clientDisconnected(r) {
			// Not much we can do here: the client is gone. Log it and stop.
			dcontext.GetLogger(ctx).Errorf("client disconnected during %s", action)
			return nil, errors.New("client disconnected")
		}
		dcontext.GetLogger(ctx).Errorf("unknown error reading request payload: %v", err)
		ctx.Errors = append(ctx.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return nil, err
	}

	if int64(len(p)) > limit {
		ctx.Errors = append(ctx.Errors, errcode.ErrorCodeSizeInvalid.WithDetail(errBodyTooLarge))
		return nil, errBodyTooLarge
	}

	if r.ContentLength >= 0 && int64(len(p)) != r.ContentLength {
		err := errors.New("short read of request body")
		ctx.Errors = append(ctx.Errors, errcode.ErrorCodeSizeInvalid.WithDetail(err))
		return nil, err
	}

	return p, nil
}

// clientDisconnected reports whether the request context has been
// cancelled, which net/http does when the client goes away.
func clientDisconnected(r *http.Request) bool {
	select {
	case <-r.Context().Done():
		return true
	default:
		return false
	}
}

// decodeJSONBody decodes a small JSON request body into v, recording a
// failure on the context.
func decodeJSONBody(ctx *Context, r *http.Request, v any) bool {
	p, err := copyFullPayload(ctx, r, maxNegotiateBodySize, "negotiate")
	if err != nil {
		return false
	}
	if err := json.Unmarshal(p, v); err != nil {
		ctx.Errors = append(ctx.Errors, errcode.ErrorCodeBodyInvalid.WithDetail(err.Error()))
		return false
	}
	return true
}
