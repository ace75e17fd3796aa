package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"

	"github.com/opencontainers/go-digest"

	"github.com/goldboot/distribution"
	"github.com/goldboot/distribution/registry/api/errcode"
	v1 "github.com/goldboot/distribution/registry/api/v1"
)

// ErrNoErrorsInBody is returned when an HTTP response body parses to an empty
// errcode.Errors slice.
var ErrNoErrorsInBody = errors.New("no error details found in HTTP response body")

// UnexpectedHTTPStatusError is returned when an unexpected HTTP status is
// returned when making a registry api call.
type UnexpectedHTTPStatusError struct {
	Status string
}

func (e *UnexpectedHTTPStatusError) Error() string {
	return fmt.Sprintf("received unexpected HTTP status: %s", e.Status)
}

// UnexpectedHTTPResponseError is returned when an expected HTTP status code
// is returned, but the content was unexpected and failed to be parsed.
type UnexpectedHTTPResponseError struct {
	ParseErr   error
	StatusCode int
	Response   []byte
}

func (e *UnexpectedHTTPResponseError) Error() string {
	return fmt.Sprintf("error parsing HTTP %d response body: %s: %q", e.StatusCode, e.ParseErr.Error(), string(e.Response))
}

// RegistryError pairs the error envelope returned by a registry with the
// domain error it maps to. It matches both with errors.Is, so callers can
// test for distribution.ErrNotFound or errcode.ErrorCodeChunkUnknown alike.
type RegistryError struct {
	Err    error
	Errors errcode.Errors
}

func (e *RegistryError) Error() string {
	return e.Err.Error()
}

func (e *RegistryError) Unwrap() []error {
	return []error{e.Err, e.Errors}
}

func parseHTTPErrorResponse(resp *http.Response) error {
	var errors errcode.Errors
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	statusCode := resp.StatusCode

	// A HEAD request for example validly does not contain any body, while
	// still returning a JSON content-type.
	if len(body) == 0 {
		return makeError(statusCode, "")
	}

	ctHeader := resp.Header.Get("Content-Type")
	if ctHeader == "" {
		return makeError(statusCode, string(body))
	}

	contentType, _, err := mime.ParseMediaType(ctHeader)
	if err != nil {
		return fmt.Errorf("failed parsing content-type: %w", err)
	}

	if contentType != "application/json" {
		return makeError(statusCode, string(body))
	}

	if err := json.Unmarshal(body, &errors); err != nil {
		return &UnexpectedHTTPResponseError{
			ParseErr:   err,
			StatusCode: statusCode,
			Response:   body,
		}
	}

	if len(errors) == 0 {
		// If there was no error specified in the body, return
		// UnexpectedHTTPResponseError.
		return &UnexpectedHTTPResponseError{
			ParseErr:   ErrNoErrorsInBody,
			StatusCode: statusCode,
			Response:   body,
		}
	}

	return errors
}

func makeError(statusCode int, details string) error {
	switch statusCode {
	case http.StatusUnauthorized:
		return errcode.ErrorCodeUnauthorized.WithMessage(details)
	case http.StatusForbidden:
		return errcode.ErrorCodeDenied.WithMessage(details)
	case http.StatusNotFound:
		return errcode.ErrorCodeNameUnknown.WithMessage(details)
	case http.StatusTooManyRequests:
		return errcode.ErrorCodeTooManyRequests.WithMessage(details)
	case http.StatusServiceUnavailable:
		return errcode.ErrorCodeUnavailable.WithMessage(details)
	default:
		return errcode.ErrorCodeUnknown.WithMessage(details)
	}
}

// HandleHTTPResponseError returns error parsed from HTTP response, if any.
// It returns nil if no error occurred (HTTP status 200-399). Registry error
// envelopes are parsed for 4xx and 5xx responses, since chunk corruption is
// reported as a server error. Anything else is an
// UnexpectedHTTPStatusError.
func HandleHTTPResponseError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode <= 399 {
		return nil
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 600 {
		err := parseHTTPErrorResponse(resp)
		if uErr, ok := err.(*UnexpectedHTTPResponseError); ok && resp.StatusCode == 401 {
			return errcode.ErrorCodeUnauthorized.WithDetail(uErr.Response)
		}
		return err
	}
	return &UnexpectedHTTPStatusError{Status: resp.Status}
}

// request identifies what a call was about, so that an error envelope can
// be turned into a typed domain error.
type request struct {
	name    string
	version string
	digest  digest.Digest
}

// translate maps a registry error to the error kinds of package
// distribution. Errors without an envelope are returned as they are.
func translate(err error, req request) error {
	if err == nil {
		return nil
	}

	var errs errcode.Errors
	switch e := err.(type) {
	case errcode.Errors:
		errs = e
	case errcode.Error, errcode.ErrorCode:
		errs = errcode.Errors{e}
	default:
		return err
	}

	var (
		code   errcode.ErrorCode
		detail any
	)
	switch first := errs[0].(type) {
	case errcode.Error:
		code, detail = first.Code, first.Detail
	case errcode.ErrorCode:
		code = first
	}

	var domain error
	switch code {
	case errcode.ErrorCodeChunkUnknown:
		domain = distribution.ErrChunkUnknown{Digest: req.digest}
	case errcode.ErrorCodeChunkCorrupt:
		domain = distribution.ErrChunkCorrupt{Digest: req.digest}
	case errcode.ErrorCodeChunkConflict:
		domain = distribution.ErrChunkConflict{Digest: req.digest}
	case errcode.ErrorCodeDigestInvalid:
		domain = distribution.ErrChunkInvalidDigest{Digest: req.digest, Reason: fmt.Errorf("%v", detail)}
	case errcode.ErrorCodeNameUnknown:
		domain = distribution.ErrImageUnknown{Name: req.name}
	case errcode.ErrorCodeManifestUnknown:
		domain = distribution.ErrImageUnknown{Name: req.name, Version: req.version}
	case errcode.ErrorCodeNameInvalid, errcode.ErrorCodeVersionInvalid:
		domain = distribution.ErrNameInvalid{Name: req.name, Reason: fmt.Errorf("%v", detail)}
	case errcode.ErrorCodeManifestChunkUnknown:
		domain = distribution.ErrMissingChunks{Digests: missingFromDetail(detail)}
	case errcode.ErrorCodeCommitConflict:
		domain = distribution.ErrCommitConflict{Name: req.name, Version: req.version, Reason: fmt.Sprintf("%v", detail)}
	case errcode.ErrorCodeManifestMismatch:
		domain = fmt.Errorf("%w: %v", distribution.ErrManifestMismatch, detail)
	case errcode.ErrorCodeManifestInvalid:
		domain = distribution.ErrManifestInvalid{Reason: fmt.Sprintf("%v", detail)}
	case errcode.ErrorCodeUnsupportedVersion:
		domain = fmt.Errorf("%w: %v", distribution.ErrUnsupportedVersion, detail)
	case errcode.ErrorCodeUnsupported:
		domain = distribution.ErrUnsupported
	case errcode.ErrorCodeUnauthorized, errcode.ErrorCodeDenied:
		domain = distribution.ErrUnauthorized
	default:
		return errs
	}

	return &RegistryError{Err: domain, Errors: errs}
}

// missingFromDetail recovers the digest list of a MANIFEST_CHUNK_UNKNOWN
// detail, which arrives as generic JSON.
func missingFromDetail(detail any) []digest.Digest {
	if detail == nil {
		return nil
	}
	p, err := json.Marshal(detail)
	if err != nil {
		return nil
	}
	var d v1.MissingChunksDetail
	if err := json.Unmarshal(p, &d); err != nil {
		return nil
	}
	return d.Missing
}
