package errcode

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/goldboot/distribution/registry/storage/driver"
)

// ServeJSON attempts to serve the errcode in a JSON envelope. It marshals err
// and sets the content-type header to 'application/json'. It will handle
// ErrorCoder and Errors, and if necessary will create an envelope.
func ServeJSON(w http.ResponseWriter, err error) error {
	w.Header().Set("Content-Type", "application/json")
	var sc int

	switch errs := err.(type) {
	case Errors:
		if len(errs) < 1 {
			break
		}

		for i := range errs {
			errs[i] = replaceError(errs[i])
		}

		if err, ok := errs[0].(ErrorCoder); ok {
			sc = err.ErrorCode().Descriptor().HTTPStatusCode
		}
	case ErrorCoder:
		sc = errs.ErrorCode().Descriptor().HTTPStatusCode
		err = Errors{err}
	default:
		err = replaceError(err)
		if coder, ok := err.(ErrorCoder); ok {
			sc = coder.ErrorCode().Descriptor().HTTPStatusCode
		}
		err = Errors{err}
	}

	if sc == 0 {
		sc = http.StatusInternalServerError
	}

	w.WriteHeader(sc)

	return json.NewEncoder(w).Encode(err)
}

// replaceError maps backend request failures surfaced by the s3 driver onto
// the closest generic code. Other errors pass through unchanged.
func replaceError(err error) error {
	if _, ok := err.(ErrorCoder); ok {
		return err
	}

	var serr driver.Error
	if !errors.As(err, &serr) {
		return err
	}

	reqErr, ok := serr.Detail.(awserr.RequestFailure)
	if !ok {
		return err
	}

	code := ErrorCodeUnknown
	switch reqErr.StatusCode() {
	case http.StatusForbidden:
		code = ErrorCodeDenied
	case http.StatusServiceUnavailable:
		code = ErrorCodeUnavailable
	case http.StatusUnauthorized:
		code = ErrorCodeUnauthorized
	case http.StatusTooManyRequests:
		code = ErrorCodeTooManyRequests
	}

	return code.WithDetail(reqErr.Code())
}
