package handlers

import (
	"fmt"
	"net/http"

	"github.com/gorilla/handlers"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/goldboot/distribution"
	"github.com/goldboot/distribution/internal/dcontext"
	"github.com/goldboot/distribution/registry/api/errcode"
	apiv1 "github.com/goldboot/distribution/registry/api/v1"
)

// maxManifestBodySize bounds a committed container. Out-of-line containers
// hold only the chunk table, so this admits images of several terabytes.
const maxManifestBodySize = 256 << 20

// manifestDispatcher takes the request context and builds the appropriate
// handler for handling manifest requests.
func manifestDispatcher(ctx *Context, r *http.Request) http.Handler {
	manifestHandler := &manifestHandler{
		Context: ctx,
		Name:    getName(ctx),
		Version: getVersion(ctx),
	}

	if err := distribution.ValidateVersion(manifestHandler.Version); err != nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx.Errors = append(ctx.Errors, errcode.ErrorCodeVersionInvalid.WithDetail(err.Error()))
		})
	}

	return handlers.MethodHandler{
		http.MethodGet:    http.HandlerFunc(manifestHandler.GetManifest),
		http.MethodHead:   http.HandlerFunc(manifestHandler.HeadManifest),
		http.MethodPut:    http.HandlerFunc(manifestHandler.PutManifest),
		http.MethodDelete: http.HandlerFunc(manifestHandler.DeleteManifest),
	}
}

// manifestHandler handles http operations on image manifests.
type manifestHandler struct {
	*Context

	Name    string
	Version string
}

// GetManifest fetches the published container for the image by version.
func (imh *manifestHandler) GetManifest(w http.ResponseWriter, r *http.Request) {
	dcontext.GetLogger(imh).Debug("GetManifest")

	payload, desc, err := imh.Images.Fetch(imh, imh.Name, imh.Version)
	if err != nil {
		imh.Errors = append(imh.Errors, errorToErrcode(err))
		return
	}

	writeManifestHeaders(w, desc)
	if _, err := w.Write(payload); err != nil {
		dcontext.GetLogger(imh).Errorf("error writing manifest %s:%s: %v", imh.Name, imh.Version, err)
	}
}

// HeadManifest reports the descriptor of a published version. It does not
// count as a pull.
func (imh *manifestHandler) HeadManifest(w http.ResponseWriter, r *http.Request) {
	_, desc, err := imh.registry.Images().Fetch(imh, imh.Name, imh.Version)
	if err != nil {
		imh.Errors = append(imh.Errors, errorToErrcode(err))
		return
	}

	writeManifestHeaders(w, desc)
	w.WriteHeader(http.StatusOK)
}

// PutManifest commits the container in the body under the version.
func (imh *manifestHandler) PutManifest(w http.ResponseWriter, r *http.Request) {
	dcontext.GetLogger(imh).Debug("PutManifest")

	payload, err := copyFullPayload(imh.Context, r, maxManifestBodySize, "manifest commit")
	if err != nil {
		return
	}

	desc, err := imh.Images.Commit(imh, imh.Name, imh.Version, payload)
	if err != nil {
		dcontext.GetLogger(imh).Errorf("error committing %s:%s: %v", imh.Name, imh.Version, err)
		imh.Errors = append(imh.Errors, errorToErrcode(err))
		return
	}

	location, err := imh.urlBuilder.BuildManifestURL(imh.Name, imh.Version)
	if err != nil {
		imh.Errors = append(imh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return
	}

	w.Header().Set("Location", location)
	w.Header().Set("Content-Length", "0")
	w.Header().Set(apiv1.HeaderDigest, desc.Digest.String())
	w.WriteHeader(http.StatusCreated)

	dcontext.GetLogger(imh).Infof("committed %s:%s as %s", imh.Name, imh.Version, desc.Digest)
}

// DeleteManifest unpublishes the version. Its chunks stay until garbage
// collection.
func (imh *manifestHandler) DeleteManifest(w http.ResponseWriter, r *http.Request) {
	dcontext.GetLogger(imh).Debug("DeleteManifest")

	if err := imh.Images.Delete(imh, imh.Name, imh.Version); err != nil {
		imh.Errors = append(imh.Errors, errorToErrcode(err))
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func writeManifestHeaders(w http.ResponseWriter, desc v1.Descriptor) {
	w.Header().Set("Content-Type", distribution.MediaTypeManifest)
	w.Header().Set("Content-Length", fmt.Sprint(desc.Size))
	w.Header().Set(apiv1.HeaderDigest, desc.Digest.String())
	w.Header().Set("Etag", fmt.Sprintf(`"%s"`, desc.Digest))
}
