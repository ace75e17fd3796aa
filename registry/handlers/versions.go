package handlers

import (
	"net/http"

	"github.com/gorilla/handlers"

	"github.com/goldboot/distribution/registry/api/errcode"
	v1 "github.com/goldboot/distribution/registry/api/v1"
)

// versionsDispatcher constructs the versions handler api endpoint.
func versionsDispatcher(ctx *Context, r *http.Request) http.Handler {
	versionsHandler := &versionsHandler{
		Context: ctx,
	}

	return handlers.MethodHandler{
		http.MethodGet: http.HandlerFunc(versionsHandler.GetVersions),
	}
}

// versionsHandler handles requests for lists of versions under an image name.
type versionsHandler struct {
	*Context
}

// GetVersions returns a json list of the published versions for a name.
func (vh *versionsHandler) GetVersions(w http.ResponseWriter, r *http.Request) {
	name := getName(vh)

	versions, err := vh.Images.Versions(vh, name)
	if err != nil {
		vh.Errors = append(vh.Errors, errorToErrcode(err))
		return
	}

	if err := serveJSON(w, v1.VersionsResponse{
		Name:     name,
		Versions: versions,
	}); err != nil {
		vh.Errors = append(vh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
	}
}
