package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gorilla/handlers"

	"github.com/goldboot/distribution/registry/api/errcode"
	v1 "github.com/goldboot/distribution/registry/api/v1"
)

const defaultReturnedEntries = 100

var errCatalogFull = errors.New("catalog page full")

func catalogDispatcher(ctx *Context, r *http.Request) http.Handler {
	catalogHandler := &catalogHandler{
		Context: ctx,
	}

	return handlers.MethodHandler{
		http.MethodGet: http.HandlerFunc(catalogHandler.GetCatalog),
	}
}

type catalogHandler struct {
	*Context
}

// GetCatalog lists image names in lexical order, n at a time. A Link header
// points at the next page when more names remain.
func (ch *catalogHandler) GetCatalog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lastEntry := q.Get("last")

	entries := defaultReturnedEntries
	if n := q.Get("n"); n != "" {
		parsed, err := strconv.Atoi(n)
		if err != nil || parsed < 0 {
			ch.Errors = append(ch.Errors, errcode.ErrorCodePaginationNumberInvalid.WithDetail(map[string]string{"n": n}))
			return
		}
		entries = parsed
	}

	names := make([]string, 0, entries)
	moreEntries := false
	if entries > 0 {
		err := ch.registry.Images().Names(ch, func(name string) error {
			if name <= lastEntry {
				return nil
			}
			if len(names) == entries {
				moreEntries = true
				return errCatalogFull
			}
			names = append(names, name)
			return nil
		})
		if err != nil && !errors.Is(err, errCatalogFull) {
			ch.Errors = append(ch.Errors, errorToErrcode(err))
			return
		}
	}

	// Add a link header if there are more entries to retrieve
	if moreEntries {
		urlStr, err := createLinkEntry(r.URL.String(), entries, names)
		if err != nil {
			ch.Errors = append(ch.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
			return
		}
		w.Header().Set("Link", urlStr)
	}

	if err := serveJSON(w, v1.CatalogResponse{Images: names}); err != nil {
		ch.Errors = append(ch.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
	}
}

// Use the original URL from the request to create a new URL for
// the link header
func createLinkEntry(origURL string, maxEntries int, names []string) (string, error) {
	calledURL, err := url.Parse(origURL)
	if err != nil {
		return "", err
	}

	v := url.Values{}
	v.Add("n", strconv.Itoa(maxEntries))
	v.Add("last", names[len(names)-1])

	calledURL.RawQuery = v.Encode()
	calledURL.Fragment = ""
	urlStr := fmt.Sprintf("<%s>; rel=\"next\"", calledURL.String())

	return urlStr, nil
}
