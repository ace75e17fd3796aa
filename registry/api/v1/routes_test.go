package v1

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"
)

type routeTestCase struct {
	RequestURI string
	Vars       map[string]string
	RouteName  string
	StatusCode int
}

// TestRouter registers a test handler with all the routes and ensures that
// each route returns the expected path variables. No method verification is
// present.
func TestRouter(t *testing.T) {
	tests := []routeTestCase{
		{
			RouteName:  RouteNameBase,
			RequestURI: "/v1/",
			Vars:       map[string]string{},
		},
		{
			RouteName:  RouteNameCatalog,
			RequestURI: "/v1/_catalog",
			Vars:       map[string]string{},
		},
		{
			RouteName:  RouteNameChunk,
			RequestURI: "/v1/chunks/sha256:abcdef0919234",
			Vars: map[string]string{
				"digest": "sha256:abcdef0919234",
			},
		},
		{
			RouteName:  RouteNameNegotiate,
			RequestURI: "/v1/ubuntu/negotiate",
			Vars: map[string]string{
				"name": "ubuntu",
			},
		},
		{
			// an image may be called chunks
			RouteName:  RouteNameNegotiate,
			RequestURI: "/v1/chunks/negotiate",
			Vars: map[string]string{
				"name": "chunks",
			},
		},
		{
			RouteName:  RouteNameManifest,
			RequestURI: "/v1/fossable/windows/manifests/10.0.19045",
			Vars: map[string]string{
				"name":    "fossable/windows",
				"version": "10.0.19045",
			},
		},
		{
			RouteName:  RouteNamePullNegotiate,
			RequestURI: "/v1/fossable/windows/manifests/10/negotiate",
			Vars: map[string]string{
				"name":    "fossable/windows",
				"version": "10",
			},
		},
		{
			// versions cannot hold a slash, so the name absorbs the
			// first "manifests"
			RouteName:  RouteNameManifest,
			RequestURI: "/v1/foo/manifests/manifests/bar",
			Vars: map[string]string{
				"name":    "foo/manifests",
				"version": "bar",
			},
		},
		{
			RouteName:  RouteNameVersions,
			RequestURI: "/v1/ubuntu/server/versions",
			Vars: map[string]string{
				"name": "ubuntu/server",
			},
		},
		{
			RouteName:  RouteNameVersions,
			RequestURI: "/v1/Ubuntu/versions",
			StatusCode: http.StatusNotFound,
		},
	}

	checkTestRouter(t, tests, "")
	checkTestRouter(t, tests, "/prefix/")
}

func checkTestRouter(t *testing.T, tests []routeTestCase, prefix string) {
	router := RouterWithPrefix(strings.TrimSuffix(prefix, "/"))

	testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		testCase := routeTestCase{
			RequestURI: r.RequestURI,
			Vars:       mux.Vars(r),
			RouteName:  mux.CurrentRoute(r).GetName(),
		}

		if err := json.NewEncoder(w).Encode(testCase); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})

	for _, name := range []string{RouteNameBase, RouteNameCatalog, RouteNameChunk, RouteNameNegotiate, RouteNameManifest, RouteNamePullNegotiate, RouteNameVersions} {
		router.GetRoute(name).Handler(testHandler)
	}

	server := httptest.NewServer(router)
	defer server.Close()

	for _, tc := range tests {
		tc := tc
		requestURI := strings.TrimSuffix(prefix, "/") + tc.RequestURI
		t.Run("("+tc.RouteName+")"+requestURI, func(t *testing.T) {
			resp, err := http.Get(server.URL + requestURI)
			require.NoError(t, err)
			defer resp.Body.Close()

			expectedStatus := tc.StatusCode
			if expectedStatus == 0 {
				expectedStatus = http.StatusOK
			}
			require.Equal(t, expectedStatus, resp.StatusCode)
			if expectedStatus != http.StatusOK {
				return
			}

			var actual routeTestCase
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&actual))
			require.Equal(t, requestURI, actual.RequestURI)
			require.Equal(t, tc.RouteName, actual.RouteName)
			require.Equal(t, tc.Vars, actual.Vars)
		})
	}
}
