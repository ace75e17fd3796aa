package errcode

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
)

var (
	errorCodeToDescriptors = map[ErrorCode]ErrorDescriptor{}
	idToDescriptors        = map[string]ErrorDescriptor{}
	groupToDescriptors     = map[string][]ErrorDescriptor{}
)

var (
	// ErrorCodeUnknown is a generic error that can be used as a last
	// resort if there is no situation-specific error message that can be used
	ErrorCodeUnknown = register("errcode", ErrorDescriptor{
		Value:   "UNKNOWN",
		Message: "unknown error",
		Description: `Generic error returned when the error does not have an
		API classification.`,
		HTTPStatusCode: http.StatusInternalServerError,
	})

	// ErrorCodeUnsupported is returned when an operation is not supported.
	ErrorCodeUnsupported = register("errcode", ErrorDescriptor{
		Value:          "UNSUPPORTED",
		Message:        "The operation is unsupported.",
		Description:    `The operation was unsupported by this registry's configuration.`,
		HTTPStatusCode: http.StatusMethodNotAllowed,
	})

	// ErrorCodeUnauthorized is returned if a request requires
	// authentication.
	ErrorCodeUnauthorized = register("errcode", ErrorDescriptor{
		Value:          "UNAUTHORIZED",
		Message:        "authentication required",
		Description:    `The registry was unable to authenticate the client.`,
		HTTPStatusCode: http.StatusUnauthorized,
	})

	// ErrorCodeDenied is returned if a client does not have sufficient
	// permission to perform an action.
	ErrorCodeDenied = register("errcode", ErrorDescriptor{
		Value:          "DENIED",
		Message:        "requested access to the resource is denied",
		Description:    `The backend denied access for the operation on a resource.`,
		HTTPStatusCode: http.StatusForbidden,
	})

	// ErrorCodeUnavailable provides a common error to report unavailability
	// of a service or endpoint.
	ErrorCodeUnavailable = register("errcode", ErrorDescriptor{
		Value:          "UNAVAILABLE",
		Message:        "service unavailable",
		Description:    "Returned when a service is not available",
		HTTPStatusCode: http.StatusServiceUnavailable,
	})

	// ErrorCodeTooManyRequests is returned if a client attempts too many
	// times to contact a service endpoint.
	ErrorCodeTooManyRequests = register("errcode", ErrorDescriptor{
		Value:          "TOOMANYREQUESTS",
		Message:        "too many requests",
		Description:    `Returned when a client attempts to contact a service too many times`,
		HTTPStatusCode: http.StatusTooManyRequests,
	})
)

const errGroup = "goldboot.api.v1"

var (
	// ErrorCodeDigestInvalid is returned when an uploaded chunk does not
	// hash to the digest it was uploaded under.
	ErrorCodeDigestInvalid = register(errGroup, ErrorDescriptor{
		Value:   "DIGEST_INVALID",
		Message: "provided digest did not match uploaded content",
		Description: `When a chunk is uploaded, the registry checks that the
		content matches the digest in the URL. The chunk is rejected and not
		stored.`,
		HTTPStatusCode: http.StatusBadRequest,
	})

	// ErrorCodeSizeInvalid is returned when a chunk is empty or larger than
	// the registry accepts.
	ErrorCodeSizeInvalid = register(errGroup, ErrorDescriptor{
		Value:          "SIZE_INVALID",
		Message:        "chunk size outside of accepted bounds",
		Description:    `Chunks must be non-empty and no larger than the configured maximum.`,
		HTTPStatusCode: http.StatusBadRequest,
	})

	// ErrorCodeNameInvalid is returned when an image name is malformed or
	// does not match the committed manifest.
	ErrorCodeNameInvalid = register(errGroup, ErrorDescriptor{
		Value:          "NAME_INVALID",
		Message:        "invalid image name",
		Description:    `Invalid image name encountered either during manifest validation or any API operation.`,
		HTTPStatusCode: http.StatusBadRequest,
	})

	// ErrorCodeVersionInvalid is returned when the version in the manifest
	// does not match the URI.
	ErrorCodeVersionInvalid = register(errGroup, ErrorDescriptor{
		Value:          "VERSION_INVALID",
		Message:        "manifest version did not match URI",
		Description:    `During a commit, the version carried by the manifest must equal the version in the URI.`,
		HTTPStatusCode: http.StatusBadRequest,
	})

	// ErrorCodeNameUnknown when the image name is not known.
	ErrorCodeNameUnknown = register(errGroup, ErrorDescriptor{
		Value:          "NAME_UNKNOWN",
		Message:        "image name not known to registry",
		Description:    `This is returned if the name used during an operation is unknown to the registry.`,
		HTTPStatusCode: http.StatusNotFound,
	})

	// ErrorCodeManifestUnknown returned when an image version is unknown.
	ErrorCodeManifestUnknown = register(errGroup, ErrorDescriptor{
		Value:          "MANIFEST_UNKNOWN",
		Message:        "manifest unknown",
		Description:    `Returned when no manifest has been committed for the name and version.`,
		HTTPStatusCode: http.StatusNotFound,
	})

	// ErrorCodeManifestInvalid returned when a committed container cannot be
	// parsed or fails structural validation.
	ErrorCodeManifestInvalid = register(errGroup, ErrorDescriptor{
		Value:   "MANIFEST_INVALID",
		Message: "manifest invalid",
		Description: `During commit, manifests undergo several checks ensuring
		validity. If those checks fail, this error may be returned, unless a
		more specific error is included.`,
		HTTPStatusCode: http.StatusBadRequest,
	})

	// ErrorCodeManifestMismatch is returned when the chunks referenced by a
	// manifest do not reproduce its overall digest.
	ErrorCodeManifestMismatch = register(errGroup, ErrorDescriptor{
		Value:          "MANIFEST_MISMATCH",
		Message:        "image content does not match manifest digest",
		Description:    `Returned when reassembling the referenced chunks yields a different overall digest.`,
		HTTPStatusCode: http.StatusBadRequest,
	})

	// ErrorCodeManifestChunkUnknown is returned when a manifest references
	// chunks the registry does not hold.
	ErrorCodeManifestChunkUnknown = register(errGroup, ErrorDescriptor{
		Value:   "MANIFEST_CHUNK_UNKNOWN",
		Message: "manifest references chunks unknown to registry",
		Description: `A manifest can only be committed once every chunk it
		references has been uploaded. The detail lists the missing digests.`,
		HTTPStatusCode: http.StatusBadRequest,
	})

	// ErrorCodeUnsupportedVersion is returned for containers of an unknown
	// format version.
	ErrorCodeUnsupportedVersion = register(errGroup, ErrorDescriptor{
		Value:          "UNSUPPORTED_VERSION",
		Message:        "image format version not supported",
		Description:    `The container header carries a format version this registry cannot parse.`,
		HTTPStatusCode: http.StatusBadRequest,
	})

	// ErrorCodeChunkUnknown is returned when a chunk is unknown to the
	// registry.
	ErrorCodeChunkUnknown = register(errGroup, ErrorDescriptor{
		Value:          "CHUNK_UNKNOWN",
		Message:        "chunk unknown to registry",
		Description:    `Returned when a chunk fetch names a digest the registry does not hold.`,
		HTTPStatusCode: http.StatusNotFound,
	})

	// ErrorCodeChunkCorrupt is returned when stored chunk bytes no longer
	// match their digest.
	ErrorCodeChunkCorrupt = register(errGroup, ErrorDescriptor{
		Value:          "CHUNK_CORRUPT",
		Message:        "stored chunk failed verification",
		Description:    `The registry holds bytes under this digest that no longer hash to it.`,
		HTTPStatusCode: http.StatusInternalServerError,
	})

	// ErrorCodeChunkConflict is returned when different content is uploaded
	// under a digest that already verifies.
	ErrorCodeChunkConflict = register(errGroup, ErrorDescriptor{
		Value:          "CHUNK_CONFLICT",
		Message:        "chunk digest collision",
		Description:    `Different content was uploaded under a digest the registry already holds. The upload is rejected.`,
		HTTPStatusCode: http.StatusConflict,
	})

	// ErrorCodeCommitConflict is returned when another session is
	// committing the same image version, or the version is already
	// published with a different manifest.
	ErrorCodeCommitConflict = register(errGroup, ErrorDescriptor{
		Value:          "COMMIT_CONFLICT",
		Message:        "image version is being committed or already published",
		Description:    `Published versions are immutable and commits are exclusive per name and version. Negotiate again before retrying.`,
		HTTPStatusCode: http.StatusConflict,
	})

	// ErrorCodePaginationNumberInvalid is returned when the `n` parameter is
	// not an integer, or `n` is negative.
	ErrorCodePaginationNumberInvalid = register(errGroup, ErrorDescriptor{
		Value:          "PAGINATION_NUMBER_INVALID",
		Message:        "invalid number of results requested",
		Description:    `Returned when the "n" parameter is not an integer or is negative.`,
		HTTPStatusCode: http.StatusBadRequest,
	})

	// ErrorCodeBodyInvalid is returned when a JSON request body cannot be
	// decoded.
	ErrorCodeBodyInvalid = register(errGroup, ErrorDescriptor{
		Value:          "BODY_INVALID",
		Message:        "request body invalid",
		Description:    `Returned when a negotiate request body is not valid JSON of the expected shape.`,
		HTTPStatusCode: http.StatusBadRequest,
	})
)

var (
	nextCode     = 1000
	registerLock sync.Mutex
)

// Register will make the passed-in error known to the environment and
// return a new ErrorCode
func Register(group string, descriptor ErrorDescriptor) ErrorCode {
	return register(group, descriptor)
}

func register(group string, descriptor ErrorDescriptor) ErrorCode {
	registerLock.Lock()
	defer registerLock.Unlock()

	descriptor.Code = ErrorCode(nextCode)

	if _, ok := idToDescriptors[descriptor.Value]; ok {
		panic(fmt.Sprintf("ErrorValue %q is already registered", descriptor.Value))
	}
	if _, ok := errorCodeToDescriptors[descriptor.Code]; ok {
		panic(fmt.Sprintf("ErrorCode %v is already registered", descriptor.Code))
	}

	groupToDescriptors[group] = append(groupToDescriptors[group], descriptor)
	errorCodeToDescriptors[descriptor.Code] = descriptor
	idToDescriptors[descriptor.Value] = descriptor

	nextCode++
	return descriptor.Code
}

// GetGroupNames returns the list of Error group names that are registered
func GetGroupNames() []string {
	keys := []string{}

	for k := range groupToDescriptors {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// GetErrorCodeGroup returns the named group of error descriptors
func GetErrorCodeGroup(name string) []ErrorDescriptor {
	desc := append([]ErrorDescriptor(nil), groupToDescriptors[name]...)
	sort.Slice(desc, func(i, j int) bool { return desc[i].Value < desc[j].Value })
	return desc
}

// GetErrorAllDescriptors returns a slice of all ErrorDescriptors that are
// registered, irrespective of what group they're in
func GetErrorAllDescriptors() []ErrorDescriptor {
	result := []ErrorDescriptor{}

	for _, group := range GetGroupNames() {
		result = append(result, GetErrorCodeGroup(group)...)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Value < result[j].Value })
	return result
}
