package version

// mainpkg is the canonical import path the binary was built from.
var mainpkg = "github.com/goldboot/distribution"

// version is the release the binary was built from. Builds replace it
// through -ldflags; a plain go install reports the "+unknown" suffix.
var version = "v0.1.0+unknown"

// revision is filled with the VCS revision at link time.
var revision = ""
