package distribution

import (
	"fmt"
	"regexp"
)

const (
	// NameTotalLengthMax is the maximum length of an image name.
	NameTotalLengthMax = 255

	// VersionLengthMax is the maximum length of a version.
	VersionLengthMax = 128
)

var (
	// NameRegexp matches image names: lower case path components joined by
	// slashes, each component alphanumeric runs separated by '.', '_' or
	// '-'.
	NameRegexp = regexp.MustCompile(`[a-z0-9]+(?:[._-][a-z0-9]+)*(?:/[a-z0-9]+(?:[._-][a-z0-9]+)*)*`)

	// VersionRegexp matches image versions.
	VersionRegexp = regexp.MustCompile(`[\w][\w.-]{0,127}`)

	anchoredNameRegexp    = regexp.MustCompile(`^` + NameRegexp.String() + `$`)
	anchoredVersionRegexp = regexp.MustCompile(`^` + VersionRegexp.String() + `$`)
)

// ValidateName returns an error if name is not a valid image name.
func ValidateName(name string) error {
	if len(name) == 0 || len(name) > NameTotalLengthMax || !anchoredNameRegexp.MatchString(name) {
		return fmt.Errorf("invalid image name %q", name)
	}
	return nil
}

// ValidateVersion returns an error if version is not a valid image version.
func ValidateVersion(version string) error {
	if !anchoredVersionRegexp.MatchString(version) {
		return fmt.Errorf("invalid image version %q", version)
	}
	return nil
}
