package version

import (
	"fmt"
	"io"
	"os"
)

// Package returns the import path of the module the binary was built from.
func Package() string {
	return mainpkg
}

// Version returns the module version the running binary was built from.
func Version() string {
	return version
}

// Revision returns the VCS revision recorded at link time.
func Revision() string {
	return revision
}

// FprintVersion writes "<cmd> <module> <version> [<revision>]" to w.
func FprintVersion(w io.Writer) {
	if revision != "" {
		fmt.Fprintln(w, os.Args[0], Package(), Version(), Revision())
		return
	}
	fmt.Fprintln(w, os.Args[0], Package(), Version())
}

// PrintVersion writes the version line to stdout.
func PrintVersion() {
	FprintVersion(os.Stdout)
}
