package main

import (
	"os"

	"github.com/goldboot/distribution/registry"
)

func main() {
	if err := registry.RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
