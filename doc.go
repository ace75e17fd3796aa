// Package distribution defines the interfaces and error kinds shared by the
// golden image chunk store, image codec, encryption envelope and registry.
//
// Images are split into content-addressed chunks. A manifest lists the
// chunks in order and records the digest of the reassembled stream. The
// registry stores chunks once, negotiates which ones a peer is missing and
// publishes a manifest under a name and version only after every chunk it
// references is present.
package distribution
