package metrics

import "github.com/docker/go-metrics"

const (
	// NamespacePrefix is the namespace of prometheus metrics
	NamespacePrefix = "goldboot"
)

var (
	// StorageNamespace is the prometheus namespace of storage driver, chunk
	// and cache operations
	StorageNamespace = metrics.NewNamespace(NamespacePrefix, "storage", nil)

	// RegistryNamespace is the prometheus namespace of registry protocol
	// operations
	RegistryNamespace = metrics.NewNamespace(NamespacePrefix, "registry", nil)

	// NotificationsNamespace is the prometheus namespace of notification
	// related metrics
	NotificationsNamespace = metrics.NewNamespace(NamespacePrefix, "notifications", nil)
)

var (
	// ChunkBytes counts chunk payload bytes moved by the registry, labeled
	// by direction ("in" or "out").
	ChunkBytes = RegistryNamespace.NewLabeledCounter("chunk_bytes", "The number of chunk bytes transferred", "direction")

	// Chunks counts chunk transfers, labeled by direction and whether the
	// chunk was new to the receiving store.
	Chunks = RegistryNamespace.NewLabeledCounter("chunks", "The number of chunk transfers", "direction", "result")

	// Negotiations counts negotiate calls and the digests they reported
	// missing.
	Negotiations = RegistryNamespace.NewLabeledCounter("negotiations", "The number of digests seen by negotiate", "phase", "result")

	// Commits counts manifest commit outcomes.
	Commits = RegistryNamespace.NewLabeledCounter("commits", "The number of manifest commits", "result")
)

func init() {
	metrics.Register(StorageNamespace)
	metrics.Register(RegistryNamespace)
	metrics.Register(NotificationsNamespace)
}
