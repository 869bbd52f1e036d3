// Package metrics defines the repository's Prometheus collectors.
// They are registered with the default registry when the package is loaded.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "tetrifact"

var (
	PackagesCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "packages",
		Name:      "created_total",
		Help:      "Packages published.",
	})

	PackagesDeleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "packages",
		Name:      "deleted_total",
		Help:      "Packages deleted, by reason (delete, prune).",
	}, []string{"reason"})

	BlobWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "blobs",
		Name:      "writes_total",
		Help:      "Files stored, by form (bin, patch, dedup, promote).",
	}, []string{"form"})

	BlobBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "blobs",
		Name:      "written_bytes_total",
		Help:      "Bytes written to the blob store.",
	})

	Rehydrations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "delta",
		Name:      "rehydrations_total",
		Help:      "Files rebuilt from patches.",
	})

	RehydrationDepth = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "delta",
		Name:      "rehydration_depth",
		Help:      "Number of patches applied to rebuild one file.",
		Buckets:   []float64{1, 2, 4, 8, 16, 32, 64},
	})

	ArchiveBuilds = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "archives",
		Name:      "builds_total",
		Help:      "Archive builds, by result (ok, error).",
	}, []string{"result"})

	ArchiveWaits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "archives",
		Name:      "waits_total",
		Help:      "Requests that waited on another builder, by result (ok, timeout, stale).",
	}, []string{"result"})

	CleanRemoved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "clean",
		Name:      "removed_total",
		Help:      "Items removed by the cleaner, by kind.",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(
		PackagesCreated,
		PackagesDeleted,
		BlobWrites,
		BlobBytes,
		Rehydrations,
		RehydrationDepth,
		ArchiveBuilds,
		ArchiveWaits,
		CleanRemoved,
	)
}
