package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DiskRemapsTotal counts mmap growth events across all disk vectors
	DiskRemapsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crossbow_disk_remaps_total",
			Help: "Total number of mmap remap events caused by vector growth",
		},
	)

	// DiskSyncsTotal counts explicit sync calls on the persistent store
	DiskSyncsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crossbow_disk_syncs_total",
			Help: "Total number of store sync operations",
		},
		[]string{"status"},
	)

	// IngestRecordsTotal counts records written to the disk graph by kind
	IngestRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crossbow_ingest_records_total",
			Help: "Total number of records ingested into the disk graph",
		},
		[]string{"kind"},
	)

	// FlushesTotal counts buffer flushes triggered by the memory limit
	FlushesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crossbow_flushes_total",
			Help: "Total number of buffer graph flushes to disk",
		},
	)

	// FlushDurationSeconds measures the latency of buffer flushes
	FlushDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crossbow_flush_duration_seconds",
			Help:    "Duration of buffer graph flushes",
			Buckets: prometheus.DefBuckets,
		},
	)

	// BufferMemoryBytes tracks the estimated staging buffer footprint
	BufferMemoryBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "crossbow_buffer_memory_bytes",
			Help: "Estimated memory usage of the staging buffer graph",
		},
	)

	// QueriesTotal counts dependency queries by backend and status
	QueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crossbow_queries_total",
			Help: "Total number of dependency expansion queries",
		},
		[]string{"backend", "status"},
	)

	// QueryDurationSeconds measures query latency per backend
	QueryDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crossbow_query_duration_seconds",
			Help:    "Duration of dependency expansion queries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend"},
	)

	// DeviceBuildDurationSeconds measures device snapshot build time
	DeviceBuildDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crossbow_device_build_duration_seconds",
			Help:    "Time taken to build the device-resident graph snapshot",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
	)

	// DeviceFrontierSize observes per-level frontier sizes during device BFS
	DeviceFrontierSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crossbow_device_frontier_size",
			Help:    "Frontier sizes observed per level during parallel expansion",
			Buckets: prometheus.ExponentialBuckets(1, 4, 12),
		},
	)

	// LoadedFilesTotal counts package files consumed by the loader
	LoadedFilesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crossbow_loaded_files_total",
			Help: "Total number of package files loaded",
		},
		[]string{"status"},
	)
)
