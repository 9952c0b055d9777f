// Package metrics provides Prometheus metrics for the skyvault storage core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registry exposed by `skyvault sweep --metrics-listen`.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Handler returns an HTTP handler serving Registry in the Prometheus
// exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Upload paths used as the "path" label.
const (
	PathWhole   = "whole"
	PathChunked = "chunked"
	PathFast    = "fast"
)

// StorageMetrics holds the collectors shared by the blob store, the
// ingestion pipeline, the chunk sessions and the namespace tree.
// A nil *StorageMetrics is valid and records nothing.
type StorageMetrics struct {
	BlobCommits     *prometheus.CounterVec // skyvault_blob_commits_total{result}
	BlobsReclaimed  prometheus.Counter     // skyvault_blobs_reclaimed_total
	BlobsMissing    prometheus.Counter     // skyvault_blobs_missing_on_disk_total
	Uploads         *prometheus.CounterVec // skyvault_uploads_total{path,status}
	UploadBytes     *prometheus.CounterVec // skyvault_upload_bytes_total{path}
	ChunkBytes      prometheus.Counter     // skyvault_chunk_bytes_received_total
	MergeDuration   prometheus.Histogram   // skyvault_merge_duration_seconds
	TrashPurged     prometheus.Counter     // skyvault_trash_purged_nodes_total
	SessionsSwept   prometheus.Counter     // skyvault_chunk_sessions_swept_total
	VolumeAvailable *prometheus.GaugeVec   // skyvault_volume_available_bytes{volume}
}

// NewStorageMetrics registers the storage collectors with reg. A nil reg
// falls back to Registry.
func NewStorageMetrics(reg prometheus.Registerer) *StorageMetrics {
	if reg == nil {
		reg = Registry
	}
	f := promauto.With(reg)

	return &StorageMetrics{
		BlobCommits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "skyvault_blob_commits_total",
			Help: "Blob commits by result (new blob or deduplicated reference)",
		}, []string{"result"}),

		BlobsReclaimed: f.NewCounter(prometheus.CounterOpts{
			Name: "skyvault_blobs_reclaimed_total",
			Help: "Blobs physically removed after their reference count reached zero",
		}),

		BlobsMissing: f.NewCounter(prometheus.CounterOpts{
			Name: "skyvault_blobs_missing_on_disk_total",
			Help: "Blob files found missing while reclaiming",
		}),

		Uploads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "skyvault_uploads_total",
			Help: "Ingestion attempts by path and status",
		}, []string{"path", "status"}),

		UploadBytes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "skyvault_upload_bytes_total",
			Help: "Bytes committed through ingestion by path",
		}, []string{"path"}),

		ChunkBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "skyvault_chunk_bytes_received_total",
			Help: "Bytes received as upload chunks",
		}),

		MergeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "skyvault_merge_duration_seconds",
			Help:    "Duration of chunk session merges",
			Buckets: prometheus.DefBuckets,
		}),

		TrashPurged: f.NewCounter(prometheus.CounterOpts{
			Name: "skyvault_trash_purged_nodes_total",
			Help: "Nodes permanently removed from trash",
		}),

		SessionsSwept: f.NewCounter(prometheus.CounterOpts{
			Name: "skyvault_chunk_sessions_swept_total",
			Help: "Stale chunk sessions removed by the sweeper",
		}),

		VolumeAvailable: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "skyvault_volume_available_bytes",
			Help: "Available bytes per storage volume at last placement probe",
		}, []string{"volume"}),
	}
}

// RecordCommit records a blob commit; deduped is true when the content
// already existed and only a reference was added.
func (m *StorageMetrics) RecordCommit(deduped bool) {
	if m == nil {
		return
	}
	result := "new"
	if deduped {
		result = "dedup"
	}
	m.BlobCommits.WithLabelValues(result).Inc()
}

// RecordReclaim records a blob whose last reference was dropped.
func (m *StorageMetrics) RecordReclaim(missingOnDisk bool) {
	if m == nil {
		return
	}
	m.BlobsReclaimed.Inc()
	if missingOnDisk {
		m.BlobsMissing.Inc()
	}
}

// RecordUpload records the outcome of an ingestion attempt.
func (m *StorageMetrics) RecordUpload(path string, err error, bytes int64) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.Uploads.WithLabelValues(path, status).Inc()
	if err == nil && bytes > 0 {
		m.UploadBytes.WithLabelValues(path).Add(float64(bytes))
	}
}

// RecordChunk records bytes received for a single chunk.
func (m *StorageMetrics) RecordChunk(bytes int64) {
	if m == nil {
		return
	}
	m.ChunkBytes.Add(float64(bytes))
}

// ObserveMerge records the duration of a merge in seconds.
func (m *StorageMetrics) ObserveMerge(seconds float64) {
	if m == nil {
		return
	}
	m.MergeDuration.Observe(seconds)
}

// RecordPurged records nodes removed permanently from trash.
func (m *StorageMetrics) RecordPurged(nodes int) {
	if m == nil || nodes <= 0 {
		return
	}
	m.TrashPurged.Add(float64(nodes))
}

// RecordSwept records stale chunk sessions removed.
func (m *StorageMetrics) RecordSwept(sessions int) {
	if m == nil || sessions <= 0 {
		return
	}
	m.SessionsSwept.Add(float64(sessions))
}

// SetVolumeAvailable updates the free-space gauge of a volume.
func (m *StorageMetrics) SetVolumeAvailable(volume string, bytes int64) {
	if m == nil {
		return
	}
	m.VolumeAvailable.WithLabelValues(volume).Set(float64(bytes))
}
