package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestStorageMetrics_Record(t *testing.T) {
	m := NewStorageMetrics(prometheus.NewRegistry())

	m.RecordCommit(false)
	m.RecordCommit(true)
	m.RecordCommit(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BlobCommits.WithLabelValues("new")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.BlobCommits.WithLabelValues("dedup")))

	m.RecordUpload(PathWhole, nil, 100)
	m.RecordUpload(PathWhole, errors.New("boom"), 100)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Uploads.WithLabelValues(PathWhole, "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Uploads.WithLabelValues(PathWhole, "error")))
	assert.Equal(t, 100.0, testutil.ToFloat64(m.UploadBytes.WithLabelValues(PathWhole)))

	m.RecordReclaim(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BlobsReclaimed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BlobsMissing))

	m.RecordPurged(3)
	m.RecordPurged(0)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.TrashPurged))

	m.SetVolumeAvailable("/data/a", 42)
	assert.Equal(t, 42.0, testutil.ToFloat64(m.VolumeAvailable.WithLabelValues("/data/a")))
}

func TestStorageMetrics_NilIsSafe(t *testing.T) {
	var m *StorageMetrics
	assert.NotPanics(t, func() {
		m.RecordCommit(true)
		m.RecordReclaim(false)
		m.RecordUpload(PathFast, nil, 1)
		m.RecordChunk(1)
		m.ObserveMerge(0.1)
		m.RecordPurged(1)
		m.RecordSwept(1)
		m.SetVolumeAvailable("v", 1)
	})
}
