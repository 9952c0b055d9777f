package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandler(t *testing.T) {
	oldRegistry := Registry
	Registry = prometheus.NewRegistry()
	defer func() { Registry = oldRegistry }()

	Registry.MustRegister(collectors.NewGoCollector())

	m := NewStorageMetrics(nil)
	m.RecordCommit(false)
	m.RecordSwept(2)
	m.SetVolumeAvailable("/mnt/a", 4096)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, req)

	resp := w.Result()
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	out := string(body)
	assert.Contains(t, out, `skyvault_blob_commits_total{result="new"} 1`)
	assert.Contains(t, out, "skyvault_chunk_sessions_swept_total 2")
	assert.Contains(t, out, `skyvault_volume_available_bytes{volume="/mnt/a"} 4096`)
	assert.Contains(t, out, "go_goroutines")
}
