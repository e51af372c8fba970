package observability

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsExposeObservations(t *testing.T) {
	m := NewMetrics()
	m.ObserveHTTP("/v1/tasks/{id}", "GET", 200, 10*time.Millisecond)
	m.ObserveStore("taskStatus", 200, 50*time.Millisecond)
	m.ObserveStore("", 0, time.Millisecond)
	m.ObserveTaskPoll("7", true)
	m.IncUploadFallback(false)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, `annostore_http_requests_total{method="GET",route="/v1/tasks/{id}",status="200"} 1`)
	assert.Contains(t, text, `annostore_store_requests_total{operation="taskStatus",status="200"} 1`)
	assert.Contains(t, text, `annostore_store_requests_total{operation="unknown",status="0"} 1`)
	assert.Contains(t, text, `annostore_task_polls_total{running="true"} 1`)
	assert.Contains(t, text, `annostore_upload_legacy_fallback_total{merge="false"} 1`)
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.ObserveHTTP("/", "GET", 200, time.Millisecond)
	m.ObserveStore("getId", 200, time.Millisecond)
	m.ObserveTaskPoll("1", false)
	m.IncUploadFallback(true)
}
