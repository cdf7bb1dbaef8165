package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollector(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	assert.NotNil(t, collector, "NewCollector should return a non-nil collector")
	assert.NotNil(t, collector.docsProcessed, "docsProcessed counter should be initialized")
	assert.NotNil(t, collector.docsInvalid, "docsInvalid counter should be initialized")
	assert.NotNil(t, collector.checkpoints, "checkpoints counter should be initialized")
	assert.NotNil(t, collector.moduleRuns, "moduleRuns counter should be initialized")
	assert.NotNil(t, collector.docLatency, "docLatency histogram should be initialized")
	assert.NotNil(t, collector.inFlight, "inFlight gauge should be initialized")
	assert.NotNil(t, collector.buffered, "buffered gauge should be initialized")
	assert.NotNil(t, collector.recoveryTime, "recoveryTime gauge should be initialized")
}

func TestNewCollectorDefaultRegistry(t *testing.T) {
	// Reset Prometheus registry to avoid duplicate registration
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	assert.NotPanics(t, func() {
		NewCollector(nil)
	})
}

func TestRecordDocument(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	latencies := []time.Duration{time.Millisecond, 10 * time.Millisecond, time.Second}
	for _, latency := range latencies {
		collector.RecordDocument("tokens", latency, false)
	}
	collector.RecordDocument("tokens", time.Millisecond, true)

	assert.Equal(t, 4.0, testutil.ToFloat64(collector.docsProcessed.WithLabelValues("tokens")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.docsInvalid.WithLabelValues("tokens")))
	assert.Equal(t, 0.0, testutil.ToFloat64(collector.docsProcessed.WithLabelValues("other")))
}

func TestRecordModuleRun(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	collector.RecordModuleRun("tokens", ResultCompleted)
	collector.RecordModuleRun("tokens", ResultFailed)
	collector.RecordModuleRun("tokens", ResultFailed)

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.moduleRuns.WithLabelValues("tokens", ResultCompleted)))
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.moduleRuns.WithLabelValues("tokens", ResultFailed)))
}

func TestGauges(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	collector.UpdateQueueStats("tokens", 8, 3)
	assert.Equal(t, 8.0, testutil.ToFloat64(collector.inFlight.WithLabelValues("tokens")))
	assert.Equal(t, 3.0, testutil.ToFloat64(collector.buffered.WithLabelValues("tokens")))

	collector.UpdateQueueStats("tokens", 0, 0)
	assert.Equal(t, 0.0, testutil.ToFloat64(collector.inFlight.WithLabelValues("tokens")))

	collector.SetRecoveryTime("tokens", 1500*time.Millisecond)
	assert.Equal(t, 1.5, testutil.ToFloat64(collector.recoveryTime.WithLabelValues("tokens")))

	collector.RecordCheckpoint("tokens")
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.checkpoints.WithLabelValues("tokens")))
}

func TestNilCollectorIsNoop(t *testing.T) {
	var collector *Collector
	assert.NotPanics(t, func() {
		collector.RecordDocument("m", time.Second, true)
		collector.RecordCheckpoint("m")
		collector.RecordModuleRun("m", ResultCompleted)
		collector.UpdateQueueStats("m", 1, 1)
		collector.SetRecoveryTime("m", time.Second)
	})
}

func TestHandlerExposesMetrics(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())
	collector.RecordDocument("tokens", time.Millisecond, false)

	srv := httptest.NewServer(collector.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `docpipe_documents_processed_total{module="tokens"} 1`)
}
