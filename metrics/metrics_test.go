package metrics

import (
	"bytes"
	"testing"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auto_feed_publisher/config"
)

func TestDisabledMetricsAreNoops(t *testing.T) {
	require.NoError(t, Init(config.MetricsConfig{Enabled: false}))
	assert.False(t, IsEnabled())

	RecordPublish("disabled_outcome", time.Second)

	var buf bytes.Buffer
	metrics.WritePrometheus(&buf, false)
	assert.NotContains(t, buf.String(), "disabled_outcome")
}

func TestRecordersWriteSeries(t *testing.T) {
	require.NoError(t, Init(config.MetricsConfig{Enabled: true, Addr: "127.0.0.1:0"}))
	t.Cleanup(func() { enabled.Store(false) })
	assert.True(t, IsEnabled())

	RecordPublish("published", 120*time.Millisecond)
	RecordEnqueue("manual")
	RecordGeneration("ok", time.Second)
	RecordExtractionFallback()
	RecordCycleCapped()
	RecordCycleStalled()
	RecordEvent("published", true)
	RegisterQueueGauges(func() float64 { return 3 }, func() float64 { return 1 })

	var buf bytes.Buffer
	metrics.WritePrometheus(&buf, false)
	out := buf.String()
	assert.Contains(t, out, `autopub_publish_total{outcome="published"}`)
	assert.Contains(t, out, `autopub_items_enqueued_total{source="manual"}`)
	assert.Contains(t, out, `autopub_cycle_stalled_total`)
	assert.Contains(t, out, `autopub_events_total{kind="published",status="success"}`)
	assert.Contains(t, out, `autopub_queue_items{status="pending"} 3`)
}
