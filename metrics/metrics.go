package metrics

import (
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"

	"auto_feed_publisher/config"
	"auto_feed_publisher/errtrack"
)

var enabled atomic.Bool

// Init enables collection and serves the metrics endpoint in the background.
func Init(cfg config.MetricsConfig) error {
	if !cfg.Enabled {
		log.Printf("[METRICS] Metrics collection is disabled")
		enabled.Store(false)
		return nil
	}
	enabled.Store(true)

	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w, true)
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	errtrack.SafeGo(log.Default(), "metrics server", func() {
		log.Printf("[METRICS] Starting metrics server on %s%s", cfg.Addr, path)
		if err := http.ListenAndServe(cfg.Addr, mux); err != nil {
			log.Printf("[METRICS] Error starting metrics server: %v", err)
		}
	})
	return nil
}

func IsEnabled() bool {
	return enabled.Load()
}

// RecordPublish counts dispatch outcomes: published or failed.
func RecordPublish(outcome string, took time.Duration) {
	if !IsEnabled() {
		return
	}
	metrics.GetOrCreateCounter(`autopub_publish_total{outcome="` + outcome + `"}`).Inc()
	metrics.GetOrCreateHistogram(`autopub_publish_duration_seconds`).Update(took.Seconds())
}

// RecordEnqueue counts new items by source: manual or cycle.
func RecordEnqueue(source string) {
	if !IsEnabled() {
		return
	}
	metrics.GetOrCreateCounter(`autopub_items_enqueued_total{source="` + source + `"}`).Inc()
}

// RecordGeneration counts generation rounds by outcome.
func RecordGeneration(outcome string, took time.Duration) {
	if !IsEnabled() {
		return
	}
	metrics.GetOrCreateCounter(`autopub_generation_total{outcome="` + outcome + `"}`).Inc()
	metrics.GetOrCreateHistogram(`autopub_generation_duration_seconds`).Update(took.Seconds())
}

func RecordExtractionFallback() {
	if !IsEnabled() {
		return
	}
	metrics.GetOrCreateCounter(`autopub_extraction_fallback_total`).Inc()
}

func RecordCycleCapped() {
	if !IsEnabled() {
		return
	}
	metrics.GetOrCreateCounter(`autopub_cycle_capped_total`).Inc()
}

// RecordCycleStalled counts cycles that exhausted their generation retries.
func RecordCycleStalled() {
	if !IsEnabled() {
		return
	}
	metrics.GetOrCreateCounter(`autopub_cycle_stalled_total`).Inc()
	log.Printf("[METRICS] cycle stalled")
}

// RecordEvent counts broker notifications.
func RecordEvent(kind string, success bool) {
	if !IsEnabled() {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	metrics.GetOrCreateCounter(`autopub_events_total{kind="` + kind + `",status="` + status + `"}`).Inc()
}

// RegisterQueueGauges exposes queue depth read through the given callbacks.
func RegisterQueueGauges(pending, failed func() float64) {
	if !IsEnabled() {
		return
	}
	metrics.GetOrCreateGauge(`autopub_queue_items{status="pending"}`, pending)
	metrics.GetOrCreateGauge(`autopub_queue_items{status="failed"}`, failed)
}
