// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package metrics exposes the Prometheus instruments shared across voxtrack.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	submissionsTracked = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voxtrack_submissions_tracked",
		Help: "Number of submissions currently held in the registry",
	})

	submissionsByCategory = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voxtrack_submissions_by_category",
		Help: "Submissions per display category after the last registry change",
	}, []string{"category"}) // queued|processing|approved|rejected|quarantined|unknown

	refreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voxtrack_refresh_total",
		Help: "Snapshot refreshes by trigger and outcome",
	}, []string{"trigger", "outcome"}) // trigger=startup|debounce|poll|action|manual, outcome=success|failure|stale

	refreshDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voxtrack_refresh_duration_seconds",
		Help:    "Duration of snapshot list refreshes",
		Buckets: prometheus.ExponentialBuckets(0.01, 2.0, 10),
	})

	streamEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voxtrack_stream_events_total",
		Help: "Live events received by outcome",
	}, []string{"outcome"}) // applied|duplicate|conflict|unknown_kind|unknown_submission|decode_error

	streamState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voxtrack_stream_state",
		Help: "Live connection state (active state=1; others 0)",
	}, []string{"state"})

	streamReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voxtrack_stream_reconnects_total",
		Help: "Total number of live stream reconnect attempts",
	})

	pollingActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voxtrack_polling_active",
		Help: "Whether the polling fallback is currently active (1) or not (0)",
	})

	timelineLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voxtrack_timeline_loads_total",
		Help: "Timeline reads by source",
	}, []string{"source"}) // cache|backend|error

	backendHealthy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voxtrack_backend_ready",
		Help: "Readiness flags reported by the backend health endpoint",
	}, []string{"subsystem"})

	exportWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voxtrack_status_export_total",
		Help: "Status snapshot file writes by outcome",
	}, []string{"outcome"})
)

var connectionStates = []string{"idle", "connecting", "live", "error"}

// SetSubmissionsTracked sets the registry size gauge.
func SetSubmissionsTracked(n int) {
	submissionsTracked.Set(float64(n))
}

// SetCategoryCounts replaces the per-category gauge values.
func SetCategoryCounts(counts map[string]int, categories []string) {
	for _, c := range categories {
		submissionsByCategory.WithLabelValues(c).Set(float64(counts[c]))
	}
}

// RecordRefresh counts one snapshot refresh.
func RecordRefresh(trigger, outcome string, seconds float64) {
	refreshTotal.WithLabelValues(trigger, outcome).Inc()
	if seconds > 0 {
		refreshDuration.Observe(seconds)
	}
}

// RecordStreamEvent counts one live event by how it was handled.
func RecordStreamEvent(outcome string) {
	streamEventsTotal.WithLabelValues(outcome).Inc()
}

// SetStreamState marks the active live connection state.
func SetStreamState(state string) {
	for _, s := range connectionStates {
		value := 0.0
		if s == state {
			value = 1.0
		}
		streamState.WithLabelValues(s).Set(value)
	}
}

// IncStreamReconnect counts one reconnect attempt.
func IncStreamReconnect() {
	streamReconnects.Inc()
}

// SetPollingActive toggles the polling gauge.
func SetPollingActive(active bool) {
	if active {
		pollingActive.Set(1)
		return
	}
	pollingActive.Set(0)
}

// RecordTimelineLoad counts a timeline read by source.
func RecordTimelineLoad(source string) {
	timelineLoads.WithLabelValues(source).Inc()
}

// SetBackendReady records one readiness flag from the health endpoint.
func SetBackendReady(subsystem string, ready bool) {
	v := 0.0
	if ready {
		v = 1.0
	}
	backendHealthy.WithLabelValues(subsystem).Set(v)
}

// RecordExport counts a status file write.
func RecordExport(outcome string) {
	exportWrites.WithLabelValues(outcome).Inc()
}
