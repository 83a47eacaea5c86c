// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gaugeValue(t *testing.T, g interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

func counterValue(t *testing.T, c interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestSetStreamState_OneHot(t *testing.T) {
	SetStreamState("live")
	assert.Equal(t, 1.0, gaugeValue(t, streamState.WithLabelValues("live")))
	assert.Equal(t, 0.0, gaugeValue(t, streamState.WithLabelValues("error")))

	SetStreamState("error")
	assert.Equal(t, 0.0, gaugeValue(t, streamState.WithLabelValues("live")))
	assert.Equal(t, 1.0, gaugeValue(t, streamState.WithLabelValues("error")))
}

func TestSetCircuitBreakerState_OneHot(t *testing.T) {
	SetCircuitBreakerState("backend-test", "open")
	assert.Equal(t, 1.0, gaugeValue(t, circuitBreakerState.WithLabelValues("backend-test", "open")))
	assert.Equal(t, 0.0, gaugeValue(t, circuitBreakerState.WithLabelValues("backend-test", "closed")))
}

func TestRecordRefresh_Increments(t *testing.T) {
	before := counterValue(t, refreshTotal.WithLabelValues("manual", "success"))
	RecordRefresh("manual", "success", 0.02)
	assert.Equal(t, before+1, counterValue(t, refreshTotal.WithLabelValues("manual", "success")))
}

func TestSetCategoryCounts_MissingIsZero(t *testing.T) {
	SetCategoryCounts(map[string]int{"approved": 3}, []string{"approved", "rejected"})
	assert.Equal(t, 3.0, gaugeValue(t, submissionsByCategory.WithLabelValues("approved")))
	assert.Equal(t, 0.0, gaugeValue(t, submissionsByCategory.WithLabelValues("rejected")))
}

func TestPromhttpExposure(t *testing.T) {
	SetPollingActive(true)
	rec := httptest.NewRecorder()
	promhttp.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "voxtrack_polling_active 1"))
}
