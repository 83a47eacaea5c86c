// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/voxtrack/internal/config"
	"github.com/ManuGH/voxtrack/internal/model"
	"github.com/ManuGH/voxtrack/internal/reconcile"
)

type mockChecker struct {
	name   string
	status Status
}

func (m *mockChecker) Name() string {
	return m.name
}

func (m *mockChecker) Check(_ context.Context) CheckResult {
	return CheckResult{Status: m.status}
}

func TestManager_Health(t *testing.T) {
	m := NewManager("v1.0.0")

	resp := m.Health(context.Background(), false)
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.Equal(t, "v1.0.0", resp.Version)
	assert.GreaterOrEqual(t, resp.Uptime, int64(0))
	assert.Nil(t, resp.Checks)

	m.RegisterChecker(&mockChecker{name: "healthy", status: StatusHealthy})
	m.RegisterChecker(&mockChecker{name: "degraded", status: StatusDegraded})

	resp = m.Health(context.Background(), false)
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.Nil(t, resp.Checks)

	resp = m.Health(context.Background(), true)
	assert.Equal(t, StatusDegraded, resp.Status)
	assert.Len(t, resp.Checks, 2)
}

func TestManager_Ready(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		ready    bool
		overall  Status
	}{
		{"no checkers", nil, true, StatusHealthy},
		{"all healthy", []Status{StatusHealthy, StatusHealthy}, true, StatusHealthy},
		{"degraded", []Status{StatusHealthy, StatusDegraded}, true, StatusDegraded},
		{"unhealthy wins", []Status{StatusUnhealthy, StatusDegraded}, false, StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager("test")
			for i, s := range tt.statuses {
				m.RegisterChecker(&mockChecker{name: string(rune('a' + i)), status: s})
			}
			resp := m.Ready(context.Background())
			assert.Equal(t, tt.ready, resp.Ready)
			assert.Equal(t, tt.overall, resp.Status)
		})
	}
}

func TestManager_ServeHealth(t *testing.T) {
	m := NewManager("v1.0.0")
	m.RegisterChecker(&mockChecker{name: "test", status: StatusUnhealthy})

	rec := httptest.NewRecorder()
	m.ServeHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz?verbose=true", nil))

	assert.Equal(t, http.StatusOK, rec.Code, "liveness is always 200")
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, StatusUnhealthy, resp.Status)
	assert.Contains(t, resp.Checks, "test")
}

func TestManager_ServeReady(t *testing.T) {
	for status, code := range map[Status]int{
		StatusHealthy:   http.StatusOK,
		StatusDegraded:  http.StatusOK,
		StatusUnhealthy: http.StatusServiceUnavailable,
	} {
		m := NewManager("test")
		m.RegisterChecker(&mockChecker{name: "test", status: status})
		rec := httptest.NewRecorder()
		m.ServeReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		assert.Equal(t, code, rec.Code, status)

		var resp ReadinessResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.Equal(t, status, resp.Status)
	}
}

func TestSessionChecker(t *testing.T) {
	tests := []struct {
		name string
		st   reconcile.Status
		want Status
	}{
		{"logged out", reconcile.Status{AuthRequired: true, Connection: model.ConnIdle}, StatusUnhealthy},
		{"live", reconcile.Status{Connection: model.ConnLive}, StatusHealthy},
		{"polling", reconcile.Status{Connection: model.ConnError, Polling: true}, StatusDegraded},
		{"sync failed", reconcile.Status{Connection: model.ConnLive, SyncError: "transport"}, StatusDegraded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewSessionChecker(func() reconcile.Status { return tt.st })
			assert.Equal(t, "session", c.Name())
			assert.Equal(t, tt.want, c.Check(context.Background()).Status)
		})
	}
}

func TestLastSyncChecker(t *testing.T) {
	var st reconcile.Status
	c := NewLastSyncChecker(func() reconcile.Status { return st }, time.Minute)

	assert.Equal(t, StatusUnhealthy, c.Check(context.Background()).Status)

	recent := time.Now().Add(-time.Second)
	st.LastSync = &recent
	assert.Equal(t, StatusHealthy, c.Check(context.Background()).Status)

	old := time.Now().Add(-time.Hour)
	st.LastSync = &old
	assert.Equal(t, StatusDegraded, c.Check(context.Background()).Status)
}

func TestBackendChecker(t *testing.T) {
	var (
		h   *model.ServiceHealth
		err error
	)
	c := NewBackendChecker(func() (*model.ServiceHealth, error) { return h, err })

	assert.Equal(t, StatusDegraded, c.Check(context.Background()).Status)

	h = &model.ServiceHealth{Status: "ok", DBReady: true, StorageReady: true, QueueReady: true, LLMReady: true}
	assert.Equal(t, StatusHealthy, c.Check(context.Background()).Status)

	h.LLMReady = false
	h.QueueReady = false
	res := c.Check(context.Background())
	assert.Equal(t, StatusDegraded, res.Status)
	assert.Contains(t, res.Message, "[llm queue]")

	h, err = nil, errors.New("connection refused")
	res = c.Check(context.Background())
	assert.Equal(t, StatusDegraded, res.Status)
	assert.Equal(t, "connection refused", res.Error)
}

func TestDirChecker(t *testing.T) {
	dir := t.TempDir()

	assert.Equal(t, StatusHealthy, NewDirChecker("export", "").Check(context.Background()).Status)
	assert.Equal(t, StatusHealthy, NewDirChecker("export", filepath.Join(dir, "status.json")).Check(context.Background()).Status)
	assert.Equal(t, StatusUnhealthy, NewDirChecker("export", filepath.Join(dir, "missing", "status.json")).Check(context.Background()).Status)

	file := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
	assert.Equal(t, StatusUnhealthy, NewDirChecker("export", filepath.Join(file, "status.json")).Check(context.Background()).Status)
}

func TestPerformStartupChecks(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.Cursor.Backend = "sqlite"
	cfg.Cursor.Path = filepath.Join(dir, "state")
	cfg.Export.StatusFile = filepath.Join(dir, "export", "status.json")
	cfg.Auth.TokenFile = filepath.Join(dir, "token")

	require.NoError(t, PerformStartupChecks(context.Background(), cfg))
	_, err := os.Stat(filepath.Join(dir, "state"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "export"))
	assert.NoError(t, err)

	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))
	cfg.Export.StatusFile = filepath.Join(blocker, "status.json")
	assert.Error(t, PerformStartupChecks(context.Background(), cfg))
}
