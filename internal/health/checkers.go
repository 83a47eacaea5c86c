// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package health

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/ManuGH/voxtrack/internal/model"
	"github.com/ManuGH/voxtrack/internal/reconcile"
)

// SessionChecker reports the tracking session. No session or a rejected token
// is unhealthy; a stream outage or a failed snapshot is degraded.
type SessionChecker struct {
	status func() reconcile.Status
}

// NewSessionChecker creates a checker over the coordinator status.
func NewSessionChecker(status func() reconcile.Status) *SessionChecker {
	return &SessionChecker{status: status}
}

func (c *SessionChecker) Name() string {
	return "session"
}

func (c *SessionChecker) Check(_ context.Context) CheckResult {
	st := c.status()
	switch {
	case st.AuthRequired:
		return CheckResult{Status: StatusUnhealthy, Message: "no valid bearer token"}
	case st.Connection == model.ConnError && st.Polling:
		return CheckResult{Status: StatusDegraded, Message: "live stream down, polling"}
	case st.Connection == model.ConnError:
		return CheckResult{Status: StatusDegraded, Message: "live stream down"}
	case st.SyncError != "":
		return CheckResult{Status: StatusDegraded, Error: st.SyncError, Message: "last snapshot failed"}
	}
	return CheckResult{Status: StatusHealthy, Message: fmt.Sprintf("stream %s", st.Connection)}
}

// LastSyncChecker checks that a snapshot was applied recently.
type LastSyncChecker struct {
	status func() reconcile.Status
	maxAge time.Duration
}

// NewLastSyncChecker creates a checker that degrades once the last
// successful snapshot is older than maxAge.
func NewLastSyncChecker(status func() reconcile.Status, maxAge time.Duration) *LastSyncChecker {
	return &LastSyncChecker{status: status, maxAge: maxAge}
}

func (c *LastSyncChecker) Name() string {
	return "last_sync"
}

func (c *LastSyncChecker) Check(_ context.Context) CheckResult {
	st := c.status()
	if st.LastSync == nil {
		return CheckResult{Status: StatusUnhealthy, Message: "no successful snapshot yet", Error: st.SyncError}
	}
	if c.maxAge > 0 && time.Since(*st.LastSync) > c.maxAge {
		return CheckResult{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("last successful snapshot over %s ago", c.maxAge),
		}
	}
	return CheckResult{Status: StatusHealthy, Message: "last snapshot successful"}
}

// BackendChecker reports the backend's own health snapshot. It never makes
// the daemon unready: backend health is informational.
type BackendChecker struct {
	health func() (*model.ServiceHealth, error)
}

// NewBackendChecker creates a checker over the last polled backend health.
func NewBackendChecker(health func() (*model.ServiceHealth, error)) *BackendChecker {
	return &BackendChecker{health: health}
}

func (c *BackendChecker) Name() string {
	return "backend"
}

func (c *BackendChecker) Check(_ context.Context) CheckResult {
	h, err := c.health()
	if err != nil {
		return CheckResult{Status: StatusDegraded, Error: err.Error(), Message: "backend health unavailable"}
	}
	if h == nil {
		return CheckResult{Status: StatusDegraded, Message: "backend health not checked yet"}
	}
	var down []string
	for name, ready := range map[string]bool{"db": h.DBReady, "storage": h.StorageReady, "queue": h.QueueReady, "llm": h.LLMReady} {
		if !ready {
			down = append(down, name)
		}
	}
	if len(down) > 0 {
		slices.Sort(down)
		return CheckResult{Status: StatusDegraded, Message: fmt.Sprintf("backend subsystems not ready: %v", down)}
	}
	return CheckResult{Status: StatusHealthy, Message: h.Status}
}

// DirChecker checks that the directory holding a file is writable. An empty
// path is an unconfigured optional feature.
type DirChecker struct {
	name string
	path string
}

// NewDirChecker creates a checker for the parent directory of path.
func NewDirChecker(name, path string) *DirChecker {
	return &DirChecker{name: name, path: path}
}

func (c *DirChecker) Name() string {
	return c.name
}

func (c *DirChecker) Check(_ context.Context) CheckResult {
	if c.path == "" {
		return CheckResult{Status: StatusHealthy, Message: "not configured (optional)"}
	}
	dir := filepath.Dir(c.path)
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return CheckResult{Status: StatusUnhealthy, Error: "directory not found", Message: dir}
		}
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	if !info.IsDir() {
		return CheckResult{Status: StatusUnhealthy, Error: "expected directory", Message: dir}
	}
	f, err := os.CreateTemp(dir, ".voxtrack-health-*")
	if err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error(), Message: "directory not writable"}
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return CheckResult{Status: StatusHealthy, Message: "directory writable"}
}
