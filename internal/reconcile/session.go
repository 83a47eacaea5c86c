// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	xglog "github.com/ManuGH/voxtrack/internal/log"
	"github.com/ManuGH/voxtrack/internal/metrics"
	"github.com/ManuGH/voxtrack/internal/model"
	"github.com/ManuGH/voxtrack/internal/stream"
)

// session is everything bound to one token. Fields below the blank line are
// guarded by Coordinator.mu.
type session struct {
	id        string
	token     string
	key       string // token fingerprint, used for logs and the cursor store
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	deb       *debouncer
	sub       *stream.Subscriber
	logger    zerolog.Logger
	startedAt time.Time

	cursor     time.Time
	synced     bool
	authFailed bool
	wasLive    bool
	degraded   bool // in error since the last live connection
}

// resumePoint is where the next connection replays from: the newest event
// seen, or the session start before any event, floored at MaxReplay ago.
func (c *Coordinator) resumePoint(s *session) time.Time {
	c.mu.Lock()
	since := s.cursor
	c.mu.Unlock()
	if since.IsZero() {
		since = s.startedAt
	}
	if floor := c.now().Add(-c.opts.MaxReplay); since.Before(floor) {
		since = floor
	}
	return since
}

func (c *Coordinator) streamLoop(s *session) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.opts.ReconnectInitial
	bo.MaxInterval = c.opts.ReconnectMax
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.2
	bo.Reset()

	for attempt := 0; ; attempt++ {
		if s.ctx.Err() != nil {
			return
		}
		if attempt > 0 {
			metrics.IncStreamReconnect()
		}

		c.mu.Lock()
		s.wasLive = false
		c.mu.Unlock()

		err := s.sub.Run(s.ctx, c.resumePoint(s))

		c.mu.Lock()
		wasLive := s.wasLive
		authFailed := s.authFailed
		current := c.current(s)
		c.mu.Unlock()

		if !current || s.ctx.Err() != nil {
			return
		}
		if authFailed || errors.Is(err, model.ErrAuth) {
			// The session stays in error until the token changes.
			c.setConn(model.ConnError)
			metrics.SetStreamState(string(model.ConnError))
			s.logger.Warn().
				Str(xglog.FieldEvent, "reconcile.stream_stopped").
				Msg("live stream stopped: token rejected")
			return
		}
		if err == nil {
			return
		}

		if wasLive {
			bo.Reset()
		}
		wait := bo.NextBackOff()
		s.logger.Debug().Err(err).
			Str(xglog.FieldEvent, "reconcile.stream_reconnect_scheduled").
			Int(xglog.FieldAttempt, attempt+1).
			Dur("backoff", wait).
			Msg("reconnecting live stream")

		timer := time.NewTimer(wait)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (c *Coordinator) loadCursor(s *session) (time.Time, bool, error) {
	ctx, cancel := c.callContext(s.ctx)
	defer cancel()
	return c.opts.Cursors.Load(ctx, s.key)
}

func (c *Coordinator) persistCursor(ctx context.Context, s *session) {
	c.mu.Lock()
	at := s.cursor
	c.mu.Unlock()
	if at.IsZero() {
		return
	}
	if err := c.opts.Cursors.Save(ctx, s.key, at); err != nil && ctx.Err() == nil {
		s.logger.Warn().Err(err).
			Str(xglog.FieldEvent, "reconcile.cursor_save_failed").
			Msg("could not persist stream cursor")
	}
}

// healthLoop polls the backend health endpoint independent of any session.
func (c *Coordinator) healthLoop(ctx context.Context) {
	c.checkHealth(ctx)
	ticker := time.NewTicker(c.opts.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.checkHealth(ctx)
		}
	}
}

func (c *Coordinator) checkHealth(ctx context.Context) {
	callCtx, cancel := c.callContext(ctx)
	h, err := c.backend.FetchHealth(callCtx)
	cancel()
	if ctx.Err() != nil {
		return
	}

	c.mu.Lock()
	prevErr := c.healthErr
	if err != nil {
		c.health = nil
		c.healthErr = err
	} else {
		c.health = &h
		c.healthErr = nil
	}
	c.mu.Unlock()

	if err != nil {
		for _, sub := range healthSubsystems {
			metrics.SetBackendReady(sub, false)
		}
		if prevErr == nil {
			c.logger.Warn().Err(err).
				Str(xglog.FieldEvent, "reconcile.health_unavailable").
				Msg("backend health unavailable")
		}
		return
	}
	metrics.SetBackendReady("db", h.DBReady)
	metrics.SetBackendReady("storage", h.StorageReady)
	metrics.SetBackendReady("queue", h.QueueReady)
	metrics.SetBackendReady("llm", h.LLMReady)
}

var healthSubsystems = []string{"db", "storage", "queue", "llm"}

// Health returns the last backend health snapshot, or the error of the last
// failed check.
func (c *Coordinator) Health() (*model.ServiceHealth, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.health == nil {
		return nil, c.healthErr
	}
	h := *c.health
	return &h, c.healthErr
}

// Status is a point-in-time view of the coordinator.
type Status struct {
	Session      string                `json:"session,omitempty"`
	Connection   model.ConnectionState `json:"connection"`
	Polling      bool                  `json:"polling"`
	Pending      bool                  `json:"pending"`
	Submissions  int                   `json:"submissions"`
	SyncError    string                `json:"sync_error,omitempty"`
	AuthRequired bool                  `json:"auth_required"`
	LastSync     *time.Time            `json:"last_sync,omitempty"`
	LastEvent    *time.Time            `json:"last_event,omitempty"`
	Health       *model.ServiceHealth  `json:"health,omitempty"`
	HealthError  string                `json:"health_error,omitempty"`
}

// Status reports the current connection, sync and health state.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		Connection:  c.conn,
		Polling:     c.polling,
		Pending:     c.reg.HasPending(),
		Submissions: c.reg.Len(),
	}
	if c.sess == nil {
		st.AuthRequired = true
	} else {
		st.Session = c.sess.id
		st.AuthRequired = c.sess.authFailed
	}
	if c.syncErr != nil {
		st.SyncError = c.syncErr.Error()
	}
	if !c.lastSync.IsZero() {
		t := c.lastSync
		st.LastSync = &t
	}
	if !c.lastEvent.IsZero() {
		t := c.lastEvent
		st.LastEvent = &t
	}
	if c.health != nil {
		h := *c.health
		st.Health = &h
	}
	if c.healthErr != nil {
		st.HealthError = c.healthErr.Error()
	}
	return st
}
