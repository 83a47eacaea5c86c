// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package reconcile merges live events with periodic snapshots into the
// submission registry and event log for one authenticated session at a time.
package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/ManuGH/voxtrack/internal/classify"
	"github.com/ManuGH/voxtrack/internal/cursor"
	"github.com/ManuGH/voxtrack/internal/eventlog"
	xglog "github.com/ManuGH/voxtrack/internal/log"
	"github.com/ManuGH/voxtrack/internal/metrics"
	"github.com/ManuGH/voxtrack/internal/model"
	"github.com/ManuGH/voxtrack/internal/registry"
	"github.com/ManuGH/voxtrack/internal/stream"
	"github.com/ManuGH/voxtrack/internal/telemetry"
)

// ErrClosed is returned by Start after Close.
var ErrClosed = errors.New("reconcile: coordinator closed")

// Backend is the subset of the backend client the coordinator drives.
type Backend interface {
	stream.Source
	FetchList(ctx context.Context, token string) ([]model.Submission, error)
	FetchSubmission(ctx context.Context, token, id string) (model.Submission, error)
	FetchEvents(ctx context.Context, token, id string) ([]model.Event, error)
	FetchHealth(ctx context.Context) (model.ServiceHealth, error)
	Reprocess(ctx context.Context, token, id string) error
	Delete(ctx context.Context, token, id string) error
}

// SyncView is handed to the sync hook after every applied snapshot.
type SyncView struct {
	At          time.Time
	Connection  model.ConnectionState
	Submissions []model.Submission
}

// Options tunes the coordinator. Zero values take the defaults below.
type Options struct {
	DebounceWindow   time.Duration
	DebounceMaxWait  time.Duration
	PollInterval     time.Duration
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	MaxReplay        time.Duration
	HealthInterval   time.Duration
	CallTimeout      time.Duration

	Cursors cursor.Store
	OnSync  func(SyncView)
	Logger  *zerolog.Logger
}

const (
	defaultDebounceWindow   = 600 * time.Millisecond
	defaultDebounceMaxWait  = 3 * time.Second
	defaultPollInterval     = 5 * time.Second
	defaultReconnectInitial = time.Second
	defaultReconnectMax     = 30 * time.Second
	defaultMaxReplay        = 10 * time.Minute
	defaultHealthInterval   = 30 * time.Second
	defaultCallTimeout      = 10 * time.Second
)

func (o Options) withDefaults() Options {
	def := func(v *time.Duration, d time.Duration) {
		if *v <= 0 {
			*v = d
		}
	}
	def(&o.DebounceWindow, defaultDebounceWindow)
	def(&o.DebounceMaxWait, defaultDebounceMaxWait)
	def(&o.PollInterval, defaultPollInterval)
	def(&o.ReconnectInitial, defaultReconnectInitial)
	def(&o.ReconnectMax, defaultReconnectMax)
	def(&o.MaxReplay, defaultMaxReplay)
	def(&o.HealthInterval, defaultHealthInterval)
	def(&o.CallTimeout, defaultCallTimeout)
	if o.Cursors == nil {
		o.Cursors = cursor.NewMemoryStore()
	}
	return o
}

// Coordinator owns the reconciliation state machine.
type Coordinator struct {
	backend Backend
	reg     *registry.Registry
	events  *eventlog.Cache
	opts    Options
	logger  zerolog.Logger
	group   singleflight.Group
	now     func() time.Time

	// switchMu serializes session transitions.
	switchMu sync.Mutex

	mu         sync.Mutex
	sess       *session
	base       context.Context
	baseCancel context.CancelFunc
	bg         sync.WaitGroup
	closed     bool
	conn       model.ConnectionState
	polling    bool
	syncErr    error
	lastSync   time.Time
	lastEvent  time.Time
	eventSeq   uint64
	health     *model.ServiceHealth
	healthErr  error
}

// New creates an idle coordinator with empty stores.
func New(backend Backend, opts Options) *Coordinator {
	opts = opts.withDefaults()
	logger := xglog.WithComponent("reconcile")
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Coordinator{
		backend: backend,
		reg:     registry.New(),
		events:  eventlog.New(),
		opts:    opts,
		logger:  logger,
		now:     time.Now,
		conn:    model.ConnIdle,
	}
}

// Start begins tracking for token under ctx. A failed initial snapshot is
// recorded (see Status) and does not stop the live subscription or polling.
func (c *Coordinator) Start(ctx context.Context, token string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.base != nil {
		c.mu.Unlock()
		c.OnTokenChange(token)
		return nil
	}
	c.base, c.baseCancel = context.WithCancel(ctx)
	base := c.base
	c.bg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.bg.Done()
		c.healthLoop(base)
	}()

	c.OnTokenChange(token)
	return nil
}

// OnTokenChange ends the current session, clears all tracked state and, for a
// non-empty token, starts a new session. An unchanged token is a no-op.
func (c *Coordinator) OnTokenChange(token string) {
	c.switchMu.Lock()
	defer c.switchMu.Unlock()

	c.mu.Lock()
	if c.closed || c.base == nil {
		c.mu.Unlock()
		return
	}
	old := c.sess
	if old != nil && old.token == token {
		c.mu.Unlock()
		return
	}
	c.sess = nil
	base := c.base
	c.mu.Unlock()

	if old != nil {
		c.teardown(old)
	}
	c.resetState()

	if token == "" {
		c.logger.Info().Str(xglog.FieldEvent, "reconcile.session_ended").Msg("no token, tracking idle")
		return
	}

	s := c.newSession(base, token)
	c.mu.Lock()
	c.sess = s
	c.mu.Unlock()

	s.logger.Info().Str(xglog.FieldEvent, "reconcile.session_started").Msg("session started")

	if at, ok, err := c.loadCursor(s); err != nil {
		s.logger.Warn().Err(err).Str(xglog.FieldEvent, "reconcile.cursor_load_failed").Msg("stream cursor unavailable")
	} else if ok {
		c.mu.Lock()
		s.cursor = at
		c.mu.Unlock()
	}

	// A startup failure is kept in syncErr; the subscriber and polling still start.
	_ = c.refresh(s.ctx, s, "startup")

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		c.streamLoop(s)
	}()
	go func() {
		defer s.wg.Done()
		c.pollLoop(s)
	}()
}

// Close tears down the session and background loops. It is idempotent.
func (c *Coordinator) Close() error {
	c.switchMu.Lock()
	defer c.switchMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	old := c.sess
	c.sess = nil
	cancel := c.baseCancel
	c.mu.Unlock()

	if old != nil {
		c.teardown(old)
	}
	if cancel != nil {
		cancel()
	}
	c.bg.Wait()
	c.setConn(model.ConnIdle)
	return c.opts.Cursors.Close()
}

func (c *Coordinator) newSession(base context.Context, token string) *session {
	ctx, cancel := context.WithCancel(base)
	s := &session{
		id:        uuid.NewString(),
		token:     token,
		key:       xglog.TokenFingerprint(token),
		cancel:    cancel,
		startedAt: c.now(),
	}
	ctx = xglog.ContextWithSessionID(ctx, s.id)
	s.ctx = ctx
	s.logger = c.logger.With().
		Str(xglog.FieldSessionID, s.id).
		Str(xglog.FieldToken, s.key).
		Logger()
	s.deb = newDebouncer(c.opts.DebounceWindow, c.opts.DebounceMaxWait, &s.wg, func() {
		_ = c.refresh(s.ctx, s, "debounce")
	})
	s.sub = stream.NewSubscriber(c.backend, token,
		stream.WithEventHandler(func(ev model.Event) { c.handleEvent(s, ev) }),
		stream.WithStateHandler(func(st model.ConnectionState, err error) { c.handleState(s, st, err) }),
		stream.WithLogger(s.logger.With().Str(xglog.FieldComponent, "stream").Logger()),
	)
	return s
}

// teardown stops every task of s and waits for them. The caller must have
// detached s from c.sess first so late results are discarded.
func (c *Coordinator) teardown(s *session) {
	s.deb.stop()
	s.sub.Close()
	s.cancel()
	s.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.CallTimeout)
	defer cancel()
	c.persistCursor(ctx, s)
	s.logger.Info().Str(xglog.FieldEvent, "reconcile.session_closed").Msg("session closed")
}

func (c *Coordinator) resetState() {
	c.mu.Lock()
	c.reg.Clear()
	c.events.Clear()
	c.syncErr = nil
	c.lastSync = time.Time{}
	c.lastEvent = time.Time{}
	c.polling = false
	c.mu.Unlock()
	c.setConn(model.ConnIdle)
	metrics.SetPollingActive(false)
	c.publishCounts()
}

func (c *Coordinator) current(s *session) bool {
	return c.sess == s && !c.closed
}

func (c *Coordinator) active() *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

func (c *Coordinator) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.opts.CallTimeout)
}

// sharedContext is the context for a call other callers may join. It ends
// with the session, not with the caller that happened to start it, and keeps
// that caller's trace.
func sharedContext(caller context.Context, s *session) context.Context {
	return trace.ContextWithSpanContext(s.ctx, trace.SpanContextFromContext(caller))
}

// handleEvent runs on the subscriber goroutine. It is applied under c.mu so a
// concurrent teardown either sees it complete or never sees it start.
func (c *Coordinator) handleEvent(s *session, ev model.Event) {
	c.mu.Lock()
	if !c.current(s) {
		c.mu.Unlock()
		return
	}
	if ev.Timestamp.After(s.cursor) {
		s.cursor = ev.Timestamp
	}
	if !c.events.Record(ev) {
		c.mu.Unlock()
		metrics.RecordStreamEvent("duplicate")
		s.logger.Debug().
			Str(xglog.FieldEvent, "reconcile.event_duplicate").
			Str(xglog.FieldEventID, ev.ID).
			Msg("duplicate event ignored")
		return
	}
	c.lastEvent = c.now()

	outcome := "applied"
	fetchUnknown := false
	if p, ok := model.PatchFor(ev); !ok {
		outcome = "unknown_kind"
	} else if _, err := c.reg.Patch(ev.SubmissionID, p); err != nil {
		switch {
		case errors.Is(err, model.ErrNotFound):
			outcome = "unknown_submission"
			fetchUnknown = true
		case errors.Is(err, model.ErrConflict):
			outcome = "conflict"
			s.logger.Warn().Err(err).
				Str(xglog.FieldEvent, "reconcile.patch_conflict").
				Str(xglog.FieldSubmissionID, ev.SubmissionID).
				Str(xglog.FieldEventID, ev.ID).
				Str(xglog.FieldEventName, ev.Name).
				Msg("discarding out-of-order event")
		default:
			outcome = "error"
		}
	} else {
		c.eventSeq++
	}
	if fetchUnknown {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			c.fetchUnknown(s, ev.SubmissionID)
		}()
	}
	c.mu.Unlock()

	metrics.RecordStreamEvent(outcome)
	if outcome == "applied" {
		if mp, ok := ev.Payload.(model.ModeratedPayload); ok {
			s.logger.Info().
				Str(xglog.FieldEvent, "reconcile.moderation_result").
				Str(xglog.FieldSubmissionID, ev.SubmissionID).
				Str("result", string(mp.Result)).
				Strs("categories", mp.FlaggedCategories()).
				Msg("moderation result applied")
		}
		c.publishCounts()
	}
	s.deb.trigger()
}

func (c *Coordinator) fetchUnknown(s *session, id string) {
	_, err, _ := c.group.Do("submission:"+s.id+":"+id, func() (any, error) {
		ctx, cancel := c.callContext(s.ctx)
		defer cancel()
		sub, err := c.backend.FetchSubmission(ctx, s.token, id)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if c.current(s) {
			c.reg.Upsert(sub)
		}
		c.mu.Unlock()
		return nil, nil
	})
	if err != nil && s.ctx.Err() == nil {
		s.logger.Warn().Err(err).
			Str(xglog.FieldEvent, "reconcile.unknown_fetch_failed").
			Str(xglog.FieldSubmissionID, id).
			Msg("could not fetch submission referenced by event")
		return
	}
	c.publishCounts()
}

// handleState runs on the subscriber goroutine.
func (c *Coordinator) handleState(s *session, st model.ConnectionState, err error) {
	c.mu.Lock()
	if !c.current(s) {
		c.mu.Unlock()
		return
	}
	lost, restored := false, false
	switch st {
	case model.ConnLive:
		s.wasLive = true
		c.polling = false
		restored = s.degraded
		s.degraded = false
	case model.ConnError:
		if errors.Is(err, model.ErrAuth) {
			s.authFailed = true
			c.polling = false
			if c.syncErr == nil {
				c.syncErr = err
			}
		} else {
			c.polling = !s.authFailed
		}
		lost = !s.degraded
		s.degraded = true
	}
	c.conn = st
	polling := c.polling
	c.mu.Unlock()

	metrics.SetPollingActive(polling)

	switch {
	case lost:
		s.logger.Warn().Err(err).
			Str(xglog.FieldEvent, "reconcile.stream_lost").
			Bool("polling", polling).
			Msg("live stream lost")
	case restored:
		// Events missed while down are covered by a fresh snapshot.
		s.logger.Info().Str(xglog.FieldEvent, "reconcile.stream_restored").Msg("live stream restored")
		s.deb.trigger()
	}
}

func (c *Coordinator) setConn(st model.ConnectionState) {
	c.mu.Lock()
	c.conn = st
	c.mu.Unlock()
}

// refresh fetches the list and applies it as the authoritative snapshot.
// Concurrent refreshes for one session share a single request.
func (c *Coordinator) refresh(ctx context.Context, s *session, trigger string) error {
	start := c.now()
	_, err, _ := c.group.Do("list:"+s.id, func() (any, error) {
		return nil, c.doRefresh(sharedContext(ctx, s), s, trigger)
	})
	outcome := "success"
	switch {
	case errors.Is(err, errStale):
		outcome = "stale"
		err = nil
	case err != nil:
		outcome = "failure"
	}
	metrics.RecordRefresh(trigger, outcome, c.now().Sub(start).Seconds())
	return err
}

var errStale = errors.New("reconcile: session changed during refresh")

func (c *Coordinator) doRefresh(ctx context.Context, s *session, trigger string) error {
	tracer := telemetry.Tracer("voxtrack.reconcile")
	ctx, span := tracer.Start(ctx, "voxtrack.reconcile.refresh")
	defer span.End()

	c.mu.Lock()
	seq := c.eventSeq
	c.mu.Unlock()

	callCtx, cancel := c.callContext(ctx)
	list, err := c.backend.FetchList(callCtx, s.token)
	cancel()

	c.mu.Lock()
	if !c.current(s) {
		c.mu.Unlock()
		return errStale
	}
	if err != nil {
		c.syncErr = err
		auth := errors.Is(err, model.ErrAuth)
		if auth {
			s.authFailed = true
			c.polling = false
		}
		c.mu.Unlock()
		span.RecordError(err)
		if auth {
			s.sub.Close()
			metrics.SetPollingActive(false)
		}
		if s.ctx.Err() == nil {
			s.logger.Warn().Err(err).
				Str(xglog.FieldEvent, "reconcile.refresh_failed").
				Str(xglog.FieldTrigger, trigger).
				Bool("auth", auth).
				Bool("retryable", model.Retryable(err)).
				Msg("snapshot refresh failed")
		}
		return err
	}

	removed := c.reg.Sync(list)
	for _, id := range removed {
		c.events.Forget(id)
	}
	c.syncErr = nil
	c.lastSync = c.now()
	s.synced = true
	raced := c.eventSeq != seq
	view := SyncView{At: c.lastSync, Connection: c.conn, Submissions: c.reg.List()}
	c.mu.Unlock()

	span.SetAttributes(telemetry.RefreshAttributes(s.id, trigger, len(view.Submissions))...)
	s.logger.Debug().
		Str(xglog.FieldEvent, "reconcile.refreshed").
		Str(xglog.FieldTrigger, trigger).
		Int("submissions", len(view.Submissions)).
		Int("removed", len(removed)).
		Msg("snapshot applied")

	// Events applied while the list was in flight may be older than the list
	// shows; reconcile again once they settle.
	if raced {
		s.deb.trigger()
	}

	c.publishCounts()
	c.persistCursor(ctx, s)
	if c.opts.OnSync != nil {
		c.opts.OnSync(view)
	}
	return nil
}

func (c *Coordinator) pollLoop(s *session) {
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if c.shouldPoll(s) {
				_ = c.refresh(s.ctx, s, "poll")
			}
		}
	}
}

// shouldPoll is true while the stream is down and there is something to
// converge: in-flight submissions or a snapshot that never succeeded.
func (c *Coordinator) shouldPoll(s *session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.current(s) || !c.polling || s.authFailed {
		return false
	}
	return !s.synced || c.reg.HasPending()
}

// Refresh runs an immediate, non-debounced snapshot refresh.
func (c *Coordinator) Refresh(ctx context.Context) error {
	s := c.active()
	if s == nil {
		return model.AuthError("refresh")
	}
	return c.refresh(ctx, s, "manual")
}

// Timeline returns the events for id, fetching them once per session when
// the cache has not loaded them yet.
func (c *Coordinator) Timeline(ctx context.Context, id string) ([]model.Event, error) {
	s := c.active()
	if s == nil {
		return nil, model.AuthError("timeline")
	}
	if c.events.HasLoaded(id) {
		metrics.RecordTimelineLoad("cache")
		return c.events.EventsFor(id), nil
	}

	ctx, span := telemetry.Tracer("voxtrack.reconcile").Start(ctx, "voxtrack.reconcile.timeline")
	defer span.End()

	_, err, _ := c.group.Do("events:"+s.id+":"+id, func() (any, error) {
		if c.events.HasLoaded(id) {
			return nil, nil
		}
		callCtx, cancel := c.callContext(sharedContext(ctx, s))
		defer cancel()
		events, err := c.backend.FetchEvents(callCtx, s.token, id)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if c.current(s) {
			c.events.Replace(id, events)
		}
		c.mu.Unlock()
		return nil, nil
	})
	if err != nil {
		span.RecordError(err)
		metrics.RecordTimelineLoad("error")
		return nil, err
	}
	metrics.RecordTimelineLoad("backend")
	events := c.events.EventsFor(id)
	span.SetAttributes(telemetry.TimelineAttributes(id, len(events))...)
	return events, nil
}

// Reprocess asks the backend to rerun id, then refreshes immediately. A
// failed follow-up refresh is logged, not returned.
func (c *Coordinator) Reprocess(ctx context.Context, id string) error {
	s := c.active()
	if s == nil {
		return model.AuthError("reprocess")
	}
	callCtx, cancel := c.callContext(ctx)
	err := c.backend.Reprocess(callCtx, s.token, id)
	cancel()
	if err != nil {
		return err
	}
	s.logger.Info().
		Str(xglog.FieldEvent, "reconcile.reprocess_requested").
		Str(xglog.FieldSubmissionID, id).
		Msg("reprocess requested")
	_ = c.refresh(ctx, s, "action")
	return nil
}

// Delete removes id on the backend. Once confirmed, the record and timeline
// are dropped locally and the list is refreshed.
func (c *Coordinator) Delete(ctx context.Context, id string) error {
	s := c.active()
	if s == nil {
		return model.AuthError("delete")
	}
	callCtx, cancel := c.callContext(ctx)
	err := c.backend.Delete(callCtx, s.token, id)
	cancel()
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.current(s) {
		c.reg.Remove(id)
		c.events.Forget(id)
	}
	c.mu.Unlock()
	s.logger.Info().
		Str(xglog.FieldEvent, "reconcile.deleted").
		Str(xglog.FieldSubmissionID, id).
		Msg("submission deleted")
	_ = c.refresh(ctx, s, "action")
	return nil
}

// Submissions returns the registry content in list order.
func (c *Coordinator) Submissions() []model.Submission {
	return c.reg.List()
}

// Submission returns one tracked submission.
func (c *Coordinator) Submission(id string) (model.Submission, bool) {
	return c.reg.Get(id)
}

// Lookup returns id from the registry, fetching and tracking it when the
// registry does not know it yet.
func (c *Coordinator) Lookup(ctx context.Context, id string) (model.Submission, error) {
	if sub, ok := c.reg.Get(id); ok {
		return sub, nil
	}
	s := c.active()
	if s == nil {
		return model.Submission{}, model.AuthError("lookup")
	}
	v, err, _ := c.group.Do("lookup:"+s.id+":"+id, func() (any, error) {
		callCtx, cancel := c.callContext(sharedContext(ctx, s))
		defer cancel()
		sub, err := c.backend.FetchSubmission(callCtx, s.token, id)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if c.current(s) {
			c.reg.Upsert(sub)
		}
		c.mu.Unlock()
		return sub, nil
	})
	if err != nil {
		return model.Submission{}, err
	}
	c.publishCounts()
	return v.(model.Submission), nil
}

// EventsFor returns the cached timeline without fetching.
func (c *Coordinator) EventsFor(id string) []model.Event {
	return c.events.EventsFor(id)
}

// HasLoaded reports whether the timeline for id was fetched.
func (c *Coordinator) HasLoaded(id string) bool {
	return c.events.HasLoaded(id)
}

// ConnectionState returns the live stream state.
func (c *Coordinator) ConnectionState() model.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// Polling reports whether the polling fallback is engaged.
func (c *Coordinator) Polling() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.polling
}

// LastSyncError returns the error of the most recent failed snapshot, or nil
// after a successful one.
func (c *Coordinator) LastSyncError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.syncErr
}

func (c *Coordinator) publishCounts() {
	subs := c.reg.List()
	counts := make(map[string]int, 6)
	for _, s := range subs {
		counts[string(classify.Classify(s).Kind)]++
	}
	kinds := classify.Kinds()
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	metrics.SetSubmissionsTracked(len(subs))
	metrics.SetCategoryCounts(counts, names)
}
