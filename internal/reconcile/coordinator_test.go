// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ManuGH/voxtrack/internal/cursor"
	xglog "github.com/ManuGH/voxtrack/internal/log"
	"github.com/ManuGH/voxtrack/internal/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type fakeBackend struct {
	mu sync.Mutex

	list      []model.Submission
	listErr   error
	listCalls int
	listGate  chan struct{}
	tokens    []string

	subs     map[string]model.Submission
	subCalls int

	events     map[string][]model.Event
	eventCalls int

	reprocessed []string
	deleted     []string
	mutErr      error

	streamErr error
	opens     int
	since     []time.Time
	w         *io.PipeWriter
}

func newFakeBackend(list ...model.Submission) *fakeBackend {
	return &fakeBackend{
		list:   list,
		subs:   make(map[string]model.Submission),
		events: make(map[string][]model.Event),
	}
}

func (f *fakeBackend) FetchList(ctx context.Context, token string) ([]model.Submission, error) {
	f.mu.Lock()
	f.listCalls++
	f.tokens = append(f.tokens, token)
	gate := f.listGate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, model.TransportError("fetch list", 0, ctx.Err())
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]model.Submission(nil), f.list...), nil
}

func (f *fakeBackend) FetchSubmission(_ context.Context, _ string, id string) (model.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subCalls++
	s, ok := f.subs[id]
	if !ok {
		return model.Submission{}, model.TransportError("fetch submission", 404, model.ErrNotFound)
	}
	return s, nil
}

func (f *fakeBackend) FetchEvents(_ context.Context, _ string, id string) ([]model.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.eventCalls++
	return append([]model.Event(nil), f.events[id]...), nil
}

func (f *fakeBackend) FetchHealth(context.Context) (model.ServiceHealth, error) {
	return model.ServiceHealth{Status: "ok", DBReady: true, StorageReady: true, QueueReady: true, LLMReady: true}, nil
}

func (f *fakeBackend) Reprocess(_ context.Context, _ string, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mutErr != nil {
		return f.mutErr
	}
	f.reprocessed = append(f.reprocessed, id)
	return nil
}

func (f *fakeBackend) Delete(_ context.Context, _ string, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mutErr != nil {
		return f.mutErr
	}
	f.deleted = append(f.deleted, id)
	kept := f.list[:0]
	for _, s := range f.list {
		if s.ID != id {
			kept = append(kept, s)
		}
	}
	f.list = kept
	return nil
}

func (f *fakeBackend) OpenStream(ctx context.Context, _ string, since time.Time) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	f.since = append(f.since, since)
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	r, w := io.Pipe()
	f.w = w
	go func() {
		<-ctx.Done()
		_ = r.CloseWithError(ctx.Err())
	}()
	return r, nil
}

func (f *fakeBackend) set(fn func(f *fakeBackend)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeBackend) counts() (list, sub, events, opens int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls, f.subCalls, f.eventCalls, f.opens
}

func (f *fakeBackend) listCount() int {
	n, _, _, _ := f.counts()
	return n
}

func (f *fakeBackend) send(t *testing.T, events ...model.Event) {
	t.Helper()
	f.mu.Lock()
	w := f.w
	f.mu.Unlock()
	require.NotNil(t, w, "stream not open")
	var buf []byte
	for _, ev := range events {
		b, err := json.Marshal(ev)
		require.NoError(t, err)
		buf = append(buf, "data: "...)
		buf = append(buf, b...)
		buf = append(buf, "\n\n"...)
	}
	_, err := w.Write(buf)
	require.NoError(t, err)
}

func sub(id string, status model.Status, step int) model.Submission {
	return model.Submission{ID: id, Status: status, ProcessingStep: step}
}

func event(id, submission, kind string, at time.Time) model.Event {
	return model.Event{ID: id, SubmissionID: submission, Name: model.EventNamespace + kind, Timestamp: at}
}

// quiet disables the debounced refresh so tests can observe pure event
// application.
func quiet() Options {
	return Options{
		DebounceWindow:   time.Hour,
		DebounceMaxWait:  time.Hour,
		PollInterval:     time.Hour,
		ReconnectInitial: 10 * time.Millisecond,
		ReconnectMax:     50 * time.Millisecond,
		HealthInterval:   time.Hour,
		CallTimeout:      time.Second,
	}
}

func fast() Options {
	o := quiet()
	o.DebounceWindow = 40 * time.Millisecond
	o.DebounceMaxWait = time.Second
	o.PollInterval = 20 * time.Millisecond
	return o
}

func startCoordinator(t *testing.T, fb *fakeBackend, opts Options, token string) *Coordinator {
	t.Helper()
	c := New(fb, opts)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.Start(context.Background(), token))
	return c
}

func waitLive(t *testing.T, c *Coordinator) {
	t.Helper()
	require.Eventually(t, func() bool { return c.ConnectionState() == model.ConnLive }, waitFor, tick)
}

func TestCoordinator_DuplicateEventAppliedOnce(t *testing.T) {
	fb := newFakeBackend(sub("a", model.StatusProcessing, 1))
	c := startCoordinator(t, fb, quiet(), "tok")
	waitLive(t, c)

	now := time.Now()
	e9 := event("e9", "a", "transcribed", now)
	fb.send(t, e9)
	fb.send(t, e9, event("e10", "a", "tagged", now.Add(time.Second)))

	require.Eventually(t, func() bool {
		s, _ := c.Submission("a")
		return s.ProcessingStep == 4
	}, waitFor, tick)

	ids := []string{}
	for _, ev := range c.EventsFor("a") {
		ids = append(ids, ev.ID)
	}
	assert.Equal(t, []string{"e10", "e9"}, ids)
	assert.False(t, c.HasLoaded("a"))
}

func TestCoordinator_StartupFailureStillSubscribes(t *testing.T) {
	fb := newFakeBackend()
	fb.listErr = model.TransportError("fetch list", 503, errors.New("unavailable"))

	c := startCoordinator(t, fb, quiet(), "tok")

	err := c.LastSyncError()
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrTransport)
	waitLive(t, c)

	st := c.Status()
	assert.NotEmpty(t, st.SyncError)
	assert.Nil(t, st.LastSync)
	assert.False(t, st.AuthRequired)
}

func TestCoordinator_EventBurstCoalescesIntoOneRefresh(t *testing.T) {
	fb := newFakeBackend(
		sub("a", model.StatusUploaded, 0),
		sub("b", model.StatusUploaded, 0),
		sub("c", model.StatusUploaded, 0),
	)
	c := startCoordinator(t, fb, fast(), "tok")
	waitLive(t, c)
	require.Equal(t, 1, fb.listCount())

	now := time.Now()
	fb.send(t,
		event("1", "a", "normalized", now),
		event("2", "b", "normalized", now),
		event("3", "c", "normalized", now),
		event("4", "a", "transcribed", now.Add(time.Millisecond)),
		event("5", "b", "transcribed", now.Add(time.Millisecond)),
	)

	require.Eventually(t, func() bool { return fb.listCount() == 2 }, waitFor, tick)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 2, fb.listCount())
}

func TestCoordinator_PollsWhileStreamDown(t *testing.T) {
	fb := newFakeBackend(sub("a", model.StatusProcessing, 2))
	fb.streamErr = model.TransportError("stream", 502, errors.New("bad gateway"))

	c := startCoordinator(t, fb, fast(), "tok")

	require.Eventually(t, c.Polling, waitFor, tick)
	require.Eventually(t, func() bool { return fb.listCount() >= 3 }, waitFor, tick)
	_, _, _, opens := fb.counts()
	assert.GreaterOrEqual(t, opens, 1)

	fb.set(func(f *fakeBackend) { f.streamErr = nil })
	waitLive(t, c)
	assert.False(t, c.Polling())

	// one catch-up refresh follows the reconnect, then polling is silent
	time.Sleep(100 * time.Millisecond)
	settled := fb.listCount()
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, settled, fb.listCount(), "no polling once the stream is live")
}

func TestCoordinator_RefreshSurvivesCallerCancel(t *testing.T) {
	fb := newFakeBackend(sub("a", model.StatusProcessing, 1))
	c := startCoordinator(t, fb, quiet(), "tok")
	require.Equal(t, 1, fb.listCount())

	gate := make(chan struct{})
	fb.set(func(f *fakeBackend) {
		f.listGate = gate
		f.list = []model.Submission{sub("a", model.StatusProcessing, 2)}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Refresh(ctx) }()
	require.Eventually(t, func() bool { return fb.listCount() == 2 }, waitFor, tick)

	cancel()
	time.Sleep(20 * time.Millisecond)
	close(gate)

	require.NoError(t, <-done)
	assert.NoError(t, c.LastSyncError())
	s, _ := c.Submission("a")
	assert.Equal(t, 2, s.ProcessingStep)
}

func TestCoordinator_NoPollingWithoutPending(t *testing.T) {
	fb := newFakeBackend(sub("a", model.StatusApproved, 6))
	fb.streamErr = model.TransportError("stream", 0, io.ErrUnexpectedEOF)

	c := startCoordinator(t, fb, fast(), "tok")
	require.Eventually(t, c.Polling, waitFor, tick)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, fb.listCount())
}

func TestCoordinator_AuthFailureStopsEverything(t *testing.T) {
	fb := newFakeBackend(sub("a", model.StatusProcessing, 1))
	fb.streamErr = model.AuthError("stream")

	c := startCoordinator(t, fb, fast(), "tok")

	require.Eventually(t, func() bool { return c.Status().AuthRequired }, waitFor, tick)
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, model.ConnError, c.ConnectionState())
	assert.False(t, c.Polling())
	list, _, _, opens := fb.counts()
	assert.Equal(t, 1, list)
	assert.Equal(t, 1, opens)
}

func TestCoordinator_ListAuthFailureClosesStream(t *testing.T) {
	fb := newFakeBackend()
	fb.listErr = model.AuthError("fetch list")

	c := startCoordinator(t, fb, fast(), "tok")

	require.Eventually(t, func() bool { return c.ConnectionState() == model.ConnError }, waitFor, tick)
	assert.True(t, c.Status().AuthRequired)
	assert.ErrorIs(t, c.LastSyncError(), model.ErrAuth)
	_, _, _, opens := fb.counts()
	assert.Equal(t, 0, opens)
}

func TestCoordinator_TimelineFetchedOnce(t *testing.T) {
	fb := newFakeBackend(sub("a", model.StatusApproved, 6))
	now := time.Now()
	fb.events["a"] = []model.Event{
		event("2", "a", "published", now),
		event("1", "a", "uploaded", now.Add(-time.Minute)),
	}
	c := startCoordinator(t, fb, quiet(), "tok")

	first, err := c.Timeline(context.Background(), "a")
	require.NoError(t, err)
	second, err := c.Timeline(context.Background(), "a")
	require.NoError(t, err)

	require.Len(t, first, 2)
	assert.Equal(t, "2", first[0].ID)
	assert.Len(t, second, 2)
	assert.True(t, c.HasLoaded("a"))
	_, _, events, _ := fb.counts()
	assert.Equal(t, 1, events)
}

func TestCoordinator_TokenChangeResetsState(t *testing.T) {
	fb := newFakeBackend(sub("a", model.StatusProcessing, 1))
	c := startCoordinator(t, fb, quiet(), "one")
	waitLive(t, c)
	first := c.Status().Session

	fb.send(t, event("x", "a", "transcribed", time.Now()))
	require.Eventually(t, func() bool { return len(c.EventsFor("a")) == 1 }, waitFor, tick)

	fb.set(func(f *fakeBackend) { f.list = []model.Submission{sub("b", model.StatusUploaded, 0)} })
	c.OnTokenChange("two")

	subs := c.Submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, "b", subs[0].ID)
	assert.Empty(t, c.EventsFor("a"))
	assert.NotEqual(t, first, c.Status().Session)
	fb.mu.Lock()
	assert.Equal(t, "two", fb.tokens[len(fb.tokens)-1])
	fb.mu.Unlock()
	waitLive(t, c)

	c.OnTokenChange("")
	assert.Empty(t, c.Submissions())
	assert.Equal(t, model.ConnIdle, c.ConnectionState())
	assert.True(t, c.Status().AuthRequired)
	_, err := c.Timeline(context.Background(), "b")
	assert.ErrorIs(t, err, model.ErrAuth)
}

func TestCoordinator_SameTokenIsNoop(t *testing.T) {
	fb := newFakeBackend()
	c := startCoordinator(t, fb, quiet(), "tok")
	c.OnTokenChange("tok")
	assert.Equal(t, 1, fb.listCount())
}

func TestCoordinator_ReprocessAndDelete(t *testing.T) {
	fb := newFakeBackend(
		sub("a", model.StatusApproved, 6),
		sub("b", model.StatusRejected, 3),
	)
	c := startCoordinator(t, fb, quiet(), "tok")
	ctx := context.Background()

	require.NoError(t, c.Reprocess(ctx, "a"))
	assert.Equal(t, 2, fb.listCount())

	require.NoError(t, c.Delete(ctx, "b"))
	assert.Equal(t, 3, fb.listCount())
	_, ok := c.Submission("b")
	assert.False(t, ok)

	fb.set(func(f *fakeBackend) { f.mutErr = model.TransportError("reprocess", 500, errors.New("boom")) })
	err := c.Reprocess(ctx, "a")
	assert.ErrorIs(t, err, model.ErrTransport)
	assert.Equal(t, 3, fb.listCount())

	fb.mu.Lock()
	defer fb.mu.Unlock()
	assert.Equal(t, []string{"a"}, fb.reprocessed)
	assert.Equal(t, []string{"b"}, fb.deleted)
}

func TestCoordinator_OutOfOrderEventDoesNotRegress(t *testing.T) {
	fb := newFakeBackend(sub("a", model.StatusProcessing, 4))
	c := startCoordinator(t, fb, quiet(), "tok")
	waitLive(t, c)

	now := time.Now()
	fb.send(t, event("late", "a", "transcribed", now.Add(-time.Minute)), event("next", "a", "anonymized", now))

	require.Eventually(t, func() bool {
		s, _ := c.Submission("a")
		return s.ProcessingStep == 5
	}, waitFor, tick)
	assert.Len(t, c.EventsFor("a"), 2)
}

func TestCoordinator_UnknownSubmissionFetched(t *testing.T) {
	fb := newFakeBackend()
	fb.subs["z"] = sub("z", model.StatusUploaded, 0)
	c := startCoordinator(t, fb, quiet(), "tok")
	waitLive(t, c)

	fb.send(t, event("u1", "z", "uploaded", time.Now()))

	require.Eventually(t, func() bool {
		_, ok := c.Submission("z")
		return ok
	}, waitFor, tick)
	_, subs, _, _ := fb.counts()
	assert.Equal(t, 1, subs)
}

func TestCoordinator_LookupFetchesUnknownOnce(t *testing.T) {
	fb := newFakeBackend()
	fb.subs["q"] = sub("q", model.StatusProcessing, 2)
	c := startCoordinator(t, fb, quiet(), "tok")

	got, err := c.Lookup(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, 2, got.ProcessingStep)

	_, err = c.Lookup(context.Background(), "q")
	require.NoError(t, err)
	_, subs, _, _ := fb.counts()
	assert.Equal(t, 1, subs)

	_, err = c.Lookup(context.Background(), "missing")
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestCoordinator_ResumesFromStoredCursor(t *testing.T) {
	store := cursor.NewMemoryStore()
	stored := time.Now().Add(-time.Minute).UTC()
	require.NoError(t, store.Save(context.Background(), xglog.TokenFingerprint("tok"), stored))

	opts := quiet()
	opts.Cursors = store
	fb := newFakeBackend(sub("a", model.StatusProcessing, 1))
	c := New(fb, opts)
	require.NoError(t, c.Start(context.Background(), "tok"))
	waitLive(t, c)

	fb.mu.Lock()
	since := fb.since[0]
	fb.mu.Unlock()
	assert.True(t, since.Equal(stored), "since %v, want %v", since, stored)

	at := time.Now().UTC()
	fb.send(t, event("n", "a", "transcribed", at))
	require.Eventually(t, func() bool { return len(c.EventsFor("a")) == 1 }, waitFor, tick)

	require.NoError(t, c.Close())
	got, ok, err := store.Load(context.Background(), xglog.TokenFingerprint("tok"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Equal(at))
}

func TestCoordinator_FirstConnectStartsAtSessionStart(t *testing.T) {
	fb := newFakeBackend()
	before := time.Now()
	c := startCoordinator(t, fb, quiet(), "tok")
	waitLive(t, c)

	fb.mu.Lock()
	since := fb.since[0]
	fb.mu.Unlock()
	assert.False(t, since.Before(before))
	assert.False(t, since.After(time.Now()))
}

func TestCoordinator_CloseIsIdempotent(t *testing.T) {
	c := New(newFakeBackend(), quiet())
	require.NoError(t, c.Start(context.Background(), "tok"))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Start(context.Background(), "tok"), ErrClosed)
}

func TestCoordinator_HealthTracked(t *testing.T) {
	c := startCoordinator(t, newFakeBackend(), quiet(), "")
	require.Eventually(t, func() bool {
		h, err := c.Health()
		return err == nil && h != nil && h.DBReady
	}, waitFor, tick)
	assert.Equal(t, "ok", c.Status().Health.Status)
}
