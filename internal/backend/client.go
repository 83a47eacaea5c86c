// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package backend is the HTTP client for the submission pipeline backend.
package backend

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	xglog "github.com/ManuGH/voxtrack/internal/log"
	"github.com/ManuGH/voxtrack/internal/model"
	"github.com/ManuGH/voxtrack/internal/resilience"
	"github.com/ManuGH/voxtrack/internal/telemetry"
)

// Client talks to the backend REST endpoints and opens the event stream.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	// StreamClient has no overall timeout; the stream is held open by the backend.
	StreamClient *http.Client
	limiter      *rate.Limiter
	breaker      *resilience.CircuitBreaker
	maxRetries   int
	backoff      time.Duration
	maxBackoff   time.Duration
	userAgent    string
	rnd          *rand.Rand
	mu           sync.Mutex
}

// Options configures the backend client behavior.
type Options struct {
	Timeout               time.Duration
	ResponseHeaderTimeout time.Duration
	MaxRetries            int
	Backoff               time.Duration
	MaxBackoff            time.Duration
	UserAgent             string
	RateLimit             rate.Limit
	RateLimitBurst        int
	BreakerThreshold      int
	BreakerReset          time.Duration
}

const (
	defaultTimeout        = 10 * time.Second
	defaultBackoff        = 200 * time.Millisecond
	defaultMaxBackoff     = 2 * time.Second
	defaultRateLimit      = 10
	defaultRateLimitBurst = 20
	defaultBreakerTrips   = 5
	defaultBreakerReset   = 30 * time.Second

	maxErrorBody = 4 << 10
	maxBody      = 16 << 20
)

// NewClient creates a backend client. The base URL must be absolute.
func NewClient(baseURL string, opts Options) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q: scheme and host required", baseURL)
	}

	nopts := normalizeOptions(opts)
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: nopts.ResponseHeaderTimeout,
		TLSHandshakeTimeout:   5 * time.Second,
	}

	return &Client{
		BaseURL: trimmed,
		HTTPClient: &http.Client{
			Timeout:   nopts.Timeout,
			Transport: transport,
		},
		StreamClient: &http.Client{Transport: transport},
		limiter:      rate.NewLimiter(nopts.RateLimit, nopts.RateLimitBurst),
		breaker: resilience.NewCircuitBreaker("backend", nopts.BreakerThreshold, nopts.BreakerReset,
			resilience.WithFailurePredicate(countsAgainstBreaker)),
		maxRetries: nopts.MaxRetries,
		backoff:    nopts.Backoff,
		maxBackoff: nopts.MaxBackoff,
		userAgent:  nopts.UserAgent,
		rnd:        rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404 -- jitter only
	}, nil
}

func normalizeOptions(opts Options) Options {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.ResponseHeaderTimeout <= 0 {
		opts.ResponseHeaderTimeout = opts.Timeout
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Backoff <= 0 {
		opts.Backoff = defaultBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = rate.Limit(defaultRateLimit)
	}
	if opts.RateLimitBurst <= 0 {
		opts.RateLimitBurst = defaultRateLimitBurst
	}
	if opts.BreakerThreshold <= 0 {
		opts.BreakerThreshold = defaultBreakerTrips
	}
	if opts.BreakerReset <= 0 {
		opts.BreakerReset = defaultBreakerReset
	}
	if strings.TrimSpace(opts.UserAgent) == "" {
		opts.UserAgent = "voxtrack"
	}
	return opts
}

// FetchList returns every submission visible to token, in backend order.
func (c *Client) FetchList(ctx context.Context, token string) ([]model.Submission, error) {
	var out []model.Submission
	if err := c.getJSON(ctx, "fetch_list", "/submissions", token, nil, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []model.Submission{}
	}
	return out, nil
}

// FetchSubmission returns a single submission. A vanished id yields an
// ErrTransport error that also matches model.ErrNotFound.
func (c *Client) FetchSubmission(ctx context.Context, token, id string) (model.Submission, error) {
	var out model.Submission
	if err := c.getJSON(ctx, "fetch_submission", "/submissions/"+url.PathEscape(id), token, nil, &out); err != nil {
		return model.Submission{}, err
	}
	if out.ID == "" {
		return model.Submission{}, model.DecodeError("fetch_submission", errors.New("submission without id"))
	}
	return out, nil
}

// FetchEvents returns the full timeline for one submission, newest first.
// Individual malformed events are skipped. Events the backend returns without
// a submission id belong to id; events without an id get a stable derived one.
func (c *Client) FetchEvents(ctx context.Context, token, id string) ([]model.Event, error) {
	var raw []json.RawMessage
	if err := c.getJSON(ctx, "fetch_events", "/submissions/"+url.PathEscape(id)+"/events", token, nil, &raw); err != nil {
		return nil, err
	}
	logger := xglog.WithComponent("backend")
	events := make([]model.Event, 0, len(raw))
	for _, r := range raw {
		var ev model.Event
		if err := json.Unmarshal(r, &ev); err != nil {
			logger.Warn().Err(err).
				Str(xglog.FieldEvent, "backend.event_decode_failed").
				Str(xglog.FieldSubmissionID, id).
				Msg("skipping malformed timeline event")
			continue
		}
		if strings.TrimSpace(ev.SubmissionID) == "" {
			ev.SubmissionID = id
		}
		if strings.TrimSpace(ev.ID) == "" {
			ev.ID = derivedEventID(ev)
		}
		if err := ev.Validate(); err != nil {
			logger.Warn().Err(err).
				Str(xglog.FieldEvent, "backend.event_invalid").
				Str(xglog.FieldSubmissionID, id).
				Msg("skipping invalid timeline event")
			continue
		}
		events = append(events, ev)
	}
	slices.SortStableFunc(events, func(a, b model.Event) int {
		return b.Timestamp.Compare(a.Timestamp)
	})
	return events, nil
}

// derivedEventID keys an id-less event by submission, name and time so that
// repeated timeline loads deduplicate against each other.
func derivedEventID(ev model.Event) string {
	sum := sha256.Sum256([]byte(ev.SubmissionID + "\x00" + ev.Name + "\x00" + ev.Timestamp.UTC().Format(time.RFC3339Nano)))
	return "derived-" + hex.EncodeToString(sum[:8])
}

type healthBody struct {
	Status       string `json:"status"`
	DBReady      bool   `json:"db_ready"`
	StorageReady bool   `json:"storage_ready"`
	QueueReady   bool   `json:"queue_ready"`
	LLMReady     bool   `json:"llm_ready"`
}

// FetchHealth reads the unauthenticated service status booleans.
func (c *Client) FetchHealth(ctx context.Context) (model.ServiceHealth, error) {
	var body healthBody
	if err := c.getJSON(ctx, "fetch_health", "/health", "", nil, &body); err != nil {
		return model.ServiceHealth{}, err
	}
	return model.ServiceHealth{
		Status:       body.Status,
		DBReady:      body.DBReady,
		StorageReady: body.StorageReady,
		QueueReady:   body.QueueReady,
		LLMReady:     body.LLMReady,
		CheckedAt:    time.Now().UTC(),
	}, nil
}

// Reprocess asks the backend to run the pipeline again for id.
func (c *Client) Reprocess(ctx context.Context, token, id string) error {
	return c.mutate(ctx, "reprocess", http.MethodPost, "/submissions/"+url.PathEscape(id)+"/reprocess", token)
}

// Delete removes id on the backend.
func (c *Client) Delete(ctx context.Context, token, id string) error {
	return c.mutate(ctx, "delete", http.MethodDelete, "/submissions/"+url.PathEscape(id), token)
}

// OpenStream opens the server-push event stream. The caller owns the returned
// body and must close it; cancelling ctx also ends the stream.
func (c *Client) OpenStream(ctx context.Context, token string, since time.Time) (io.ReadCloser, error) {
	const op = "open_stream"
	params := url.Values{}
	params.Set("token", token)
	if !since.IsZero() {
		params.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	rawURL, err := c.buildURL("/events/stream", params)
	if err != nil {
		return nil, model.TransportError(op, 0, err)
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, model.TransportError(op, 0, err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, model.TransportError(op, 0, err)
	}
	c.applyHeaders(req, token)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.StreamClient.Do(req)
	if err != nil {
		return nil, model.TransportError(op, 0, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		return nil, statusError(op, resp)
	}
	return resp.Body, nil
}

func (c *Client) getJSON(ctx context.Context, op, path, token string, params url.Values, v any) error {
	rawURL, err := c.buildURL(path, params)
	if err != nil {
		return model.TransportError(op, 0, err)
	}

	var resp *http.Response
	err = c.breaker.Execute(func() error {
		var derr error
		resp, derr = c.do(ctx, op, http.MethodGet, rawURL, token, true)
		return derr
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return model.TransportError(op, 0, err)
	}
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(v); err != nil {
		return model.DecodeError(op, err)
	}
	return nil
}

func (c *Client) mutate(ctx context.Context, op, method, path, token string) error {
	rawURL, err := c.buildURL(path, nil)
	if err != nil {
		return model.TransportError(op, 0, err)
	}
	resp, err := c.do(ctx, op, method, rawURL, token, false)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	_ = resp.Body.Close()
	return nil
}

func (c *Client) buildURL(path string, params url.Values) (string, error) {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawPath = ""
	if params != nil {
		u.RawQuery = params.Encode()
	}
	return u.String(), nil
}

// do performs one logical request with retries for idempotent calls. A 2xx
// response is returned open; every other outcome is classified into the
// model error taxonomy.
func (c *Client) do(ctx context.Context, op, method, rawURL, token string, idempotent bool) (*http.Response, error) {
	tracer := telemetry.Tracer("voxtrack.backend")
	route, urlLabel := traceLabels(rawURL)
	ctx, span := tracer.Start(ctx, "voxtrack.backend."+op, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("http.method", method),
		attribute.String("http.route", route),
		attribute.String("http.url", urlLabel),
	)
	defer span.End()

	maxAttempts := 1
	if idempotent {
		maxAttempts = c.maxRetries + 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return nil, model.TransportError(op, 0, err)
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, model.TransportError(op, 0, err)
		}
		c.applyHeaders(req, token)
		otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

		start := time.Now()
		resp, err := c.HTTPClient.Do(req)
		duration := time.Since(start)

		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		retry := attempt < maxAttempts && shouldRetry(ctx, resp, err)
		recordAttemptMetrics(method, route, status, duration, err, retry)

		if err == nil && status >= 200 && status < 300 {
			span.SetAttributes(telemetry.HTTPAttributes(method, route, urlLabel, status)...)
			span.SetStatus(codes.Ok, "")
			return resp, nil
		}

		if err != nil {
			lastErr = model.TransportError(op, 0, err)
		} else {
			lastErr = statusError(op, resp)
			_ = resp.Body.Close()
		}
		span.SetAttributes(attribute.Int("attempt", attempt))

		if !retry {
			break
		}

		logger := xglog.WithContext(ctx, xglog.WithComponent("backend"))
		logger.Debug().
			Str(xglog.FieldEvent, "backend.retry").
			Str("op", op).
			Int(xglog.FieldAttempt, attempt).
			Int(xglog.FieldStatus, status).
			Msg("retrying backend request")

		if err := sleepWithContext(ctx, c.backoffFor(attempt-1)); err != nil {
			lastErr = model.TransportError(op, 0, err)
			break
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, lastErr.Error())
	return nil, lastErr
}

func (c *Client) applyHeaders(req *http.Request, token string) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rid := xglog.RequestIDFromContext(req.Context())
	if rid == "" {
		rid = uuid.NewString()
	}
	req.Header.Set("X-Request-ID", rid)
}

// statusError maps a non-2xx response onto the error taxonomy. The body is
// read (bounded) for diagnostics; the caller closes it.
func statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	snippet := strings.TrimSpace(string(body))
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &model.Error{Sentinel: model.ErrAuth, Op: op, Status: resp.StatusCode, Body: snippet}
	case http.StatusNotFound:
		return &model.Error{Sentinel: model.ErrTransport, Op: op, Status: resp.StatusCode, Body: snippet, Err: model.ErrNotFound}
	default:
		return &model.Error{Sentinel: model.ErrTransport, Op: op, Status: resp.StatusCode, Body: snippet}
	}
}

func shouldRetry(ctx context.Context, resp *http.Response, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if err != nil {
		return true
	}
	if resp == nil {
		return false
	}
	return resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError
}

// countsAgainstBreaker only counts outages: network failures and 5xx.
func countsAgainstBreaker(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var me *model.Error
	if !errors.As(err, &me) {
		return true
	}
	if me.Sentinel != model.ErrTransport {
		return false
	}
	return me.Status == 0 || me.Status >= http.StatusInternalServerError
}

func (c *Client) backoffFor(retry int) time.Duration {
	d := c.backoff << retry
	if d <= 0 || d > c.maxBackoff {
		d = c.maxBackoff
	}
	c.mu.Lock()
	jitter := time.Duration(c.rnd.Int63n(int64(d)/2 + 1))
	c.mu.Unlock()
	return d/2 + jitter
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// traceLabels strips the query (it may carry the token) and collapses ids.
func traceLabels(rawURL string) (route, label string) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "unknown", "unknown"
	}
	route = routeTemplate(u.Path)
	u.RawQuery = ""
	u.User = nil
	return route, u.String()
}

func routeTemplate(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i := range parts {
		if i > 0 && parts[i-1] == "submissions" {
			parts[i] = "{id}"
		}
	}
	return "/" + strings.Join(parts, "/")
}
