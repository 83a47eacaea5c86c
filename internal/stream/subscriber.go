// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package stream consumes the backend's server-push event stream.
package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	xglog "github.com/ManuGH/voxtrack/internal/log"
	"github.com/ManuGH/voxtrack/internal/metrics"
	"github.com/ManuGH/voxtrack/internal/model"
)

// MaxFrameSize bounds a single frame line.
const MaxFrameSize = 1 << 20

// Source opens the event stream for a token, resuming after since.
type Source interface {
	OpenStream(ctx context.Context, token string, since time.Time) (io.ReadCloser, error)
}

// Subscriber runs one live connection at a time and dispatches decoded
// events in arrival order. State moves idle -> connecting -> live and ends
// in error (stream failure) or idle (cancelled or closed).
type Subscriber struct {
	src     Source
	token   string
	onEvent func(model.Event)
	onState func(model.ConnectionState, error)
	logger  zerolog.Logger

	mu     sync.Mutex
	state  model.ConnectionState
	closed bool
	cancel context.CancelFunc
}

// Option customizes a Subscriber.
type Option func(*Subscriber)

// WithEventHandler sets the callback for decoded events.
func WithEventHandler(fn func(model.Event)) Option {
	return func(s *Subscriber) { s.onEvent = fn }
}

// WithStateHandler sets the callback for connection state changes. The error
// is non-nil only for transitions into the error state.
func WithStateHandler(fn func(model.ConnectionState, error)) Option {
	return func(s *Subscriber) { s.onState = fn }
}

// WithLogger overrides the component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Subscriber) { s.logger = l }
}

// NewSubscriber creates an idle subscriber bound to token.
func NewSubscriber(src Source, token string, opts ...Option) *Subscriber {
	s := &Subscriber{
		src:     src,
		token:   token,
		onEvent: func(model.Event) {},
		onState: func(model.ConnectionState, error) {},
		logger:  xglog.WithComponent("stream"),
		state:   model.ConnIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current connection state.
func (s *Subscriber) State() model.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run opens one connection and reads it until it ends. It returns nil when ctx
// is cancelled or Close is called, and an error classified in the model
// taxonomy otherwise. Run after Close returns nil immediately.
func (s *Subscriber) Run(ctx context.Context, since time.Time) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	s.setState(model.ConnConnecting, nil)
	body, err := s.src.OpenStream(runCtx, s.token, since)
	if err != nil {
		if s.stopped(runCtx) {
			s.setState(model.ConnIdle, nil)
			return nil
		}
		s.setState(model.ConnError, err)
		return err
	}
	defer func() { _ = body.Close() }()

	s.setState(model.ConnLive, nil)
	s.logger.Info().
		Str(xglog.FieldEvent, "stream.connected").
		Time("since", since).
		Msg("live event stream connected")

	err = s.read(runCtx, body)
	if s.stopped(runCtx) {
		s.setState(model.ConnIdle, nil)
		return nil
	}
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	err = model.TransportError("stream", 0, err)
	s.setState(model.ConnError, err)
	return err
}

// Close ends the current connection and prevents further dispatch. Frames
// already buffered are dropped.
func (s *Subscriber) Close() {
	s.mu.Lock()
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Subscriber) stopped(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Subscriber) setState(next model.ConnectionState, err error) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()
	if prev == next && err == nil {
		return
	}
	metrics.SetStreamState(string(next))
	evt := s.logger.Debug()
	if next == model.ConnError {
		evt = s.logger.Warn().Err(err)
	}
	evt.Str(xglog.FieldEvent, "stream.state_changed").
		Str(xglog.FieldOldState, string(prev)).
		Str(xglog.FieldNewState, string(next)).
		Msg("stream state changed")
	s.onState(next, err)
}

// errFrameTooLarge marks a frame line or data block over MaxFrameSize.
var errFrameTooLarge = errors.New("frame exceeds maximum size")

// read parses SSE frames ("data:" lines terminated by a blank line) and bare
// newline-delimited JSON objects. Oversized frames are dropped like any other
// malformed frame and reading continues with the next line.
func (s *Subscriber) read(ctx context.Context, r io.Reader) error {
	lr := &lineReader{br: bufio.NewReaderSize(r, 64<<10), max: MaxFrameSize}

	var data bytes.Buffer
	dropping := false
	flush := func() {
		if dropping {
			dropping = false
			data.Reset()
			return
		}
		if data.Len() == 0 {
			return
		}
		frame := append([]byte(nil), data.Bytes()...)
		data.Reset()
		s.dispatch(ctx, frame)
	}
	tooLarge := func(prefix []byte) {
		data.Reset()
		s.decodeFailed(model.DecodeError("stream", errFrameTooLarge), prefix)
	}

	for {
		line, oversized, err := lr.next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				flush()
				return nil
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		switch {
		case oversized:
			if len(line) > 0 && line[0] == '{' {
				flush()
			} else {
				dropping = true
			}
			tooLarge(line)
		case len(line) == 0:
			flush()
		case line[0] == ':':
			// keepalive comment
		case bytes.HasPrefix(line, []byte("data:")):
			if dropping {
				break
			}
			payload := bytes.TrimPrefix(line[len("data:"):], []byte(" "))
			if data.Len()+len(payload)+1 > MaxFrameSize {
				dropping = true
				tooLarge(payload)
				break
			}
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.Write(payload)
		case line[0] == '{':
			flush()
			s.dispatch(ctx, append([]byte(nil), line...))
		default:
			// event:, id:, retry: fields carry nothing the tracker needs
		}
		if s.stopped(ctx) {
			return nil
		}
	}
}

// lineReader yields lines without their terminator. A line longer than max is
// consumed up to its newline and reported as oversized with only its prefix.
type lineReader struct {
	br  *bufio.Reader
	max int
}

func (lr *lineReader) next() ([]byte, bool, error) {
	var (
		line      []byte
		oversized bool
	)
	for {
		chunk, err := lr.br.ReadSlice('\n')
		if !oversized {
			if len(line)+len(chunk) > lr.max+2 {
				oversized = true
				room := lr.max - len(line)
				if room > 0 && room < len(chunk) {
					line = append(line, chunk[:room]...)
				}
			} else {
				line = append(line, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil && (!errors.Is(err, io.EOF) || (len(line) == 0 && !oversized)) {
			return nil, false, err
		}
		return bytes.TrimRight(line, "\r\n"), oversized, nil
	}
}

func (s *Subscriber) dispatch(ctx context.Context, frame []byte) {
	if s.stopped(ctx) {
		return
	}
	var ev model.Event
	if err := json.Unmarshal(frame, &ev); err != nil {
		s.decodeFailed(model.DecodeError("stream", err), frame)
		return
	}
	if err := ev.Validate(); err != nil {
		s.decodeFailed(model.DecodeError("stream", err), frame)
		return
	}
	s.onEvent(ev)
}

func (s *Subscriber) decodeFailed(err error, frame []byte) {
	metrics.RecordStreamEvent("decode_error")
	const maxSnippet = 256
	if len(frame) > maxSnippet {
		frame = frame[:maxSnippet]
	}
	s.logger.Warn().Err(err).
		Str(xglog.FieldEvent, "stream.frame_dropped").
		Bytes("frame", frame).
		Msg("dropping malformed event frame")
}
