// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockClock struct {
	now time.Time
}

func (m *mockClock) Now() time.Time { return m.now }

var (
	errBoom   = errors.New("boom")
	errClient = errors.New("client error")
)

func fail(err error) func() error { return func() error { return err } }
func ok() error                   { return nil }

func TestCircuitBreaker_TripsAfterThreshold(t *testing.T) {
	clock := &mockClock{now: time.Now()}
	cb := NewCircuitBreaker("test-trip", 3, 10*time.Second, WithClock(clock))

	for i := 0; i < 2; i++ {
		require.ErrorIs(t, cb.Execute(fail(errBoom)), errBoom)
	}
	assert.Equal(t, string(StateClosed), cb.State())

	require.ErrorIs(t, cb.Execute(fail(errBoom)), errBoom)
	assert.Equal(t, string(StateOpen), cb.State())

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cb := NewCircuitBreaker("test-reset", 2, time.Second)

	_ = cb.Execute(fail(errBoom))
	require.NoError(t, cb.Execute(ok))
	_ = cb.Execute(fail(errBoom))
	assert.Equal(t, string(StateClosed), cb.State())
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	clock := &mockClock{now: time.Now()}
	cb := NewCircuitBreaker("test-half-open", 1, 10*time.Second, WithClock(clock))

	_ = cb.Execute(fail(errBoom))
	require.Equal(t, string(StateOpen), cb.State())

	clock.now = clock.now.Add(11 * time.Second)
	_ = cb.Execute(fail(errBoom))
	assert.Equal(t, string(StateOpen), cb.State(), "failed probe reopens")

	clock.now = clock.now.Add(11 * time.Second)
	require.NoError(t, cb.Execute(ok))
	assert.Equal(t, string(StateClosed), cb.State())
}

func TestCircuitBreaker_FailurePredicate(t *testing.T) {
	cb := NewCircuitBreaker("test-predicate", 1, time.Second,
		WithFailurePredicate(func(err error) bool { return errors.Is(err, errBoom) }))

	for i := 0; i < 5; i++ {
		require.ErrorIs(t, cb.Execute(fail(errClient)), errClient)
	}
	assert.Equal(t, string(StateClosed), cb.State(), "ignored errors must not trip")

	_ = cb.Execute(fail(errBoom))
	assert.Equal(t, string(StateOpen), cb.State())
}
