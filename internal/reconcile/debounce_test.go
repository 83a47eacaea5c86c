// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package reconcile

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDebouncer_CoalescesBurst(t *testing.T) {
	var wg sync.WaitGroup
	var calls atomic.Int32
	d := newDebouncer(80*time.Millisecond, time.Second, &wg, func() { calls.Add(1) })

	start := time.Now()
	for i := 0; i < 5; i++ {
		d.trigger()
		time.Sleep(10 * time.Millisecond)
	}
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	d.stop()
	wg.Wait()
}

func TestDebouncer_MaxWaitForcesCall(t *testing.T) {
	var wg sync.WaitGroup
	var calls atomic.Int32
	d := newDebouncer(60*time.Millisecond, 150*time.Millisecond, &wg, func() { calls.Add(1) })

	deadline := time.Now().Add(400 * time.Millisecond)
	for time.Now().Before(deadline) {
		d.trigger()
		time.Sleep(20 * time.Millisecond)
	}
	assert.GreaterOrEqual(t, calls.Load(), int32(2), "continuous triggers must still refresh every maxWait")
	d.stop()
	wg.Wait()
}

func TestDebouncer_NoFireAfterStop(t *testing.T) {
	var wg sync.WaitGroup
	var calls atomic.Int32
	d := newDebouncer(30*time.Millisecond, time.Second, &wg, func() { calls.Add(1) })

	d.trigger()
	assert.True(t, d.pending())
	d.stop()
	d.trigger()
	assert.False(t, d.pending())

	time.Sleep(100 * time.Millisecond)
	wg.Wait()
	assert.Equal(t, int32(0), calls.Load())
}
