// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package reconcile

import (
	"sync"
	"time"
)

// debouncer coalesces bursts of triggers into one call of fn. Each trigger
// pushes the call back by window, but never past maxWait after the first
// trigger of the burst. After stop returns, fn is never started again; calls
// already started are tracked by wg.
type debouncer struct {
	window  time.Duration
	maxWait time.Duration
	fn      func()
	wg      *sync.WaitGroup
	now     func() time.Time

	mu      sync.Mutex
	timer   *time.Timer
	first   time.Time
	gen     uint64
	stopped bool
}

func newDebouncer(window, maxWait time.Duration, wg *sync.WaitGroup, fn func()) *debouncer {
	if maxWait < window {
		maxWait = window
	}
	return &debouncer{window: window, maxWait: maxWait, fn: fn, wg: wg, now: time.Now}
}

func (d *debouncer) trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	now := d.now()
	if d.timer == nil {
		d.first = now
	} else {
		d.timer.Stop()
	}
	delay := d.window
	if deadline := d.first.Add(d.maxWait); now.Add(delay).After(deadline) {
		delay = deadline.Sub(now)
		if delay < 0 {
			delay = 0
		}
	}
	d.gen++
	gen := d.gen
	d.timer = time.AfterFunc(delay, func() { d.fire(gen) })
}

func (d *debouncer) fire(gen uint64) {
	d.mu.Lock()
	if d.stopped || gen != d.gen {
		d.mu.Unlock()
		return
	}
	d.timer = nil
	d.wg.Add(1)
	d.mu.Unlock()

	defer d.wg.Done()
	d.fn()
}

// pending reports whether a call is scheduled.
func (d *debouncer) pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
