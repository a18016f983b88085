package timer

import (
	"sync"
	"time"
)

// CancellableTimer is a one-shot timer that can be re-armed. Starting it cancels any pending
// callback, so at most one callback is ever outstanding. A callback that lost a race with Cancel
// or Start is dropped.
type CancellableTimer struct {
	clock Clock

	mu      sync.Mutex
	gen     uint64
	stopper Stopper
}

// NewCancellable returns an idle timer bound to clock. A nil clock means Real.
func NewCancellable(clock Clock) *CancellableTimer {
	if clock == nil {
		clock = Real{}
	}
	return &CancellableTimer{clock: clock}
}

// Start arms the timer to call f after d, replacing any pending callback.
func (t *CancellableTimer) Start(d time.Duration, f func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
	t.gen++
	gen := t.gen
	t.stopper = t.clock.AfterFunc(d, func() {
		t.mu.Lock()
		if t.gen != gen || t.stopper == nil {
			t.mu.Unlock()
			return
		}
		t.stopper = nil
		t.mu.Unlock()
		f()
	})
}

// Cancel drops the pending callback, if any. Safe to call repeatedly.
func (t *CancellableTimer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
	t.gen++
}

// Active reports whether a callback is pending.
func (t *CancellableTimer) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopper != nil
}

func (t *CancellableTimer) stopLocked() {
	if t.stopper != nil {
		t.stopper.Stop()
		t.stopper = nil
	}
}

// Ticker calls f every interval until stopped. The next tick is armed before f runs, so a slow
// callback does not stretch the period.
type Ticker struct {
	timer    *CancellableTimer
	interval time.Duration

	mu      sync.Mutex
	running bool
	f       func()
}

// NewTicker returns a stopped ticker.
func NewTicker(clock Clock, interval time.Duration) *Ticker {
	return &Ticker{timer: NewCancellable(clock), interval: interval}
}

// Start begins ticking, replacing any previous callback.
func (k *Ticker) Start(f func()) {
	k.mu.Lock()
	k.running = true
	k.f = f
	k.mu.Unlock()
	k.arm()
}

// Stop halts the ticker. Idempotent.
func (k *Ticker) Stop() {
	k.mu.Lock()
	k.running = false
	k.f = nil
	k.mu.Unlock()
	k.timer.Cancel()
}

// Running reports whether the ticker is started.
func (k *Ticker) Running() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.running
}

func (k *Ticker) arm() {
	k.timer.Start(k.interval, func() {
		k.mu.Lock()
		if !k.running {
			k.mu.Unlock()
			return
		}
		f := k.f
		k.mu.Unlock()
		k.arm()
		f()
	})
}
