package comm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Admission classifies a message for the admission controller.
type Admission int

const (
	// AdmitData messages wait for a permit while the throttle is on.
	AdmitData Admission = iota

	// AdmitControl messages turn the throttle on for a window and are never
	// held back themselves.
	AdmitControl

	// AdmitExempt messages are never held back. Use it for cheap requests.
	AdmitExempt
)

// throttle limits the number of data messages in flight while control
// traffic is active. A nil throttle admits everything.
type throttle struct {
	sem    *semaphore.Weighted
	window time.Duration
	wait   time.Duration

	mu     sync.Mutex
	active bool
	timer  *time.Timer
}

func newThrottle(limit int, window, wait time.Duration) *throttle {
	if limit < 0 {
		return nil
	}

	return &throttle{
		sem:    semaphore.NewWeighted(int64(limit)),
		window: window,
		wait:   wait,
	}
}

// admit decides whether a message may be sent now. It returns held=true if
// the message took a permit, which must be returned with done.
func (t *throttle) admit(ctx context.Context, opts SendOptions) (held bool, err error) {
	if t == nil || opts.NoBlock {
		return false, nil
	}

	switch opts.Admission {
	case AdmitControl:
		t.arm()
		return false, nil

	case AdmitExempt:
		return false, nil
	}

	if !t.on() {
		return false, nil
	}

	wctx, cancel := context.WithTimeout(ctx, t.wait)
	defer cancel()

	if err := t.sem.Acquire(wctx, 1); err != nil {
		return false, fmt.Errorf("%w: %w", ErrThrottled, err)
	}

	return true, nil
}

func (t *throttle) done() {
	t.sem.Release(1)
}

func (t *throttle) on() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

func (t *throttle) arm() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.active {
		return
	}

	t.active = true
	t.timer = time.AfterFunc(t.window, t.expire)
}

// expire turns the throttle off. Permits already taken are returned as their
// messages complete.
func (t *throttle) expire() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active = false
}

func (t *throttle) stop() {
	if t == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
	}

	t.active = false
}

// releasePermit returns c's admission permit, if it holds one. It's safe to
// call more than once.
func (a *Adapter) releasePermit(c *Context) {
	if c.clearFlag(flagThrottled) {
		a.throttle.done()
	}
}
