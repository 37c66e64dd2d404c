// Package watchdog provides a restartable one-shot deadline timer.
//
// A [Watchdog] invokes its handler once the timeout elapses without a
// [Watchdog.Reset] or [Watchdog.Stop]. It never re-arms itself: a caller that
// wants a repeating loop calls Reset from inside the handler, and a loop that
// should halt simply returns without resetting.
package watchdog

import (
	"sync"
	"time"
)

// Expired describes one elapsed deadline.
type Expired struct {
	// At is the wall-clock time the deadline fired.
	At time.Time

	// Generation identifies the arming that fired. Every Start, Reset, and
	// Stop advances the generation.
	Generation uint64
}

// Handler receives expiry events. It runs on its own goroutine and may call
// any Watchdog method.
type Handler func(Expired)

// Watchdog is a cancellable deadline timer with at most one pending deadline.
//
// All methods are safe for concurrent use, including from within the handler.
type Watchdog struct {
	timeout time.Duration
	handler Handler

	// expirations receives events when no handler was supplied.
	expirations chan Expired

	mu    sync.Mutex
	timer *time.Timer
	gen   uint64
	armed bool
}

// New returns a disarmed Watchdog. When handler is nil, expiry events are
// delivered on [Watchdog.Expirations] instead.
func New(timeout time.Duration, handler Handler) *Watchdog {
	w := &Watchdog{
		timeout:     timeout,
		expirations: make(chan Expired, 1),
	}
	if handler == nil {
		handler = w.deliver
	}
	w.handler = handler
	return w
}

// Timeout returns the configured deadline length.
func (w *Watchdog) Timeout() time.Duration { return w.timeout }

// Expirations returns the channel used by the default handler. It is never
// closed. Events are dropped if the previous one has not been received yet.
func (w *Watchdog) Expirations() <-chan Expired { return w.expirations }

// Start arms the watchdog. If it is already armed, Start behaves like Reset.
func (w *Watchdog) Start() {
	w.Reset()
}

// Reset cancels any pending deadline and arms a new one timeout from now.
// Cancelling and rescheduling happen atomically with respect to firing: a
// deadline superseded by Reset never reaches the handler.
func (w *Watchdog) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cancelLocked()
	w.armed = true
	gen := w.gen
	w.timer = time.AfterFunc(w.timeout, func() { w.fire(gen) })
}

// Stop cancels the pending deadline, if any, and leaves the watchdog
// disarmed. It is safe to call on a disarmed watchdog.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cancelLocked()
}

// Armed reports whether a deadline is pending.
func (w *Watchdog) Armed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.armed
}

// cancelLocked stops the current timer and invalidates its generation so
// that a concurrently firing callback becomes a no-op.
func (w *Watchdog) cancelLocked() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.gen++
	w.armed = false
}

func (w *Watchdog) fire(gen uint64) {
	w.mu.Lock()
	if !w.armed || gen != w.gen {
		w.mu.Unlock()
		return
	}
	w.armed = false
	w.timer = nil
	w.mu.Unlock()

	w.handler(Expired{At: time.Now(), Generation: gen})
}

func (w *Watchdog) deliver(ev Expired) {
	select {
	case w.expirations <- ev:
	default:
	}
}
