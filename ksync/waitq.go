package ksync

import (
	"sync"
	"time"

	mkern "github.com/ehrlich-b/go-mkern"
)

// ErrTimeout is returned by SleepTimeout when the budget expires before
// a wakeup arrives.
var ErrTimeout = mkern.NewError("waitq_sleep_timeout", mkern.ErrCodeTimeout, "sleep timed out")

// WaitQ is a wait queue: goroutines sleep on it until woken. A wakeup
// delivered while nobody sleeps is remembered (a "missed wakeup") and
// satisfies the next sleeper immediately. The zero value is ready to use.
type WaitQ struct {
	mu      sync.Mutex
	missed  int
	waiters []chan struct{}
}

// Sleep blocks the caller until a wakeup is delivered. A pending missed
// wakeup is consumed without blocking.
func (w *WaitQ) Sleep() {
	ch, ok := w.prepare()
	if !ok {
		return
	}
	<-ch
}

// SleepTimeout blocks like Sleep but gives up after d, returning
// ErrTimeout. A nil return means a wakeup was consumed.
func (w *WaitQ) SleepTimeout(d time.Duration) error {
	ch, ok := w.prepare()
	if !ok {
		return nil
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ch:
		return nil
	case <-t.C:
	}

	// The timer fired, but a wakeup may have raced it. If our channel is
	// still queued we lost the race with nobody; otherwise the wakeup was
	// ours and we must not report a timeout.
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, c := range w.waiters {
		if c == ch {
			w.waiters = append(w.waiters[:i], w.waiters[i+1:]...)
			return ErrTimeout
		}
	}
	return nil
}

// prepare either consumes a missed wakeup (ok == false, no channel) or
// enqueues the caller and returns its wakeup channel.
func (w *WaitQ) prepare() (chan struct{}, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.missed > 0 {
		w.missed--
		return nil, false
	}
	ch := make(chan struct{})
	w.waiters = append(w.waiters, ch)
	return ch, true
}

// Wakeup wakes the first sleeper, or all of them. With no sleepers
// present the wakeup is recorded as missed.
func (w *WaitQ) Wakeup(all bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.waiters) == 0 {
		w.missed++
		return
	}
	if all {
		for _, ch := range w.waiters {
			close(ch)
		}
		w.waiters = nil
		return
	}
	close(w.waiters[0])
	w.waiters = w.waiters[1:]
}

// ClearMissed forgets any recorded missed wakeups.
func (w *WaitQ) ClearMissed() {
	w.mu.Lock()
	w.missed = 0
	w.mu.Unlock()
}
