// ABOUTME: Single-shot cancellable property-watch future
// ABOUTME: Resolves when a watched property value satisfies a predicate
package sink

import (
	"context"
	"errors"
	"sync"
)

// ErrWatchCancelled is returned from Await when a watch is superseded. The
// awaiting caller must abandon its dependent action.
var ErrWatchCancelled = errors.New("watch cancelled")

type watchState int

const (
	watchPending watchState = iota
	watchResolved
	watchCancelled
)

// Watch is a single-shot awaitable keyed to one observed property and a
// predicate over its value. It is pending until a property update satisfies
// the predicate (resolved) or the owner cancels it. A done watch never
// changes state again; reuse across transitions is deliberately impossible.
type Watch struct {
	pred func(string) bool

	mu    sync.Mutex
	state watchState
	done  chan struct{}
}

// NewWatch creates a pending watch over pred. Player.WatchMode is the usual
// entry point; this exists for alternate sink implementations.
func NewWatch(pred func(string) bool) *Watch {
	return &Watch{pred: pred, done: make(chan struct{})}
}

// Done reports whether the watch has resolved or been cancelled.
func (w *Watch) Done() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state != watchPending
}

// Cancel marks the watch cancelled and wakes any awaiter. Cancelling a done
// watch is a no-op.
func (w *Watch) Cancel() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != watchPending {
		return
	}
	w.state = watchCancelled
	close(w.done)
}

// Offer feeds an observed property value to the watch. It resolves the
// watch when the predicate holds and reports whether the watch is done.
func (w *Watch) Offer(value string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != watchPending {
		return true
	}
	if !w.pred(value) {
		return false
	}
	w.state = watchResolved
	close(w.done)
	return true
}

// Await blocks until the watch is done or ctx expires. It returns nil on
// resolution and ErrWatchCancelled on cancellation.
func (w *Watch) Await(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-w.done:
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == watchCancelled {
		return ErrWatchCancelled
	}
	return nil
}
