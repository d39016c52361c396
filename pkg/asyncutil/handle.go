// Package asyncutil provides a small promise-shaped completion handle,
// adapted from this corpus's async-result pattern (a value you Fulfill or
// Fail exactly once, with callers able to block on it or register a
// failure callback) for callers that need to await a background session
// reaching some milestone without blocking the component that owns it.
package asyncutil

import "sync"

// Handle is a single-assignment future: exactly one of Fulfill or Fail may
// be called, exactly once. Wait blocks until that happens.
type Handle struct {
	mu   sync.Mutex
	done chan struct{}

	value interface{}
	err   error

	onFailure []func(error)
}

// NewHandle returns a Handle ready to be waited on.
func NewHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

// Fulfill completes the handle successfully with value. A second call, or a
// call after Fail, is a no-op.
func (h *Handle) Fulfill(value interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.done:
		return
	default:
	}
	h.value = value
	close(h.done)
}

// Fail completes the handle with an error, invoking any OnFailure callbacks
// registered so far. A second call, or a call after Fulfill, is a no-op.
func (h *Handle) Fail(err error) {
	h.mu.Lock()
	if h.isDone() {
		h.mu.Unlock()
		return
	}
	h.err = err
	callbacks := h.onFailure
	close(h.done)
	h.mu.Unlock()

	for _, cb := range callbacks {
		cb(err)
	}
}

func (h *Handle) isDone() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// OnFailure registers a callback invoked if and when Fail is called. If the
// handle has already failed, cb is invoked immediately. Callbacks are never
// invoked if the handle is fulfilled instead.
func (h *Handle) OnFailure(cb func(error)) {
	h.mu.Lock()
	if h.isDone() {
		err := h.err
		h.mu.Unlock()
		if err != nil {
			cb(err)
		}
		return
	}
	h.onFailure = append(h.onFailure, cb)
	h.mu.Unlock()
}

// Wait blocks until the handle is fulfilled or failed, returning the
// fulfilled value (nil on failure) and any error.
func (h *Handle) Wait() (interface{}, error) {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.value, h.err
}

// Done returns a channel closed once the handle is fulfilled or failed, for
// use in select statements.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}
