package triggers

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrPredicatePanic wraps a panic recovered from a predicate.
var ErrPredicatePanic = errors.New("trigger predicate panicked")

// ExitIntentEdge is the largest pointer y coordinate that still counts as
// leaving through the top of the viewport.
const ExitIntentEdge = 0

// Result is the single resolution of one predicate.
type Result struct {
	Kind Kind
	Met  bool
	Err  error
}

// Handle is a running predicate. It resolves at most once; Cancel releases
// its timers and subscriptions and discards any later resolution.
type Handle struct {
	kind Kind
	done chan Result

	mu       sync.Mutex
	settled  bool
	released bool
	cleanup  []func()
}

func newHandle(kind Kind) *Handle {
	return &Handle{kind: kind, done: make(chan Result, 1)}
}

// Kind returns the trigger kind of the predicate.
func (h *Handle) Kind() Kind { return h.kind }

// Done delivers the result once the predicate resolves. It never delivers
// after Cancel.
func (h *Handle) Done() <-chan Result { return h.done }

// Cancel stops the predicate. It is safe to call at any time and more than
// once.
func (h *Handle) Cancel() {
	h.mu.Lock()
	h.settled = true
	h.mu.Unlock()
	h.release()
}

// Settled reports whether the predicate resolved or was cancelled.
func (h *Handle) Settled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.settled
}

func (h *Handle) resolve(met bool, err error) {
	h.mu.Lock()
	if h.settled {
		h.mu.Unlock()
		return
	}
	h.settled = true
	h.done <- Result{Kind: h.kind, Met: met, Err: err}
	h.mu.Unlock()
	h.release()
}

// onRelease registers f to run when the predicate resolves or is cancelled.
// If that already happened f runs immediately.
func (h *Handle) onRelease(f func()) {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		f()
		return
	}
	h.cleanup = append(h.cleanup, f)
	h.mu.Unlock()
}

func (h *Handle) release() {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return
	}
	h.released = true
	fns := h.cleanup
	h.cleanup = nil
	h.mu.Unlock()
	for _, f := range fns {
		f()
	}
}

// guard runs f and turns a panic into a false resolution.
func (h *Handle) guard(f func()) {
	defer func() {
		if r := recover(); r != nil {
			h.resolve(false, fmt.Errorf("%w: %s: %v", ErrPredicatePanic, h.kind, r))
		}
	}()
	f()
}

// Start runs the predicate for t against env.
func Start(t Trigger, env Environment) *Handle {
	h := newHandle(t.Kind())
	h.guard(func() { t.start(env, h) })
	return h
}

func (t PageLoad) start(env Environment, h *Handle) {
	afterDelay(env, h, t.Delay-env.Clock().Now().Sub(env.LoadedAt()))
}

func (t TimeOnPage) start(env Environment, h *Handle) {
	afterDelay(env, h, t.Duration-env.TimeOnPage())
}

func afterDelay(env Environment, h *Handle, remaining time.Duration) {
	if remaining <= 0 {
		h.resolve(true, nil)
		return
	}
	timer := env.Clock().AfterFunc(remaining, func() {
		h.guard(func() { h.resolve(true, nil) })
	})
	h.onRelease(func() { timer.Stop() })
}

func (t ScrollDepth) start(env Environment, h *Handle) {
	unsubscribe := env.Subscribe(EventScroll, func(ev Event) {
		h.guard(func() {
			if ev.ScrollDepth >= t.DepthPercentage {
				h.resolve(true, nil)
			}
		})
	})
	h.onRelease(unsubscribe)
	if env.ScrollDepth() >= t.DepthPercentage {
		h.resolve(true, nil)
	}
}

func (ExitIntent) start(env Environment, h *Handle) {
	unsubscribe := env.Subscribe(EventPointerLeave, func(ev Event) {
		h.guard(func() {
			if ev.ClientY <= ExitIntentEdge {
				h.resolve(true, nil)
			}
		})
	})
	h.onRelease(unsubscribe)
	if env.ExitedTop() {
		h.resolve(true, nil)
	}
}

func (t CartValue) start(env Environment, h *Handle) {
	total, err := env.CartTotal()
	if err != nil {
		h.resolve(false, fmt.Errorf("read cart total: %w", err))
		return
	}
	h.resolve(t.matches(total), nil)
}

func (t CartValue) matches(total float64) bool {
	if total < t.Min {
		return false
	}
	return t.Max <= 0 || total <= t.Max
}

func (t ElementVisible) start(env Environment, h *Handle) {
	unsubscribe := env.Subscribe(EventVisibility, func(ev Event) {
		h.guard(func() {
			if ev.Selector == t.Selector && ev.Visible {
				h.resolve(true, nil)
			}
		})
	})
	h.onRelease(unsubscribe)
	if env.IsVisible(t.Selector) {
		h.resolve(true, nil)
	}
}
