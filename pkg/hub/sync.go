package hub

import (
	"time"

	"github.com/tailhook/zorro/pkg/zerr"
)

// Future is a single-assignment value rendezvous (spec §4.D "Future").
// All state is mutated only by the hub goroutine via pushCommand, so
// waiters never race with the setter or with each other.
type Future struct {
	h        *Hub
	done     bool
	value    interface{}
	err      error
	waiters  []*Task
}

// NewFuture creates an unset Future bound to h.
func (h *Hub) NewFuture() *Future {
	return &Future{h: h}
}

// Set resolves the future with value, waking every waiter. Safe to call
// from any goroutine; a second Set is a no-op (spec §4.D "set once").
func (f *Future) Set(value interface{}) {
	f.h.pushCommand(func(h *Hub) {
		if f.done {
			return
		}
		f.done = true
		f.value = value
		for _, t := range f.waiters {
			h.fire(t, resumeValue{})
		}
		f.waiters = nil
	})
}

// Fail resolves the future with an error, waking every waiter with it.
func (f *Future) Fail(err error) {
	f.h.pushCommand(func(h *Hub) {
		if f.done {
			return
		}
		f.done = true
		f.err = err
		for _, t := range f.waiters {
			h.fire(t, resumeValue{err: err})
		}
		f.waiters = nil
	})
}

// Get blocks the calling task until the future is resolved, the timeout
// (if positive) elapses, or the task is cancelled (spec §4.D "Future.get").
func (f *Future) Get(t *Task, timeout time.Duration) (interface{}, error) {
	type result struct {
		value interface{}
		err   error
		ready bool
	}
	resCh := make(chan result, 1)
	f.h.pushCommand(func(h *Hub) {
		if f.done {
			resCh <- result{f.value, f.err, true}
			return
		}
		f.waiters = append(f.waiters, t)
		removeWaiter := func() {
			for i, w := range f.waiters {
				if w == t {
					f.waiters = append(f.waiters[:i], f.waiters[i+1:]...)
					break
				}
			}
		}
		t.addCleanup(removeWaiter)
		if timeout > 0 {
			removeTimer := h.timers.add(time.Now().Add(timeout), t)
			t.addCleanup(removeTimer)
		}
		resCh <- result{ready: false}
	})
	if r := <-resCh; r.ready {
		return r.value, r.err
	}
	v := <-t.resumeCh
	if v.kind == "timeout" {
		return nil, &zerr.TimeoutError{Waited: timeout.String()}
	}
	if v.kind == "cancel" {
		return nil, v.err
	}
	if v.err != nil {
		return nil, v.err
	}
	return f.value, f.err
}

// Condition is a hub-goroutine-owned wait/notify primitive (spec §4.D
// "Condition"), the Go analogue of zorro's coroutine condition variable.
type Condition struct {
	h       *Hub
	waiters []*Task
}

// NewCondition creates an empty Condition bound to h.
func (h *Hub) NewCondition() *Condition {
	return &Condition{h: h}
}

// Wait suspends the calling task until Notify/NotifyAll wakes it, the
// timeout (if positive) elapses, or the task is cancelled.
func (c *Condition) Wait(t *Task, timeout time.Duration) error {
	c.h.pushCommand(func(h *Hub) {
		c.waiters = append(c.waiters, t)
		removeWaiter := func() {
			for i, w := range c.waiters {
				if w == t {
					c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
					break
				}
			}
		}
		t.addCleanup(removeWaiter)
		if timeout > 0 {
			removeTimer := h.timers.add(time.Now().Add(timeout), t)
			t.addCleanup(removeTimer)
		}
	})
	v := <-t.resumeCh
	if v.kind == "timeout" {
		return &zerr.TimeoutError{Waited: timeout.String()}
	}
	return v.err
}

// Notify wakes at most one waiter (spec §4.D "Condition.notify").
func (c *Condition) Notify() {
	c.h.pushCommand(func(h *Hub) {
		if len(c.waiters) == 0 {
			return
		}
		t := c.waiters[0]
		c.waiters = c.waiters[1:]
		h.fire(t, resumeValue{})
	})
}

// NotifyAll wakes every waiter (spec §4.D "Condition.notify_all").
func (c *Condition) NotifyAll() {
	c.h.pushCommand(func(h *Hub) {
		for _, t := range c.waiters {
			h.fire(t, resumeValue{})
		}
		c.waiters = nil
	})
}

// Lock is a non-reentrant mutex for task bodies (spec §4.D "Lock"),
// acquired and released only from task goroutines; ownership handoff runs
// through the hub goroutine like every other wakeup.
type Lock struct {
	h       *Hub
	held    bool
	waiters []*Task
}

// NewLock creates an unheld Lock bound to h.
func (h *Hub) NewLock() *Lock {
	return &Lock{h: h}
}

// Acquire blocks the calling task until the lock is free, then takes it.
func (l *Lock) Acquire(t *Task) error {
	type result struct{ granted bool }
	resCh := make(chan result, 1)
	l.h.pushCommand(func(h *Hub) {
		if !l.held {
			l.held = true
			resCh <- result{true}
			return
		}
		l.waiters = append(l.waiters, t)
		removeWaiter := func() {
			for i, w := range l.waiters {
				if w == t {
					l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
					break
				}
			}
		}
		t.addCleanup(removeWaiter)
		resCh <- result{false}
	})
	if r := <-resCh; r.granted {
		return nil
	}
	v := <-t.resumeCh
	return v.err
}

// Release hands the lock to the next waiter, or marks it free.
func (l *Lock) Release() {
	l.h.pushCommand(func(h *Hub) {
		if len(l.waiters) == 0 {
			l.held = false
			return
		}
		t := l.waiters[0]
		l.waiters = l.waiters[1:]
		h.fire(t, resumeValue{})
	})
}
