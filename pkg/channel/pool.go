// Package channel implements zorro's request/reply channel abstractions:
// a shared BaseChannel transport plus the PipelinedReqChannel and
// MuxReqChannel dispatch strategies layered on top of it (spec §4.E–§4.H).
package channel

import (
	"sync/atomic"
	"time"

	"github.com/tailhook/zorro/pkg/hub"
	"github.com/tailhook/zorro/pkg/zerr"
)

// Pool counts how many Call invocations are in flight and bounds how long
// each one may run (spec §4.I "Worker Pool Wrapper"). The in-flight limit
// is enforced only by WaitSlot: Call itself does not wait for a slot, so a
// Call made without a preceding WaitSlot is admitted even at the limit.
// Grounded on
// original_source/zorro/pool.py's Pool: a race between the guarded call
// and a sibling timeout task, whichever finishes first cancels the other.
//
// Call and WaitSlot are meant to be invoked concurrently from many task
// goroutines at once, so the in-flight counter is plain atomic state
// rather than something routed through the hub's command channel — it
// only gates admission, it is never read by the hub goroutine itself.
type Pool struct {
	h       *hub.Hub
	limit   int32
	timeout time.Duration
	current int32
	cond    *hub.Condition
}

// NewPool creates a Pool on h whose WaitSlot admits callers while fewer
// than limit Call invocations are in flight, each Call bounded by timeout
// (timeout<=0 disables the bound).
func NewPool(h *hub.Hub, limit int, timeout time.Duration) *Pool {
	return &Pool{h: h, limit: int32(limit), timeout: timeout, cond: h.NewCondition()}
}

// WaitSlot blocks the calling task until fewer than limit calls are in
// flight, without itself occupying a slot (spec §4.I "WaitSlot").
func (p *Pool) WaitSlot(t *hub.Task) error {
	for atomic.LoadInt32(&p.current) >= p.limit {
		if err := p.cond.Wait(t, 0); err != nil {
			return err
		}
	}
	return nil
}

// Call runs fn as a sibling helper task, racing it against a timeout task;
// whichever finishes first wins and the loser is cancelled (spec §4.I).
func Call[T any](p *Pool, fn func(t *hub.Task) (T, error)) (T, error) {
	atomic.AddInt32(&p.current, 1)
	defer func() {
		atomic.AddInt32(&p.current, -1)
		p.cond.Notify()
	}()

	type outcome struct {
		value T
		err   error
	}
	done := make(chan outcome, 1)
	fired := make(chan struct{})

	work := p.h.SpawnHelper("pool-call", func(t *hub.Task) {
		v, err := fn(t)
		done <- outcome{v, err}
	})

	var timer *hub.Task
	if p.timeout > 0 {
		timer = p.h.SpawnHelper("pool-timeout", func(t *hub.Task) {
			if err := t.Sleep(p.timeout); err != nil {
				return // cancelled: the call already finished
			}
			close(fired)
		})
	}

	select {
	case o := <-done:
		if timer != nil {
			p.h.CancelTask(timer, "call finished before timeout")
		}
		return o.value, o.err
	case <-fired:
		p.h.CancelTask(work, "timed out")
		var zero T
		return zero, &zerr.TimeoutError{Waited: p.timeout.String()}
	}
}
