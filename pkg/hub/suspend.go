package hub

import (
	"time"

	"github.com/tailhook/zorro/pkg/zerr"
)

// fire moves t onto the ready queue with resume value v, first detaching
// it from whatever other suspension sources it was registered with (spec
// §3 "detach": exactly one of several racing wakeup sources wins).
func (h *Hub) fire(t *Task, v resumeValue) {
	t.detach()
	hook := h.ready.add(t, v)
	t.addCleanup(hook)
}

func (h *Hub) registerFdWait(t *Task, fd int, mask EventMask) {
	fw := h.fdWaiters[fd]
	if fw == nil {
		fw = &fdWait{}
		h.fdWaiters[fd] = fw
		h.poller.Register(fd, mask)
	} else {
		h.poller.Modify(fd, fw.interest()|mask)
	}
	if mask.has(EventRead) {
		fw.readTask = t
	}
	if mask.has(EventWrite) {
		fw.writeTask = t
	}
	t.addCleanup(func() { h.unregisterFdWait(t, fd, mask) })
}

func (h *Hub) unregisterFdWait(t *Task, fd int, mask EventMask) {
	fw := h.fdWaiters[fd]
	if fw == nil {
		return
	}
	if mask.has(EventRead) && fw.readTask == t {
		fw.readTask = nil
	}
	if mask.has(EventWrite) && fw.writeTask == t {
		fw.writeTask = nil
	}
	if remaining := fw.interest(); remaining == 0 {
		delete(h.fdWaiters, fd)
		h.poller.Unregister(fd)
	} else {
		h.poller.Modify(fd, remaining)
	}
}

func (h *Hub) handleEvents(events []PollEvent) {
	for _, e := range events {
		if e.Fd == h.pipe.readFd() {
			h.pipe.drain()
			continue
		}
		fw := h.fdWaiters[e.Fd]
		if fw == nil {
			continue
		}
		var waitErr error
		if e.Err || e.HangUp {
			waitErr = &zerr.WaitError{Fd: uintptr(e.Fd)}
		}
		if fw.readTask != nil && (e.Ready.has(EventRead) || waitErr != nil) {
			h.fire(fw.readTask, resumeValue{kind: "read", err: waitErr})
		}
		if fw.writeTask != nil && (e.Ready.has(EventWrite) || waitErr != nil) {
			h.fire(fw.writeTask, resumeValue{kind: "write", err: waitErr})
		}
	}
}

func (h *Hub) expireTimers(now time.Time) {
	for {
		t := h.timers.pop(now)
		if t == nil {
			return
		}
		h.fire(t, resumeValue{kind: "timeout"})
	}
}

// Sleep suspends the calling task until d has elapsed (spec §6
// "Task.Sleep"). A timer firing is success for Sleep specifically — there
// is no other outcome to race against.
func (t *Task) Sleep(d time.Duration) error {
	h := t.hub
	h.pushCommand(func(h *Hub) {
		removeTimer := h.timers.add(time.Now().Add(d), t)
		t.addCleanup(removeTimer)
	})
	v := <-t.resumeCh
	if v.kind == "cancel" {
		return v.err
	}
	return nil
}

// WaitRead suspends until fd is readable, or the task is cancelled
// (spec §6 "Task.WaitRead").
func (t *Task) WaitRead(fd int) error {
	return t.hub.waitFd(t, fd, EventRead, 0)
}

// WaitWrite suspends until fd is writable, or the task is cancelled
// (spec §6 "Task.WaitWrite").
func (t *Task) WaitWrite(fd int) error {
	return t.hub.waitFd(t, fd, EventWrite, 0)
}

// WaitReadTimeout is WaitRead with a deadline; a d<=0 disables the
// deadline. Unlike Sleep, a timeout firing here IS a failure: the caller
// was waiting for readiness, not for time to pass.
func (t *Task) WaitReadTimeout(fd int, d time.Duration) error {
	return t.hub.waitFd(t, fd, EventRead, d)
}

// WaitWriteTimeout is WaitWrite with a deadline; see WaitReadTimeout.
func (t *Task) WaitWriteTimeout(fd int, d time.Duration) error {
	return t.hub.waitFd(t, fd, EventWrite, d)
}

func (h *Hub) waitFd(t *Task, fd int, mask EventMask, timeout time.Duration) error {
	h.pushCommand(func(h *Hub) {
		h.registerFdWait(t, fd, mask)
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
