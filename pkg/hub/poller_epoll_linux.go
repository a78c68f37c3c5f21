//go:build linux

package hub

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// epollPoller is the Linux readiness backend (spec §4.B "epoll on Linux").
// No teacher analogue exists for fd-readiness polling; this is the direct
// Go translation of original_source/zorro/core.pyx's use of Python's
// select.epoll(), built on golang.org/x/sys/unix.
type epollPoller struct {
	epfd int
}

func newEpollPoller() (Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("hub: epoll_create1: %w", err)
	}
	return &epollPoller{epfd: fd}, nil
}

func newDefaultPoller() (Poller, error) { return newEpollPoller() }

func toEpollEvents(m EventMask) uint32 {
	var ev uint32
	if m.has(EventRead) {
		ev |= unix.EPOLLIN
	}
	if m.has(EventWrite) {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func (p *epollPoller) Register(fd int, interest EventMask) error {
	ev := &unix.EpollEvent{Events: toEpollEvents(interest), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, ev)
}

func (p *epollPoller) Modify(fd int, interest EventMask) error {
	ev := &unix.EpollEvent{Events: toEpollEvents(interest), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, ev)
}

func (p *epollPoller) Unregister(fd int) error {
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err == unix.ENOENT || err == unix.EBADF {
		return nil
	}
	return err
}

func (p *epollPoller) Poll(timeoutMillis int, dst []PollEvent) ([]PollEvent, error) {
	var raw [128]unix.EpollEvent
	n, err := unix.EpollWait(p.epfd, raw[:], timeoutMillis)
	if err != nil {
		if err == unix.EINTR {
			return dst, nil
		}
		return dst, fmt.Errorf("hub: epoll_wait: %w", err)
	}
	for i := 0; i < n; i++ {
		e := raw[i]
		var mask EventMask
		if e.Events&unix.EPOLLIN != 0 {
			mask |= EventRead
		}
		if e.Events&unix.EPOLLOUT != 0 {
			mask |= EventWrite
		}
		dst = append(dst, PollEvent{
			Fd:     int(e.Fd),
			Ready:  mask,
			HangUp: e.Events&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0,
			Err:    e.Events&unix.EPOLLERR != 0,
		})
	}
	return dst, nil
}

func (p *epollPoller) Close() error {
	return unix.Close(p.epfd)
}
