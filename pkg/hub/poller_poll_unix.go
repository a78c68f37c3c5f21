//go:build unix

package hub

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// pollPoller is the portable poll(2) fallback (spec §4.B "portable poll(2)
// fallback"). Used directly when PollerBackend is "poll", and as the
// default on non-Linux unix hosts.
type pollPoller struct {
	mu       sync.Mutex
	interest map[int]EventMask
}

func newPollPoller() (Poller, error) {
	return &pollPoller{interest: make(map[int]EventMask)}, nil
}

func (p *pollPoller) Register(fd int, interest EventMask) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.interest[fd] = interest
	return nil
}

func (p *pollPoller) Modify(fd int, interest EventMask) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.interest[fd]; !ok {
		return fmt.Errorf("hub: modify of unregistered fd %d", fd)
	}
	p.interest[fd] = interest
	return nil
}

func (p *pollPoller) Unregister(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.interest, fd)
	return nil
}

func toPollEvents(m EventMask) int16 {
	var ev int16
	if m.has(EventRead) {
		ev |= unix.POLLIN
	}
	if m.has(EventWrite) {
		ev |= unix.POLLOUT
	}
	return ev
}

func (p *pollPoller) Poll(timeoutMillis int, dst []PollEvent) ([]PollEvent, error) {
	p.mu.Lock()
	fds := make([]unix.PollFd, 0, len(p.interest))
	for fd, mask := range p.interest {
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: toPollEvents(mask)})
	}
	p.mu.Unlock()

	if len(fds) == 0 {
		// Nothing registered: still honor a positive timeout so a
		// Wakeup-only caller doesn't spin, but there is nothing for poll(2)
		// to watch.
		if timeoutMillis > 0 {
			time.Sleep(time.Duration(timeoutMillis) * time.Millisecond)
		}
		return dst, nil
	}

	n, err := unix.Poll(fds, timeoutMillis)
	if err != nil {
		if err == unix.EINTR {
			return dst, nil
		}
		return dst, fmt.Errorf("hub: poll: %w", err)
	}
	if n == 0 {
		return dst, nil
	}
	for _, pfd := range fds {
		if pfd.Revents == 0 {
			continue
		}
		var mask EventMask
		if pfd.Revents&unix.POLLIN != 0 {
			mask |= EventRead
		}
		if pfd.Revents&unix.POLLOUT != 0 {
			mask |= EventWrite
		}
		dst = append(dst, PollEvent{
			Fd:     int(pfd.Fd),
			Ready:  mask,
			HangUp: pfd.Revents&(unix.POLLHUP|unix.POLLRDHUP) != 0,
			Err:    pfd.Revents&unix.POLLERR != 0,
		})
	}
	return dst, nil
}

func (p *pollPoller) Close() error { return nil }
