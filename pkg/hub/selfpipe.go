//go:build unix

package hub

import (
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// selfPipe lets any goroutine interrupt a blocking Poll() call on the hub
// goroutine (spec §3 "Poller adapter", §5 "Wakeup"). Only one byte is ever
// kept pending: Wakeup is idempotent between drains.
type selfPipe struct {
	r, w    int
	pending int32
}

func newSelfPipe() (*selfPipe, error) {
	fds, err := unix.Pipe2(nil, unix.O_CLOEXEC)
	if err != nil {
		return nil, err
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, err
	}
	if err := unix.SetNonblock(fds[1], true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, err
	}
	return &selfPipe{r: fds[0], w: fds[1]}, nil
}

// readFd is the fd registered with the Poller for EventRead.
func (p *selfPipe) readFd() int { return p.r }

// wake writes a single byte iff one is not already pending. Safe to call
// from any goroutine.
func (p *selfPipe) wake() {
	if atomic.CompareAndSwapInt32(&p.pending, 0, 1) {
		var b [1]byte
		for {
			_, err := unix.Write(p.w, b[:])
			if err == unix.EINTR {
				continue
			}
			break
		}
	}
}

// drain consumes all pending bytes and clears the pending flag. Must be
// called from the hub goroutine after Poll reports p.readFd() ready.
func (p *selfPipe) drain() {
	var b [64]byte
	for {
		n, err := unix.Read(p.r, b[:])
		if n <= 0 || err != nil {
			break
		}
	}
	atomic.StoreInt32(&p.pending, 0)
}

func (p *selfPipe) close() {
	unix.Close(p.r)
	unix.Close(p.w)
}
