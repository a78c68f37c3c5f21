package hub

import "fmt"

// EventMask is the set of readiness conditions a caller wants reported for
// a file descriptor (spec §3 "Poller adapter", §4.B).
type EventMask uint8

const (
	EventRead EventMask = 1 << iota
	EventWrite
)

func (m EventMask) has(f EventMask) bool { return m&f != 0 }

func (m EventMask) String() string {
	switch {
	case m.has(EventRead) && m.has(EventWrite):
		return "rw"
	case m.has(EventRead):
		return "r"
	case m.has(EventWrite):
		return "w"
	default:
		return "-"
	}
}

// PollEvent reports what became ready on fd.
type PollEvent struct {
	Fd     int
	Ready  EventMask
	HangUp bool
	Err    bool
}

// Poller is the readiness-notification backend the Hub drains every run
// loop iteration (spec §3 "Poller adapter"). Implementations must be
// level-triggered: a still-ready fd that was not re-armed is reported
// again on the next Poll.
type Poller interface {
	// Register starts watching fd for the given interest set.
	Register(fd int, interest EventMask) error
	// Modify changes fd's interest set; fd must already be registered.
	Modify(fd int, interest EventMask) error
	// Unregister stops watching fd. Safe to call on an fd the OS may
	// already have dropped (e.g. after close(2)).
	Unregister(fd int) error
	// Poll blocks up to timeoutMillis (negative: forever, 0: no wait) and
	// appends ready events to dst, returning the extended slice.
	Poll(timeoutMillis int, dst []PollEvent) ([]PollEvent, error)
	// Close releases the poller's own resources (e.g. the epoll fd).
	Close() error
}

// newPoller constructs the default poller for cfg.PollerBackend, resolving
// PollerAuto to the best backend for the host OS (spec §4.B).
func newPoller(backend string) (Poller, error) {
	switch backend {
	case "", "auto":
		return newDefaultPoller()
	case "epoll":
		return newEpollPoller()
	case "poll":
		return newPollPoller()
	default:
		return nil, fmt.Errorf("hub: unknown poller backend %q", backend)
	}
}
