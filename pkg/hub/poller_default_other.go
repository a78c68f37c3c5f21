//go:build unix && !linux

package hub

import "fmt"

func newDefaultPoller() (Poller, error) { return newPollPoller() }

func newEpollPoller() (Poller, error) {
	return nil, fmt.Errorf("hub: epoll poller requested on non-Linux host")
}
