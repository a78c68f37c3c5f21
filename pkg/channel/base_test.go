package channel

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/tailhook/zorro/pkg/config"
	"github.com/tailhook/zorro/pkg/hub"
)

// socketpair returns two connected, non-blocking Unix domain socket fds.
func socketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	require.NoError(t, unix.SetNonblock(fds[1], true))
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func newTestHub(t *testing.T) *hub.Hub {
	t.Helper()
	h, err := hub.New(config.DefaultHubConfig(), nil)
	require.NoError(t, err)
	return h
}

func TestBaseChannelRoundTripsData(t *testing.T) {
	h := newTestHub(t)
	clientFd, serverFd := socketpair(t)

	client := NewBaseChannel(h, nil, clientFd)
	client.Start(client.RunSender, func(t *hub.Task) error {
		buf := make([]byte, 64)
		_, err := client.ReadSome(t, buf)
		return err
	})

	var got string
	h.SpawnHelper("server-echo", func(t *hub.Task) {
		buf := make([]byte, 64)
		for {
			n, err := unix.Read(serverFd, buf)
			if err == unix.EAGAIN || err == unix.EINTR {
				if werr := t.WaitRead(serverFd); werr != nil {
					return
				}
				continue
			}
			if err != nil {
				return
			}
			got = string(buf[:n])
			return
		}
	})

	h.Spawn("client-request", func(t *hub.Task) {
		client.enqueuePending([]byte("hello"))
		require.NoError(t, t.Sleep(20*time.Millisecond))
	})

	require.NoError(t, h.Run())
	require.Equal(t, "hello", got)
}

func TestBaseChannelAliveFlipsFalseOnceOnPeerClose(t *testing.T) {
	h := newTestHub(t)
	clientFd, serverFd := socketpair(t)
	unix.Close(serverFd) // immediately dead peer

	client := NewBaseChannel(h, nil, clientFd)
	deadCount := 0
	client.onDead = func(err error) { deadCount++ }

	client.Start(client.RunSender, func(t *hub.Task) error {
		buf := make([]byte, 64)
		_, err := client.ReadSome(t, buf)
		return err
	})

	h.Spawn("driver", func(t *hub.Task) {
		require.NoError(t, t.Sleep(20*time.Millisecond))
	})

	require.NoError(t, h.Run())
	require.False(t, client.IsAlive())
	require.Equal(t, 1, deadCount, "onDead must fire exactly once even though both workers exit")
}

func TestBaseChannelReadSomeReturnsEOFOnCleanClose(t *testing.T) {
	h := newTestHub(t)
	clientFd, serverFd := socketpair(t)

	var readErr error
	h.Spawn("reader", func(t *hub.Task) {
		client := NewBaseChannel(h, nil, clientFd)
		buf := make([]byte, 16)
		_, readErr = client.ReadSome(t, buf)
	})
	h.Spawn("closer", func(t *hub.Task) {
		require.NoError(t, t.Sleep(5*time.Millisecond))
		unix.Close(serverFd)
	})

	require.NoError(t, h.Run())
	require.ErrorIs(t, readErr, io.EOF)
}
