package redis

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/tailhook/zorro/pkg/channel"
	"github.com/tailhook/zorro/pkg/config"
	"github.com/tailhook/zorro/pkg/hub"
)

// fakeRedisServer speaks just enough RESP over a raw fd to answer SET/GET
// pipelined requests with +OK and bulk-string replies, mirroring a real
// Redis server closely enough to exercise Client end to end.
func fakeRedisServer(t *hub.Task, fd int) error {
	buf := make([]byte, 4096)
	for {
		n, err := unix.Read(fd, buf)
		if err == unix.EAGAIN || err == unix.EINTR {
			if werr := t.WaitRead(fd); werr != nil {
				return werr
			}
			continue
		}
		if err != nil {
			return err
		}
		// Count '*' array markers to know how many commands arrived in
		// this read and reply once per command with a canned value.
		replies := make([]byte, 0, 64)
		for _, b := range buf[:n] {
			if b == '*' {
				replies = append(replies, []byte("$5\r\nhello\r\n")...)
			}
		}
		if len(replies) == 0 {
			continue
		}
		if err := writeAll(t, fd, replies); err != nil {
			return err
		}
	}
}

func writeAll(t *hub.Task, fd int, data []byte) error {
	for len(data) > 0 {
		if err := t.WaitWrite(fd); err != nil {
			return err
		}
		n, err := unix.Write(fd, data)
		if err == unix.EAGAIN || err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

func TestClientPipelinesSetGetSetGet(t *testing.T) {
	h, err := hub.New(config.DefaultHubConfig(), nil)
	require.NoError(t, err)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	require.NoError(t, unix.SetNonblock(fds[1], true))

	ch := channel.NewPipelinedReqChannel(h, nil, fds[0])
	ch.Start(ch.RunSender, func(t *hub.Task) error { return runReceiver(t, ch, BufSize) })
	client := &Client{ch: ch}

	h.SpawnHelper("fake-server", func(t *hub.Task) {
		fakeRedisServer(t, fds[1])
	})

	var replies []interface{}
	h.Spawn("caller", func(t *hub.Task) {
		commands := [][]interface{}{
			{"SET", "a", "1"},
			{"GET", "a"},
			{"SET", "b", "2"},
			{"GET", "b"},
		}
		// All four requests are queued before any reply is awaited, so
		// they are in flight together and resolve in send order.
		var futs []*hub.Future
		for _, cmd := range commands {
			var buf bytes.Buffer
			encodeCommand(&buf, cmd)
			fut, err := client.ch.Request(buf.Bytes(), channel.SingleFrame)
			require.NoError(t, err)
			futs = append(futs, fut)
		}
		for _, fut := range futs {
			v, err := fut.Get(t, 0)
			require.NoError(t, err)
			replies = append(replies, v)
		}
	})

	require.NoError(t, h.Run())
	require.Len(t, replies, 4)
	for _, v := range replies {
		require.Equal(t, []byte("hello"), v)
	}
	unix.Close(fds[1])
}

func TestClientPipelineSendsMultipleCommandsAsOneRequest(t *testing.T) {
	h, err := hub.New(config.DefaultHubConfig(), nil)
	require.NoError(t, err)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	require.NoError(t, unix.SetNonblock(fds[1], true))

	ch := channel.NewPipelinedReqChannel(h, nil, fds[0])
	ch.Start(ch.RunSender, func(t *hub.Task) error { return runReceiver(t, ch, BufSize) })
	client := &Client{ch: ch}

	h.SpawnHelper("fake-server", func(t *hub.Task) {
		fakeRedisServer(t, fds[1])
	})

	var result interface{}
	h.Spawn("caller", func(t *hub.Task) {
		var err error
		result, err = client.Pipeline(t, [][]interface{}{
			{"SET", "a", 1},
			{"SET", "b", 2},
			{"GET", "a"},
		})
		require.NoError(t, err)
	})

	require.NoError(t, h.Run())
	replies, ok := result.([]interface{})
	require.True(t, ok)
	require.Len(t, replies, 3)
	unix.Close(fds[1])
}

// TestDialEstablishesConnectionUsingChannelConfig exercises Dial's
// config.ChannelConfig-driven TCP handshake end to end against a real
// loopback listener, confirming the non-blocking connect's writability
// wait and SO_ERROR check accept a successful connection.
func TestDialEstablishesConnectionUsingChannelConfig(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	cfg := config.DefaultChannelConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = uint16(addr.Port)

	h, err := hub.New(config.DefaultHubConfig(), nil)
	require.NoError(t, err)

	var client *Client
	var dialErr error
	h.Spawn("dialer", func(t *hub.Task) {
		client, dialErr = Dial(t, h, nil, cfg)
		h.Stop()
	})

	require.NoError(t, h.Run())
	require.NoError(t, dialErr)
	require.NotNil(t, client)

	select {
	case conn := <-accepted:
		conn.Close()
	default:
		t.Fatalf("server never observed the connection")
	}
}

// TestDialFailsWhenNothingIsListening confirms finishConnect's SO_ERROR
// check surfaces a real connection failure instead of handing back a
// falsely-alive fd (spec §9 "Single-flight connect").
func TestDialFailsWhenNothingIsListening(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	require.NoError(t, ln.Close())

	cfg := config.DefaultChannelConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = uint16(addr.Port)
	cfg.ConnectTimeout = time.Second

	h, err := hub.New(config.DefaultHubConfig(), nil)
	require.NoError(t, err)

	var dialErr error
	h.Spawn("dialer", func(t *hub.Task) {
		_, dialErr = Dial(t, h, nil, cfg)
	})

	require.NoError(t, h.Run())
	require.Error(t, dialErr)
}
