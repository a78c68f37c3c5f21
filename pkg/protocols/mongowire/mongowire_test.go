package mongowire

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/tailhook/zorro/pkg/channel"
	"github.com/tailhook/zorro/pkg/config"
	"github.com/tailhook/zorro/pkg/hub"
)

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

// readHeader reads one whole message (header and body) off fd and returns
// its requestID, so the next call starts at the next message's header.
func readHeader(t *hub.Task, fd int) (requestID uint32, err error) {
	buf := make([]byte, headerSize)
	read := 0
	for read < len(buf) {
		n, rerr := unix.Read(fd, buf[read:])
		if rerr == unix.EAGAIN || rerr == unix.EINTR {
			if werr := t.WaitRead(fd); werr != nil {
				return 0, werr
			}
			continue
		}
		if rerr != nil {
			return 0, rerr
		}
		read += n
		if read == headerSize && len(buf) == headerSize {
			length := int(binary.LittleEndian.Uint32(buf[0:4]))
			buf = append(buf, make([]byte, length-headerSize)...)
		}
	}
	return binary.LittleEndian.Uint32(buf[4:8]), nil
}

// TestChannelResolvesOutOfOrderRepliesByResponseTo sends two concurrent
// requests and has the fake server reply to the SECOND one first; the
// client must still resolve each future with the matching body, proving
// correlation happens by responseTo and not by send order.
func TestChannelResolvesOutOfOrderRepliesByResponseTo(t *testing.T) {
	h, err := hub.New(config.DefaultHubConfig(), nil)
	require.NoError(t, err)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	require.NoError(t, unix.SetNonblock(fds[1], true))

	muxCh := channel.NewMuxReqChannel(h, nil, fds[0], &wrappingIDGenerator{})
	muxCh.Start(muxCh.RunSender, func(t *hub.Task) error { return runReceiver(t, muxCh, defaultBufSize) })
	c := &Channel{ch: muxCh}

	serverGotBoth := make(chan struct{})
	h.SpawnHelper("fake-server", func(t *hub.Task) {
		firstReqID, err := readHeader(t, fds[1])
		if err != nil {
			return
		}
		secondReqID, err := readHeader(t, fds[1])
		if err != nil {
			return
		}
		close(serverGotBoth)

		// Reply to the second request first.
		secondReply := make([]byte, headerSize)
		binary.LittleEndian.PutUint32(secondReply[0:4], headerSize)
		binary.LittleEndian.PutUint32(secondReply[8:12], secondReqID)
		if writeAll(t, fds[1], secondReply) != nil {
			return
		}

		firstReply := make([]byte, headerSize)
		binary.LittleEndian.PutUint32(firstReply[0:4], headerSize)
		binary.LittleEndian.PutUint32(firstReply[8:12], firstReqID)
		writeAll(t, fds[1], firstReply)
	})

	var firstBody, secondBody []byte
	h.Spawn("caller", func(t *hub.Task) {
		firstFut, err := c.Request(t, 1, []byte("first"))
		require.NoError(t, err)
		secondFut, err := c.Request(t, 1, []byte("second"))
		require.NoError(t, err)

		fv, err := firstFut.Get(t, 0)
		require.NoError(t, err)
		firstBody = fv.([]byte)

		sv, err := secondFut.Get(t, 0)
		require.NoError(t, err)
		secondBody = sv.([]byte)
	})

	require.NoError(t, h.Run())
	<-serverGotBoth
	// Both replies carry only the header (no body beyond it); each
	// resolved frame's responseTo must name its own request's id (the
	// fresh generator hands out "1" then "2"), so a swap would show here.
	require.Len(t, firstBody, headerSize)
	require.Len(t, secondBody, headerSize)
	require.Equal(t, uint32(1), binary.LittleEndian.Uint32(firstBody[8:12]))
	require.Equal(t, uint32(2), binary.LittleEndian.Uint32(secondBody[8:12]))
	unix.Close(fds[1])
}

func TestWrappingIDGeneratorNeverYieldsZero(t *testing.T) {
	gen := &wrappingIDGenerator{counter: -1}
	id := gen.NextID(func(string) bool { return false })
	require.Equal(t, "1", id, "counter must skip straight over the reserved 0 id")
}

func TestWrappingIDGeneratorSkipsOutstandingIds(t *testing.T) {
	gen := &wrappingIDGenerator{}
	seen := map[string]bool{"1": true}
	id := gen.NextID(func(id string) bool { return seen[id] })
	require.Equal(t, "2", id)
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

	var ch *Channel
	var dialErr error
	h.Spawn("dialer", func(t *hub.Task) {
		ch, dialErr = Dial(t, h, nil, cfg)
		h.Stop()
	})

	require.NoError(t, h.Run())
	require.NoError(t, dialErr)
	require.NotNil(t, ch)

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
