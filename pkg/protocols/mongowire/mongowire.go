// Package mongowire is a demonstration driver for MongoDB's wire protocol
// built on channel.MuxReqChannel, grounded on
// original_source/zorro/mongodb/proto.py. It frames messages with the
// standard 16-byte MongoDB header (messageLength, requestID, responseTo,
// opCode) and correlates replies by responseTo rather than send order.
package mongowire

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tailhook/zorro/pkg/channel"
	"github.com/tailhook/zorro/pkg/config"
	"github.com/tailhook/zorro/pkg/hub"
	"github.com/tailhook/zorro/pkg/zlog"
)

const headerSize = 16

// defaultBufSize is runReceiver's read chunk size when cfg.ReceiveBufferSize
// is left at its zero value.
const defaultBufSize = 16384

// wrappingIDGenerator is MongoDB's narrower 32-bit request id scheme (spec
// §4.G "For protocols with a narrower id field ... the protocol driver
// overrides new_id() with a wrapping integer").
type wrappingIDGenerator struct {
	mu      sync.Mutex
	counter int32
}

func (g *wrappingIDGenerator) NextID(outstanding func(id string) bool) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	for {
		if g.counter == math.MaxInt32 {
			g.counter = 0
		}
		g.counter++
		if g.counter == 0 {
			continue // 0 is reserved for unsolicited/no-response messages
		}
		id := strconv.Itoa(int(g.counter))
		if !outstanding(id) {
			return id
		}
	}
}

// Channel speaks the MongoDB wire protocol over a MuxReqChannel.
type Channel struct {
	ch *channel.MuxReqChannel
}

// Dial connects per cfg (TCP via Host/Port, or a Unix socket if
// UnixSocketPath is set) and starts the channel's sender/receiver helper
// tasks once the connection is confirmed established, not merely requested
// (spec §6 "Channel construction options", §9 "Single-flight connect"). t is
// used only to wait out the connect's writability window.
func Dial(t *hub.Task, h *hub.Hub, logger *zlog.Logger, cfg config.ChannelConfig) (*Channel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	fd, err := connectTCP(t, cfg)
	if err != nil {
		return nil, err
	}
	bufSize := cfg.ReceiveBufferSize
	ch := channel.NewMuxReqChannel(h, logger, fd, &wrappingIDGenerator{})
	c := &Channel{ch: ch}
	ch.Start(ch.RunSender, func(t *hub.Task) error { return runReceiver(t, ch, bufSize) })
	return c, nil
}

func connectTCP(t *hub.Task, cfg config.ChannelConfig) (int, error) {
	if cfg.UnixSocketPath != "" {
		return connectUnix(t, cfg)
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, err
	}
	ip, err := resolveIPv4(cfg.Host)
	if err != nil {
		unix.Close(fd)
		return -1, err
	}
	sa := &unix.SockaddrInet4{Port: int(cfg.Port), Addr: ip}
	if err := finishConnect(t, fd, sa, cfg.ConnectTimeout); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

func connectUnix(t *hub.Task, cfg config.ChannelConfig) (int, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, err
	}
	sa := &unix.SockaddrUnix{Name: cfg.UnixSocketPath}
	if err := finishConnect(t, fd, sa, cfg.ConnectTimeout); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// finishConnect waits for a non-blocking connect to settle and checks
// SO_ERROR before declaring the socket usable, rather than handing an
// EINPROGRESS fd straight to the channel (spec §9 "Single-flight connect":
// "Implementers must verify the SO_ERROR post-connect before declaring the
// channel alive"). Mirrors pkg/protocols/redis's finishConnect.
func finishConnect(t *hub.Task, fd int, sa unix.Sockaddr, timeout time.Duration) error {
	err := unix.Connect(fd, sa)
	if err == nil {
		return nil
	}
	if err != unix.EINPROGRESS {
		return err
	}
	if err := t.WaitWriteTimeout(fd, timeout); err != nil {
		return err
	}
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}

// Request sends a message with the given opCode and body, filling in the
// standard header, and returns a future for the matching reply.
func (c *Channel) Request(t *hub.Task, opCode int32, body []byte) (*hub.Future, error) {
	_, fut, err := c.ch.Request(func(id string) []byte {
		return encodeMessage(id, opCode, body)
	})
	if err != nil {
		return nil, err
	}
	return fut, nil
}

// Push sends a one-way message (insert/update/delete) expecting no reply.
func (c *Channel) Push(opCode int32, body []byte) error {
	_, err := c.ch.Push(func(id string) []byte {
		return encodeMessage(id, opCode, body)
	})
	return err
}

func encodeMessage(id string, opCode int32, body []byte) []byte {
	n, _ := strconv.Atoi(id)
	msg := make([]byte, headerSize+len(body))
	binary.LittleEndian.PutUint32(msg[0:4], uint32(headerSize+len(body)))
	binary.LittleEndian.PutUint32(msg[4:8], uint32(n))
	binary.LittleEndian.PutUint32(msg[8:12], 0) // responseTo: unused on requests
	binary.LittleEndian.PutUint32(msg[12:16], uint32(opCode))
	copy(msg[headerSize:], body)
	return msg
}

func runReceiver(t *hub.Task, ch *channel.MuxReqChannel, bufSize int) error {
	if bufSize <= 0 {
		bufSize = defaultBufSize
	}
	var buf []byte
	pos := 0
	chunk := make([]byte, bufSize)
	for {
		if pos*2 > len(buf) {
			buf = append(buf[:0], buf[pos:]...)
			pos = 0
		}
		n, err := ch.ReadSome(t, chunk)
		if err != nil {
			return err
		}
		buf = append(buf, chunk[:n]...)
		for len(buf)-pos >= headerSize {
			length := int(binary.LittleEndian.Uint32(buf[pos : pos+4]))
			if length < headerSize {
				return fmt.Errorf("mongowire: invalid message length %d", length)
			}
			if len(buf)-pos < length {
				break
			}
			responseTo := binary.LittleEndian.Uint32(buf[pos+8 : pos+12])
			frame := append([]byte(nil), buf[pos:pos+length]...)
			ch.Produce(strconv.Itoa(int(responseTo)), frame)
			pos += length
		}
	}
}
