// Package redis is a demonstration RESP (REdis Serialization Protocol)
// driver built on channel.PipelinedReqChannel, grounded on
// original_source/zorro/redis.py.
package redis

import (
	"bytes"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tailhook/zorro/pkg/channel"
	"github.com/tailhook/zorro/pkg/config"
	"github.com/tailhook/zorro/pkg/hub"
	"github.com/tailhook/zorro/pkg/zlog"
)

// BufSize is the receiver's read chunk size, matching RedisChannel.BUFSIZE.
const BufSize = 16384

// Error represents a RESP error reply ("-ERR ...\r\n").
type Error struct{ Message string }

func (e *Error) Error() string { return e.Message }

// Client drives RESP commands over a PipelinedReqChannel (spec §4.F, §8
// driver-level scenario "redis").
type Client struct {
	ch *channel.PipelinedReqChannel
}

// Dial connects per cfg (TCP via Host/Port, or a Unix socket if
// UnixSocketPath is set) and starts the channel's sender/receiver helper
// tasks once the connection is confirmed established, not merely
// requested (spec §6 "Channel construction options", §9 "Single-flight
// connect"). t is used only to wait out the connect's writability window;
// the channel's own I/O runs on its usual sender/receiver helper tasks.
func Dial(t *hub.Task, h *hub.Hub, logger *zlog.Logger, cfg config.ChannelConfig) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	fd, err := connectTCP(t, cfg)
	if err != nil {
		return nil, err
	}
	bufSize := cfg.ReceiveBufferSize
	ch := channel.NewPipelinedReqChannel(h, logger, fd)
	ch.Start(ch.RunSender, func(t *hub.Task) error { return runReceiver(t, ch, bufSize) })
	return &Client{ch: ch}, nil
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
// "Implementers must verify the SO_ERROR post-connect before declaring
// the channel alive").
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

// Execute sends a single command and waits for its single-frame reply.
func (c *Client) Execute(t *hub.Task, args ...interface{}) (interface{}, error) {
	var buf bytes.Buffer
	encodeCommand(&buf, args)
	fut, err := c.ch.Request(buf.Bytes(), channel.SingleFrame)
	if err != nil {
		return nil, err
	}
	return fut.Get(t, 0)
}

// Pipeline sends len(commands) commands back to back and waits for all
// their replies as a single tuple (spec §4.F "multi-frame replies").
func (c *Client) Pipeline(t *hub.Task, commands [][]interface{}) (interface{}, error) {
	var buf bytes.Buffer
	for _, cmd := range commands {
		encodeCommand(&buf, cmd)
	}
	fut, err := c.ch.Request(buf.Bytes(), len(commands))
	if err != nil {
		return nil, err
	}
	return fut.Get(t, 0)
}

func encodeCommand(buf *bytes.Buffer, parts []interface{}) {
	fmt.Fprintf(buf, "*%d\r\n", len(parts))
	for _, part := range parts {
		value := convertArg(part)
		fmt.Fprintf(buf, "$%d\r\n", len(value))
		buf.Write(value)
		buf.WriteString("\r\n")
	}
}

func convertArg(v interface{}) []byte {
	switch a := v.(type) {
	case []byte:
		return a
	case string:
		return []byte(a)
	case int:
		return []byte(strconv.Itoa(a))
	case int64:
		return []byte(strconv.FormatInt(a, 10))
	case float64:
		return []byte(strconv.FormatFloat(a, 'g', -1, 64))
	default:
		return []byte(fmt.Sprint(a))
	}
}

func runReceiver(t *hub.Task, ch *channel.PipelinedReqChannel, bufSize int) error {
	r := newReader(t, ch, bufSize)
	for {
		frame, err := r.readOne()
		if err != nil {
			return err
		}
		ch.Produce(frame)
	}
}
