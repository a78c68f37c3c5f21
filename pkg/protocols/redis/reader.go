package redis

import (
	"bytes"
	"fmt"
	"net"
	"strconv"

	"github.com/tailhook/zorro/pkg/channel"
	"github.com/tailhook/zorro/pkg/hub"
)

func resolveIPv4(addr string) ([4]byte, error) {
	var out [4]byte
	ip := net.ParseIP(addr)
	if ip == nil {
		ips, err := net.LookupIP(addr)
		if err != nil {
			return out, err
		}
		ip = ips[0]
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return out, fmt.Errorf("redis: %q is not an IPv4 address", addr)
	}
	copy(out[:], ip4)
	return out, nil
}

// reader incrementally parses RESP frames off ch's underlying fd, mirroring
// RedisChannel.receiver's buf/pos bookkeeping from the original source.
type reader struct {
	t       *hub.Task
	ch      *channel.PipelinedReqChannel
	bufSize int
	buf     []byte
	pos     int
}

func newReader(t *hub.Task, ch *channel.PipelinedReqChannel, bufSize int) *reader {
	if bufSize <= 0 {
		bufSize = BufSize
	}
	return &reader{t: t, ch: ch, bufSize: bufSize}
}

func (r *reader) fill() error {
	if r.pos*2 > len(r.buf) {
		r.buf = append(r.buf[:0], r.buf[r.pos:]...)
		r.pos = 0
	}
	chunk := make([]byte, r.bufSize)
	n, err := r.ch.ReadSome(r.t, chunk)
	if err != nil {
		return err
	}
	r.buf = append(r.buf, chunk[:n]...)
	return nil
}

func (r *reader) readByte() (byte, error) {
	for len(r.buf) <= r.pos {
		if err := r.fill(); err != nil {
			return 0, err
		}
	}
	c := r.buf[r.pos]
	r.pos++
	return c, nil
}

func (r *reader) readLine() ([]byte, error) {
	for {
		if idx := bytes.Index(r.buf[r.pos:], []byte("\r\n")); idx >= 0 {
			line := r.buf[r.pos : r.pos+idx]
			r.pos += idx + 2
			return line, nil
		}
		if err := r.fill(); err != nil {
			return nil, err
		}
	}
}

func (r *reader) readSlice(n int) ([]byte, error) {
	for len(r.buf)-r.pos < n {
		if err := r.fill(); err != nil {
			return nil, err
		}
	}
	out := r.buf[r.pos : r.pos+n]
	r.pos += n
	return out, nil
}

// readOne parses a single RESP value (spec §4.F "Receiver loop:
// protocol-specific parsing").
func (r *reader) readOne() (interface{}, error) {
	c, err := r.readByte()
	if err != nil {
		return nil, err
	}
	switch c {
	case '*':
		line, err := r.readLine()
		if err != nil {
			return nil, err
		}
		n, err := strconv.Atoi(string(line))
		if err != nil {
			return nil, err
		}
		out := make([]interface{}, n)
		for i := 0; i < n; i++ {
			v, err := r.readOne()
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case '+':
		line, err := r.readLine()
		return string(line), err
	case '-':
		line, err := r.readLine()
		if err != nil {
			return nil, err
		}
		return &Error{Message: string(line)}, nil
	case ':':
		line, err := r.readLine()
		if err != nil {
			return nil, err
		}
		n, err := strconv.ParseInt(string(line), 10, 64)
		return n, err
	case '$':
		line, err := r.readLine()
		if err != nil {
			return nil, err
		}
		n, err := strconv.Atoi(string(line))
		if err != nil {
			return nil, err
		}
		if n < 0 {
			return nil, nil
		}
		data, err := r.readSlice(n)
		if err != nil {
			return nil, err
		}
		out := append([]byte(nil), data...)
		if _, err := r.readLine(); err != nil {
			return nil, err
		}
		return out, nil
	default:
		return nil, fmt.Errorf("redis: unexpected type byte %q", c)
	}
}
