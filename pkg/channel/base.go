//go:build unix

package channel

import (
	"io"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/tailhook/zorro/pkg/hub"
	"github.com/tailhook/zorro/pkg/zerr"
	"github.com/tailhook/zorro/pkg/zlog"
)

// BaseChannel is the shared lifecycle and non-blocking I/O plumbing that
// PipelinedReqChannel and MuxReqChannel build on (spec §4.E "BaseChannel").
// Protocol drivers subclass by composing a BaseChannel and supplying
// sender/receiver loops.
type BaseChannel struct {
	hub    *hub.Hub
	logger *zlog.Logger
	fd     int

	mu            sync.Mutex
	alive         bool
	senderAlive   bool
	receiverAlive bool
	pending       [][]byte

	cond *hub.Condition

	closeOnce sync.Once

	// onDead fans channel death out to whatever correlation registry the
	// embedding channel keeps (spec §4.E step 3 "stop_producing()").
	// Set by PipelinedReqChannel/MuxReqChannel constructors.
	onDead func(err error)
	// onClose runs exactly once both workers have exited (spec §4.E
	// step 3 "close() runs exactly once").
	onClose func()
}

// NewBaseChannel wraps the already-connected, non-blocking fd.
func NewBaseChannel(h *hub.Hub, logger *zlog.Logger, fd int) *BaseChannel {
	if logger == nil {
		logger = zlog.New(zlog.DefaultConfig())
	}
	return &BaseChannel{
		hub:           h,
		logger:        logger.WithComponent("channel"),
		fd:            fd,
		alive:         true,
		senderAlive:   true,
		receiverAlive: true,
		cond:          h.NewCondition(),
	}
}

func (c *BaseChannel) Hub() *hub.Hub { return c.hub }
func (c *BaseChannel) Fd() int       { return c.fd }

// IsAlive reports whether both workers are still running (spec §4.E
// "Request-acceptance invariant").
func (c *BaseChannel) IsAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

// Start spawns the sender and receiver as helper tasks (spec §4.E step 2).
func (c *BaseChannel) Start(sender, receiver func(t *hub.Task) error) {
	c.hub.SpawnHelper("channel-sender", func(t *hub.Task) {
		c.runWorker(t, sender, &c.senderAlive)
	})
	c.hub.SpawnHelper("channel-receiver", func(t *hub.Task) {
		c.runWorker(t, receiver, &c.receiverAlive)
	})
}

func (c *BaseChannel) runWorker(t *hub.Task, fn func(t *hub.Task) error, aliveFlag *bool) {
	err := fn(t)
	clean := err == nil || err == io.EOF
	if !clean {
		var cancel *zerr.CancellationSignal
		if as, ok := err.(*zerr.CancellationSignal); ok {
			cancel = as
		}
		if cancel == nil {
			c.logger.Errorf("channel worker exited: %v", err)
		}
	}

	c.mu.Lock()
	*aliveFlag = false
	transitioned := c.alive
	c.alive = false
	bothDone := !c.senderAlive && !c.receiverAlive
	c.mu.Unlock()

	if transitioned {
		if c.onDead != nil {
			c.onDead(zerr.NewPipeClosed("channel", err))
		}
		c.cond.NotifyAll()
	}
	if bothDone {
		c.closeOnce.Do(func() {
			unix.Close(c.fd)
			if c.onClose != nil {
				c.onClose()
			}
		})
	}
}

// enqueuePending appends data to the outbound queue and wakes the sender
// (spec §4.F "Request operation": "append ... notify the sender condition").
func (c *BaseChannel) enqueuePending(data []byte) {
	c.mu.Lock()
	c.pending = append(c.pending, data)
	c.mu.Unlock()
	c.cond.Notify()
}

// waitForPending blocks until there is outbound data or the channel dies
// (spec §4.F "Sender loop": "while pending is empty, wait on the condition").
func (c *BaseChannel) waitForPending(t *hub.Task) ([][]byte, error) {
	for {
		c.mu.Lock()
		if len(c.pending) > 0 {
			out := c.pending
			c.pending = nil
			c.mu.Unlock()
			return out, nil
		}
		alive := c.alive
		c.mu.Unlock()
		if !alive {
			return nil, io.EOF
		}
		if err := c.cond.Wait(t, 0); err != nil {
			return nil, err
		}
	}
}

// RunSender is the default §4.F sender loop: wait for pending chunks, wait
// for writability, write non-blocking with short-write/EAGAIN/EINTR retry,
// and treat EPIPE/ECONNRESET as a clean EOF exit.
func (c *BaseChannel) RunSender(t *hub.Task) error {
	for {
		chunks, err := c.waitForPending(t)
		if err != nil {
			return err
		}
		buf := joinChunks(chunks)
		for len(buf) > 0 {
			if err := t.WaitWrite(c.fd); err != nil {
				return err
			}
			n, werr := unix.Write(c.fd, buf)
			if werr == unix.EAGAIN || werr == unix.EINTR {
				continue
			}
			if werr == unix.EPIPE || werr == unix.ECONNRESET {
				return io.EOF
			}
			if werr != nil {
				return werr
			}
			buf = buf[n:]
		}
	}
}

// ReadSome performs one non-blocking read into buf, parking on readability
// across EAGAIN/EINTR (spec §4.H "Non-blocking socket I/O via wait_read").
func (c *BaseChannel) ReadSome(t *hub.Task, buf []byte) (int, error) {
	for {
		n, err := unix.Read(c.fd, buf)
		if err == nil {
			if n == 0 {
				return 0, io.EOF
			}
			return n, nil
		}
		if err == unix.EAGAIN || err == unix.EINTR {
			if werr := t.WaitRead(c.fd); werr != nil {
				return 0, werr
			}
			continue
		}
		return 0, err
	}
}

func joinChunks(chunks [][]byte) []byte {
	n := 0
	for _, c := range chunks {
		n += len(c)
	}
	out := make([]byte, 0, n)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}
