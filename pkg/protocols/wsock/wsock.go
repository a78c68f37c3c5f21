// Package wsock is a demonstration push/request driver over
// gorilla/websocket, grounded on original_source/zorro/wsock.py's
// WebsocketCall framing (a call id, method, JSON args, and a "#" kwarg
// carrying the optional request id used for reply correlation).
//
// Unlike the redis and mongowire drivers, wsock does not sit on a raw fd
// the Hub's poller can watch — gorilla/websocket owns the connection's
// framing and TLS — so its reader runs as a blocking helper task instead
// of through BaseChannel's wait_read/wait_write loop.
package wsock

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/tailhook/zorro/pkg/hub"
	"github.com/tailhook/zorro/pkg/zerr"
	"github.com/tailhook/zorro/pkg/zlog"
)

// requestIDKey is the kwargs key the original source pops off to find a
// pending request's correlation id ("request_id = kwargs.pop('#', None)").
const requestIDKey = "#"

// Envelope is one wsock wire frame.
type Envelope struct {
	Method string                 `json:"method"`
	Args   []interface{}          `json:"args,omitempty"`
	Kwargs map[string]interface{} `json:"kwargs,omitempty"`
}

// Channel is a push/request-capable driver over one websocket connection.
// A frame with a "#" kwarg is a request awaiting a reply; a frame without
// one is push-only and is never registered for correlation (spec §8
// driver-level scenario "wsock").
type Channel struct {
	conn   *websocket.Conn
	h      *hub.Hub
	logger *zlog.Logger

	mu       sync.Mutex
	alive    bool
	counter  uint64
	requests map[string]*hub.Future
}

// NewChannel wraps an already-established websocket connection.
func NewChannel(h *hub.Hub, logger *zlog.Logger, conn *websocket.Conn) *Channel {
	if logger == nil {
		logger = zlog.New(zlog.DefaultConfig())
	}
	return &Channel{
		conn:     conn,
		h:        h,
		logger:   logger.WithComponent("wsock"),
		alive:    true,
		requests: make(map[string]*hub.Future),
	}
}

// Start runs the connection's read loop as a helper task.
func (c *Channel) Start() {
	c.h.SpawnHelper("wsock-receiver", func(t *hub.Task) {
		err := c.receiveLoop()

		c.mu.Lock()
		c.alive = false
		reg := c.requests
		c.requests = make(map[string]*hub.Future)
		c.mu.Unlock()

		for _, fut := range reg {
			fut.Fail(zerr.NewPipeClosed("wsock", err))
		}
	})
}

func (c *Channel) receiveLoop() error {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Errorf("malformed wsock frame: %v", err)
			continue
		}
		id, _ := env.Kwargs[requestIDKey].(string)
		if id == "" {
			continue // push frame: nothing registered to resolve
		}
		c.mu.Lock()
		fut, ok := c.requests[id]
		if ok {
			delete(c.requests, id)
		}
		c.mu.Unlock()
		if ok {
			fut.Set(env)
		}
	}
}

// Push sends a one-way frame expecting no reply.
func (c *Channel) Push(method string, args []interface{}) error {
	return c.send(Envelope{Method: method, Args: args})
}

// Request sends a frame carrying a fresh "#" correlation id and returns a
// future for the matching reply.
func (c *Channel) Request(method string, args []interface{}, kwargs map[string]interface{}) (*hub.Future, error) {
	c.mu.Lock()
	if !c.alive {
		c.mu.Unlock()
		return nil, zerr.NewPipeClosed("request", nil)
	}
	c.counter++
	id := fmt.Sprintf("%d", c.counter)
	fut := c.h.NewFuture()
	c.requests[id] = fut
	c.mu.Unlock()

	if kwargs == nil {
		kwargs = make(map[string]interface{})
	}
	kwargs[requestIDKey] = id

	if err := c.send(Envelope{Method: method, Args: args, Kwargs: kwargs}); err != nil {
		c.mu.Lock()
		delete(c.requests, id)
		c.mu.Unlock()
		return nil, err
	}
	return fut, nil
}

func (c *Channel) send(env Envelope) error {
	c.mu.Lock()
	alive := c.alive
	c.mu.Unlock()
	if !alive {
		return zerr.NewPipeClosed("send", nil)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}
