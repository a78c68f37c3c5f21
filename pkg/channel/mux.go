package channel

import (
	"sync"

	"github.com/tailhook/zorro/pkg/hub"
	"github.com/tailhook/zorro/pkg/zerr"
	"github.com/tailhook/zorro/pkg/zlog"
)

// IDGenerator allocates correlation ids for a MuxReqChannel (spec §4.G
// "Identifier generation contract"). outstanding reports whether a
// candidate id is still registered; implementations must never return an
// id for which outstanding(id) is true.
type IDGenerator interface {
	NextID(outstanding func(id string) bool) string
}

type defaultIDGenerator struct{ src *idSource }

func (g *defaultIDGenerator) NextID(outstanding func(id string) bool) string {
	return g.src.next(outstanding)
}

// NewDefaultIDGenerator returns the reference pid/random/time/counter id
// scheme; protocols with a narrower id field (e.g. MongoDB's 32-bit
// request id) supply their own IDGenerator instead.
func NewDefaultIDGenerator() IDGenerator {
	return &defaultIDGenerator{src: newIDSource()}
}

// MuxReqChannel correlates replies to requests by a caller-assigned id
// instead of arrival order (spec §4.G).
type MuxReqChannel struct {
	*BaseChannel

	ids IDGenerator

	mu       sync.Mutex
	requests map[string]*hub.Future
}

// NewMuxReqChannel wraps fd in a MuxReqChannel. ids defaults to
// NewDefaultIDGenerator() when nil.
func NewMuxReqChannel(h *hub.Hub, logger *zlog.Logger, fd int, ids IDGenerator) *MuxReqChannel {
	if ids == nil {
		ids = NewDefaultIDGenerator()
	}
	c := &MuxReqChannel{
		BaseChannel: NewBaseChannel(h, logger, fd),
		ids:         ids,
		requests:    make(map[string]*hub.Future),
	}
	c.onDead = c.stopProducing
	return c
}

func (c *MuxReqChannel) outstanding(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.requests[id]
	return ok
}

// Request allocates an id, registers a future under it, and hands encode
// the id to build the wire payload (spec §4.G "Request").
func (c *MuxReqChannel) Request(encode func(id string) []byte) (string, *hub.Future, error) {
	if !c.IsAlive() {
		return "", nil, zerr.NewPipeClosed("request", nil)
	}
	id := c.ids.NextID(c.outstanding)
	fut := c.hub.NewFuture()
	c.mu.Lock()
	c.requests[id] = fut
	c.mu.Unlock()
	c.enqueuePending(encode(id))
	return id, fut, nil
}

// Push allocates an id for protocol-framing uniformity but registers no
// future (spec §4.G "push variant").
func (c *MuxReqChannel) Push(encode func(id string) []byte) (string, error) {
	if !c.IsAlive() {
		return "", zerr.NewPipeClosed("push", nil)
	}
	id := c.ids.NextID(c.outstanding)
	c.enqueuePending(encode(id))
	return id, nil
}

// Produce resolves the future registered under id, if any; late or
// duplicate replies are dropped silently (spec §4.G "produce(id, frame)").
func (c *MuxReqChannel) Produce(id string, frame interface{}) {
	c.mu.Lock()
	fut, ok := c.requests[id]
	if ok {
		delete(c.requests, id)
	}
	c.mu.Unlock()
	if ok {
		fut.Set(frame)
	}
}

// stopProducing fails every registered future and discards the registry
// (spec §4.G "stop_producing()").
func (c *MuxReqChannel) stopProducing(err error) {
	c.mu.Lock()
	reg := c.requests
	c.requests = make(map[string]*hub.Future)
	c.mu.Unlock()
	for _, fut := range reg {
		fut.Fail(err)
	}
	c.cond.NotifyAll()
}
