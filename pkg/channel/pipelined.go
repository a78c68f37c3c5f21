package channel

import (
	"sync"

	"github.com/tailhook/zorro/pkg/hub"
	"github.com/tailhook/zorro/pkg/zerr"
	"github.com/tailhook/zorro/pkg/zlog"
)

// SingleFrame is the numFrames value meaning "one parsed reply completes
// this request" (spec §4.F produce() step 3, "n is 'single frame'").
const SingleFrame = 1

type pipelinedEntry struct {
	numFrames int
	future    *hub.Future
}

// PipelinedReqChannel is an order-preserving request/response channel over
// a byte stream: replies are matched to requests strictly by arrival order,
// not by any id in the wire format (spec §4.F).
type PipelinedReqChannel struct {
	*BaseChannel

	mu        sync.Mutex
	producing []*pipelinedEntry
	curFrames []interface{}
}

// NewPipelinedReqChannel wraps fd in a PipelinedReqChannel.
func NewPipelinedReqChannel(h *hub.Hub, logger *zlog.Logger, fd int) *PipelinedReqChannel {
	c := &PipelinedReqChannel{BaseChannel: NewBaseChannel(h, logger, fd)}
	c.onDead = c.stopProducing
	return c
}

// Request encodes one outbound request expecting numFrames parsed replies
// before it completes (spec §4.F "Request operation").
func (c *PipelinedReqChannel) Request(data []byte, numFrames int) (*hub.Future, error) {
	if !c.IsAlive() {
		return nil, zerr.NewPipeClosed("request", nil)
	}
	fut := c.hub.NewFuture()
	c.mu.Lock()
	c.producing = append(c.producing, &pipelinedEntry{numFrames: numFrames, future: fut})
	c.mu.Unlock()
	c.enqueuePending(data)
	return fut, nil
}

// Push sends data without expecting a reply (spec §4.F "Push-only").
func (c *PipelinedReqChannel) Push(data []byte) error {
	if !c.IsAlive() {
		return zerr.NewPipeClosed("push", nil)
	}
	c.enqueuePending(data)
	return nil
}

// Produce feeds one parsed reply frame through the pending-request queue,
// completing the oldest request once it has collected all its frames
// (spec §4.F "produce(frame) semantics").
func (c *PipelinedReqChannel) Produce(frame interface{}) {
	c.mu.Lock()
	if len(c.producing) == 0 {
		c.mu.Unlock()
		return
	}
	c.curFrames = append(c.curFrames, frame)
	head := c.producing[0]

	var resolve *hub.Future
	var value interface{}
	switch {
	case head.numFrames <= SingleFrame:
		resolve, value = head.future, frame
		c.producing = c.producing[1:]
		c.curFrames = nil
	case len(c.curFrames) >= head.numFrames:
		resolve = head.future
		value = append([]interface{}(nil), c.curFrames...)
		c.producing = c.producing[1:]
		c.curFrames = nil
	}
	c.mu.Unlock()

	if resolve != nil {
		resolve.Set(value)
	}
}

// stopProducing fails every outstanding future with err and wakes any
// sender blocked on emptiness (spec §4.F "stop_producing()").
func (c *PipelinedReqChannel) stopProducing(err error) {
	c.mu.Lock()
	producing := c.producing
	c.producing = nil
	c.curFrames = nil
	c.mu.Unlock()

	for _, e := range producing {
		e.future.Fail(err)
	}
	c.cond.NotifyAll()
}
