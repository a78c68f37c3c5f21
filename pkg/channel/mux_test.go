package channel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tailhook/zorro/pkg/hub"
)

func idleMuxReceiver(ch *MuxReqChannel) func(t *hub.Task) error {
	return func(t *hub.Task) error {
		buf := make([]byte, 16)
		_, err := ch.ReadSome(t, buf)
		return err
	}
}

func TestMuxReqChannelResolvesByIdNotSendOrder(t *testing.T) {
	h := newTestHub(t)
	clientFd, serverFd := socketpair(t)
	_ = serverFd

	ch := NewMuxReqChannel(h, nil, clientFd, nil)
	ch.Start(ch.RunSender, idleMuxReceiver(ch))

	var firstVal, secondVal interface{}
	h.Spawn("caller", func(t *hub.Task) {
		firstID, firstFut, err := ch.Request(func(id string) []byte { return []byte(id) })
		require.NoError(t, err)
		secondID, secondFut, err := ch.Request(func(id string) []byte { return []byte(id) })
		require.NoError(t, err)
		require.NotEqual(t, firstID, secondID)

		h.Spawn("producer", func(t *hub.Task) {
			require.NoError(t, t.Sleep(2*time.Millisecond))
			// Reply to the SECOND request first — out of send order.
			ch.Produce(secondID, "second-reply")
			ch.Produce(firstID, "first-reply")
		})

		firstVal, err = firstFut.Get(t, time.Second)
		require.NoError(t, err)
		secondVal, err = secondFut.Get(t, time.Second)
		require.NoError(t, err)
	})

	require.NoError(t, h.Run())
	require.Equal(t, "first-reply", firstVal)
	require.Equal(t, "second-reply", secondVal)
}

func TestMuxReqChannelProduceOnUnknownIdIsDropped(t *testing.T) {
	h := newTestHub(t)
	clientFd, serverFd := socketpair(t)
	_ = serverFd

	ch := NewMuxReqChannel(h, nil, clientFd, nil)
	ch.Start(ch.RunSender, idleMuxReceiver(ch))

	h.Spawn("driver", func(t *hub.Task) {
		require.NotPanics(t, func() { ch.Produce("nonexistent-id", "ignored") })
		require.NoError(t, t.Sleep(5*time.Millisecond))
	})

	require.NoError(t, h.Run())
}

func TestMuxReqChannelPushDoesNotRegisterAFuture(t *testing.T) {
	h := newTestHub(t)
	clientFd, serverFd := socketpair(t)
	_ = serverFd

	ch := NewMuxReqChannel(h, nil, clientFd, nil)
	ch.Start(ch.RunSender, idleMuxReceiver(ch))

	var outstandingAfterPush bool
	h.Spawn("driver", func(t *hub.Task) {
		id, err := ch.Push(func(id string) []byte { return []byte(id) })
		require.NoError(t, err)
		outstandingAfterPush = ch.outstanding(id)
		require.NoError(t, t.Sleep(5*time.Millisecond))
	})

	require.NoError(t, h.Run())
	require.False(t, outstandingAfterPush)
}
