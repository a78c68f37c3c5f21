package channel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tailhook/zorro/pkg/hub"
	"github.com/tailhook/zorro/pkg/zerr"
)

func TestPoolCallReturnsFnResultWhenFasterThanTimeout(t *testing.T) {
	h := newTestHub(t)
	pool := NewPool(h, 4, 100*time.Millisecond)

	var value int
	var callErr error
	h.Spawn("caller", func(t *hub.Task) {
		value, callErr = Call(pool, func(t *hub.Task) (int, error) {
			require.NoError(t, t.Sleep(5*time.Millisecond))
			return 7, nil
		})
	})

	require.NoError(t, h.Run())
	require.NoError(t, callErr)
	require.Equal(t, 7, value)
}

func TestPoolCallTimesOutAndCancelsTheWork(t *testing.T) {
	h := newTestHub(t)
	pool := NewPool(h, 4, 10*time.Millisecond)

	var callErr error
	workCancelled := make(chan struct{})
	h.Spawn("caller", func(t *hub.Task) {
		_, callErr = Call(pool, func(t *hub.Task) (int, error) {
			err := t.Sleep(time.Hour)
			if err != nil {
				close(workCancelled)
			}
			return 0, err
		})
	})

	require.NoError(t, h.Run())
	var timeoutErr *zerr.TimeoutError
	require.ErrorAs(t, callErr, &timeoutErr)
	select {
	case <-workCancelled:
	default:
		t.Fatalf("expected the losing work task to have been cancelled")
	}
}

func TestPoolWaitSlotBlocksUntilASlotFrees(t *testing.T) {
	h := newTestHub(t)
	pool := NewPool(h, 1, 0)

	holdRelease := make(chan struct{})
	released := make(chan struct{})
	admittedAfterRelease := make(chan bool, 1)

	h.Spawn("holder", func(t *hub.Task) {
		_, _ = Call(pool, func(t *hub.Task) (struct{}, error) {
			<-holdRelease
			return struct{}{}, nil
		})
	})
	h.Spawn("waiter", func(t *hub.Task) {
		require.NoError(t, t.Sleep(5*time.Millisecond))
		require.NoError(t, pool.WaitSlot(t))
		select {
		case <-released:
			admittedAfterRelease <- true
		default:
			admittedAfterRelease <- false
		}
	})
	h.Spawn("releaser", func(t *hub.Task) {
		require.NoError(t, t.Sleep(20*time.Millisecond))
		close(released)
		close(holdRelease)
	})

	require.NoError(t, h.Run())
	select {
	case ok := <-admittedAfterRelease:
		require.True(t, ok, "WaitSlot admitted the waiter before the slot was actually freed")
	default:
		t.Fatalf("waiter was never admitted")
	}
}
