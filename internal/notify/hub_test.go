package notify

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_SubscribeAndSend(t *testing.T) {
	hub := NewHub(4)
	ch, cancel := hub.Subscribe("w-1")
	defer cancel()

	require.True(t, hub.Send("w-1", Hint{TaskID: "t-1", Scope: "global"}))
	got := <-ch
	assert.Equal(t, "t-1", got.TaskID)
	assert.Equal(t, "global", got.Scope)
}

func TestHub_SendToUnknownWorker(t *testing.T) {
	hub := NewHub(4)
	assert.False(t, hub.Send("nobody", Hint{TaskID: "t-1"}))
}

func TestHub_DropsWhenBufferFull(t *testing.T) {
	hub := NewHub(2)
	_, cancel := hub.Subscribe("w-1")
	defer cancel()

	assert.True(t, hub.Send("w-1", Hint{TaskID: "a"}))
	assert.True(t, hub.Send("w-1", Hint{TaskID: "b"}))
	// Third hint exceeds the buffer; fire-and-forget means it is dropped,
	// not blocked on.
	assert.False(t, hub.Send("w-1", Hint{TaskID: "c"}))
}

func TestHub_CancelRemovesSubscription(t *testing.T) {
	hub := NewHub(4)
	ch, cancel := hub.Subscribe("w-1")
	require.True(t, hub.IsConnected("w-1"))

	cancel()
	assert.False(t, hub.IsConnected("w-1"))
	_, open := <-ch
	assert.False(t, open, "channel should be closed on cancel")

	// Cancelling twice is harmless.
	cancel()
}

func TestHub_ReconnectReplacesStream(t *testing.T) {
	hub := NewHub(4)
	oldCh, oldCancel := hub.Subscribe("w-1")
	newCh, newCancel := hub.Subscribe("w-1")
	defer newCancel()

	_, open := <-oldCh
	assert.False(t, open, "old stream should be closed on reconnect")

	require.True(t, hub.Send("w-1", Hint{TaskID: "t-1"}))
	got := <-newCh
	assert.Equal(t, "t-1", got.TaskID)

	// The stale cancel must not tear down the new stream.
	oldCancel()
	assert.True(t, hub.IsConnected("w-1"))
}

// TestHub_SendDuringReconnect hammers Send from several goroutines while
// the worker keeps reconnecting. Reconnecting closes the previous channel,
// so a send racing the close must either land on the current channel or be
// dropped; it must never panic on a closed one.
func TestHub_SendDuringReconnect(t *testing.T) {
	hub := NewHub(1)

	done := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
					hub.Send("w-1", Hint{TaskID: "t-1", Scope: "global"})
				}
			}
		}()
	}

	for i := 0; i < 500; i++ {
		ch, _ := hub.Subscribe("w-1")
		// Drain whatever landed so reconnects see both empty and full buffers.
		select {
		case <-ch:
		default:
		}
	}
	close(done)
	wg.Wait()
}

func TestHub_Connected(t *testing.T) {
	hub := NewHub(4)
	assert.Empty(t, hub.Connected())
	assert.Equal(t, 0, hub.Len())

	_, c1 := hub.Subscribe("w-1")
	_, c2 := hub.Subscribe("w-2")
	defer c1()
	defer c2()

	assert.ElementsMatch(t, []string{"w-1", "w-2"}, hub.Connected())
	assert.Equal(t, 2, hub.Len())
}
