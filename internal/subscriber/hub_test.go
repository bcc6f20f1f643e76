package subscriber

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHub_PublishFansOutToOwningUserOnly(t *testing.T) {
	h := New()
	go h.Run()
	defer h.Shutdown()

	a := &client{userID: 1, send: make(chan []byte, 4)}
	b := &client{userID: 2, send: make(chan []byte, 4)}
	h.register <- a
	h.register <- b
	time.Sleep(10 * time.Millisecond)

	h.Publish(1, Event{Type: "meeting.status", Status: "active"})

	select {
	case msg := <-a.send:
		require.Contains(t, string(msg), "active")
	case <-time.After(time.Second):
		t.Fatal("expected client a to receive the event")
	}

	select {
	case <-b.send:
		t.Fatal("client b must not receive user 1's event")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_UnregisterClosesSendChannel(t *testing.T) {
	h := New()
	go h.Run()
	defer h.Shutdown()

	a := &client{userID: 5, send: make(chan []byte, 4)}
	h.register <- a
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, 1, h.ClientCount(5))

	h.unregister <- a
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, 0, h.ClientCount(5))

	_, ok := <-a.send
	require.False(t, ok, "send channel must be closed after unregister")
}
