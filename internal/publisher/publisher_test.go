package publisher

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"meetingbot/internal/bus"
	"meetingbot/internal/subscriber"
	"meetingbot/pkg/meeting"
)

func TestPublish_HubWithNoClientsDoesNotBlock(t *testing.T) {
	mr := miniredis.RunT(t)
	port := 0
	for _, r := range mr.Port() {
		port = port*10 + int(r-'0')
	}
	b, err := bus.New(&bus.Config{Host: mr.Host(), Port: port})
	require.NoError(t, err)
	defer b.Close()

	hub := subscriber.New()
	go hub.Run()
	defer hub.Shutdown()

	p := New(b, hub)

	m := &meeting.Meeting{
		UserID:             42,
		Platform:           meeting.PlatformGoogleMeet,
		PlatformSpecificID: "abc-defg-hij",
		Status:             meeting.StatusJoining,
	}

	p.Publish(context.Background(), m)

	require.Eventually(t, func() bool {
		return hub.ClientCount(42) == 0 // no registered clients, but publish must not block or panic
	}, time.Second, 10*time.Millisecond)
}

func TestPublish_NilHubIsSafe(t *testing.T) {
	mr := miniredis.RunT(t)
	port := 0
	for _, r := range mr.Port() {
		port = port*10 + int(r-'0')
	}
	b, err := bus.New(&bus.Config{Host: mr.Host(), Port: port})
	require.NoError(t, err)
	defer b.Close()

	p := New(b, nil)
	p.Publish(context.Background(), &meeting.Meeting{
		UserID: 1, Platform: meeting.PlatformZoom, PlatformSpecificID: "123", Status: meeting.StatusActive,
	})
}
