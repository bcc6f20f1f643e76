// Package publisher is the Status Publisher (component H): it announces a
// meeting's new status after the store transaction that produced it has
// committed, both on the Redis meetings_status channel (for external
// subscribers) and on the in-process subscriber hub (for GET
// /bots/stream clients of this instance). Publish-after-commit is the
// load-bearing property here — a crash between commit and publish loses
// an event but never announces one that didn't happen.
package publisher

import (
	"context"
	"time"

	"meetingbot/internal/bus"
	"meetingbot/internal/subscriber"
	"meetingbot/pkg/meeting"
)

// Publisher fans a committed status change out to every downstream
// listener.
type Publisher struct {
	bus *bus.Client
	hub *subscriber.Hub
}

// New builds a Publisher. hub may be nil in deployments that only need the
// Redis fan-out (e.g. a worker process with no websocket clients of its
// own).
func New(b *bus.Client, hub *subscriber.Hub) *Publisher {
	return &Publisher{bus: b, hub: hub}
}

// Publish announces that m transitioned to its current status. Call this
// only after the store call that produced the transition has returned
// successfully.
func (p *Publisher) Publish(ctx context.Context, m *meeting.Meeting) {
	p.bus.PublishStatus(ctx, string(m.Platform), m.PlatformSpecificID, string(m.Status))

	if p.hub == nil {
		return
	}
	p.hub.Publish(m.UserID, subscriber.Event{
		Type:      "meeting.status",
		Platform:  string(m.Platform),
		NativeID:  m.PlatformSpecificID,
		Status:    string(m.Status),
		Timestamp: time.Now().UTC(),
	})
}
