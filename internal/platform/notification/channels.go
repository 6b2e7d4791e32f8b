package notification

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ehr/telehealth/internal/platform/events"
	"github.com/ehr/telehealth/internal/platform/websocket"
)

// HubChannel pushes the notification to the recipient's websocket topic.
type HubChannel struct {
	hub *websocket.Hub
}

func NewHubChannel(hub *websocket.Hub) *HubChannel {
	return &HubChannel{hub: hub}
}

func (c *HubChannel) Name() string { return "websocket" }

func (c *HubChannel) Deliver(_ context.Context, n *Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	c.hub.Broadcast(websocket.UserTopic(n.Recipient), websocket.Event{
		Type:      "notification." + string(n.Type),
		Timestamp: n.CreatedAt,
		Data:      data,
	})
	return nil
}

// EventChannel records a notification.sent event so downstream consumers
// (SMS, push, email gateways) can pick it up.
type EventChannel struct {
	publisher events.Publisher
}

func NewEventChannel(p events.Publisher) *EventChannel {
	return &EventChannel{publisher: p}
}

func (c *EventChannel) Name() string { return "events" }

func (c *EventChannel) Deliver(ctx context.Context, n *Notification) error {
	key := n.VisitID
	if key == "" {
		key = n.Recipient
	}
	return c.publisher.Publish(ctx, events.New(events.NotificationSent, key, n.CreatedAt, n))
}
