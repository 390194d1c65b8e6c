package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Domain event types consumed by notification and reputation systems.
const (
	OrderOpened    = "order.opened"
	OrderAssigned  = "order.assigned"
	OrderStarted   = "order.started"
	OrderCompleted = "order.completed"
	OrderCancelled = "order.cancelled"
	OrderDisputed  = "order.disputed"
	ReviewAccepted = "review.accepted"
	RatingUpdated  = "rating.updated"
)

// Event is the envelope published for external consumers.
type Event struct {
	Type       string         `json:"type"`
	EntityID   string         `json:"entity_id"`
	OccurredAt time.Time      `json:"occurred_at"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Publisher emits domain events onto a Redis channel. Publishing is
// fire-and-forget from the caller's perspective; a failed publish is
// reported but must never roll back the state change it describes.
type Publisher struct {
	client  *redis.Client
	channel string
	now     func() time.Time
}

// NewPublisher builds a publisher on the given channel.
func NewPublisher(client *redis.Client, channel string) *Publisher {
	if channel == "" {
		channel = "orders.events"
	}
	return &Publisher{client: client, channel: channel, now: time.Now}
}

// Publish emits one event.
func (p *Publisher) Publish(ctx context.Context, eventType, entityID string, payload map[string]any) error {
	ev := Event{
		Type:       eventType,
		EntityID:   entityID,
		OccurredAt: p.now().UTC(),
		Payload:    payload,
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", eventType, err)
	}
	return nil
}
