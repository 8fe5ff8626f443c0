// Package notify publishes delivery outcome events for the push-notification
// sender. Publishing is best effort: callers log failures and move on.
package notify

import (
	"context"
	"time"
)

const (
	DeliveryCompleted = "delivery.completed"
	DeliveryFailed    = "delivery.failed"
)

type Event struct {
	Type       string    `json:"type"`
	DeliveryID string    `json:"delivery_id"`
	LetterID   string    `json:"letter_id"`
	IdentityID string    `json:"identity_id"`
	Channel    string    `json:"channel"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
func (NopPublisher) Close() error                         { return nil }
