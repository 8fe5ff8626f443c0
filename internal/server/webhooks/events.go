package webhooks

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/capsulekeeper/internal/server/models"
)

// Email engagement kinds, with the provider's "email." prefix removed.
const (
	EmailDelivered  = "delivered"
	EmailOpened     = "opened"
	EmailClicked    = "clicked"
	EmailBounced    = "bounced"
	EmailComplained = "complained"
)

// EmailEvent is a verified email provider callback.
type EmailEvent struct {
	ID         string
	Type       string
	ExternalID string
	Recipient  string
	Reason     string
	OccurredAt time.Time
}

type emailPayload struct {
	Type      string `json:"type"`
	CreatedAt string `json:"created_at"`
	Data      struct {
		EmailID string   `json:"email_id"`
		To      []string `json:"to"`
		Bounce  struct {
			Message string `json:"message"`
		} `json:"bounce"`
		Reason string `json:"reason"`
	} `json:"data"`
}

// ParseEmailEvent decodes an email callback. The event id comes from the
// svix-id header.
func ParseEmailEvent(id string, body []byte, now time.Time) (*EmailEvent, error) {
	var p emailPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("decode email event: %w", err)
	}
	if id == "" || p.Type == "" || p.Data.EmailID == "" {
		return nil, fmt.Errorf("email event: missing id, type or email_id")
	}

	ev := &EmailEvent{
		ID:         id,
		Type:       strings.TrimPrefix(p.Type, "email."),
		ExternalID: p.Data.EmailID,
		Reason:     p.Data.Reason,
		OccurredAt: parseTime(p.CreatedAt, now),
	}
	if ev.Reason == "" {
		ev.Reason = p.Data.Bounce.Message
	}
	if len(p.Data.To) > 0 {
		ev.Recipient = p.Data.To[0]
	}
	return ev, nil
}

// mailStatuses maps provider event types onto tracking statuses.
var mailStatuses = map[string]string{
	"letter.created":                "created",
	"letter.rendered_pdf":           "rendered",
	"letter.rendered_thumbnails":    "rendered",
	"letter.mailed":                 "mailed",
	"letter.in_transit":             "in_transit",
	"letter.in_local_area":          "in_local_area",
	"letter.processed_for_delivery": "out_for_delivery",
	"letter.delivered":              "delivered",
	"letter.returned_to_sender":     "returned",
	"letter.failed":                 "failed",
}

// MailEvent is a verified tracking callback for a physical letter. Status is
// empty for event types that carry no tracking meaning.
type MailEvent struct {
	ID                   string
	Status               string
	ExternalID           string
	Location             string
	ExpectedDeliveryDate string
	OccurredAt           time.Time
}

type mailPayload struct {
	ID        string `json:"id"`
	EventType struct {
		ID string `json:"id"`
	} `json:"event_type"`
	DateCreated string `json:"date_created"`
	Body        struct {
		ID                   string `json:"id"`
		ExpectedDeliveryDate string `json:"expected_delivery_date"`
		TrackingEvents       []struct {
			Location string `json:"location"`
			Time     string `json:"time"`
		} `json:"tracking_events"`
	} `json:"body"`
}

func ParseMailEvent(body []byte, now time.Time) (*MailEvent, error) {
	var p mailPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("decode mail event: %w", err)
	}
	if p.ID == "" || p.EventType.ID == "" || p.Body.ID == "" {
		return nil, fmt.Errorf("mail event: missing id, event_type or body.id")
	}

	ev := &MailEvent{
		ID:                   p.ID,
		Status:               mailStatuses[p.EventType.ID],
		ExternalID:           p.Body.ID,
		ExpectedDeliveryDate: p.Body.ExpectedDeliveryDate,
		OccurredAt:           parseTime(p.DateCreated, now),
	}
	if n := len(p.Body.TrackingEvents); n > 0 {
		last := p.Body.TrackingEvents[n-1]
		ev.Location = last.Location
		if last.Time != "" {
			ev.OccurredAt = parseTime(last.Time, ev.OccurredAt)
		}
	}
	return ev, nil
}

// SubscriptionEvent is a verified billing callback about a subscription.
type SubscriptionEvent struct {
	ID         string
	Type       string
	CustomerID string
	IdentityID string
	Plan       models.PlanTier
	Status     string
	PeriodEnd  time.Time
}

type billingPayload struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			Customer         string            `json:"customer"`
			Status           string            `json:"status"`
			CurrentPeriodEnd int64             `json:"current_period_end"`
			Metadata         map[string]string `json:"metadata"`
		} `json:"object"`
	} `json:"data"`
}

const subscriptionPrefix = "customer.subscription."

// ParseSubscriptionEvent decodes a billing callback. It returns nil without
// error for event types other than subscription created/updated/deleted.
func ParseSubscriptionEvent(body []byte) (*SubscriptionEvent, error) {
	var p billingPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("decode billing event: %w", err)
	}
	if p.ID == "" || p.Type == "" {
		return nil, fmt.Errorf("billing event: missing id or type")
	}

	kind := strings.TrimPrefix(p.Type, subscriptionPrefix)
	switch {
	case !strings.HasPrefix(p.Type, subscriptionPrefix):
		return nil, nil
	case kind != "created" && kind != "updated" && kind != "deleted":
		return nil, nil
	}

	obj := p.Data.Object
	if obj.Customer == "" {
		return nil, fmt.Errorf("billing event %s: missing customer", p.ID)
	}
	ev := &SubscriptionEvent{
		ID:         p.ID,
		Type:       kind,
		CustomerID: obj.Customer,
		IdentityID: obj.Metadata["identity_id"],
		Plan:       models.PlanTier(obj.Metadata["plan_tier"]),
		Status:     obj.Status,
	}
	if obj.CurrentPeriodEnd > 0 {
		ev.PeriodEnd = time.Unix(obj.CurrentPeriodEnd, 0).UTC()
	}
	if kind == "deleted" {
		ev.Status = models.SubscriptionCanceled
	}
	return ev, nil
}

func parseTime(s string, fallback time.Time) time.Time {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC()
	}
	return fallback
}
