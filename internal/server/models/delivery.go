package models

import "time"

type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelMail  Channel = "mail"
)

func (c Channel) Valid() bool {
	return c == ChannelEmail || c == ChannelMail
}

type DeliveryStatus string

const (
	StatusScheduled  DeliveryStatus = "scheduled"
	StatusProcessing DeliveryStatus = "processing"
	StatusSent       DeliveryStatus = "sent"
	StatusFailed     DeliveryStatus = "failed"
	StatusCanceled   DeliveryStatus = "canceled"
)

var deliveryTransitions = map[DeliveryStatus][]DeliveryStatus{
	StatusScheduled:  {StatusProcessing, StatusCanceled},
	StatusProcessing: {StatusScheduled, StatusSent, StatusFailed},
}

// IsTerminal reports whether no transition leaves s.
func (s DeliveryStatus) IsTerminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusCanceled
}

// IsActive reports whether s occupies the one-active-delivery-per-channel slot.
func (s DeliveryStatus) IsActive() bool {
	return s == StatusScheduled || s == StatusProcessing
}

// CanTransitionTo reports whether next is reachable from s in one step.
func (s DeliveryStatus) CanTransitionTo(next DeliveryStatus) bool {
	for _, allowed := range deliveryTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// FailureKind tells a user-facing view whether a failed delivery may be retried.
type FailureKind string

const (
	FailureNone      FailureKind = ""
	FailureExhausted FailureKind = "retries_exhausted"
	FailurePermanent FailureKind = "permanent"
)

// Failure is what gets recorded when a delivery reaches the failed state.
type Failure struct {
	Kind        FailureKind
	Reason      string
	Remediation string
}

// Delivery is one fulfillment attempt-set for one letter on one channel.
// DeliverAt is always UTC; Timezone is kept for display only.
// DispatchStartedAt is set by the first claim and never cleared, so a
// delivery that went back to scheduled after a provider call still has it.
// CreditPeriodEnd is the credit expiry in force when the credit was reserved.
type Delivery struct {
	ID             string
	LetterID       string
	IdentityID     string
	Channel        Channel
	Status         DeliveryStatus
	DeliverAt      time.Time
	Timezone       string
	NextAttemptAt  time.Time
	AttemptCount   int
	LastError      string
	FailureKind    FailureKind
	Remediation    string
	IdempotencyKey string
	ExternalID     string
	ClaimedAt      *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time

	DispatchStartedAt *time.Time
	CreditPeriodEnd   *time.Time

	Email *EmailDelivery
	Mail  *MailDelivery
}

// CanRetry reports whether the UI should offer a retry: only failures caused
// by exhausted transient retries qualify.
func (d *Delivery) CanRetry() bool {
	return d.Status == StatusFailed && d.FailureKind == FailureExhausted
}

// Cancellation is what a successful cancel reports back. Refundable is
// true only when no dispatch attempt ever started.
type Cancellation struct {
	Refundable      bool
	CreditPeriodEnd *time.Time
}

// EmailDelivery is the electronic channel sub-record.
type EmailDelivery struct {
	DeliveryID   string
	ToEmail      string
	Subject      string
	Opens        int
	Clicks       int
	Bounces      int
	LastOpenedAt *time.Time
}

type PrintOptions struct {
	Color       bool `json:"color"`
	DoubleSided bool `json:"double_sided"`
}

// MailDelivery is the physical channel sub-record.
type MailDelivery struct {
	DeliveryID           string
	ShippingAddressID    string
	PrintOptions         PrintOptions
	TrackingStatus       string
	LastTrackingAt       *time.Time
	ExpectedDeliveryDate string
}

// EngagementKind names an email engagement counter.
type EngagementKind string

const (
	EngagementOpen   EngagementKind = "open"
	EngagementClick  EngagementKind = "click"
	EngagementBounce EngagementKind = "bounce"
)

// TrackingEvent is one provider-reported step of a physical mail piece.
type TrackingEvent struct {
	ProviderEventID string
	DeliveryID      string
	Type            string
	OccurredAt      time.Time
	Location        string
}

// EmailSubject is the subject line of a delivered letter.
func EmailSubject(title string) string {
	return "Letter to your future self: " + title
}
