package models

import "time"

type PlanTier string

const (
	PlanFree           PlanTier = "free"
	PlanDigitalCapsule PlanTier = "digital_capsule"
	PlanPaperPixels    PlanTier = "paper_pixels"
)

// Allotment is what one billing period of a plan grants.
type Allotment struct {
	EmailCredits    int
	PhysicalCredits int
	PhysicalMail    bool
}

var plans = map[PlanTier]Allotment{
	PlanFree:           {},
	PlanDigitalCapsule: {EmailCredits: 6},
	PlanPaperPixels:    {EmailCredits: 24, PhysicalCredits: 3, PhysicalMail: true},
}

// AllotmentFor returns the plan's per-period grant. Unknown tiers get the
// free allotment.
func AllotmentFor(p PlanTier) Allotment {
	return plans[p]
}

func (p PlanTier) Valid() bool {
	_, ok := plans[p]
	return ok
}

// Subscription statuses reported by the billing collaborator.
const (
	SubscriptionActive   = "active"
	SubscriptionTrialing = "trialing"
	SubscriptionPastDue  = "past_due"
	SubscriptionCanceled = "canceled"
	SubscriptionUnpaid   = "unpaid"
)

// Entitlement is the per-identity ledger entry. Credits never go negative.
type Entitlement struct {
	IdentityID         string
	BillingCustomerID  string
	Plan               PlanTier
	SubscriptionStatus string
	EmailCredits       int
	PhysicalCredits    int
	CreditExpiresAt    *time.Time
	UsageMonth         string
	EmailsThisMonth    int
	MailsThisMonth     int
	UpdatedAt          time.Time
}

// Credits returns the remaining credits for a channel.
func (e *Entitlement) Credits(ch Channel) int {
	if ch == ChannelMail {
		return e.PhysicalCredits
	}
	return e.EmailCredits
}

// Reservation is a credit taken for one delivery at scheduling time.
// PeriodEnd is the credit expiry the credit belonged to; a release only
// applies while that period is still the current one.
type Reservation struct {
	IdentityID string
	Channel    Channel
	ReservedAt time.Time
	PeriodEnd  *time.Time
}

// UsageMonth formats the monthly usage bucket for t.
func UsageMonth(t time.Time) string {
	return t.UTC().Format("2006-01")
}
