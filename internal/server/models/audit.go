package models

import (
	"encoding/json"
	"time"
)

// AuditEvent is an append-only record; it is never updated or read by
// business logic.
type AuditEvent struct {
	ID         string
	IdentityID string
	Type       string
	Payload    json.RawMessage
	CreatedAt  time.Time
}

// Suppression is an address that must never be mailed again.
type Suppression struct {
	Email     string
	Reason    string
	CreatedAt time.Time
}

const (
	SuppressionBounce      = "bounce"
	SuppressionComplaint   = "complaint"
	SuppressionUnsubscribe = "unsubscribe"
)
