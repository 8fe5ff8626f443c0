// Package audit writes append-only audit events. Payloads never carry key
// material or letter content.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dmitrijs2005/capsulekeeper/internal/server/models"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/repositories/auditevents"
	"github.com/dmitrijs2005/capsulekeeper/internal/timex"
	"github.com/google/uuid"
)

const (
	LetterCreated       = "letter.created"
	LetterUpdated       = "letter.updated"
	LetterDeleted       = "letter.deleted"
	LetterShared        = "letter.shared"
	DeliveryScheduled   = "delivery.scheduled"
	DeliveryRescheduled = "delivery.rescheduled"
	DeliveryCanceled    = "delivery.canceled"
	DeliverySent        = "delivery.sent"
	DeliveryFailed      = "delivery.failed"
	DeliveryReconciled  = "delivery.reconciled"
	CreditsDeducted     = "credits.deducted"
	CreditsReleased     = "credits.released"
	EntitlementsUpdated = "entitlements.updated"
	SuppressionAdded    = "suppression.added"
)

// dropped lists payload keys that are removed whatever their value.
var dropped = []string{"key", "secret", "token", "plaintext", "body", "ciphertext", "nonce"}

type Emitter struct {
	now timex.Clock
}

func NewEmitter(now timex.Clock) *Emitter {
	if now == nil {
		now = timex.UTCNow
	}
	return &Emitter{now: now}
}

// Emit appends an event through repo, which should be bound to the caller's
// transaction so the event commits or rolls back with the change it records.
func (e *Emitter) Emit(ctx context.Context, repo auditevents.Repository, identityID, eventType string, payload map[string]any) error {
	raw, err := json.Marshal(Scrub(payload))
	if err != nil {
		return fmt.Errorf("audit payload: %w", err)
	}
	return repo.Create(ctx, &models.AuditEvent{
		ID:         uuid.NewString(),
		IdentityID: identityID,
		Type:       eventType,
		Payload:    raw,
		CreatedAt:  e.now().UTC(),
	})
}

// Scrub returns a copy of payload without secret-named keys and with string
// values redacted. Nested maps are scrubbed too.
func Scrub(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if secretKey(k) {
			continue
		}
		switch val := v.(type) {
		case string:
			out[k] = Redact(val)
		case map[string]any:
			out[k] = Scrub(val)
		default:
			out[k] = v
		}
	}
	return out
}

func secretKey(k string) bool {
	k = strings.ToLower(k)
	for _, d := range dropped {
		if k == d || strings.HasSuffix(k, "_"+d) {
			return true
		}
	}
	return false
}
