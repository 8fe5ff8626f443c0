// Package webhooks receives provider callbacks and applies them to deliveries,
// the suppression list and entitlements.
package webhooks

import (
	"context"
	"errors"

	"github.com/dmitrijs2005/capsulekeeper/internal/common"
	"github.com/dmitrijs2005/capsulekeeper/internal/dbx"
	"github.com/dmitrijs2005/capsulekeeper/internal/logging"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/audit"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/models"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/services"
	"github.com/dmitrijs2005/capsulekeeper/internal/timex"
)

// Provider names stored with each processed event id.
const (
	ProviderEmail   = "email"
	ProviderMail    = "mail"
	ProviderBilling = "billing"
)

// Outcomes of applying one event.
const (
	OutcomeApplied   = "applied"
	OutcomeDuplicate = "duplicate"
	OutcomeUnmatched = "unmatched"
	OutcomeIgnored   = "ignored"
)

// errUnmatched rolls back the event record so a replay can still apply once
// the referenced record exists.
var errUnmatched = errors.New("no matching record")

type Reconciler struct {
	repos        repomanager.RepositoryManager
	ledger       *services.EntitlementLedger
	suppressions *services.SuppressionList
	audit        *audit.Emitter
	now          timex.Clock
	logger       logging.Logger
}

func NewReconciler(repos repomanager.RepositoryManager, ledger *services.EntitlementLedger,
	suppressions *services.SuppressionList, emitter *audit.Emitter, now timex.Clock, logger logging.Logger) *Reconciler {
	return &Reconciler{
		repos:        repos,
		ledger:       ledger,
		suppressions: suppressions,
		audit:        emitter,
		now:          now,
		logger:       logger.With("module", "reconciler"),
	}
}

// apply records (provider, eventID) and runs fn in the same transaction.
func (r *Reconciler) apply(ctx context.Context, provider, eventID, eventType string,
	fn func(ctx context.Context, tx dbx.DBTX) error) (string, error) {
	outcome := OutcomeApplied
	err := r.repos.WithTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		recorded, err := r.repos.WebhookEvents(tx).Record(ctx, provider, eventID, eventType, r.now())
		if err != nil {
			return err
		}
		if !recorded {
			outcome = OutcomeDuplicate
			return nil
		}
		return fn(ctx, tx)
	})
	if errors.Is(err, errUnmatched) {
		r.logger.Warn(ctx, "webhook event has no matching record", "provider", provider, "event_id", eventID, "type", eventType)
		return OutcomeUnmatched, nil
	}
	if err != nil {
		return "", err
	}
	return outcome, nil
}

func (r *Reconciler) findDelivery(ctx context.Context, tx dbx.DBTX, ch models.Channel, externalID string) (*models.Delivery, error) {
	d, err := r.repos.Deliveries(tx).FindByExternalID(ctx, ch, externalID)
	if errors.Is(err, common.ErrorNotFound) {
		return nil, errUnmatched
	}
	return d, err
}

func (r *Reconciler) reconciled(ctx context.Context, tx dbx.DBTX, d *models.Delivery, provider, event string) error {
	return r.audit.Emit(ctx, r.repos.AuditEvents(tx), d.IdentityID, audit.DeliveryReconciled, map[string]any{
		"delivery_id": d.ID,
		"provider":    provider,
		"event":       event,
		"status":      string(d.Status),
	})
}

// ApplyEmailEvent applies an email engagement or bounce. A bounce or complaint
// suppresses the address and bumps the bounce counter. Events only match
// deliveries that were already sent, so the delivery status never changes.
func (r *Reconciler) ApplyEmailEvent(ctx context.Context, ev *EmailEvent) (string, error) {
	switch ev.Type {
	case EmailDelivered, EmailOpened, EmailClicked, EmailBounced, EmailComplained:
	default:
		return OutcomeIgnored, nil
	}

	return r.apply(ctx, ProviderEmail, ev.ID, ev.Type, func(ctx context.Context, tx dbx.DBTX) error {
		d, err := r.findDelivery(ctx, tx, models.ChannelEmail, ev.ExternalID)
		if err != nil {
			return err
		}
		repo := r.repos.Deliveries(tx)

		switch ev.Type {
		case EmailOpened:
			err = repo.RecordEmailEngagement(ctx, d.ID, models.EngagementOpen, ev.OccurredAt)
		case EmailClicked:
			err = repo.RecordEmailEngagement(ctx, d.ID, models.EngagementClick, ev.OccurredAt)
		case EmailBounced, EmailComplained:
			err = r.suppress(ctx, tx, d, ev)
		}
		if err != nil {
			return err
		}
		return r.reconciled(ctx, tx, d, ProviderEmail, ev.Type)
	})
}

func (r *Reconciler) suppress(ctx context.Context, tx dbx.DBTX, d *models.Delivery, ev *EmailEvent) error {
	email := ev.Recipient
	if d.Email != nil && d.Email.ToEmail != "" {
		email = d.Email.ToEmail
	}
	if email != "" {
		if err := r.suppressions.Add(ctx, tx, d.IdentityID, email, ev.Type); err != nil {
			return err
		}
	}
	return r.repos.Deliveries(tx).RecordEmailEngagement(ctx, d.ID, models.EngagementBounce, ev.OccurredAt)
}

// ApplyMailEvent stores a tracking step for a physical letter. A returned or
// failed piece is recorded as tracking only; the delivery stays sent.
func (r *Reconciler) ApplyMailEvent(ctx context.Context, ev *MailEvent) (string, error) {
	if ev.Status == "" {
		return OutcomeIgnored, nil
	}

	return r.apply(ctx, ProviderMail, ev.ID, ev.Status, func(ctx context.Context, tx dbx.DBTX) error {
		d, err := r.findDelivery(ctx, tx, models.ChannelMail, ev.ExternalID)
		if err != nil {
			return err
		}
		repo := r.repos.Deliveries(tx)

		if _, err := repo.RecordMailTracking(ctx, &models.TrackingEvent{
			ProviderEventID: ev.ID,
			DeliveryID:      d.ID,
			Type:            ev.Status,
			OccurredAt:      ev.OccurredAt,
			Location:        ev.Location,
		}); err != nil {
			return err
		}
		if ev.ExpectedDeliveryDate != "" {
			if err := repo.SetExpectedDeliveryDate(ctx, d.ID, ev.ExpectedDeliveryDate); err != nil {
				return err
			}
		}
		return r.reconciled(ctx, tx, d, ProviderMail, ev.Status)
	})
}

// ApplySubscriptionEvent updates the entitlement owned by the event's billing
// customer. An identity_id in the metadata links an unlinked customer first.
func (r *Reconciler) ApplySubscriptionEvent(ctx context.Context, ev *SubscriptionEvent) (string, error) {
	var identityID string
	outcome, err := r.apply(ctx, ProviderBilling, ev.ID, ev.Type, func(ctx context.Context, tx dbx.DBTX) error {
		id, err := r.locate(ctx, tx, ev)
		if err != nil {
			return err
		}
		identityID = id

		_, err = r.ledger.ApplySubscription(ctx, tx, services.SubscriptionChange{
			IdentityID: id,
			Plan:       ev.Plan,
			Status:     ev.Status,
			PeriodEnd:  ev.PeriodEnd,
		})
		return err
	})
	if err == nil && outcome == OutcomeApplied {
		r.ledger.Invalidate(ctx, identityID)
	}
	return outcome, err
}

func (r *Reconciler) locate(ctx context.Context, tx dbx.DBTX, ev *SubscriptionEvent) (string, error) {
	repo := r.repos.Entitlements(tx)
	e, err := repo.FindByCustomerID(ctx, ev.CustomerID)
	if err == nil {
		return e.IdentityID, nil
	}
	if !errors.Is(err, common.ErrorNotFound) {
		return "", err
	}
	if ev.IdentityID == "" {
		return "", errUnmatched
	}

	now := r.now()
	if err := repo.Ensure(ctx, ev.IdentityID, models.PlanFree, now); err != nil {
		return "", err
	}
	linked, err := repo.LinkCustomer(ctx, ev.IdentityID, ev.CustomerID, now)
	if err != nil {
		return "", err
	}
	if !linked {
		r.logger.Warn(ctx, "identity already linked to another billing customer", "identity_id", ev.IdentityID)
		return "", errUnmatched
	}
	return ev.IdentityID, nil
}
