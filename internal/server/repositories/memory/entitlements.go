package memory

import (
	"context"
	"time"

	"github.com/dmitrijs2005/capsulekeeper/internal/common"
	"github.com/dmitrijs2005/capsulekeeper/internal/dbx"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/models"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/repositories/entitlements"
)

type entitlementRepo struct {
	m  *Manager
	db dbx.DBTX
}

func (r *entitlementRepo) Get(ctx context.Context, identityID string) (*models.Entitlement, error) {
	var out *models.Entitlement
	err := r.m.do(r.db, func(t *tables) error {
		e, ok := t.entitlements[identityID]
		if !ok {
			return common.ErrorNotFound
		}
		out = &e
		return nil
	})
	return out, err
}

func (r *entitlementRepo) FindByCustomerID(ctx context.Context, customerID string) (*models.Entitlement, error) {
	var out *models.Entitlement
	err := r.m.do(r.db, func(t *tables) error {
		for _, e := range t.entitlements {
			if e.BillingCustomerID != "" && e.BillingCustomerID == customerID {
				e := e
				out = &e
				return nil
			}
		}
		return common.ErrorNotFound
	})
	return out, err
}

func (r *entitlementRepo) Ensure(ctx context.Context, identityID string, plan models.PlanTier, now time.Time) error {
	return r.m.do(r.db, func(t *tables) error {
		if _, ok := t.entitlements[identityID]; !ok {
			t.entitlements[identityID] = models.Entitlement{
				IdentityID: identityID, Plan: plan, UsageMonth: models.UsageMonth(now), UpdatedAt: now,
			}
		}
		return nil
	})
}

func (r *entitlementRepo) update(identityID string, guard func(e *models.Entitlement) bool, mutate func(e *models.Entitlement)) (bool, error) {
	var swapped bool
	err := r.m.do(r.db, func(t *tables) error {
		e, ok := t.entitlements[identityID]
		if !ok || !guard(&e) {
			return nil
		}
		mutate(&e)
		t.entitlements[identityID] = e
		swapped = true
		return nil
	})
	return swapped, err
}

func (r *entitlementRepo) LinkCustomer(ctx context.Context, identityID, customerID string, now time.Time) (bool, error) {
	return r.update(identityID,
		func(e *models.Entitlement) bool {
			return e.BillingCustomerID == "" || e.BillingCustomerID == customerID
		},
		func(e *models.Entitlement) {
			e.BillingCustomerID = customerID
			e.UpdatedAt = now
		})
}

// counters returns pointers to the credit and usage fields for ch.
func counters(e *models.Entitlement, ch models.Channel) (credits, usage, other *int) {
	if ch == models.ChannelMail {
		return &e.PhysicalCredits, &e.MailsThisMonth, &e.EmailsThisMonth
	}
	return &e.EmailCredits, &e.EmailsThisMonth, &e.MailsThisMonth
}

func (r *entitlementRepo) Reserve(ctx context.Context, identityID string, ch models.Channel, now time.Time) (bool, error) {
	if !ch.Valid() {
		return false, common.ErrValidationFailed
	}
	month := models.UsageMonth(now)
	return r.update(identityID,
		func(e *models.Entitlement) bool {
			credits, _, _ := counters(e, ch)
			return *credits > 0 && (e.CreditExpiresAt == nil || e.CreditExpiresAt.After(now))
		},
		func(e *models.Entitlement) {
			credits, usage, other := counters(e, ch)
			*credits--
			if e.UsageMonth == month {
				*usage++
			} else {
				*usage = 1
				*other = 0
			}
			e.UsageMonth = month
			e.UpdatedAt = now
		})
}

func (r *entitlementRepo) Release(ctx context.Context, identityID string, ch models.Channel, periodEnd *time.Time, now time.Time) (bool, error) {
	if !ch.Valid() {
		return false, common.ErrValidationFailed
	}
	return r.update(identityID,
		func(e *models.Entitlement) bool { return samePeriod(e.CreditExpiresAt, periodEnd) },
		func(e *models.Entitlement) {
			credits, usage, _ := counters(e, ch)
			*credits++
			if *usage > 0 {
				*usage--
			}
			e.UpdatedAt = now
		})
}

func samePeriod(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func (r *entitlementRepo) StartPeriod(ctx context.Context, g entitlements.PeriodGrant) (bool, error) {
	return r.update(g.IdentityID,
		func(e *models.Entitlement) bool {
			return e.CreditExpiresAt == nil || e.CreditExpiresAt.Before(g.ExpiresAt)
		},
		func(e *models.Entitlement) {
			expires := g.ExpiresAt
			e.Plan = g.Plan
			e.SubscriptionStatus = g.Status
			e.EmailCredits = g.EmailCredits
			e.PhysicalCredits = g.PhysicalCredits
			e.CreditExpiresAt = &expires
			e.UpdatedAt = g.Now
		})
}

func (r *entitlementRepo) UpdateStatus(ctx context.Context, identityID string, plan models.PlanTier, status string, periodEnd, now time.Time) (bool, error) {
	return r.update(identityID,
		func(e *models.Entitlement) bool {
			return e.CreditExpiresAt == nil || !e.CreditExpiresAt.After(periodEnd)
		},
		func(e *models.Entitlement) {
			e.Plan = plan
			e.SubscriptionStatus = status
			e.UpdatedAt = now
		})
}
