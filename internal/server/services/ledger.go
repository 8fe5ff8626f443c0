package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/capsulekeeper/internal/common"
	"github.com/dmitrijs2005/capsulekeeper/internal/dbx"
	"github.com/dmitrijs2005/capsulekeeper/internal/logging"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/audit"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/models"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/repositories/entitlements"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/capsulekeeper/internal/timex"
)

// SubscriptionChange is a billing status update for one identity.
type SubscriptionChange struct {
	IdentityID string
	Plan       models.PlanTier
	Status     string
	PeriodEnd  time.Time
}

// EntitlementLedger gates scheduling on prepaid credits. Reserve and Release
// run on the caller's transaction so they commit together with the delivery
// change they pay for.
type EntitlementLedger struct {
	repos  repomanager.RepositoryManager
	cache  EntitlementCache
	audit  *audit.Emitter
	now    timex.Clock
	logger logging.Logger
}

func NewEntitlementLedger(repos repomanager.RepositoryManager, cache EntitlementCache, emitter *audit.Emitter,
	now timex.Clock, logger logging.Logger) *EntitlementLedger {
	if cache == nil {
		cache = NopEntitlementCache{}
	}
	return &EntitlementLedger{repos: repos, cache: cache, audit: emitter, now: now, logger: logger.With("module", "ledger")}
}

// CheckAndReserve evaluates the plan gate and takes one credit for ch.
func (l *EntitlementLedger) CheckAndReserve(ctx context.Context, tx dbx.DBTX, identityID string, ch models.Channel) (*models.Reservation, error) {
	repo := l.repos.Entitlements(tx)

	e, err := repo.Get(ctx, identityID)
	if errors.Is(err, common.ErrorNotFound) {
		return nil, common.ErrInsufficientCredits
	}
	if err != nil {
		return nil, err
	}
	if ch == models.ChannelMail && !models.AllotmentFor(e.Plan).PhysicalMail {
		return nil, common.ErrPlanNotEligible
	}

	now := l.now()
	ok, err := repo.Reserve(ctx, identityID, ch, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, common.ErrInsufficientCredits
	}

	// The reserve holds the row lock, so this read sees the period the
	// credit was actually taken from.
	if e, err = repo.Get(ctx, identityID); err != nil {
		return nil, err
	}
	return &models.Reservation{IdentityID: identityID, Channel: ch, ReservedAt: now, PeriodEnd: e.CreditExpiresAt}, nil
}

// Release restores a reserved credit. Only a scheduled→canceled transition
// of a delivery that was never dispatched may call it. A credit whose billing
// period has since been replaced is not restored; Release then reports false.
func (l *EntitlementLedger) Release(ctx context.Context, tx dbx.DBTX, r *models.Reservation) (bool, error) {
	released, err := l.repos.Entitlements(tx).Release(ctx, r.IdentityID, r.Channel, r.PeriodEnd, l.now())
	if err != nil {
		return false, fmt.Errorf("release credit: %w", err)
	}
	if !released {
		l.logger.Info(ctx, "credit not released, its period is over", "identity_id", r.IdentityID, "channel", r.Channel)
		return false, nil
	}
	return true, l.audit.Emit(ctx, l.repos.AuditEvents(tx), r.IdentityID, audit.CreditsReleased,
		map[string]any{"channel": string(r.Channel)})
}

// Commit marks a reservation as spent once dispatch starts. The credit was
// already taken at reservation time, so only the audit marker is written.
func (l *EntitlementLedger) Commit(ctx context.Context, tx dbx.DBTX, r *models.Reservation, deliveryID string) error {
	return l.audit.Emit(ctx, l.repos.AuditEvents(tx), r.IdentityID, audit.CreditsDeducted,
		map[string]any{"channel": string(r.Channel), "delivery_id": deliveryID})
}

// Ensure creates an empty ledger entry for a new identity.
func (l *EntitlementLedger) Ensure(ctx context.Context, identityID string, plan models.PlanTier) error {
	if !plan.Valid() {
		plan = models.PlanFree
	}
	return l.repos.Entitlements(l.repos.Conn()).Ensure(ctx, identityID, plan, l.now())
}

// Snapshot returns the entry for display, read through the cache.
func (l *EntitlementLedger) Snapshot(ctx context.Context, identityID string) (*models.Entitlement, error) {
	if e, ok, err := l.cache.Get(ctx, identityID); err != nil {
		l.logger.Warn(ctx, "entitlement cache read failed", "error", err)
	} else if ok {
		return e, nil
	}

	e, err := l.repos.Entitlements(l.repos.Conn()).Get(ctx, identityID)
	if err != nil {
		return nil, err
	}
	if err := l.cache.Set(ctx, e); err != nil {
		l.logger.Warn(ctx, "entitlement cache write failed", "error", err)
	}
	return e, nil
}

// Invalidate drops the cached snapshot. Call it after the transaction that
// changed the entry has committed.
func (l *EntitlementLedger) Invalidate(ctx context.Context, identityID string) {
	if err := l.cache.Delete(ctx, identityID); err != nil {
		l.logger.Warn(ctx, "entitlement cache invalidation failed", "identity_id", identityID, "error", err)
	}
}

// ApplySubscription folds a billing event into the ledger. A later period
// resets credits to the plan allotment; the same period only updates the
// status, downgrading to free on cancel or non-payment; older periods are
// ignored. It reports whether anything changed.
func (l *EntitlementLedger) ApplySubscription(ctx context.Context, tx dbx.DBTX, c SubscriptionChange) (bool, error) {
	repo := l.repos.Entitlements(tx)
	now := l.now()

	if err := repo.Ensure(ctx, c.IdentityID, models.PlanFree, now); err != nil {
		return false, err
	}

	plan := c.Plan
	if !plan.Valid() {
		plan = models.PlanFree
	}

	var (
		applied bool
		err     error
	)
	switch c.Status {
	case models.SubscriptionActive, models.SubscriptionTrialing:
		allot := models.AllotmentFor(plan)
		applied, err = repo.StartPeriod(ctx, entitlements.PeriodGrant{
			IdentityID:      c.IdentityID,
			Plan:            plan,
			Status:          c.Status,
			EmailCredits:    allot.EmailCredits,
			PhysicalCredits: allot.PhysicalCredits,
			ExpiresAt:       c.PeriodEnd,
			Now:             now,
		})
		if err == nil && !applied {
			applied, err = repo.UpdateStatus(ctx, c.IdentityID, plan, c.Status, c.PeriodEnd, now)
		}
	case models.SubscriptionCanceled, models.SubscriptionUnpaid:
		applied, err = repo.UpdateStatus(ctx, c.IdentityID, models.PlanFree, c.Status, c.PeriodEnd, now)
	default:
		applied, err = repo.UpdateStatus(ctx, c.IdentityID, plan, c.Status, c.PeriodEnd, now)
	}
	if err != nil || !applied {
		return false, err
	}

	err = l.audit.Emit(ctx, l.repos.AuditEvents(tx), c.IdentityID, audit.EntitlementsUpdated, map[string]any{
		"plan":       string(plan),
		"status":     c.Status,
		"period_end": c.PeriodEnd.UTC().Format(time.RFC3339),
	})
	return true, err
}
