package entitlements

import (
	"context"
	"time"

	"github.com/dmitrijs2005/capsulekeeper/internal/server/models"
)

// PeriodGrant resets an entry to a plan allotment for a new billing period.
type PeriodGrant struct {
	IdentityID      string
	Plan            models.PlanTier
	Status          string
	EmailCredits    int
	PhysicalCredits int
	ExpiresAt       time.Time
	Now             time.Time
}

type Repository interface {
	Get(ctx context.Context, identityID string) (*models.Entitlement, error)
	FindByCustomerID(ctx context.Context, customerID string) (*models.Entitlement, error)
	Ensure(ctx context.Context, identityID string, plan models.PlanTier, now time.Time) error
	LinkCustomer(ctx context.Context, identityID, customerID string, now time.Time) (bool, error)
	Reserve(ctx context.Context, identityID string, ch models.Channel, now time.Time) (bool, error)
	Release(ctx context.Context, identityID string, ch models.Channel, periodEnd *time.Time, now time.Time) (bool, error)
	StartPeriod(ctx context.Context, g PeriodGrant) (bool, error)
	UpdateStatus(ctx context.Context, identityID string, plan models.PlanTier, status string, periodEnd, now time.Time) (bool, error)
}
