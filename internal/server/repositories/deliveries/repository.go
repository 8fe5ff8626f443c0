package deliveries

import (
	"context"
	"time"

	"github.com/dmitrijs2005/capsulekeeper/internal/server/models"
)

// Repository persists deliveries. Every state change is a single conditional
// update that returns false, not an error, when the row is no longer in the
// expected state. Cancel reports the same with a nil result.
type Repository interface {
	Create(ctx context.Context, d *models.Delivery) error
	Get(ctx context.Context, id string) (*models.Delivery, error)
	ListByIdentity(ctx context.Context, identityID string) ([]*models.Delivery, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]string, error)
	FindByExternalID(ctx context.Context, channel models.Channel, externalID string) (*models.Delivery, error)
	HasActive(ctx context.Context, letterID string) (bool, error)

	Claim(ctx context.Context, id string, now time.Time) (bool, error)
	MarkSent(ctx context.Context, id, externalID, idempotencyKey string, now time.Time) (bool, error)
	ScheduleRetry(ctx context.Context, id, reason, idempotencyKey string, nextAttemptAt, now time.Time) (bool, error)
	MarkFailed(ctx context.Context, id string, f models.Failure, countAttempt bool, now time.Time) (bool, error)
	Cancel(ctx context.Context, id, identityID string, now time.Time) (*models.Cancellation, error)
	Reschedule(ctx context.Context, id, identityID string, deliverAt time.Time, timezone string, now time.Time) (bool, error)
	ReleaseStale(ctx context.Context, claimedBefore, now time.Time) (int64, error)

	RecordEmailEngagement(ctx context.Context, id string, kind models.EngagementKind, at time.Time) error
	RecordMailTracking(ctx context.Context, ev *models.TrackingEvent) (bool, error)
	SetExpectedDeliveryDate(ctx context.Context, id, date string) error
}
