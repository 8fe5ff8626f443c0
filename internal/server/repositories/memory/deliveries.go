package memory

import (
	"context"
	"sort"
	"time"

	"github.com/dmitrijs2005/capsulekeeper/internal/common"
	"github.com/dmitrijs2005/capsulekeeper/internal/dbx"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/models"
)

type deliveryRepo struct {
	m  *Manager
	db dbx.DBTX
}

func copyDelivery(d models.Delivery) models.Delivery {
	if d.Email != nil {
		e := *d.Email
		d.Email = &e
	}
	if d.Mail != nil {
		m := *d.Mail
		d.Mail = &m
	}
	d.ClaimedAt = copyTime(d.ClaimedAt)
	d.DispatchStartedAt = copyTime(d.DispatchStartedAt)
	d.CreditPeriodEnd = copyTime(d.CreditPeriodEnd)
	return d
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func (r *deliveryRepo) Create(ctx context.Context, d *models.Delivery) error {
	return r.m.do(r.db, func(t *tables) error {
		for _, other := range t.deliveries {
			if other.LetterID == d.LetterID && other.Channel == d.Channel && other.Status.IsActive() {
				return common.ErrActiveDeliveryExists
			}
		}
		stored := copyDelivery(*d)
		if stored.Email != nil {
			stored.Email.DeliveryID = d.ID
		}
		if stored.Mail != nil {
			stored.Mail.DeliveryID = d.ID
		}
		t.deliveries[d.ID] = stored
		return nil
	})
}

func (r *deliveryRepo) Get(ctx context.Context, id string) (*models.Delivery, error) {
	var out *models.Delivery
	err := r.m.do(r.db, func(t *tables) error {
		d, ok := t.deliveries[id]
		if !ok {
			return common.ErrorNotFound
		}
		c := copyDelivery(d)
		out = &c
		return nil
	})
	return out, err
}

func (r *deliveryRepo) FindByExternalID(ctx context.Context, ch models.Channel, externalID string) (*models.Delivery, error) {
	var out *models.Delivery
	err := r.m.do(r.db, func(t *tables) error {
		for _, d := range t.deliveries {
			if d.Channel == ch && d.ExternalID != "" && d.ExternalID == externalID {
				c := copyDelivery(d)
				out = &c
				return nil
			}
		}
		return common.ErrorNotFound
	})
	return out, err
}

func (r *deliveryRepo) ListByIdentity(ctx context.Context, identityID string) ([]*models.Delivery, error) {
	var out []*models.Delivery
	err := r.m.do(r.db, func(t *tables) error {
		for _, d := range t.deliveries {
			if d.IdentityID == identityID {
				c := copyDelivery(d)
				out = append(out, &c)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
		return nil
	})
	return out, err
}

func (r *deliveryRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	var due []models.Delivery
	err := r.m.do(r.db, func(t *tables) error {
		for _, d := range t.deliveries {
			if d.Status == models.StatusScheduled && !d.NextAttemptAt.After(now) {
				due = append(due, d)
			}
		}
		return nil
	})
	sort.Slice(due, func(i, j int) bool { return due[i].NextAttemptAt.Before(due[j].NextAttemptAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	ids := make([]string, len(due))
	for i, d := range due {
		ids[i] = d.ID
	}
	return ids, err
}

func (r *deliveryRepo) HasActive(ctx context.Context, letterID string) (bool, error) {
	var active bool
	err := r.m.do(r.db, func(t *tables) error {
		active = hasStatus(t, letterID, models.StatusScheduled, models.StatusProcessing)
		return nil
	})
	return active, err
}

// swap applies mutate when the current row satisfies guard, mirroring a
// conditional UPDATE.
func (r *deliveryRepo) swap(id string, guard func(d *models.Delivery) bool, mutate func(d *models.Delivery)) (bool, error) {
	var swapped bool
	err := r.m.do(r.db, func(t *tables) error {
		d, ok := t.deliveries[id]
		if !ok || !guard(&d) {
			return nil
		}
		mutate(&d)
		t.deliveries[id] = d
		swapped = true
		return nil
	})
	return swapped, err
}

func (r *deliveryRepo) Claim(ctx context.Context, id string, now time.Time) (bool, error) {
	return r.swap(id,
		func(d *models.Delivery) bool {
			return d.Status == models.StatusScheduled && !d.NextAttemptAt.After(now)
		},
		func(d *models.Delivery) {
			d.Status = models.StatusProcessing
			claimed := now
			d.ClaimedAt = &claimed
			if d.DispatchStartedAt == nil {
				d.DispatchStartedAt = &claimed
			}
			d.UpdatedAt = now
		})
}

func processing(d *models.Delivery) bool { return d.Status == models.StatusProcessing }

func (r *deliveryRepo) MarkSent(ctx context.Context, id, externalID, key string, now time.Time) (bool, error) {
	return r.swap(id, processing, func(d *models.Delivery) {
		d.Status = models.StatusSent
		d.AttemptCount++
		d.ExternalID = externalID
		d.IdempotencyKey = key
		d.LastError = ""
		d.ClaimedAt = nil
		d.UpdatedAt = now
	})
}

func (r *deliveryRepo) ScheduleRetry(ctx context.Context, id, reason, key string, nextAttemptAt, now time.Time) (bool, error) {
	return r.swap(id, processing, func(d *models.Delivery) {
		d.Status = models.StatusScheduled
		d.AttemptCount++
		d.LastError = reason
		d.IdempotencyKey = key
		d.NextAttemptAt = nextAttemptAt
		d.ClaimedAt = nil
		d.UpdatedAt = now
	})
}

func (r *deliveryRepo) MarkFailed(ctx context.Context, id string, f models.Failure, countAttempt bool, now time.Time) (bool, error) {
	return r.swap(id, processing, func(d *models.Delivery) {
		d.Status = models.StatusFailed
		if countAttempt {
			d.AttemptCount++
		}
		d.LastError = f.Reason
		d.FailureKind = f.Kind
		d.Remediation = f.Remediation
		d.ClaimedAt = nil
		d.UpdatedAt = now
	})
}

func (r *deliveryRepo) Cancel(ctx context.Context, id, identityID string, now time.Time) (*models.Cancellation, error) {
	var c *models.Cancellation
	_, err := r.swap(id,
		func(d *models.Delivery) bool { return d.IdentityID == identityID && d.Status == models.StatusScheduled },
		func(d *models.Delivery) {
			d.Status = models.StatusCanceled
			d.UpdatedAt = now
			c = &models.Cancellation{
				Refundable:      d.DispatchStartedAt == nil,
				CreditPeriodEnd: copyTime(d.CreditPeriodEnd),
			}
		})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (r *deliveryRepo) Reschedule(ctx context.Context, id, identityID string, deliverAt time.Time, tz string, now time.Time) (bool, error) {
	return r.swap(id,
		func(d *models.Delivery) bool {
			return d.IdentityID == identityID && d.Status == models.StatusScheduled && deliverAt.After(now)
		},
		func(d *models.Delivery) {
			d.DeliverAt = deliverAt
			d.NextAttemptAt = deliverAt
			d.Timezone = tz
			d.UpdatedAt = now
		})
}

func (r *deliveryRepo) ReleaseStale(ctx context.Context, claimedBefore, now time.Time) (int64, error) {
	var n int64
	err := r.m.do(r.db, func(t *tables) error {
		for id, d := range t.deliveries {
			if d.Status != models.StatusProcessing || d.ClaimedAt == nil || !d.ClaimedAt.Before(claimedBefore) {
				continue
			}
			d.Status = models.StatusScheduled
			d.ClaimedAt = nil
			d.UpdatedAt = now
			t.deliveries[id] = d
			n++
		}
		return nil
	})
	return n, err
}

func (r *deliveryRepo) RecordEmailEngagement(ctx context.Context, id string, kind models.EngagementKind, at time.Time) error {
	return r.m.do(r.db, func(t *tables) error {
		d, ok := t.deliveries[id]
		if !ok || d.Email == nil {
			return nil
		}
		e := *d.Email
		switch kind {
		case models.EngagementOpen:
			e.Opens++
			if e.LastOpenedAt == nil || at.After(*e.LastOpenedAt) {
				opened := at
				e.LastOpenedAt = &opened
			}
		case models.EngagementClick:
			e.Clicks++
		case models.EngagementBounce:
			e.Bounces++
		default:
			return common.ErrValidationFailed
		}
		d.Email = &e
		t.deliveries[id] = d
		return nil
	})
}

func (r *deliveryRepo) RecordMailTracking(ctx context.Context, ev *models.TrackingEvent) (bool, error) {
	var inserted bool
	err := r.m.do(r.db, func(t *tables) error {
		if _, dup := t.tracking[ev.ProviderEventID]; dup {
			return nil
		}
		t.tracking[ev.ProviderEventID] = *ev
		inserted = true

		d, ok := t.deliveries[ev.DeliveryID]
		if !ok || d.Mail == nil {
			return nil
		}
		m := *d.Mail
		if m.LastTrackingAt == nil || !ev.OccurredAt.Before(*m.LastTrackingAt) {
			at := ev.OccurredAt
			m.TrackingStatus = ev.Type
			m.LastTrackingAt = &at
		}
		d.Mail = &m
		t.deliveries[ev.DeliveryID] = d
		return nil
	})
	return inserted, err
}

func (r *deliveryRepo) SetExpectedDeliveryDate(ctx context.Context, id, date string) error {
	return r.m.do(r.db, func(t *tables) error {
		d, ok := t.deliveries[id]
		if !ok || d.Mail == nil {
			return nil
		}
		m := *d.Mail
		m.ExpectedDeliveryDate = date
		d.Mail = &m
		t.deliveries[id] = d
		return nil
	})
}
