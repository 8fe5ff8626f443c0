// Package deliveries provides the PostgreSQL-backed delivery store. The
// allowed status transitions live in the WHERE clauses below; models.DeliveryStatus
// documents the same table.
package deliveries

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/capsulekeeper/internal/common"
	"github.com/dmitrijs2005/capsulekeeper/internal/dbx"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/models"
)

// ActiveConstraint is the partial unique index allowing one scheduled or
// processing delivery per letter and channel.
const ActiveConstraint = "deliveries_one_active_per_channel"

const selectDelivery = `SELECT d.id, d.letter_id, d.identity_id, d.channel, d.status, d.deliver_at, d.timezone,
	d.next_attempt_at, d.attempt_count, d.last_error, d.failure_kind, d.remediation,
	d.idempotency_key, d.external_id, d.claimed_at, d.created_at, d.updated_at,
	d.dispatch_started_at, d.credit_period_end,
	e.to_email, e.subject, e.opens, e.clicks, e.bounces, e.last_opened_at,
	m.shipping_address_id, m.print_options, m.tracking_status, m.last_tracking_at, m.expected_delivery_date
	FROM deliveries d
	LEFT JOIN email_deliveries e ON e.delivery_id = d.id
	LEFT JOIN mail_deliveries m ON m.delivery_id = d.id`

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create inserts the delivery and its channel sub-record. A second active
// delivery for the same letter and channel yields common.ErrActiveDeliveryExists.
func (r *PostgresRepository) Create(ctx context.Context, d *models.Delivery) error {
	query := `
		INSERT INTO deliveries (id, letter_id, identity_id, channel, status, deliver_at, timezone,
			next_attempt_at, attempt_count, credit_period_end, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := r.db.ExecContext(ctx, query,
		d.ID, d.LetterID, d.IdentityID, string(d.Channel), string(d.Status), d.DeliverAt, d.Timezone,
		d.NextAttemptAt, d.AttemptCount, d.CreditPeriodEnd, d.CreatedAt, d.UpdatedAt)
	if dbx.IsUniqueViolation(err, ActiveConstraint) {
		return common.ErrActiveDeliveryExists
	}
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}

	switch d.Channel {
	case models.ChannelEmail:
		if d.Email == nil {
			return fmt.Errorf("%w: email delivery without recipient", common.ErrValidationFailed)
		}
		_, err = r.db.ExecContext(ctx,
			`INSERT INTO email_deliveries (delivery_id, to_email, subject) VALUES ($1, $2, $3)`,
			d.ID, d.Email.ToEmail, d.Email.Subject)
	case models.ChannelMail:
		if d.Mail == nil {
			return fmt.Errorf("%w: mail delivery without address", common.ErrValidationFailed)
		}
		opts, merr := json.Marshal(d.Mail.PrintOptions)
		if merr != nil {
			return merr
		}
		_, err = r.db.ExecContext(ctx,
			`INSERT INTO mail_deliveries (delivery_id, shipping_address_id, print_options) VALUES ($1, $2, $3)`,
			d.ID, d.Mail.ShippingAddressID, opts)
	}
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*models.Delivery, error) {
	return scanDelivery(r.db.QueryRowContext(ctx, selectDelivery+` WHERE d.id = $1`, id))
}

func (r *PostgresRepository) FindByExternalID(ctx context.Context, ch models.Channel, externalID string) (*models.Delivery, error) {
	query := selectDelivery + ` WHERE d.channel = $1 AND d.external_id = $2`
	return scanDelivery(r.db.QueryRowContext(ctx, query, string(ch), externalID))
}

func (r *PostgresRepository) ListByIdentity(ctx context.Context, identityID string) ([]*models.Delivery, error) {
	rows, err := r.db.QueryContext(ctx, selectDelivery+` WHERE d.identity_id = $1 ORDER BY d.created_at DESC`, identityID)
	if err != nil {
		return nil, fmt.Errorf("failed to select deliveries: %w", err)
	}
	defer rows.Close()

	var result []*models.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// ListDue returns ids of scheduled deliveries whose next attempt is due,
// oldest first.
func (r *PostgresRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	query := `SELECT id FROM deliveries WHERE status = 'scheduled' AND next_attempt_at <= $1
		ORDER BY next_attempt_at LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select due deliveries: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *PostgresRepository) HasActive(ctx context.Context, letterID string) (bool, error) {
	var active bool
	query := `SELECT EXISTS (SELECT 1 FROM deliveries WHERE letter_id = $1 AND status IN ('scheduled', 'processing'))`
	if err := r.db.QueryRowContext(ctx, query, letterID).Scan(&active); err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return active, nil
}

// Claim moves a due delivery from scheduled to processing. The first claim
// also stamps dispatch_started_at.
func (r *PostgresRepository) Claim(ctx context.Context, id string, now time.Time) (bool, error) {
	query := `UPDATE deliveries SET status = 'processing', claimed_at = $2, updated_at = $2,
		dispatch_started_at = COALESCE(dispatch_started_at, $2)
		WHERE id = $1 AND status = 'scheduled' AND next_attempt_at <= $2`
	return r.swap(ctx, query, id, now)
}

func (r *PostgresRepository) MarkSent(ctx context.Context, id, externalID, key string, now time.Time) (bool, error) {
	query := `UPDATE deliveries SET status = 'sent', attempt_count = attempt_count + 1, external_id = $2,
		idempotency_key = $3, last_error = '', claimed_at = NULL, updated_at = $4
		WHERE id = $1 AND status = 'processing'`
	return r.swap(ctx, query, id, externalID, key, now)
}

func (r *PostgresRepository) ScheduleRetry(ctx context.Context, id, reason, key string, nextAttemptAt, now time.Time) (bool, error) {
	query := `UPDATE deliveries SET status = 'scheduled', attempt_count = attempt_count + 1, last_error = $2,
		idempotency_key = $3, next_attempt_at = $4, claimed_at = NULL, updated_at = $5
		WHERE id = $1 AND status = 'processing'`
	return r.swap(ctx, query, id, reason, key, nextAttemptAt, now)
}

// MarkFailed moves a processing delivery to failed. countAttempt is false
// when the failure is reported by a provider callback rather than by a
// dispatch attempt.
func (r *PostgresRepository) MarkFailed(ctx context.Context, id string, f models.Failure, countAttempt bool, now time.Time) (bool, error) {
	inc := 0
	if countAttempt {
		inc = 1
	}
	query := `UPDATE deliveries SET status = 'failed', attempt_count = attempt_count + $2, last_error = $3,
		failure_kind = $4, remediation = $5, claimed_at = NULL, updated_at = $6
		WHERE id = $1 AND status = 'processing'`
	return r.swap(ctx, query, id, inc, f.Reason, string(f.Kind), f.Remediation, now)
}

// Cancel moves a scheduled delivery to canceled. It returns nil when the
// delivery was not scheduled any more. The credit is refundable only if no
// claim ever happened.
func (r *PostgresRepository) Cancel(ctx context.Context, id, identityID string, now time.Time) (*models.Cancellation, error) {
	query := `UPDATE deliveries SET status = 'canceled', updated_at = $3
		WHERE id = $1 AND identity_id = $2 AND status = 'scheduled'
		RETURNING dispatch_started_at IS NULL, credit_period_end`

	var (
		c      models.Cancellation
		period sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, query, id, identityID, now).Scan(&c.Refundable, &period)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	c.CreditPeriodEnd = timePtr(period)
	return &c, nil
}

// Reschedule changes deliverAt; the new instant must be strictly after now.
func (r *PostgresRepository) Reschedule(ctx context.Context, id, identityID string, deliverAt time.Time, tz string, now time.Time) (bool, error) {
	query := `UPDATE deliveries SET deliver_at = $3, next_attempt_at = $3, timezone = $4, updated_at = $5
		WHERE id = $1 AND identity_id = $2 AND status = 'scheduled' AND $3 > $5`
	return r.swap(ctx, query, id, identityID, deliverAt, tz, now)
}

// ReleaseStale returns deliveries stuck in processing since before
// claimedBefore to scheduled. The attempt count is left alone so the retry
// reuses the same idempotency key.
func (r *PostgresRepository) ReleaseStale(ctx context.Context, claimedBefore, now time.Time) (int64, error) {
	query := `UPDATE deliveries SET status = 'scheduled', claimed_at = NULL, updated_at = $2
		WHERE status = 'processing' AND claimed_at < $1`
	res, err := r.db.ExecContext(ctx, query, claimedBefore, now)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return res.RowsAffected()
}

var engagementQueries = map[models.EngagementKind]string{
	models.EngagementOpen: `UPDATE email_deliveries SET opens = opens + 1,
		last_opened_at = GREATEST(COALESCE(last_opened_at, $2), $2) WHERE delivery_id = $1`,
	models.EngagementClick:  `UPDATE email_deliveries SET clicks = clicks + 1 WHERE delivery_id = $1`,
	models.EngagementBounce: `UPDATE email_deliveries SET bounces = bounces + 1 WHERE delivery_id = $1`,
}

func (r *PostgresRepository) RecordEmailEngagement(ctx context.Context, id string, kind models.EngagementKind, at time.Time) error {
	query, ok := engagementQueries[kind]
	if !ok {
		return fmt.Errorf("%w: unknown engagement %q", common.ErrValidationFailed, kind)
	}
	args := []any{id}
	if kind == models.EngagementOpen {
		args = append(args, at)
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// RecordMailTracking stores a tracking event once per provider event id and
// advances the sub-record status only for events newer than the last one
// seen. It returns false for an already recorded event.
func (r *PostgresRepository) RecordMailTracking(ctx context.Context, ev *models.TrackingEvent) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO mail_tracking_events (provider_event_id, delivery_id, type, occurred_at, location)
		VALUES ($1, $2, $3, $4, $5) ON CONFLICT (provider_event_id) DO NOTHING`,
		ev.ProviderEventID, ev.DeliveryID, ev.Type, ev.OccurredAt, ev.Location)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	inserted, err := dbx.Swapped(res)
	if err != nil || !inserted {
		return false, err
	}

	_, err = r.db.ExecContext(ctx, `
		UPDATE mail_deliveries SET tracking_status = $2, last_tracking_at = $3
		WHERE delivery_id = $1 AND (last_tracking_at IS NULL OR last_tracking_at <= $3)`,
		ev.DeliveryID, ev.Type, ev.OccurredAt)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return true, nil
}

func (r *PostgresRepository) SetExpectedDeliveryDate(ctx context.Context, id, date string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE mail_deliveries SET expected_delivery_date = $2 WHERE delivery_id = $1`, id, date)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) swap(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return dbx.Swapped(res)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDelivery(row scanner) (*models.Delivery, error) {
	var (
		d            models.Delivery
		claimedAt    sql.NullTime
		started      sql.NullTime
		period       sql.NullTime
		toEmail      sql.NullString
		subject      sql.NullString
		opens        sql.NullInt64
		clicks       sql.NullInt64
		bounces      sql.NullInt64
		lastOpenedAt sql.NullTime
		addressID    sql.NullString
		printOptions []byte
		tracking     sql.NullString
		lastTracking sql.NullTime
		expected     sql.NullString
	)

	err := row.Scan(&d.ID, &d.LetterID, &d.IdentityID, &d.Channel, &d.Status, &d.DeliverAt, &d.Timezone,
		&d.NextAttemptAt, &d.AttemptCount, &d.LastError, &d.FailureKind, &d.Remediation,
		&d.IdempotencyKey, &d.ExternalID, &claimedAt, &d.CreatedAt, &d.UpdatedAt,
		&started, &period,
		&toEmail, &subject, &opens, &clicks, &bounces, &lastOpenedAt,
		&addressID, &printOptions, &tracking, &lastTracking, &expected)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	d.ClaimedAt = timePtr(claimedAt)
	d.DispatchStartedAt = timePtr(started)
	d.CreditPeriodEnd = timePtr(period)
	if toEmail.Valid {
		d.Email = &models.EmailDelivery{
			DeliveryID:   d.ID,
			ToEmail:      toEmail.String,
			Subject:      subject.String,
			Opens:        int(opens.Int64),
			Clicks:       int(clicks.Int64),
			Bounces:      int(bounces.Int64),
			LastOpenedAt: timePtr(lastOpenedAt),
		}
	}
	if addressID.Valid {
		d.Mail = &models.MailDelivery{
			DeliveryID:           d.ID,
			ShippingAddressID:    addressID.String,
			TrackingStatus:       tracking.String,
			LastTrackingAt:       timePtr(lastTracking),
			ExpectedDeliveryDate: expected.String,
		}
		if len(printOptions) > 0 {
			if err := json.Unmarshal(printOptions, &d.Mail.PrintOptions); err != nil {
				return nil, fmt.Errorf("print options: %w", err)
			}
		}
	}
	return &d, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
