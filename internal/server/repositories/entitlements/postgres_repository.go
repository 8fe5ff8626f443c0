// Package entitlements stores the per-identity credit ledger. Credit
// consumption is a single conditional UPDATE so concurrent reservations for
// the last credit cannot both succeed.
package entitlements

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/capsulekeeper/internal/common"
	"github.com/dmitrijs2005/capsulekeeper/internal/dbx"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/models"
)

const entitlementColumns = `identity_id, billing_customer_id, plan, subscription_status, email_credits,
	physical_credits, credit_expires_at, usage_month, emails_this_month, mails_this_month, updated_at`

type ledgerColumns struct {
	credits string
	usage   string
	other   string
}

var channelColumns = map[models.Channel]ledgerColumns{
	models.ChannelEmail: {credits: "email_credits", usage: "emails_this_month", other: "mails_this_month"},
	models.ChannelMail:  {credits: "physical_credits", usage: "mails_this_month", other: "emails_this_month"},
}

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Get(ctx context.Context, identityID string) (*models.Entitlement, error) {
	query := `SELECT ` + entitlementColumns + ` FROM entitlements WHERE identity_id = $1`
	return scanEntitlement(r.db.QueryRowContext(ctx, query, identityID))
}

func (r *PostgresRepository) FindByCustomerID(ctx context.Context, customerID string) (*models.Entitlement, error) {
	query := `SELECT ` + entitlementColumns + ` FROM entitlements WHERE billing_customer_id = $1`
	return scanEntitlement(r.db.QueryRowContext(ctx, query, customerID))
}

// Ensure creates an entry with zero credits if none exists.
func (r *PostgresRepository) Ensure(ctx context.Context, identityID string, plan models.PlanTier, now time.Time) error {
	query := `INSERT INTO entitlements (identity_id, plan, usage_month, updated_at)
		VALUES ($1, $2, $3, $4) ON CONFLICT (identity_id) DO NOTHING`

	if _, err := r.db.ExecContext(ctx, query, identityID, string(plan), models.UsageMonth(now), now); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// LinkCustomer attaches a billing customer id unless the entry is already
// linked to a different one.
func (r *PostgresRepository) LinkCustomer(ctx context.Context, identityID, customerID string, now time.Time) (bool, error) {
	query := `UPDATE entitlements SET billing_customer_id = $2, updated_at = $3
		WHERE identity_id = $1 AND (billing_customer_id IS NULL OR billing_customer_id = $2)`
	return r.swap(ctx, query, identityID, customerID, now)
}

// Reserve takes one credit for ch and bumps the monthly usage counter,
// resetting both counters when the month rolled over. It returns false when
// no unexpired credit is left.
func (r *PostgresRepository) Reserve(ctx context.Context, identityID string, ch models.Channel, now time.Time) (bool, error) {
	cols, ok := channelColumns[ch]
	if !ok {
		return false, fmt.Errorf("%w: unknown channel %q", common.ErrValidationFailed, ch)
	}

	query := fmt.Sprintf(`UPDATE entitlements SET
		%[1]s = %[1]s - 1,
		%[2]s = CASE WHEN usage_month = $2 THEN %[2]s + 1 ELSE 1 END,
		%[3]s = CASE WHEN usage_month = $2 THEN %[3]s ELSE 0 END,
		usage_month = $2,
		updated_at = $3
		WHERE identity_id = $1 AND %[1]s > 0 AND (credit_expires_at IS NULL OR credit_expires_at > $3)`,
		cols.credits, cols.usage, cols.other)

	return r.swap(ctx, query, identityID, models.UsageMonth(now), now)
}

// Release returns a reserved credit to the period it was taken from. It
// returns false when the entry is gone or a new period started since, in
// which case the credit lapsed with the old period.
func (r *PostgresRepository) Release(ctx context.Context, identityID string, ch models.Channel, periodEnd *time.Time, now time.Time) (bool, error) {
	cols, ok := channelColumns[ch]
	if !ok {
		return false, fmt.Errorf("%w: unknown channel %q", common.ErrValidationFailed, ch)
	}

	query := fmt.Sprintf(`UPDATE entitlements SET
		%[1]s = %[1]s + 1,
		%[2]s = GREATEST(%[2]s - 1, 0),
		updated_at = $2
		WHERE identity_id = $1 AND credit_expires_at IS NOT DISTINCT FROM $3`, cols.credits, cols.usage)

	return r.swap(ctx, query, identityID, now, periodEnd)
}

// StartPeriod applies a grant only when it extends past the current expiry,
// so replayed or out-of-order period starts are ignored.
func (r *PostgresRepository) StartPeriod(ctx context.Context, g PeriodGrant) (bool, error) {
	query := `UPDATE entitlements SET plan = $2, subscription_status = $3, email_credits = $4,
		physical_credits = $5, credit_expires_at = $6, updated_at = $7
		WHERE identity_id = $1 AND (credit_expires_at IS NULL OR credit_expires_at < $6)`
	return r.swap(ctx, query, g.IdentityID, string(g.Plan), g.Status, g.EmailCredits, g.PhysicalCredits, g.ExpiresAt, g.Now)
}

// UpdateStatus changes plan and status for the current period. Events for a
// period older than the stored one do not apply.
func (r *PostgresRepository) UpdateStatus(ctx context.Context, identityID string, plan models.PlanTier, status string, periodEnd, now time.Time) (bool, error) {
	query := `UPDATE entitlements SET plan = $2, subscription_status = $3, updated_at = $5
		WHERE identity_id = $1 AND (credit_expires_at IS NULL OR credit_expires_at <= $4)`
	return r.swap(ctx, query, identityID, string(plan), status, periodEnd, now)
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

func scanEntitlement(row scanner) (*models.Entitlement, error) {
	var (
		e        models.Entitlement
		customer sql.NullString
		expires  sql.NullTime
	)
	err := row.Scan(&e.IdentityID, &customer, &e.Plan, &e.SubscriptionStatus, &e.EmailCredits,
		&e.PhysicalCredits, &expires, &e.UsageMonth, &e.EmailsThisMonth, &e.MailsThisMonth, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	e.BillingCustomerID = customer.String
	if expires.Valid {
		t := expires.Time
		e.CreditExpiresAt = &t
	}
	return &e, nil
}
