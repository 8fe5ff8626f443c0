package services

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dmitrijs2005/capsulekeeper/internal/logging"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/audit"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/repositories/repomanager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var lockedLetterCols = []string{"id", "identity_id", "title", "body_ciphertext", "body_nonce", "key_version",
	"format", "visibility", "share_token", "deleted_at", "created_at", "updated_at"}

var entitlementCols = []string{"identity_id", "billing_customer_id", "plan", "subscription_status", "email_credits",
	"physical_credits", "credit_expires_at", "usage_month", "emails_this_month", "mails_this_month", "updated_at"}

const letterForUpdate = `FROM letters l WHERE l\.id = \$1 FOR UPDATE`

func newPostgresServices(t *testing.T) (sqlmock.Sqlmock, *LetterService, *DeliveryService) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	repos, err := repomanager.NewPostgresRepositoryManager(db)
	require.NoError(t, err)
	c := &clock{t: testNow}
	emitter := audit.NewEmitter(c.Now)
	ledger := NewEntitlementLedger(repos, nil, emitter, c.Now, logging.Nop{})
	return mock,
		NewLetterService(repos, newVault(t), emitter, c.Now, logging.Nop{}),
		NewDeliveryService(repos, ledger, emitter, c.Now, logging.Nop{})
}

func lockedLetter(identityID string) *sqlmock.Rows {
	return sqlmock.NewRows(lockedLetterCols).AddRow(
		"l1", identityID, "Hello 2030", []byte("ct"), []byte("n"), 1, "rich", "private", "tok", nil, testNow, testNow)
}

func TestLetterService_DeleteLocksLetterBeforeGuard(t *testing.T) {
	mock, letters, _ := newPostgresServices(t)

	mock.ExpectBegin()
	mock.ExpectQuery(letterForUpdate).WithArgs("l1").WillReturnRows(lockedLetter("u1"))
	mock.ExpectExec(`UPDATE letters SET deleted_at = \$3`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO audit_events`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, letters.Delete(context.Background(), "u1", "l1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLetterService_DeleteOfForeignLetterStopsAtLock(t *testing.T) {
	mock, letters, _ := newPostgresServices(t)

	mock.ExpectBegin()
	mock.ExpectQuery(letterForUpdate).WithArgs("l1").WillReturnRows(lockedLetter("u2"))
	mock.ExpectRollback()

	assert.Error(t, letters.Delete(context.Background(), "u1", "l1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLetterService_UpdateLocksLetterBeforeGuard(t *testing.T) {
	mock, letters, _ := newPostgresServices(t)

	mock.ExpectBegin()
	mock.ExpectQuery(letterForUpdate).WithArgs("l1").WillReturnRows(lockedLetter("u1"))
	mock.ExpectExec(`UPDATE letters SET title = \$3`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO audit_events`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, err := letters.Update(context.Background(), "u1", "l1", LetterInput{Title: "Edited"})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeliveryService_ScheduleHoldsLetterLock(t *testing.T) {
	mock, _, deliveries := newPostgresServices(t)
	expires := testNow.AddDate(0, 1, 0)

	mock.ExpectBegin()
	mock.ExpectQuery(letterForUpdate).WithArgs("l1").WillReturnRows(lockedLetter("u1"))
	mock.ExpectQuery(`FROM entitlements WHERE identity_id = \$1`).WithArgs("u1").
		WillReturnRows(sqlmock.NewRows(entitlementCols).AddRow(
			"u1", nil, "digital_capsule", "active", 6, 0, expires, "2026-03", 0, 0, testNow))
	mock.ExpectExec(`email_credits = email_credits - 1`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`FROM entitlements WHERE identity_id = \$1`).WithArgs("u1").
		WillReturnRows(sqlmock.NewRows(entitlementCols).AddRow(
			"u1", nil, "digital_capsule", "active", 5, 0, expires, "2026-03", 1, 0, testNow))
	mock.ExpectExec(`INSERT INTO deliveries`).
		WithArgs(sqlmock.AnyArg(), "l1", "u1", "email", "scheduled", sqlmock.AnyArg(), "Europe/Riga",
			sqlmock.AnyArg(), 0, expires, testNow, testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO email_deliveries`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO audit_events`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, err := deliveries.Schedule(context.Background(), "u1", emailRequest("l1"))
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
