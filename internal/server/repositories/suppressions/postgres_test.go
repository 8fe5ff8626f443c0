package suppressions

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dmitrijs2005/capsulekeeper/internal/common"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddAndGet_NormalizeAddress(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()
	repo := NewPostgresRepository(db)
	at := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(`INSERT INTO email_suppressions .* ON CONFLICT \(email\) DO NOTHING`).
		WithArgs("bob@example.com", "bounce", at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO email_suppressions`).
		WithArgs("bob@example.com", "complaint", at).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT email, reason, created_at FROM email_suppressions WHERE email = \$1`).
		WithArgs("bob@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"email", "reason", "created_at"}).AddRow("bob@example.com", "bounce", at))
	mock.ExpectQuery(`FROM email_suppressions`).
		WithArgs("alice@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"email", "reason", "created_at"}))

	ctx := context.Background()
	added, err := repo.Add(ctx, &models.Suppression{Email: " Bob@Example.com", Reason: models.SuppressionBounce, CreatedAt: at})
	require.NoError(t, err)
	assert.True(t, added)

	added, err = repo.Add(ctx, &models.Suppression{Email: "BOB@example.com", Reason: models.SuppressionComplaint, CreatedAt: at})
	require.NoError(t, err)
	assert.False(t, added)

	s, err := repo.Get(ctx, "Bob@example.COM")
	require.NoError(t, err)
	assert.Equal(t, "bounce", s.Reason)

	_, err = repo.Get(ctx, "alice@example.com")
	assert.ErrorIs(t, err, common.ErrorNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
