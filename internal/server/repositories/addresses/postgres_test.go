package addresses

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dmitrijs2005/capsulekeeper/internal/common"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/models"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndGet(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()
	repo := NewPostgresRepository(db)

	at := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	addr := &models.ShippingAddress{
		ID: "a1", IdentityID: "u1", Name: "Ada Lovelace", Line1: "1 Main St", City: "Springfield",
		State: "IL", PostalCode: "62701", Country: "US", CreatedAt: at,
	}

	mock.ExpectExec(`INSERT INTO shipping_addresses`).
		WithArgs("a1", "u1", "Ada Lovelace", "1 Main St", "", "Springfield", "IL", "62701", "US", at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`FROM shipping_addresses WHERE id = \$1`).
		WithArgs("a1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "identity_id", "name", "line1", "line2", "city", "state", "postal_code", "country", "created_at"}).
			AddRow("a1", "u1", "Ada Lovelace", "1 Main St", "", "Springfield", "IL", "62701", "US", at))
	mock.ExpectQuery(`FROM shipping_addresses WHERE id = \$1`).
		WithArgs("a2").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, addr))

	got, err := repo.Get(ctx, "a1")
	require.NoError(t, err)
	if diff := cmp.Diff(addr, got); diff != "" {
		t.Fatalf("address mismatch (-want +got):\n%s", diff)
	}

	_, err = repo.Get(ctx, "a2")
	assert.ErrorIs(t, err, common.ErrorNotFound)
}
