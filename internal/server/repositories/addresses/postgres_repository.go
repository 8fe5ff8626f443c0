// Package addresses stores shipping addresses for physical deliveries.
package addresses

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/capsulekeeper/internal/common"
	"github.com/dmitrijs2005/capsulekeeper/internal/dbx"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/models"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, a *models.ShippingAddress) error {
	query := `INSERT INTO shipping_addresses (id, identity_id, name, line1, line2, city, state, postal_code, country, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := r.db.ExecContext(ctx, query,
		a.ID, a.IdentityID, a.Name, a.Line1, a.Line2, a.City, a.State, a.PostalCode, a.Country, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*models.ShippingAddress, error) {
	query := `SELECT id, identity_id, name, line1, line2, city, state, postal_code, country, created_at
		FROM shipping_addresses WHERE id = $1`

	a := &models.ShippingAddress{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&a.ID, &a.IdentityID, &a.Name, &a.Line1, &a.Line2, &a.City, &a.State, &a.PostalCode, &a.Country, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return a, nil
}
