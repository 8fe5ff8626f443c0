// Package suppressions stores addresses that must not receive email again.
// Addresses are compared lowercased.
package suppressions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

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

// Add returns false when the address was already suppressed; the original
// reason is kept.
func (r *PostgresRepository) Add(ctx context.Context, s *models.Suppression) (bool, error) {
	query := `INSERT INTO email_suppressions (email, reason, created_at) VALUES ($1, $2, $3)
		ON CONFLICT (email) DO NOTHING`

	res, err := r.db.ExecContext(ctx, query, strings.ToLower(strings.TrimSpace(s.Email)), s.Reason, s.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return dbx.Swapped(res)
}

func (r *PostgresRepository) Get(ctx context.Context, email string) (*models.Suppression, error) {
	query := `SELECT email, reason, created_at FROM email_suppressions WHERE email = $1`

	s := &models.Suppression{}
	err := r.db.QueryRowContext(ctx, query, strings.ToLower(strings.TrimSpace(email))).Scan(&s.Email, &s.Reason, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return s, nil
}
