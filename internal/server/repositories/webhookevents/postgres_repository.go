// Package webhookevents remembers which provider callbacks were applied.
package webhookevents

import (
	"context"
	"fmt"
	"time"

	"github.com/dmitrijs2005/capsulekeeper/internal/dbx"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Record returns false when (provider, eventID) was already recorded.
func (r *PostgresRepository) Record(ctx context.Context, provider, eventID, eventType string, now time.Time) (bool, error) {
	query := `INSERT INTO webhook_events (provider, event_id, type, received_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (provider, event_id) DO NOTHING`

	res, err := r.db.ExecContext(ctx, query, provider, eventID, eventType, now)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return dbx.Swapped(res)
}
