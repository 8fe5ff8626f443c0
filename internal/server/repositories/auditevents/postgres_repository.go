// Package auditevents appends to and lists the audit log. The table has no
// update or delete path.
package auditevents

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/capsulekeeper/internal/dbx"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/models"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, ev *models.AuditEvent) error {
	query := `INSERT INTO audit_events (id, identity_id, type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	payload := []byte(ev.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	if _, err := r.db.ExecContext(ctx, query, ev.ID, ev.IdentityID, ev.Type, payload, ev.CreatedAt); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// ListByIdentity returns the most recent events first.
func (r *PostgresRepository) ListByIdentity(ctx context.Context, identityID string, limit int) ([]*models.AuditEvent, error) {
	query := `SELECT id, identity_id, type, payload, created_at FROM audit_events
		WHERE identity_id = $1 ORDER BY created_at DESC LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, identityID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select audit events: %w", err)
	}
	defer rows.Close()

	var result []*models.AuditEvent
	for rows.Next() {
		ev := &models.AuditEvent{}
		var payload []byte
		if err := rows.Scan(&ev.ID, &ev.IdentityID, &ev.Type, &payload, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Payload = payload
		result = append(result, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
