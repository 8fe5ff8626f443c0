package auditevents

import (
	"context"

	"github.com/dmitrijs2005/capsulekeeper/internal/server/models"
)

type Repository interface {
	Create(ctx context.Context, ev *models.AuditEvent) error
	ListByIdentity(ctx context.Context, identityID string, limit int) ([]*models.AuditEvent, error)
}
