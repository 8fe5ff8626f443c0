package suppressions

import (
	"context"

	"github.com/dmitrijs2005/capsulekeeper/internal/server/models"
)

type Repository interface {
	Add(ctx context.Context, s *models.Suppression) (bool, error)
	Get(ctx context.Context, email string) (*models.Suppression, error)
}
