package letters

import (
	"context"
	"time"

	"github.com/dmitrijs2005/capsulekeeper/internal/server/models"
)

type Repository interface {
	Create(ctx context.Context, letter *models.Letter) error
	Get(ctx context.Context, id string) (*models.Letter, error)
	GetForUpdate(ctx context.Context, id string) (*models.Letter, error)
	GetByShareToken(ctx context.Context, token string) (*models.Letter, error)
	UpdateContent(ctx context.Context, letter *models.Letter, now time.Time) error
	SetVisibility(ctx context.Context, id, identityID string, visibility models.Visibility, now time.Time) error
	SoftDelete(ctx context.Context, id, identityID string, now time.Time) error
}
