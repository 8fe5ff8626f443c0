package addresses

import (
	"context"

	"github.com/dmitrijs2005/capsulekeeper/internal/server/models"
)

type Repository interface {
	Create(ctx context.Context, a *models.ShippingAddress) error
	Get(ctx context.Context, id string) (*models.ShippingAddress, error)
}
