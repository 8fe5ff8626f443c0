package webhookevents

import (
	"context"
	"time"
)

type Repository interface {
	Record(ctx context.Context, provider, eventID, eventType string, now time.Time) (bool, error)
}
