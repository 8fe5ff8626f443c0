package memory

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/dmitrijs2005/capsulekeeper/internal/common"
	"github.com/dmitrijs2005/capsulekeeper/internal/dbx"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/models"
)

type auditRepo struct {
	m  *Manager
	db dbx.DBTX
}

func (r *auditRepo) Create(ctx context.Context, ev *models.AuditEvent) error {
	return r.m.do(r.db, func(t *tables) error {
		t.audit = append(t.audit, *ev)
		return nil
	})
}

func (r *auditRepo) ListByIdentity(ctx context.Context, identityID string, limit int) ([]*models.AuditEvent, error) {
	var out []*models.AuditEvent
	err := r.m.do(r.db, func(t *tables) error {
		for i := range t.audit {
			if t.audit[i].IdentityID == identityID {
				ev := t.audit[i]
				out = append(out, &ev)
			}
		}
		return nil
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, err
}

type suppressionRepo struct {
	m  *Manager
	db dbx.DBTX
}

func (r *suppressionRepo) Add(ctx context.Context, s *models.Suppression) (bool, error) {
	email := strings.ToLower(strings.TrimSpace(s.Email))
	var added bool
	err := r.m.do(r.db, func(t *tables) error {
		if _, ok := t.suppressions[email]; ok {
			return nil
		}
		stored := *s
		stored.Email = email
		t.suppressions[email] = stored
		added = true
		return nil
	})
	return added, err
}

func (r *suppressionRepo) Get(ctx context.Context, email string) (*models.Suppression, error) {
	var out *models.Suppression
	err := r.m.do(r.db, func(t *tables) error {
		s, ok := t.suppressions[strings.ToLower(strings.TrimSpace(email))]
		if !ok {
			return common.ErrorNotFound
		}
		out = &s
		return nil
	})
	return out, err
}

type webhookRepo struct {
	m  *Manager
	db dbx.DBTX
}

func (r *webhookRepo) Record(ctx context.Context, provider, eventID, eventType string, now time.Time) (bool, error) {
	key := provider + "/" + eventID
	var recorded bool
	err := r.m.do(r.db, func(t *tables) error {
		if _, ok := t.webhooks[key]; ok {
			return nil
		}
		t.webhooks[key] = struct{}{}
		recorded = true
		return nil
	})
	return recorded, err
}

type addressRepo struct {
	m  *Manager
	db dbx.DBTX
}

func (r *addressRepo) Create(ctx context.Context, a *models.ShippingAddress) error {
	return r.m.do(r.db, func(t *tables) error {
		t.addresses[a.ID] = *a
		return nil
	})
}

func (r *addressRepo) Get(ctx context.Context, id string) (*models.ShippingAddress, error) {
	var out *models.ShippingAddress
	err := r.m.do(r.db, func(t *tables) error {
		a, ok := t.addresses[id]
		if !ok {
			return common.ErrorNotFound
		}
		out = &a
		return nil
	})
	return out, err
}
