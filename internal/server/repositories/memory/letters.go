package memory

import (
	"context"
	"time"

	"github.com/dmitrijs2005/capsulekeeper/internal/common"
	"github.com/dmitrijs2005/capsulekeeper/internal/dbx"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/models"
)

type letterRepo struct {
	m  *Manager
	db dbx.DBTX
}

func (r *letterRepo) Create(ctx context.Context, l *models.Letter) error {
	return r.m.do(r.db, func(t *tables) error {
		for _, other := range t.letters {
			if other.ShareToken == l.ShareToken {
				return common.ErrVersionConflict
			}
		}
		t.letters[l.ID] = *l
		return nil
	})
}

func (r *letterRepo) Get(ctx context.Context, id string) (*models.Letter, error) {
	var out *models.Letter
	err := r.m.do(r.db, func(t *tables) error {
		l, ok := t.letters[id]
		if !ok {
			return common.ErrorNotFound
		}
		out = &l
		return nil
	})
	return out, err
}

// GetForUpdate is Get: a memory transaction already holds the manager lock.
func (r *letterRepo) GetForUpdate(ctx context.Context, id string) (*models.Letter, error) {
	return r.Get(ctx, id)
}

func (r *letterRepo) GetByShareToken(ctx context.Context, token string) (*models.Letter, error) {
	var out *models.Letter
	err := r.m.do(r.db, func(t *tables) error {
		for _, l := range t.letters {
			if l.ShareToken != token || l.Visibility != models.VisibilityPublic || l.DeletedAt != nil {
				continue
			}
			if !hasStatus(t, l.ID, models.StatusSent) {
				continue
			}
			l := l
			out = &l
			return nil
		}
		return common.ErrorNotFound
	})
	return out, err
}

func (r *letterRepo) UpdateContent(ctx context.Context, l *models.Letter, now time.Time) error {
	return r.m.do(r.db, func(t *tables) error {
		cur, err := editable(t, l.ID, l.IdentityID)
		if err != nil {
			return err
		}
		cur.Title = l.Title
		cur.BodyCiphertext = l.BodyCiphertext
		cur.BodyNonce = l.BodyNonce
		cur.KeyVersion = l.KeyVersion
		cur.Format = l.Format
		cur.UpdatedAt = now
		t.letters[l.ID] = cur
		return nil
	})
}

func (r *letterRepo) SetVisibility(ctx context.Context, id, identityID string, v models.Visibility, now time.Time) error {
	return r.m.do(r.db, func(t *tables) error {
		cur, ok := t.letters[id]
		if !ok || cur.IdentityID != identityID || cur.DeletedAt != nil {
			return common.ErrorNotFound
		}
		cur.Visibility = v
		cur.UpdatedAt = now
		t.letters[id] = cur
		return nil
	})
}

func (r *letterRepo) SoftDelete(ctx context.Context, id, identityID string, now time.Time) error {
	return r.m.do(r.db, func(t *tables) error {
		cur, err := editable(t, id, identityID)
		if err != nil {
			return err
		}
		deleted := now
		cur.DeletedAt = &deleted
		cur.UpdatedAt = now
		t.letters[id] = cur
		return nil
	})
}

// editable applies the same lock as the SQL guard: owned, not deleted and
// without an active delivery.
func editable(t *tables, id, identityID string) (models.Letter, error) {
	cur, ok := t.letters[id]
	if !ok || cur.IdentityID != identityID || cur.DeletedAt != nil {
		return models.Letter{}, common.ErrorNotFound
	}
	if hasStatus(t, id, models.StatusScheduled, models.StatusProcessing) {
		return models.Letter{}, common.ErrLetterLocked
	}
	return cur, nil
}

func hasStatus(t *tables, letterID string, statuses ...models.DeliveryStatus) bool {
	for _, d := range t.deliveries {
		if d.LetterID != letterID {
			continue
		}
		for _, s := range statuses {
			if d.Status == s {
				return true
			}
		}
	}
	return false
}
