package services

import (
	"context"
	"errors"
	"time"

	"github.com/dmitrijs2005/capsulekeeper/internal/common"
	"github.com/dmitrijs2005/capsulekeeper/internal/cryptox"
	"github.com/dmitrijs2005/capsulekeeper/internal/dbx"
	"github.com/dmitrijs2005/capsulekeeper/internal/logging"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/audit"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/models"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/capsulekeeper/internal/timex"
	"github.com/google/uuid"
)

const shareTokenAttempts = 3

// LetterInput is the editable part of a letter.
type LetterInput struct {
	Title   string               `validate:"required,max=200"`
	Content models.LetterContent `validate:"-"`
	Format  string               `validate:"omitempty,oneof=rich html"`
}

// LetterView is a decrypted letter as shown to its owner or, once revealed,
// to anyone holding the share link.
type LetterView struct {
	ID         string               `json:"id"`
	Title      string               `json:"title"`
	Format     string               `json:"format"`
	Content    models.LetterContent `json:"content"`
	Visibility models.Visibility    `json:"visibility"`
	ShareToken string               `json:"share_token,omitempty"`
	CreatedAt  time.Time            `json:"created_at"`
	UpdatedAt  time.Time            `json:"updated_at"`
}

type LetterService struct {
	repos  repomanager.RepositoryManager
	vault  *cryptox.Vault
	audit  *audit.Emitter
	now    timex.Clock
	logger logging.Logger
}

func NewLetterService(repos repomanager.RepositoryManager, vault *cryptox.Vault, emitter *audit.Emitter,
	now timex.Clock, logger logging.Logger) *LetterService {
	return &LetterService{repos: repos, vault: vault, audit: emitter, now: now, logger: logger.With("module", "letters")}
}

func (s *LetterService) Create(ctx context.Context, identityID string, in LetterInput) (*LetterView, error) {
	if err := validateRequest(in); err != nil {
		return nil, err
	}
	if in.Format == "" {
		in.Format = "rich"
	}

	sealed, err := s.vault.EncryptJSON(in.Content)
	if err != nil {
		return nil, err
	}

	now := s.now()
	letter := &models.Letter{
		ID:             uuid.NewString(),
		IdentityID:     identityID,
		Title:          in.Title,
		BodyCiphertext: sealed.Ciphertext,
		BodyNonce:      sealed.Nonce,
		KeyVersion:     sealed.KeyVersion,
		Format:         in.Format,
		Visibility:     models.VisibilityPrivate,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err = s.repos.WithTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		if err := s.insertWithShareToken(ctx, tx, letter); err != nil {
			return err
		}
		return s.audit.Emit(ctx, s.repos.AuditEvents(tx), identityID, audit.LetterCreated,
			map[string]any{"letter_id": letter.ID, "format": letter.Format})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info(ctx, "letter created", "letter_id", letter.ID)
	return s.view(letter, in.Content), nil
}

// insertWithShareToken retries on the astronomically unlikely token collision.
func (s *LetterService) insertWithShareToken(ctx context.Context, tx dbx.DBTX, letter *models.Letter) error {
	var err error
	for range shareTokenAttempts {
		letter.ShareToken, err = common.MakeShareToken()
		if err != nil {
			return err
		}
		err = s.repos.Letters(tx).Create(ctx, letter)
		if !errors.Is(err, common.ErrVersionConflict) {
			return err
		}
	}
	return err
}

// Update replaces title and body. It fails with common.ErrLetterLocked while
// any delivery of the letter is scheduled or processing.
func (s *LetterService) Update(ctx context.Context, identityID, id string, in LetterInput) (*LetterView, error) {
	if err := validateRequest(in); err != nil {
		return nil, err
	}

	sealed, err := s.vault.EncryptJSON(in.Content)
	if err != nil {
		return nil, err
	}

	var letter *models.Letter
	err = s.repos.WithTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repos.Letters(tx)
		cur, err := s.lockOwned(ctx, tx, identityID, id)
		if err != nil {
			return err
		}

		cur.Title = in.Title
		if in.Format != "" {
			cur.Format = in.Format
		}
		cur.BodyCiphertext = sealed.Ciphertext
		cur.BodyNonce = sealed.Nonce
		cur.KeyVersion = sealed.KeyVersion
		cur.UpdatedAt = s.now()
		if err := repo.UpdateContent(ctx, cur, cur.UpdatedAt); err != nil {
			return err
		}
		letter = cur
		return s.audit.Emit(ctx, s.repos.AuditEvents(tx), identityID, audit.LetterUpdated,
			map[string]any{"letter_id": id})
	})
	if err != nil {
		return nil, err
	}
	return s.view(letter, in.Content), nil
}

// Delete soft-deletes the letter under the same edit lock as Update.
func (s *LetterService) Delete(ctx context.Context, identityID, id string) error {
	return s.repos.WithTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		if _, err := s.lockOwned(ctx, tx, identityID, id); err != nil {
			return err
		}
		if err := s.repos.Letters(tx).SoftDelete(ctx, id, identityID, s.now()); err != nil {
			return err
		}
		return s.audit.Emit(ctx, s.repos.AuditEvents(tx), identityID, audit.LetterDeleted,
			map[string]any{"letter_id": id})
	})
}

func (s *LetterService) Get(ctx context.Context, identityID, id string) (*LetterView, error) {
	letter, err := s.owned(ctx, s.repos.Conn(), identityID, id)
	if err != nil {
		return nil, err
	}
	return s.decrypt(letter)
}

// SetVisibility switches a letter between private and public. Making it
// public is recorded as a share.
func (s *LetterService) SetVisibility(ctx context.Context, identityID, id string, public bool) error {
	v := models.VisibilityPrivate
	if public {
		v = models.VisibilityPublic
	}
	return s.repos.WithTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		if err := s.repos.Letters(tx).SetVisibility(ctx, id, identityID, v, s.now()); err != nil {
			return err
		}
		if !public {
			return nil
		}
		return s.audit.Emit(ctx, s.repos.AuditEvents(tx), identityID, audit.LetterShared,
			map[string]any{"letter_id": id})
	})
}

// Reveal returns a public letter by share token. Letters that are private,
// deleted or not yet delivered are reported as not found.
func (s *LetterService) Reveal(ctx context.Context, shareToken string) (*LetterView, error) {
	if shareToken == "" {
		return nil, common.ErrorNotFound
	}
	letter, err := s.repos.Letters(s.repos.Conn()).GetByShareToken(ctx, shareToken)
	if err != nil {
		return nil, err
	}
	v, err := s.decrypt(letter)
	if err != nil {
		return nil, err
	}
	v.ShareToken = ""
	return v, nil
}

// Content decrypts a stored letter body.
func (s *LetterService) Content(letter *models.Letter) (models.LetterContent, error) {
	var content models.LetterContent
	err := s.vault.DecryptJSON(&cryptox.Sealed{
		Ciphertext: letter.BodyCiphertext,
		Nonce:      letter.BodyNonce,
		KeyVersion: letter.KeyVersion,
	}, &content)
	return content, err
}

func (s *LetterService) owned(ctx context.Context, db dbx.DBTX, identityID, id string) (*models.Letter, error) {
	letter, err := s.repos.Letters(db).Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return ownedLetter(letter, identityID)
}

// lockOwned is owned with the letter row locked for the rest of tx.
func (s *LetterService) lockOwned(ctx context.Context, tx dbx.DBTX, identityID, id string) (*models.Letter, error) {
	letter, err := s.repos.Letters(tx).GetForUpdate(ctx, id)
	if err != nil {
		return nil, err
	}
	return ownedLetter(letter, identityID)
}

func ownedLetter(letter *models.Letter, identityID string) (*models.Letter, error) {
	if letter.IdentityID != identityID || letter.DeletedAt != nil {
		return nil, common.ErrorNotFound
	}
	return letter, nil
}

func (s *LetterService) decrypt(letter *models.Letter) (*LetterView, error) {
	content, err := s.Content(letter)
	if err != nil {
		return nil, err
	}
	return s.view(letter, content), nil
}

func (s *LetterService) view(l *models.Letter, content models.LetterContent) *LetterView {
	return &LetterView{
		ID:         l.ID,
		Title:      l.Title,
		Format:     l.Format,
		Content:    content,
		Visibility: l.Visibility,
		ShareToken: l.ShareToken,
		CreatedAt:  l.CreatedAt,
		UpdatedAt:  l.UpdatedAt,
	}
}
