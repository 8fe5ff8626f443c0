package services

import (
	"context"
	"errors"
	"strings"

	"github.com/dmitrijs2005/capsulekeeper/internal/common"
	"github.com/dmitrijs2005/capsulekeeper/internal/dbx"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/audit"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/models"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/capsulekeeper/internal/timex"
)

// SuppressionList is the set of email addresses the system must not send to.
type SuppressionList struct {
	repos repomanager.RepositoryManager
	audit *audit.Emitter
	now   timex.Clock
}

func NewSuppressionList(repos repomanager.RepositoryManager, emitter *audit.Emitter, now timex.Clock) *SuppressionList {
	return &SuppressionList{repos: repos, audit: emitter, now: now}
}

func (s *SuppressionList) IsSuppressed(ctx context.Context, email string) (bool, error) {
	_, err := s.repos.Suppressions(s.repos.Conn()).Get(ctx, email)
	if errors.Is(err, common.ErrorNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Add suppresses email on tx. identityID attributes the audit event and may
// be empty. Adding an address twice is a no-op.
func (s *SuppressionList) Add(ctx context.Context, tx dbx.DBTX, identityID, email, reason string) error {
	added, err := s.repos.Suppressions(tx).Add(ctx, &models.Suppression{
		Email:     strings.ToLower(strings.TrimSpace(email)),
		Reason:    reason,
		CreatedAt: s.now(),
	})
	if err != nil || !added {
		return err
	}
	return s.audit.Emit(ctx, s.repos.AuditEvents(tx), identityID, audit.SuppressionAdded,
		map[string]any{"reason": reason})
}
