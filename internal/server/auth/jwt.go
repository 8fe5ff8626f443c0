// Package auth consumes identity tokens issued by the session collaborator.
// It verifies them and carries the resulting Identity through the context;
// it never issues tokens for end users.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/capsulekeeper/internal/common"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/models"
	"github.com/golang-jwt/jwt/v5"
)

// Identity is the current caller: an opaque id and the plan tier asserted by
// the session collaborator.
type Identity struct {
	ID       string
	PlanTier models.PlanTier
}

// Claims carries the identity in an HS256 token.
type Claims struct {
	jwt.RegisteredClaims
	IdentityID string `json:"identity_id"`
	PlanTier   string `json:"plan_tier"`
}

// GenerateToken signs a token for id. Used by tooling and tests.
func GenerateToken(id Identity, secretKey []byte, validityDuration time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(validityDuration)),
		},
		IdentityID: id.ID,
		PlanTier:   string(id.PlanTier),
	})

	return token.SignedString(secretKey)
}

// ParseToken verifies tokenString and returns its identity. Every failure is
// reported as common.ErrInvalidToken.
func ParseToken(tokenString string, secretKey []byte) (Identity, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return secretKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, fmt.Errorf("%w: expired", common.ErrInvalidToken)
		}
		return Identity{}, fmt.Errorf("%w: %v", common.ErrInvalidToken, err)
	}

	if !token.Valid || claims.IdentityID == "" {
		return Identity{}, common.ErrInvalidToken
	}

	plan := models.PlanTier(claims.PlanTier)
	if !plan.Valid() {
		plan = models.PlanFree
	}
	return Identity{ID: claims.IdentityID, PlanTier: plan}, nil
}

type identityKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the identity stored by WithIdentity.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}
