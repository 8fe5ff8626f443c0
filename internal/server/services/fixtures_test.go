package services

import (
	"context"
	"testing"
	"time"

	"github.com/dmitrijs2005/capsulekeeper/internal/cryptox"
	"github.com/dmitrijs2005/capsulekeeper/internal/logging"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/audit"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/models"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/repositories/memory"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

type fixture struct {
	repos      *memory.Manager
	clock      *clock
	ledger     *EntitlementLedger
	letters    *LetterService
	deliveries *DeliveryService
}

func newVault(t *testing.T) *cryptox.Vault {
	t.Helper()
	key := make([]byte, cryptox.MasterKeySize)
	for i := range key {
		key[i] = byte(i + 1)
	}
	ring, err := cryptox.NewKeyRing(map[int][]byte{1: key})
	require.NoError(t, err)
	return cryptox.NewVault(ring)
}

func newFixture(t *testing.T, cache EntitlementCache) *fixture {
	t.Helper()
	c := &clock{t: testNow}
	repos := memory.NewManager()
	emitter := audit.NewEmitter(c.Now)
	ledger := NewEntitlementLedger(repos, cache, emitter, c.Now, logging.Nop{})
	return &fixture{
		repos:      repos,
		clock:      c,
		ledger:     ledger,
		letters:    NewLetterService(repos, newVault(t), emitter, c.Now, logging.Nop{}),
		deliveries: NewDeliveryService(repos, ledger, emitter, c.Now, logging.Nop{}),
	}
}

func (f *fixture) grant(identityID string, plan models.PlanTier, email, physical int) {
	expires := testNow.Add(30 * 24 * time.Hour)
	f.repos.PutEntitlement(models.Entitlement{
		IdentityID:         identityID,
		Plan:               plan,
		SubscriptionStatus: models.SubscriptionActive,
		EmailCredits:       email,
		PhysicalCredits:    physical,
		CreditExpiresAt:    &expires,
	})
}

func (f *fixture) entitlement(t *testing.T, identityID string) *models.Entitlement {
	t.Helper()
	e, err := f.repos.Entitlements(f.repos.Conn()).Get(context.Background(), identityID)
	require.NoError(t, err)
	return e
}

func (f *fixture) letter(t *testing.T, identityID string) *LetterView {
	t.Helper()
	v, err := f.letters.Create(context.Background(), identityID, LetterInput{
		Title:   "Hello 2030",
		Content: models.LetterContent{BodyHTML: "<p>remember the lake</p>"},
	})
	require.NoError(t, err)
	return v
}

func emailRequest(letterID string) ScheduleRequest {
	return ScheduleRequest{
		LetterID:  letterID,
		Channel:   models.ChannelEmail,
		DeliverAt: testNow.Add(365 * 24 * time.Hour),
		Timezone:  "Europe/Riga",
		ToEmail:   "Me@Example.com",
	}
}
