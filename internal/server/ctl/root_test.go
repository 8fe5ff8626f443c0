package ctl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dmitrijs2005/capsulekeeper/internal/cryptox"
	"github.com/dmitrijs2005/capsulekeeper/internal/logging"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/audit"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/config"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/dispatcher"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/repositories/memory"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	repos      *memory.Manager
	dispatcher *dispatcher.Dispatcher
	migrateErr error
	migrated   bool
	closed     bool
}

func (b *fakeBackend) Migrate(context.Context) error {
	b.migrated = true
	return b.migrateErr
}
func (b *fakeBackend) Dispatcher() *dispatcher.Dispatcher          { return b.dispatcher }
func (b *fakeBackend) Repositories() repomanager.RepositoryManager { return b.repos }
func (b *fakeBackend) Close() error {
	b.closed = true
	return nil
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	m := memory.NewManager()
	ring, err := cryptox.ParseKeyRing(map[int]string{1: cryptox.GenerateMasterKey()})
	require.NoError(t, err)
	emitter := audit.NewEmitter(time.Now)
	ledger := services.NewEntitlementLedger(m, nil, emitter, time.Now, logging.Nop{})
	d := dispatcher.New(dispatcher.Config{}, m, ledger, cryptox.NewVault(ring), nil, nil, emitter, nil, time.Now, logging.Nop{})
	return &fakeBackend{repos: m, dispatcher: d}
}

func run(t *testing.T, b *fakeBackend, args ...string) (string, *config.Config, error) {
	t.Helper()
	var seen *config.Config
	cmd := NewRootCommand(Options{
		LoadConfig: func() *config.Config {
			c := &config.Config{}
			c.LoadDefaults()
			return c
		},
		Open: func(cfg *config.Config) (Backend, error) {
			seen = cfg
			return b, nil
		},
	})
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), seen, err
}

func TestKeygen(t *testing.T) {
	out, _, err := run(t, nil, "keygen", "--version", "2")
	require.NoError(t, err)

	name, value, ok := strings.Cut(strings.TrimSpace(out), "=")
	require.True(t, ok)
	assert.Equal(t, "CAPSULE_MASTER_KEY_V2", name)

	_, err = cryptox.ParseKeyRing(map[int]string{2: value})
	assert.NoError(t, err)
}

func TestKeygen_RejectsBadVersion(t *testing.T) {
	_, _, err := run(t, nil, "keygen", "--version", "0")
	assert.Error(t, err)
}

func TestMigrate(t *testing.T) {
	b := newFakeBackend(t)
	out, cfg, err := run(t, b, "migrate", "--dsn", "postgres://override")
	require.NoError(t, err)
	assert.True(t, b.migrated)
	assert.True(t, b.closed)
	assert.Equal(t, "postgres://override", cfg.DatabaseDSN)
	assert.Contains(t, out, "migrations applied")
}

func TestMigrate_ErrorStillCloses(t *testing.T) {
	b := newFakeBackend(t)
	b.migrateErr = errors.New("boom")
	_, _, err := run(t, b, "migrate")
	assert.ErrorContains(t, err, "boom")
	assert.True(t, b.closed)
}

func TestDispatchOnce_NothingDue(t *testing.T) {
	b := newFakeBackend(t)
	out, _, err := run(t, b, "dispatch-once")
	require.NoError(t, err)

	var res dispatcher.TickResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, dispatcher.TickResult{}, res)
}

func TestAudit(t *testing.T) {
	b := newFakeBackend(t)
	emitter := audit.NewEmitter(time.Now)
	repo := b.repos.AuditEvents(b.repos.Conn())
	require.NoError(t, emitter.Emit(context.Background(), repo, "id-1", audit.LetterCreated, map[string]any{"letter_id": "l1"}))
	require.NoError(t, emitter.Emit(context.Background(), repo, "id-2", audit.LetterCreated, map[string]any{"letter_id": "l2"}))

	out, _, err := run(t, b, "audit", "--identity", "id-1")
	require.NoError(t, err)

	var lines []struct {
		Type    string         `json:"type"`
		Payload map[string]any `json:"payload"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &lines))
	require.Len(t, lines, 1)
	assert.Equal(t, audit.LetterCreated, lines[0].Type)
	assert.Equal(t, "l1", lines[0].Payload["letter_id"])
}

func TestAudit_RequiresIdentity(t *testing.T) {
	_, _, err := run(t, newFakeBackend(t), "audit")
	assert.ErrorContains(t, err, "--identity")
}
