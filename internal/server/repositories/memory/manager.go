// Package memory is an in-process RepositoryManager used by service,
// dispatcher and reconciler tests. Transactions are serialized by a single
// mutex and roll back by restoring a snapshot, so conditional updates behave
// as they do against Postgres.
package memory

import (
	"context"
	"database/sql"
	"errors"
	"sync"

	"github.com/dmitrijs2005/capsulekeeper/internal/dbx"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/models"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/repositories/addresses"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/repositories/auditevents"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/repositories/deliveries"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/repositories/entitlements"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/repositories/letters"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/repositories/suppressions"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/repositories/webhookevents"
)

var errNoSQL = errors.New("memory store does not execute SQL")

// conn is the DBTX handed out by the manager. It carries no SQL capability;
// repositories only use it to tell whether they run inside WithTx.
type conn struct {
	m    *Manager
	inTx bool
}

func (c *conn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return nil, errNoSQL
}

func (c *conn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return nil, errNoSQL
}

func (c *conn) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return nil
}

type tables struct {
	letters      map[string]models.Letter
	deliveries   map[string]models.Delivery
	tracking     map[string]models.TrackingEvent
	entitlements map[string]models.Entitlement
	audit        []models.AuditEvent
	suppressions map[string]models.Suppression
	webhooks     map[string]struct{}
	addresses    map[string]models.ShippingAddress
}

func newTables() *tables {
	return &tables{
		letters:      map[string]models.Letter{},
		deliveries:   map[string]models.Delivery{},
		tracking:     map[string]models.TrackingEvent{},
		entitlements: map[string]models.Entitlement{},
		suppressions: map[string]models.Suppression{},
		webhooks:     map[string]struct{}{},
		addresses:    map[string]models.ShippingAddress{},
	}
}

func (t *tables) clone() *tables {
	c := newTables()
	for k, v := range t.letters {
		c.letters[k] = v
	}
	for k, v := range t.deliveries {
		c.deliveries[k] = copyDelivery(v)
	}
	for k, v := range t.tracking {
		c.tracking[k] = v
	}
	for k, v := range t.entitlements {
		c.entitlements[k] = v
	}
	c.audit = append(c.audit, t.audit...)
	for k, v := range t.suppressions {
		c.suppressions[k] = v
	}
	for k := range t.webhooks {
		c.webhooks[k] = struct{}{}
	}
	for k, v := range t.addresses {
		c.addresses[k] = v
	}
	return c
}

// Manager implements repomanager.RepositoryManager in memory.
type Manager struct {
	mu sync.Mutex
	t  *tables
}

var _ repomanager.RepositoryManager = (*Manager)(nil)

func NewManager() *Manager {
	return &Manager{t: newTables()}
}

func (m *Manager) RunMigrations(ctx context.Context) error { return nil }

func (m *Manager) Conn() dbx.DBTX { return &conn{m: m} }

// WithTx runs fn while holding the store lock. Any error or panic restores
// the state from before the call.
func (m *Manager) WithTx(ctx context.Context, fn func(ctx context.Context, tx dbx.DBTX) error) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.t.clone()
	defer func() {
		if p := recover(); p != nil {
			m.t = snapshot
			panic(p)
		}
		if err != nil {
			m.t = snapshot
		}
	}()

	return fn(ctx, &conn{m: m, inTx: true})
}

// do runs fn against the tables, taking the lock unless db is a transaction
// handle of this manager.
func (m *Manager) do(db dbx.DBTX, fn func(t *tables) error) error {
	if c, ok := db.(*conn); ok && c.m == m && c.inTx {
		return fn(m.t)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.t)
}

func (m *Manager) Letters(db dbx.DBTX) letters.Repository { return &letterRepo{m: m, db: db} }

func (m *Manager) Deliveries(db dbx.DBTX) deliveries.Repository { return &deliveryRepo{m: m, db: db} }

func (m *Manager) Entitlements(db dbx.DBTX) entitlements.Repository {
	return &entitlementRepo{m: m, db: db}
}

func (m *Manager) AuditEvents(db dbx.DBTX) auditevents.Repository { return &auditRepo{m: m, db: db} }

func (m *Manager) Suppressions(db dbx.DBTX) suppressions.Repository {
	return &suppressionRepo{m: m, db: db}
}

func (m *Manager) WebhookEvents(db dbx.DBTX) webhookevents.Repository {
	return &webhookRepo{m: m, db: db}
}

func (m *Manager) Addresses(db dbx.DBTX) addresses.Repository { return &addressRepo{m: m, db: db} }

// PutEntitlement seeds or overwrites an entitlement entry.
func (m *Manager) PutEntitlement(e models.Entitlement) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.t.entitlements[e.IdentityID] = e
}

// PutLetter seeds or overwrites a letter, bypassing the edit lock.
func (m *Manager) PutLetter(l models.Letter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.t.letters[l.ID] = l
}

// Audit returns a copy of every audit event written so far, oldest first.
func (m *Manager) Audit() []models.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.AuditEvent(nil), m.t.audit...)
}

// AuditTypes returns the types of the audit events written so far.
func (m *Manager) AuditTypes() []string {
	events := m.Audit()
	types := make([]string, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}
