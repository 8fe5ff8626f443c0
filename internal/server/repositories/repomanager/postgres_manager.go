// Package repomanager provides a concrete RepositoryManager for PostgreSQL,
// wiring together repository constructors and database migrations (via goose).
package repomanager

import (
	"context"
	"database/sql"

	"github.com/dmitrijs2005/capsulekeeper/internal/dbx"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/migrations"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/repositories/addresses"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/repositories/auditevents"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/repositories/deliveries"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/repositories/entitlements"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/repositories/letters"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/repositories/suppressions"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/repositories/webhookevents"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

// PostgresRepositoryManager vends PostgreSQL-backed repository implementations
// and exposes a schema migration hook.
type PostgresRepositoryManager struct {
	db *sql.DB
}

// Letters returns a letters.Repository bound to the provided DBTX.
func (m *PostgresRepositoryManager) Letters(db dbx.DBTX) letters.Repository {
	return letters.NewPostgresRepository(db)
}

// Deliveries returns a deliveries.Repository bound to the provided DBTX.
func (m *PostgresRepositoryManager) Deliveries(db dbx.DBTX) deliveries.Repository {
	return deliveries.NewPostgresRepository(db)
}

// Entitlements returns an entitlements.Repository bound to the provided DBTX.
func (m *PostgresRepositoryManager) Entitlements(db dbx.DBTX) entitlements.Repository {
	return entitlements.NewPostgresRepository(db)
}

// AuditEvents returns an auditevents.Repository bound to the provided DBTX.
func (m *PostgresRepositoryManager) AuditEvents(db dbx.DBTX) auditevents.Repository {
	return auditevents.NewPostgresRepository(db)
}

// Suppressions returns a suppressions.Repository bound to the provided DBTX.
func (m *PostgresRepositoryManager) Suppressions(db dbx.DBTX) suppressions.Repository {
	return suppressions.NewPostgresRepository(db)
}

// WebhookEvents returns a webhookevents.Repository bound to the provided DBTX.
func (m *PostgresRepositoryManager) WebhookEvents(db dbx.DBTX) webhookevents.Repository {
	return webhookevents.NewPostgresRepository(db)
}

// Addresses returns an addresses.Repository bound to the provided DBTX.
func (m *PostgresRepositoryManager) Addresses(db dbx.DBTX) addresses.Repository {
	return addresses.NewPostgresRepository(db)
}

// Conn returns the pool for statements that need no transaction.
func (m *PostgresRepositoryManager) Conn() dbx.DBTX {
	return m.db
}

// WithTx runs fn in a read-committed transaction.
func (m *PostgresRepositoryManager) WithTx(ctx context.Context, fn func(ctx context.Context, tx dbx.DBTX) error) error {
	return dbx.WithTx(ctx, m.db, nil, fn)
}

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// RunMigrations sets up goose with the embedded migrations and runs them
// against the manager's database.
func (m *PostgresRepositoryManager) RunMigrations(ctx context.Context) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	if err := gooseUpContext(ctx, m.db, "."); err != nil {
		return err
	}
	return nil
}

// NewPostgresRepositoryManager constructs a PostgreSQL-backed RepositoryManager.
func NewPostgresRepositoryManager(db *sql.DB) (RepositoryManager, error) {
	return &PostgresRepositoryManager{db: db}, nil
}
