package repomanager

import (
	"context"

	"github.com/dmitrijs2005/capsulekeeper/internal/dbx"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/repositories/addresses"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/repositories/auditevents"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/repositories/deliveries"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/repositories/entitlements"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/repositories/letters"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/repositories/suppressions"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/repositories/webhookevents"
)

// RepositoryManager vends repositories bound to a DBTX and owns the
// transaction boundary. Repositories obtained from the tx passed to WithTx's
// callback see and write that transaction only.
type RepositoryManager interface {
	RunMigrations(ctx context.Context) error
	WithTx(ctx context.Context, fn func(ctx context.Context, tx dbx.DBTX) error) error
	Conn() dbx.DBTX

	Letters(db dbx.DBTX) letters.Repository
	Deliveries(db dbx.DBTX) deliveries.Repository
	Entitlements(db dbx.DBTX) entitlements.Repository
	AuditEvents(db dbx.DBTX) auditevents.Repository
	Suppressions(db dbx.DBTX) suppressions.Repository
	WebhookEvents(db dbx.DBTX) webhookevents.Repository
	Addresses(db dbx.DBTX) addresses.Repository
}
