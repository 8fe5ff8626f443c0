// Package letters provides the PostgreSQL-backed letter repository.
package letters

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/capsulekeeper/internal/common"
	"github.com/dmitrijs2005/capsulekeeper/internal/dbx"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/models"
)

const letterColumns = `l.id, l.identity_id, l.title, l.body_ciphertext, l.body_nonce, l.key_version,
	l.format, l.visibility, l.share_token, l.deleted_at, l.created_at, l.updated_at`

// noActiveDelivery is the edit lock: a letter may change only while no
// delivery referencing it is scheduled or processing.
const noActiveDelivery = `NOT EXISTS (
	SELECT 1 FROM deliveries d
	WHERE d.letter_id = letters.id AND d.status IN ('scheduled', 'processing'))`

// PostgresRepository implements letter storage over a dbx.DBTX (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, l *models.Letter) error {
	query := `
		INSERT INTO letters (id, identity_id, title, body_ciphertext, body_nonce, key_version,
			format, visibility, share_token, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := r.db.ExecContext(ctx, query,
		l.ID, l.IdentityID, l.Title, l.BodyCiphertext, l.BodyNonce, l.KeyVersion,
		l.Format, string(l.Visibility), l.ShareToken, l.CreatedAt, l.UpdatedAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*models.Letter, error) {
	query := `SELECT ` + letterColumns + ` FROM letters l WHERE l.id = $1`
	return scanLetter(r.db.QueryRowContext(ctx, query, id))
}

// GetForUpdate reads the letter and holds its row lock until the enclosing
// transaction ends. Scheduling and the edit-lock writes both take it first, so
// a delivery insert and a guarded update of the same letter serialize and the
// guard sees the committed delivery.
func (r *PostgresRepository) GetForUpdate(ctx context.Context, id string) (*models.Letter, error) {
	query := `SELECT ` + letterColumns + ` FROM letters l WHERE l.id = $1 FOR UPDATE`
	return scanLetter(r.db.QueryRowContext(ctx, query, id))
}

// GetByShareToken returns a letter only when it is public, not deleted and
// has been delivered at least once.
func (r *PostgresRepository) GetByShareToken(ctx context.Context, token string) (*models.Letter, error) {
	query := `SELECT ` + letterColumns + ` FROM letters l
		WHERE l.share_token = $1 AND l.visibility = 'public' AND l.deleted_at IS NULL
		AND EXISTS (SELECT 1 FROM deliveries d WHERE d.letter_id = l.id AND d.status = 'sent')`
	return scanLetter(r.db.QueryRowContext(ctx, query, token))
}

// UpdateContent replaces title and sealed body in one guarded statement.
// It returns common.ErrLetterLocked when an active delivery exists and
// common.ErrorNotFound when the letter is missing, deleted or not owned.
func (r *PostgresRepository) UpdateContent(ctx context.Context, l *models.Letter, now time.Time) error {
	query := `
		UPDATE letters SET title = $3, body_ciphertext = $4, body_nonce = $5, key_version = $6,
			format = $7, updated_at = $8
		WHERE id = $1 AND identity_id = $2 AND deleted_at IS NULL AND ` + noActiveDelivery

	res, err := r.db.ExecContext(ctx, query,
		l.ID, l.IdentityID, l.Title, l.BodyCiphertext, l.BodyNonce, l.KeyVersion, l.Format, now)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return r.explainMiss(ctx, res, l.ID, l.IdentityID)
}

func (r *PostgresRepository) SetVisibility(ctx context.Context, id, identityID string, v models.Visibility, now time.Time) error {
	query := `UPDATE letters SET visibility = $3, updated_at = $4
		WHERE id = $1 AND identity_id = $2 AND deleted_at IS NULL`

	res, err := r.db.ExecContext(ctx, query, id, identityID, string(v), now)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	ok, err := dbx.Swapped(res)
	if err != nil {
		return err
	}
	if !ok {
		return common.ErrorNotFound
	}
	return nil
}

// SoftDelete marks the letter deleted under the same edit lock as UpdateContent.
func (r *PostgresRepository) SoftDelete(ctx context.Context, id, identityID string, now time.Time) error {
	query := `UPDATE letters SET deleted_at = $3, updated_at = $3
		WHERE id = $1 AND identity_id = $2 AND deleted_at IS NULL AND ` + noActiveDelivery

	res, err := r.db.ExecContext(ctx, query, id, identityID, now)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return r.explainMiss(ctx, res, id, identityID)
}

// explainMiss turns a zero-row guarded update into the reason it missed.
func (r *PostgresRepository) explainMiss(ctx context.Context, res sql.Result, id, identityID string) error {
	ok, err := dbx.Swapped(res)
	if err != nil || ok {
		return err
	}

	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM letters WHERE id = $1 AND identity_id = $2 AND deleted_at IS NULL)`
	if err := r.db.QueryRowContext(ctx, query, id, identityID).Scan(&exists); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if exists {
		return common.ErrLetterLocked
	}
	return common.ErrorNotFound
}

func scanLetter(row *sql.Row) (*models.Letter, error) {
	var l models.Letter
	var deletedAt sql.NullTime
	err := row.Scan(&l.ID, &l.IdentityID, &l.Title, &l.BodyCiphertext, &l.BodyNonce, &l.KeyVersion,
		&l.Format, &l.Visibility, &l.ShareToken, &deletedAt, &l.CreatedAt, &l.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		l.DeletedAt = &t
	}
	return &l, nil
}
