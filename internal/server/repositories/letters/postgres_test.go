package letters

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dmitrijs2005/capsulekeeper/internal/common"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

var letterCols = []string{"id", "identity_id", "title", "body_ciphertext", "body_nonce", "key_version",
	"format", "visibility", "share_token", "deleted_at", "created_at", "updated_at"}

func newRepoWithMock(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresRepository(db), mock, db
}

func sampleLetter() *models.Letter {
	return &models.Letter{
		ID: "l1", IdentityID: "u1", Title: "hello",
		BodyCiphertext: []byte("ct"), BodyNonce: []byte("123456789012"), KeyVersion: 2,
		Format: "rich", Visibility: models.VisibilityPrivate, ShareToken: "tok",
		CreatedAt: now, UpdatedAt: now,
	}
}

func TestCreate_Success(t *testing.T) {
	repo, mock, _ := newRepoWithMock(t)
	l := sampleLetter()

	mock.ExpectExec(`INSERT INTO letters \(id, identity_id, title, body_ciphertext, body_nonce, key_version`).
		WithArgs("l1", "u1", "hello", []byte("ct"), []byte("123456789012"), 2, "rich", "private", "tok", now, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Create(context.Background(), l))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreate_DBError(t *testing.T) {
	repo, mock, _ := newRepoWithMock(t)

	mock.ExpectExec(`INSERT INTO letters`).WillReturnError(errors.New("db is down"))

	err := repo.Create(context.Background(), sampleLetter())
	assert.ErrorContains(t, err, "db error: db is down")
}

func TestGet_Found(t *testing.T) {
	repo, mock, _ := newRepoWithMock(t)
	deleted := now.Add(-time.Hour)

	mock.ExpectQuery(`SELECT .* FROM letters l WHERE l\.id = \$1`).
		WithArgs("l1").
		WillReturnRows(sqlmock.NewRows(letterCols).AddRow(
			"l1", "u1", "hello", []byte("ct"), []byte("n"), 1, "rich", "public", "tok", deleted, now, now))

	got, err := repo.Get(context.Background(), "l1")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.IdentityID)
	assert.Equal(t, models.VisibilityPublic, got.Visibility)
	require.NotNil(t, got.DeletedAt)
	assert.True(t, deleted.Equal(*got.DeletedAt))
}

func TestGet_NotFound(t *testing.T) {
	repo, mock, _ := newRepoWithMock(t)

	mock.ExpectQuery(`SELECT .* FROM letters l WHERE l\.id = \$1`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(letterCols))

	_, err := repo.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, common.ErrorNotFound)
}

func TestGetForUpdate_LocksTheRow(t *testing.T) {
	repo, mock, _ := newRepoWithMock(t)

	mock.ExpectQuery(`SELECT .* FROM letters l WHERE l\.id = \$1 FOR UPDATE$`).
		WithArgs("l1").
		WillReturnRows(sqlmock.NewRows(letterCols).AddRow(
			"l1", "u1", "hello", []byte("ct"), []byte("n"), 1, "rich", "private", "tok", nil, now, now))

	got, err := repo.GetForUpdate(context.Background(), "l1")
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Title)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetForUpdate_NotFound(t *testing.T) {
	repo, mock, _ := newRepoWithMock(t)

	mock.ExpectQuery(`FOR UPDATE`).WithArgs("missing").WillReturnRows(sqlmock.NewRows(letterCols))

	_, err := repo.GetForUpdate(context.Background(), "missing")
	assert.ErrorIs(t, err, common.ErrorNotFound)
}

func TestGetByShareToken_RequiresPublicAndSent(t *testing.T) {
	repo, mock, _ := newRepoWithMock(t)

	mock.ExpectQuery(`l\.share_token = \$1 AND l\.visibility = 'public' AND l\.deleted_at IS NULL\s+AND EXISTS \(SELECT 1 FROM deliveries d WHERE d\.letter_id = l\.id AND d\.status = 'sent'\)`).
		WithArgs("tok").
		WillReturnRows(sqlmock.NewRows(letterCols).AddRow(
			"l1", "u1", "hello", []byte("ct"), []byte("n"), 1, "rich", "public", "tok", nil, now, now))

	got, err := repo.GetByShareToken(context.Background(), "tok")
	require.NoError(t, err)
	assert.Nil(t, got.DeletedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateContent_Success(t *testing.T) {
	repo, mock, _ := newRepoWithMock(t)
	l := sampleLetter()

	mock.ExpectExec(`UPDATE letters SET title = \$3.*WHERE id = \$1 AND identity_id = \$2 AND deleted_at IS NULL AND NOT EXISTS`).
		WithArgs("l1", "u1", "hello", []byte("ct"), []byte("123456789012"), 2, "rich", now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.UpdateContent(context.Background(), l, now))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateContent_LockedByActiveDelivery(t *testing.T) {
	repo, mock, _ := newRepoWithMock(t)

	mock.ExpectExec(`UPDATE letters SET title`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT EXISTS \(SELECT 1 FROM letters WHERE id = \$1 AND identity_id = \$2`).
		WithArgs("l1", "u1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	err := repo.UpdateContent(context.Background(), sampleLetter(), now)
	assert.ErrorIs(t, err, common.ErrLetterLocked)
}

func TestUpdateContent_NotFound(t *testing.T) {
	repo, mock, _ := newRepoWithMock(t)

	mock.ExpectExec(`UPDATE letters SET title`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT EXISTS`).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	err := repo.UpdateContent(context.Background(), sampleLetter(), now)
	assert.ErrorIs(t, err, common.ErrorNotFound)
}

func TestUpdateContent_UnexpectedRows(t *testing.T) {
	repo, mock, _ := newRepoWithMock(t)

	mock.ExpectExec(`UPDATE letters SET title`).WillReturnResult(sqlmock.NewResult(0, 2))

	err := repo.UpdateContent(context.Background(), sampleLetter(), now)
	assert.ErrorContains(t, err, "unexpected rows affected: 2")
}

func TestSetVisibility(t *testing.T) {
	repo, mock, _ := newRepoWithMock(t)

	mock.ExpectExec(`UPDATE letters SET visibility = \$3`).
		WithArgs("l1", "u1", "public", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE letters SET visibility = \$3`).
		WithArgs("l2", "u1", "public", now).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.SetVisibility(context.Background(), "l1", "u1", models.VisibilityPublic, now))
	assert.ErrorIs(t, repo.SetVisibility(context.Background(), "l2", "u1", models.VisibilityPublic, now), common.ErrorNotFound)
}

func TestSoftDelete_UsesEditLock(t *testing.T) {
	repo, mock, _ := newRepoWithMock(t)

	mock.ExpectExec(`UPDATE letters SET deleted_at = \$3.*NOT EXISTS`).
		WithArgs("l1", "u1", now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.SoftDelete(context.Background(), "l1", "u1", now))
	require.NoError(t, mock.ExpectationsWereMet())
}
