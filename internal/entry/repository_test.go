package entry

import (
	"context"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var entryColumns = []string{"id", "title", "unique_id", "refresh_token", "brand", "created_at"}

func TestRepository_Create(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO config_entries")).
		WithArgs(sqlmock.AnyArg(), "Sage Coffee", "auth0|abc", "rt", BrandSage, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	e := &Entry{Title: "Sage Coffee", UniqueID: "auth0|abc", RefreshToken: "rt", Brand: BrandSage}
	require.NoError(t, repo.Create(context.Background(), e))

	assert.NotEmpty(t, e.ID)
	assert.False(t, e.CreatedAt.IsZero())
	assert.Equal(t, time.UTC, e.CreatedAt.Location())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_CreateDuplicate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO config_entries")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = NewRepository(db).Create(context.Background(), &Entry{UniqueID: "auth0|abc"})
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_Get(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("FROM config_entries WHERE id = ?")).
		WithArgs("e1").
		WillReturnRows(sqlmock.NewRows(entryColumns).
			AddRow("e1", "Sage Coffee", "auth0|abc", "rt", BrandBreville, created))

	mock.ExpectQuery(regexp.QuoteMeta("FROM config_entries WHERE id = ?")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(entryColumns))

	repo := NewRepository(db)

	e, err := repo.Get(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, Entry{
		ID:           "e1",
		Title:        "Sage Coffee",
		UniqueID:     "auth0|abc",
		RefreshToken: "rt",
		Brand:        BrandBreville,
		CreatedAt:    created,
	}, e)

	_, err = repo.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_List(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC()
	mock.ExpectQuery(regexp.QuoteMeta("FROM config_entries ORDER BY created_at")).
		WillReturnRows(sqlmock.NewRows(entryColumns).
			AddRow("e1", "Sage Coffee", "auth0|a", "rt1", BrandSage, now).
			AddRow("e2", "Sage Coffee", "auth0|b", "rt2", BrandBreville, now))

	entries, err := NewRepository(db).List(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "e1", entries[0].ID)
	assert.Equal(t, BrandBreville, entries[1].Brand)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_DeleteAndUpdate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE config_entries SET refresh_token = ?")).
		WithArgs("rotated", "e1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM config_entries")).
		WithArgs("e1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM config_entries")).
		WithArgs("e1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	repo := NewRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.UpdateRefreshToken(ctx, "e1", "rotated"))
	require.NoError(t, repo.Delete(ctx, "e1"))
	assert.ErrorIs(t, repo.Delete(ctx, "e1"), ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_ExistsUniqueID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WithArgs("auth0|abc").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	exists, err := NewRepository(db).ExistsUniqueID(context.Background(), "auth0|abc")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInitDB_RoundTrip(t *testing.T) {
	db, err := InitDB(filepath.Join(t.TempDir(), "entries.db"))
	require.NoError(t, err)
	defer db.Close()

	repo := NewRepository(db)
	ctx := context.Background()

	e := &Entry{Title: "Sage Coffee", UniqueID: "auth0|abc", RefreshToken: "rt", Brand: BrandSage}
	require.NoError(t, repo.Create(ctx, e))
	assert.ErrorIs(t, repo.Create(ctx, &Entry{Title: "x", UniqueID: "auth0|abc", RefreshToken: "rt", Brand: BrandSage}), ErrDuplicate)

	exists, err := repo.ExistsUniqueID(ctx, "auth0|abc")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, repo.UpdateRefreshToken(ctx, e.ID, "rotated"))
	got, err := repo.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "rotated", got.RefreshToken)

	entries, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	require.NoError(t, repo.Delete(ctx, e.ID))
	exists, err = repo.ExistsUniqueID(ctx, "auth0|abc")
	require.NoError(t, err)
	assert.False(t, exists)
}
