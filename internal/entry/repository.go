// Package entry persists configured accounts and runs their lifecycle:
// each entry owns one upstream client and one state coordinator while it
// is loaded.
package entry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Brands are the apps an account can belong to
const (
	BrandSage     = "sageCoffee"
	BrandBreville = "brevilleCoffee"
)

var (
	ErrNotFound  = errors.New("config entry not found")
	ErrDuplicate = errors.New("config entry already exists")
)

// Entry is one configured account
type Entry struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	UniqueID     string    `json:"unique_id"`
	RefreshToken string    `json:"-"`
	Brand        string    `json:"brand"`
	CreatedAt    time.Time `json:"created_at"`
}

// Store is the persistence used by the config flow and the API
type Store interface {
	Create(ctx context.Context, e *Entry) error
	Get(ctx context.Context, id string) (Entry, error)
	List(ctx context.Context) ([]Entry, error)
	Delete(ctx context.Context, id string) error
	UpdateRefreshToken(ctx context.Context, id, token string) error
	ExistsUniqueID(ctx context.Context, uniqueID string) (bool, error)
}

// SQLiteRepository stores entries in SQLite
type SQLiteRepository struct {
	db *sql.DB
}

// NewRepository creates a repository on an open database
func NewRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const (
	insertEntrySQL = `
		INSERT INTO config_entries (id, title, unique_id, refresh_token, brand, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(unique_id) DO NOTHING
	`

	selectEntrySQL = `
		SELECT id, title, unique_id, refresh_token, brand, created_at
		FROM config_entries WHERE id = ?
	`

	listEntriesSQL = `
		SELECT id, title, unique_id, refresh_token, brand, created_at
		FROM config_entries ORDER BY created_at, id
	`

	deleteEntrySQL = `DELETE FROM config_entries WHERE id = ?`

	updateTokenSQL = `UPDATE config_entries SET refresh_token = ? WHERE id = ?`

	existsUniqueIDSQL = `SELECT EXISTS(SELECT 1 FROM config_entries WHERE unique_id = ?)`
)

// Create inserts a new entry, assigning its id and creation time when unset.
// An entry with the same unique id is rejected with ErrDuplicate.
func (r *SQLiteRepository) Create(ctx context.Context, e *Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	} else {
		e.CreatedAt = e.CreatedAt.UTC()
	}

	res, err := r.db.ExecContext(ctx, insertEntrySQL,
		e.ID, e.Title, e.UniqueID, e.RefreshToken, e.Brand, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert config entry: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert config entry: %w", err)
	}
	if n == 0 {
		return ErrDuplicate
	}
	return nil
}

// Get loads one entry
func (r *SQLiteRepository) Get(ctx context.Context, id string) (Entry, error) {
	var e Entry
	err := r.db.QueryRowContext(ctx, selectEntrySQL, id).
		Scan(&e.ID, &e.Title, &e.UniqueID, &e.RefreshToken, &e.Brand, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("select config entry: %w", err)
	}
	return e, nil
}

// List returns all entries in creation order
func (r *SQLiteRepository) List(ctx context.Context) ([]Entry, error) {
	rows, err := r.db.QueryContext(ctx, listEntriesSQL)
	if err != nil {
		return nil, fmt.Errorf("list config entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Title, &e.UniqueID, &e.RefreshToken, &e.Brand, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan config entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate config entries: %w", err)
	}
	return out, nil
}

// Delete removes an entry
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, deleteEntrySQL, id)
	if err != nil {
		return fmt.Errorf("delete config entry: %w", err)
	}
	return requireRow(res)
}

// UpdateRefreshToken stores a rotated refresh token
func (r *SQLiteRepository) UpdateRefreshToken(ctx context.Context, id, token string) error {
	res, err := r.db.ExecContext(ctx, updateTokenSQL, token, id)
	if err != nil {
		return fmt.Errorf("update refresh token: %w", err)
	}
	return requireRow(res)
}

// ExistsUniqueID reports whether an account is already configured
func (r *SQLiteRepository) ExistsUniqueID(ctx context.Context, uniqueID string) (bool, error) {
	var exists bool
	if err := r.db.QueryRowContext(ctx, existsUniqueIDSQL, uniqueID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check unique id: %w", err)
	}
	return exists, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
