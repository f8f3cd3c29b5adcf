package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/evita-erp/offline-sync/store"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

type SQLiteSyncStorage struct {
	db *sql.DB
}

func NewSQLiteSyncStorage(file string) (*SQLiteSyncStorage, error) {
	db, err := sql.Open("sqlite3", file)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite3 database %w", err)
	}
	// A single connection keeps shared-cache and file databases from returning SQLITE_BUSY
	// between the revision check and the write.
	db.SetMaxOpenConns(1)

	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create migration driver %w", err)
	}

	migrationDriver, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", migrationDriver, "sqlite3", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate migrations %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return nil, fmt.Errorf("failed to run migrations %w", err)
	}
	return &SQLiteSyncStorage{db: db}, nil
}

func (s *SQLiteSyncStorage) Close() error {
	return s.db.Close()
}

func (s *SQLiteSyncStorage) GetItem(ctx context.Context, storeID, key string) (store.StoredItem, error) {
	item := store.StoredItem{Key: key}
	err := s.db.QueryRowContext(ctx,
		"SELECT data, revision FROM items WHERE store_id = ? AND key = ?", storeID, key,
	).Scan(&item.Data, &item.Revision)
	if errors.Is(err, sql.ErrNoRows) {
		return store.StoredItem{}, store.ErrNotFound
	}
	if err != nil {
		return store.StoredItem{}, fmt.Errorf("failed to get item: %w", err)
	}
	return item, nil
}

func (s *SQLiteSyncStorage) SetItem(ctx context.Context, storeID, key string, data []byte, existingRevision int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// check that the existing revision is the same as the one we expect
	var revision int64
	err = tx.QueryRowContext(ctx, "SELECT revision FROM items WHERE store_id = ? AND key = ?", storeID, key).Scan(&revision)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("failed to get item's latest revision: %w", err)
	}
	if existingRevision != revision {
		return 0, store.ErrSetConflict
	}

	var newRevision int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO store_revisions (store_id, revision) VALUES (?, 1)
		 ON CONFLICT(store_id) DO UPDATE SET revision = revision + 1
		 RETURNING revision`, storeID).Scan(&newRevision)
	if err != nil {
		return 0, fmt.Errorf("failed to update store's revision: %w", err)
	}

	_, err = tx.ExecContext(ctx, "INSERT OR REPLACE INTO items (store_id, key, data, revision) VALUES (?, ?, ?, ?)", storeID, key, data, newRevision)
	if err != nil {
		return 0, fmt.Errorf("failed to insert item: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return newRevision, nil
}

func (s *SQLiteSyncStorage) ListChanges(ctx context.Context, storeID string, sinceRevision int64) ([]store.StoredItem, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key, data, revision FROM items WHERE store_id = ? AND revision > ? ORDER BY revision", storeID, sinceRevision)
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	defer rows.Close()

	items := make([]store.StoredItem, 0)
	for rows.Next() {
		item := store.StoredItem{}
		if err := rows.Scan(&item.Key, &item.Data, &item.Revision); err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *SQLiteSyncStorage) ListStores(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT store_id FROM store_revisions ORDER BY store_id")
	if err != nil {
		return nil, fmt.Errorf("failed to query stores: %w", err)
	}
	defer rows.Close()

	stores := make([]string, 0)
	for rows.Next() {
		var storeID string
		if err := rows.Scan(&storeID); err != nil {
			return nil, fmt.Errorf("failed to scan store: %w", err)
		}
		stores = append(stores, storeID)
	}
	return stores, rows.Err()
}
