package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/evita-erp/offline-sync/store"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

type PgSyncStorage struct {
	db *pgxpool.Pool
}

func NewPGSyncStorage(databaseURL string) (*PgSyncStorage, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database %w", err)
	}
	defer db.Close()

	driver, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create migration driver %w", err)
	}

	migrationDriver, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source %w", err)
	}

	m, err := migrate.NewWithInstance(
		"iofs", migrationDriver,
		"offline-sync", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate migrations %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return nil, fmt.Errorf("failed to run migrations %w", err)
	}

	pgxPool, err := pgxpool.New(context.Background(), databaseURL)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New(%v): %w", databaseURL, err)
	}
	return &PgSyncStorage{db: pgxPool}, nil
}

func (s *PgSyncStorage) Close() error {
	s.db.Close()
	return nil
}

func (s *PgSyncStorage) GetItem(ctx context.Context, storeID, key string) (store.StoredItem, error) {
	item := store.StoredItem{Key: key}
	err := s.db.QueryRow(ctx,
		"SELECT data, revision FROM items WHERE store_id = $1 AND key = $2", storeID, key,
	).Scan(&item.Data, &item.Revision)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.StoredItem{}, store.ErrNotFound
	}
	if err != nil {
		return store.StoredItem{}, fmt.Errorf("failed to get item: %w", err)
	}
	return item, nil
}

func (s *PgSyncStorage) SetItem(ctx context.Context, storeID, key string, data []byte, existingRevision int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{
		IsoLevel: pgx.Serializable,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(context.Background())

	// check that the existing revision is the same as the one we expect
	var revision int64
	err = tx.QueryRow(ctx, "SELECT revision FROM items WHERE store_id = $1 AND key = $2 FOR UPDATE", storeID, key).Scan(&revision)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return 0, conflictOr(err, "failed to get item's latest revision")
	}
	if existingRevision != revision {
		return 0, store.ErrSetConflict
	}

	var newRevision int64
	err = tx.QueryRow(ctx, `INSERT INTO store_revisions (store_id, revision) VALUES ($1, 1)
		ON CONFLICT (store_id) DO UPDATE SET revision = store_revisions.revision + 1
		RETURNING revision`, storeID).Scan(&newRevision)
	if err != nil {
		return 0, conflictOr(err, "failed to set store's latest revision")
	}

	_, err = tx.Exec(ctx, `INSERT INTO items (store_id, key, data, revision) VALUES ($1, $2, $3, $4)
		ON CONFLICT (store_id, key) DO UPDATE SET data = EXCLUDED.data, revision = EXCLUDED.revision`,
		storeID, key, data, newRevision)
	if err != nil {
		return 0, conflictOr(err, "failed to insert item")
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, conflictOr(err, "failed to commit transaction")
	}
	return newRevision, nil
}

const (
	serializationFailure = "40001"
	uniqueViolation      = "23505"
)

// conflictOr reports concurrent writers losing a race as ErrSetConflict, so callers retry
// them like a stale revision. A concurrent insert of the same new key fails with a unique
// violation, and serializable transactions fail with a serialization error on any
// statement or on commit.
func conflictOr(err error, msg string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == serializationFailure || pgErr.Code == uniqueViolation) {
		return fmt.Errorf("%w: %v", store.ErrSetConflict, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func (s *PgSyncStorage) ListChanges(ctx context.Context, storeID string, sinceRevision int64) ([]store.StoredItem, error) {
	rows, err := s.db.Query(ctx, "SELECT key, data, revision FROM items WHERE store_id = $1 AND revision > $2 ORDER BY revision", storeID, sinceRevision)
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

func (s *PgSyncStorage) ListStores(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, "SELECT store_id FROM store_revisions ORDER BY store_id")
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
