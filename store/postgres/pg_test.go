package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/evita-erp/offline-sync/store"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) *PgSyncStorage {
	databaseURL := os.Getenv("TEST_PG_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("TEST_PG_DATABASE_URL not set")
	}
	storage, err := NewPGSyncStorage(databaseURL)
	require.NoError(t, err, "failed to connect")
	t.Cleanup(func() { storage.Close() })
	return storage
}

func TestAddItems(t *testing.T) {
	(&store.StoreTest{}).TestAddItems(t, newTestStorage(t))
}

func TestUpdateItems(t *testing.T) {
	(&store.StoreTest{}).TestUpdateItems(t, newTestStorage(t))
}

func TestConflict(t *testing.T) {
	(&store.StoreTest{}).TestConflict(t, newTestStorage(t))
}

func TestNotFound(t *testing.T) {
	(&store.StoreTest{}).TestNotFound(t, newTestStorage(t))
}

func TestConflictOr(t *testing.T) {
	for _, code := range []string{serializationFailure, uniqueViolation} {
		err := conflictOr(fmt.Errorf("insert: %w", &pgconn.PgError{Code: code}), "failed to insert item")
		require.ErrorIs(t, err, store.ErrSetConflict, "code %s", code)
	}

	err := conflictOr(&pgconn.PgError{Code: "42P01"}, "failed to insert item")
	require.NotErrorIs(t, err, store.ErrSetConflict)
	require.Contains(t, err.Error(), "failed to insert item")

	err = conflictOr(errors.New("connection reset"), "failed to commit transaction")
	require.NotErrorIs(t, err, store.ErrSetConflict)
}

func TestConcurrentInsertOfNewKey(t *testing.T) {
	storage := newTestStorage(t)
	storeID := uuid.New().String()

	const writers = 8
	errs := make(chan error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := storage.SetItem(context.Background(), storeID, "queue", []byte(fmt.Sprint(i)), 0)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	var succeeded int
	for err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		require.ErrorIs(t, err, store.ErrSetConflict)
	}
	require.Equal(t, 1, succeeded)
}
