package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/evita-erp/offline-sync/store"
	"github.com/stretchr/testify/require"
)

func TestAddItems(t *testing.T) {
	storage, err := NewSQLiteSyncStorage("file:testadditems?mode=memory&cache=shared")
	require.NoError(t, err, "failed to connect")

	(&store.StoreTest{}).TestAddItems(t, storage)
}

func TestUpdateItems(t *testing.T) {
	storage, err := NewSQLiteSyncStorage("file:testupdateitems?mode=memory&cache=shared")
	require.NoError(t, err, "failed to connect")

	(&store.StoreTest{}).TestUpdateItems(t, storage)
}

func TestConflict(t *testing.T) {
	storage, err := NewSQLiteSyncStorage("file:testconflicts?mode=memory&cache=shared")
	require.NoError(t, err, "failed to connect")

	(&store.StoreTest{}).TestConflict(t, storage)
}

func TestNotFound(t *testing.T) {
	storage, err := NewSQLiteSyncStorage("file:testnotfound?mode=memory&cache=shared")
	require.NoError(t, err, "failed to connect")

	(&store.StoreTest{}).TestNotFound(t, storage)
}

func TestReopenKeepsItems(t *testing.T) {
	file := filepath.Join(t.TempDir(), "queue.db")
	storage, err := NewSQLiteSyncStorage(file)
	require.NoError(t, err, "failed to open")

	_, err = storage.SetItem(context.Background(), "store", "evita-offline-queue", []byte("[]"), 0)
	require.NoError(t, err, "failed to call SetItem")
	require.NoError(t, storage.Close())

	storage, err = NewSQLiteSyncStorage(file)
	require.NoError(t, err, "failed to reopen")
	defer storage.Close()

	item, err := storage.GetItem(context.Background(), "store", "evita-offline-queue")
	require.NoError(t, err, "failed to call GetItem")
	require.Equal(t, store.StoredItem{Key: "evita-offline-queue", Data: []byte("[]"), Revision: 1}, item)
}
