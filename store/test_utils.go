package store

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type StoreTest struct{}

func (s *StoreTest) TestAddItems(t *testing.T, storage ItemStorage) {
	testStoreID := uuid.New().String()
	newRevision, err := storage.SetItem(context.Background(), testStoreID, "a1", []byte("data1"), 0)
	require.NoError(t, err, "failed to call SetItem a1")
	require.Equal(t, int64(1), newRevision)

	newRevision, err = storage.SetItem(context.Background(), testStoreID, "a2", []byte("data2"), 0)
	require.NoError(t, err, "failed to call SetItem a2")
	require.Equal(t, int64(2), newRevision)

	items, err := storage.ListChanges(context.Background(), testStoreID, 0)
	require.NoError(t, err, "failed to call list changes")
	require.Equal(t, []StoredItem{
		{Key: "a1", Data: []byte("data1"), Revision: 1},
		{Key: "a2", Data: []byte("data2"), Revision: 2},
	}, items)

	items, err = storage.ListChanges(context.Background(), testStoreID, 1)
	require.NoError(t, err, "failed to call list changes since 1")
	require.Equal(t, []StoredItem{
		{Key: "a2", Data: []byte("data2"), Revision: 2},
	}, items)

	// Test different store with same key
	anotherStoreID := uuid.New().String()
	newRevision, err = storage.SetItem(context.Background(), anotherStoreID, "a1", []byte("data1"), 0)
	require.NoError(t, err, "failed to call SetItem a1")
	require.Equal(t, int64(1), newRevision)

	stores, err := storage.ListStores(context.Background())
	require.NoError(t, err, "failed to list stores")
	require.Contains(t, stores, testStoreID)
	require.Contains(t, stores, anotherStoreID)
}

func (s *StoreTest) TestUpdateItems(t *testing.T, storage ItemStorage) {
	testStoreID := uuid.New().String()
	newRevision, err := storage.SetItem(context.Background(), testStoreID, "a1", []byte("data1"), 0)
	require.NoError(t, err, "failed to call SetItem a1")
	require.Equal(t, int64(1), newRevision)

	newRevision, err = storage.SetItem(context.Background(), testStoreID, "a1", []byte("data2"), 1)
	require.NoError(t, err, "failed to update a1")
	require.Equal(t, int64(2), newRevision)

	item, err := storage.GetItem(context.Background(), testStoreID, "a1")
	require.NoError(t, err, "failed to call GetItem")
	require.Equal(t, StoredItem{Key: "a1", Data: []byte("data2"), Revision: 2}, item)

	items, err := storage.ListChanges(context.Background(), testStoreID, 0)
	require.NoError(t, err, "failed to call list changes")
	require.Equal(t, []StoredItem{
		{Key: "a1", Data: []byte("data2"), Revision: 2},
	}, items)
}

func (s *StoreTest) TestConflict(t *testing.T, storage ItemStorage) {
	testStoreID := uuid.New().String()
	newRevision, err := storage.SetItem(context.Background(), testStoreID, "a1", []byte("data1"), 0)
	require.NoError(t, err, "failed to call SetItem a1")
	require.Equal(t, int64(1), newRevision)

	_, err = storage.SetItem(context.Background(), testStoreID, "a1", []byte("data2"), 0)
	require.ErrorIs(t, err, ErrSetConflict)

	_, err = storage.SetItem(context.Background(), testStoreID, "missing", []byte("data"), 7)
	require.ErrorIs(t, err, ErrSetConflict)

	item, err := storage.GetItem(context.Background(), testStoreID, "a1")
	require.NoError(t, err)
	require.Equal(t, []byte("data1"), item.Data)
}

func (s *StoreTest) TestNotFound(t *testing.T, storage ItemStorage) {
	_, err := storage.GetItem(context.Background(), uuid.New().String(), "nothing")
	require.ErrorIs(t, err, ErrNotFound)
}
