package memory

import (
	"testing"

	"github.com/evita-erp/offline-sync/store"
)

func TestAddItems(t *testing.T) {
	(&store.StoreTest{}).TestAddItems(t, NewMemorySyncStorage())
}

func TestUpdateItems(t *testing.T) {
	(&store.StoreTest{}).TestUpdateItems(t, NewMemorySyncStorage())
}

func TestConflict(t *testing.T) {
	(&store.StoreTest{}).TestConflict(t, NewMemorySyncStorage())
}

func TestNotFound(t *testing.T) {
	(&store.StoreTest{}).TestNotFound(t, NewMemorySyncStorage())
}
