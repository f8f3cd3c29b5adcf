package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/evita-erp/offline-sync/store"
)

// MemorySyncStorage keeps items in process memory. It is used by tests and by
// embedders that only need the queue to survive for the lifetime of the process.
type MemorySyncStorage struct {
	mu        sync.Mutex
	revisions map[string]int64
	items     map[string]map[string]store.StoredItem
}

func NewMemorySyncStorage() *MemorySyncStorage {
	return &MemorySyncStorage{
		revisions: make(map[string]int64),
		items:     make(map[string]map[string]store.StoredItem),
	}
}

func (s *MemorySyncStorage) GetItem(ctx context.Context, storeID, key string) (store.StoredItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[storeID][key]
	if !ok {
		return store.StoredItem{}, store.ErrNotFound
	}
	return copyItem(item), nil
}

func (s *MemorySyncStorage) SetItem(ctx context.Context, storeID, key string, data []byte, existingRevision int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var revision int64
	if item, ok := s.items[storeID][key]; ok {
		revision = item.Revision
	}
	if revision != existingRevision {
		return 0, store.ErrSetConflict
	}

	newRevision := s.revisions[storeID] + 1
	s.revisions[storeID] = newRevision
	if s.items[storeID] == nil {
		s.items[storeID] = make(map[string]store.StoredItem)
	}
	s.items[storeID][key] = store.StoredItem{
		Key:      key,
		Data:     append([]byte(nil), data...),
		Revision: newRevision,
	}
	return newRevision, nil
}

func (s *MemorySyncStorage) ListChanges(ctx context.Context, storeID string, sinceRevision int64) ([]store.StoredItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := make([]store.StoredItem, 0)
	for _, item := range s.items[storeID] {
		if item.Revision > sinceRevision {
			items = append(items, copyItem(item))
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Revision < items[j].Revision })
	return items, nil
}

func (s *MemorySyncStorage) ListStores(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stores := make([]string, 0, len(s.revisions))
	for storeID := range s.revisions {
		stores = append(stores, storeID)
	}
	sort.Strings(stores)
	return stores, nil
}

// Corrupt overwrites an item with raw bytes, bumping its revision. Tests use it to
// simulate data written by a foreign or broken client.
func (s *MemorySyncStorage) Corrupt(storeID, key string, data []byte) {
	s.mu.Lock()
	var revision int64
	if item, ok := s.items[storeID][key]; ok {
		revision = item.Revision
	}
	s.mu.Unlock()
	_, _ = s.SetItem(context.Background(), storeID, key, data, revision)
}

func copyItem(item store.StoredItem) store.StoredItem {
	item.Data = append([]byte(nil), item.Data...)
	return item
}
