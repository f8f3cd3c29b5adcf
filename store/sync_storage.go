package store

import (
	"context"
	"errors"
)

var ErrSetConflict = errors.New("set conflict")
var ErrNotFound = errors.New("item not found")

// StoredItem is one value in a store. Revision is the store-wide revision at which the
// item was last written; a caller must present it to overwrite the item.
type StoredItem struct {
	Key      string
	Data     []byte
	Revision int64
}

// ItemStorage is a revision-checked key/value storage partitioned by store ID.
//
// SetItem succeeds only when existingRevision equals the revision of the stored item
// (0 when the item does not exist yet) and returns the new revision. Otherwise it
// returns ErrSetConflict and leaves the item untouched.
type ItemStorage interface {
	GetItem(ctx context.Context, storeID, key string) (StoredItem, error)
	SetItem(ctx context.Context, storeID, key string, data []byte, existingRevision int64) (int64, error)
	ListChanges(ctx context.Context, storeID string, sinceRevision int64) ([]StoredItem, error)
	ListStores(ctx context.Context) ([]string, error)
}
