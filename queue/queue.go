// Package queue implements a durable offline write queue: mutations that could not reach
// the backend are appended to a single stored list and replayed in order once the
// backend is reachable again.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/evita-erp/offline-sync/store"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// DefaultKey is the storage key of the queue. Browser clients use the same key in
// localStorage, so dumps from either side are interchangeable.
const DefaultKey = "evita-offline-queue"

const (
	deadLetterSuffix = ":dead-letter"
	maxWriteRetries  = 8
)

type Options struct {
	// Key overrides DefaultKey.
	Key string

	// ItemTimeout bounds each executor call. Zero disables the bound.
	ItemTimeout time.Duration

	// MaxAttempts moves an operation to the dead-letter list once it has failed this
	// many times. Zero retries forever.
	MaxAttempts int

	Logger  *slog.Logger
	Metrics *Metrics

	// OnChange is called with the queue length after every successful write.
	OnChange func(storeID string, pending int)
}

// Queue is the durable queue of one store.
type Queue struct {
	storage     store.ItemStorage
	storeID     string
	key         string
	deadKey     string
	itemTimeout time.Duration
	maxAttempts int
	logger      *slog.Logger
	metrics     *Metrics
	onChange    func(storeID string, pending int)

	// mu serializes read-modify-write cycles issued by this process; revision-checked
	// writes cover other processes sharing the storage.
	mu   sync.Mutex
	pass *semaphore.Weighted

	now   func() time.Time
	newID func() string
}

func New(storage store.ItemStorage, storeID string, opts Options) *Queue {
	key := opts.Key
	if key == "" {
		key = DefaultKey
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		storage:     storage,
		storeID:     storeID,
		key:         key,
		deadKey:     key + deadLetterSuffix,
		itemTimeout: opts.ItemTimeout,
		maxAttempts: opts.MaxAttempts,
		logger:      logger.With("store", storeID),
		metrics:     opts.Metrics,
		onChange:    opts.OnChange,
		pass:        semaphore.NewWeighted(1),
		now:         time.Now,
		newID:       func() string { return uuid.New().String() },
	}
}

func (q *Queue) StoreID() string {
	return q.storeID
}

// Enqueue appends op with a fresh id and timestamp. The operation is not validated;
// executors reject malformed operations when they are replayed.
func (q *Queue) Enqueue(ctx context.Context, op Operation) (QueuedOperation, error) {
	if op == nil {
		return QueuedOperation{}, fmt.Errorf("%w: nil operation", ErrUnsupportedKind)
	}
	item := newQueuedOperation(op, q.newID(), q.now())
	_, err := q.update(ctx, q.key, func(items []QueuedOperation) []QueuedOperation {
		return append(items, item)
	})
	if err != nil {
		q.logger.Error("failed to enqueue operation", "type", item.Kind, "table", item.Table, "error", err)
		return QueuedOperation{}, err
	}
	q.metrics.enqueued()
	q.logger.Debug("operation queued", "id", item.ID, "type", item.Kind, "table", item.Table)
	return item, nil
}

// GetQueue returns the queued operations in replay order. Missing, unreadable or corrupt
// data reads as an empty queue.
func (q *Queue) GetQueue(ctx context.Context) []QueuedOperation {
	return q.read(ctx, q.key)
}

// Clear drops every queued operation.
func (q *Queue) Clear(ctx context.Context) error {
	_, err := q.update(ctx, q.key, func([]QueuedOperation) []QueuedOperation {
		return nil
	})
	return err
}

// DeadLetters returns the operations that exceeded the attempt limit.
func (q *Queue) DeadLetters(ctx context.Context) []QueuedOperation {
	return q.read(ctx, q.deadKey)
}

// Import appends items that are not queued yet, keeping their ids and timestamps.
// Items without an id get a fresh one. It returns the number of items added.
func (q *Queue) Import(ctx context.Context, items []QueuedOperation) (int, error) {
	now := q.now()
	fresh := make([]QueuedOperation, len(items))
	for i, item := range items {
		if item.ID == "" {
			item.ID = q.newID()
		}
		if item.Timestamp == 0 {
			item.Timestamp = now.UnixMilli()
		}
		fresh[i] = item
	}

	var added int
	_, err := q.update(ctx, q.key, func(current []QueuedOperation) []QueuedOperation {
		added = 0
		seen := make(map[string]bool, len(current)+len(fresh))
		for _, item := range current {
			seen[item.ID] = true
		}
		for _, item := range fresh {
			if seen[item.ID] {
				continue
			}
			seen[item.ID] = true
			current = append(current, item)
			added++
		}
		return current
	})
	if err != nil {
		return 0, err
	}
	return added, nil
}

// RequeueDeadLetters moves dead-lettered operations back to the tail of the queue with
// their attempt counters reset.
func (q *Queue) RequeueDeadLetters(ctx context.Context) (int, error) {
	dead := q.DeadLetters(ctx)
	if len(dead) == 0 {
		return 0, nil
	}
	ids := make(map[string]bool, len(dead))
	for i := range dead {
		dead[i].Attempts = 0
		dead[i].LastError = ""
		ids[dead[i].ID] = true
	}

	// Requeue before removing so a failure in between duplicates rather than loses.
	added, err := q.Import(ctx, dead)
	if err != nil {
		return 0, err
	}
	_, err = q.update(ctx, q.deadKey, func(current []QueuedOperation) []QueuedOperation {
		kept := current[:0]
		for _, item := range current {
			if !ids[item.ID] {
				kept = append(kept, item)
			}
		}
		return kept
	})
	if err != nil {
		return added, err
	}
	q.logger.Info("dead letters requeued", "count", added)
	return added, nil
}

func (q *Queue) read(ctx context.Context, key string) []QueuedOperation {
	items, _, err := q.load(ctx, key)
	if err != nil {
		q.logger.Warn("failed to read queue, treating as empty", "key", key, "error", err)
		return []QueuedOperation{}
	}
	if items == nil {
		return []QueuedOperation{}
	}
	return items
}

// load returns the items stored under key and the revision to present when writing
// them back. Corrupt data is reported as an empty list at the stored revision so the
// next write replaces it.
func (q *Queue) load(ctx context.Context, key string) ([]QueuedOperation, int64, error) {
	stored, err := q.storage.GetItem(ctx, q.storeID, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, &StorageError{Op: "read", Key: key, Err: err}
	}

	var items []QueuedOperation
	if len(stored.Data) > 0 {
		if err := json.Unmarshal(stored.Data, &items); err != nil {
			q.logger.Warn("discarding unreadable queue data", "key", key, "error", err)
			return nil, stored.Revision, nil
		}
	}
	return items, stored.Revision, nil
}

// update rewrites the list under key with fn applied to its current contents. fn may be
// called more than once when another writer wins the revision check.
func (q *Queue) update(ctx context.Context, key string, fn func([]QueuedOperation) []QueuedOperation) ([]QueuedOperation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var next []QueuedOperation
	write := func() error {
		items, revision, err := q.load(ctx, key)
		if err != nil {
			return backoff.Permanent(err)
		}
		next = fn(items)
		if next == nil {
			next = []QueuedOperation{}
		}
		data, err := json.Marshal(next)
		if err != nil {
			return backoff.Permanent(&StorageError{Op: "encode", Key: key, Err: err})
		}
		if _, err := q.storage.SetItem(ctx, q.storeID, key, data, revision); err != nil {
			if errors.Is(err, store.ErrSetConflict) {
				return err
			}
			return backoff.Permanent(&StorageError{Op: "write", Key: key, Err: err})
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	if err := backoff.Retry(write, backoff.WithContext(backoff.WithMaxRetries(b, maxWriteRetries), ctx)); err != nil {
		var storageErr *StorageError
		if errors.As(err, &storageErr) {
			return nil, err
		}
		return nil, &StorageError{Op: "write", Key: key, Err: err}
	}

	if key == q.key {
		q.metrics.setPending(q.storeID, len(next))
		if q.onChange != nil {
			q.onChange(q.storeID, len(next))
		}
	}
	return next, nil
}
