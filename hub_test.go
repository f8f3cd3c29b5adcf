package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/evita-erp/offline-sync/connectivity"
	"github.com/evita-erp/offline-sync/queue"
	"github.com/evita-erp/offline-sync/store/memory"
	"github.com/stretchr/testify/require"
)

func TestEventsManagerKeepsLatest(t *testing.T) {
	quit := make(chan struct{})
	events := newEventsManager()
	events.start(quit)

	sub := events.subscribe("caja-1")
	events.notifyChange("caja-1", 1)
	events.notifyChange("caja-1", 2)
	events.notifyChange("caja-1", 3)
	// Any later message is handled only after the previous deliveries.
	events.notifyChange("caja-2", 0)

	event := <-sub.eventsChan
	require.Equal(t, 3, event.pending)

	events.unsubscribe("caja-1", sub.id)
	_, ok := <-sub.eventsChan
	require.False(t, ok)

	close(quit)
	<-events.done
	// Sends after shutdown return instead of blocking.
	events.notifyChange("caja-1", 4)
}

func TestHubStartsExistingStores(t *testing.T) {
	storage := memory.NewMemorySyncStorage()
	for _, storeID := range []string{"caja-1", "caja-2"} {
		_, err := queue.New(storage, storeID, queue.Options{}).Enqueue(context.Background(), queue.Insert{Table: "ordenes"})
		require.NoError(t, err)
	}

	var mu sync.Mutex
	var replayed []string
	executor := func(ctx context.Context, op queue.QueuedOperation) error {
		mu.Lock()
		defer mu.Unlock()
		replayed = append(replayed, op.Table)
		return nil
	}
	signal := connectivity.NewManual(false)
	hub := newQueueHub(storage, signal, executor, queue.Options{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, hub.start(ctx))
	hub.wg.Wait()
	require.Equal(t, 2, signal.Subscribers())

	signal.SetOnline(true)
	require.Eventually(t, func() bool {
		return len(hub.syncer("caja-1").Queue().GetQueue(context.Background())) == 0 &&
			len(hub.syncer("caja-2").Queue().GetQueue(context.Background())) == 0
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	require.Equal(t, []string{"ordenes", "ordenes"}, replayed)
	mu.Unlock()

	hub.stop()
	require.Zero(t, signal.Subscribers())
}

func TestHubStoresDoNotBlockEachOther(t *testing.T) {
	storage := memory.NewMemorySyncStorage()
	for _, storeID := range []string{"caja-lenta", "caja-rapida"} {
		_, err := queue.New(storage, storeID, queue.Options{}).Enqueue(context.Background(), queue.Insert{Table: storeID})
		require.NoError(t, err)
	}

	release := make(chan struct{})
	fastDone := make(chan struct{})
	executor := func(ctx context.Context, op queue.QueuedOperation) error {
		if op.Table == "caja-lenta" {
			<-release
			return nil
		}
		close(fastDone)
		return nil
	}
	signal := connectivity.NewManual(false)
	hub := newQueueHub(storage, signal, executor, queue.Options{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, hub.start(ctx))
	hub.wg.Wait()

	returned := make(chan struct{})
	go func() {
		signal.SetOnline(true)
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("signal blocked on a slow store")
	}
	select {
	case <-fastDone:
	case <-time.After(time.Second):
		t.Fatal("slow store delayed another store's pass")
	}

	close(release)
	hub.stop()
	require.Empty(t, hub.syncer("caja-lenta").Queue().GetQueue(context.Background()))
}
