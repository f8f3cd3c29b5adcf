package main

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/evita-erp/offline-sync/connectivity"
	"github.com/evita-erp/offline-sync/queue"
	"github.com/evita-erp/offline-sync/store"
)

// queueHub owns one queue and syncer per store. Syncers are created for every store
// found in storage at start and lazily for new devices.
type queueHub struct {
	storage  store.ItemStorage
	signal   connectivity.Signal
	executor queue.Executor
	options  queue.Options
	logger   *slog.Logger
	events   *eventsManager

	mu         sync.Mutex
	ctx        context.Context
	stopped    bool
	syncers    map[string]*queue.Syncer
	unregister []func()
	wg         sync.WaitGroup
}

func newQueueHub(storage store.ItemStorage, signal connectivity.Signal, executor queue.Executor, options queue.Options, logger *slog.Logger) *queueHub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &queueHub{
		storage:  storage,
		signal:   signal,
		executor: executor,
		options:  options,
		logger:   logger,
		events:   newEventsManager(),
		syncers:  make(map[string]*queue.Syncer),
	}
	h.options.Logger = logger
	h.options.OnChange = h.events.notifyChange
	return h
}

func (h *queueHub) start(ctx context.Context) error {
	h.events.start(ctx.Done())
	h.mu.Lock()
	h.ctx = ctx
	h.mu.Unlock()

	storeIDs, err := h.storage.ListStores(ctx)
	if err != nil {
		return err
	}
	for _, storeID := range storeIDs {
		h.syncer(storeID)
	}
	h.logger.Info("queue hub started", "stores", len(storeIDs))
	return nil
}

// stop removes every connectivity subscription and waits for registrations and passes
// in flight.
func (h *queueHub) stop() {
	h.mu.Lock()
	h.stopped = true
	unregister := h.unregister
	h.unregister = nil
	syncers := make([]*queue.Syncer, 0, len(h.syncers))
	for _, s := range h.syncers {
		syncers = append(syncers, s)
	}
	h.mu.Unlock()

	for _, fn := range unregister {
		fn()
	}
	h.wg.Wait()
	for _, s := range syncers {
		s.Wait()
	}
}

func (h *queueHub) syncer(storeID string) *queue.Syncer {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.syncers[storeID]; ok {
		return s
	}

	q := queue.New(h.storage, storeID, h.options)
	s := queue.NewSyncer(q, h.signal, h.executor, queue.SyncOptions{Logger: h.logger, Async: true})
	h.syncers[storeID] = s
	if h.ctx == nil || h.stopped {
		return s
	}

	// Registration makes an immediate attempt; keep it off the caller's path.
	ctx := h.ctx
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		unregister := s.RegisterOnlineSync(ctx)
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.stopped {
			unregister()
			return
		}
		h.unregister = append(h.unregister, unregister)
	}()
	return s
}

type queueEvent struct {
	storeID string
	pending int
}

type notifyChange struct {
	storeID string
	pending int
}

type unsubscribe struct {
	storeID string
	id      int64
}

type subscription struct {
	id         int64
	storeID    string
	eventsChan chan *queueEvent
}

// eventsManager fans queue length changes out to WatchQueue streams. Every change of a
// store's queue is delivered to that store's subscribers only; a slow subscriber gets the
// latest length rather than every intermediate one.
type eventsManager struct {
	globalIDs atomic.Int64
	streams   map[string][]*subscription
	msgChan   chan interface{}
	done      chan struct{}
}

func newEventsManager() *eventsManager {
	return &eventsManager{
		streams: make(map[string][]*subscription),
		msgChan: make(chan interface{}),
		done:    make(chan struct{}),
	}
}

func (c *eventsManager) start(quitChan <-chan struct{}) {
	go func() {
		defer close(c.done)
		for {
			select {
			case msg := <-c.msgChan:
				switch m := msg.(type) {
				case *subscription:
					c.streams[m.storeID] = append(c.streams[m.storeID], m)
				case *unsubscribe:
					var newSubs []*subscription
					for _, sub := range c.streams[m.storeID] {
						if sub.id != m.id {
							newSubs = append(newSubs, sub)
							continue
						}
						close(sub.eventsChan)
					}
					delete(c.streams, m.storeID)
					if len(newSubs) > 0 {
						c.streams[m.storeID] = newSubs
					}
				case *notifyChange:
					for _, sub := range c.streams[m.storeID] {
						deliverLatest(sub.eventsChan, &queueEvent{storeID: m.storeID, pending: m.pending})
					}
				}

			case <-quitChan:
				return
			}
		}
	}()
}

func deliverLatest(ch chan *queueEvent, event *queueEvent) {
	select {
	case ch <- event:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- event:
	default:
	}
}

func (c *eventsManager) send(msg interface{}) bool {
	select {
	case c.msgChan <- msg:
		return true
	case <-c.done:
		return false
	}
}

func (c *eventsManager) notifyChange(storeID string, pending int) {
	c.send(&notifyChange{storeID: storeID, pending: pending})
}

func (c *eventsManager) subscribe(storeID string) *subscription {
	s := &subscription{
		id:         c.globalIDs.Add(1),
		storeID:    storeID,
		eventsChan: make(chan *queueEvent, 1),
	}
	c.send(s)
	return s
}

func (c *eventsManager) unsubscribe(storeID string, id int64) {
	c.send(&unsubscribe{storeID: storeID, id: id})
}
