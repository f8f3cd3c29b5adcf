package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/evita-erp/offline-sync/connectivity"
)

type SyncOptions struct {
	Logger *slog.Logger

	// OnResult receives the outcome of every triggered pass, including ErrOffline and
	// ErrPassInProgress. Defaults to logging it.
	OnResult func(Result, error)

	// Async runs signal-fired passes on their own goroutine, so a slow backend call never
	// holds up the signal source or the other subscribers of a shared signal.
	Async bool
}

// Syncer replays a queue whenever its signal reports that the backend is likely
// reachable again.
type Syncer struct {
	queue    *Queue
	signal   connectivity.Signal
	executor Executor
	logger   *slog.Logger
	onResult func(Result, error)
	async    bool
	wg       sync.WaitGroup
}

func NewSyncer(q *Queue, signal connectivity.Signal, executor Executor, opts SyncOptions) *Syncer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Syncer{
		queue:    q,
		signal:   signal,
		executor: executor,
		logger:   logger.With("store", q.StoreID()),
		onResult: opts.OnResult,
		async:    opts.Async,
	}
	if s.onResult == nil {
		s.onResult = s.logResult
	}
	return s
}

func (s *Syncer) Queue() *Queue {
	return s.queue
}

// TrySync runs one pass unless the signal reports offline.
func (s *Syncer) TrySync(ctx context.Context) (Result, error) {
	if !s.signal.IsOnline() {
		return Result{}, ErrOffline
	}
	return s.queue.Process(ctx, s.executor)
}

// RegisterOnlineSync subscribes to the signal, makes one attempt right away and returns
// a function that removes the subscription. Triggers never panic or return errors into
// the signal source; outcomes go to OnResult.
func (s *Syncer) RegisterOnlineSync(ctx context.Context) (unregister func()) {
	unsubscribe := s.signal.OnBecameReachable(func() { s.dispatch(ctx) })
	s.trigger(ctx)
	return unsubscribe
}

// Wait blocks until passes started by async triggers have returned.
func (s *Syncer) Wait() {
	s.wg.Wait()
}

func (s *Syncer) dispatch(ctx context.Context) {
	if !s.async {
		s.trigger(ctx)
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.trigger(ctx)
	}()
}

func (s *Syncer) trigger(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("sync trigger panicked", "panic", r)
		}
	}()
	if ctx.Err() != nil {
		return
	}
	result, err := s.TrySync(ctx)
	s.onResult(result, err)
}

func (s *Syncer) logResult(result Result, err error) {
	switch {
	case errors.Is(err, ErrOffline), errors.Is(err, ErrPassInProgress):
		s.logger.Debug("sync skipped", "reason", err)
	case err != nil:
		s.logger.Warn("sync pass failed", "error", err)
	case result.Failures != nil:
		s.logger.Warn("sync pass left operations queued", "remaining", result.Remaining, "error", result.Failures)
	}
}
