package main

import (
	"context"
	"errors"

	"github.com/evita-erp/offline-sync/api"
	"github.com/evita-erp/offline-sync/config"
	"github.com/evita-erp/offline-sync/middleware"
	"github.com/evita-erp/offline-sync/queue"
	"github.com/hashicorp/go-multierror"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type QueueServer struct {
	config *config.Config
	hub    *queueHub
}

func NewQueueServer(config *config.Config, hub *queueHub) *QueueServer {
	return &QueueServer{
		config: config,
		hub:    hub,
	}
}

func (s *QueueServer) authenticate(ctx context.Context, req middleware.Signed) (context.Context, *queue.Syncer, error) {
	c, err := middleware.Authenticate(s.config, ctx, req)
	if err != nil {
		return nil, nil, status.Error(codes.Unauthenticated, err.Error())
	}
	storeID, ok := middleware.StoreID(c)
	if !ok {
		return nil, nil, status.Error(codes.Unauthenticated, "no store for request")
	}
	return c, s.hub.syncer(storeID), nil
}

func (s *QueueServer) Enqueue(ctx context.Context, msg *api.EnqueueRequest) (*api.EnqueueReply, error) {
	c, syncer, err := s.authenticate(ctx, msg)
	if err != nil {
		return nil, err
	}
	op, err := msg.QueuedOperation().Operation()
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if !s.config.AllowsTable(msg.Table) {
		return nil, status.Errorf(codes.PermissionDenied, "table %q is not allowed", msg.Table)
	}
	item, err := syncer.Queue().Enqueue(c, op)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &api.EnqueueReply{Operation: item}, nil
}

func (s *QueueServer) GetQueue(ctx context.Context, msg *api.GetQueueRequest) (*api.GetQueueReply, error) {
	c, syncer, err := s.authenticate(ctx, msg)
	if err != nil {
		return nil, err
	}
	var items []queue.QueuedOperation
	if msg.DeadLetters {
		items = syncer.Queue().DeadLetters(c)
	} else {
		items = syncer.Queue().GetQueue(c)
	}
	return &api.GetQueueReply{Operations: items}, nil
}

func (s *QueueServer) ClearQueue(ctx context.Context, msg *api.ClearQueueRequest) (*api.ClearQueueReply, error) {
	c, syncer, err := s.authenticate(ctx, msg)
	if err != nil {
		return nil, err
	}
	if err := syncer.Queue().Clear(c); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &api.ClearQueueReply{}, nil
}

func (s *QueueServer) Sync(ctx context.Context, msg *api.SyncRequest) (*api.SyncReply, error) {
	c, syncer, err := s.authenticate(ctx, msg)
	if err != nil {
		return nil, err
	}
	result, err := syncer.TrySync(c)
	switch {
	case errors.Is(err, queue.ErrOffline):
		return nil, status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, queue.ErrPassInProgress):
		return nil, status.Error(codes.Aborted, err.Error())
	case err != nil:
		return nil, status.Error(codes.Internal, err.Error())
	}

	reply := &api.SyncReply{
		Processed:    result.Processed,
		Remaining:    result.Remaining,
		DeadLettered: result.DeadLettered,
		Pending:      result.Pending,
	}
	var failures *multierror.Error
	if errors.As(result.Failures, &failures) {
		for _, failure := range failures.Errors {
			reply.Failures = append(reply.Failures, failure.Error())
		}
	}
	return reply, nil
}

func (s *QueueServer) RequeueDeadLetters(ctx context.Context, msg *api.RequeueDeadLettersRequest) (*api.RequeueDeadLettersReply, error) {
	c, syncer, err := s.authenticate(ctx, msg)
	if err != nil {
		return nil, err
	}
	requeued, err := syncer.Queue().RequeueDeadLetters(c)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &api.RequeueDeadLettersReply{Requeued: requeued}, nil
}

// WatchQueue sends the current queue length, then the new length after every write to
// the caller's queue.
func (s *QueueServer) WatchQueue(request *api.WatchQueueRequest, stream api.WatchQueueServer) error {
	c, syncer, err := s.authenticate(stream.Context(), request)
	if err != nil {
		return err
	}

	storeID := syncer.Queue().StoreID()
	subscription := s.hub.events.subscribe(storeID)
	defer s.hub.events.unsubscribe(storeID, subscription.id)

	if err := stream.Send(&api.QueueEvent{Pending: len(syncer.Queue().GetQueue(c))}); err != nil {
		return err
	}
	for {
		select {
		case event, ok := <-subscription.eventsChan:
			if !ok {
				return nil
			}
			if err := stream.Send(&api.QueueEvent{Pending: event.pending}); err != nil {
				return err
			}

		case <-s.hub.events.done:
			return nil

		case <-c.Done():
			return nil
		}
	}
}
