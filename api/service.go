// Package api declares the offlinesync.OfflineQueue gRPC service. Messages are plain Go
// structs carried by a JSON codec, so browsers can talk to the service over gRPC-Web
// without generated stubs.
package api

import (
	"context"

	"google.golang.org/grpc"
)

const ServiceName = "offlinesync.OfflineQueue"

const (
	EnqueueMethod            = "/" + ServiceName + "/Enqueue"
	GetQueueMethod           = "/" + ServiceName + "/GetQueue"
	ClearQueueMethod         = "/" + ServiceName + "/ClearQueue"
	SyncMethod               = "/" + ServiceName + "/Sync"
	RequeueDeadLettersMethod = "/" + ServiceName + "/RequeueDeadLetters"
	WatchQueueMethod         = "/" + ServiceName + "/WatchQueue"
)

type OfflineQueueServer interface {
	Enqueue(context.Context, *EnqueueRequest) (*EnqueueReply, error)
	GetQueue(context.Context, *GetQueueRequest) (*GetQueueReply, error)
	ClearQueue(context.Context, *ClearQueueRequest) (*ClearQueueReply, error)
	Sync(context.Context, *SyncRequest) (*SyncReply, error)
	RequeueDeadLetters(context.Context, *RequeueDeadLettersRequest) (*RequeueDeadLettersReply, error)
	WatchQueue(*WatchQueueRequest, WatchQueueServer) error
}

type WatchQueueServer interface {
	Send(*QueueEvent) error
	grpc.ServerStream
}

type watchQueueServer struct {
	grpc.ServerStream
}

func (x *watchQueueServer) Send(m *QueueEvent) error {
	return x.ServerStream.SendMsg(m)
}

func RegisterOfflineQueueServer(s grpc.ServiceRegistrar, srv OfflineQueueServer) {
	s.RegisterService(&serviceDesc, srv)
}

func unaryHandler[Req, Reply any](method string, call func(OfflineQueueServer, context.Context, *Req) (*Reply, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(OfflineQueueServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(OfflineQueueServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func watchQueueHandler(srv any, stream grpc.ServerStream) error {
	m := new(WatchQueueRequest)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(OfflineQueueServer).WatchQueue(m, &watchQueueServer{stream})
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*OfflineQueueServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Enqueue", Handler: unaryHandler(EnqueueMethod, OfflineQueueServer.Enqueue)},
		{MethodName: "GetQueue", Handler: unaryHandler(GetQueueMethod, OfflineQueueServer.GetQueue)},
		{MethodName: "ClearQueue", Handler: unaryHandler(ClearQueueMethod, OfflineQueueServer.ClearQueue)},
		{MethodName: "Sync", Handler: unaryHandler(SyncMethod, OfflineQueueServer.Sync)},
		{MethodName: "RequeueDeadLetters", Handler: unaryHandler(RequeueDeadLettersMethod, OfflineQueueServer.RequeueDeadLetters)},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchQueue",
			Handler:       watchQueueHandler,
			ServerStreams: true,
		},
	},
	Metadata: "offlinesync/offline_queue.json",
}
