package api

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/evita-erp/offline-sync/middleware"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

type signable interface {
	SigningPayload() string
	sign(signature string, requestTime int64)
}

func (a *Auth) sign(signature string, requestTime int64) {
	a.Signature = signature
	a.RequestTime = requestTime
}

// Client calls the service, signing every request with key. A nil key sends unsigned
// requests, for servers running without authentication.
type Client struct {
	cc     grpc.ClientConnInterface
	key    *btcec.PrivateKey
	apiKey string
	now    func() time.Time
}

func NewClient(cc grpc.ClientConnInterface, key *btcec.PrivateKey) *Client {
	return &Client{cc: cc, key: key, now: time.Now}
}

// WithAPIKey makes the client send apiKey, a base64 DER certificate issued by the
// server's CA, as the bearer token of every call.
func (c *Client) WithAPIKey(apiKey string) *Client {
	c.apiKey = apiKey
	return c
}

func (c *Client) outgoing(ctx context.Context) context.Context {
	if c.apiKey == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.apiKey)
}

func (c *Client) signRequest(req signable) error {
	if c.key == nil {
		return nil
	}
	requestTime := c.now().Unix()
	req.sign("", requestTime)
	signature, err := middleware.SignMessage(c.key, []byte(req.SigningPayload()))
	if err != nil {
		return err
	}
	req.sign(signature, requestTime)
	return nil
}

func invoke[Reply any](ctx context.Context, c *Client, method string, req signable, opts []grpc.CallOption) (*Reply, error) {
	if err := c.signRequest(req); err != nil {
		return nil, err
	}
	out := new(Reply)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(c.outgoing(ctx), method, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Enqueue(ctx context.Context, in *EnqueueRequest, opts ...grpc.CallOption) (*EnqueueReply, error) {
	return invoke[EnqueueReply](ctx, c, EnqueueMethod, in, opts)
}

func (c *Client) GetQueue(ctx context.Context, in *GetQueueRequest, opts ...grpc.CallOption) (*GetQueueReply, error) {
	return invoke[GetQueueReply](ctx, c, GetQueueMethod, in, opts)
}

func (c *Client) ClearQueue(ctx context.Context, in *ClearQueueRequest, opts ...grpc.CallOption) (*ClearQueueReply, error) {
	return invoke[ClearQueueReply](ctx, c, ClearQueueMethod, in, opts)
}

func (c *Client) Sync(ctx context.Context, in *SyncRequest, opts ...grpc.CallOption) (*SyncReply, error) {
	return invoke[SyncReply](ctx, c, SyncMethod, in, opts)
}

func (c *Client) RequeueDeadLetters(ctx context.Context, in *RequeueDeadLettersRequest, opts ...grpc.CallOption) (*RequeueDeadLettersReply, error) {
	return invoke[RequeueDeadLettersReply](ctx, c, RequeueDeadLettersMethod, in, opts)
}

type WatchQueueClient interface {
	Recv() (*QueueEvent, error)
	grpc.ClientStream
}

type watchQueueClient struct {
	grpc.ClientStream
}

func (x *watchQueueClient) Recv() (*QueueEvent, error) {
	m := new(QueueEvent)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *Client) WatchQueue(ctx context.Context, in *WatchQueueRequest, opts ...grpc.CallOption) (WatchQueueClient, error) {
	if err := c.signRequest(in); err != nil {
		return nil, err
	}
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := c.cc.NewStream(c.outgoing(ctx), &serviceDesc.Streams[0], WatchQueueMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &watchQueueClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
