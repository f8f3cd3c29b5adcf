package api

import (
	"encoding/json"
	"fmt"

	"github.com/evita-erp/offline-sync/queue"
)

// Auth is embedded in every request. Signature covers the request's SigningPayload,
// which includes RequestTime.
type Auth struct {
	RequestTime int64  `json:"request_time"`
	Signature   string `json:"signature"`
}

func (a Auth) RequestSignature() string {
	return a.Signature
}

type EnqueueRequest struct {
	Auth
	Type    queue.Kind   `json:"type"`
	Table   string       `json:"table"`
	Payload queue.Record `json:"payload,omitempty"`
	Match   queue.Record `json:"match,omitempty"`
}

func (r *EnqueueRequest) SigningPayload() string {
	return fmt.Sprintf("%v-%v-%s-%s-%v", r.Type, r.Table, canonical(r.Payload), canonical(r.Match), r.RequestTime)
}

// QueuedOperation converts the request to the stored form, without id and timestamp.
func (r *EnqueueRequest) QueuedOperation() queue.QueuedOperation {
	return queue.QueuedOperation{Kind: r.Type, Table: r.Table, Payload: r.Payload, Match: r.Match}
}

type EnqueueReply struct {
	Operation queue.QueuedOperation `json:"operation"`
}

type GetQueueRequest struct {
	Auth
	DeadLetters bool `json:"dead_letters,omitempty"`
}

func (r *GetQueueRequest) SigningPayload() string {
	return fmt.Sprintf("get-%v-%v", r.DeadLetters, r.RequestTime)
}

type GetQueueReply struct {
	Operations []queue.QueuedOperation `json:"operations"`
}

type ClearQueueRequest struct {
	Auth
}

func (r *ClearQueueRequest) SigningPayload() string {
	return fmt.Sprintf("clear-%v", r.RequestTime)
}

type ClearQueueReply struct{}

type SyncRequest struct {
	Auth
}

func (r *SyncRequest) SigningPayload() string {
	return fmt.Sprintf("sync-%v", r.RequestTime)
}

type SyncReply struct {
	Processed    int      `json:"processed"`
	Remaining    int      `json:"remaining"`
	DeadLettered int      `json:"dead_lettered"`
	Pending      int      `json:"pending"`
	Failures     []string `json:"failures,omitempty"`
}

type RequeueDeadLettersRequest struct {
	Auth
}

func (r *RequeueDeadLettersRequest) SigningPayload() string {
	return fmt.Sprintf("requeue-%v", r.RequestTime)
}

type RequeueDeadLettersReply struct {
	Requeued int `json:"requeued"`
}

type WatchQueueRequest struct {
	Auth
}

func (r *WatchQueueRequest) SigningPayload() string {
	return fmt.Sprintf("watch-%v", r.RequestTime)
}

// QueueEvent reports the queue length after a write.
type QueueEvent struct {
	Pending int `json:"pending"`
}

// canonical renders a record with sorted keys so both sides sign the same bytes.
func canonical(r queue.Record) string {
	if len(r) == 0 {
		return ""
	}
	data, err := json.Marshal(r)
	if err != nil {
		return ""
	}
	return string(data)
}
