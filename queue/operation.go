package queue

import (
	"fmt"
	"time"
)

type Kind string

const (
	KindInsert Kind = "insert"
	KindUpsert Kind = "upsert"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// Record is an opaque row or filter, interpreted only by executors.
type Record map[string]any

// Operation is a mutation that can be queued: Insert, Upsert, Update or Delete.
type Operation interface {
	Kind() Kind
	table() string
}

type Insert struct {
	Table   string
	Payload Record
}

type Upsert struct {
	Table   string
	Payload Record
}

type Update struct {
	Table   string
	Payload Record
	Match   Record
}

// Delete removes the rows selected by Match, or the row whose id is ID when Match is
// empty.
type Delete struct {
	Table string
	Match Record
	ID    any
}

func (Insert) Kind() Kind { return KindInsert }
func (Upsert) Kind() Kind { return KindUpsert }
func (Update) Kind() Kind { return KindUpdate }
func (Delete) Kind() Kind { return KindDelete }

func (o Insert) table() string { return o.Table }
func (o Upsert) table() string { return o.Table }
func (o Update) table() string { return o.Table }
func (o Delete) table() string { return o.Table }

// QueuedOperation is a pending mutation as persisted in storage. The JSON layout is the
// one written by the browser client and must stay stable across releases.
type QueuedOperation struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"ts"`
	Kind      Kind   `json:"type"`
	Table     string `json:"table"`
	Payload   Record `json:"payload,omitempty"`
	Match     Record `json:"match,omitempty"`
	Attempts  int    `json:"attempts,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

func newQueuedOperation(op Operation, id string, now time.Time) QueuedOperation {
	item := QueuedOperation{
		ID:        id,
		Timestamp: now.UnixMilli(),
		Kind:      op.Kind(),
		Table:     op.table(),
	}
	switch o := op.(type) {
	case Insert:
		item.Payload = o.Payload
	case Upsert:
		item.Payload = o.Payload
	case Update:
		item.Payload = o.Payload
		item.Match = o.Match
	case Delete:
		if len(o.Match) > 0 {
			item.Match = o.Match
		} else if o.ID != nil {
			item.Payload = Record{"id": o.ID}
		}
	}
	return item
}

// EnqueuedAt returns the enqueue time.
func (q QueuedOperation) EnqueuedAt() time.Time {
	return time.UnixMilli(q.Timestamp)
}

// Operation converts the stored record back to a typed operation, validating the fields
// the kind requires.
func (q QueuedOperation) Operation() (Operation, error) {
	if q.Table == "" {
		return nil, ErrMissingResource
	}
	switch q.Kind {
	case KindInsert:
		return Insert{Table: q.Table, Payload: q.Payload}, nil
	case KindUpsert:
		return Upsert{Table: q.Table, Payload: q.Payload}, nil
	case KindUpdate:
		if len(q.Match) == 0 {
			return nil, ErrMissingMatch
		}
		return Update{Table: q.Table, Payload: q.Payload, Match: q.Match}, nil
	case KindDelete:
		if len(q.Match) > 0 {
			return Delete{Table: q.Table, Match: q.Match}, nil
		}
		if id, ok := q.Payload["id"]; ok && id != nil {
			return Delete{Table: q.Table, ID: id}, nil
		}
		return nil, ErrMissingIdentifier
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedKind, q.Kind)
	}
}

// Validate reports whether op could be replayed by an executor.
func Validate(op Operation) error {
	if op == nil {
		return fmt.Errorf("%w: nil operation", ErrUnsupportedKind)
	}
	_, err := newQueuedOperation(op, "", time.Time{}).Operation()
	return err
}
