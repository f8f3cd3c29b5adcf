// Package backend replays queued operations against the system of record, either
// through its PostgREST endpoint or directly over a PostgreSQL connection.
package backend

import (
	"context"
	"sort"

	"github.com/evita-erp/offline-sync/queue"
)

// Executor is implemented by every backend; Execute matches queue.Executor.
type Executor interface {
	Execute(ctx context.Context, item queue.QueuedOperation) error
}

// deleteFilter returns the columns selecting the rows a delete removes.
func deleteFilter(op queue.Delete) queue.Record {
	if len(op.Match) > 0 {
		return op.Match
	}
	return queue.Record{"id": op.ID}
}

func sortedColumns(r queue.Record) []string {
	columns := make([]string, 0, len(r))
	for column := range r {
		columns = append(columns, column)
	}
	sort.Strings(columns)
	return columns
}
