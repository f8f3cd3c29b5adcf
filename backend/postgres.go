package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/evita-erp/offline-sync/queue"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var ErrEmptyPayload = errors.New("operation has no columns to write")

// Execer is the subset of *pgxpool.Pool and pgx.Tx the executor needs.
type Execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// PostgresExecutor writes operations straight into the backend database.
type PostgresExecutor struct {
	db             Execer
	conflictColumn string
	logger         *slog.Logger
}

// NewPostgresExecutor returns an executor writing through db. Upserts resolve conflicts
// on conflictColumn, "id" when empty.
func NewPostgresExecutor(db Execer, conflictColumn string, logger *slog.Logger) *PostgresExecutor {
	if conflictColumn == "" {
		conflictColumn = "id"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresExecutor{db: db, conflictColumn: conflictColumn, logger: logger}
}

var _ Executor = (*PostgresExecutor)(nil)

func (e *PostgresExecutor) Execute(ctx context.Context, item queue.QueuedOperation) error {
	op, err := item.Operation()
	if err != nil {
		return err
	}
	sql, args, err := buildStatement(op, e.conflictColumn)
	if err != nil {
		return err
	}
	tag, err := e.db.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("%s %s: %w", item.Kind, item.Table, err)
	}
	e.logger.Debug("operation replayed", "id", item.ID, "type", item.Kind, "table", item.Table, "rows", tag.RowsAffected())
	return nil
}

func buildStatement(op queue.Operation, conflictColumn string) (string, []any, error) {
	switch o := op.(type) {
	case queue.Insert:
		return insertStatement(o.Table, o.Payload, "")
	case queue.Upsert:
		return insertStatement(o.Table, o.Payload, conflictColumn)
	case queue.Update:
		if len(o.Payload) == 0 {
			return "", nil, ErrEmptyPayload
		}
		var b strings.Builder
		args := make([]any, 0, len(o.Payload)+len(o.Match))
		fmt.Fprintf(&b, "UPDATE %s SET ", tableIdentifier(o.Table))
		for i, column := range sortedColumns(o.Payload) {
			if i > 0 {
				b.WriteString(", ")
			}
			args = append(args, o.Payload[column])
			fmt.Fprintf(&b, "%s = $%d", columnIdentifier(column), len(args))
		}
		b.WriteString(" WHERE ")
		args = whereClause(&b, o.Match, args)
		return b.String(), args, nil
	case queue.Delete:
		var b strings.Builder
		fmt.Fprintf(&b, "DELETE FROM %s WHERE ", tableIdentifier(o.Table))
		args := whereClause(&b, deleteFilter(o), nil)
		return b.String(), args, nil
	default:
		return "", nil, fmt.Errorf("%w: %T", queue.ErrUnsupportedKind, op)
	}
}

func insertStatement(table string, payload queue.Record, conflictColumn string) (string, []any, error) {
	if len(payload) == 0 {
		if conflictColumn != "" {
			return "", nil, ErrEmptyPayload
		}
		return fmt.Sprintf("INSERT INTO %s DEFAULT VALUES", tableIdentifier(table)), nil, nil
	}

	columns := sortedColumns(payload)
	names := make([]string, len(columns))
	placeholders := make([]string, len(columns))
	args := make([]any, len(columns))
	for i, column := range columns {
		names[i] = columnIdentifier(column)
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = payload[column]
	}
	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		tableIdentifier(table), strings.Join(names, ", "), strings.Join(placeholders, ", "))
	if conflictColumn == "" {
		return sql, args, nil
	}

	var updates []string
	for _, column := range columns {
		if column == conflictColumn {
			continue
		}
		name := columnIdentifier(column)
		updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", name, name))
	}
	if len(updates) == 0 {
		return sql + fmt.Sprintf(" ON CONFLICT (%s) DO NOTHING", columnIdentifier(conflictColumn)), args, nil
	}
	return sql + fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s",
		columnIdentifier(conflictColumn), strings.Join(updates, ", ")), args, nil
}

func whereClause(b *strings.Builder, filter queue.Record, args []any) []any {
	for i, column := range sortedColumns(filter) {
		if i > 0 {
			b.WriteString(" AND ")
		}
		value := filter[column]
		if value == nil {
			fmt.Fprintf(b, "%s IS NULL", columnIdentifier(column))
			continue
		}
		args = append(args, value)
		fmt.Fprintf(b, "%s = $%d", columnIdentifier(column), len(args))
	}
	return args
}

// tableIdentifier quotes a possibly schema-qualified table name.
func tableIdentifier(table string) string {
	return pgx.Identifier(strings.Split(table, ".")).Sanitize()
}

func columnIdentifier(column string) string {
	return pgx.Identifier{column}.Sanitize()
}
