package backend

import (
	"context"
	"errors"
	"testing"

	"github.com/evita-erp/offline-sync/queue"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestBuildStatement(t *testing.T) {
	tests := []struct {
		name string
		op   queue.Operation
		sql  string
		args []any
		err  error
	}{
		{
			name: "insert",
			op:   queue.Insert{Table: "ordenes", Payload: queue.Record{"total": 10.0, "cliente_id": 3.0}},
			sql:  `INSERT INTO "ordenes" ("cliente_id", "total") VALUES ($1, $2)`,
			args: []any{3.0, 10.0},
		},
		{
			name: "insert defaults",
			op:   queue.Insert{Table: "public.eventos"},
			sql:  `INSERT INTO "public"."eventos" DEFAULT VALUES`,
		},
		{
			name: "upsert",
			op:   queue.Upsert{Table: "clientes", Payload: queue.Record{"id": 1.0, "nombre": "Ana"}},
			sql:  `INSERT INTO "clientes" ("id", "nombre") VALUES ($1, $2) ON CONFLICT ("id") DO UPDATE SET "nombre" = EXCLUDED."nombre"`,
			args: []any{1.0, "Ana"},
		},
		{
			name: "upsert key only",
			op:   queue.Upsert{Table: "clientes", Payload: queue.Record{"id": 1.0}},
			sql:  `INSERT INTO "clientes" ("id") VALUES ($1) ON CONFLICT ("id") DO NOTHING`,
			args: []any{1.0},
		},
		{
			name: "update",
			op:   queue.Update{Table: "ordenes", Payload: queue.Record{"estado": "lista"}, Match: queue.Record{"id": 4.0, "borrado": nil}},
			sql:  `UPDATE "ordenes" SET "estado" = $1 WHERE "borrado" IS NULL AND "id" = $2`,
			args: []any{"lista", 4.0},
		},
		{
			name: "update without columns",
			op:   queue.Update{Table: "ordenes", Match: queue.Record{"id": 4.0}},
			err:  ErrEmptyPayload,
		},
		{
			name: "delete by id",
			op:   queue.Delete{Table: "ordenes", ID: "a1"},
			sql:  `DELETE FROM "ordenes" WHERE "id" = $1`,
			args: []any{"a1"},
		},
		{
			name: "quoted identifiers",
			op:   queue.Delete{Table: `ord"enes`, Match: queue.Record{`x"; DROP TABLE y; --`: 1.0}},
			sql:  `DELETE FROM "ord""enes" WHERE "x""; DROP TABLE y; --" = $1`,
			args: []any{1.0},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, args, err := buildStatement(tt.op, "id")
			if tt.err != nil {
				require.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.sql, sql)
			require.Equal(t, tt.args, args)
		})
	}
}

type fakeExecer struct {
	sql  string
	args []any
	err  error
}

func (f *fakeExecer) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	f.sql = sql
	f.args = arguments
	if f.err != nil {
		return pgconn.CommandTag{}, f.err
	}
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func TestPostgresExecutor(t *testing.T) {
	db := &fakeExecer{}
	executor := NewPostgresExecutor(db, "codigo", nil)

	err := executor.Execute(context.Background(), queue.QueuedOperation{
		ID: "1", Kind: queue.KindUpsert, Table: "productos", Payload: queue.Record{"codigo": "P1", "stock": 3.0},
	})
	require.NoError(t, err)
	require.Equal(t, `INSERT INTO "productos" ("codigo", "stock") VALUES ($1, $2) ON CONFLICT ("codigo") DO UPDATE SET "stock" = EXCLUDED."stock"`, db.sql)
	require.Equal(t, []any{"P1", 3.0}, db.args)

	db.err = errors.New("connection refused")
	err = executor.Execute(context.Background(), queue.QueuedOperation{
		ID: "2", Kind: queue.KindDelete, Table: "productos", Match: queue.Record{"codigo": "P1"},
	})
	require.ErrorIs(t, err, db.err)

	db.sql = ""
	err = executor.Execute(context.Background(), queue.QueuedOperation{ID: "3", Kind: queue.KindUpdate, Table: "productos"})
	require.ErrorIs(t, err, queue.ErrMissingMatch)
	require.Empty(t, db.sql)
}
