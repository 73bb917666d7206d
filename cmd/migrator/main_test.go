package main

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeMigratorDB struct {
	execFn     func(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	queryRowFn func(ctx context.Context, sql string, args ...any) pgx.Row
	beginFn    func(ctx context.Context) (pgx.Tx, error)
}

func (f *fakeMigratorDB) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	if f.execFn != nil {
		return f.execFn(ctx, sql, arguments...)
	}
	return pgconn.NewCommandTag("EXEC 1"), nil
}

func (f *fakeMigratorDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if f.queryRowFn != nil {
		return f.queryRowFn(ctx, sql, args...)
	}
	return fakeMigratorRow{values: []any{false}}
}

func (f *fakeMigratorDB) Begin(ctx context.Context) (pgx.Tx, error) {
	if f.beginFn != nil {
		return f.beginFn(ctx)
	}
	return &fakeMigratorTx{}, nil
}

type fakeMigratorRow struct {
	values []any
	err    error
}

func (r fakeMigratorRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return errors.New("scan arity mismatch")
	}
	for i := range dest {
		switch d := dest[i].(type) {
		case *bool:
			v, ok := r.values[i].(bool)
			if !ok {
				return errors.New("expected bool")
			}
			*d = v
		default:
			return errors.New("unsupported scan type")
		}
	}
	return nil
}

type fakeMigratorTx struct {
	execFn        func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	commitErr     error
	rollbackCalls int
	applied       []string
}

func (t *fakeMigratorTx) Begin(ctx context.Context) (pgx.Tx, error) { return t, nil }
func (t *fakeMigratorTx) Commit(ctx context.Context) error          { return t.commitErr }
func (t *fakeMigratorTx) Rollback(ctx context.Context) error {
	t.rollbackCalls++
	return nil
}
func (t *fakeMigratorTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("not implemented")
}
func (t *fakeMigratorTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults { return nil }
func (t *fakeMigratorTx) LargeObjects() pgx.LargeObjects                               { return pgx.LargeObjects{} }
func (t *fakeMigratorTx) Prepare(ctx context.Context, name string, sql string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("not implemented")
}
func (t *fakeMigratorTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if t.execFn != nil {
		return t.execFn(ctx, sql, args...)
	}
	if strings.HasPrefix(sql, "INSERT INTO schema_migrations") {
		t.applied = append(t.applied, args[0].(string))
	}
	return pgconn.NewCommandTag("EXEC 1"), nil
}
func (t *fakeMigratorTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}
func (t *fakeMigratorTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return fakeMigratorRow{err: errors.New("not implemented")}
}
func (t *fakeMigratorTx) Conn() *pgx.Conn { return nil }

func TestRunMigrationsAppliesAndSkips(t *testing.T) {
	tx := &fakeMigratorTx{}
	db := &fakeMigratorDB{
		beginFn: func(ctx context.Context) (pgx.Tx, error) { return tx, nil },
		queryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return fakeMigratorRow{values: []any{args[0].(string) == "0001_done"}}
		},
	}
	list := []migration{
		{Name: "0001_done", SQL: "SELECT 1;"},
		{Name: "0002_new", SQL: "SELECT 2;"},
	}

	if err := runMigrations(context.Background(), db, list, func(string, ...any) {}); err != nil {
		t.Fatalf("runMigrations: %v", err)
	}
	if len(tx.applied) != 1 || tx.applied[0] != "0002_new" {
		t.Fatalf("applied = %v, want [0002_new]", tx.applied)
	}
}

func TestRunMigrationsRollsBackOnFailure(t *testing.T) {
	tx := &fakeMigratorTx{
		execFn: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			return pgconn.CommandTag{}, errors.New("syntax error")
		},
	}
	db := &fakeMigratorDB{
		beginFn: func(ctx context.Context) (pgx.Tx, error) { return tx, nil },
	}

	err := runMigrations(context.Background(), db, []migration{{Name: "0001_bad", SQL: "BROKEN"}}, func(string, ...any) {})
	if err == nil || !strings.Contains(err.Error(), "apply migration 0001_bad") {
		t.Fatalf("err = %v", err)
	}
	if tx.rollbackCalls != 1 {
		t.Fatalf("rollbacks = %d, want 1", tx.rollbackCalls)
	}
}

func TestRunMigrationsCommitFailure(t *testing.T) {
	tx := &fakeMigratorTx{commitErr: errors.New("commit refused")}
	db := &fakeMigratorDB{
		beginFn: func(ctx context.Context) (pgx.Tx, error) { return tx, nil },
	}

	err := runMigrations(context.Background(), db, []migration{{Name: "0001_x", SQL: "SELECT 1;"}}, func(string, ...any) {})
	if err == nil || !strings.Contains(err.Error(), "commit migration") {
		t.Fatalf("err = %v", err)
	}
}

func TestRunMigrationsValidation(t *testing.T) {
	if err := runMigrations(context.Background(), nil, nil, nil); err == nil {
		t.Fatal("expected error for nil db")
	}
	db := &fakeMigratorDB{}
	if err := runMigrations(context.Background(), db, []migration{{Name: "", SQL: "SELECT 1;"}}, func(string, ...any) {}); err == nil {
		t.Fatal("expected error for unnamed migration")
	}
	if err := runMigrations(context.Background(), db, []migration{{Name: "0001_empty", SQL: ""}}, func(string, ...any) {}); err == nil {
		t.Fatal("expected error for empty migration body")
	}
}

func TestRunMigrationsLedgerCreationFailure(t *testing.T) {
	db := &fakeMigratorDB{
		execFn: func(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
			return pgconn.CommandTag{}, errors.New("permission denied")
		},
	}
	err := runMigrations(context.Background(), db, migrations, func(string, ...any) {})
	if err == nil || !strings.Contains(err.Error(), "schema_migrations") {
		t.Fatalf("err = %v", err)
	}
}
