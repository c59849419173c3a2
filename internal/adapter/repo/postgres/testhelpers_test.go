package postgres_test

import (
	"context"
	"reflect"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/mock"
)

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}

// mockPool is a hand-rolled testify mock over the minimal PgxPool surface.
type mockPool struct{ mock.Mock }

func (m *mockPool) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	callArgs := m.Called(ctx, sql, args)
	return callArgs.Get(0).(pgconn.CommandTag), callArgs.Error(1)
}

func (m *mockPool) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	callArgs := m.Called(ctx, sql, args)
	return callArgs.Get(0).(pgx.Row)
}

func (m *mockPool) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	callArgs := m.Called(ctx, sql, args)
	if rows := callArgs.Get(0); rows != nil {
		return rows.(pgx.Rows), callArgs.Error(1)
	}
	return nil, callArgs.Error(1)
}

// fakeRow yields one fixed set of column values (or an error) on Scan.
type fakeRow struct {
	vals []any
	err  error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return assign(dest, r.vals)
}

// fakeRows iterates fixed value sets, satisfying the pgx.Rows interface.
type fakeRows struct {
	sets [][]any
	idx  int
	err  error
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Next() bool {
	if r.idx >= len(r.sets) {
		return false
	}
	r.idx++
	return true
}
func (r *fakeRows) Scan(dest ...any) error    { return assign(dest, r.sets[r.idx-1]) }
func (r *fakeRows) Values() ([]any, error)    { return r.sets[r.idx-1], nil }
func (r *fakeRows) RawValues() [][]byte       { return nil }
func (r *fakeRows) Conn() *pgx.Conn           { return nil }

func commandTag(s string) pgconn.CommandTag { return pgconn.NewCommandTag(s) }

func assign(dest []any, vals []any) error {
	for i := range dest {
		dv := reflect.ValueOf(dest[i]).Elem()
		if vals[i] == nil {
			dv.Set(reflect.Zero(dv.Type()))
			continue
		}
		sv := reflect.ValueOf(vals[i])
		if sv.Type().AssignableTo(dv.Type()) {
			dv.Set(sv)
			continue
		}
		// Allow scanning a value into a pointer destination.
		if dv.Kind() == reflect.Ptr && sv.Type().AssignableTo(dv.Type().Elem()) {
			p := reflect.New(dv.Type().Elem())
			p.Elem().Set(sv)
			dv.Set(p)
			continue
		}
		dv.Set(sv.Convert(dv.Type()))
	}
	return nil
}
