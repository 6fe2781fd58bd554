// Package dbtest provides an in-memory db.Querier for unit tests.
package dbtest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Call is one recorded statement.
type Call struct {
	SQL  string
	Args []any
}

// Row is a canned QueryRow result.
type Row struct {
	Values []any
	Err    error
}

func (r Row) Scan(dest ...any) error {
	if r.Err != nil {
		return r.Err
	}
	if len(dest) != len(r.Values) {
		return fmt.Errorf("dbtest: scan %d columns into %d targets", len(r.Values), len(dest))
	}
	for i, d := range dest {
		if err := assign(d, r.Values[i]); err != nil {
			return fmt.Errorf("dbtest: column %d: %w", i, err)
		}
	}
	return nil
}

func assign(dest, v any) error {
	switch d := dest.(type) {
	case *string:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("want string, have %T", v)
		}
		*d = s
	case *bool:
		b, ok := v.(bool)
		if !ok {
			return fmt.Errorf("want bool, have %T", v)
		}
		*d = b
	case *int64:
		n, ok := v.(int64)
		if !ok {
			return fmt.Errorf("want int64, have %T", v)
		}
		*d = n
	case *time.Time:
		t, ok := v.(time.Time)
		if !ok {
			return fmt.Errorf("want time.Time, have %T", v)
		}
		*d = t
	default:
		return fmt.Errorf("unsupported target %T", dest)
	}
	return nil
}

// Querier records statements and answers QueryRow through OnQueryRow.
// Exec statements containing a key of FailExec fail with its error.
type Querier struct {
	mu    sync.Mutex
	Execs []Call
	Rows  []Call

	OnQueryRow func(sql string, args []any) Row
	FailExec   map[string]error
	BeginErr   error
	ExecTag    string

	Commits   int
	Rollbacks int
}

func (q *Querier) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.Execs = append(q.Execs, Call{SQL: sql, Args: args})
	for frag, err := range q.FailExec {
		if strings.Contains(sql, frag) {
			return pgconn.CommandTag{}, err
		}
	}
	return pgconn.NewCommandTag(q.ExecTag), nil
}

func (q *Querier) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	q.mu.Lock()
	q.Rows = append(q.Rows, Call{SQL: sql, Args: args})
	fn := q.OnQueryRow
	q.mu.Unlock()
	if fn == nil {
		return Row{Err: errors.New("dbtest: no rows configured")}
	}
	return fn(sql, args)
}

func (q *Querier) Begin(context.Context) (pgx.Tx, error) {
	if q.BeginErr != nil {
		return nil, q.BeginErr
	}
	return &tx{q: q}, nil
}

// ExecSQL returns the recorded Exec statements.
func (q *Querier) ExecSQL() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.Execs))
	for _, c := range q.Execs {
		out = append(out, c.SQL)
	}
	return out
}

// tx forwards statements to the parent Querier. Methods the store does not
// use are left to the embedded nil interface.
type tx struct {
	pgx.Tx
	q *Querier
}

func (t *tx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return t.q.Exec(ctx, sql, args...)
}

func (t *tx) Commit(context.Context) error {
	t.q.mu.Lock()
	defer t.q.mu.Unlock()
	t.q.Commits++
	return nil
}

func (t *tx) Rollback(context.Context) error {
	t.q.mu.Lock()
	defer t.q.mu.Unlock()
	t.q.Rollbacks++
	return nil
}
