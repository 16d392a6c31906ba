// Package pgtest provides a scripted in-memory implementation of the pg
// connection interfaces for package tests.
package pgtest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/snapflowio/dbsync/internal/pg"
)

// Call is one recorded Query or Exec.
type Call struct {
	SQL  string
	Args []any
	InTx bool
}

// Result scripts the response for a matched statement.
type Result struct {
	Columns  []string
	Rows     [][]any
	Affected int64
	Err      error
}

type handler struct {
	substr string
	fn     func(sql string, args []any) (Result, error)
}

// Conn is a fake pg.Connection routing statements to scripted handlers by
// substring match, first match wins. Unmatched statements succeed with an
// empty result.
type Conn struct {
	mu         sync.Mutex
	handlers   []handler
	Queries    []Call
	Execs      []Call
	Committed  int
	RolledBack int
	PingErr    error
	BeginErr   error
	CommitErr  error
	closed     bool
}

func NewConn() *Conn {
	return &Conn{}
}

// On scripts a fixed result for statements containing substr.
func (c *Conn) On(substr string, res Result) *Conn {
	return c.Handle(substr, func(string, []any) (Result, error) {
		return res, res.Err
	})
}

// Handle scripts a dynamic handler for statements containing substr.
func (c *Conn) Handle(substr string, fn func(sql string, args []any) (Result, error)) *Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, handler{substr: substr, fn: fn})
	return c
}

func (c *Conn) route(sql string, args []any) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, h := range c.handlers {
		if strings.Contains(sql, h.substr) {
			return h.fn(sql, args)
		}
	}
	return Result{}, nil
}

func (c *Conn) record(list *[]Call, sql string, args []any, inTx bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	*list = append(*list, Call{SQL: sql, Args: args, InTx: inTx})
}

func (c *Conn) Query(_ context.Context, sql string, args ...any) (pg.Rows, error) {
	c.record(&c.Queries, sql, args, false)
	res, err := c.route(sql, args)
	if err != nil {
		return nil, err
	}
	return NewRows(res.Columns, res.Rows), nil
}

func (c *Conn) Exec(_ context.Context, sql string, args ...any) (int64, error) {
	c.record(&c.Execs, sql, args, false)
	res, err := c.route(sql, args)
	if err != nil {
		return 0, err
	}
	return res.Affected, nil
}

func (c *Conn) Begin(context.Context) (pg.Tx, error) {
	if c.BeginErr != nil {
		return nil, c.BeginErr
	}
	return &tx{conn: c}, nil
}

func (c *Conn) Ping(context.Context) error {
	return c.PingErr
}

func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// ExecsMatching returns recorded Execs whose SQL contains substr.
func (c *Conn) ExecsMatching(substr string) []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Call
	for _, call := range c.Execs {
		if strings.Contains(call.SQL, substr) {
			out = append(out, call)
		}
	}
	return out
}

type tx struct {
	conn *Conn
	done bool
}

func (t *tx) Query(_ context.Context, sql string, args ...any) (pg.Rows, error) {
	t.conn.record(&t.conn.Queries, sql, args, true)
	res, err := t.conn.route(sql, args)
	if err != nil {
		return nil, err
	}
	return NewRows(res.Columns, res.Rows), nil
}

func (t *tx) Exec(_ context.Context, sql string, args ...any) (int64, error) {
	t.conn.record(&t.conn.Execs, sql, args, true)
	res, err := t.conn.route(sql, args)
	if err != nil {
		return 0, err
	}
	return res.Affected, nil
}

func (t *tx) Commit(context.Context) error {
	if t.conn.CommitErr != nil {
		return t.conn.CommitErr
	}
	if t.done {
		return fmt.Errorf("transaction already finished")
	}
	t.done = true
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	t.conn.Committed++
	return nil
}

func (t *tx) Rollback(context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	t.conn.RolledBack++
	return nil
}

// Rows is a fake pg.Rows over an in-memory result set.
type Rows struct {
	fields []pgconn.FieldDescription
	rows   [][]any
	idx    int
	err    error
}

func NewRows(columns []string, rows [][]any) *Rows {
	fields := make([]pgconn.FieldDescription, len(columns))
	for i, name := range columns {
		fields[i] = pgconn.FieldDescription{Name: name}
	}
	return &Rows{fields: fields, rows: rows, idx: -1}
}

func (r *Rows) Next() bool {
	r.idx++
	return r.idx < len(r.rows)
}

func (r *Rows) Values() ([]any, error) {
	if r.idx < 0 || r.idx >= len(r.rows) {
		return nil, fmt.Errorf("no current row")
	}
	return r.rows[r.idx], nil
}

func (r *Rows) FieldDescriptions() []pgconn.FieldDescription {
	return r.fields
}

func (r *Rows) Err() error {
	return r.err
}

func (r *Rows) Close() {}
