package sql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"

	"github.com/syssam/persist/dialect"
)

// Driver runs statements on a database/sql pool. It is the dialect.Driver
// behind the sqlgraph Backend and Loader.
type Driver struct {
	Conn
	name string
}

// NewDriver returns a Driver for the database/sql driver name, e.g.
// "postgres", "pgx", "mysql" or "sqlite".
func NewDriver(name string, c Conn) *Driver {
	return &Driver{Conn: c, name: name}
}

// Open opens a pool with database/sql and wraps it.
func Open(name, source string) (*Driver, error) {
	db, err := sql.Open(name, source)
	if err != nil {
		return nil, fmt.Errorf("sql: open %s: %w", name, err)
	}
	return OpenDB(name, db), nil
}

// OpenDB wraps an open pool.
func OpenDB(name string, db *sql.DB) *Driver {
	return NewDriver(name, Conn{db})
}

// DB returns the pool.
func (d *Driver) DB() *sql.DB {
	return d.ExecQuerier.(*sql.DB)
}

// Name returns the database/sql driver name.
func (d *Driver) Name() string { return d.name }

// Dialect implements dialect.Driver.
func (d *Driver) Dialect() string {
	return dialect.Of(d.name)
}

// Tx implements dialect.Driver. A flush runs all of its batches in one Tx.
func (d *Driver) Tx(ctx context.Context) (dialect.Tx, error) {
	return d.BeginTx(ctx, nil)
}

// BeginTx starts a transaction with options.
func (d *Driver) BeginTx(ctx context.Context, opts *TxOptions) (dialect.Tx, error) {
	tx, err := d.DB().BeginTx(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("sql: begin: %w", err)
	}
	return &Tx{Conn: Conn{tx}, Tx: tx}, nil
}

// Close closes the pool.
func (d *Driver) Close() error { return d.DB().Close() }

// Tx is a dialect.Tx over a database/sql transaction.
type Tx struct {
	Conn
	driver.Tx
}

// ExecQuerier is implemented by *sql.DB and *sql.Tx.
type ExecQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Conn adapts an ExecQuerier to dialect.ExecQuerier.
type Conn struct {
	ExecQuerier
}

// StatementError wraps a driver error with the statement that caused it.
type StatementError struct {
	Op    string // "exec" or "query"
	Query string
	Err   error
}

// Error implements the error interface.
func (e *StatementError) Error() string {
	return fmt.Sprintf("sql: %s: %v", e.Op, e.Err)
}

// Unwrap returns the driver error.
func (e *StatementError) Unwrap() error { return e.Err }

func argv(args any) ([]any, error) {
	a, ok := args.([]any)
	if !ok {
		return nil, fmt.Errorf("sql: args must be []any, got %T", args)
	}
	return a, nil
}

// Exec implements dialect.ExecQuerier. v is nil or a *Result.
func (c Conn) Exec(ctx context.Context, query string, args, v any) error {
	a, err := argv(args)
	if err != nil {
		return err
	}
	res, ok := v.(*Result)
	if v != nil && !ok {
		return fmt.Errorf("sql: exec result must be *sql.Result, got %T", v)
	}
	r, err := c.ExecContext(ctx, query, a...)
	if err != nil {
		return &StatementError{Op: "exec", Query: query, Err: err}
	}
	if res != nil {
		*res = r
	}
	return nil
}

// Query implements dialect.ExecQuerier. v must be a *Rows.
func (c Conn) Query(ctx context.Context, query string, args, v any) error {
	rows, ok := v.(*Rows)
	if !ok {
		return fmt.Errorf("sql: query rows must be *sql.Rows, got %T", v)
	}
	a, err := argv(args)
	if err != nil {
		return err
	}
	r, err := c.QueryContext(ctx, query, a...)
	if err != nil {
		return &StatementError{Op: "query", Query: query, Err: err}
	}
	*rows = Rows{r}
	return nil
}

var _ dialect.Driver = (*Driver)(nil)

type (
	// Rows holds the result set of a Query.
	Rows struct{ ColumnScanner }
	// Result is an alias to sql.Result.
	Result = sql.Result
	// TxOptions is an alias to sql.TxOptions.
	TxOptions = sql.TxOptions
)

// ColumnScanner is the subset of *sql.Rows used to read results.
type ColumnScanner interface {
	Close() error
	ColumnTypes() ([]*sql.ColumnType, error)
	Columns() ([]string, error)
	Err() error
	Next() bool
	NextResultSet() bool
	Scan(dest ...any) error
}

// ScanMaps reads all remaining rows as column maps and closes the rows.
// Byte slices of text columns are returned as they are.
func ScanMaps(rows ColumnScanner) (_ []map[string]any, rerr error) {
	defer func() { rerr = errors.Join(rerr, rows.Close()) }()
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		m := make(map[string]any, len(cols))
		for i, c := range cols {
			m[c] = vals[i]
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
