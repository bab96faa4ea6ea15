package dialect

import (
	"context"
	"strings"
)

// Dialect names.
const (
	MySQL    = "mysql"
	SQLite   = "sqlite"
	Postgres = "postgres"
)

// ExecQuerier wraps the two database operations.
type ExecQuerier interface {
	// Exec executes a statement that returns no rows. v is nil or a *sql.Result.
	Exec(ctx context.Context, query string, args, v any) error
	// Query executes a query returning rows into v, a *sql.Rows.
	Query(ctx context.Context, query string, args, v any) error
}

// Driver is the interface that wraps all necessary operations for a backend.
type Driver interface {
	ExecQuerier
	// Tx starts and returns a new transaction.
	Tx(ctx context.Context) (Tx, error)
	// Close closes the underlying connection.
	Close() error
	// Dialect returns the dialect name of the driver.
	Dialect() string
}

// Tx wraps the Exec and Query operations in transaction.
type Tx interface {
	ExecQuerier
	Commit() error
	Rollback() error
}

// Of returns the dialect of a database/sql driver name, or the name itself
// if it is unknown.
func Of(driverName string) string {
	switch {
	case strings.HasPrefix(driverName, "pgx"), strings.HasPrefix(driverName, Postgres):
		return Postgres
	case strings.HasPrefix(driverName, MySQL):
		return MySQL
	case strings.HasPrefix(driverName, SQLite):
		return SQLite
	default:
		return driverName
	}
}

// NopTx returns a Tx with nop Commit and Rollback, used to run code that
// expects a transaction directly on a driver.
func NopTx(d Driver) Tx {
	return nopTx{d}
}

type nopTx struct {
	Driver
}

func (nopTx) Commit() error   { return nil }
func (nopTx) Rollback() error { return nil }
