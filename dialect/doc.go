// Package dialect defines the database driver abstraction used by the SQL
// backend and the table-backed key generator.
//
// # Supported Dialects
//
//   - Postgres: PostgreSQL, through github.com/lib/pq ("postgres") or
//     github.com/jackc/pgx/v5/stdlib ("pgx")
//   - MySQL: MySQL/MariaDB, through github.com/go-sql-driver/mysql
//   - SQLite: SQLite, through modernc.org/sqlite
//
// # Driver Interface
//
//	type Driver interface {
//	    ExecQuerier
//	    Tx(ctx context.Context) (Tx, error)
//	    Close() error
//	    Dialect() string
//	}
//
// Exec and Query take their arguments as []any and write their result into
// v: a *sql.Result for Exec (or nil), a *sql.Rows for Query.
//
// # Usage
//
//	import (
//	    _ "modernc.org/sqlite"
//
//	    "github.com/syssam/persist/dialect"
//	    "github.com/syssam/persist/dialect/sql"
//	    "github.com/syssam/persist/dialect/sql/sqlgraph"
//	)
//
//	drv, err := sql.Open(dialect.SQLite, "file:gallery.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer drv.Close()
//	backend := sqlgraph.NewBackend(drv)
package dialect
