package sqlgraph

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"github.com/syssam/persist"
	"github.com/syssam/persist/object"
)

// ConstraintError is returned by the Backend when the database rejects a
// statement of a batch with a constraint violation.
type ConstraintError struct {
	Kind  persist.ConstraintKind
	Table string
	// ID identifies the row of the batch the statement was written for.
	ID object.ID
	// Columns are the columns the failing statement wrote, or qualified on
	// for a DELETE.
	Columns []string
	// Constraint is the constraint or column reported by the database, when
	// the driver exposes it.
	Constraint string
	Err        error
}

// Error implements the error interface.
func (e *ConstraintError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "sqlgraph: %s constraint violated on %s", e.Kind, e.Table)
	if !e.ID.IsZero() {
		fmt.Fprintf(&b, " for %v", e.ID)
	}
	if e.Constraint != "" {
		fmt.Fprintf(&b, " (%s)", e.Constraint)
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	return b.String()
}

// Unwrap returns the driver error.
func (e *ConstraintError) Unwrap() error { return e.Err }

// ConstraintKind lets persist.CommitError report the kind without depending
// on this package.
func (e *ConstraintError) ConstraintKind() persist.ConstraintKind { return e.Kind }

// Postgres SQLSTATE codes of class 23.
var pgKinds = map[string]persist.ConstraintKind{
	"23502": persist.ConstraintNotNull,
	"23503": persist.ConstraintForeignKey,
	"23505": persist.ConstraintUnique,
	"23514": persist.ConstraintCheck,
}

var mysqlKinds = map[uint16]persist.ConstraintKind{
	1048: persist.ConstraintNotNull,    // column cannot be null
	1062: persist.ConstraintUnique,     // duplicate entry
	1451: persist.ConstraintForeignKey, // parent row is referenced
	1452: persist.ConstraintForeignKey, // parent row is missing
	3819: persist.ConstraintCheck,
}

// SQLite extended result codes of SQLITE_CONSTRAINT.
var sqliteKinds = map[int]persist.ConstraintKind{
	275:  persist.ConstraintCheck,
	787:  persist.ConstraintForeignKey,
	1299: persist.ConstraintNotNull,
	1555: persist.ConstraintUnique, // primary key
	2067: persist.ConstraintUnique,
}

// Message fragments for drivers whose errors carry no code.
var messageKinds = []struct {
	text string
	kind persist.ConstraintKind
}{
	{"UNIQUE constraint failed", persist.ConstraintUnique},
	{"FOREIGN KEY constraint failed", persist.ConstraintForeignKey},
	{"CHECK constraint failed", persist.ConstraintCheck},
	{"NOT NULL constraint failed", persist.ConstraintNotNull},
	{"violates unique constraint", persist.ConstraintUnique},
	{"violates foreign key constraint", persist.ConstraintForeignKey},
	{"violates check constraint", persist.ConstraintCheck},
	{"violates not-null constraint", persist.ConstraintNotNull},
	{"Error 1062", persist.ConstraintUnique},
	{"Error 1451", persist.ConstraintForeignKey},
	{"Error 1452", persist.ConstraintForeignKey},
	{"Error 3819", persist.ConstraintCheck},
}

// Classify returns the kind of constraint violation err reports and the
// constraint the database named, if any.
func Classify(err error) (persist.ConstraintKind, string) {
	if err == nil {
		return persist.ConstraintNone, ""
	}
	var ce *ConstraintError
	if errors.As(err, &ce) {
		return ce.Kind, ce.Constraint
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pgKinds[string(pqErr.Code)], firstOf(pqErr.Constraint, pqErr.Column)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgKinds[pgErr.Code], firstOf(pgErr.ConstraintName, pgErr.ColumnName)
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return mysqlKinds[myErr.Number], ""
	}
	var liteErr interface{ Code() int }
	if errors.As(err, &liteErr) {
		if k, ok := sqliteKinds[liteErr.Code()]; ok {
			return k, failedOn(err.Error())
		}
	}
	msg := err.Error()
	for _, m := range messageKinds {
		if strings.Contains(msg, m.text) {
			return m.kind, failedOn(msg)
		}
	}
	return persist.ConstraintNone, ""
}

// failedOn extracts "artist.name" from SQLite's "UNIQUE constraint failed:
// artist.name" messages.
func failedOn(msg string) string {
	_, after, ok := strings.Cut(msg, "constraint failed: ")
	if !ok {
		return ""
	}
	if i := strings.IndexAny(after, " ("); i >= 0 {
		after = after[:i]
	}
	return after
}

func firstOf(s ...string) string {
	for _, v := range s {
		if v != "" {
			return v
		}
	}
	return ""
}

// IsConstraintError reports whether err is a constraint violation.
func IsConstraintError(err error) bool {
	k, _ := Classify(err)
	return k != persist.ConstraintNone
}

// IsUniqueConstraintError reports whether err is a uniqueness violation.
func IsUniqueConstraintError(err error) bool {
	k, _ := Classify(err)
	return k == persist.ConstraintUnique
}

// IsForeignKeyConstraintError reports whether err is a foreign key violation.
func IsForeignKeyConstraintError(err error) bool {
	k, _ := Classify(err)
	return k == persist.ConstraintForeignKey
}

// IsCheckConstraintError reports whether err is a check constraint violation.
func IsCheckConstraintError(err error) bool {
	k, _ := Classify(err)
	return k == persist.ConstraintCheck
}

// IsNotNullConstraintError reports whether err is a NOT NULL violation.
func IsNotNullConstraintError(err error) bool {
	k, _ := Classify(err)
	return k == persist.ConstraintNotNull
}
