// Package batch defines the statements a flush sends to a backend: batches
// of same-shaped INSERT, UPDATE or DELETE rows executed inside one
// transaction.
package batch

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/syssam/persist"
	"github.com/syssam/persist/object"
)

// Shape is the statement shape shared by all rows of a batch.
type Shape struct {
	// Columns are the inserted or updated columns.
	Columns []string
	// Qualifier columns are compared with "=" in the WHERE clause.
	Qualifier []string
	// NullQualifier columns are compared with "IS NULL" in the WHERE clause.
	NullQualifier []string
}

// Key returns a string identifying the shape, used to group rows.
func (s Shape) Key() string {
	return strings.Join(s.Columns, ",") + "|" + strings.Join(s.Qualifier, ",") + "|" + strings.Join(s.NullQualifier, ",")
}

// Describe renders the shape for error messages, e.g. "UPDATE painting SET (title) WHERE (id)".
func (s Shape) Describe(op persist.Op, table string) string {
	var sb strings.Builder
	switch op {
	case persist.OpInsert:
		fmt.Fprintf(&sb, "INSERT INTO %s (%s)", table, strings.Join(s.Columns, ", "))
	case persist.OpUpdate:
		fmt.Fprintf(&sb, "UPDATE %s SET (%s)", table, strings.Join(s.Columns, ", "))
	case persist.OpDelete:
		fmt.Fprintf(&sb, "DELETE FROM %s", table)
	}
	if len(s.Qualifier)+len(s.NullQualifier) > 0 {
		where := slices.Clone(s.Qualifier)
		for _, c := range s.NullQualifier {
			where = append(where, c+" IS NULL")
		}
		fmt.Fprintf(&sb, " WHERE (%s)", strings.Join(where, ", "))
	}
	return sb.String()
}

// Row is one statement row of a batch.
type Row struct {
	// ID is the identity of the object the row belongs to. Join table rows
	// carry the identity of the relationship source.
	ID object.ID
	// Values holds the inserted or updated column values. Values may hold
	// *object.Deferred placeholders until the batch is resolved.
	Values *object.Row
	// Qualifier holds the values of the shape qualifier columns.
	Qualifier *object.Row
}

// Batch is a group of rows sharing table, operation and shape.
type Batch struct {
	// Entity is the mapped entity, empty for join table batches.
	Entity string
	Table  string
	Op     persist.Op
	Shape  Shape
	Rows   []*Row
	// OptimisticLocking makes a row affecting zero rows a lock failure.
	OptimisticLocking bool
	// Generated lists the columns the database generates on insert; their
	// values are returned in Result.Generated.
	Generated []string
}

// Describe returns the rendered shape of the batch.
func (b *Batch) Describe() string {
	return b.Shape.Describe(b.Op, b.Table)
}

// String implements fmt.Stringer.
func (b *Batch) String() string {
	return fmt.Sprintf("%s [%d row(s)]", b.Describe(), len(b.Rows))
}

// Result is the outcome of one executed batch, indexed like Batch.Rows.
type Result struct {
	// Affected holds the affected row count of each row statement.
	Affected []int64
	// Generated holds the generated column values of each inserted row.
	Generated []map[string]any
}

// Backend starts transactions.
type Backend interface {
	Begin(ctx context.Context) (Transaction, error)
}

// Transaction executes batches. Either Commit or Rollback must be called.
type Transaction interface {
	Exec(ctx context.Context, b *Batch) (*Result, error)
	Commit() error
	Rollback() error
}
