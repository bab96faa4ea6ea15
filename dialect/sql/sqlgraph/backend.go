// Package sqlgraph executes flush batches and loads committed rows through
// a dialect.Driver.
package sqlgraph

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/syssam/persist"
	"github.com/syssam/persist/batch"
	"github.com/syssam/persist/dialect"
	"github.com/syssam/persist/dialect/sql"
	"github.com/syssam/persist/object"
)

// Backend is a batch.Backend executing batches as SQL statements, one
// statement per row, inside a driver transaction.
type Backend struct {
	drv    dialect.Driver
	logger *slog.Logger
}

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets the logger used for statement failures.
func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) {
		b.logger = l
	}
}

// NewBackend returns a Backend executing statements with drv.
func NewBackend(drv dialect.Driver, opts ...Option) *Backend {
	b := &Backend{drv: drv, logger: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Driver returns the underlying driver.
func (b *Backend) Driver() dialect.Driver { return b.drv }

// Begin implements batch.Backend.
func (b *Backend) Begin(ctx context.Context) (batch.Transaction, error) {
	tx, err := b.drv.Tx(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlgraph: begin: %w", err)
	}
	return &txn{tx: tx, builder: sql.Dialect(b.drv.Dialect()), dialect: b.drv.Dialect(), logger: b.logger}, nil
}

type txn struct {
	tx      dialect.Tx
	builder *sql.DialectBuilder
	dialect string
	logger  *slog.Logger
}

// Exec implements batch.Transaction.
func (t *txn) Exec(ctx context.Context, b *batch.Batch) (*batch.Result, error) {
	if err := checkIdentifiers(b); err != nil {
		return nil, err
	}
	res := &batch.Result{Affected: make([]int64, len(b.Rows))}
	for i, r := range b.Rows {
		if r.Values.HasDeferred() {
			return nil, fmt.Errorf("sqlgraph: %s: row %d holds unresolved values", b.Describe(), i)
		}
		var (
			n   int64
			gen map[string]any
			err error
		)
		switch b.Op {
		case persist.OpInsert:
			gen, err = t.insert(ctx, b, r)
			n = 1
		case persist.OpUpdate:
			n, err = t.update(ctx, b, r)
		case persist.OpDelete:
			n, err = t.delete(ctx, b, r)
		default:
			err = fmt.Errorf("sqlgraph: unsupported operation %s", b.Op)
		}
		if err != nil {
			t.logger.WarnContext(ctx, "statement failed", "statement", b.Describe(), "id", r.ID.String(), "error", err)
			return nil, wrapConstraint(b, r, err)
		}
		res.Affected[i] = n
		if b.Op == persist.OpInsert {
			res.Generated = append(res.Generated, gen)
		}
	}
	return res, nil
}

func (t *txn) insert(ctx context.Context, b *batch.Batch, r *batch.Row) (map[string]any, error) {
	vals := make([]any, len(b.Shape.Columns))
	for i, c := range b.Shape.Columns {
		vals[i], _ = r.Values.Get(c)
	}
	query, args := t.builder.Insert(b.Table).Columns(b.Shape.Columns...).Values(vals...).Returning(b.Generated...).Query()
	if len(b.Generated) == 0 {
		return nil, t.tx.Exec(ctx, query, args, nil)
	}
	gen := make(map[string]any, len(b.Generated))
	if t.dialect == dialect.Postgres {
		rows := &sql.Rows{}
		if err := t.tx.Query(ctx, query, args, rows); err != nil {
			return nil, err
		}
		maps, err := sql.ScanMaps(rows)
		if err != nil {
			return nil, err
		}
		if len(maps) != 1 {
			return nil, fmt.Errorf("sqlgraph: insert into %s returned %d rows", b.Table, len(maps))
		}
		for _, c := range b.Generated {
			gen[c] = object.Normalize(maps[0][c])
		}
		return gen, nil
	}
	if len(b.Generated) > 1 {
		return nil, fmt.Errorf("sqlgraph: %s can not return %d generated columns", t.dialect, len(b.Generated))
	}
	var res sql.Result
	if err := t.tx.Exec(ctx, query, args, &res); err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("sqlgraph: last insert id: %w", err)
	}
	gen[b.Generated[0]] = id
	return gen, nil
}

func where(b *batch.Batch, r *batch.Row) sql.Predicate {
	ps := make([]sql.Predicate, 0, len(b.Shape.Qualifier)+len(b.Shape.NullQualifier))
	for _, c := range b.Shape.Qualifier {
		v, _ := r.Qualifier.Get(c)
		ps = append(ps, sql.EQ(c, v))
	}
	for _, c := range b.Shape.NullQualifier {
		ps = append(ps, sql.IsNull(c))
	}
	return sql.And(ps...)
}

func (t *txn) update(ctx context.Context, b *batch.Batch, r *batch.Row) (int64, error) {
	u := t.builder.Update(b.Table)
	for _, c := range b.Shape.Columns {
		v, _ := r.Values.Get(c)
		u.Set(c, v)
	}
	query, args := u.Where(where(b, r)).Query()
	return t.exec(ctx, query, args)
}

func (t *txn) delete(ctx context.Context, b *batch.Batch, r *batch.Row) (int64, error) {
	query, args := t.builder.Delete(b.Table).Where(where(b, r)).Query()
	return t.exec(ctx, query, args)
}

func (t *txn) exec(ctx context.Context, query string, args []any) (int64, error) {
	var res sql.Result
	if err := t.tx.Exec(ctx, query, args, &res); err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Commit implements batch.Transaction.
func (t *txn) Commit() error { return t.tx.Commit() }

// Rollback implements batch.Transaction.
func (t *txn) Rollback() error { return t.tx.Rollback() }

func checkIdentifiers(b *batch.Batch) error {
	names := append([]string{b.Table}, b.Shape.Columns...)
	names = append(names, b.Shape.Qualifier...)
	names = append(names, b.Shape.NullQualifier...)
	names = append(names, b.Generated...)
	for _, n := range names {
		if !sql.ValidIdentifier(n) {
			return fmt.Errorf("sqlgraph: invalid identifier %q in %s", n, b.Describe())
		}
	}
	return nil
}

func wrapConstraint(b *batch.Batch, r *batch.Row, err error) error {
	kind, name := Classify(err)
	if kind == persist.ConstraintNone {
		return err
	}
	cols := b.Shape.Columns
	if b.Op == persist.OpDelete {
		cols = b.Shape.Qualifier
	}
	return &ConstraintError{Kind: kind, Table: b.Table, ID: r.ID, Columns: cols, Constraint: name, Err: err}
}

var _ batch.Backend = (*Backend)(nil)
