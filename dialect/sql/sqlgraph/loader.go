package sqlgraph

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/syssam/persist"
	"github.com/syssam/persist/dialect"
	"github.com/syssam/persist/dialect/sql"
	"github.com/syssam/persist/object"
	"github.com/syssam/persist/schema"
)

// Loader reads committed rows by primary key.
type Loader struct {
	drv     dialect.ExecQuerier
	builder *sql.DialectBuilder
}

// NewLoader returns a Loader reading through drv.
func NewLoader(drv dialect.Driver) *Loader {
	return &Loader{drv: drv, builder: sql.Dialect(drv.Dialect())}
}

// Columns returns the columns of the entity table known to the mapping:
// primary key, attribute and foreign key columns, in that order.
func Columns(e *schema.Entity) []string {
	cols := slices.Clone(e.PrimaryKey)
	add := func(c string) {
		if !slices.Contains(cols, c) {
			cols = append(cols, c)
		}
	}
	for _, a := range e.Attributes {
		add(a.Column)
	}
	for _, r := range e.ForeignKeys() {
		for _, c := range r.SourceColumns() {
			add(c)
		}
	}
	return cols
}

// LoadRow returns the committed row of the object, or a *persist.NotFoundError.
func (l *Loader) LoadRow(ctx context.Context, e *schema.Entity, id object.ID) (*object.Row, error) {
	if id.IsTemporary() {
		return nil, persist.NewTemporaryIdentityError(e.Name, "", id)
	}
	cols := Columns(e)
	ps := make([]sql.Predicate, 0, len(e.PrimaryKey))
	for _, c := range e.PrimaryKey {
		v, ok := id.Value(c)
		if !ok {
			return nil, fmt.Errorf("sqlgraph: identity %v lacks primary key column %q", id, c)
		}
		ps = append(ps, sql.EQ(c, v))
	}
	rows, err := l.query(ctx, l.builder.Select(cols...).From(e.Table).Where(sql.And(ps...)), cols)
	if err != nil {
		return nil, fmt.Errorf("sqlgraph: load %v: %w", id, err)
	}
	if len(rows) == 0 {
		return nil, persist.NewNotFoundError(e.Name, id)
	}
	return rows[0], nil
}

// LoadDependents returns the identities of the committed objects reached
// from id through the to-many relationship r, reading the target table or,
// for flattened relationships, the join table. It implements
// store.DependentLoader.
func (l *Loader) LoadDependents(ctx context.Context, r *schema.Relationship, id object.ID) ([]object.ID, error) {
	if id.IsTemporary() {
		return nil, nil
	}
	ps := make([]sql.Predicate, 0, len(r.Joins))
	for _, j := range r.Joins {
		v, ok := id.Value(j.Source)
		if !ok {
			return nil, fmt.Errorf("sqlgraph: %s.%s: join column %q is not a key column of %v", r.SourceEntity().Name, r.Name, j.Source, id)
		}
		ps = append(ps, sql.EQ(j.Target, v))
	}
	target := r.TargetEntity()
	// keyCols maps the target primary key to the columns holding it.
	table, keyCols := target.Table, target.PrimaryKey
	if r.IsFlattened() {
		table, keyCols = r.JoinTable, make([]string, len(target.PrimaryKey))
		for i, pk := range target.PrimaryKey {
			j := slices.IndexFunc(r.TargetJoins, func(j schema.Join) bool { return j.Target == pk })
			if j < 0 {
				return nil, fmt.Errorf("sqlgraph: %s.%s: no join column for %s.%s", r.SourceEntity().Name, r.Name, target.Name, pk)
			}
			keyCols[i] = r.TargetJoins[j].Source
		}
	}
	rows, err := l.query(ctx, l.builder.Select(keyCols...).From(table).Where(sql.And(ps...)), keyCols)
	if err != nil {
		return nil, fmt.Errorf("sqlgraph: load %s.%s of %v: %w", r.SourceEntity().Name, r.Name, id, err)
	}
	ids := make([]object.ID, len(rows))
	for i, row := range rows {
		vals := make([]any, len(keyCols))
		for k, c := range keyCols {
			vals[k], _ = row.Get(c)
		}
		ids[i] = object.NewID(target.Name, target.PrimaryKey, vals)
	}
	return ids, nil
}

// query runs the selection and returns its rows restricted to cols.
func (l *Loader) query(ctx context.Context, sel *sql.Selector, cols []string) ([]*object.Row, error) {
	query, args := sel.Query()
	rows := &sql.Rows{}
	if err := l.drv.Query(ctx, query, args, rows); err != nil {
		return nil, err
	}
	text, err := textColumns(rows)
	if err != nil {
		_ = rows.Close()
		return nil, err
	}
	maps, err := sql.ScanMaps(rows)
	if err != nil {
		return nil, err
	}
	out := make([]*object.Row, len(maps))
	for i, m := range maps {
		row := object.NewRow()
		for _, c := range cols {
			v := m[c]
			if b, ok := v.([]byte); ok && text[c] {
				v = string(b)
			}
			row.Set(c, v)
		}
		out[i] = row
	}
	return out, nil
}

// textColumns reports the columns holding character data, which some
// drivers return as []byte.
func textColumns(rows *sql.Rows) (map[string]bool, error) {
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}
	text := make(map[string]bool, len(types))
	for _, ct := range types {
		name := strings.ToUpper(ct.DatabaseTypeName())
		text[ct.Name()] = strings.Contains(name, "CHAR") || strings.Contains(name, "TEXT") || name == "JSON"
	}
	return text, nil
}
