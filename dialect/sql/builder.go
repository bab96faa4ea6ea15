package sql

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/syssam/persist/dialect"
)

// identRe matches table and column names, optionally schema qualified.
var identRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_.]*$`)

// ValidIdentifier reports whether s can be used as a table or column name.
func ValidIdentifier(s string) bool {
	return s != "" && len(s) <= 128 && identRe.MatchString(s)
}

// Builder is the low-level statement builder: it writes quoted identifiers
// and placeholders for one dialect and collects the arguments.
type Builder struct {
	sb      strings.Builder
	args    []any
	dialect string
}

// Quote quotes the identifier for the dialect of the builder.
func (b *Builder) Quote(ident string) string {
	if b.dialect == dialect.MySQL {
		return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
	}
	return strconv.Quote(ident)
}

// Ident writes a quoted identifier.
func (b *Builder) Ident(ident string) *Builder {
	b.sb.WriteString(b.Quote(ident))
	return b
}

// WriteString writes raw SQL.
func (b *Builder) WriteString(s string) *Builder {
	b.sb.WriteString(s)
	return b
}

// Arg writes a placeholder and records its argument.
func (b *Builder) Arg(v any) *Builder {
	b.args = append(b.args, v)
	if b.dialect == dialect.Postgres {
		b.sb.WriteByte('$')
		b.sb.WriteString(strconv.Itoa(len(b.args)))
	} else {
		b.sb.WriteByte('?')
	}
	return b
}

// Query returns the statement and its arguments.
func (b *Builder) Query() (string, []any) {
	return b.sb.String(), b.args
}

// Predicate is a condition of a WHERE clause.
type Predicate func(*Builder)

// EQ returns the predicate "col = v".
func EQ(col string, v any) Predicate {
	return func(b *Builder) { b.Ident(col).WriteString(" = ").Arg(v) }
}

// IsNull returns the predicate "col IS NULL".
func IsNull(col string) Predicate {
	return func(b *Builder) { b.Ident(col).WriteString(" IS NULL") }
}

// And joins predicates with AND.
func And(ps ...Predicate) Predicate {
	return func(b *Builder) {
		for i, p := range ps {
			if i > 0 {
				b.WriteString(" AND ")
			}
			p(b)
		}
	}
}

// DialectBuilder creates builders for one dialect.
type DialectBuilder struct {
	dialect string
}

// Dialect returns a DialectBuilder for the dialect (or driver name).
func Dialect(name string) *DialectBuilder {
	return &DialectBuilder{dialect: dialect.Of(name)}
}

// Insert returns an InsertBuilder for the table.
func (d *DialectBuilder) Insert(table string) *InsertBuilder {
	return &InsertBuilder{dialect: d.dialect, table: table}
}

// Update returns an UpdateBuilder for the table.
func (d *DialectBuilder) Update(table string) *UpdateBuilder {
	return &UpdateBuilder{dialect: d.dialect, table: table}
}

// Delete returns a DeleteBuilder for the table.
func (d *DialectBuilder) Delete(table string) *DeleteBuilder {
	return &DeleteBuilder{dialect: d.dialect, table: table}
}

// Select returns a Selector for the columns.
func (d *DialectBuilder) Select(columns ...string) *Selector {
	return &Selector{dialect: d.dialect, columns: columns}
}

// InsertBuilder builds INSERT statements.
type InsertBuilder struct {
	dialect   string
	table     string
	columns   []string
	values    [][]any
	returning []string
}

// Columns sets the inserted columns.
func (i *InsertBuilder) Columns(columns ...string) *InsertBuilder {
	i.columns = columns
	return i
}

// Values appends one row of values, matching Columns.
func (i *InsertBuilder) Values(values ...any) *InsertBuilder {
	i.values = append(i.values, values)
	return i
}

// Default inserts a row of default values.
func (i *InsertBuilder) Default() *InsertBuilder {
	i.columns, i.values = nil, nil
	return i
}

// Returning sets the RETURNING clause. It is only rendered for Postgres.
func (i *InsertBuilder) Returning(columns ...string) *InsertBuilder {
	i.returning = columns
	return i
}

// Query returns the statement and its arguments.
func (i *InsertBuilder) Query() (string, []any) {
	b := &Builder{dialect: i.dialect}
	b.WriteString("INSERT INTO ").Ident(i.table)
	switch {
	case len(i.columns) == 0 && i.dialect == dialect.MySQL:
		b.WriteString(" () VALUES ()")
	case len(i.columns) == 0:
		b.WriteString(" DEFAULT VALUES")
	default:
		b.WriteString(" (")
		for j, c := range i.columns {
			if j > 0 {
				b.WriteString(", ")
			}
			b.Ident(c)
		}
		b.WriteString(") VALUES ")
		for r, row := range i.values {
			if r > 0 {
				b.WriteString(", ")
			}
			b.WriteString("(")
			for j, v := range row {
				if j > 0 {
					b.WriteString(", ")
				}
				b.Arg(v)
			}
			b.WriteString(")")
		}
	}
	if len(i.returning) > 0 && i.dialect == dialect.Postgres {
		b.WriteString(" RETURNING ")
		for j, c := range i.returning {
			if j > 0 {
				b.WriteString(", ")
			}
			b.Ident(c)
		}
	}
	return b.Query()
}

// UpdateBuilder builds UPDATE statements.
type UpdateBuilder struct {
	dialect string
	table   string
	columns []string
	values  []any
	where   Predicate
}

// Set adds a column assignment.
func (u *UpdateBuilder) Set(column string, v any) *UpdateBuilder {
	u.columns = append(u.columns, column)
	u.values = append(u.values, v)
	return u
}

// Where sets the WHERE clause.
func (u *UpdateBuilder) Where(p Predicate) *UpdateBuilder {
	u.where = p
	return u
}

// Query returns the statement and its arguments.
func (u *UpdateBuilder) Query() (string, []any) {
	b := &Builder{dialect: u.dialect}
	b.WriteString("UPDATE ").Ident(u.table).WriteString(" SET ")
	for i, c := range u.columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.Ident(c).WriteString(" = ").Arg(u.values[i])
	}
	if u.where != nil {
		b.WriteString(" WHERE ")
		u.where(b)
	}
	return b.Query()
}

// DeleteBuilder builds DELETE statements.
type DeleteBuilder struct {
	dialect string
	table   string
	where   Predicate
}

// Where sets the WHERE clause.
func (d *DeleteBuilder) Where(p Predicate) *DeleteBuilder {
	d.where = p
	return d
}

// Query returns the statement and its arguments.
func (d *DeleteBuilder) Query() (string, []any) {
	b := &Builder{dialect: d.dialect}
	b.WriteString("DELETE FROM ").Ident(d.table)
	if d.where != nil {
		b.WriteString(" WHERE ")
		d.where(b)
	}
	return b.Query()
}

// Selector builds simple SELECT statements.
type Selector struct {
	dialect string
	columns []string
	table   string
	where   Predicate
	forUpd  bool
}

// From sets the table.
func (s *Selector) From(table string) *Selector {
	s.table = table
	return s
}

// Where sets the WHERE clause.
func (s *Selector) Where(p Predicate) *Selector {
	s.where = p
	return s
}

// ForUpdate appends FOR UPDATE, except on SQLite which locks the database instead.
func (s *Selector) ForUpdate() *Selector {
	s.forUpd = true
	return s
}

// Query returns the statement and its arguments.
func (s *Selector) Query() (string, []any) {
	b := &Builder{dialect: s.dialect}
	b.WriteString("SELECT ")
	if len(s.columns) == 0 {
		b.WriteString("*")
	}
	for i, c := range s.columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.Ident(c)
	}
	b.WriteString(" FROM ").Ident(s.table)
	if s.where != nil {
		b.WriteString(" WHERE ")
		s.where(b)
	}
	if s.forUpd && s.dialect != dialect.SQLite {
		b.WriteString(" FOR UPDATE")
	}
	return b.Query()
}
