package object

import (
	"fmt"
	"iter"
	"strings"
)

// Row is an ordered mapping from column name to value. A nil value is an
// explicit SQL NULL; a column that is not present is unknown. Rows stored in
// a snapshot cache are frozen and must not be modified.
type Row struct {
	cols    []string
	vals    map[string]any
	version uint64
	// replaces is the version this row replaced, 0 for the first version.
	replaces uint64
	frozen   bool
}

// NewRow returns an empty row.
func NewRow() *Row {
	return &Row{vals: make(map[string]any)}
}

// RowOf builds a row from alternating column/value pairs.
func RowOf(kv ...any) *Row {
	if len(kv)%2 != 0 {
		panic("object: RowOf expects column/value pairs")
	}
	r := NewRow()
	for i := 0; i < len(kv); i += 2 {
		r.Set(kv[i].(string), kv[i+1])
	}
	return r
}

// Set sets the column value, appending the column if it is not present.
func (r *Row) Set(col string, v any) {
	if r.frozen {
		panic("object: modification of a frozen row")
	}
	if _, ok := r.vals[col]; !ok {
		r.cols = append(r.cols, col)
	}
	r.vals[col] = Normalize(v)
}

// SetIfAbsent sets the column value only if the column is not present.
func (r *Row) SetIfAbsent(col string, v any) bool {
	if r.Has(col) {
		return false
	}
	r.Set(col, v)
	return true
}

// Delete removes the column.
func (r *Row) Delete(col string) {
	if r.frozen {
		panic("object: modification of a frozen row")
	}
	if _, ok := r.vals[col]; !ok {
		return
	}
	delete(r.vals, col)
	for i, c := range r.cols {
		if c == col {
			r.cols = append(r.cols[:i:i], r.cols[i+1:]...)
			break
		}
	}
}

// Get returns the column value and whether the column is present.
func (r *Row) Get(col string) (any, bool) {
	if r == nil {
		return nil, false
	}
	v, ok := r.vals[col]
	return v, ok
}

// Has reports whether the column is present, including explicit nulls.
func (r *Row) Has(col string) bool {
	_, ok := r.Get(col)
	return ok
}

// Len returns the number of columns.
func (r *Row) Len() int {
	if r == nil {
		return 0
	}
	return len(r.cols)
}

// Columns returns the columns in insertion order.
func (r *Row) Columns() []string {
	if r == nil {
		return nil
	}
	return append([]string(nil), r.cols...)
}

// All iterates over columns and values in insertion order.
func (r *Row) All() iter.Seq2[string, any] {
	return func(yield func(string, any) bool) {
		if r == nil {
			return
		}
		for _, c := range r.cols {
			if !yield(c, r.vals[c]) {
				return
			}
		}
	}
}

// Map returns a copy of the row as a plain map.
func (r *Row) Map() map[string]any {
	m := make(map[string]any, r.Len())
	for c, v := range r.All() {
		m[c] = v
	}
	return m
}

// Version returns the cache version of the row, 0 if it was never stored.
func (r *Row) Version() uint64 {
	if r == nil {
		return 0
	}
	return r.version
}

// ReplacesVersion returns the version this row replaced.
func (r *Row) ReplacesVersion() uint64 {
	if r == nil {
		return 0
	}
	return r.replaces
}

// Frozen reports whether the row was stored and became immutable.
func (r *Row) Frozen() bool { return r != nil && r.frozen }

// Clone returns an unfrozen copy of the row without version information.
func (r *Row) Clone() *Row {
	c := &Row{cols: make([]string, 0, r.Len()), vals: make(map[string]any, r.Len())}
	for col, v := range r.All() {
		c.cols = append(c.cols, col)
		c.vals[col] = v
	}
	return c
}

// Stamp returns a frozen copy of the row carrying the given versions.
func (r *Row) Stamp(version, replaces uint64) *Row {
	c := r.Clone()
	c.version, c.replaces, c.frozen = version, replaces, true
	return c
}

// Merge returns an unfrozen copy of r with all columns of other applied over it.
func (r *Row) Merge(other *Row) *Row {
	c := r.Clone()
	for col, v := range other.All() {
		c.Set(col, v)
	}
	return c
}

// Equal reports whether both rows have the same columns and values,
// regardless of column order and versions.
func (r *Row) Equal(other *Row) bool {
	if r.Len() != other.Len() {
		return false
	}
	for c, v := range r.All() {
		ov, ok := other.Get(c)
		if !ok || !Equal(v, ov) {
			return false
		}
	}
	return true
}

// HasDeferred reports whether any value of the row is a deferred placeholder.
func (r *Row) HasDeferred() bool {
	for _, v := range r.All() {
		if _, ok := v.(*Deferred); ok {
			return true
		}
	}
	return false
}

// String implements fmt.Stringer.
func (r *Row) String() string {
	var sb strings.Builder
	sb.WriteByte('{')
	i := 0
	for c, v := range r.All() {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s: %v", c, v)
		i++
	}
	sb.WriteByte('}')
	if v := r.Version(); v > 0 {
		fmt.Fprintf(&sb, "@%d", v)
	}
	return sb.String()
}
