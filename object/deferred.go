package object

import "fmt"

// Deferred is a placeholder for a column value that becomes known only
// after the target object was inserted and received its generated key.
type Deferred struct {
	// Target is the (temporary) identity of the object owning the key.
	Target ID
	// Column is the target primary key column to read.
	Column string
}

// Defer returns a placeholder for the column of the target object key.
func Defer(target ID, column string) *Deferred {
	return &Deferred{Target: target, Column: column}
}

// String implements fmt.Stringer.
func (d *Deferred) String() string {
	return fmt.Sprintf("deferred(%s.%s)", d.Target, d.Column)
}

// Resolve returns the value of the placeholder from the permanent
// identity of the target. It reports false if the key is not known.
func (d *Deferred) Resolve(permanent ID) (any, bool) {
	if permanent.IsZero() || permanent.IsTemporary() {
		return nil, false
	}
	return permanent.Value(d.Column)
}
