package persist

import "context"

// Op represents the write operation a dirty object turns into at flush time.
type Op uint

// Operation types.
const (
	OpInsert Op = 1 << iota // a new object becomes an INSERT.
	OpUpdate                // a modified object becomes an UPDATE.
	OpDelete                // a deleted object becomes a DELETE.
)

// Is reports whether o matches the given operation.
func (i Op) Is(o Op) bool { return i&o != 0 }

// String returns the operation name.
func (i Op) String() string {
	switch i {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Mutation describes one pending object change as seen by policies and hooks.
type Mutation interface {
	// Entity returns the name of the mapped entity.
	Entity() string
	// Op returns the operation the change will produce.
	Op() Op
	// ID returns the object identity.
	ID() any
	// Object returns the domain object.
	Object() any
	// Field returns the loaded value of an attribute of the object.
	Field(name string) (any, bool)
}

// Hook is called for every mutation before the flush performs any I/O.
// Returning an error aborts the flush.
type Hook func(context.Context, Mutation) error
