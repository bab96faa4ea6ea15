package object

import (
	"strings"

	"github.com/google/uuid"
)

// Key is the canonical, comparable form of an ID. Two IDs are equal
// if and only if their keys are equal.
type Key string

// ID is the identity of a persistent object: the entity name plus either
// the ordered primary key values of a committed row, or a temporary token
// for an object that was not inserted yet. IDs are immutable values.
type ID struct {
	entity string
	token  string
	cols   []string
	vals   []any
	key    Key
}

// NewID returns a permanent identity for the given primary key columns and values.
// It panics if the column and value counts differ, which is a programming error.
func NewID(entity string, cols []string, vals []any) ID {
	if len(cols) != len(vals) {
		panic("object: primary key columns and values mismatch")
	}
	id := ID{
		entity: entity,
		cols:   append([]string(nil), cols...),
		vals:   make([]any, len(vals)),
	}
	var sb strings.Builder
	sb.WriteString(entity)
	sb.WriteByte('{')
	for i, v := range vals {
		id.vals[i] = Normalize(v)
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(cols[i])
		sb.WriteByte('=')
		sb.WriteString(encodeValue(v))
	}
	sb.WriteByte('}')
	id.key = Key(sb.String())
	return id
}

// SingleID returns a permanent identity with a single primary key column.
func SingleID(entity, col string, v any) ID {
	return NewID(entity, []string{col}, []any{v})
}

// NewTemporaryID returns a temporary identity with a random token.
func NewTemporaryID(entity string) ID {
	return TemporaryID(entity, uuid.NewString())
}

// TemporaryID returns a temporary identity with the given token.
func TemporaryID(entity, token string) ID {
	return ID{
		entity: entity,
		token:  token,
		key:    Key(entity + "~" + token),
	}
}

// Entity returns the entity name.
func (id ID) Entity() string { return id.entity }

// IsZero reports whether id is the zero value.
func (id ID) IsZero() bool { return id.key == "" }

// IsTemporary reports whether id is a temporary identity.
func (id ID) IsTemporary() bool { return id.token != "" }

// Token returns the temporary token, or an empty string for permanent identities.
func (id ID) Token() string { return id.token }

// Key returns the canonical key.
func (id ID) Key() Key { return id.key }

// String implements fmt.Stringer.
func (id ID) String() string { return string(id.key) }

// Columns returns the primary key columns in order.
func (id ID) Columns() []string { return append([]string(nil), id.cols...) }

// Value returns the value of the given primary key column.
func (id ID) Value(col string) (any, bool) {
	for i, c := range id.cols {
		if c == col {
			return id.vals[i], true
		}
	}
	return nil, false
}

// Values returns the primary key as a column map.
func (id ID) Values() map[string]any {
	m := make(map[string]any, len(id.cols))
	for i, c := range id.cols {
		m[c] = id.vals[i]
	}
	return m
}

// Equal reports whether both identities are the same.
func (id ID) Equal(other ID) bool { return id.key == other.key }
