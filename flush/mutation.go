package flush

import "github.com/syssam/persist"

// mutation exposes a pending change to policies and hooks.
type mutation struct {
	o *op
}

// Entity implements persist.Mutation.
func (m *mutation) Entity() string { return m.o.Entity.Name }

// Op implements persist.Mutation.
func (m *mutation) Op() persist.Op { return m.o.kind }

// ID implements persist.Mutation.
func (m *mutation) ID() any { return m.o.ID }

// Object implements persist.Mutation.
func (m *mutation) Object() any { return m.o.Object }

// Field returns the loaded value of a property of the object. Properties
// of deleted objects are read from their previous committed row.
func (m *mutation) Field(name string) (any, bool) {
	e := m.o.Entity
	slot, err := e.Accessor.Read(m.o.Object, name)
	if err == nil && slot.IsLoaded() {
		return slot.Value(), true
	}
	if a, ok := e.Attribute(name); ok {
		return m.o.Previous.Get(a.Column)
	}
	return nil, false
}

var _ persist.Mutation = (*mutation)(nil)
