package object

import (
	"fmt"
	"reflect"
	"sync"
)

// Accessor reads and writes the properties of the domain objects of one
// entity. It replaces reflection: each entity registers a small table of
// getters and setters, and the core never inspects objects directly.
//
// Attribute properties hold scalar values. To-one relationship properties
// hold the related object (or nil). To-many relationship properties hold
// a []any of related objects.
type Accessor interface {
	// New returns a new, empty domain object.
	New() any
	// Read returns the property slot of obj.
	Read(obj any, property string) (Slot, error)
	// Write replaces the property slot of obj.
	Write(obj any, property string, value Slot) error
}

// Record is a generic map-backed domain object, usable with RecordAccessor
// when no dedicated Go type exists for an entity.
type Record struct {
	entity string
	mu     sync.RWMutex
	props  map[string]Slot
}

// NewRecord returns an empty record of the given entity.
func NewRecord(entity string) *Record {
	return &Record{entity: entity, props: make(map[string]Slot)}
}

// Entity returns the entity name of the record.
func (r *Record) Entity() string { return r.entity }

// Get returns the loaded value of the property, or nil.
func (r *Record) Get(property string) any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.props[property].value
}

// Slot returns the property slot.
func (r *Record) Slot(property string) Slot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.props[property]
}

// String implements fmt.Stringer.
func (r *Record) String() string {
	return fmt.Sprintf("Record(%s)", r.entity)
}

func (r *Record) put(property string, s Slot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.props[property] = s
}

// RecordAccessor is the Accessor of *Record objects.
type RecordAccessor struct {
	Entity string
}

// New implements Accessor.
func (a RecordAccessor) New() any { return NewRecord(a.Entity) }

// Read implements Accessor.
func (a RecordAccessor) Read(obj any, property string) (Slot, error) {
	r, ok := obj.(*Record)
	if !ok {
		return Slot{}, fmt.Errorf("object: invalid type %T. expect *object.Record", obj)
	}
	return r.Slot(property), nil
}

// Write implements Accessor.
func (a RecordAccessor) Write(obj any, property string, value Slot) error {
	r, ok := obj.(*Record)
	if !ok {
		return fmt.Errorf("object: invalid type %T. expect *object.Record", obj)
	}
	r.put(property, value)
	return nil
}

// Property is the getter/setter pair of one property of T.
type Property[T any] struct {
	Get func(*T) Slot
	Set func(*T, Slot) error
}

// Field returns a Property for a plain struct field of type V. Writing a
// nil value stores the zero value of V.
func Field[T, V any](get func(*T) V, set func(*T, V)) Property[T] {
	return Property[T]{
		Get: func(t *T) Slot { return Loaded(get(t)) },
		Set: func(t *T, s Slot) error {
			var v V
			if raw := s.Value(); raw != nil {
				tv, err := convert[V](raw)
				if err != nil {
					return err
				}
				v = tv
			}
			set(t, v)
			return nil
		},
	}
}

// convert returns raw as V, converting between numeric kinds when needed
// since drivers and normalization may widen integers.
func convert[V any](raw any) (V, error) {
	if v, ok := raw.(V); ok {
		return v, nil
	}
	var zero V
	rv, target := reflect.ValueOf(raw), reflect.TypeFor[V]()
	numericToString := target.Kind() == reflect.String && rv.Kind() != reflect.String
	if rv.CanConvert(target) && !numericToString {
		return rv.Convert(target).Interface().(V), nil
	}
	return zero, fmt.Errorf("object: invalid type %T. expect %T", raw, zero)
}

// StructAccessor is an Accessor over *T built from a property table.
type StructAccessor[T any] struct {
	Properties map[string]Property[T]
}

// New implements Accessor.
func (a *StructAccessor[T]) New() any { return new(T) }

func (a *StructAccessor[T]) property(obj any, name string) (*T, Property[T], error) {
	t, ok := obj.(*T)
	if !ok {
		var zero *T
		return nil, Property[T]{}, fmt.Errorf("object: invalid type %T. expect %T", obj, zero)
	}
	p, ok := a.Properties[name]
	if !ok {
		return nil, Property[T]{}, fmt.Errorf("object: unknown property %q", name)
	}
	return t, p, nil
}

// Read implements Accessor.
func (a *StructAccessor[T]) Read(obj any, name string) (Slot, error) {
	t, p, err := a.property(obj, name)
	if err != nil {
		return Slot{}, err
	}
	return p.Get(t), nil
}

// Write implements Accessor.
func (a *StructAccessor[T]) Write(obj any, name string, value Slot) error {
	t, p, err := a.property(obj, name)
	if err != nil {
		return err
	}
	if p.Set == nil {
		return fmt.Errorf("object: property %q is read-only", name)
	}
	return p.Set(t, value)
}

var (
	_ Accessor = RecordAccessor{}
	_ Accessor = (*StructAccessor[struct{}])(nil)
)
