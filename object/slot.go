package object

// Slot holds the value of one property of a domain object. A relationship
// slot may be NotLoaded, in which case the related objects are unknown and
// must be resolved explicitly. Attribute slots are always loaded once set.
type Slot struct {
	value  any
	loaded bool
}

// Loaded returns a loaded slot holding v. A nil v is a loaded empty value.
func Loaded(v any) Slot { return Slot{value: v, loaded: true} }

// NotLoaded returns a slot whose value is unknown.
func NotLoaded() Slot { return Slot{} }

// IsLoaded reports whether the slot holds a known value.
func (s Slot) IsLoaded() bool { return s.loaded }

// Get returns the value and whether it is loaded.
func (s Slot) Get() (any, bool) { return s.value, s.loaded }

// Value returns the slot value, nil when not loaded.
func (s Slot) Value() any { return s.value }

// Targets returns the objects held by a loaded to-many slot.
func (s Slot) Targets() []any {
	if !s.loaded {
		return nil
	}
	switch v := s.value.(type) {
	case nil:
		return nil
	case []any:
		return v
	default:
		return []any{v}
	}
}
