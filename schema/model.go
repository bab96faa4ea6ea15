package schema

import (
	"errors"
	"fmt"

	"github.com/go-openapi/inflect"

	"github.com/syssam/persist"
	"github.com/syssam/persist/object"
)

// Model is a validated, read-only set of entities.
type Model struct {
	entities []*Entity
	byName   map[string]*Entity
	byTable  map[string]*Entity
}

// NewModel validates the entities, fills default table and column names,
// resolves relationship targets and returns the model.
func NewModel(entities ...*Entity) (*Model, error) {
	m := &Model{
		byName:  make(map[string]*Entity, len(entities)),
		byTable: make(map[string]*Entity, len(entities)),
	}
	for i, e := range entities {
		if e == nil || e.Name == "" {
			return nil, persist.NewValidationError(fmt.Sprintf("entity #%d", i), errors.New("missing name"))
		}
		if _, ok := m.byName[e.Name]; ok {
			return nil, persist.NewValidationError(e.Name, errors.New("duplicate entity"))
		}
		if e.Table == "" {
			e.Table = inflect.Underscore(e.Name)
		}
		if other, ok := m.byTable[e.Table]; ok {
			return nil, persist.NewValidationError(e.Name, fmt.Errorf("table %q already mapped by %s", e.Table, other.Name))
		}
		if len(e.PrimaryKey) == 0 {
			return nil, persist.NewValidationError(e.Name, errors.New("missing primary key"))
		}
		if e.KeyStrategy == KeyIdentity && len(e.PrimaryKey) != 1 {
			return nil, persist.NewValidationError(e.Name, errors.New("identity keys require a single primary key column"))
		}
		if e.Accessor == nil {
			e.Accessor = object.RecordAccessor{Entity: e.Name}
		}
		seen := make(map[string]bool)
		for _, a := range e.Attributes {
			if a.Name == "" {
				return nil, persist.NewValidationError(e.Name, errors.New("attribute without name"))
			}
			if seen[a.Name] {
				return nil, persist.NewValidationError(e.Name+"."+a.Name, errors.New("duplicate property"))
			}
			seen[a.Name] = true
			if a.Column == "" {
				a.Column = inflect.Underscore(a.Name)
			}
		}
		for _, r := range e.Relationships {
			if r.Name == "" {
				return nil, persist.NewValidationError(e.Name, errors.New("relationship without name"))
			}
			if seen[r.Name] {
				return nil, persist.NewValidationError(e.Name+"."+r.Name, errors.New("duplicate property"))
			}
			seen[r.Name] = true
			if r.DeleteRule == "" {
				r.DeleteRule = NoAction
			}
			r.source = e
		}
		e.index = i
		m.entities = append(m.entities, e)
		m.byName[e.Name] = e
		m.byTable[e.Table] = e
	}
	for _, e := range m.entities {
		for _, r := range e.Relationships {
			if err := m.resolve(e, r); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Model) resolve(e *Entity, r *Relationship) error {
	name := e.Name + "." + r.Name
	target, ok := m.byName[r.Target]
	if !ok {
		return persist.NewValidationError(name, fmt.Errorf("unknown target entity %q", r.Target))
	}
	r.target = target
	if len(r.Joins) == 0 {
		return persist.NewValidationError(name, errors.New("missing joins"))
	}
	if r.IsFlattened() {
		if !r.ToMany {
			return persist.NewValidationError(name, errors.New("flattened relationships must be to-many"))
		}
		if len(r.TargetJoins) == 0 {
			return persist.NewValidationError(name, errors.New("flattened relationship without target joins"))
		}
		for _, j := range r.Joins {
			if !e.IsPrimaryKey(j.Source) {
				return persist.NewValidationError(name, fmt.Errorf("join column %q is not a primary key column of %s", j.Source, e.Name))
			}
		}
		for _, j := range r.TargetJoins {
			if !target.IsPrimaryKey(j.Target) {
				return persist.NewValidationError(name, fmt.Errorf("join column %q is not a primary key column of %s", j.Target, target.Name))
			}
		}
		return nil
	}
	if r.Inverse != "" {
		if _, ok := target.Relationship(r.Inverse); !ok {
			return persist.NewValidationError(name, fmt.Errorf("unknown inverse relationship %s.%s", target.Name, r.Inverse))
		}
	}
	if r.ToMany || r.ToDependentPK {
		return nil
	}
	for _, j := range r.Joins {
		if !target.IsPrimaryKey(j.Target) {
			return nil
		}
	}
	r.owner = true
	return nil
}

// MustModel is like NewModel but panics on error.
func MustModel(entities ...*Entity) *Model {
	m, err := NewModel(entities...)
	if err != nil {
		panic(err)
	}
	return m
}

// Entity returns the entity with the given name.
func (m *Model) Entity(name string) (*Entity, bool) {
	e, ok := m.byName[name]
	return e, ok
}

// EntityForTable returns the entity mapped to the given table.
func (m *Model) EntityForTable(table string) (*Entity, bool) {
	e, ok := m.byTable[table]
	return e, ok
}

// Entities returns the entities in declaration order.
func (m *Model) Entities() []*Entity {
	return append([]*Entity(nil), m.entities...)
}

// Dependents returns every relationship (of any entity) owning a foreign key
// that references the given entity.
func (m *Model) Dependents(target *Entity) []*Relationship {
	var rels []*Relationship
	for _, e := range m.entities {
		for _, r := range e.ForeignKeys() {
			if r.target == target {
				rels = append(rels, r)
			}
		}
	}
	return rels
}
