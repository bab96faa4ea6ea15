package schema

import (
	"fmt"
	"slices"
	"strings"

	"github.com/syssam/persist/object"
)

// DeleteRule defines what happens to related objects when an object is deleted.
type DeleteRule string

// Delete rules.
const (
	NoAction DeleteRule = "NO ACTION" // Leave related objects untouched.
	Nullify  DeleteRule = "SET NULL"  // Clear the reverse relationship of related objects.
	Cascade  DeleteRule = "CASCADE"   // Delete related objects.
	Deny     DeleteRule = "RESTRICT"  // Refuse the delete while related objects exist.
)

// ParseDeleteRule parses a delete rule name. It accepts both the SQL
// spelling ("SET NULL") and the short one ("nullify").
func ParseDeleteRule(s string) (DeleteRule, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "no action", "noaction", "none":
		return NoAction, nil
	case "set null", "nullify":
		return Nullify, nil
	case "cascade":
		return Cascade, nil
	case "restrict", "deny":
		return Deny, nil
	default:
		return "", fmt.Errorf("schema: unknown delete rule %q", s)
	}
}

// KeyStrategy defines how the primary key of new objects is produced.
type KeyStrategy int

// Key strategies.
const (
	// KeyAssigned keys are provided by the application through attributes
	// or relationships mapped to the primary key columns.
	KeyAssigned KeyStrategy = iota
	// KeyGenerated keys are allocated from a key source before insert.
	KeyGenerated
	// KeyIdentity keys are generated by the database on insert.
	KeyIdentity
)

// String returns the strategy name.
func (k KeyStrategy) String() string {
	switch k {
	case KeyGenerated:
		return "generated"
	case KeyIdentity:
		return "identity"
	default:
		return "assigned"
	}
}

// ParseKeyStrategy parses a key strategy name.
func ParseKeyStrategy(s string) (KeyStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "assigned":
		return KeyAssigned, nil
	case "generated", "sequence":
		return KeyGenerated, nil
	case "identity", "auto", "autoincrement":
		return KeyIdentity, nil
	default:
		return 0, fmt.Errorf("schema: unknown key strategy %q", s)
	}
}

// Attribute maps an object property to a column of the entity table.
type Attribute struct {
	Name   string `yaml:"name"`
	Column string `yaml:"column,omitempty"`
	// UsedForLocking adds the column to the optimistic locking qualifier.
	UsedForLocking bool `yaml:"lock,omitempty"`
}

// Join is one foreign key column pair of a relationship.
type Join struct {
	Source string `yaml:"source"`
	Target string `yaml:"target"`
}

// Relationship maps an object property to related objects of another entity.
//
// For to-one and one-to-many relationships, Joins pair columns of the source
// table with columns of the target table. Flattened (many-to-many)
// relationships go through JoinTable: Joins pair source table columns with
// join table columns, TargetJoins pair join table columns with target table columns.
type Relationship struct {
	Name        string     `yaml:"name"`
	Target      string     `yaml:"target"`
	ToMany      bool       `yaml:"toMany,omitempty"`
	Joins       []Join     `yaml:"joins"`
	JoinTable   string     `yaml:"joinTable,omitempty"`
	TargetJoins []Join     `yaml:"targetJoins,omitempty"`
	Inverse     string     `yaml:"inverse,omitempty"`
	DeleteRule  DeleteRule `yaml:"deleteRule,omitempty"`
	// ToDependentPK marks a to-one relationship whose target primary key is
	// derived from the primary key of this entity.
	ToDependentPK bool `yaml:"toDependentPK,omitempty"`
	// Mandatory marks foreign key columns that can not be null.
	Mandatory bool `yaml:"mandatory,omitempty"`
	// UsedForLocking adds the foreign key columns to the locking qualifier.
	UsedForLocking bool `yaml:"lock,omitempty"`

	source *Entity
	target *Entity
	owner  bool
}

// IsFlattened reports whether the relationship is realized through a join table.
func (r *Relationship) IsFlattened() bool { return r.JoinTable != "" }

// IsToOne reports whether the relationship holds at most one object.
func (r *Relationship) IsToOne() bool { return !r.ToMany }

// OwnsForeignKey reports whether the foreign key columns of this to-one
// relationship live in the source entity table.
func (r *Relationship) OwnsForeignKey() bool { return r.owner }

// SourceEntity returns the entity declaring the relationship.
func (r *Relationship) SourceEntity() *Entity { return r.source }

// TargetEntity returns the related entity.
func (r *Relationship) TargetEntity() *Entity { return r.target }

// SourceColumns returns the source side columns of the joins.
func (r *Relationship) SourceColumns() []string {
	cols := make([]string, len(r.Joins))
	for i, j := range r.Joins {
		cols[i] = j.Source
	}
	return cols
}

// InverseRelationship returns the reverse relationship declared on the target, if any.
func (r *Relationship) InverseRelationship() *Relationship {
	if r.Inverse == "" || r.target == nil {
		return nil
	}
	inv, _ := r.target.Relationship(r.Inverse)
	return inv
}

// Entity maps a domain type to a table.
type Entity struct {
	Name          string          `yaml:"name"`
	Table         string          `yaml:"table,omitempty"`
	PrimaryKey    []string        `yaml:"primaryKey"`
	KeyStrategy   KeyStrategy     `yaml:"-"`
	ReadOnly      bool            `yaml:"readOnly,omitempty"`
	Attributes    []*Attribute    `yaml:"attributes,omitempty"`
	Relationships []*Relationship `yaml:"relationships,omitempty"`
	// Accessor reads and writes the properties of domain objects.
	// Defaults to object.RecordAccessor.
	Accessor object.Accessor `yaml:"-"`

	index int
}

// Attribute returns the attribute with the given name.
func (e *Entity) Attribute(name string) (*Attribute, bool) {
	for _, a := range e.Attributes {
		if a.Name == name {
			return a, true
		}
	}
	return nil, false
}

// AttributeForColumn returns the attribute mapped to the given column.
func (e *Entity) AttributeForColumn(col string) (*Attribute, bool) {
	for _, a := range e.Attributes {
		if a.Column == col {
			return a, true
		}
	}
	return nil, false
}

// Relationship returns the relationship with the given name.
func (e *Entity) Relationship(name string) (*Relationship, bool) {
	for _, r := range e.Relationships {
		if r.Name == name {
			return r, true
		}
	}
	return nil, false
}

// IsPrimaryKey reports whether col is one of the primary key columns.
func (e *Entity) IsPrimaryKey(col string) bool {
	return slices.Contains(e.PrimaryKey, col)
}

// ForeignKeys returns the to-one relationships owning foreign key columns
// in the entity table, in declaration order.
func (e *Entity) ForeignKeys() []*Relationship {
	var rels []*Relationship
	for _, r := range e.Relationships {
		if r.owner {
			rels = append(rels, r)
		}
	}
	return rels
}

// Flattened returns the flattened relationships of the entity.
func (e *Entity) Flattened() []*Relationship {
	var rels []*Relationship
	for _, r := range e.Relationships {
		if r.IsFlattened() {
			rels = append(rels, r)
		}
	}
	return rels
}

// UsesOptimisticLocking reports whether any attribute or relationship
// participates in the locking qualifier.
func (e *Entity) UsesOptimisticLocking() bool {
	for _, a := range e.Attributes {
		if a.UsedForLocking {
			return true
		}
	}
	for _, r := range e.Relationships {
		if r.owner && r.UsedForLocking {
			return true
		}
	}
	return false
}

// LockingColumns returns the columns qualifying optimistic UPDATE and DELETE
// statements besides the primary key, in declaration order.
func (e *Entity) LockingColumns() []string {
	var cols []string
	for _, a := range e.Attributes {
		if a.UsedForLocking && !e.IsPrimaryKey(a.Column) {
			cols = append(cols, a.Column)
		}
	}
	for _, r := range e.Relationships {
		if !r.owner || !r.UsedForLocking {
			continue
		}
		for _, j := range r.Joins {
			if !e.IsPrimaryKey(j.Source) && !slices.Contains(cols, j.Source) {
				cols = append(cols, j.Source)
			}
		}
	}
	return cols
}

// Index returns the declaration index of the entity in its model.
func (e *Entity) Index() int { return e.index }
