// Package snapshot builds the column rows written by a flush from the
// current state of domain objects.
//
// An insert row holds every loaded attribute, the foreign key columns of
// every loaded to-one relationship and the primary key. An update row holds
// only the columns whose value differs from the previous committed row.
// Foreign keys referencing objects whose key is generated by the database
// on insert are written as *object.Deferred placeholders and resolved
// while the flush executes.
package snapshot

import (
	"fmt"

	"github.com/syssam/persist"
	"github.com/syssam/persist/object"
	"github.com/syssam/persist/schema"
)

// Resolver answers questions about related objects while rows are built.
type Resolver interface {
	// Lookup returns the identity and state of a registered object.
	Lookup(obj any) (object.ID, object.State, bool)
	// Permanent returns the permanent identity assigned to a temporary
	// identity in the running flush, if any.
	Permanent(id object.ID) (object.ID, bool)
}

// BuildInsertRow returns the row inserted for a new object.
func BuildInsertRow(env Resolver, e *schema.Entity, obj any, id object.ID) (*object.Row, error) {
	row := object.NewRow()
	if err := readAttributes(e, obj, row, nil); err != nil {
		return nil, err
	}
	if err := readForeignKeys(env, e, obj, id, row, nil); err != nil {
		return nil, err
	}
	if !id.IsTemporary() {
		for _, col := range id.Columns() {
			v, _ := id.Value(col)
			row.SetIfAbsent(col, v)
		}
	}
	return row, nil
}

// BuildUpdateRow returns the columns of a modified object that differ from
// previous. Columns of previous that are no longer present become nil. An
// empty row means the modification is a phantom and needs no statement.
func BuildUpdateRow(env Resolver, e *schema.Entity, obj any, id object.ID, previous *object.Row) (*object.Row, error) {
	current := object.NewRow()
	skipped := make(map[string]bool)
	if err := readAttributes(e, obj, current, skipped); err != nil {
		return nil, err
	}
	if err := readForeignKeys(env, e, obj, id, current, skipped); err != nil {
		return nil, err
	}
	diff := object.NewRow()
	for col, v := range current.All() {
		if e.IsPrimaryKey(col) {
			continue
		}
		if pv, ok := previous.Get(col); !ok || !object.Equal(pv, v) {
			diff.Set(col, v)
		}
	}
	for col, pv := range previous.All() {
		if pv == nil || current.Has(col) || skipped[col] || e.IsPrimaryKey(col) {
			continue
		}
		diff.Set(col, nil)
	}
	return diff, nil
}

// Qualifier returns the values qualifying UPDATE and DELETE statements of
// the object: the primary key plus, when the entity uses optimistic
// locking, the locking columns of the previous row. Locking columns that
// were null are returned separately since they compare with IS NULL.
func Qualifier(e *schema.Entity, id object.ID, previous *object.Row) (*object.Row, []string) {
	q := object.NewRow()
	for _, col := range id.Columns() {
		v, _ := id.Value(col)
		q.Set(col, v)
	}
	var nulls []string
	for _, col := range e.LockingColumns() {
		v, ok := previous.Get(col)
		switch {
		case !ok:
		case v == nil:
			nulls = append(nulls, col)
		default:
			q.Set(col, v)
		}
	}
	return q, nulls
}

// Dependencies returns the keys of the objects referenced by the loaded
// to-one relationships of obj that own a foreign key.
func Dependencies(env Resolver, e *schema.Entity, obj any) []object.Key {
	var keys []object.Key
	for _, r := range e.ForeignKeys() {
		slot, err := e.Accessor.Read(obj, r.Name)
		if err != nil || !slot.IsLoaded() || slot.Value() == nil {
			continue
		}
		if tid, _, ok := env.Lookup(slot.Value()); ok {
			keys = append(keys, tid.Key())
		}
	}
	return keys
}

// Resolve replaces deferred placeholders of row with the values of the
// permanent identities returned by lookup.
func Resolve(row *object.Row, lookup func(object.ID) (object.ID, bool)) (*object.Row, error) {
	if !row.HasDeferred() {
		return row, nil
	}
	out := object.NewRow()
	for col, v := range row.All() {
		d, ok := v.(*object.Deferred)
		if !ok {
			out.Set(col, v)
			continue
		}
		pid, _ := lookup(d.Target)
		val, ok := d.Resolve(pid)
		if !ok {
			return nil, persist.NewTemporaryIdentityError(d.Target.Entity(), d.Column, d.Target)
		}
		out.Set(col, val)
	}
	return out, nil
}

func readAttributes(e *schema.Entity, obj any, row *object.Row, skipped map[string]bool) error {
	for _, a := range e.Attributes {
		if e.IsPrimaryKey(a.Column) {
			continue
		}
		slot, err := e.Accessor.Read(obj, a.Name)
		if err != nil {
			return fmt.Errorf("snapshot: read %s.%s: %w", e.Name, a.Name, err)
		}
		v, ok := slot.Get()
		if !ok {
			if skipped != nil {
				skipped[a.Column] = true
			}
			continue
		}
		row.Set(a.Column, v)
	}
	return nil
}

func readForeignKeys(env Resolver, e *schema.Entity, obj any, id object.ID, row *object.Row, skipped map[string]bool) error {
	for _, r := range e.ForeignKeys() {
		slot, err := e.Accessor.Read(obj, r.Name)
		if err != nil {
			return fmt.Errorf("snapshot: read %s.%s: %w", e.Name, r.Name, err)
		}
		if !slot.IsLoaded() {
			if skipped != nil {
				for _, j := range r.Joins {
					skipped[j.Source] = true
				}
			}
			continue
		}
		if err := foreignKey(env, e, r, slot.Value(), id, row); err != nil {
			return err
		}
	}
	return nil
}

func foreignKey(env Resolver, e *schema.Entity, r *schema.Relationship, target any, id object.ID, row *object.Row) error {
	incomplete := func(col string) error {
		return persist.NewIncompleteForeignKeyError(e.Name, r.Name, col, id)
	}
	if target == nil {
		if r.Mandatory {
			return incomplete(r.Joins[0].Source)
		}
		for _, j := range r.Joins {
			row.Set(j.Source, nil)
		}
		return nil
	}
	tid, _, ok := env.Lookup(target)
	if !ok {
		return incomplete(r.Joins[0].Source)
	}
	if tid.IsTemporary() {
		if pid, ok := env.Permanent(tid); ok {
			tid = pid
		}
	}
	if tid.IsTemporary() {
		if r.TargetEntity().KeyStrategy != schema.KeyIdentity {
			return incomplete(r.Joins[0].Source)
		}
		for _, j := range r.Joins {
			row.Set(j.Source, object.Defer(tid, j.Target))
		}
		return nil
	}
	for _, j := range r.Joins {
		v, ok := tid.Value(j.Target)
		if !ok {
			return incomplete(j.Source)
		}
		row.Set(j.Source, v)
	}
	return nil
}
