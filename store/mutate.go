package store

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/syssam/persist"
	"github.com/syssam/persist/object"
	"github.com/syssam/persist/schema"
)

// RelationUpdate is a pending change of a flattened relationship: a join
// table row to insert (persist.OpInsert) or to delete (persist.OpDelete).
// Records refer to objects, so identity changes never invalidate them.
type RelationUpdate struct {
	Source       any
	Target       any
	Relationship *schema.Relationship
	Op           persist.Op
}

// Set writes an attribute or a to-one relationship of obj. Writing a to-one
// relationship keeps its inverse relationship in sync.
func (s *Store) Set(obj any, property string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mutable(); err != nil {
		return err
	}
	ent, err := s.entryOf(obj)
	if err != nil {
		return err
	}
	if ent.state == object.Deleted {
		return fmt.Errorf("store: set %s of deleted %s", property, ent.id)
	}
	e := ent.entity
	if a, ok := e.Attribute(property); ok {
		if e.IsPrimaryKey(a.Column) && ent.state != object.New {
			return persist.NewValidationError(e.Name+"."+property, errors.New("primary key of a persistent object is immutable"))
		}
		if err := s.write(ent, property, object.Loaded(value)); err != nil {
			return err
		}
		s.markDirty(ent)
		return nil
	}
	r, ok := e.Relationship(property)
	if !ok {
		return persist.NewValidationError(e.Name+"."+property, errors.New("unknown property"))
	}
	if r.ToMany {
		return persist.NewValidationError(e.Name+"."+property, errors.New("to-many relationship, use AddTarget or RemoveTarget"))
	}
	return s.setToOne(ent, r, value)
}

// AddTarget adds target to the to-many relationship of obj.
func (s *Store) AddTarget(obj any, property string, target any) error {
	return s.changeTargets(obj, property, target, persist.OpInsert)
}

// RemoveTarget removes target from the to-many relationship of obj.
func (s *Store) RemoveTarget(obj any, property string, target any) error {
	return s.changeTargets(obj, property, target, persist.OpDelete)
}

func (s *Store) changeTargets(obj any, property string, target any, op persist.Op) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mutable(); err != nil {
		return err
	}
	ent, err := s.entryOf(obj)
	if err != nil {
		return err
	}
	te, err := s.entryOf(target)
	if err != nil {
		return err
	}
	r, ok := ent.entity.Relationship(property)
	if !ok || !r.ToMany {
		return persist.NewValidationError(ent.entity.Name+"."+property, errors.New("not a to-many relationship"))
	}
	if r.TargetEntity() != te.entity {
		return persist.NewValidationError(ent.entity.Name+"."+property, fmt.Errorf("target %s is not a %s", te.id, r.Target))
	}
	inv := r.InverseRelationship()
	if !r.IsFlattened() {
		if inv == nil || !inv.OwnsForeignKey() {
			return persist.NewValidationError(ent.entity.Name+"."+property, errors.New("one-to-many relationship without an owning inverse"))
		}
		if op == persist.OpInsert {
			return s.setToOne(te, inv, ent.obj)
		}
		if cur := s.read(te, inv.Name); cur.IsLoaded() && cur.Value() != ent.obj {
			return nil
		}
		return s.setToOne(te, inv, nil)
	}
	if op == persist.OpInsert {
		s.link(ent, r, te.obj)
		if inv != nil {
			s.link(te, inv, ent.obj)
		}
	} else {
		s.unlink(ent, r, te.obj)
		if inv != nil {
			s.unlink(te, inv, ent.obj)
		}
	}
	s.record(ent.obj, te.obj, r, op)
	return nil
}

// Delete schedules obj for deletion and applies the delete rules of its
// relationships: dependents of Cascade relationships are deleted, those of
// Nullify relationships lose their reference. Deny rules are checked when
// the store is flushed. Deleting a new object unregisters it.
func (s *Store) Delete(obj any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mutable(); err != nil {
		return err
	}
	ent, err := s.entryOf(obj)
	if err != nil {
		return err
	}
	return s.delete(ent, make(map[*entry]bool))
}

func (s *Store) delete(ent *entry, visited map[*entry]bool) error {
	if visited[ent] || ent.state == object.Deleted {
		return nil
	}
	visited[ent] = true
	e := ent.entity
	for _, r := range e.Relationships {
		if r.OwnsForeignKey() {
			// Leave the inverse collection of the referenced object.
			if cur := s.read(ent, r.Name); cur.IsLoaded() && cur.Value() != nil {
				if inv := r.InverseRelationship(); inv != nil && inv.ToMany {
					if te, ok := s.byObj[cur.Value()]; ok {
						s.unlink(te, inv, ent.obj)
					}
				}
			}
			continue
		}
		deps := s.related(ent, r)
		if r.IsFlattened() {
			for _, d := range deps {
				s.record(ent.obj, d.obj, r, persist.OpDelete)
			}
		}
		switch r.DeleteRule {
		case schema.Cascade:
			for _, d := range deps {
				if err := s.delete(d, visited); err != nil {
					return err
				}
			}
		case schema.Nullify:
			inv := r.InverseRelationship()
			for _, d := range deps {
				if d.state == object.Deleted || inv == nil || r.IsFlattened() {
					continue
				}
				s.unlink(d, inv, ent.obj)
			}
		}
	}
	if ent.state == object.New {
		s.remove(ent)
		return nil
	}
	s.retain(ent)
	ent.prior = ent.state
	ent.state = object.Deleted
	return nil
}

// CheckDeleteRules returns a persist.DeleteDeniedError for the first
// deleted object with dependents under a Deny rule that are not deleted too.
// Dependents of relationships that are not loaded are looked up in the
// snapshot cache and, when the row loader is a DependentLoader, in the
// database. A relationship whose dependents cannot be listed denies the
// delete.
func (s *Store) CheckDeleteRules(ctx context.Context) error {
	s.mu.Lock()
	var checks []denyCheck
	for _, ent := range s.sorted() {
		if ent.state != object.Deleted {
			continue
		}
		for _, r := range ent.entity.Relationships {
			if r.DeleteRule != schema.Deny || r.OwnsForeignKey() {
				continue
			}
			checks = append(checks, denyCheck{
				ent:    ent,
				id:     ent.id,
				rel:    r,
				loaded: s.read(ent, r.Name).IsLoaded(),
				keys:   s.sourceKey(ent, r),
			})
		}
	}
	s.mu.Unlock()

	for _, c := range checks {
		var candidates []object.ID
		resolved := c.loaded
		if !resolved {
			candidates = s.cachedDependents(c.rel, c.keys)
			if dl, ok := s.loader.(DependentLoader); ok {
				ids, err := dl.LoadDependents(ctx, c.rel, c.id)
				if err != nil {
					return fmt.Errorf("store: load %s of %s: %w", c.rel.Name, c.id, err)
				}
				candidates = append(candidates, ids...)
				resolved = true
			}
		}
		s.mu.Lock()
		live := s.liveDependents(c.ent, c.rel, candidates)
		s.mu.Unlock()
		if len(live) > 0 || !resolved {
			if !resolved {
				s.logger.Warn("store: dependents not resolvable, delete denied",
					"id", c.id, "relationship", c.rel.Name)
			}
			return persist.NewDeleteDeniedError(c.ent.entity.Name, c.rel.Name, c.id, live...)
		}
	}
	return nil
}

type denyCheck struct {
	ent    *entry
	id     object.ID
	rel    *schema.Relationship
	loaded bool
	// keys holds the values of the join source columns of rel.
	keys map[string]any
}

// sourceKey returns the values of the join source columns of r for ent,
// read from its identity and its last committed row.
func (s *Store) sourceKey(ent *entry, r *schema.Relationship) map[string]any {
	prev := s.previous(ent)
	keys := make(map[string]any, len(r.Joins))
	for _, j := range r.Joins {
		if v, ok := ent.id.Value(j.Source); ok {
			keys[j.Source] = v
		} else if v, ok := prev.Get(j.Source); ok {
			keys[j.Source] = v
		} else {
			return nil
		}
	}
	return keys
}

// cachedDependents returns the identities of the cached rows referring to
// keys through r. Join table rows are not cached, so flattened
// relationships yield nothing.
func (s *Store) cachedDependents(r *schema.Relationship, keys map[string]any) []object.ID {
	if keys == nil || r.IsFlattened() {
		return nil
	}
	target := r.TargetEntity()
	rows := s.cache.Select(target.Name, func(row *object.Row) bool {
		for _, j := range r.Joins {
			v, ok := row.Get(j.Target)
			if !ok || v == nil || !object.Equal(v, keys[j.Source]) {
				return false
			}
		}
		return true
	})
	ids := make([]object.ID, 0, len(rows))
	for _, row := range rows {
		vals := make([]any, len(target.PrimaryKey))
		complete := true
		for i, pk := range target.PrimaryKey {
			vals[i], complete = row.Get(pk)
			if !complete {
				break
			}
		}
		if complete {
			ids = append(ids, object.NewID(target.Name, target.PrimaryKey, vals))
		}
	}
	return ids
}

// liveDependents returns the identities of the objects that still depend on
// ent through r: registered related objects that are not deleted, plus the
// candidates this store neither deleted nor detached from ent.
func (s *Store) liveDependents(ent *entry, r *schema.Relationship, candidates []object.ID) []any {
	var live []any
	seen := make(map[object.Key]bool)
	for _, d := range s.related(ent, r) {
		seen[d.id.Key()] = true
		if d.state != object.Deleted {
			live = append(live, d.id)
		}
	}
	inv := r.InverseRelationship()
	for _, id := range candidates {
		if seen[id.Key()] {
			continue
		}
		seen[id.Key()] = true
		d, ok := s.entries[id.Key()]
		switch {
		case !ok:
		case d.state == object.Deleted:
			continue
		case r.IsFlattened():
			if s.unlinked(ent.obj, d.obj, r) {
				continue
			}
		case inv != nil && inv.OwnsForeignKey():
			if cur := s.read(d, inv.Name); cur.IsLoaded() && cur.Value() != ent.obj {
				continue
			}
		}
		live = append(live, id)
	}
	return live
}

// unlinked reports whether a pending relation update removes the pair.
func (s *Store) unlinked(source, target any, r *schema.Relationship) bool {
	inv := r.InverseRelationship()
	for _, u := range s.relations {
		if u.Op != persist.OpDelete {
			continue
		}
		if (u.Source == source && u.Target == target && u.Relationship == r) ||
			(inv != nil && u.Source == target && u.Target == source && u.Relationship == inv) {
			return true
		}
	}
	return false
}

func (s *Store) setToOne(ent *entry, r *schema.Relationship, value any) error {
	var target *entry
	if value != nil {
		te, err := s.entryOf(value)
		if err != nil {
			return err
		}
		if te.entity != r.TargetEntity() {
			return persist.NewValidationError(ent.entity.Name+"."+r.Name, fmt.Errorf("target %s is not a %s", te.id, r.Target))
		}
		target = te
	}
	cur := s.read(ent, r.Name)
	old := cur.Value()
	if cur.IsLoaded() && old == value {
		return nil
	}
	if err := s.write(ent, r.Name, object.Loaded(value)); err != nil {
		return err
	}
	if r.OwnsForeignKey() {
		s.markDirty(ent)
	}
	inv := r.InverseRelationship()
	if inv == nil {
		return nil
	}
	if old != nil {
		if oe, ok := s.byObj[old]; ok {
			s.unlink(oe, inv, ent.obj)
		}
	}
	if target != nil {
		s.link(target, inv, ent.obj)
	}
	return nil
}

// link adds obj to the relationship of ent without touching the inverse.
func (s *Store) link(ent *entry, r *schema.Relationship, obj any) {
	cur := s.read(ent, r.Name)
	if r.ToMany {
		if !cur.IsLoaded() {
			return
		}
		targets := cur.Targets()
		if slices.Contains(targets, obj) {
			return
		}
		s.write(ent, r.Name, object.Loaded(append(slices.Clone(targets), obj)))
		return
	}
	if cur.IsLoaded() && cur.Value() == obj {
		return
	}
	s.write(ent, r.Name, object.Loaded(obj))
	if r.OwnsForeignKey() {
		s.markDirty(ent)
	}
}

// unlink removes obj from the relationship of ent without touching the inverse.
func (s *Store) unlink(ent *entry, r *schema.Relationship, obj any) {
	cur := s.read(ent, r.Name)
	if !cur.IsLoaded() {
		if !r.ToMany && r.OwnsForeignKey() {
			s.write(ent, r.Name, object.Loaded(nil))
			s.markDirty(ent)
		}
		return
	}
	if r.ToMany {
		targets := cur.Targets()
		if i := slices.Index(targets, obj); i >= 0 {
			s.write(ent, r.Name, object.Loaded(slices.Delete(slices.Clone(targets), i, i+1)))
		}
		return
	}
	if cur.Value() != obj {
		return
	}
	s.write(ent, r.Name, object.Loaded(nil))
	if r.OwnsForeignKey() {
		s.markDirty(ent)
	}
}

// related returns the registered objects reachable through the relationship
// of ent: the loaded targets plus the objects whose owning inverse refers
// to ent.
func (s *Store) related(ent *entry, r *schema.Relationship) []*entry {
	var out []*entry
	seen := make(map[*entry]bool)
	add := func(d *entry) {
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	if cur := s.read(ent, r.Name); cur.IsLoaded() {
		for _, t := range cur.Targets() {
			if d, ok := s.byObj[t]; ok {
				add(d)
			}
		}
	}
	inv := r.InverseRelationship()
	if inv == nil || !inv.OwnsForeignKey() {
		return out
	}
	for _, d := range s.sorted() {
		if d.entity != inv.SourceEntity() {
			continue
		}
		if cur := s.read(d, inv.Name); cur.IsLoaded() && cur.Value() == ent.obj {
			add(d)
		}
	}
	return out
}

// record adds a relation update, cancelling a pending update of the
// opposite operation for the same pair.
func (s *Store) record(source, target any, r *schema.Relationship, op persist.Op) {
	inv := r.InverseRelationship()
	same := func(u *RelationUpdate) bool {
		return (u.Source == source && u.Target == target && u.Relationship == r) ||
			(inv != nil && u.Source == target && u.Target == source && u.Relationship == inv)
	}
	for i, u := range s.relations {
		if !same(u) {
			continue
		}
		if u.Op != op {
			s.relations = slices.Delete(s.relations, i, i+1)
		}
		return
	}
	s.relations = append(s.relations, &RelationUpdate{Source: source, Target: target, Relationship: r, Op: op})
}
