package store

import (
	"slices"

	"github.com/syssam/persist/cache"
	"github.com/syssam/persist/object"
)

// Written is an object written by a flush together with its new
// committed row.
type Written struct {
	Object any
	// ID is the permanent identity of the object.
	ID object.ID
	// Row is the new committed row. A nil row invalidates the cached row
	// and turns the object Hollow.
	Row *object.Row
	// Replaces is the version of the committed row the change was computed
	// against, 0 for inserts.
	Replaces uint64
}

// Outcome is the result of a committed flush.
type Outcome struct {
	Inserted  []Written
	Updated   []Written
	Deleted   []any
	Relations []RelationUpdate
	// Indirect lists identities whose to-many relationships changed
	// through foreign keys of other objects.
	Indirect []object.Key
}

// Apply records a committed flush: inserted objects take their permanent
// identity, written objects become Committed, deleted objects are
// unregistered and flushed relation updates are discarded. It returns the
// change set to apply to the snapshot cache, which the caller must do after
// Apply returned.
func (s *Store) Apply(o *Outcome) cache.ChangeSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs := cache.ChangeSet{Updated: make(map[object.Key]*object.Row)}
	for _, w := range o.Inserted {
		ent, ok := s.byObj[w.Object]
		if !ok {
			continue
		}
		if !ent.id.Equal(w.ID) {
			delete(s.entries, ent.id.Key())
			ent.id = w.ID
			s.entries[w.ID.Key()] = ent
		}
		for _, a := range ent.entity.Attributes {
			if v, ok := w.ID.Value(a.Column); ok {
				s.write(ent, a.Name, object.Loaded(v))
			}
		}
		ent.state, ent.retained = object.Committed, nil
		cs.Updated[w.ID.Key()] = w.Row
	}
	for _, w := range o.Updated {
		ent, ok := s.byObj[w.Object]
		if !ok {
			continue
		}
		if w.Row == nil {
			s.invalidate(ent)
			cs.Invalidated = append(cs.Invalidated, ent.id.Key())
			continue
		}
		ent.state, ent.retained = object.Committed, nil
		row := w.Row
		if w.Replaces != 0 {
			row = row.Stamp(0, w.Replaces)
		}
		cs.Updated[ent.id.Key()] = row
	}
	indirect := slices.Clone(o.Indirect)
	for _, u := range o.Relations {
		s.relations = slices.DeleteFunc(s.relations, func(r *RelationUpdate) bool {
			return *r == u
		})
		for _, obj := range []any{u.Source, u.Target} {
			if ent, ok := s.byObj[obj]; ok && ent.state != object.Deleted {
				indirect = append(indirect, ent.id.Key())
			}
		}
	}
	for _, obj := range o.Deleted {
		ent, ok := s.byObj[obj]
		if !ok {
			continue
		}
		s.remove(ent)
		ent.state = object.Transient
		cs.Deleted = append(cs.Deleted, ent.id.Key())
	}
	slices.Sort(indirect)
	cs.IndirectlyModified = slices.Compact(indirect)
	return cs
}

// ResetPhantoms marks modified objects whose changes produce no column
// difference as Committed again.
func (s *Store) ResetPhantoms(objs ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, obj := range objs {
		if ent, ok := s.byObj[obj]; ok && ent.state == object.Modified {
			ent.state, ent.retained = object.Committed, nil
		}
	}
}

// Rollback discards the uncommitted changes of the store: new objects are
// unregistered, modified objects are restored from their retained row,
// deleted objects return to the state they had before the delete, and
// pending relation updates are dropped.
func (s *Store) Rollback() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ent := range s.sorted() {
		switch ent.state {
		case object.New:
			s.remove(ent)
			ent.state = object.Transient
		case object.Deleted:
			ent.state = ent.prior
			if ent.state != object.Modified {
				ent.retained = nil
			}
		}
	}
	for _, ent := range s.sorted() {
		if ent.state != object.Modified {
			continue
		}
		if ent.retained == nil {
			s.invalidate(ent)
			continue
		}
		s.hydrate(ent, ent.retained)
		ent.state, ent.retained = object.Committed, nil
	}
	s.relations = nil
	s.logger.Debug("store: rolled back", "objects", len(s.entries))
}
