package store

import (
	"context"
	"slices"

	"github.com/syssam/persist"
	"github.com/syssam/persist/cache"
	"github.com/syssam/persist/object"
	"github.com/syssam/persist/schema"
)

// Resolve loads the data of a Hollow object from the snapshot cache, or
// from the row loader when the cache has no row. Objects in other states
// are left untouched.
func (s *Store) Resolve(ctx context.Context, obj any) error {
	s.mu.Lock()
	ent, err := s.entryOf(obj)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if ent.state != object.Hollow {
		s.mu.Unlock()
		return nil
	}
	id, e := ent.id, ent.entity
	s.mu.Unlock()

	row, ok, err := s.cache.Fetch(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		if s.loader == nil {
			return persist.NewNotFoundError(e.Name, id)
		}
		if row, err = s.loader.LoadRow(ctx, e, id); err != nil {
			return err
		}
		row = s.cache.Put(id, row)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ent.state == object.Hollow && s.entries[id.Key()] == ent {
		s.hydrate(ent, row)
		ent.state = object.Committed
	}
	return nil
}

// SnapshotsChanged implements cache.Subscriber. Clean objects follow the
// rows committed by other sessions; dirty objects keep their changes.
func (s *Store) SnapshotsChanged(cs *cache.ChangeSet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]object.Key, 0, len(cs.Updated))
	for k := range cs.Updated {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		ent, ok := s.entries[k]
		if !ok || ent.state != object.Committed {
			continue
		}
		// Change sets may arrive out of order; the cache holds the newest row.
		row := cs.Updated[k]
		if cur, ok := s.cache.Get(ent.id); ok && cur.Version() > row.Version() {
			row = cur
		}
		if row.Version() != 0 && row.Version() <= ent.version {
			continue
		}
		s.hydrate(ent, row)
	}
	for _, k := range cs.Deleted {
		if ent, ok := s.entries[k]; ok && !ent.state.IsDirty() {
			s.remove(ent)
			ent.state = object.Transient
		}
	}
	for _, k := range cs.Invalidated {
		if ent, ok := s.entries[k]; ok && !ent.state.IsDirty() {
			s.invalidate(ent)
		}
	}
	for _, k := range cs.IndirectlyModified {
		ent, ok := s.entries[k]
		if !ok || ent.state.IsDirty() {
			continue
		}
		for _, r := range ent.entity.Relationships {
			if r.ToMany {
				s.write(ent, r.Name, object.NotLoaded())
			}
		}
	}
	s.logger.Debug("store: snapshots changed",
		"updated", len(cs.Updated), "deleted", len(cs.Deleted),
		"invalidated", len(cs.Invalidated), "indirect", len(cs.IndirectlyModified))
}

// hydrate writes the committed row into the object. Owning to-one
// relationships are faulted from their foreign key columns; other
// relationships become NotLoaded.
func (s *Store) hydrate(ent *entry, row *object.Row) {
	ent.version = row.Version()
	e := ent.entity
	for _, a := range e.Attributes {
		if v, ok := row.Get(a.Column); ok {
			s.write(ent, a.Name, object.Loaded(v))
		} else if v, ok := ent.id.Value(a.Column); ok {
			s.write(ent, a.Name, object.Loaded(v))
		}
	}
	for _, r := range e.Relationships {
		if !r.OwnsForeignKey() {
			s.write(ent, r.Name, object.NotLoaded())
			continue
		}
		s.write(ent, r.Name, s.faultSlot(r, row))
	}
}

func (s *Store) faultSlot(r *schema.Relationship, row *object.Row) object.Slot {
	target := r.TargetEntity()
	vals := make([]any, len(target.PrimaryKey))
	for i, pk := range target.PrimaryKey {
		j := slices.IndexFunc(r.Joins, func(j schema.Join) bool { return j.Target == pk })
		if j < 0 {
			return object.NotLoaded()
		}
		v, ok := row.Get(r.Joins[j].Source)
		switch {
		case !ok:
			return object.NotLoaded()
		case v == nil:
			return object.Loaded(nil)
		}
		vals[i] = v
	}
	obj, err := s.fault(object.NewID(target.Name, target.PrimaryKey, vals))
	if err != nil {
		return object.NotLoaded()
	}
	return object.Loaded(obj)
}
