package flush

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/syssam/persist"
	"github.com/syssam/persist/batch"
	"github.com/syssam/persist/object"
	"github.com/syssam/persist/privacy"
	"github.com/syssam/persist/schema"
	"github.com/syssam/persist/snapshot"
	"github.com/syssam/persist/sorter"
	"github.com/syssam/persist/store"
)

// op is one object statement of a flush.
type op struct {
	store.Change
	kind persist.Op
	// values holds the insert row or the update difference.
	values *object.Row
	row    *batch.Row
}

// plan holds the work of one flush. It implements snapshot.Resolver.
type plan struct {
	st      *store.Store
	changes *store.Changes
	// perm maps temporary identities to the permanent identities assigned
	// by this flush.
	perm      map[object.Key]object.ID
	inserts   []*op
	updates   []*op
	deletes   []*op
	relations []*batch.Row
	batches   []*batch.Batch
}

func newPlan(st *store.Store, changes *store.Changes) *plan {
	p := &plan{
		st:      st,
		changes: changes,
		perm:    make(map[object.Key]object.ID),
	}
	for _, ch := range changes.Inserted {
		p.inserts = append(p.inserts, &op{Change: ch, kind: persist.OpInsert})
	}
	for _, ch := range changes.Updated {
		p.updates = append(p.updates, &op{Change: ch, kind: persist.OpUpdate})
	}
	for _, ch := range changes.Deleted {
		p.deletes = append(p.deletes, &op{Change: ch, kind: persist.OpDelete})
	}
	return p
}

// Lookup implements snapshot.Resolver.
func (p *plan) Lookup(obj any) (object.ID, object.State, bool) {
	return p.st.Lookup(obj)
}

// Permanent implements snapshot.Resolver.
func (p *plan) Permanent(id object.ID) (object.ID, bool) {
	pid, ok := p.perm[id.Key()]
	return pid, ok
}

// permanent returns the permanent identity of id, or id itself.
func (p *plan) permanent(id object.ID) object.ID {
	if pid, ok := p.perm[id.Key()]; ok {
		return pid
	}
	return id
}

func (p *plan) ops() []*op {
	return slices.Concat(p.inserts, p.updates, p.deletes)
}

// categorize rejects changes of read-only entities, deletes denied by a
// delete rule and changes denied by the policy or a hook.
func (r *run) categorize(ctx context.Context) error {
	for _, o := range r.plan.ops() {
		if o.Entity.ReadOnly {
			return persist.NewReadOnlyEntityError(o.Entity.Name, o.kind, o.ID)
		}
	}
	for _, u := range r.plan.changes.Relations {
		if e := u.Relationship.SourceEntity(); e.ReadOnly {
			return persist.NewReadOnlyEntityError(e.Name, u.Op, u.Relationship.JoinTable)
		}
	}
	if err := r.st.CheckDeleteRules(ctx); err != nil {
		return err
	}
	for _, o := range r.plan.ops() {
		m := &mutation{o: o}
		if r.policy != nil {
			if err := privacy.Check(ctx, r.policy, m); err != nil {
				return err
			}
		}
		for _, h := range r.hooks {
			if err := h(ctx, m); err != nil {
				return fmt.Errorf("flush: %s %s: %w", o.kind, o.ID, err)
			}
		}
	}
	return nil
}

// generateKeys assigns permanent identities to new objects whose key is not
// generated by the database, in entity dependency order.
func (r *run) generateKeys(ctx context.Context) error {
	ordered := slices.Clone(r.plan.inserts)
	slices.SortStableFunc(ordered, func(a, b *op) int {
		return r.sorter.Rank(a.Entity.Name) - r.sorter.Rank(b.Entity.Name)
	})
	seen := make(map[object.Key]bool)
	for _, o := range ordered {
		var (
			pid object.ID
			err error
		)
		switch o.Entity.KeyStrategy {
		case schema.KeyIdentity:
			continue
		case schema.KeyGenerated:
			var vals []any
			if vals, err = r.keys.NextKey(ctx, o.Entity); err != nil {
				return fmt.Errorf("flush: generate key for %s: %w", o.Entity.Name, err)
			}
			if len(vals) != len(o.Entity.PrimaryKey) {
				return fmt.Errorf("flush: key source returned %d values for %s", len(vals), o.Entity.Name)
			}
			pid = object.NewID(o.Entity.Name, o.Entity.PrimaryKey, vals)
		default:
			if pid, err = r.assignedKey(o); err != nil {
				return err
			}
		}
		if other, ok := r.st.Get(pid); (ok && other != o.Object) || seen[pid.Key()] {
			return persist.NewDuplicateIdentityError(o.Entity.Name, pid)
		}
		seen[pid.Key()] = true
		r.plan.perm[o.ID.Key()] = pid
	}
	return nil
}

// assignedKey reads the primary key of a new object from the attributes
// and the relationships mapped to its primary key columns.
func (r *run) assignedKey(o *op) (object.ID, error) {
	e := o.Entity
	vals := make([]any, len(e.PrimaryKey))
	for i, col := range e.PrimaryKey {
		v, err := r.keyValue(o, col)
		if err != nil {
			return object.ID{}, err
		}
		vals[i] = v
	}
	return object.NewID(e.Name, e.PrimaryKey, vals), nil
}

func (r *run) keyValue(o *op, col string) (any, error) {
	e := o.Entity
	if a, ok := e.AttributeForColumn(col); ok {
		slot, err := e.Accessor.Read(o.Object, a.Name)
		if err != nil {
			return nil, fmt.Errorf("flush: read %s.%s: %w", e.Name, a.Name, err)
		}
		if v, ok := slot.Get(); ok && v != nil {
			return v, nil
		}
	}
	for _, rel := range e.ForeignKeys() {
		i := slices.IndexFunc(rel.Joins, func(j schema.Join) bool { return j.Source == col })
		if i < 0 {
			continue
		}
		slot, err := e.Accessor.Read(o.Object, rel.Name)
		if err != nil || !slot.IsLoaded() || slot.Value() == nil {
			return nil, persist.NewIncompleteForeignKeyError(e.Name, rel.Name, col, o.ID)
		}
		tid, _, ok := r.plan.Lookup(slot.Value())
		if !ok {
			return nil, persist.NewIncompleteForeignKeyError(e.Name, rel.Name, col, o.ID)
		}
		v, ok := r.plan.permanent(tid).Value(rel.Joins[i].Target)
		if !ok {
			return nil, persist.NewIncompleteForeignKeyError(e.Name, rel.Name, col, o.ID)
		}
		return v, nil
	}
	return nil, persist.NewValidationError(e.Name+"."+col, errors.New("assigned primary key has no value"))
}

// filterPhantoms computes the difference of every modified object and
// resets objects without difference to Committed.
func (r *run) filterPhantoms() error {
	var (
		kept     []*op
		phantoms []any
	)
	for _, o := range r.plan.updates {
		diff, err := snapshot.BuildUpdateRow(r.plan, o.Entity, o.Object, o.ID, o.Previous)
		if err != nil {
			return err
		}
		if diff.Len() == 0 {
			r.logger.Debug("flush: phantom update dropped", "id", o.ID.String())
			phantoms = append(phantoms, o.Object)
			continue
		}
		o.values = diff
		kept = append(kept, o)
	}
	r.plan.updates = kept
	r.summary.Phantoms = len(phantoms)
	r.st.ResetPhantoms(phantoms...)
	return nil
}

// order sorts inserts and updates in dependency order and deletes in
// reverse dependency order. Objects of cyclic groups are ordered by the
// foreign keys they hold.
func (r *run) order() {
	r.plan.inserts = r.sortOps(r.plan.inserts, false, func(o *op) []object.Key {
		return snapshot.Dependencies(r.plan, o.Entity, o.Object)
	})
	r.plan.updates = r.sortOps(r.plan.updates, false, nil)
	r.plan.deletes = r.sortOps(r.plan.deletes, true, func(o *op) []object.Key {
		var keys []object.Key
		for _, rel := range o.Entity.ForeignKeys() {
			if tid, ok := foreignID(rel, o.Previous); ok {
				keys = append(keys, tid.Key())
			}
		}
		return keys
	})
}

func (r *run) sortOps(ops []*op, dependentsFirst bool, deps func(*op) []object.Key) []*op {
	groups := make(map[int][]*op)
	var ranks []int
	for _, o := range ops {
		rank := r.sorter.Rank(o.Entity.Name)
		if _, ok := groups[rank]; !ok {
			ranks = append(ranks, rank)
		}
		groups[rank] = append(groups[rank], o)
	}
	slices.Sort(ranks)
	if dependentsFirst {
		slices.Reverse(ranks)
	}
	sorted := make([]*op, 0, len(ops))
	for _, rank := range ranks {
		members := groups[rank]
		if deps == nil || !r.sorter.IsCyclic(members[0].Entity.Name) {
			sorted = append(sorted, members...)
			continue
		}
		items := make([]sorter.Item, len(members))
		for i, o := range members {
			items[i] = sorter.Item{Key: o.ID.Key(), DependsOn: deps(o), Value: o}
		}
		for _, it := range sorter.SortObjects(items, dependentsFirst) {
			sorted = append(sorted, it.Value.(*op))
		}
	}
	return sorted
}

// foreignID returns the identity referenced by the foreign key columns of
// rel in row.
func foreignID(rel *schema.Relationship, row *object.Row) (object.ID, bool) {
	te := rel.TargetEntity()
	vals := make([]any, len(te.PrimaryKey))
	for i, col := range te.PrimaryKey {
		j := slices.IndexFunc(rel.Joins, func(j schema.Join) bool { return j.Target == col })
		if j < 0 {
			return object.ID{}, false
		}
		v, ok := row.Get(rel.Joins[j].Source)
		if !ok || v == nil {
			return object.ID{}, false
		}
		if _, deferred := v.(*object.Deferred); deferred {
			return object.ID{}, false
		}
		vals[i] = v
	}
	return object.NewID(te.Name, te.PrimaryKey, vals), true
}

// batcher groups rows of the same table, operation and shape.
type batcher struct {
	batches []*batch.Batch
	open    map[string]*batch.Batch
	last    *batch.Batch
	lastKey string
}

// add appends row to a batch shaped like b. With contiguous set, only the
// last batch may receive the row, which keeps the row order across shapes.
// split reports whether a candidate batch must not receive the row.
func (bb *batcher) add(b batch.Batch, row *batch.Row, contiguous bool, split func(*batch.Batch) bool) {
	if bb.open == nil {
		bb.open = make(map[string]*batch.Batch)
	}
	key := b.Table + "|" + b.Op.String() + "|" + b.Shape.Key()
	var target *batch.Batch
	switch {
	case contiguous && bb.lastKey == key:
		target = bb.last
	case !contiguous:
		target = bb.open[key]
	}
	if target != nil && split != nil && split(target) {
		target = nil
	}
	if target == nil {
		target = &b
		target.Rows = nil
		bb.batches = append(bb.batches, target)
		bb.open[key] = target
	}
	target.Rows = append(target.Rows, row)
	bb.last, bb.lastKey = target, key
}

// buildBatches builds the batches in execution order: inserts, updates,
// join row deletes, join row inserts and deletes.
func (r *run) buildBatches() error {
	var bb batcher
	if err := r.insertBatches(&bb); err != nil {
		return err
	}
	r.updateBatches(&bb)
	if err := r.relationBatches(&bb); err != nil {
		return err
	}
	r.deleteBatches(&bb)
	r.plan.batches = bb.batches
	return nil
}

func (r *run) insertBatches(bb *batcher) error {
	for _, o := range r.plan.inserts {
		e := o.Entity
		id := r.plan.permanent(o.ID)
		values, err := snapshot.BuildInsertRow(r.plan, e, o.Object, id)
		if err != nil {
			return err
		}
		o.values = values
		o.row = &batch.Row{ID: id, Values: values}
		b := batch.Batch{
			Entity: e.Name,
			Table:  e.Table,
			Op:     persist.OpInsert,
			Shape:  batch.Shape{Columns: values.Columns()},
		}
		if e.KeyStrategy == schema.KeyIdentity {
			b.Generated = slices.Clone(e.PrimaryKey)
		}
		cyclic := r.sorter.IsCyclic(e.Name)
		bb.add(b, o.row, cyclic, func(target *batch.Batch) bool {
			return refersTo(values, target)
		})
	}
	return nil
}

// refersTo reports whether values holds a deferred value of a row of b.
// Such a row must wait for b to execute.
func refersTo(values *object.Row, b *batch.Batch) bool {
	for _, v := range values.All() {
		d, ok := v.(*object.Deferred)
		if !ok {
			continue
		}
		for _, row := range b.Rows {
			if row.ID.Equal(d.Target) {
				return true
			}
		}
	}
	return false
}

func (r *run) updateBatches(bb *batcher) {
	for _, o := range r.plan.updates {
		e := o.Entity
		qualifier, nulls := snapshot.Qualifier(e, o.ID, o.Previous)
		o.row = &batch.Row{ID: o.ID, Values: o.values, Qualifier: qualifier}
		bb.add(batch.Batch{
			Entity: e.Name,
			Table:  e.Table,
			Op:     persist.OpUpdate,
			Shape: batch.Shape{
				Columns:       slices.Sorted(slices.Values(o.values.Columns())),
				Qualifier:     qualifier.Columns(),
				NullQualifier: nulls,
			},
			OptimisticLocking: e.UsesOptimisticLocking(),
		}, o.row, false, nil)
	}
}

// relationBatches builds the join table rows of pending flattened
// relationship updates. Inserts involving a deleted object and updates
// between two deleted objects are dropped.
func (r *run) relationBatches(bb *batcher) error {
	var inserts, deletes []store.RelationUpdate
	for _, u := range r.plan.changes.Relations {
		sid, sstate, ok := r.plan.Lookup(u.Source)
		if !ok {
			continue
		}
		tid, tstate, ok := r.plan.Lookup(u.Target)
		if !ok {
			continue
		}
		sdel, tdel := sstate == object.Deleted, tstate == object.Deleted
		switch {
		case sdel && tdel:
			r.logger.Debug("flush: relation update between deleted objects dropped", "relationship", u.Relationship.Name, "source", sid.String(), "target", tid.String())
		case u.Op == persist.OpInsert && (sdel || tdel):
		case u.Op == persist.OpInsert:
			inserts = append(inserts, u)
		default:
			deletes = append(deletes, u)
		}
	}
	for _, u := range slices.Concat(deletes, inserts) {
		sid, _, _ := r.plan.Lookup(u.Source)
		tid, _, _ := r.plan.Lookup(u.Target)
		values, err := r.joinRow(u.Relationship, sid, tid)
		if err != nil {
			return err
		}
		b := batch.Batch{Table: u.Relationship.JoinTable, Op: u.Op}
		row := &batch.Row{ID: r.plan.permanent(sid)}
		if u.Op == persist.OpInsert {
			b.Shape = batch.Shape{Columns: values.Columns()}
			row.Values = values
			r.summary.RelationsInserted++
		} else {
			b.Shape = batch.Shape{Qualifier: values.Columns()}
			row.Values, row.Qualifier = object.NewRow(), values
			r.summary.RelationsDeleted++
		}
		r.plan.relations = append(r.plan.relations, row)
		bb.add(b, row, false, nil)
	}
	return nil
}

// joinRow returns the join table row linking source to target.
func (r *run) joinRow(rel *schema.Relationship, source, target object.ID) (*object.Row, error) {
	row := object.NewRow()
	for _, j := range rel.Joins {
		v, err := r.joinValue(rel, source, j.Source)
		if err != nil {
			return nil, err
		}
		row.Set(j.Target, v)
	}
	for _, j := range rel.TargetJoins {
		v, err := r.joinValue(rel, target, j.Target)
		if err != nil {
			return nil, err
		}
		row.Set(j.Source, v)
	}
	return row, nil
}

func (r *run) joinValue(rel *schema.Relationship, id object.ID, col string) (any, error) {
	id = r.plan.permanent(id)
	if id.IsTemporary() {
		return object.Defer(id, col), nil
	}
	v, ok := id.Value(col)
	if !ok {
		return nil, persist.NewIncompleteForeignKeyError(rel.SourceEntity().Name, rel.Name, col, id)
	}
	return v, nil
}

func (r *run) deleteBatches(bb *batcher) {
	for _, o := range r.plan.deletes {
		e := o.Entity
		qualifier, nulls := snapshot.Qualifier(e, o.ID, o.Previous)
		o.row = &batch.Row{ID: o.ID, Values: object.NewRow(), Qualifier: qualifier}
		bb.add(batch.Batch{
			Entity: e.Name,
			Table:  e.Table,
			Op:     persist.OpDelete,
			Shape: batch.Shape{
				Qualifier:     qualifier.Columns(),
				NullQualifier: nulls,
			},
			OptimisticLocking: e.UsesOptimisticLocking(),
		}, o.row, r.sorter.IsCyclic(e.Name), nil)
	}
}
