package flush

import (
	"context"
	"fmt"

	"github.com/syssam/persist"
	"github.com/syssam/persist/batch"
	"github.com/syssam/persist/object"
	"github.com/syssam/persist/schema"
	"github.com/syssam/persist/snapshot"
	"github.com/syssam/persist/store"
)

// execute runs all batches in one backend transaction.
func (r *run) execute(ctx context.Context) error {
	if len(r.plan.batches) == 0 {
		return nil
	}
	tx, err := r.backend.Begin(ctx)
	if err != nil {
		return persist.NewCommitError("", "", 0, "BEGIN", err)
	}
	for _, b := range r.plan.batches {
		if err := r.resolve(b); err != nil {
			return r.rollback(tx, err)
		}
		res, err := tx.Exec(ctx, b)
		if err != nil {
			return r.rollback(tx, persist.NewCommitError(b.Entity, b.Table, b.Op, b.Describe(), err))
		}
		if err := r.check(b, res); err != nil {
			return r.rollback(tx, err)
		}
		r.summary.Batches = append(r.summary.Batches, b.String())
		r.metrics.statement(b)
		r.logger.Debug("flush: batch executed", "batch", b.String())
	}
	if err := tx.Commit(); err != nil {
		return persist.NewCommitError("", "", 0, "COMMIT", err)
	}
	return nil
}

// resolve replaces the deferred values of the batch rows with the keys
// generated by batches executed before.
func (r *run) resolve(b *batch.Batch) error {
	for _, row := range b.Rows {
		values, err := snapshot.Resolve(row.Values, r.plan.Permanent)
		if err != nil {
			return err
		}
		qualifier, err := snapshot.Resolve(row.Qualifier, r.plan.Permanent)
		if err != nil {
			return err
		}
		row.Values, row.Qualifier = values, qualifier
		row.ID = r.plan.permanent(row.ID)
	}
	return nil
}

// check verifies the affected row counts and records generated keys.
func (r *run) check(b *batch.Batch, res *batch.Result) error {
	if len(res.Affected) != len(b.Rows) {
		return persist.NewCommitError(b.Entity, b.Table, b.Op, b.Describe(),
			fmt.Errorf("backend returned %d results for %d rows", len(res.Affected), len(b.Rows)))
	}
	if b.OptimisticLocking && b.Op != persist.OpInsert {
		for i, n := range res.Affected {
			if n == 0 {
				row := b.Rows[i]
				return persist.NewOptimisticLockError(b.Entity, b.Table, b.Op, row.ID, row.Qualifier.Map())
			}
		}
	}
	if len(b.Generated) == 0 {
		return nil
	}
	if len(res.Generated) != len(b.Rows) {
		return persist.NewCommitError(b.Entity, b.Table, b.Op, b.Describe(),
			fmt.Errorf("backend returned %d generated keys for %d rows", len(res.Generated), len(b.Rows)))
	}
	for i, row := range b.Rows {
		vals := make([]any, len(b.Generated))
		for j, col := range b.Generated {
			v, ok := res.Generated[i][col]
			if !ok || v == nil {
				return persist.NewCommitError(b.Entity, b.Table, b.Op, b.Describe(),
					fmt.Errorf("no value generated for column %q", col))
			}
			vals[j] = v
			row.Values.Set(col, v)
		}
		pid := object.NewID(row.ID.Entity(), b.Generated, vals)
		r.plan.perm[row.ID.Key()] = pid
		row.ID = pid
	}
	return nil
}

// rollback rolls the transaction back and returns err, joined with the
// rollback failure if any.
func (r *run) rollback(tx batch.Transaction, err error) error {
	if isLockFailure(err) {
		r.logger.Warn("flush: optimistic lock failure", "error", err)
	}
	if rerr := tx.Rollback(); rerr != nil {
		r.logger.Warn("flush: rollback failed", "error", rerr)
		return persist.NewAggregateError(err, &persist.RollbackError{Err: rerr})
	}
	r.logger.Warn("flush: transaction rolled back", "error", err)
	return err
}

// postprocess records the committed flush in the store and the snapshot
// cache.
func (r *run) postprocess(ctx context.Context) {
	p := r.plan
	o := &store.Outcome{Relations: p.changes.Relations}
	var indirect []object.Key
	for _, op := range p.inserts {
		id := p.permanent(op.ID)
		row := op.row.Values.Clone()
		for _, col := range id.Columns() {
			v, _ := id.Value(col)
			row.SetIfAbsent(col, v)
		}
		o.Inserted = append(o.Inserted, store.Written{Object: op.Object, ID: id, Row: row})
		indirect = append(indirect, inverseKeys(op.Entity, row, nil)...)
	}
	for _, op := range p.updates {
		w := store.Written{Object: op.Object, ID: op.ID}
		if op.Previous != nil {
			w.Row = op.Previous.Merge(op.row.Values)
			w.Replaces = op.Previous.Version()
		}
		o.Updated = append(o.Updated, w)
		indirect = append(indirect, inverseKeys(op.Entity, op.row.Values, op.Previous)...)
	}
	for _, op := range p.deletes {
		o.Deleted = append(o.Deleted, op.Object)
		indirect = append(indirect, inverseKeys(op.Entity, op.Previous, nil)...)
	}
	o.Indirect = indirect

	cs := r.st.Apply(o)
	r.summary.ChangeSet = r.st.Cache().ApplyChangeSet(ctx, r.st, cs)
	r.summary.Inserted = len(p.inserts)
	r.summary.Updated = len(p.updates)
	r.summary.Deleted = len(p.deletes)
	r.logger.Debug("flush: committed",
		"inserted", r.summary.Inserted,
		"updated", r.summary.Updated,
		"deleted", r.summary.Deleted,
		"batches", len(r.summary.Batches),
	)
}

// inverseKeys returns the identities referenced by the foreign keys of row
// whose relationship has a to-many inverse. When previous is set, only
// changed foreign keys count, with both their old and new targets.
func inverseKeys(e *schema.Entity, row, previous *object.Row) []object.Key {
	var keys []object.Key
	for _, rel := range e.ForeignKeys() {
		inv := rel.InverseRelationship()
		if inv == nil || !inv.ToMany {
			continue
		}
		if previous != nil {
			changed := false
			for _, j := range rel.Joins {
				changed = changed || row.Has(j.Source)
			}
			if !changed {
				continue
			}
			if id, ok := foreignID(rel, previous); ok {
				keys = append(keys, id.Key())
			}
		}
		if id, ok := foreignID(rel, row); ok {
			keys = append(keys, id.Key())
		}
	}
	return keys
}
