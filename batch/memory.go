package batch

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/syssam/persist"
	"github.com/syssam/persist/object"
)

// ErrTxDone is returned when a finished memory transaction is used.
var ErrTxDone = errors.New("batch: transaction has already been committed or rolled back")

// Memory is an in-memory Backend. Transactions are serialized and work on a
// copy of the tables that replaces the committed tables on Commit. It keeps
// the log of committed batches for inspection.
type Memory struct {
	txMu sync.Mutex // held for the lifetime of a transaction

	mu     sync.Mutex
	tables map[string]*memTable
	log    []*Batch
	// fail, when set, is called before executing a batch.
	fail func(*Batch) error
}

type memTable struct {
	keys []string // unique key columns, may be empty
	rows []*object.Row
	next int64 // last generated value
}

func (t *memTable) clone() *memTable {
	c := &memTable{keys: t.keys, next: t.next, rows: make([]*object.Row, len(t.rows))}
	for i, r := range t.rows {
		c.rows[i] = r.Clone()
	}
	return c
}

// NewMemory returns an empty backend.
func NewMemory() *Memory {
	return &Memory{tables: make(map[string]*memTable)}
}

// DefineTable declares the unique key columns of a table. Inserting two rows
// with the same key values fails like a unique constraint.
func (m *Memory) DefineTable(table string, keys ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.table(m.tables, table).keys = keys
}

// FailWith makes every batch for which fn returns an error fail.
func (m *Memory) FailWith(fn func(*Batch) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = fn
}

// Seed stores committed rows directly, bypassing transactions. Generated
// values of a table with a single integer key continue after the seeded keys.
func (m *Memory) Seed(table string, rows ...*object.Row) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.table(m.tables, table)
	for _, r := range rows {
		t.rows = append(t.rows, r.Clone())
		if len(t.keys) != 1 {
			continue
		}
		if v, ok := r.Get(t.keys[0]); ok {
			if n, ok := object.Normalize(v).(int64); ok && n > t.next {
				t.next = n
			}
		}
	}
}

// Rows returns copies of the committed rows of a table in insertion order.
func (m *Memory) Rows(table string) []*object.Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[table]
	if !ok {
		return nil
	}
	rows := make([]*object.Row, len(t.rows))
	for i, r := range t.rows {
		rows[i] = r.Clone()
	}
	return rows
}

// Executed returns the batches of all committed transactions in execution order.
func (m *Memory) Executed() []*Batch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.log)
}

// ResetLog clears the executed batch log.
func (m *Memory) ResetLog() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log = nil
}

func (m *Memory) table(tables map[string]*memTable, name string) *memTable {
	t, ok := tables[name]
	if !ok {
		t = &memTable{}
		tables[name] = t
	}
	return t
}

// Begin implements Backend.
func (m *Memory) Begin(ctx context.Context) (Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.txMu.Lock()
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memTx{m: m, tables: make(map[string]*memTable, len(m.tables)), fail: m.fail}
	for name, t := range m.tables {
		tx.tables[name] = t.clone()
	}
	return tx, nil
}

type memTx struct {
	m      *Memory
	tables map[string]*memTable
	log    []*Batch
	fail   func(*Batch) error
	done   bool
}

func (tx *memTx) Exec(ctx context.Context, b *Batch) (*Result, error) {
	if tx.done {
		return nil, ErrTxDone
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if tx.fail != nil {
		if err := tx.fail(b); err != nil {
			return nil, err
		}
	}
	t := tx.m.table(tx.tables, b.Table)
	res := &Result{Affected: make([]int64, len(b.Rows))}
	for i, r := range b.Rows {
		if r.Values.HasDeferred() {
			return nil, fmt.Errorf("batch: %s: row %d holds unresolved values", b.Describe(), i)
		}
		switch b.Op {
		case persist.OpInsert:
			gen, err := t.insert(r.Values, b.Generated)
			if err != nil {
				return nil, fmt.Errorf("batch: %s: %w", b.Table, err)
			}
			res.Affected[i] = 1
			res.Generated = append(res.Generated, gen)
		case persist.OpUpdate:
			for _, row := range t.rows {
				if matches(row, b.Shape, r.Qualifier) {
					for c, v := range r.Values.All() {
						row.Set(c, v)
					}
					res.Affected[i]++
				}
			}
		case persist.OpDelete:
			n := len(t.rows)
			t.rows = slices.DeleteFunc(t.rows, func(row *object.Row) bool {
				return matches(row, b.Shape, r.Qualifier)
			})
			res.Affected[i] = int64(n - len(t.rows))
		default:
			return nil, fmt.Errorf("batch: unsupported operation %s", b.Op)
		}
	}
	tx.log = append(tx.log, b)
	return res, nil
}

func (t *memTable) insert(values *object.Row, generated []string) (map[string]any, error) {
	row := values.Clone()
	gen := make(map[string]any, len(generated))
	for _, c := range generated {
		t.next++
		row.Set(c, t.next)
		gen[c] = t.next
	}
	if len(t.keys) > 0 {
		for _, other := range t.rows {
			same := true
			for _, k := range t.keys {
				a, _ := other.Get(k)
				b, _ := row.Get(k)
				same = same && object.Equal(a, b)
			}
			if same {
				return nil, fmt.Errorf("UNIQUE constraint failed: %v", t.keys)
			}
		}
	}
	t.rows = append(t.rows, row)
	return gen, nil
}

func matches(row *object.Row, shape Shape, qualifier *object.Row) bool {
	for _, c := range shape.Qualifier {
		v, _ := row.Get(c)
		q, _ := qualifier.Get(c)
		if !object.Equal(v, q) {
			return false
		}
	}
	for _, c := range shape.NullQualifier {
		if v, _ := row.Get(c); v != nil {
			return false
		}
	}
	return true
}

func (tx *memTx) Commit() error {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	defer tx.m.txMu.Unlock()
	tx.m.mu.Lock()
	defer tx.m.mu.Unlock()
	tx.m.tables = tx.tables
	tx.m.log = append(tx.m.log, tx.log...)
	return nil
}

func (tx *memTx) Rollback() error {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	tx.m.txMu.Unlock()
	return nil
}

var _ Backend = (*Memory)(nil)
