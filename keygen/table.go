package keygen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/singleflight"

	"github.com/syssam/persist/dialect"
	"github.com/syssam/persist/dialect/sql"
	"github.com/syssam/persist/schema"
)

// DefaultTable is the name of the sequence table.
const DefaultTable = "key_sequences"

// errContention is returned when another process moved the sequence.
var errContention = errors.New("keygen: sequence changed concurrently")

// Table allocates keys from a sequence table holding one row per entity.
// Keys are reserved in blocks: one round trip reserves BlockSize keys, which
// are then handed out from memory. Concurrent reservations for one entity
// are coalesced, and reservations racing with other processes are retried.
type Table struct {
	drv     dialect.Driver
	builder *sql.DialectBuilder
	table   string
	size    int64
	backoff func() retry.Backoff
	logger  *slog.Logger

	group  singleflight.Group
	mu     sync.Mutex
	blocks map[string]*block
}

type block struct {
	next, limit int64
}

// TableOption configures a Table.
type TableOption func(*Table)

// WithBlockSize sets the number of keys reserved per round trip.
func WithBlockSize(n int64) TableOption {
	return func(t *Table) {
		if n > 0 {
			t.size = n
		}
	}
}

// WithTableName sets the sequence table name.
func WithTableName(name string) TableOption {
	return func(t *Table) {
		t.table = name
	}
}

// WithBackoff sets the retry policy for contended reservations.
func WithBackoff(fn func() retry.Backoff) TableOption {
	return func(t *Table) {
		t.backoff = fn
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) TableOption {
	return func(t *Table) {
		t.logger = l
	}
}

// NewTable returns a Table source. The sequence table must exist; see CreateTable.
func NewTable(drv dialect.Driver, opts ...TableOption) *Table {
	t := &Table{
		drv:     drv,
		builder: sql.Dialect(drv.Dialect()),
		table:   DefaultTable,
		size:    20,
		backoff: func() retry.Backoff {
			return retry.WithMaxRetries(5, retry.NewExponential(5*time.Millisecond))
		},
		logger: slog.Default(),
		blocks: make(map[string]*block),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// CreateTable creates the sequence table if it does not exist.
func (t *Table) CreateTable(ctx context.Context) error {
	if !sql.ValidIdentifier(t.table) {
		return fmt.Errorf("keygen: invalid table name %q", t.table)
	}
	query := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (entity VARCHAR(255) NOT NULL PRIMARY KEY, next_id BIGINT NOT NULL)", t.table)
	return t.drv.Exec(ctx, query, []any{}, nil)
}

// NextKey implements Source.
func (t *Table) NextKey(ctx context.Context, e *schema.Entity) ([]any, error) {
	if err := singleColumn(e); err != nil {
		return nil, err
	}
	for {
		if v, ok := t.take(e.Name); ok {
			return []any{v}, nil
		}
		_, err, _ := t.group.Do(e.Name, func() (any, error) {
			if t.remaining(e.Name) > 0 {
				return nil, nil
			}
			start, err := t.reserve(ctx, e.Name)
			if err != nil {
				return nil, err
			}
			t.mu.Lock()
			t.blocks[e.Name] = &block{next: start, limit: start + t.size}
			t.mu.Unlock()
			return nil, nil
		})
		if err != nil {
			return nil, err
		}
	}
}

func (t *Table) take(entity string) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.blocks[entity]
	if !ok || b.next >= b.limit {
		return 0, false
	}
	v := b.next
	b.next++
	return v, true
}

func (t *Table) remaining(entity string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.blocks[entity]; ok {
		return b.limit - b.next
	}
	return 0
}

// reserve moves the sequence of the entity forward by one block and
// returns the first key of the block.
func (t *Table) reserve(ctx context.Context, entity string) (int64, error) {
	var start int64
	err := retry.Do(ctx, t.backoff(), func(ctx context.Context) error {
		cur, found, err := t.current(ctx, entity)
		if err != nil {
			return err
		}
		if !found {
			query, args := t.builder.Insert(t.table).Columns("entity", "next_id").Values(entity, 1+t.size).Query()
			if err := t.drv.Exec(ctx, query, args, nil); err != nil {
				// A concurrent reservation created the row first.
				t.logger.DebugContext(ctx, "keygen: sequence insert failed", "entity", entity, "error", err)
				return retry.RetryableError(errContention)
			}
			start = 1
			return nil
		}
		query, args := t.builder.Update(t.table).
			Set("next_id", cur+t.size).
			Where(sql.And(sql.EQ("entity", entity), sql.EQ("next_id", cur))).
			Query()
		var res sql.Result
		if err := t.drv.Exec(ctx, query, args, &res); err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return retry.RetryableError(errContention)
		}
		start = cur
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("keygen: reserve keys for %s: %w", entity, err)
	}
	t.logger.DebugContext(ctx, "keygen: reserved keys", "entity", entity, "start", start, "size", t.size)
	return start, nil
}

func (t *Table) current(ctx context.Context, entity string) (int64, bool, error) {
	query, args := t.builder.Select("next_id").From(t.table).Where(sql.EQ("entity", entity)).Query()
	rows := &sql.Rows{}
	if err := t.drv.Query(ctx, query, args, rows); err != nil {
		return 0, false, err
	}
	maps, err := sql.ScanMaps(rows)
	if err != nil || len(maps) == 0 {
		return 0, false, err
	}
	switch v := maps[0]["next_id"].(type) {
	case int64:
		return v, true, nil
	case []byte:
		var n int64
		_, err := fmt.Sscan(string(v), &n)
		return n, err == nil, err
	default:
		return 0, false, fmt.Errorf("keygen: unexpected next_id type %T", v)
	}
}

var _ Source = (*Table)(nil)
