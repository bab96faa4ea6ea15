package sql

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/syssam/persist/dialect"
)

// Stats counts the statements executed through a StatsDriver. It is safe
// for concurrent use.
type Stats struct {
	queries   atomic.Int64
	execs     atomic.Int64
	commits   atomic.Int64
	rollbacks atomic.Int64
	errors    atomic.Int64
	slow      atomic.Int64
	nanos     atomic.Int64
}

// Snapshot returns the current counts.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Queries:   s.queries.Load(),
		Execs:     s.execs.Load(),
		Commits:   s.commits.Load(),
		Rollbacks: s.rollbacks.Load(),
		Errors:    s.errors.Load(),
		Slow:      s.slow.Load(),
		Duration:  time.Duration(s.nanos.Load()),
	}
}

// Reset sets all counts to zero.
func (s *Stats) Reset() {
	for _, c := range []*atomic.Int64{&s.queries, &s.execs, &s.commits, &s.rollbacks, &s.errors, &s.slow, &s.nanos} {
		c.Store(0)
	}
}

// StatsSnapshot holds the counts of a Stats at one point in time.
type StatsSnapshot struct {
	Queries   int64
	Execs     int64
	Commits   int64
	Rollbacks int64
	Errors    int64
	// Slow counts statements that took longer than the slow threshold.
	Slow int64
	// Duration is the time spent in statements.
	Duration time.Duration
}

// Avg returns the mean statement duration.
func (s StatsSnapshot) Avg() time.Duration {
	n := s.Queries + s.Execs
	if n == 0 {
		return 0
	}
	return s.Duration / time.Duration(n)
}

// String implements fmt.Stringer.
func (s StatsSnapshot) String() string {
	return fmt.Sprintf("queries=%d execs=%d commits=%d rollbacks=%d errors=%d slow=%d avg=%s",
		s.Queries, s.Execs, s.Commits, s.Rollbacks, s.Errors, s.Slow, s.Avg())
}

// StatsDriver wraps a dialect.Driver, counting statements and logging
// slow ones. With WithStatementLog every statement is logged at debug
// level.
type StatsDriver struct {
	dialect.Driver
	stats     *Stats
	threshold atomic.Int64
	logger    *slog.Logger
	trace     bool
}

// StatsOption configures a StatsDriver.
type StatsOption func(*StatsDriver)

// WithSlowThreshold sets the duration above which a statement is slow.
// Defaults to 100ms.
func WithSlowThreshold(d time.Duration) StatsOption {
	return func(s *StatsDriver) {
		s.threshold.Store(int64(d))
	}
}

// WithLogger sets the logger receiving slow statements and, with
// WithStatementLog, all statements.
func WithLogger(l *slog.Logger) StatsOption {
	return func(s *StatsDriver) {
		s.logger = l
	}
}

// WithStatementLog logs every statement and transaction boundary at debug level.
func WithStatementLog() StatsOption {
	return func(s *StatsDriver) {
		s.trace = true
	}
}

// NewStatsDriver wraps drv:
//
//	drv := sql.NewStatsDriver(sql.OpenDB(dialect.Postgres, db),
//	    sql.WithSlowThreshold(200*time.Millisecond),
//	    sql.WithLogger(logger),
//	)
//	backend := sqlgraph.NewBackend(drv)
func NewStatsDriver(drv dialect.Driver, opts ...StatsOption) *StatsDriver {
	s := &StatsDriver{Driver: drv, stats: &Stats{}, logger: slog.Default()}
	s.threshold.Store(int64(100 * time.Millisecond))
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Stats returns the statement counts of the driver and its transactions.
func (d *StatsDriver) Stats() *Stats { return d.stats }

// SlowThreshold returns the slow statement threshold.
func (d *StatsDriver) SlowThreshold() time.Duration {
	return time.Duration(d.threshold.Load())
}

// SetSlowThreshold changes the slow statement threshold.
func (d *StatsDriver) SetSlowThreshold(t time.Duration) {
	d.threshold.Store(int64(t))
}

// Query implements dialect.ExecQuerier.
func (d *StatsDriver) Query(ctx context.Context, query string, args, v any) error {
	start := time.Now()
	err := d.Driver.Query(ctx, query, args, v)
	d.observe(ctx, &d.stats.queries, query, args, start, err)
	return err
}

// Exec implements dialect.ExecQuerier.
func (d *StatsDriver) Exec(ctx context.Context, query string, args, v any) error {
	start := time.Now()
	err := d.Driver.Exec(ctx, query, args, v)
	d.observe(ctx, &d.stats.execs, query, args, start, err)
	return err
}

// Tx implements dialect.Driver.
func (d *StatsDriver) Tx(ctx context.Context) (dialect.Tx, error) {
	tx, err := d.Driver.Tx(ctx)
	if err != nil {
		d.stats.errors.Add(1)
		return nil, err
	}
	if d.trace {
		d.logger.DebugContext(ctx, "sql: begin")
	}
	return &statsTx{Tx: tx, drv: d}, nil
}

func (d *StatsDriver) observe(ctx context.Context, counter *atomic.Int64, query string, args any, start time.Time, err error) {
	elapsed := time.Since(start)
	counter.Add(1)
	d.stats.nanos.Add(int64(elapsed))
	if err != nil {
		d.stats.errors.Add(1)
	}
	if d.trace {
		d.logger.DebugContext(ctx, "sql: statement", "query", query, "args", args, "duration", elapsed, "error", err)
	}
	if elapsed > d.SlowThreshold() {
		d.stats.slow.Add(1)
		d.logger.WarnContext(ctx, "sql: slow statement", "query", query, "duration", elapsed)
	}
}

type statsTx struct {
	dialect.Tx
	drv *StatsDriver
}

func (tx *statsTx) Query(ctx context.Context, query string, args, v any) error {
	start := time.Now()
	err := tx.Tx.Query(ctx, query, args, v)
	tx.drv.observe(ctx, &tx.drv.stats.queries, query, args, start, err)
	return err
}

func (tx *statsTx) Exec(ctx context.Context, query string, args, v any) error {
	start := time.Now()
	err := tx.Tx.Exec(ctx, query, args, v)
	tx.drv.observe(ctx, &tx.drv.stats.execs, query, args, start, err)
	return err
}

func (tx *statsTx) Commit() error {
	err := tx.Tx.Commit()
	tx.end("commit", &tx.drv.stats.commits, err)
	return err
}

func (tx *statsTx) Rollback() error {
	err := tx.Tx.Rollback()
	tx.end("rollback", &tx.drv.stats.rollbacks, err)
	return err
}

func (tx *statsTx) end(what string, counter *atomic.Int64, err error) {
	if err != nil {
		tx.drv.stats.errors.Add(1)
	} else {
		counter.Add(1)
	}
	if tx.drv.trace {
		tx.drv.logger.Debug("sql: "+what, "error", err)
	}
}

var _ dialect.Driver = (*StatsDriver)(nil)
