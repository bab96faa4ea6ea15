// Package flush commits the changes of a store to a batch backend.
//
// A flush runs as a state machine:
//
//	Idle → Categorizing → KeyGeneration → PhantomFiltering → Ordering →
//	BatchBuilding → Executing → Postprocessing → Idle
//
// Any step may end in Failed. No step before Executing performs I/O on the
// backend, and the store and the snapshot cache are only modified after the
// backend transaction committed. A failed flush leaves the store as it was,
// so the caller may fix the cause and flush again, or call Rollback.
package flush

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/syssam/persist"
	"github.com/syssam/persist/batch"
	"github.com/syssam/persist/cache"
	"github.com/syssam/persist/keygen"
	"github.com/syssam/persist/privacy"
	"github.com/syssam/persist/schema"
	"github.com/syssam/persist/sorter"
	"github.com/syssam/persist/store"
)

// State is a step of the flush state machine.
type State int

// Flush states.
const (
	Idle State = iota
	Categorizing
	KeyGeneration
	PhantomFiltering
	Ordering
	BatchBuilding
	Executing
	Postprocessing
	Failed
)

var stateNames = [...]string{
	Idle:             "idle",
	Categorizing:     "categorizing",
	KeyGeneration:    "key-generation",
	PhantomFiltering: "phantom-filtering",
	Ordering:         "ordering",
	BatchBuilding:    "batch-building",
	Executing:        "executing",
	Postprocessing:   "postprocessing",
	Failed:           "failed",
}

// String implements fmt.Stringer.
func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Summary describes a committed flush.
type Summary struct {
	Inserted int
	Updated  int
	Deleted  int
	// Phantoms counts modified objects that produced no column change.
	Phantoms          int
	RelationsInserted int
	RelationsDeleted  int
	// Batches holds the executed batches in execution order.
	Batches  []string
	Duration time.Duration
	// ChangeSet is the change set applied to the snapshot cache, with the
	// rows as stored by the cache.
	ChangeSet *cache.ChangeSet
}

// Statements returns the number of executed batches.
func (s *Summary) Statements() int { return len(s.Batches) }

// Listener is notified after a flush committed.
type Listener interface {
	Committed(ctx context.Context, s *Summary)
}

// The ListenerFunc type is an adapter to allow the use of ordinary
// functions as flush listeners.
type ListenerFunc func(context.Context, *Summary)

// Committed calls f(ctx, s).
func (f ListenerFunc) Committed(ctx context.Context, s *Summary) { f(ctx, s) }

// Flusher commits stores to a backend. A Flusher is safe for concurrent use
// by stores sharing a snapshot cache.
type Flusher struct {
	backend   batch.Backend
	keys      keygen.Source
	policy    privacy.Rule
	hooks     []persist.Hook
	listeners []Listener
	metrics   *Metrics
	logger    *slog.Logger
	trace     func(from, to State)

	mu      sync.Mutex
	sorters map[*schema.Model]*sorter.Sorter
}

// Option configures a Flusher.
type Option func(*Flusher)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Flusher) {
		f.logger = l
	}
}

// WithKeySource sets the source of keys for entities with generated keys.
// Defaults to an in-memory counter.
func WithKeySource(s keygen.Source) Option {
	return func(f *Flusher) {
		f.keys = s
	}
}

// WithPolicy sets the mutation policy evaluated for every change.
func WithPolicy(p privacy.Rule) Option {
	return func(f *Flusher) {
		f.policy = p
	}
}

// WithHooks appends hooks called for every change after the policy.
func WithHooks(hooks ...persist.Hook) Option {
	return func(f *Flusher) {
		f.hooks = append(f.hooks, hooks...)
	}
}

// WithListener appends a listener notified after every committed flush.
func WithListener(l Listener) Option {
	return func(f *Flusher) {
		f.listeners = append(f.listeners, l)
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *Metrics) Option {
	return func(f *Flusher) {
		f.metrics = m
	}
}

// WithTrace sets a function called on every state transition.
func WithTrace(fn func(from, to State)) Option {
	return func(f *Flusher) {
		f.trace = fn
	}
}

// New returns a Flusher executing batches on backend.
func New(backend batch.Backend, opts ...Option) *Flusher {
	f := &Flusher{
		backend: backend,
		keys:    keygen.NewMemory(),
		logger:  slog.Default(),
		sorters: make(map[*schema.Model]*sorter.Sorter),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Flush commits the changes of st. On success the store objects are
// Committed, inserted objects carry their permanent identity and the
// snapshot cache holds the new rows.
func (f *Flusher) Flush(ctx context.Context, st *store.Store) (*Summary, error) {
	if err := st.BeginFlush(); err != nil {
		return nil, err
	}
	start := time.Now()
	r := &run{
		Flusher: f,
		st:      st,
		sorter:  f.sorter(st.Model()),
		logger:  f.logger.With("flush", fmt.Sprintf("%p", st)),
		state:   Idle,
		summary: &Summary{},
	}
	err := r.do(ctx)
	st.EndFlush()
	r.summary.Duration = time.Since(start)
	f.metrics.observe(r.summary, err)
	if err != nil {
		r.transition(Failed)
		return nil, err
	}
	r.transition(Idle)
	for _, l := range f.listeners {
		l.Committed(ctx, r.summary)
	}
	return r.summary, nil
}

// Rollback discards the uncommitted changes of st.
func (f *Flusher) Rollback(st *store.Store) {
	st.Rollback()
	f.logger.Warn("flush: store rolled back")
}

func (f *Flusher) sorter(m *schema.Model) *sorter.Sorter {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sorters[m]
	if !ok {
		s = sorter.New(m)
		f.sorters[m] = s
	}
	return s
}

// run is the state of one flush.
type run struct {
	*Flusher
	st      *store.Store
	sorter  *sorter.Sorter
	logger  *slog.Logger
	state   State
	summary *Summary
	plan    *plan
}

func (r *run) transition(to State) {
	from := r.state
	r.state = to
	r.logger.Debug("flush: state", "from", from, "to", to)
	if r.trace != nil {
		r.trace(from, to)
	}
}

// step moves to the next state unless ctx is done.
func (r *run) step(ctx context.Context, to State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.transition(to)
	return nil
}

func (r *run) do(ctx context.Context) error {
	if err := r.step(ctx, Categorizing); err != nil {
		return err
	}
	changes := r.st.ChangesSince()
	if changes.IsEmpty() {
		r.logger.Debug("flush: nothing to commit")
		return nil
	}
	r.plan = newPlan(r.st, changes)
	if err := r.categorize(ctx); err != nil {
		return err
	}
	if err := r.step(ctx, KeyGeneration); err != nil {
		return err
	}
	if err := r.generateKeys(ctx); err != nil {
		return err
	}
	if err := r.step(ctx, PhantomFiltering); err != nil {
		return err
	}
	if err := r.filterPhantoms(); err != nil {
		return err
	}
	if err := r.step(ctx, Ordering); err != nil {
		return err
	}
	r.order()
	if err := r.step(ctx, BatchBuilding); err != nil {
		return err
	}
	if err := r.buildBatches(); err != nil {
		return err
	}
	if err := r.step(ctx, Executing); err != nil {
		return err
	}
	// Execution is not cancelable: once started, only the backend
	// transaction can undo it.
	ctx = context.WithoutCancel(ctx)
	if err := r.execute(ctx); err != nil {
		return err
	}
	r.transition(Postprocessing)
	r.postprocess(ctx)
	return nil
}

// isLockFailure reports whether err should be logged as a lock failure.
func isLockFailure(err error) bool {
	return errors.Is(err, persist.ErrOptimisticLock)
}
