// Package store implements the identity map of one persistence session.
//
// A Store holds at most one object per identity and tracks the persistence
// state of every registered object. Objects are read and written only
// through the accessor of their entity. The store keeps the last committed
// row of an object the first time it becomes dirty, so that changes other
// sessions commit to the shared snapshot cache do not corrupt its diff.
//
// A Store is safe for concurrent use, but a session is expected to be driven
// by one goroutine at a time. Notifications from the snapshot cache may
// arrive from any goroutine.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/syssam/persist"
	"github.com/syssam/persist/cache"
	"github.com/syssam/persist/object"
	"github.com/syssam/persist/schema"
)

// RowLoader loads committed rows of objects missing from the snapshot cache.
type RowLoader interface {
	LoadRow(ctx context.Context, e *schema.Entity, id object.ID) (*object.Row, error)
}

// DependentLoader is implemented by row loaders that can list the committed
// objects reached through a to-many relationship of an object. The store
// uses it to check Deny delete rules of relationships that are not loaded.
type DependentLoader interface {
	LoadDependents(ctx context.Context, r *schema.Relationship, id object.ID) ([]object.ID, error)
}

// Store is the identity map of one session.
type Store struct {
	model  *schema.Model
	cache  *cache.Cache
	loader RowLoader
	logger *slog.Logger

	mu        sync.Mutex
	entries   map[object.Key]*entry
	byObj     map[any]*entry
	seq       uint64
	relations []*RelationUpdate
	flushing  bool

	unsubscribe func()
}

type entry struct {
	obj    any
	id     object.ID
	entity *schema.Entity
	state  object.State
	seq    uint64
	// retained is the committed row captured when the object became dirty.
	retained *object.Row
	// prior is the state the object had before it was deleted.
	prior object.State
	// version is the cache version of the row last written into the object.
	version uint64
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// WithLoader sets the loader used by Resolve for rows missing from the cache.
func WithLoader(l RowLoader) Option {
	return func(s *Store) {
		s.loader = l
	}
}

// New returns a store for the model, subscribed to the snapshot cache.
func New(m *schema.Model, c *cache.Cache, opts ...Option) *Store {
	s := &Store{
		model:   m,
		cache:   c,
		logger:  slog.Default(),
		entries: make(map[object.Key]*entry),
		byObj:   make(map[any]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.unsubscribe = c.Subscribe(s)
	return s
}

// Close detaches the store from the snapshot cache.
func (s *Store) Close() {
	s.unsubscribe()
}

// Model returns the mapping model of the store.
func (s *Store) Model() *schema.Model { return s.model }

// Cache returns the shared snapshot cache.
func (s *Store) Cache() *cache.Cache { return s.cache }

// Logger returns the store logger.
func (s *Store) Logger() *slog.Logger { return s.logger }

// Register registers a new object of the entity under a temporary identity
// and returns it. Registering an object twice returns its current identity.
func (s *Store) Register(obj any, entity string) (object.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mutable(); err != nil {
		return object.ID{}, err
	}
	e, err := s.entity(entity)
	if err != nil {
		return object.ID{}, err
	}
	if ent, ok := s.byObj[obj]; ok {
		if ent.entity != e {
			return object.ID{}, persist.NewDuplicateIdentityError(entity, ent.id)
		}
		return ent.id, nil
	}
	ent := s.add(obj, object.NewTemporaryID(e.Name), e, object.New)
	return ent.id, nil
}

// Attach registers an object with a known identity. The state must be
// Hollow (data not loaded) or Committed (data matches the committed row).
func (s *Store) Attach(obj any, id object.ID, state object.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mutable(); err != nil {
		return err
	}
	if state != object.Hollow && state != object.Committed {
		return fmt.Errorf("store: attach %s in state %s", id, state)
	}
	if id.IsTemporary() {
		return fmt.Errorf("store: attach %s: temporary identity", id)
	}
	e, err := s.entity(id.Entity())
	if err != nil {
		return err
	}
	if other, ok := s.entries[id.Key()]; ok && other.obj != obj {
		return persist.NewDuplicateIdentityError(e.Name, id)
	}
	if ent, ok := s.byObj[obj]; ok {
		if !ent.id.Equal(id) {
			return persist.NewDuplicateIdentityError(e.Name, ent.id)
		}
		ent.state = state
		return nil
	}
	s.add(obj, id, e, state)
	return nil
}

// Get returns the object registered under id. It performs no I/O.
func (s *Store) Get(id object.ID) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ent, ok := s.entries[id.Key()]; ok {
		return ent.obj, true
	}
	return nil, false
}

// Lookup returns the identity and state of a registered object.
func (s *Store) Lookup(obj any) (object.ID, object.State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ent, ok := s.byObj[obj]; ok {
		return ent.id, ent.state, true
	}
	return object.ID{}, object.Transient, false
}

// State returns the persistence state of obj, Transient if not registered.
func (s *Store) State(obj any) object.State {
	_, state, _ := s.Lookup(obj)
	return state
}

// Len returns the number of registered objects.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Fault returns the object registered under id, registering a new Hollow
// object when there is none.
func (s *Store) Fault(id object.ID) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fault(id)
}

// Fetch returns the object registered under id with its data loaded.
func (s *Store) Fetch(ctx context.Context, id object.ID) (any, error) {
	obj, err := s.Fault(id)
	if err != nil {
		return nil, err
	}
	if err := s.Resolve(ctx, obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// MarkInvalid turns the objects into Hollow objects: their data is dropped
// and reloaded on the next Resolve. Unknown identities are ignored.
func (s *Store) MarkInvalid(ids ...object.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if ent, ok := s.entries[id.Key()]; ok && ent.state != object.New {
			s.invalidate(ent)
		}
	}
}

// Write installs a property slot of obj without change tracking, for
// example a to-many relationship fetched by the application. Use Set,
// AddTarget and RemoveTarget for changes.
func (s *Store) Write(obj any, property string, slot object.Slot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ent, err := s.entryOf(obj)
	if err != nil {
		return err
	}
	return s.write(ent, property, slot)
}

// Change is one dirty object.
type Change struct {
	Object any
	ID     object.ID
	Entity *schema.Entity
	State  object.State
	// Previous is the committed row the change applies to, nil for new
	// objects and for objects whose row was never known.
	Previous *object.Row
}

// Changes are the dirty objects of a store, in registration order.
type Changes struct {
	Inserted  []Change
	Updated   []Change
	Deleted   []Change
	Relations []RelationUpdate
}

// IsEmpty reports whether there is nothing to flush.
func (c *Changes) IsEmpty() bool {
	return len(c.Inserted)+len(c.Updated)+len(c.Deleted)+len(c.Relations) == 0
}

// ChangesSince returns the objects that changed since the last successful
// commit of the store.
func (s *Store) ChangesSince() *Changes {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := &Changes{}
	for _, ent := range s.sorted() {
		ch := Change{Object: ent.obj, ID: ent.id, Entity: ent.entity, State: ent.state}
		switch ent.state {
		case object.New:
			c.Inserted = append(c.Inserted, ch)
		case object.Modified:
			ch.Previous = s.previous(ent)
			c.Updated = append(c.Updated, ch)
		case object.Deleted:
			ch.Previous = s.previous(ent)
			c.Deleted = append(c.Deleted, ch)
		}
	}
	for _, r := range s.relations {
		c.Relations = append(c.Relations, *r)
	}
	return c
}

// RetainPreCommitSnapshot captures the committed row of obj from the
// snapshot cache unless a row is already retained.
func (s *Store) RetainPreCommitSnapshot(obj any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ent, err := s.entryOf(obj)
	if err != nil {
		return err
	}
	s.retain(ent)
	return nil
}

// Retained returns the row retained for obj, if any.
func (s *Store) Retained(obj any) (*object.Row, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ent, ok := s.byObj[obj]; ok && ent.retained != nil {
		return ent.retained, true
	}
	return nil, false
}

// BeginFlush marks the store as flushing. Mutations fail with
// persist.ErrFlushInProgress until EndFlush is called.
func (s *Store) BeginFlush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flushing {
		return persist.ErrFlushInProgress
	}
	s.flushing = true
	return nil
}

// EndFlush ends a flush started with BeginFlush.
func (s *Store) EndFlush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushing = false
}

func (s *Store) mutable() error {
	if s.flushing {
		return persist.ErrFlushInProgress
	}
	return nil
}

func (s *Store) entity(name string) (*schema.Entity, error) {
	e, ok := s.model.Entity(name)
	if !ok {
		return nil, persist.NewValidationError(name, errors.New("unknown entity"))
	}
	return e, nil
}

func (s *Store) entryOf(obj any) (*entry, error) {
	if obj == nil {
		return nil, errors.New("store: nil object")
	}
	ent, ok := s.byObj[obj]
	if !ok {
		return nil, persist.NewNotFoundError(fmt.Sprintf("%T", obj), nil)
	}
	return ent, nil
}

func (s *Store) add(obj any, id object.ID, e *schema.Entity, state object.State) *entry {
	s.seq++
	ent := &entry{obj: obj, id: id, entity: e, state: state, seq: s.seq}
	s.entries[id.Key()] = ent
	s.byObj[obj] = ent
	return ent
}

func (s *Store) remove(ent *entry) {
	delete(s.entries, ent.id.Key())
	delete(s.byObj, ent.obj)
	s.relations = slices.DeleteFunc(s.relations, func(r *RelationUpdate) bool {
		return r.Source == ent.obj || r.Target == ent.obj
	})
}

// sorted returns the entries in registration order.
func (s *Store) sorted() []*entry {
	ents := make([]*entry, 0, len(s.entries))
	for _, ent := range s.entries {
		ents = append(ents, ent)
	}
	slices.SortFunc(ents, func(a, b *entry) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})
	return ents
}

func (s *Store) fault(id object.ID) (any, error) {
	if ent, ok := s.entries[id.Key()]; ok {
		return ent.obj, nil
	}
	if id.IsTemporary() {
		return nil, persist.NewNotFoundError(id.Entity(), id)
	}
	e, err := s.entity(id.Entity())
	if err != nil {
		return nil, err
	}
	obj := e.Accessor.New()
	s.add(obj, id, e, object.Hollow)
	return obj, nil
}

// previous returns the row an update or delete of ent applies to.
func (s *Store) previous(ent *entry) *object.Row {
	if ent.retained != nil {
		return ent.retained
	}
	row, _ := s.cache.Get(ent.id)
	return row
}

func (s *Store) retain(ent *entry) {
	if ent.retained != nil || ent.id.IsTemporary() {
		return
	}
	if row, ok := s.cache.Get(ent.id); ok {
		ent.retained = row
	}
}

// markDirty moves a clean object to Modified.
func (s *Store) markDirty(ent *entry) {
	switch ent.state {
	case object.Committed, object.Hollow:
		s.retain(ent)
		ent.state = object.Modified
	}
}

func (s *Store) invalidate(ent *entry) {
	for _, a := range ent.entity.Attributes {
		if ent.entity.IsPrimaryKey(a.Column) {
			continue
		}
		s.write(ent, a.Name, object.NotLoaded())
	}
	for _, r := range ent.entity.Relationships {
		s.write(ent, r.Name, object.NotLoaded())
	}
	ent.retained = nil
	ent.version = 0
	ent.state = object.Hollow
}

func (s *Store) read(ent *entry, property string) object.Slot {
	slot, err := ent.entity.Accessor.Read(ent.obj, property)
	if err != nil {
		s.logger.Warn("store: read property", "entity", ent.entity.Name, "property", property, "error", err)
		return object.NotLoaded()
	}
	return slot
}

func (s *Store) write(ent *entry, property string, slot object.Slot) error {
	err := ent.entity.Accessor.Write(ent.obj, property, slot)
	if err != nil {
		s.logger.Warn("store: write property", "entity", ent.entity.Name, "property", property, "error", err)
	}
	return err
}

var _ cache.Subscriber = (*Store)(nil)
