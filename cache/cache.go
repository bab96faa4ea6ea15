// Package cache implements the snapshot cache: a row cache keyed by object
// identity that is shared by any number of stores.
//
// Rows held by the cache are frozen and carry a version stamped by the cache.
// ApplyChangeSet applies the outcome of one flush atomically and then
// notifies every subscriber except the one that produced the change. The
// cache lock is never held while subscribers run, so subscribers may call
// back into the cache.
package cache

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/syssam/persist"
	"github.com/syssam/persist/object"
)

// ChangeSet is the aggregate outcome of one flush.
type ChangeSet struct {
	// Updated holds the new rows of inserted and updated objects.
	Updated map[object.Key]*object.Row
	// Deleted lists the identities of deleted objects.
	Deleted []object.Key
	// Invalidated lists identities whose rows are no longer trusted.
	Invalidated []object.Key
	// IndirectlyModified lists objects whose to-many relationships changed
	// without a change of their own row.
	IndirectlyModified []object.Key
}

// IsEmpty reports whether the change set carries no change.
func (cs *ChangeSet) IsEmpty() bool {
	return cs == nil || len(cs.Updated)+len(cs.Deleted)+len(cs.Invalidated)+len(cs.IndirectlyModified) == 0
}

// Subscriber receives the change sets applied by other subscribers.
type Subscriber interface {
	SnapshotsChanged(cs *ChangeSet)
}

// Cache is a concurrent snapshot cache.
type Cache struct {
	mu      sync.RWMutex
	rows    map[object.Key]*object.Row
	version uint64

	subMu sync.Mutex
	subs  []*subscription

	remote    persist.Cache
	namespace string
	ttl       time.Duration
	logger    *slog.Logger
}

type subscription struct {
	s Subscriber
}

// Option configures a Cache.
type Option func(*Cache)

// WithRemote enables write-through and read-through to a remote cache shared
// between processes. Keys are prefixed with the namespace.
func WithRemote(remote persist.Cache, namespace string, ttl time.Duration) Option {
	return func(c *Cache) {
		c.remote, c.namespace, c.ttl = remote, namespace, ttl
	}
}

// WithLogger sets the logger used for remote cache failures.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = l
	}
}

// New returns an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		rows:      make(map[object.Key]*object.Row),
		namespace: "persist",
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the row stored for the identity.
func (c *Cache) Get(id object.ID) (*object.Row, bool) {
	return c.get(id.Key())
}

func (c *Cache) get(key object.Key) (*object.Row, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.rows[key]
	return r, ok
}

// Fetch is like Get but falls back to the remote cache on a local miss.
// Rows read from the remote cache are stored locally.
func (c *Cache) Fetch(ctx context.Context, id object.ID) (*object.Row, bool, error) {
	if r, ok := c.Get(id); ok || c.remote == nil {
		return r, ok, nil
	}
	data, err := c.remote.Get(ctx, c.remoteKey(id.Entity(), id.Key()))
	if err != nil || data == nil {
		return nil, false, err
	}
	row, err := DecodeRow(data)
	if err != nil {
		return nil, false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.rows[id.Key()]; ok {
		return r, true, nil
	}
	if v := row.Version(); v > c.version {
		c.version = v
	}
	c.rows[id.Key()] = row
	return row, true, nil
}

// Put stores the row as the new version for the identity and returns the
// stored row. Subscribers are not notified.
func (c *Cache) Put(id object.ID, row *object.Row) *object.Row {
	c.mu.Lock()
	stored := c.put(id.Key(), row)
	c.mu.Unlock()
	c.writeRemote(context.Background(), map[object.Key]*object.Row{id.Key(): stored}, nil)
	return stored
}

// Merge applies the columns of partial over the stored row, or stores
// partial if there is no row yet, and returns the stored row.
func (c *Cache) Merge(id object.ID, partial *object.Row) *object.Row {
	c.mu.Lock()
	row := partial
	if prev, ok := c.rows[id.Key()]; ok {
		row = prev.Merge(partial)
	}
	stored := c.put(id.Key(), row)
	c.mu.Unlock()
	c.writeRemote(context.Background(), map[object.Key]*object.Row{id.Key(): stored}, nil)
	return stored
}

// Invalidate drops the row of the identity.
func (c *Cache) Invalidate(id object.ID) {
	c.mu.Lock()
	delete(c.rows, id.Key())
	c.mu.Unlock()
	c.writeRemote(context.Background(), nil, []object.Key{id.Key()})
}

// Select returns the rows of the entity for which match returns true, in
// key order. match runs with the cache read lock held.
func (c *Cache) Select(entity string, match func(*object.Row) bool) []*object.Row {
	c.mu.RLock()
	keys := make([]object.Key, 0)
	for k, row := range c.rows {
		if entityOf(k) == entity && match(row) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	rows := make([]*object.Row, len(keys))
	for i, k := range keys {
		rows[i] = c.rows[k]
	}
	c.mu.RUnlock()
	return rows
}

// Len returns the number of cached rows.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.rows)
}

// Clear drops every row, including the remote ones.
func (c *Cache) Clear(ctx context.Context) error {
	c.mu.Lock()
	clear(c.rows)
	c.mu.Unlock()
	if c.remote == nil {
		return nil
	}
	return c.remote.DeletePrefix(ctx, c.namespace+":")
}

// put must be called with c.mu held. A row carrying a replaced version
// keeps it; otherwise the row replaces the stored one.
func (c *Cache) put(key object.Key, row *object.Row) *object.Row {
	replaces := row.ReplacesVersion()
	if prev, ok := c.rows[key]; ok && replaces == 0 {
		replaces = prev.Version()
	}
	c.version++
	stored := row.Stamp(c.version, replaces)
	c.rows[key] = stored
	return stored
}

// ApplyChangeSet applies the change set atomically, stamping a new version on
// every updated row, and then delivers the stamped change set to every
// subscriber except origin. The returned change set holds the stored rows.
// Callers must not hold locks that subscribers acquire.
func (c *Cache) ApplyChangeSet(ctx context.Context, origin Subscriber, cs ChangeSet) *ChangeSet {
	stamped := &ChangeSet{
		Updated:            make(map[object.Key]*object.Row, len(cs.Updated)),
		Deleted:            slices.Clone(cs.Deleted),
		Invalidated:        slices.Clone(cs.Invalidated),
		IndirectlyModified: slices.Clone(cs.IndirectlyModified),
	}
	// Stamp in key order so versions do not depend on map iteration.
	keys := make([]object.Key, 0, len(cs.Updated))
	for k := range cs.Updated {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	c.mu.Lock()
	for _, k := range keys {
		stamped.Updated[k] = c.put(k, cs.Updated[k])
	}
	for _, k := range cs.Deleted {
		delete(c.rows, k)
	}
	for _, k := range cs.Invalidated {
		delete(c.rows, k)
	}
	c.mu.Unlock()

	c.writeRemote(ctx, stamped.Updated, slices.Concat(stamped.Deleted, stamped.Invalidated))
	if !stamped.IsEmpty() {
		c.notify(origin, stamped)
	}
	return stamped
}

// Subscribe registers s for notifications and returns a function removing it.
func (c *Cache) Subscribe(s Subscriber) (unsubscribe func()) {
	sub := &subscription{s: s}
	c.subMu.Lock()
	c.subs = append(c.subs, sub)
	c.subMu.Unlock()
	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		c.subs = slices.DeleteFunc(c.subs, func(x *subscription) bool { return x == sub })
	}
}

// Subscribers returns the number of registered subscribers.
func (c *Cache) Subscribers() int {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	return len(c.subs)
}

func (c *Cache) notify(origin Subscriber, cs *ChangeSet) {
	c.subMu.Lock()
	subs := slices.Clone(c.subs)
	c.subMu.Unlock()
	for _, sub := range subs {
		if origin != nil && sub.s == origin {
			continue
		}
		sub.s.SnapshotsChanged(cs)
	}
}

func (c *Cache) remoteKey(entity string, key object.Key) string {
	return persist.CacheKey{Namespace: c.namespace, Entity: entity, ID: string(key)}.String()
}

// writeRemote mirrors local changes to the remote cache. The local cache is
// authoritative, so failures are logged and not returned.
func (c *Cache) writeRemote(ctx context.Context, updated map[object.Key]*object.Row, deleted []object.Key) {
	if c.remote == nil {
		return
	}
	for k, row := range updated {
		data, err := EncodeRow(row)
		if err == nil {
			err = c.remote.Set(ctx, c.remoteKey(entityOf(k), k), data, c.ttl)
		}
		if err != nil {
			c.logger.WarnContext(ctx, "remote cache write failed", "key", k, "error", err)
		}
	}
	for _, k := range deleted {
		if err := c.remote.Delete(ctx, c.remoteKey(entityOf(k), k)); err != nil {
			c.logger.WarnContext(ctx, "remote cache delete failed", "key", k, "error", err)
		}
	}
}

// entityOf returns the entity name prefix of a canonical key.
func entityOf(k object.Key) string {
	for i, r := range k {
		if r == '{' || r == '~' {
			return string(k[:i])
		}
	}
	return string(k)
}
