package cache_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syssam/persist/cache"
	"github.com/syssam/persist/object"
)

type recorder struct {
	mu   sync.Mutex
	sets []*cache.ChangeSet
	// onChange is called while handling a notification.
	onChange func(*cache.ChangeSet)
}

func (r *recorder) SnapshotsChanged(cs *cache.ChangeSet) {
	r.mu.Lock()
	r.sets = append(r.sets, cs)
	r.mu.Unlock()
	if r.onChange != nil {
		r.onChange(cs)
	}
}

func (r *recorder) received() []*cache.ChangeSet {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*cache.ChangeSet(nil), r.sets...)
}

func TestPutAndMerge(t *testing.T) {
	t.Parallel()
	c := cache.New()
	id := object.SingleID("Artist", "id", 1)

	_, ok := c.Get(id)
	assert.False(t, ok)

	v1 := c.Put(id, object.RowOf("id", 1, "name", "Monet"))
	assert.True(t, v1.Frozen())
	assert.Equal(t, uint64(1), v1.Version())
	assert.Zero(t, v1.ReplacesVersion())

	v2 := c.Merge(id, object.RowOf("name", "Manet", "born", nil))
	assert.Equal(t, uint64(2), v2.Version())
	assert.Equal(t, uint64(1), v2.ReplacesVersion())
	assert.True(t, v2.Equal(object.RowOf("id", 1, "name", "Manet", "born", nil)))

	got, ok := c.Get(id)
	require.True(t, ok)
	assert.Same(t, v2, got)
	// The first version is untouched.
	name, _ := v1.Get("name")
	assert.Equal(t, "Monet", name)

	c.Invalidate(id)
	_, ok = c.Get(id)
	assert.False(t, ok)
	assert.Zero(t, c.Len())
}

func TestApplyChangeSet(t *testing.T) {
	t.Parallel()
	c := cache.New()
	origin, other1, other2 := &recorder{}, &recorder{}, &recorder{}
	c.Subscribe(origin)
	c.Subscribe(other1)
	unsubscribe := c.Subscribe(other2)
	assert.Equal(t, 3, c.Subscribers())

	a1 := object.SingleID("Artist", "id", 1)
	a2 := object.SingleID("Artist", "id", 2)
	c.Put(a2, object.RowOf("id", 2, "name", "Degas"))

	stamped := c.ApplyChangeSet(context.Background(), origin, cache.ChangeSet{
		Updated: map[object.Key]*object.Row{a1.Key(): object.RowOf("id", 1, "name", "Monet")},
		Deleted: []object.Key{a2.Key()},
	})
	require.Len(t, stamped.Updated, 1)
	assert.True(t, stamped.Updated[a1.Key()].Frozen())

	assert.Empty(t, origin.received(), "no echo to the origin")
	require.Len(t, other1.received(), 1)
	require.Len(t, other2.received(), 1)
	assert.Same(t, stamped, other1.received()[0])

	_, ok := c.Get(a2)
	assert.False(t, ok)
	row, ok := c.Get(a1)
	require.True(t, ok)
	assert.Same(t, stamped.Updated[a1.Key()], row)

	unsubscribe()
	c.ApplyChangeSet(context.Background(), nil, cache.ChangeSet{Invalidated: []object.Key{a1.Key()}})
	assert.Len(t, other1.received(), 2)
	assert.Len(t, other2.received(), 1)
	assert.Len(t, origin.received(), 1)

	// Empty change sets are not delivered.
	c.ApplyChangeSet(context.Background(), nil, cache.ChangeSet{})
	assert.Len(t, other1.received(), 2)
}

func TestNotifyWithoutCacheLock(t *testing.T) {
	t.Parallel()
	c := cache.New()
	id := object.SingleID("Painting", "id", 7)
	var seen *object.Row
	sub := &recorder{onChange: func(*cache.ChangeSet) {
		// Reading and writing the cache from a subscriber must not deadlock.
		seen, _ = c.Get(id)
		c.Merge(id, object.RowOf("title", "Water Lilies"))
	}}
	c.Subscribe(sub)

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.ApplyChangeSet(context.Background(), nil, cache.ChangeSet{
			Updated: map[object.Key]*object.Row{id.Key(): object.RowOf("id", 7, "title", "Haystacks")},
		})
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("ApplyChangeSet deadlocked")
	}
	require.NotNil(t, seen)
	title, _ := seen.Get("title")
	assert.Equal(t, "Haystacks", title)
	row, _ := c.Get(id)
	assert.Equal(t, seen.Version(), row.ReplacesVersion())
}

func TestConcurrentAccess(t *testing.T) {
	t.Parallel()
	c := cache.New()
	c.Subscribe(&recorder{})
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := object.SingleID("Artist", "id", i)
			for j := range 50 {
				c.ApplyChangeSet(context.Background(), nil, cache.ChangeSet{
					Updated: map[object.Key]*object.Row{id.Key(): object.RowOf("id", i, "n", j)},
				})
				_, _ = c.Get(id)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 8, c.Len())
	for i := range 8 {
		row, ok := c.Get(object.SingleID("Artist", "id", i))
		require.True(t, ok)
		n, _ := row.Get("n")
		assert.Equal(t, int64(49), n)
	}
}

// memRemote is an in-memory persist.Cache.
type memRemote struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemRemote() *memRemote { return &memRemote{data: make(map[string][]byte)} }

func (m *memRemote) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[key], nil
}

func (m *memRemote) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memRemote) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memRemote) DeletePrefix(_ context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			delete(m.data, k)
		}
	}
	return nil
}

func (m *memRemote) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.data)
	return nil
}

func (m *memRemote) keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ks []string
	for k := range m.data {
		ks = append(ks, k)
	}
	return ks
}

func TestRemote(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	remote := newMemRemote()
	writer := cache.New(cache.WithRemote(remote, "gallery", time.Minute))
	reader := cache.New(cache.WithRemote(remote, "gallery", time.Minute))

	id := object.SingleID("Artist", "id", 3)
	writer.ApplyChangeSet(ctx, nil, cache.ChangeSet{
		Updated: map[object.Key]*object.Row{id.Key(): object.RowOf("id", 3, "name", "Cassatt", "born", nil)},
	})
	assert.Equal(t, []string{"gallery:Artist:Artist{id=i3}"}, remote.keys())

	_, ok := reader.Get(id)
	assert.False(t, ok)
	row, ok, err := reader.Fetch(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, row.Equal(object.RowOf("id", 3, "name", "Cassatt", "born", nil)))
	assert.Equal(t, uint64(1), row.Version())
	_, ok = reader.Get(id)
	assert.True(t, ok, "fetched rows are kept locally")

	_, ok, err = reader.Fetch(ctx, object.SingleID("Artist", "id", 4))
	require.NoError(t, err)
	assert.False(t, ok)

	writer.ApplyChangeSet(ctx, nil, cache.ChangeSet{Deleted: []object.Key{id.Key()}})
	assert.Empty(t, remote.keys())

	writer.Put(id, object.RowOf("id", 3))
	require.NoError(t, writer.Clear(ctx))
	assert.Empty(t, remote.keys())
	assert.Zero(t, writer.Len())
}

func TestCodec(t *testing.T) {
	t.Parallel()
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	row := object.RowOf("id", 1, "title", "Olympia", "price", 12.5, "sold", nil, "at", at, "raw", []byte{1, 2}).Stamp(4, 3)
	data, err := cache.EncodeRow(row)
	require.NoError(t, err)
	got, err := cache.DecodeRow(data)
	require.NoError(t, err)
	assert.True(t, got.Frozen())
	assert.Equal(t, uint64(4), got.Version())
	assert.Equal(t, uint64(3), got.ReplacesVersion())
	assert.Equal(t, row.Columns(), got.Columns())
	assert.True(t, row.Equal(got), "%v != %v", row, got)
	assert.True(t, got.Has("sold"))

	_, err = cache.EncodeRow(object.RowOf("artist_id", object.Defer(object.NewTemporaryID("Artist"), "id")))
	assert.Error(t, err)
	_, err = cache.DecodeRow([]byte{0xc1})
	assert.Error(t, err)
}
