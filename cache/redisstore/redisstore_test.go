package redisstore_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syssam/persist/cache"
	"github.com/syssam/persist/cache/redisstore"
	"github.com/syssam/persist/object"
)

// openStore connects to the server named by PERSIST_REDIS_ADDR, or skips.
func openStore(t *testing.T) *redisstore.Store {
	t.Helper()
	addr := os.Getenv("PERSIST_REDIS_ADDR")
	if addr == "" {
		t.Skip("PERSIST_REDIS_ADDR not set")
	}
	opts := redisstore.DefaultOptions()
	opts.Address = addr
	opts.Prefix = "persist-test:" + t.Name() + ":"
	s := redisstore.Open(opts)
	ctx := context.Background()
	require.NoError(t, s.Ping(ctx))
	t.Cleanup(func() {
		assert.NoError(t, s.Clear(ctx))
		assert.NoError(t, s.Close())
	})
	return s
}

func TestStore(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	v, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, v)

	require.NoError(t, s.Set(ctx, "a:1", []byte("one"), time.Minute))
	require.NoError(t, s.Set(ctx, "a:2", []byte("two"), 0))
	require.NoError(t, s.Set(ctx, "b:1", []byte("three"), 0))
	require.NoError(t, s.Set(ctx, "skip", []byte("x"), -1))

	v, err = s.Get(ctx, "a:1")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), v)
	v, err = s.Get(ctx, "skip")
	require.NoError(t, err)
	assert.Nil(t, v)

	require.NoError(t, s.DeletePrefix(ctx, "a:"))
	v, _ = s.Get(ctx, "a:2")
	assert.Nil(t, v)
	v, _ = s.Get(ctx, "b:1")
	assert.Equal(t, []byte("three"), v)

	require.NoError(t, s.Delete(ctx, "b:1"))
	v, _ = s.Get(ctx, "b:1")
	assert.Nil(t, v)
}

func TestSharedSnapshots(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	writer := cache.New(cache.WithRemote(s, "gallery", time.Minute))
	reader := cache.New(cache.WithRemote(s, "gallery", time.Minute))

	id := object.SingleID("Artist", "id", 9)
	writer.ApplyChangeSet(ctx, nil, cache.ChangeSet{
		Updated: map[object.Key]*object.Row{id.Key(): object.RowOf("id", 9, "name", "Morisot")},
	})
	row, ok, err := reader.Fetch(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	name, _ := row.Get("name")
	assert.Equal(t, "Morisot", name)
}

func TestClosedStore(t *testing.T) {
	t.Parallel()
	opts := redisstore.DefaultOptions()
	opts.Address = "127.0.0.1:1"
	s := redisstore.Open(opts)
	require.NoError(t, s.Close())
	_, err := s.Get(context.Background(), "k")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redisstore: get k")
}
