package main

import (
	"bytes"
	"context"
	"database/sql"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syssam/persist"
	"github.com/syssam/persist/cache"
	"github.com/syssam/persist/internal/config"
	"github.com/syssam/persist/object"
)

const galleryModel = `
entities:
  - name: Artist
    primaryKey: [id]
    keyStrategy: identity
    attributes:
      - name: id
      - name: name
    relationships:
      - name: paintings
        target: Painting
        toMany: true
        inverse: artist
        deleteRule: cascade
        joins: [{source: id, target: artist_id}]
  - name: Painting
    primaryKey: [id]
    keyStrategy: generated
    attributes:
      - name: id
      - name: title
    relationships:
      - name: artist
        target: Artist
        inverse: paintings
        joins: [{source: artist_id, target: id}]
  - name: Node
    primaryKey: [id]
    attributes:
      - name: id
    relationships:
      - name: parent
        target: Node
        joins: [{source: parent_id, target: id}]
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestRunUsage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	require.NoError(t, run(context.Background(), nil, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "Usage:\n  persistctl [command]")
	assert.Contains(t, stdout.String(), "smoke")
	err := run(context.Background(), []string{"migrate"}, &stdout, &stderr)
	assert.ErrorContains(t, err, `unknown command "migrate" for "persistctl"`)
}

func TestValidate(t *testing.T) {
	model := writeFile(t, t.TempDir(), "gallery.yaml", galleryModel)
	var stdout, stderr bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"validate", "--model", model}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "Artist\ttable=artist\tkey=id\tattributes=2\trelationships=1\n")
	assert.Contains(t, stdout.String(), "ok: 3 entities\n")

	bad := writeFile(t, t.TempDir(), "bad.yaml", "entities:\n  - name: Painting\n    primaryKey: [id]\n    relationships:\n      - name: artist\n        target: Missing\n")
	require.Error(t, run(context.Background(), []string{"validate", "--model", bad}, &stdout, &stderr))
	err := run(context.Background(), []string{"validate"}, &stdout, &stderr)
	assert.ErrorContains(t, err, `required flag(s) "model" not set`)
	require.NoError(t, run(context.Background(), []string{"validate", "-m", model}, &stdout, &stderr))
}

func TestOrder(t *testing.T) {
	model := writeFile(t, t.TempDir(), "gallery.yaml", galleryModel)
	var stdout, stderr bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"order", "--model", model}, &stdout, &stderr))
	assert.Equal(t, "insert: Artist Painting Node*\ndelete: Node* Painting Artist\n", stdout.String())
}

func TestSmoke(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "gallery.db")
	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE artist (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT)`)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE painting (id INTEGER PRIMARY KEY, title TEXT, artist_id INTEGER)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	model := writeFile(t, dir, "gallery.yaml", galleryModel)
	cfg := writeFile(t, dir, "persist.yaml", "driver: sqlite\ndsn: "+dbPath+"\nmodel: "+model+"\nkeys: {blockSize: 5}\nlog: {level: error}\n")

	t.Run("InsertDelete", func(t *testing.T) {
		var stdout, stderr bytes.Buffer
		err := run(context.Background(), []string{"smoke", "--config", cfg, "--entity", "Artist", "name=Cassatt"}, &stdout, &stderr)
		require.NoError(t, err, stderr.String())
		out := stdout.String()
		assert.Contains(t, out, "  INSERT INTO artist (name) [1 row(s)]\n")
		assert.Contains(t, out, "inserted Artist{id=i1}\n")
		assert.Contains(t, out, "  DELETE FROM artist WHERE (id) [1 row(s)]\n")
		assert.Contains(t, out, "deleted Artist{id=i1}\n")
	})

	t.Run("GeneratedKey", func(t *testing.T) {
		var stdout, stderr bytes.Buffer
		err := run(context.Background(), []string{"smoke", "--config", cfg, "--entity", "Painting", "--keep", "title=Olympia"}, &stdout, &stderr)
		require.NoError(t, err, stderr.String())
		assert.Contains(t, stdout.String(), "  INSERT INTO painting (title, id) [1 row(s)]\n")
		assert.Contains(t, stdout.String(), "inserted Painting{id=i1}\n")
	})

	t.Run("UnknownEntity", func(t *testing.T) {
		var stdout, stderr bytes.Buffer
		err := run(context.Background(), []string{"smoke", "--config", cfg, "--entity", "Museum"}, &stdout, &stderr)
		require.EqualError(t, err, `unknown entity "Museum"`)
	})
}

type keysRemote struct {
	persist.Cache
	keys []string
}

func (r *keysRemote) Set(_ context.Context, key string, _ []byte, _ time.Duration) error {
	r.keys = append(r.keys, key)
	return nil
}

func TestCacheOptions(t *testing.T) {
	cfg := config.Default()
	cfg.Redis.Prefix = "gallery:"
	cfg.Redis.TTL = time.Minute
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	assert.Len(t, cacheOptions(cfg, nil, logger), 1)

	remote := &keysRemote{}
	c := cache.New(cacheOptions(cfg, remote, logger)...)
	c.Put(object.SingleID("Artist", "id", 1), object.RowOf("id", 1, "name", "Cassatt"))
	// The remote store adds cfg.Redis.Prefix on its own.
	assert.Equal(t, []string{"persist:Artist:Artist{id=i1}"}, remote.keys)
}

func TestParseValues(t *testing.T) {
	got, err := parseValues([]string{"name=Cassatt", "born=1844", "alive=false", "note=null", "empty="})
	require.NoError(t, err)
	assert.Equal(t, []assignment{
		{"name", "Cassatt"},
		{"born", int64(1844)},
		{"alive", false},
		{"note", nil},
		{"empty", ""},
	}, got)

	_, err = parseValues([]string{"=x"})
	require.Error(t, err)
	_, err = parseValues([]string{"name"})
	require.Error(t, err)
}
