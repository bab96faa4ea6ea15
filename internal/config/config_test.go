package config

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syssam/persist/dialect"
)

func TestParse(t *testing.T) {
	c, err := Parse(strings.NewReader(`
driver: pgx
dsn: postgres://localhost/gallery
model: gallery.yaml
slowThreshold: 250ms
keys:
  blockSize: 50
redis:
  address: localhost:6379
  prefix: gallery
  ttl: 1h
log:
  level: debug
  format: json
`))
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/gallery", c.DSN)
	assert.Equal(t, "gallery.yaml", c.Model)
	assert.Equal(t, 250*time.Millisecond, c.SlowThreshold)
	assert.Equal(t, int64(50), c.Keys.BlockSize)
	assert.Equal(t, "key_sequences", c.Keys.Table, "default kept")
	assert.Equal(t, "localhost:6379", c.Redis.Address)
	assert.Equal(t, time.Hour, c.Redis.TTL)

	d, err := c.Dialect()
	require.NoError(t, err)
	assert.Equal(t, dialect.Postgres, d)
	level, err := c.Level()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestParseDefaults(t *testing.T) {
	c, err := Parse(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
	d, err := c.Dialect()
	require.NoError(t, err)
	assert.Equal(t, dialect.SQLite, d)
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		err  string
	}{
		{"UnknownKey", "dsnn: x", "field dsnn not found"},
		{"Driver", "driver: oracle", `unsupported driver "oracle"`},
		{"DSN", `dsn: ""`, "dsn is required"},
		{"BlockSize", "keys: {blockSize: 0}", "keys.blockSize must be positive"},
		{"SlowThreshold", "slowThreshold: -1s", "slowThreshold must not be negative"},
		{"Level", "log: {level: loud}", "log level"},
		{"Format", "log: {format: xml}", `unknown log format "xml"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.err)
		})
	}
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	c := Default()
	c.Log = Log{Level: "warn", Format: "json"}
	l := c.Logger(&buf)
	l.Info("hidden")
	l.Warn("shown", "k", 1)
	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"k":1`)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("testdata/missing.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config:")
}
