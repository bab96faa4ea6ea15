package dialect_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/syssam/persist/dialect"
)

func TestOf(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"postgres": dialect.Postgres,
		"pgx":      dialect.Postgres,
		"mysql":    dialect.MySQL,
		"sqlite":   dialect.SQLite,
		"sqlite3":  dialect.SQLite,
		"oracle":   "oracle",
	}
	for name, want := range tests {
		assert.Equal(t, want, dialect.Of(name), name)
	}
}
