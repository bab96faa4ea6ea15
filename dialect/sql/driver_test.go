package sql

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syssam/persist/dialect"
)

// TestOpenDB tests the OpenDB function with different driver names.
func TestOpenDB(t *testing.T) {
	tests := []struct {
		name    string
		dialect string
	}{
		{"postgres", dialect.Postgres},
		{"pgx", dialect.Postgres},
		{"mysql", dialect.MySQL},
		{"sqlite", dialect.SQLite},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, _, err := sqlmock.New()
			require.NoError(t, err)
			defer db.Close()

			drv := OpenDB(tt.name, db)
			assert.NotNil(t, drv)
			assert.Equal(t, tt.dialect, drv.Dialect())
			assert.Same(t, db, drv.DB())
			assert.Equal(t, tt.name, drv.Name())
		})
	}
}

// TestDriverQuery tests query operations.
func TestDriverQuery(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	drv := OpenDB(dialect.Postgres, db)

	t.Run("query_with_args", func(t *testing.T) {
		mock.ExpectQuery("SELECT name FROM artist WHERE id = \\$1").
			WithArgs(1).
			WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("Monet"))

		rows := &Rows{}
		err := drv.Query(context.Background(), "SELECT name FROM artist WHERE id = $1", []any{1}, rows)
		require.NoError(t, err)
		maps, err := ScanMaps(rows)
		require.NoError(t, err)
		assert.Equal(t, []map[string]any{{"name": "Monet"}}, maps)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("query_error", func(t *testing.T) {
		mock.ExpectQuery("SELECT").WillReturnError(errors.New("database error"))

		rows := &Rows{}
		err := drv.Query(context.Background(), "SELECT", []any{}, rows)
		require.ErrorContains(t, err, "sql: query: database error")
		var se *StatementError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, "SELECT", se.Query)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("invalid_arguments", func(t *testing.T) {
		err := drv.Query(context.Background(), "SELECT 1", []any{}, new(int))
		require.ErrorContains(t, err, "must be *sql.Rows")
		err = drv.Query(context.Background(), "SELECT 1", 1, &Rows{})
		require.ErrorContains(t, err, "must be []any")
	})
}

// TestDriverExec tests execute operations.
func TestDriverExec(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	drv := OpenDB(dialect.Postgres, db)

	t.Run("exec_with_result", func(t *testing.T) {
		mock.ExpectExec("UPDATE artist SET name = \\$1 WHERE id = \\$2").
			WithArgs("Monet", 1).
			WillReturnResult(sqlmock.NewResult(0, 1))

		var res sql.Result
		err := drv.Exec(context.Background(), "UPDATE artist SET name = $1 WHERE id = $2", []any{"Monet", 1}, &res)
		require.NoError(t, err)
		n, err := res.RowsAffected()
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("exec_error", func(t *testing.T) {
		mock.ExpectExec("DELETE").WillReturnError(errors.New("constraint violation"))

		err := drv.Exec(context.Background(), "DELETE FROM artist", []any{}, nil)
		require.ErrorContains(t, err, "constraint violation")
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("invalid_result", func(t *testing.T) {
		err := drv.Exec(context.Background(), "DELETE FROM artist", []any{}, new(int))
		require.ErrorContains(t, err, "must be *sql.Result")
	})
}

// TestDriverTransaction tests transaction operations.
func TestDriverTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	drv := OpenDB(dialect.SQLite, db)

	t.Run("successful_commit", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO artist").WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		tx, err := drv.Tx(context.Background())
		require.NoError(t, err)
		require.NoError(t, tx.Exec(context.Background(), "INSERT INTO artist (name) VALUES (?)", []any{"Monet"}, nil))
		require.NoError(t, tx.Commit())
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rollback", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO artist").WillReturnError(errors.New("error"))
		mock.ExpectRollback()

		tx, err := drv.Tx(context.Background())
		require.NoError(t, err)
		require.Error(t, tx.Exec(context.Background(), "INSERT INTO artist (name) VALUES (?)", []any{"Monet"}, nil))
		require.NoError(t, tx.Rollback())
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("nop_tx", func(t *testing.T) {
		mock.ExpectExec("DELETE FROM artist").WillReturnResult(sqlmock.NewResult(0, 0))
		tx := dialect.NopTx(drv)
		require.NoError(t, tx.Exec(context.Background(), "DELETE FROM artist", []any{}, nil))
		require.NoError(t, tx.Commit())
		require.NoError(t, tx.Rollback())
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestStatsDriver(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	drv := NewStatsDriver(OpenDB(dialect.Postgres, db), WithSlowThreshold(0), WithLogger(logger))
	mock.ExpectExec("INSERT").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("SELECT").WillReturnError(errors.New("boom"))
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectRollback()

	ctx := context.Background()
	require.NoError(t, drv.Exec(ctx, "INSERT INTO artist DEFAULT VALUES", []any{}, nil))
	require.Error(t, drv.Query(ctx, "SELECT 1", []any{}, &Rows{}))
	tx, err := drv.Tx(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Exec(ctx, "UPDATE artist SET name = $1", []any{"x"}, nil))
	require.NoError(t, tx.Commit())
	tx, err = drv.Tx(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())
	require.NoError(t, mock.ExpectationsWereMet())

	s := drv.Stats().Snapshot()
	assert.Equal(t, int64(2), s.Execs)
	assert.Equal(t, int64(1), s.Queries)
	assert.Equal(t, int64(1), s.Commits)
	assert.Equal(t, int64(1), s.Rollbacks)
	assert.Equal(t, int64(1), s.Errors)
	assert.Equal(t, int64(3), s.Slow)
	assert.Contains(t, s.String(), "execs=2 commits=1 rollbacks=1")
	assert.Equal(t, 3, strings.Count(buf.String(), "sql: slow statement"))

	drv.SetSlowThreshold(time.Hour)
	assert.Equal(t, time.Hour, drv.SlowThreshold())
	drv.Stats().Reset()
	assert.Equal(t, StatsSnapshot{}, drv.Stats().Snapshot())
	assert.Zero(t, StatsSnapshot{}.Avg())
}

func TestStatsDriverStatementLog(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	drv := NewStatsDriver(OpenDB(dialect.MySQL, db), WithSlowThreshold(time.Hour), WithLogger(logger), WithStatementLog())
	mock.ExpectBegin()
	mock.ExpectExec("DELETE").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	ctx := context.Background()
	tx, err := drv.Tx(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Exec(ctx, "DELETE FROM artist WHERE id = ?", []any{1}, nil))
	require.NoError(t, tx.Rollback())
	require.NoError(t, mock.ExpectationsWereMet())

	out := buf.String()
	assert.Contains(t, out, "sql: begin")
	assert.Contains(t, out, `query="DELETE FROM artist WHERE id = ?"`)
	assert.Contains(t, out, "sql: rollback")
	assert.NotContains(t, out, "slow statement")
	assert.Equal(t, dialect.MySQL, drv.Dialect())
}

// TestIsValidIdentifier tests SQL identifier validation.
func TestIsValidIdentifier(t *testing.T) {
	tests := []struct {
		input string
		valid bool
	}{
		{"artist", true},
		{"artist_exhibit", true},
		{"public.artist", true},
		{"_x1", true},
		{"", false},
		{"1abc", false},
		{"artist; DROP TABLE x", false},
		{"na-me", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.valid, ValidIdentifier(tt.input), tt.input)
	}
}
