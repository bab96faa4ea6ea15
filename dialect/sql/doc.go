// Package sql implements dialect.Driver on top of database/sql and renders
// the INSERT, UPDATE, DELETE and SELECT statements used by the SQL backend.
//
// Statements are built per dialect, which decides identifier quoting and
// placeholders ($n for PostgreSQL, ? otherwise):
//
//	query, args := sql.Dialect(dialect.Postgres).
//	    Update("painting").
//	    Set("title", "Olympia").
//	    Where(sql.And(sql.EQ("id", 7), sql.IsNull("artist_id"))).
//	    Query()
//	// UPDATE "painting" SET "title" = $1 WHERE "id" = $2 AND "artist_id" IS NULL
//
// StatsDriver wraps a Driver to count statements, report slow ones and
// optionally log every statement through log/slog.
package sql
