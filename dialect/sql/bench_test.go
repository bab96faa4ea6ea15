package sql

import (
	"testing"

	"github.com/syssam/persist/dialect"
)

func BenchmarkInsertBuilder_Default(b *testing.B) {
	for _, d := range []string{dialect.SQLite, dialect.MySQL, dialect.Postgres} {
		b.Run(d, func(b *testing.B) {
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				Dialect(d).Insert("artist").Default().Returning("id").Query()
			}
		})
	}
}

func BenchmarkInsertBuilder_Small(b *testing.B) {
	for _, d := range []string{dialect.SQLite, dialect.MySQL, dialect.Postgres} {
		b.Run(d, func(b *testing.B) {
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				Dialect(d).Insert("painting").
					Columns("id", "title", "price", "artist_id", "gallery_id", "created_at").
					Values(1, "Olympia", 12.5, 2, 3, "1863-01-01 00:00:00").
					Returning("id").
					Query()
			}
		})
	}
}

func BenchmarkUpdateBuilder_Locking(b *testing.B) {
	for _, d := range []string{dialect.SQLite, dialect.MySQL, dialect.Postgres} {
		b.Run(d, func(b *testing.B) {
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				Dialect(d).Update("painting").
					Set("title", "Olympia").
					Where(And(EQ("id", 1), EQ("price", 12.5), IsNull("artist_id"))).
					Query()
			}
		})
	}
}
