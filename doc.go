// Package persist is an object persistence context: it tracks the domain
// objects of a unit of work and writes their changes to a database in
// one transaction.
//
// The packages divide the work as follows:
//
//   - object: identities, rows, deferred key values and property accessors
//   - schema: the mapping of entities to tables, loaded from Go or YAML
//   - store: the identity map of one unit of work and its change tracking
//   - cache: the snapshot cache of committed rows, shared between stores
//   - sorter: entity and object ordering by foreign key dependency
//   - snapshot: the rows and qualifiers written for a change
//   - batch: statement batches and an in-memory backend
//   - flush: the commit pipeline turning store changes into batches
//   - keygen: primary key sources for keys generated before insert
//   - dialect/sql/sqlgraph: the SQL backend and row loader
//
// A typical unit of work:
//
//	st := store.New(model, snapshots, store.WithLoader(sqlgraph.NewLoader(drv)))
//	defer st.Close()
//
//	artist := object.NewRecord("Artist")
//	st.Register(artist, "Artist")
//	st.Set(artist, "name", "Cassatt")
//
//	f := flush.New(sqlgraph.NewBackend(drv))
//	if _, err := f.Flush(ctx, st); err != nil {
//	    f.Rollback(st)
//	}
//
// This package holds the errors, operations and mutation types shared by
// the other packages.
package persist
