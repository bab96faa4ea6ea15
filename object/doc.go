// Package object holds the value types shared by the persistence context and
// the commit pipeline: object identities, persistence states, snapshot rows,
// deferred key placeholders, relationship slots and the per-entity field
// accessor used to read and write domain objects without reflection.
package object
