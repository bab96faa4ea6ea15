package sorter_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syssam/persist/object"
	"github.com/syssam/persist/schema"
	"github.com/syssam/persist/sorter"
)

func fk(name, target, col string) *schema.Relationship {
	return &schema.Relationship{Name: name, Target: target, Joins: []schema.Join{{Source: col, Target: "id"}}}
}

func entity(name string, rels ...*schema.Relationship) *schema.Entity {
	return &schema.Entity{Name: name, PrimaryKey: []string{"id"}, Relationships: rels}
}

// galleryModel declares dependents before their targets to make sure the
// order does not come from declaration order.
func galleryModel(t *testing.T) *schema.Model {
	t.Helper()
	m, err := schema.NewModel(
		entity("Painting", fk("artist", "Artist", "artist_id"), fk("gallery", "Gallery", "gallery_id")),
		entity("Artist", fk("gallery", "Gallery", "gallery_id")),
		entity("Gallery"),
		entity("Category", fk("parent", "Category", "parent_id")),
		entity("Employee", fk("department", "Department", "department_id")),
		entity("Department", fk("manager", "Employee", "manager_id")),
	)
	require.NoError(t, err)
	return m
}

func names(es []*schema.Entity) []string {
	var s []string
	for _, e := range es {
		s = append(s, e.Name)
	}
	return s
}

func TestSortTablesAcyclic(t *testing.T) {
	t.Parallel()
	m := galleryModel(t)
	s := sorter.New(m)

	order := s.SortTables([]string{"painting", "artist", "gallery"}, false)
	assert.Equal(t, []string{"gallery", "artist", "painting"}, order)

	// Every table appears after all tables it references.
	pos := make(map[string]int)
	for i, tbl := range order {
		pos[tbl] = i
	}
	for _, tbl := range order {
		e, _ := m.EntityForTable(tbl)
		for _, r := range e.ForeignKeys() {
			assert.Less(t, pos[r.TargetEntity().Table], pos[tbl], "%s references %s", tbl, r.TargetEntity().Table)
		}
	}

	assert.Equal(t, []string{"painting", "artist", "gallery"}, s.SortTables([]string{"gallery", "painting", "artist"}, true))
}

func TestSortTablesUnmapped(t *testing.T) {
	t.Parallel()
	s := sorter.New(galleryModel(t))
	assert.Equal(t,
		[]string{"gallery", "painting", "artist_exhibit", "x"},
		s.SortTables([]string{"artist_exhibit", "painting", "x", "gallery"}, false),
	)
	assert.Equal(t,
		[]string{"x", "artist_exhibit", "painting", "gallery"},
		s.SortTables([]string{"artist_exhibit", "painting", "x", "gallery"}, true),
	)
}

func TestGroups(t *testing.T) {
	t.Parallel()
	m := galleryModel(t)
	s := sorter.New(m)

	assert.True(t, s.IsCyclic("Category"))
	assert.True(t, s.IsCyclic("Employee"))
	assert.True(t, s.IsCyclic("Department"))
	assert.False(t, s.IsCyclic("Painting"))
	assert.False(t, s.IsCyclic("Unknown"))
	assert.Equal(t, -1, s.Rank("Unknown"))

	g, ok := s.GroupOf("Department")
	require.True(t, ok)
	assert.Equal(t, []string{"Employee", "Department"}, names(g.Entities))
	assert.Equal(t, s.Rank("Employee"), s.Rank("Department"))

	var all []string
	for _, g := range s.Groups() {
		all = append(all, names(g.Entities)...)
	}
	assert.Len(t, all, 6)

	es := m.Entities()
	sorted := s.SortEntities(es, false)
	assert.Equal(t, []string{"Gallery", "Artist", "Painting", "Category", "Employee", "Department"}, names(sorted))
	reversed := s.SortEntities(es, true)
	assert.Equal(t, []string{"Department", "Employee", "Category", "Painting", "Artist", "Gallery"}, names(reversed))
}

func key(s string) object.Key { return object.Key(s) }

func TestSortObjectsReflexiveChain(t *testing.T) {
	t.Parallel()
	// C -> B -> A registered in reverse order.
	items := []sorter.Item{
		{Key: key("C"), DependsOn: []object.Key{key("B")}},
		{Key: key("B"), DependsOn: []object.Key{key("A")}},
		{Key: key("A")},
	}
	sorted := sorter.SortObjects(items, false)
	assert.Equal(t, []object.Key{"A", "B", "C"}, keys(sorted))

	sorted = sorter.SortObjects(items, true)
	assert.Equal(t, []object.Key{"C", "B", "A"}, keys(sorted))
}

func TestSortObjectsTree(t *testing.T) {
	t.Parallel()
	items := []sorter.Item{
		{Key: key("leaf1"), DependsOn: []object.Key{key("mid")}},
		{Key: key("root")},
		{Key: key("leaf2"), DependsOn: []object.Key{key("mid")}},
		{Key: key("mid"), DependsOn: []object.Key{key("root"), key("external")}},
		{Key: key("other")},
	}
	sorted := sorter.SortObjects(items, false)
	assert.Equal(t, []object.Key{"root", "mid", "leaf1", "leaf2", "other"}, keys(sorted))
}

func TestSortObjectsCycle(t *testing.T) {
	t.Parallel()
	items := []sorter.Item{
		{Key: key("x")},
		{Key: key("a"), DependsOn: []object.Key{key("b")}},
		{Key: key("b"), DependsOn: []object.Key{key("a")}},
		{Key: key("c"), DependsOn: []object.Key{key("b"), key("c")}},
	}
	var sorted []sorter.Item
	require.NotPanics(t, func() { sorted = sorter.SortObjects(items, false) })
	// The cycle is broken at the earliest remaining item.
	assert.Equal(t, []object.Key{"x", "a", "b", "c"}, keys(sorted))
}

func TestSortObjectsStable(t *testing.T) {
	t.Parallel()
	items := []sorter.Item{{Key: key("3")}, {Key: key("1")}, {Key: key("2")}}
	assert.Equal(t, []object.Key{"3", "1", "2"}, keys(sorter.SortObjects(items, false)))
	assert.Empty(t, sorter.SortObjects(nil, false))
}

func keys(items []sorter.Item) []object.Key {
	var ks []object.Key
	for _, it := range items {
		ks = append(ks, it.Key)
	}
	return ks
}
