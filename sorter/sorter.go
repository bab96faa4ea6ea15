// Package sorter orders tables and objects so that foreign key dependencies
// are satisfied: referenced rows are inserted before the rows referencing
// them, and deleted after them.
//
// Tables form a graph with an edge from every referenced table to every
// table holding a foreign key to it. Cycles (self references and mutual
// references) are contracted into one group; the objects of a group are
// ordered at object level by comparing foreign key targets with primary keys.
package sorter

import (
	"container/heap"
	"slices"

	"github.com/syssam/persist/object"
	"github.com/syssam/persist/schema"
)

// Group is a set of entities that must be ordered together.
type Group struct {
	// Entities are ordered by model declaration order.
	Entities []*schema.Entity
	// Cyclic is true when the group members reference each other,
	// directly or through a self reference.
	Cyclic bool
}

// Sorter computes orderings for one model. It is immutable and safe for
// concurrent use.
type Sorter struct {
	model  *schema.Model
	groups []Group
	rank   map[string]int // entity name → group position
}

// New analyzes the model and returns a Sorter.
func New(m *schema.Model) *Sorter {
	s := &Sorter{model: m, rank: make(map[string]int)}
	s.build()
	return s
}

func (s *Sorter) build() {
	entities := s.model.Entities()
	// edges[i] lists the entities depending on entity i.
	edges := make([][]int, len(entities))
	self := make([]bool, len(entities))
	for _, e := range entities {
		for _, r := range e.ForeignKeys() {
			t := r.TargetEntity().Index()
			if t == e.Index() {
				self[t] = true
				continue
			}
			if !slices.Contains(edges[t], e.Index()) {
				edges[t] = append(edges[t], e.Index())
			}
		}
	}
	comp, ncomp := tarjan(len(entities), edges)

	members := make([][]int, ncomp)
	for i, c := range comp {
		members[c] = append(members[c], i)
	}
	// Condensed DAG with in-degrees.
	indeg := make([]int, ncomp)
	cedges := make([][]int, ncomp)
	for from, tos := range edges {
		for _, to := range tos {
			cf, ct := comp[from], comp[to]
			if cf != ct && !slices.Contains(cedges[cf], ct) {
				cedges[cf] = append(cedges[cf], ct)
				indeg[ct]++
			}
		}
	}
	// Kahn's algorithm, ties broken by the lowest declaration index of a group.
	minIndex := func(c int) int { return slices.Min(members[c]) }
	ready := &indexHeap{less: func(a, b int) bool { return minIndex(a) < minIndex(b) }}
	for c := range ncomp {
		if indeg[c] == 0 {
			heap.Push(ready, c)
		}
	}
	for ready.Len() > 0 {
		c := heap.Pop(ready).(int)
		g := Group{Cyclic: len(members[c]) > 1}
		slices.Sort(members[c])
		for _, i := range members[c] {
			g.Entities = append(g.Entities, entities[i])
			g.Cyclic = g.Cyclic || self[i]
			s.rank[entities[i].Name] = len(s.groups)
		}
		s.groups = append(s.groups, g)
		for _, next := range cedges[c] {
			if indeg[next]--; indeg[next] == 0 {
				heap.Push(ready, next)
			}
		}
	}
}

// Groups returns the entity groups in insert order.
func (s *Sorter) Groups() []Group {
	return slices.Clone(s.groups)
}

// GroupOf returns the group containing the entity.
func (s *Sorter) GroupOf(entity string) (Group, bool) {
	r, ok := s.rank[entity]
	if !ok {
		return Group{}, false
	}
	return s.groups[r], true
}

// IsCyclic reports whether objects of the entity need object-level ordering.
func (s *Sorter) IsCyclic(entity string) bool {
	g, ok := s.GroupOf(entity)
	return ok && g.Cyclic
}

// Rank returns the insert position of the entity group, or -1.
func (s *Sorter) Rank(entity string) int {
	if r, ok := s.rank[entity]; ok {
		return r
	}
	return -1
}

// SortEntities orders entities by dependency. With dependentsFirst set, the
// order is reversed, which is the delete order. Entities of one cyclic group
// stay adjacent in declaration order.
func (s *Sorter) SortEntities(entities []*schema.Entity, dependentsFirst bool) []*schema.Entity {
	sorted := slices.Clone(entities)
	slices.SortStableFunc(sorted, func(a, b *schema.Entity) int {
		if ra, rb := s.Rank(a.Name), s.Rank(b.Name); ra != rb {
			return ra - rb
		}
		return a.Index() - b.Index()
	})
	if dependentsFirst {
		slices.Reverse(sorted)
	}
	return sorted
}

// SortTables orders table names by dependency. Tables not mapped by any
// entity keep their relative order and are placed after mapped tables
// (before them when dependentsFirst is set).
func (s *Sorter) SortTables(tables []string, dependentsFirst bool) []string {
	pos := func(t string) int {
		if e, ok := s.model.EntityForTable(t); ok {
			return s.Rank(e.Name)*len(s.model.Entities()) + e.Index()
		}
		return len(s.groups) * (len(s.model.Entities()) + 1)
	}
	sorted := slices.Clone(tables)
	slices.SortStableFunc(sorted, func(a, b string) int { return pos(a) - pos(b) })
	if dependentsFirst {
		slices.Reverse(sorted)
	}
	return sorted
}

// Item is one object taking part in object-level ordering.
type Item struct {
	Key object.Key
	// DependsOn lists the keys of objects this object references through
	// foreign keys and that must therefore be inserted first.
	DependsOn []object.Key
	Value     any
}

// SortObjects orders items so that every item comes after the items it
// depends on. Dependencies on keys not present in items are ignored. Ties
// and rows caught in an unresolvable cycle keep their encounter order.
// With dependentsFirst set, the result is reversed.
func SortObjects(items []Item, dependentsFirst bool) []Item {
	index := make(map[object.Key]int, len(items))
	for i, it := range items {
		index[it.Key] = i
	}
	indeg := make([]int, len(items))
	dependents := make([][]int, len(items))
	for i, it := range items {
		seen := make(map[int]bool)
		for _, k := range it.DependsOn {
			j, ok := index[k]
			if !ok || j == i || seen[j] {
				continue
			}
			seen[j] = true
			indeg[i]++
			dependents[j] = append(dependents[j], i)
		}
	}
	ready := &indexHeap{less: func(a, b int) bool { return a < b }}
	for i := range items {
		if indeg[i] == 0 {
			heap.Push(ready, i)
		}
	}
	sorted := make([]Item, 0, len(items))
	done := make([]bool, len(items))
	for len(sorted) < len(items) {
		if ready.Len() == 0 {
			// Unresolvable cycle: release the earliest remaining item.
			for i := range items {
				if !done[i] {
					indeg[i] = 0
					heap.Push(ready, i)
					break
				}
			}
		}
		i := heap.Pop(ready).(int)
		if done[i] {
			continue
		}
		done[i] = true
		sorted = append(sorted, items[i])
		for _, d := range dependents[i] {
			if indeg[d]--; indeg[d] == 0 && !done[d] {
				heap.Push(ready, d)
			}
		}
	}
	if dependentsFirst {
		slices.Reverse(sorted)
	}
	return sorted
}

// SortObjects orders the objects of a group; see the package level SortObjects.
func (s *Sorter) SortObjects(items []Item, dependentsFirst bool) []Item {
	return SortObjects(items, dependentsFirst)
}

type indexHeap struct {
	items []int
	less  func(a, b int) bool
}

func (h *indexHeap) Len() int           { return len(h.items) }
func (h *indexHeap) Less(i, j int) bool { return h.less(h.items[i], h.items[j]) }
func (h *indexHeap) Swap(i, j int)      { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *indexHeap) Push(x any)         { h.items = append(h.items, x.(int)) }
func (h *indexHeap) Pop() any {
	n := len(h.items)
	x := h.items[n-1]
	h.items = h.items[:n-1]
	return x
}
