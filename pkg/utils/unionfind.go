package utils

// DisjointSet partitions string ids into equivalence classes. Roots are the
// earliest-added member of each class, so group order and representatives
// are deterministic.
type DisjointSet struct {
	parent map[string]string
	order  map[string]int
	ids    []string
}

// NewDisjointSet creates a set where every id starts as its own class.
func NewDisjointSet(ids ...string) *DisjointSet {
	ds := &DisjointSet{
		parent: make(map[string]string, len(ids)),
		order:  make(map[string]int, len(ids)),
	}
	for _, id := range ids {
		ds.Add(id)
	}
	return ds
}

// Add inserts id as a singleton class. Adding a known id is a no-op.
func (ds *DisjointSet) Add(id string) {
	if _, ok := ds.parent[id]; ok {
		return
	}
	ds.parent[id] = id
	ds.order[id] = len(ds.ids)
	ds.ids = append(ds.ids, id)
}

// Has reports whether id has been added.
func (ds *DisjointSet) Has(id string) bool {
	_, ok := ds.parent[id]
	return ok
}

// Len returns the number of ids in the set.
func (ds *DisjointSet) Len() int {
	return len(ds.ids)
}

// Find returns the representative of id's class, adding id if unknown.
func (ds *DisjointSet) Find(id string) string {
	ds.Add(id)
	root := id
	for ds.parent[root] != root {
		root = ds.parent[root]
	}
	for ds.parent[id] != root {
		next := ds.parent[id]
		ds.parent[id] = root
		id = next
	}
	return root
}

// Union merges the classes containing a and b.
func (ds *DisjointSet) Union(a, b string) {
	ra, rb := ds.Find(a), ds.Find(b)
	if ra == rb {
		return
	}
	if ds.order[ra] < ds.order[rb] {
		ds.parent[rb] = ra
	} else {
		ds.parent[ra] = rb
	}
}

// Groups returns every class as a slice of ids. Classes are ordered by their
// representative's insertion order and members keep insertion order, so the
// first member of each group is its representative.
func (ds *DisjointSet) Groups() [][]string {
	index := make(map[string]int)
	var groups [][]string
	for _, id := range ds.ids {
		root := ds.Find(id)
		gi, ok := index[root]
		if !ok {
			gi = len(groups)
			index[root] = gi
			groups = append(groups, nil)
		}
		groups[gi] = append(groups[gi], id)
	}
	return groups
}

// Mapping returns id -> representative for every id in the set.
func (ds *DisjointSet) Mapping() map[string]string {
	out := make(map[string]string, len(ds.ids))
	for _, id := range ds.ids {
		out[id] = ds.Find(id)
	}
	return out
}
