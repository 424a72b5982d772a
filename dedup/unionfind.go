package dedup

// unionFind merges transitive duplicate matches into clusters in one pass.
type unionFind struct {
	parent map[string]string
}

func newUnionFind(ids []string) *unionFind {
	uf := &unionFind{parent: make(map[string]string, len(ids))}
	for _, id := range ids {
		uf.parent[id] = id
	}
	return uf
}

func (uf *unionFind) find(id string) string {
	root := id
	for uf.parent[root] != root {
		root = uf.parent[root]
	}
	// Path compression.
	for uf.parent[id] != root {
		uf.parent[id], id = root, uf.parent[id]
	}
	return root
}

func (uf *unionFind) union(a, b string) {
	ra, rb := uf.find(a), uf.find(b)
	if ra != rb {
		uf.parent[ra] = rb
	}
}

// clusters groups ids by root, preserving input order within clusters.
func (uf *unionFind) clusters(ids []string) map[string][]string {
	out := make(map[string][]string)
	for _, id := range ids {
		root := uf.find(id)
		out[root] = append(out[root], id)
	}
	return out
}
