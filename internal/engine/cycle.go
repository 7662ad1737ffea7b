package engine

import "slices"

// DependencyCycles returns every group of modules whose DependsOn edges
// form a cycle, each as a closed path such as [game counter game]. Modules
// on a cycle can never initialize: whichever is registered first is
// missing its dependency.
//
// Paths start at the member registered first, so the result is stable.
func (r *Registry) DependencyCycles() [][]string {
	mods := r.snapshot()
	order := make([]string, len(mods))
	rank := make(map[string]int, len(mods))
	graph := make(map[string][]string, len(mods))
	for i, m := range mods {
		order[i] = m.id
		rank[m.id] = i
		graph[m.id] = m.cfg.DependsOn
	}

	var cycles [][]string
	for _, scc := range stronglyConnected(order, graph) {
		if len(scc) > 1 || slices.Contains(graph[scc[0]], scc[0]) {
			cycles = append(cycles, cyclePath(scc, graph, rank))
		}
	}
	slices.SortFunc(cycles, func(a, b []string) int { return rank[a[0]] - rank[b[0]] })
	return cycles
}

// stronglyConnected is Tarjan's algorithm, visiting roots in order.
// Dependencies that are not registered are leaves.
func stronglyConnected(order []string, graph map[string][]string) [][]string {
	var (
		index   int
		stack   []string
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		sccs    [][]string
	)

	var connect func(string)
	connect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range graph[v] {
			if _, visited := indices[w]; !visited {
				connect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sccs = append(sccs, scc)
		}
	}

	for _, id := range order {
		if _, visited := indices[id]; !visited {
			connect(id)
		}
	}
	return sccs
}

// cyclePath walks dependency edges inside scc from its earliest member
// until no unvisited member is reachable, then closes the loop.
func cyclePath(scc []string, graph map[string][]string, rank map[string]int) []string {
	member := make(map[string]bool, len(scc))
	start := scc[0]
	for _, id := range scc {
		member[id] = true
		if rank[id] < rank[start] {
			start = id
		}
	}

	path := []string{start}
	seen := map[string]bool{start: true}
	for cur := start; ; {
		next := ""
		for _, dep := range graph[cur] {
			if member[dep] && !seen[dep] {
				next = dep
				break
			}
		}
		if next == "" {
			break
		}
		path = append(path, next)
		seen[next] = true
		cur = next
	}
	return append(path, start)
}
