package coflow

import (
	"fmt"
	"sort"
	"strings"
)

// toposortLevels sorts a graph of n nodes into levels with Kahn's algorithm.
// after[i] lists the nodes that should finish before node i.
//
// Every node of a level depends only on nodes of earlier levels.
// Nodes inside a level are in index order, so the result is deterministic.
// When the graph has a cycle, levels is nil and cycle is one witness path,
// starting and ending at the same node.
func toposortLevels(n int, after [][]int) (levels [][]int, cycle []int) {
	indeg := make([]int, n)
	outgoing := make([][]int, n)
	for i, deps := range after {
		for _, d := range deps {
			indeg[i]++
			outgoing[d] = append(outgoing[d], i)
		}
	}
	for i := range outgoing {
		sort.Ints(outgoing[i])
	}

	ready := []int{}
	for i := 0; i < n; i++ {
		if indeg[i] == 0 {
			ready = append(ready, i)
		}
	}
	sorted := 0
	for len(ready) != 0 {
		levels = append(levels, ready)
		sorted += len(ready)
		next := []int{}
		for _, u := range ready {
			for _, v := range outgoing[u] {
				indeg[v]--
				if indeg[v] == 0 {
					next = append(next, v)
				}
			}
		}
		sort.Ints(next)
		ready = next
	}
	if sorted == n {
		return levels, nil
	}
	return nil, findCycle(n, outgoing)
}

// findCycle finds a cycle with a depth first search in index order.
func findCycle(n int, outgoing [][]int) []int {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make([]int, n)
	parent := make([]int, n)
	for i := range parent {
		parent[i] = -1
	}
	var cycle []int
	var dfs func(u int) bool
	dfs = func(u int) bool {
		color[u] = gray
		for _, v := range outgoing[u] {
			switch color[v] {
			case white:
				parent[v] = u
				if dfs(v) {
					return true
				}
			case gray:
				// back edge u -> v closes the cycle v -> ... -> u -> v.
				path := []int{u}
				for cur := u; cur != v; {
					cur = parent[cur]
					path = append(path, cur)
				}
				for i := len(path) - 1; i >= 0; i-- {
					cycle = append(cycle, path[i])
				}
				cycle = append(cycle, v)
				return true
			}
		}
		color[u] = black
		return false
	}
	for i := 0; i < n; i++ {
		if color[i] == white && dfs(i) {
			break
		}
	}
	return cycle
}

// Levels sorts tasks into batches, so every task runs after the tasks
// deps says it depends on. Tasks only found in deps are sorted too, after the given ones.
// It returns an error wrapping ErrCycle if the dependencies form a cycle.
func Levels(tasks []Task, deps map[Task][]Task) ([][]Task, error) {
	index := make(map[Task]int)
	nodes := []Task{}
	addNode := func(t Task) int {
		i, ok := index[t]
		if !ok {
			i = len(nodes)
			index[t] = i
			nodes = append(nodes, t)
		}
		return i
	}
	for _, t := range tasks {
		addNode(t)
	}
	// walk in the given order, so indices don't depend on map iteration.
	for i := 0; i < len(nodes); i++ {
		for _, d := range deps[nodes[i]] {
			addNode(d)
		}
	}
	after := make([][]int, len(nodes))
	for i, t := range nodes {
		seen := make(map[int]bool)
		for _, d := range deps[t] {
			j := index[d]
			if seen[j] {
				continue
			}
			seen[j] = true
			after[i] = append(after[i], j)
		}
	}
	lv, cycle := toposortLevels(len(nodes), after)
	if cycle != nil {
		names := make([]string, len(cycle))
		for i, c := range cycle {
			// edges point from a dependency to its dependent.
			names[i] = nodes[c].JobName()
		}
		return nil, fmt.Errorf("%w: %s", ErrCycle, strings.Join(names, " -> "))
	}
	levels := make([][]Task, len(lv))
	for i, l := range lv {
		levels[i] = make([]Task, len(l))
		for j, n := range l {
			levels[i][j] = nodes[n]
		}
	}
	return levels, nil
}
