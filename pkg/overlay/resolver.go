package overlay

import (
	"fmt"
	"slices"
	"sort"
)

// Plan is the outcome of resolving a batch of descriptors.
type Plan struct {
	// Order lists loadable descriptors, dependencies first. Ties break
	// lexicographically so the order is deterministic.
	Order []*Descriptor
	// Failed maps names that must not load to the reason.
	Failed map[string]error
}

// Resolve orders batch for activation. loaded holds already-live overlays
// that batch members may depend on. A cycle fails its whole weakly connected
// component; a missing or mismatched dependency fails the dependent and,
// transitively, everything that needs it.
func Resolve(batch []*Descriptor, loaded map[string]*Descriptor) Plan {
	plan := Plan{Failed: make(map[string]error)}

	// 1. Index the batch
	nodes := make(map[string]*Descriptor, len(batch))
	for _, d := range batch {
		if _, dup := nodes[d.Name]; dup {
			plan.Failed[d.Name] = invalid(d.Name, "name", "declared twice in one load")
			continue
		}
		nodes[d.Name] = d
	}

	// 2. Edges dep -> dependent, checking external dependencies as we go
	succ := make(map[string][]string, len(nodes))
	pred := make(map[string][]string, len(nodes))
	for _, name := range sortedKeys(nodes) {
		d := nodes[name]
		deps, err := d.Deps()
		if err != nil {
			plan.Failed[name] = err
			continue
		}
		for _, dep := range deps {
			target, inBatch := nodes[dep.Name]
			if !inBatch {
				target = loaded[dep.Name]
			}
			if target == nil {
				setFailed(plan.Failed, name, invalid(name, "dependencies", "missing dependency %s", dep.Name))
				continue
			}
			if !dep.Satisfied(target.SemVer()) {
				setFailed(plan.Failed, name, invalid(name, "dependencies", "%s %s does not satisfy %s", dep.Name, target.Version, dep))
			}
			if inBatch {
				succ[dep.Name] = append(succ[dep.Name], name)
				pred[name] = append(pred[name], dep.Name)
			}
		}
	}

	// 3. Cycles poison their weakly connected component
	components := weakComponents(nodes, succ)
	for _, scc := range stronglyConnected(nodes, succ) {
		if len(scc) == 1 && !slices.Contains(succ[scc[0]], scc[0]) {
			continue
		}
		cycle := append(slices.Clone(scc), scc[0])
		comp := components[scc[0]]
		for _, member := range comp {
			plan.Failed[member] = &DependencyCycleError{Overlay: member, Cycle: cycle, Component: comp}
		}
	}

	// 4. Kahn with lexicographic tie-breaking
	indeg := make(map[string]int, len(nodes))
	for name := range nodes {
		indeg[name] = len(pred[name])
	}
	var ready []string
	for name, n := range indeg {
		if n == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		if _, failed := plan.Failed[name]; !failed {
			for _, dep := range pred[name] {
				if _, depFailed := plan.Failed[dep]; depFailed {
					plan.Failed[name] = invalid(name, "dependencies", "dependency %s cannot load", dep)
					break
				}
			}
		}
		if _, failed := plan.Failed[name]; !failed {
			plan.Order = append(plan.Order, nodes[name])
		}
		for _, next := range succ[name] {
			indeg[next]--
			if indeg[next] == 0 {
				i, _ := slices.BinarySearch(ready, next)
				ready = slices.Insert(ready, i, next)
			}
		}
	}
	return plan
}

func setFailed(failed map[string]error, name string, err error) {
	if _, ok := failed[name]; !ok {
		failed[name] = err
	}
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// stronglyConnected is Tarjan's algorithm; each component is sorted.
func stronglyConnected(nodes map[string]*Descriptor, succ map[string][]string) [][]string {
	var (
		index   = make(map[string]int, len(nodes))
		low     = make(map[string]int, len(nodes))
		onStack = make(map[string]bool, len(nodes))
		stack   []string
		next    int
		out     [][]string
	)
	var visit func(v string)
	visit = func(v string) {
		index[v], low[v] = next, next
		next++
		stack = append(stack, v)
		onStack[v] = true
		for _, w := range succ[v] {
			if _, seen := index[w]; !seen {
				visit(w)
				low[v] = min(low[v], low[w])
			} else if onStack[w] {
				low[v] = min(low[v], index[w])
			}
		}
		if low[v] == index[v] {
			var comp []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				comp = append(comp, w)
				if w == v {
					break
				}
			}
			sort.Strings(comp)
			out = append(out, comp)
		}
	}
	for _, name := range sortedKeys(nodes) {
		if _, seen := index[name]; !seen {
			visit(name)
		}
	}
	return out
}

// weakComponents maps each node to the sorted members of its component when
// edge direction is ignored.
func weakComponents(nodes map[string]*Descriptor, succ map[string][]string) map[string][]string {
	parent := make(map[string]string, len(nodes))
	var find func(string) string
	find = func(x string) string {
		if parent[x] != x {
			parent[x] = find(parent[x])
		}
		return parent[x]
	}
	for name := range nodes {
		parent[name] = name
	}
	for from, tos := range succ {
		for _, to := range tos {
			a, b := find(from), find(to)
			if a != b {
				parent[a] = b
			}
		}
	}
	groups := make(map[string][]string)
	for _, name := range sortedKeys(nodes) {
		root := find(name)
		groups[root] = append(groups[root], name)
	}
	out := make(map[string][]string, len(nodes))
	for _, members := range groups {
		for _, m := range members {
			out[m] = members
		}
	}
	return out
}

// String renders a plan for logs.
func (p Plan) String() string {
	names := make([]string, len(p.Order))
	for i, d := range p.Order {
		names[i] = d.Name
	}
	return fmt.Sprintf("order=%v failed=%d", names, len(p.Failed))
}
