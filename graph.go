package svinit

import (
	"slices"
	"sort"
)

// Edge is a dependency edge: From depends on To
type Edge struct {
	From     string
	To       string
	Strength Strength
}

// Graph is the validated dependency graph over a set of descriptors.
// A Graph is never mutated after BuildGraph returns; a reload builds a new one.
type Graph struct {
	descriptors map[string]ServiceDescriptor
	names       []string
	deps        map[string][]Edge
	dependents  map[string][]Edge
}

// BuildGraph validates descriptors and builds the graph. It fails on invalid
// or duplicate descriptors, on references to unknown services, and on cycles
// among hard edges.
func BuildGraph(descriptors []ServiceDescriptor) (*Graph, error) {
	g := &Graph{
		descriptors: make(map[string]ServiceDescriptor, len(descriptors)),
		deps:        make(map[string][]Edge, len(descriptors)),
		dependents:  make(map[string][]Edge, len(descriptors)),
	}

	for _, d := range descriptors {
		if err := d.Validate(); err != nil {
			return nil, &GraphError{Kind: GraphInvalid, Service: d.Name, Err: err}
		}
		if _, ok := g.descriptors[d.Name]; ok {
			return nil, &GraphError{Kind: GraphDuplicate, Service: d.Name}
		}
		g.descriptors[d.Name] = d.WithDefaults()
		g.names = append(g.names, d.Name)
	}
	sort.Strings(g.names)

	for _, name := range g.names {
		for _, dep := range g.descriptors[name].Dependencies {
			if _, ok := g.descriptors[dep.Name]; !ok {
				return nil, &GraphError{Kind: GraphUnknownDependency, Service: name, Dependency: dep.Name}
			}
			e := Edge{From: name, To: dep.Name, Strength: dep.Strength}
			g.deps[name] = append(g.deps[name], e)
			g.dependents[dep.Name] = append(g.dependents[dep.Name], e)
		}
	}

	if cycle := g.findHardCycle(); cycle != nil {
		return nil, &GraphError{Kind: GraphCycle, Service: cycle[0], Path: cycle}
	}
	return g, nil
}

// findHardCycle runs an iterative three-color depth-first search over hard
// edges and returns the first cycle found as a closed path, or nil.
func (g *Graph) findHardCycle() []string {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(g.names))

	type frame struct {
		name string
		next int
	}

	for _, root := range g.names {
		if color[root] != white {
			continue
		}
		stack := []frame{{name: root}}
		color[root] = gray

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			edges := g.deps[top.name]

			if top.next == len(edges) {
				color[top.name] = black
				stack = stack[:len(stack)-1]
				continue
			}
			e := edges[top.next]
			top.next++
			if e.Strength != StrengthHard {
				continue
			}

			switch color[e.To] {
			case white:
				color[e.To] = gray
				stack = append(stack, frame{name: e.To})
			case gray:
				// e.To is on the stack; the cycle runs from there to the top
				var path []string
				for i := len(stack) - 1; i >= 0; i-- {
					path = append(path, stack[i].name)
					if stack[i].name == e.To {
						break
					}
				}
				slices.Reverse(path)
				return append(path, e.To)
			}
		}
	}
	return nil
}

// Names returns all service names in sorted order
func (g *Graph) Names() []string {
	return slices.Clone(g.names)
}

// Len returns the number of services
func (g *Graph) Len() int {
	return len(g.names)
}

// Has reports whether the graph contains name
func (g *Graph) Has(name string) bool {
	_, ok := g.descriptors[name]
	return ok
}

// Descriptor returns the descriptor for name with defaults applied
func (g *Graph) Descriptor(name string) (ServiceDescriptor, bool) {
	d, ok := g.descriptors[name]
	return d, ok
}

// DependenciesOf returns the outgoing edges of name
func (g *Graph) DependenciesOf(name string) []Edge {
	return slices.Clone(g.deps[name])
}

// DependentsOf returns the incoming edges of name
func (g *Graph) DependentsOf(name string) []Edge {
	return slices.Clone(g.dependents[name])
}

// ReadyToStart returns the services that are not yet settled and whose hard
// dependencies all settled successfully. completed maps a settled service to
// whether it succeeded (Up or Done). Soft dependencies never block.
func (g *Graph) ReadyToStart(completed map[string]bool) []string {
	var ready []string
	for _, name := range g.names {
		if _, settled := completed[name]; settled {
			continue
		}
		if g.hardDepsSucceeded(name, completed) {
			ready = append(ready, name)
		}
	}
	return ready
}

func (g *Graph) hardDepsSucceeded(name string, completed map[string]bool) bool {
	for _, e := range g.deps[name] {
		if e.Strength == StrengthHard && !completed[e.To] {
			return false
		}
	}
	return true
}

// failedHardDependency returns a hard dependency of name that settled
// unsuccessfully, if any
func (g *Graph) failedHardDependency(name string, completed map[string]bool) (string, bool) {
	for _, e := range g.deps[name] {
		if e.Strength != StrengthHard {
			continue
		}
		if ok, settled := completed[e.To]; settled && !ok {
			return e.To, true
		}
	}
	return "", false
}

// HardClosure returns names plus all their transitive hard dependencies, sorted.
// Unknown names yield an *OpError wrapping ErrUnknownService.
func (g *Graph) HardClosure(names []string) ([]string, error) {
	return g.closure(names, OpStart, g.deps, func(e Edge) string { return e.To })
}

// HardDependentsClosure returns names plus all their transitive hard dependents, sorted
func (g *Graph) HardDependentsClosure(names []string) ([]string, error) {
	return g.closure(names, OpStop, g.dependents, func(e Edge) string { return e.From })
}

func (g *Graph) closure(names []string, op Operation, adj map[string][]Edge, next func(Edge) string) ([]string, error) {
	seen := make(map[string]bool)
	queue := make([]string, 0, len(names))
	for _, n := range names {
		if !g.Has(n) {
			return nil, &OpError{Op: op, Service: n, Err: ErrUnknownService}
		}
		if !seen[n] {
			seen[n] = true
			queue = append(queue, n)
		}
	}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, e := range adj[n] {
			if e.Strength != StrengthHard {
				continue
			}
			if m := next(e); !seen[m] {
				seen[m] = true
				queue = append(queue, m)
			}
		}
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

// StartOrder returns a topological order of names over hard edges, dependencies
// first. It is the sequential equivalent of what StartSet dispatches.
func (g *Graph) StartOrder(names []string) ([]string, error) {
	work, err := g.HardClosure(names)
	if err != nil {
		return nil, err
	}
	inWork := make(map[string]bool, len(work))
	for _, n := range work {
		inWork[n] = true
	}
	completed := make(map[string]bool, len(work))
	for _, n := range g.names {
		if !inWork[n] {
			completed[n] = true
		}
	}
	order := make([]string, 0, len(work))
	for len(order) < len(work) {
		ready := g.ReadyToStart(completed)
		if len(ready) == 0 {
			break
		}
		for _, n := range ready {
			completed[n] = true
			order = append(order, n)
		}
	}
	return order, nil
}
