// Package depgraph implements C3: building the plan dependency graph,
// detecting strongly-connected components with Tarjan's algorithm, and
// rewriting cycles into an MVP bootstrap task plus a full task.
package depgraph

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/wrightpm/wright/internal/plan"
	"github.com/wrightpm/wright/internal/wright"
)

// node implements graph.Node over a plan (or synthetic bootstrap task) name.
type node struct {
	id   int64
	name string
}

func (n node) ID() int64 { return n.id }

// Graph is the plan dependency graph: plan (and synthetic bootstrap task)
// names mapped to their dependency names. Splits are rewritten to their
// parent plan names and self-edges are filtered during construction.
type Graph struct {
	Deps map[string][]string

	// BootstrapExcluded records, for each synthetic "<name>:bootstrap" task,
	// the dependency names the MVP override dropped relative to the full
	// dependency list — surfaced to the build driver as
	// WRIGHT_BOOTSTRAP_WITHOUT_<DEP> environment variables.
	BootstrapExcluded map[string][]string

	pendingMVPDeps map[string][]string
}

// Build constructs the initial dependency graph over the given build set,
// resolving each raw dependency spec to its providing plan name (splits are
// rewritten to their parent) and dropping self-edges.
func Build(index map[string]*plan.Plan, splitParent map[string]string, buildSet map[string]bool) *Graph {
	g := &Graph{Deps: map[string][]string{}, BootstrapExcluded: map[string][]string{}, pendingMVPDeps: map[string][]string{}}
	for name := range buildSet {
		p, ok := index[name]
		if !ok {
			continue
		}
		deps := collectDeps(p)
		resolved := make([]string, 0, len(deps))
		for _, d := range deps {
			target := d
			if parent, ok := splitParent[d]; ok {
				target = parent
			}
			if target == name {
				continue // self-edge
			}
			if _, inSet := buildSet[target]; inSet {
				resolved = append(resolved, target)
			}
		}
		sort.Strings(resolved)
		g.Deps[name] = dedupe(resolved)
	}
	return g
}

func collectDeps(p *plan.Plan) []string {
	out := make([]string, 0, len(p.Dependencies.Build)+len(p.Dependencies.Link))
	for _, s := range p.Dependencies.Build {
		spec, err := plan.ParseDependencySpec(s)
		if err == nil {
			out = append(out, spec.Name)
		}
	}
	for _, s := range p.Dependencies.Link {
		spec, err := plan.ParseDependencySpec(s)
		if err == nil {
			out = append(out, spec.Name)
		}
	}
	return out
}

func dedupe(in []string) []string {
	seen := map[string]bool{}
	out := in[:0]
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

func (g *Graph) toGonum() (*simple.DirectedGraph, map[string]int64, map[int64]string) {
	dg := simple.NewDirectedGraph()
	idOf := map[string]int64{}
	nameOf := map[int64]string{}
	var next int64
	ensure := func(n string) int64 {
		if id, ok := idOf[n]; ok {
			return id
		}
		id := next
		next++
		idOf[n] = id
		nameOf[id] = n
		dg.AddNode(node{id: id, name: n})
		return id
	}
	names := make([]string, 0, len(g.Deps))
	for n := range g.Deps {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		ensure(n)
	}
	for _, n := range names {
		from := idOf[n]
		for _, d := range g.Deps[n] {
			to := ensure(d)
			if from != to && !dg.HasEdgeFromTo(from, to) {
				dg.SetEdge(simple.Edge{F: node{id: from, name: n}, T: node{id: to, name: d}})
			}
		}
	}
	return dg, idOf, nameOf
}

// Cycles returns every strongly-connected component with two or more
// members, each sorted by name for deterministic diagnostics.
func (g *Graph) Cycles() [][]string {
	dg, _, nameOf := g.toGonum()
	sccs := topo.TarjanSCC(dg)
	var cycles [][]string
	for _, scc := range sccs {
		if len(scc) < 2 {
			continue
		}
		names := make([]string, 0, len(scc))
		for _, n := range scc {
			names = append(names, nameOf[n.ID()])
		}
		sort.Strings(names)
		cycles = append(cycles, names)
	}
	sort.Slice(cycles, func(i, j int) bool { return cycles[i][0] < cycles[j][0] })
	return cycles
}

// IsDAG reports whether the graph currently has no remaining cycles, using
// gonum's topo.Sort.
func (g *Graph) IsDAG() bool {
	dg, _, _ := g.toGonum()
	_, err := topo.Sort(dg)
	var unorderable topo.Unorderable
	return !(err != nil && asUnorderable(err, &unorderable))
}

func asUnorderable(err error, target *topo.Unorderable) bool {
	u, ok := err.(topo.Unorderable)
	if ok {
		*target = u
	}
	return ok
}

// candidate is a cycle member that declares an [mvp.dependencies] override
// dropping at least one cycle-internal edge.
type candidate struct {
	name     string
	excluded []string
}

// BreakCycles resolves every detected cycle by picking, for each one, the
// candidate plan whose MVP override excludes the fewest cycle-internal
// edges (ties broken by name), inserting a synthetic "<name>:bootstrap"
// task carrying the MVP dependency set, and rewriting the cycle's internal
// edges that pointed at the full plan to point at the bootstrap task
// instead. It repeats until no cycles remain or it cannot find a breaker,
// in which case it returns a DependencyError naming the stuck cycle.
func (g *Graph) BreakCycles(index map[string]*plan.Plan, splitParent map[string]string) error {
	for {
		cycles := g.Cycles()
		if len(cycles) == 0 {
			return nil
		}
		cycle := cycles[0]
		inCycle := map[string]bool{}
		for _, n := range cycle {
			inCycle[n] = true
		}

		var candidates []candidate
		for _, name := range cycle {
			p, ok := index[name]
			if !ok || p.MVP == nil {
				continue
			}
			full := map[string]bool{}
			for _, d := range g.Deps[name] {
				full[d] = true
			}
			mvpDeps := map[string]bool{}
			for _, s := range append(append([]string{}, p.MVP.Dependencies.Build...), p.MVP.Dependencies.Link...) {
				spec, err := plan.ParseDependencySpec(s)
				if err != nil {
					continue
				}
				target := spec.Name
				if parent, ok := splitParent[target]; ok {
					target = parent
				}
				mvpDeps[target] = true
			}
			var excluded []string
			for d := range full {
				if inCycle[d] && !mvpDeps[d] {
					excluded = append(excluded, d)
				}
			}
			if len(excluded) == 0 {
				continue
			}
			sort.Strings(excluded)
			mvpList := make([]string, 0, len(mvpDeps))
			for d := range mvpDeps {
				mvpList = append(mvpList, d)
			}
			sort.Strings(mvpList)
			candidates = append(candidates, candidate{name: name, excluded: excluded})
			// stash the mvp dep list on the graph for the rewrite step below
			g.pendingMVP(name, mvpList)
		}
		if len(candidates) == 0 {
			return &wright.DependencyError{Msg: fmt.Sprintf("unresolvable dependency cycle among %v: no plan declares an [mvp.dependencies] override that breaks it", cycle)}
		}
		sort.Slice(candidates, func(i, j int) bool {
			if len(candidates[i].excluded) != len(candidates[j].excluded) {
				return len(candidates[i].excluded) < len(candidates[j].excluded)
			}
			return candidates[i].name < candidates[j].name
		})
		chosen := candidates[0]
		g.rewrite(chosen.name, chosen.excluded, cycle)
	}
}

func (g *Graph) pendingMVP(name string, deps []string) {
	g.pendingMVPDeps[name] = deps
}

// rewrite inserts "<p>:bootstrap" with p's MVP deps, makes the full p
// depend on its bootstrap task, and redirects every other cycle member's
// edge to p onto p's bootstrap task instead.
func (g *Graph) rewrite(p string, excluded []string, cycle []string) {
	bootstrapName := p + ":bootstrap"
	g.Deps[bootstrapName] = g.pendingMVPDeps[p]
	g.BootstrapExcluded[bootstrapName] = excluded

	existing := g.Deps[p]
	g.Deps[p] = append(append([]string{}, existing...), bootstrapName)

	for _, member := range cycle {
		if member == p {
			continue
		}
		deps := g.Deps[member]
		for i, d := range deps {
			if d == p {
				deps[i] = bootstrapName
			}
		}
		g.Deps[member] = deps
	}
}

var _ graph.Node = node{}
