package pipeline

import (
	"errors"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/encoding/dot"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
	"gonum.org/v1/gonum/graph/traverse"
)

// moduleNode is a graph node; its ID is the module's declaration index.
type moduleNode struct {
	id   int64
	name string
}

func (n moduleNode) ID() int64 { return n.id }

// DOTID names the node in DOT output.
func (n moduleNode) DOTID() string { return n.name }

// buildGraph adds one node per module and an edge from each producer to
// each module consuming one of its outputs.
func buildGraph(modules []*Module, byName map[string]*Module) (*simple.DirectedGraph, error) {
	g := simple.NewDirectedGraph()
	for _, m := range modules {
		g.AddNode(moduleNode{id: int64(m.index), name: m.Name})
	}
	for _, m := range modules {
		for _, b := range m.Inputs {
			if b.Module == m.Name {
				return nil, &CycleError{Chain: []string{m.Name, m.Name}}
			}
			producer := byName[b.Module]
			from, to := g.Node(int64(producer.index)), g.Node(int64(m.index))
			if !g.HasEdgeFromTo(from.ID(), to.ID()) {
				g.SetEdge(g.NewEdge(from, to))
			}
		}
	}
	return g, nil
}

// checkCycles returns a CycleError naming one cycle if g has any.
func checkCycles(g *simple.DirectedGraph, modules []*Module) error {
	_, err := topo.Sort(g)
	if err == nil {
		return nil
	}
	var unorderable topo.Unorderable
	if !errors.As(err, &unorderable) {
		return err
	}

	// report the cycle through the earliest declared module
	var best []graph.Node
	bestStart := int64(-1)
	for _, c := range topo.DirectedCyclesIn(g) {
		if len(c) > 1 && c[0].ID() == c[len(c)-1].ID() {
			c = c[:len(c)-1]
		}
		start := 0
		for i, n := range c {
			if n.ID() < c[start].ID() {
				start = i
			}
		}
		if best == nil || c[start].ID() < bestStart || (c[start].ID() == bestStart && len(c) < len(best)) {
			best = append(append([]graph.Node{}, c[start:]...), c[:start]...)
			bestStart = c[start].ID()
		}
	}
	if best == nil {
		// an unorderable component always holds a cycle; fall back to it
		best = unorderable[0]
	}

	chain := make([]string, 0, len(best)+1)
	for _, n := range best {
		chain = append(chain, modules[n.ID()].Name)
	}
	chain = append(chain, chain[0])
	return &CycleError{Chain: chain}
}

// declarationOrder is a topological order in which, among modules whose
// producers have all been placed, the earliest declared comes first.
func declarationOrder(g *simple.DirectedGraph, modules []*Module) []*Module {
	indegree := make([]int, len(modules))
	for i := range modules {
		indegree[i] = g.To(int64(i)).Len()
	}
	placed := make([]bool, len(modules))
	order := make([]*Module, 0, len(modules))
	for len(order) < len(modules) {
		next := -1
		for i := range modules {
			if !placed[i] && indegree[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			// unreachable once checkCycles passed
			break
		}
		placed[next] = true
		order = append(order, modules[next])
		for _, succ := range graph.NodesOf(g.From(int64(next))) {
			indegree[succ.ID()]--
		}
	}
	return order
}

// reversed walks edges from consumer to producer.
type reversed struct {
	g *simple.DirectedGraph
}

func (r reversed) From(id int64) graph.Nodes { return r.g.To(id) }

func (r reversed) Edge(uid, vid int64) graph.Edge { return r.g.Edge(vid, uid) }

// walkProducers visits the transitive producers of start. An edge is only
// followed when through(consumer) allows it.
func walkProducers(g *simple.DirectedGraph, start int64, through func(consumer int64) bool, visit func(producer int64)) {
	df := traverse.DepthFirst{
		Traverse: func(e graph.Edge) bool {
			return through(e.To().ID())
		},
		Visit: func(n graph.Node) {
			if n.ID() != start {
				visit(n.ID())
			}
		},
	}
	df.Walk(reversed{g}, g.Node(start), nil)
}

// walkConsumers visits the transitive consumers of start.
func walkConsumers(g *simple.DirectedGraph, start int64, visit func(consumer int64)) {
	df := traverse.DepthFirst{
		Visit: func(n graph.Node) {
			if n.ID() != start {
				visit(n.ID())
			}
		},
	}
	df.Walk(g, g.Node(start), nil)
}

// marshalDOT renders the graph in Graphviz DOT format.
func marshalDOT(g *simple.DirectedGraph, name string) ([]byte, error) {
	return dot.Marshal(g, name, "", "  ")
}
