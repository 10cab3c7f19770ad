package circuit

import (
	"fmt"
	"math"
)

// Node is one addressable signal point. Flags and the aggregate score are
// mutated in place; the node set itself never changes after Build.
type Node struct {
	ID        NodeID
	Kind      Kind
	Layer     int // -1 for input/logits
	Head      int // -1 for non-attention nodes
	Score     float64
	InCircuit bool
}

// Edge is one legal directed connection from a source node's output into a
// destination node's input slot.
type Edge struct {
	ID        EdgeID
	Src       NodeID
	Dst       NodeID
	Slot      Slot
	Score     float64
	InCircuit bool
}

// Graph owns the complete node/edge arena for one model configuration.
// Topology is immutable after Build; scores accumulate additively and
// in-circuit flags are rewritten by PruneTopN.
//
// The arena layout (flat slices indexed by NodeID/EdgeID) keeps score
// accumulation a direct indexed add, which makes the strictly-sequential
// batch accumulation discipline easy to audit.
type Graph struct {
	cfg   Config
	nodes []Node
	edges []Edge

	outgoing [][]EdgeID          // by source node
	incoming [][]EdgeID          // by destination node, all slots
	byName   map[string]NodeID
}

// Build constructs the full graph for a configuration: one node per catalog
// point, one edge per legal (source, destination, slot) triple. All scores
// start at zero and every node and edge starts in-circuit.
func Build(cfg Config) (*Graph, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	n := cfg.NumNodes()
	g := &Graph{
		cfg:      cfg,
		nodes:    make([]Node, n),
		outgoing: make([][]EdgeID, n),
		incoming: make([][]EdgeID, n),
		byName:   make(map[string]NodeID, n),
	}

	for id := NodeID(0); int(id) < n; id++ {
		kind, layer, head := cfg.KindOf(id)
		g.nodes[id] = Node{ID: id, Kind: kind, Layer: layer, Head: head, InCircuit: true}
		g.byName[cfg.NodeName(id)] = id
	}

	// Edges in deterministic creation order: destinations by id, then slot,
	// then sources by id.
	for dst := NodeID(1); int(dst) < n; dst++ {
		limit := cfg.UpstreamLimit(dst)
		for _, slot := range g.nodes[dst].Kind.Slots() {
			for src := NodeID(0); src < limit; src++ {
				id := EdgeID(len(g.edges))
				g.edges = append(g.edges, Edge{ID: id, Src: src, Dst: dst, Slot: slot, InCircuit: true})
				g.outgoing[src] = append(g.outgoing[src], id)
				g.incoming[dst] = append(g.incoming[dst], id)
			}
		}
	}

	return g, nil
}

// Config returns the configuration the graph was built from.
func (g *Graph) Config() Config { return g.cfg }

// NumNodes returns the fixed node count.
func (g *Graph) NumNodes() int { return len(g.nodes) }

// NumEdges returns the fixed edge count.
func (g *Graph) NumEdges() int { return len(g.edges) }

// Node returns a pointer into the arena. The pointer stays valid for the
// graph's lifetime.
func (g *Graph) Node(id NodeID) *Node { return &g.nodes[id] }

// Edge returns a pointer into the arena.
func (g *Graph) Edge(id EdgeID) *Edge { return &g.edges[id] }

// Edges returns the full edge arena in creation order. Callers must treat
// the slice as read-only; use Accumulate to mutate scores.
func (g *Graph) Edges() []Edge { return g.edges }

// Nodes returns the full node arena in execution order, read-only.
func (g *Graph) Nodes() []Node { return g.nodes }

// Accumulate adds delta to an edge's score. Repeated calls sum, so the
// final score is the total over every batch fed through attribution.
// Non-finite deltas are recorded as-is: a NaN or Inf score signals a
// degenerate metric gradient and must surface downstream, not vanish.
func (g *Graph) Accumulate(id EdgeID, delta float64) {
	g.edges[id].Score += delta
}

// Outgoing returns the ids of edges leaving a node, in creation order.
func (g *Graph) Outgoing(src NodeID) []EdgeID { return g.outgoing[src] }

// Incoming returns the ids of edges entering a node across all of its
// slots, in creation order.
func (g *Graph) Incoming(dst NodeID) []EdgeID { return g.incoming[dst] }

// NodeByName resolves a canonical node name ("input", "a0.h1", "m3",
// "logits").
func (g *Graph) NodeByName(name string) (*Node, bool) {
	id, ok := g.byName[name]
	if !ok {
		return nil, false
	}
	return &g.nodes[id], true
}

// EdgeBetween finds the edge from src into the given slot of dst, by
// canonical node names.
func (g *Graph) EdgeBetween(src, dst string, slot Slot) (*Edge, bool) {
	s, ok := g.byName[src]
	if !ok {
		return nil, false
	}
	d, ok := g.byName[dst]
	if !ok {
		return nil, false
	}
	for _, id := range g.incoming[d] {
		e := &g.edges[id]
		if e.Src == s && e.Slot == slot {
			return e, true
		}
	}
	return nil, false
}

// EdgeName renders an edge as "src->dst" or "src->dst<slot>" for attention
// destinations.
func (g *Graph) EdgeName(id EdgeID) string {
	e := &g.edges[id]
	if e.Slot == SlotIn {
		return fmt.Sprintf("%s->%s", g.cfg.NodeName(e.Src), g.cfg.NodeName(e.Dst))
	}
	return fmt.Sprintf("%s->%s<%s>", g.cfg.NodeName(e.Src), g.cfg.NodeName(e.Dst), e.Slot)
}

// CountIncludedNodes tallies nodes currently marked in-circuit.
func (g *Graph) CountIncludedNodes() int {
	c := 0
	for i := range g.nodes {
		if g.nodes[i].InCircuit {
			c++
		}
	}
	return c
}

// CountIncludedEdges tallies edges currently marked in-circuit.
func (g *Graph) CountIncludedEdges() int {
	c := 0
	for i := range g.edges {
		if g.edges[i].InCircuit {
			c++
		}
	}
	return c
}

// RefreshNodeScores recomputes every node's aggregate score as the sum of
// absolute incident incoming edge scores. Purely derived data; called
// before export so visualizations can size nodes.
func (g *Graph) RefreshNodeScores() {
	for i := range g.nodes {
		s := 0.0
		for _, id := range g.incoming[i] {
			s += math.Abs(g.edges[id].Score)
		}
		g.nodes[i].Score = s
	}
}
