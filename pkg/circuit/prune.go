package circuit

// PruneTopN keeps the n highest-|score| edges in-circuit and rewrites the
// node flags to match.
//
// Edge pass: the ranked index (descending |score|, creation-order
// tie-break) marks exactly min(n, edge count) edges in-circuit, everything
// else out.
//
// Node pass: a node stays in-circuit iff it has at least one in-circuit
// incoming edge, or it is the input node. When keepDeadEnds is false a
// second sweep removes dead nodes: nodes with no forward path of
// in-circuit edges to the logits node cannot influence the measured
// output, so they are marked out even when a live edge feeds them. The
// sweep walks node ids in reverse; ids follow execution order, so every
// edge points from a lower id to a higher one and a single pass settles
// reachability in O(nodes + edges).
//
// keepDeadEnds=true skips the reachability sweep, which is useful when
// inspecting locally-important but functionally-inert components.
func (g *Graph) PruneTopN(n int, keepDeadEnds bool) {
	for i := range g.edges {
		g.edges[i].InCircuit = false
	}
	for _, r := range g.TopEdges(n) {
		g.edges[r.ID].InCircuit = true
	}

	for i := range g.nodes {
		node := &g.nodes[i]
		node.InCircuit = node.Kind == KindInput
		if node.InCircuit {
			continue
		}
		for _, id := range g.incoming[i] {
			if g.edges[id].InCircuit {
				node.InCircuit = true
				break
			}
		}
	}

	if keepDeadEnds {
		return
	}

	reach := newBitSet(len(g.nodes))
	reach.Add(g.cfg.LogitsID())
	for id := len(g.nodes) - 2; id >= 0; id-- {
		for _, eid := range g.outgoing[id] {
			e := &g.edges[eid]
			if e.InCircuit && reach.Has(e.Dst) {
				reach.Add(NodeID(id))
				break
			}
		}
	}
	for i := range g.nodes {
		if g.nodes[i].InCircuit && !reach.Has(NodeID(i)) {
			g.nodes[i].InCircuit = false
		}
	}
}
