package circuit

import (
	"math"

	"github.com/tidwall/btree"
)

// EdgeRank is one entry of the ranked-edge index: an edge keyed by the
// magnitude of its score.
type EdgeRank struct {
	ID    EdgeID
	Score float64
	// Abs is the ranking key. Non-finite scores rank as +Inf so numeric
	// anomalies surface at the top instead of hiding in the tail.
	Abs float64
}

func rankLess(a, b EdgeRank) bool {
	if a.Abs != b.Abs {
		return a.Abs > b.Abs
	}
	return a.ID < b.ID
}

// rankIndex builds the ordered edge index used by PruneTopN and TopEdges:
// descending |score|, ties broken by creation order so identical score
// distributions always produce identical circuits.
func (g *Graph) rankIndex() *btree.BTreeG[EdgeRank] {
	tr := btree.NewBTreeG(rankLess)
	for i := range g.edges {
		e := &g.edges[i]
		abs := math.Abs(e.Score)
		if math.IsNaN(abs) {
			abs = math.Inf(1)
		}
		tr.Set(EdgeRank{ID: e.ID, Score: e.Score, Abs: abs})
	}
	return tr
}

// TopEdges returns the n highest-magnitude edges in rank order. n larger
// than the edge count returns every edge.
func (g *Graph) TopEdges(n int) []EdgeRank {
	if n < 0 {
		n = 0
	}
	if n > len(g.edges) {
		n = len(g.edges)
	}
	out := make([]EdgeRank, 0, n)
	if n == 0 {
		return out
	}
	g.rankIndex().Scan(func(r EdgeRank) bool {
		out = append(out, r)
		return len(out) < n
	})
	return out
}
