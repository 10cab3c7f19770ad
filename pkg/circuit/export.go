package circuit

import (
	"encoding/json"
	"fmt"
	"io"
)

// NodeExport is the serialization-facing view of one node.
type NodeExport struct {
	ID        int     `json:"id"`
	Name      string  `json:"name"`
	Kind      string  `json:"kind"`
	Layer     int     `json:"layer,omitempty"`
	Head      int     `json:"head,omitempty"`
	Score     float64 `json:"score"`
	InCircuit bool    `json:"in_circuit"`
}

// EdgeExport is the serialization-facing view of one edge.
type EdgeExport struct {
	ID        int     `json:"id"`
	Name      string  `json:"name"`
	Src       string  `json:"src"`
	Dst       string  `json:"dst"`
	Slot      string  `json:"slot"`
	Score     float64 `json:"score"`
	InCircuit bool    `json:"in_circuit"`
}

// Export is the complete graph listing handed to serialization and
// visualization collaborators. The file format and rendering are theirs;
// this package only guarantees the listing is complete and in stable
// (creation) order.
type Export struct {
	Config Config       `json:"config"`
	Nodes  []NodeExport `json:"nodes"`
	Edges  []EdgeExport `json:"edges"`
}

// Export snapshots the full node/edge listing with scores and flags.
// Node aggregate scores are refreshed first.
func (g *Graph) Export() Export {
	g.RefreshNodeScores()
	ex := Export{
		Config: g.cfg,
		Nodes:  make([]NodeExport, len(g.nodes)),
		Edges:  make([]EdgeExport, len(g.edges)),
	}
	for i := range g.nodes {
		n := &g.nodes[i]
		ex.Nodes[i] = NodeExport{
			ID:        int(n.ID),
			Name:      g.cfg.NodeName(n.ID),
			Kind:      n.Kind.String(),
			Layer:     n.Layer,
			Head:      n.Head,
			Score:     n.Score,
			InCircuit: n.InCircuit,
		}
	}
	for i := range g.edges {
		e := &g.edges[i]
		ex.Edges[i] = EdgeExport{
			ID:        int(e.ID),
			Name:      g.EdgeName(e.ID),
			Src:       g.cfg.NodeName(e.Src),
			Dst:       g.cfg.NodeName(e.Dst),
			Slot:      e.Slot.String(),
			Score:     e.Score,
			InCircuit: e.InCircuit,
		}
	}
	return ex
}

// WriteJSON writes the export as indented JSON.
func (ex Export) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(ex)
}

// WriteDOT renders the in-circuit subgraph in Graphviz DOT form. Positive
// edges draw blue, negative red; out-of-circuit nodes and edges are
// omitted entirely.
func (ex Export) WriteDOT(w io.Writer) error {
	if _, err := fmt.Fprintln(w, "digraph circuit {"); err != nil {
		return err
	}
	fmt.Fprintln(w, "  rankdir=BT;")
	fmt.Fprintln(w, "  node [shape=box, fontname=\"Helvetica\"];")
	for _, n := range ex.Nodes {
		if !n.InCircuit {
			continue
		}
		fmt.Fprintf(w, "  %q [label=\"%s\\n%.4g\"];\n", n.Name, n.Name, n.Score)
	}
	for _, e := range ex.Edges {
		if !e.InCircuit {
			continue
		}
		color := "blue"
		if e.Score < 0 {
			color = "red"
		}
		label := ""
		if e.Slot != "in" {
			label = e.Slot
		}
		fmt.Fprintf(w, "  %q -> %q [color=%s, label=%q, tooltip=\"%.6g\"];\n",
			e.Src, e.Dst, color, label, e.Score)
	}
	_, err := fmt.Fprintln(w, "}")
	return err
}
