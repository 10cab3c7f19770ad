// Package circuit models a transformer's internal computation as a directed
// acyclic graph of addressable signal points.
//
// Nodes are the model components whose output enters the residual stream
// (the token embedding, every attention head, every MLP) plus the final
// logits read-out. Edges are the legal ways a downstream component can read
// an upstream output, with attention heads exposing three distinct input
// slots (query, key, value). The topology is fixed by the model
// configuration; attribution mutates edge scores in place and pruning
// mutates the in-circuit flags.
package circuit

import "fmt"

// Kind identifies the variant of a node.
type Kind uint8

const (
	// KindInput is the embedding output feeding the residual stream.
	KindInput Kind = iota
	// KindAttention is the output of a single attention head.
	KindAttention
	// KindMLP is the output of a layer's MLP block.
	KindMLP
	// KindLogits is the final logits read-out. It has no outgoing edges.
	KindLogits
)

// String returns the lowercase kind tag used in exports.
func (k Kind) String() string {
	switch k {
	case KindInput:
		return "input"
	case KindAttention:
		return "attention"
	case KindMLP:
		return "mlp"
	case KindLogits:
		return "logits"
	}
	return "unknown"
}

// Slot identifies which input of a destination node an edge feeds.
// Attention heads consume the residual stream through three independent
// projections, so each head exposes query, key and value slots; MLP and
// logits nodes expose a single input slot.
type Slot uint8

const (
	SlotIn Slot = iota
	SlotQuery
	SlotKey
	SlotValue
)

// String returns the short slot tag ("q", "k", "v", "in").
func (s Slot) String() string {
	switch s {
	case SlotQuery:
		return "q"
	case SlotKey:
		return "k"
	case SlotValue:
		return "v"
	}
	return "in"
}

// NodeID indexes a node in the graph arena. IDs are dense and assigned in
// model execution order, so id(u) < id(v) implies u executes no later
// than v.
type NodeID int32

// EdgeID indexes an edge in the graph arena, in creation order. Creation
// order is deterministic for a given Config and doubles as the tie-break
// key during pruning.
type EdgeID int32

// Config fixes the graph topology. Two graphs built from equal Configs
// have identical node and edge sets.
type Config struct {
	Layers int `json:"layers" yaml:"layers"`
	Heads  int `json:"heads" yaml:"heads"`
}

// Validate reports whether the configuration can produce a graph.
func (c Config) Validate() error {
	if c.Layers < 1 {
		return fmt.Errorf("circuit: layers must be >= 1, got %d", c.Layers)
	}
	if c.Heads < 1 {
		return fmt.Errorf("circuit: heads must be >= 1, got %d", c.Heads)
	}
	return nil
}

// NumNodes returns the fixed node count: input + L*(H heads + 1 MLP) + logits.
func (c Config) NumNodes() int {
	return 1 + c.Layers*(c.Heads+1) + 1
}

// InputID returns the id of the embedding node. It is always 0.
func (c Config) InputID() NodeID { return 0 }

// AttentionID returns the id of head h in layer l.
func (c Config) AttentionID(layer, head int) NodeID {
	return NodeID(1 + layer*(c.Heads+1) + head)
}

// MLPID returns the id of the MLP node in layer l.
func (c Config) MLPID(layer int) NodeID {
	return NodeID(1 + layer*(c.Heads+1) + c.Heads)
}

// LogitsID returns the id of the logits node. It is always the last id.
func (c Config) LogitsID() NodeID { return NodeID(c.NumNodes() - 1) }

// KindOf decodes an id back into its variant and coordinates. Head is -1
// for non-attention nodes, layer is -1 for input and logits.
func (c Config) KindOf(id NodeID) (kind Kind, layer, head int) {
	switch {
	case id == 0:
		return KindInput, -1, -1
	case id == c.LogitsID():
		return KindLogits, -1, -1
	}
	i := int(id) - 1
	layer = i / (c.Heads + 1)
	pos := i % (c.Heads + 1)
	if pos == c.Heads {
		return KindMLP, layer, -1
	}
	return KindAttention, layer, pos
}

// ExecOrder returns the strict execution rank of a node. Heads of the same
// layer share a rank: they read the residual stream in parallel and never
// feed each other. The MLP of a layer executes after its heads.
func (c Config) ExecOrder(id NodeID) int {
	kind, layer, _ := c.KindOf(id)
	switch kind {
	case KindInput:
		return 0
	case KindAttention:
		return 2*layer + 1
	case KindMLP:
		return 2*layer + 2
	}
	return 2*c.Layers + 1 // logits
}

// UpstreamLimit returns the exclusive upper bound on source ids whose
// output may legally feed the given destination. Because ids follow
// execution order, the legal sources of dst are exactly [0, limit).
func (c Config) UpstreamLimit(dst NodeID) NodeID {
	kind, layer, _ := c.KindOf(dst)
	if kind == KindAttention {
		// Heads of the same layer run in parallel: exclude all of them.
		return c.AttentionID(layer, 0)
	}
	return dst
}

// Slots returns the input slots a node kind exposes as an edge destination.
func (k Kind) Slots() []Slot {
	switch k {
	case KindAttention:
		return []Slot{SlotQuery, SlotKey, SlotValue}
	case KindMLP, KindLogits:
		return []Slot{SlotIn}
	}
	return nil // input has no upstream edges
}

// NodeName returns the canonical name of a node: "input", "a{l}.h{h}",
// "m{l}" or "logits".
func (c Config) NodeName(id NodeID) string {
	kind, layer, head := c.KindOf(id)
	switch kind {
	case KindInput:
		return "input"
	case KindAttention:
		return fmt.Sprintf("a%d.h%d", layer, head)
	case KindMLP:
		return fmt.Sprintf("m%d", layer)
	}
	return "logits"
}
