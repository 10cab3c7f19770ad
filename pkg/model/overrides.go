package model

import (
	"gonum.org/v1/gonum/mat"

	"github.com/G-structure/EAP-IG/pkg/circuit"
)

// SlotKey addresses one destination input point: a node plus the slot the
// value flows into.
type SlotKey struct {
	Node circuit.NodeID
	Slot circuit.Slot
}

// Overrides is the input-rewiring plan for one forward pass. Two
// mechanisms compose:
//
//   - SetOutput replaces a source node's output for every downstream
//     consumer. Integrated-gradients interpolation overrides the input
//     node's embedding this way.
//
//   - UseBaseline redirects a single (destination, slot, source)
//     contribution to the attached baseline capture instead of the live
//     run. A destination slot's input is always the sum over its legal
//     sources of the selected activation, so marking every source of a
//     slot as baseline reproduces the baseline residual value exactly.
//     Circuit evaluation marks each out-of-circuit edge this way.
//
// The zero rewiring (no replacements, no baseline picks) makes Forward
// behave identically to passing nil.
type Overrides struct {
	baseline *Capture
	outputs  map[circuit.NodeID]*mat.Dense
	fromBase map[SlotKey]map[circuit.NodeID]bool
}

// NewOverrides returns an empty rewiring plan.
func NewOverrides() *Overrides {
	return &Overrides{
		outputs:  make(map[circuit.NodeID]*mat.Dense),
		fromBase: make(map[SlotKey]map[circuit.NodeID]bool),
	}
}

// SetBaseline attaches the capture that baseline-redirected contributions
// read from. Required before any UseBaseline pick takes effect in Forward.
func (o *Overrides) SetBaseline(cap *Capture) { o.baseline = cap }

// Baseline returns the attached baseline capture, or nil.
func (o *Overrides) Baseline() *Capture { return o.baseline }

// SetOutput replaces src's output activation for all downstream readers of
// this pass.
func (o *Overrides) SetOutput(src circuit.NodeID, out *mat.Dense) {
	o.outputs[src] = out
}

// Output returns the replacement output for src, or nil when the live
// value applies.
func (o *Overrides) Output(src circuit.NodeID) *mat.Dense {
	return o.outputs[src]
}

// UseBaseline redirects the src contribution into (dst, slot) to the
// baseline capture.
func (o *Overrides) UseBaseline(dst circuit.NodeID, slot circuit.Slot, src circuit.NodeID) {
	key := SlotKey{Node: dst, Slot: slot}
	m := o.fromBase[key]
	if m == nil {
		m = make(map[circuit.NodeID]bool)
		o.fromBase[key] = m
	}
	m[src] = true
}

// FromBaseline reports whether the src contribution into (dst, slot) reads
// the baseline capture.
func (o *Overrides) FromBaseline(dst circuit.NodeID, slot circuit.Slot, src circuit.NodeID) bool {
	if o.baseline == nil {
		return false
	}
	return o.fromBase[SlotKey{Node: dst, Slot: slot}][src]
}
