package model

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/G-structure/EAP-IG/pkg/circuit"
)

// Gradients holds d(metric)/d(slot input) for every destination slot of
// one backward pass. Every edge targeting the same slot reads the same
// tensor; that is what makes edge attribution one backward pass per
// metric evaluation instead of one per edge.
type Gradients struct {
	slots map[SlotKey]*mat.Dense
}

// NewGradients returns an empty gradient set.
func NewGradients() *Gradients {
	return &Gradients{slots: make(map[SlotKey]*mat.Dense)}
}

// Set records the gradient for a destination slot.
func (g *Gradients) Set(node circuit.NodeID, slot circuit.Slot, grad *mat.Dense) {
	g.slots[SlotKey{Node: node, Slot: slot}] = grad
}

// Slot returns the gradient for a destination slot, or ErrNotCaptured.
func (g *Gradients) Slot(node circuit.NodeID, slot circuit.Slot) (*mat.Dense, error) {
	grad, ok := g.slots[SlotKey{Node: node, Slot: slot}]
	if !ok {
		return nil, fmt.Errorf("%w: gradient for node %d slot %s", ErrNotCaptured, node, slot)
	}
	return grad, nil
}

// Add accumulates other into g in place, summing slot-wise. Slots present
// only in other are copied. Used by the integrated-gradients fold.
func (g *Gradients) Add(other *Gradients) {
	for key, grad := range other.slots {
		if cur, ok := g.slots[key]; ok {
			cur.Add(cur, grad)
		} else {
			g.slots[key] = mat.DenseCopyOf(grad)
		}
	}
}

// Scale multiplies every slot gradient by a constant in place. The
// integrated-gradients fold divides by the step count this way.
func (g *Gradients) Scale(c float64) {
	for _, grad := range g.slots {
		grad.Scale(c, grad)
	}
}
