package model

import (
	"fmt"

	"github.com/x448/float16"
	"gonum.org/v1/gonum/mat"

	"github.com/G-structure/EAP-IG/pkg/circuit"
)

// Capture is the explicit activation-recording context for one forward
// pass. It holds one output tensor per catalog node, indexed by NodeID.
// Lifetime is a single example: the attribution engine folds captures into
// edge scores and drops them before the next example, so memory stays
// proportional to nodes x sequence x hidden width, never to dataset size.
//
// The half-precision variant stores tensors as float16 words and
// decompresses on read. Corrupted-run captures are pure baseline data that
// only enter score arithmetic through differences, so the ~3 decimal
// digits float16 keeps are usually enough; clean-run captures used for
// gradients should stay full precision.
type Capture struct {
	full []*mat.Dense
	half [][]uint16
	rows []int
	cols []int
}

// NewCapture allocates a full-precision capture for n catalog nodes.
func NewCapture(n int) *Capture {
	return &Capture{full: make([]*mat.Dense, n)}
}

// NewCaptureF16 allocates a half-precision capture for n catalog nodes.
func NewCaptureF16(n int) *Capture {
	return &Capture{
		half: make([][]uint16, n),
		rows: make([]int, n),
		cols: make([]int, n),
	}
}

// Len returns the node capacity.
func (c *Capture) Len() int {
	if c.half != nil {
		return len(c.half)
	}
	return len(c.full)
}

// Set records a node's output activation. The tensor is copied (or
// compressed), so callers may reuse their buffer.
func (c *Capture) Set(id circuit.NodeID, m *mat.Dense) {
	if c.half != nil {
		r, cols := m.Dims()
		data := m.RawMatrix().Data
		packed := make([]uint16, len(data))
		for i, v := range data {
			packed[i] = float16.Fromfloat32(float32(v)).Bits()
		}
		c.half[id] = packed
		c.rows[id] = r
		c.cols[id] = cols
		return
	}
	c.full[id] = mat.DenseCopyOf(m)
}

// Out returns a node's recorded output. The full-precision store hands
// back the recorded tensor itself: a stable view that callers must treat
// as read-only, mirroring the arena accessors in pkg/circuit. The
// half-precision store decompresses into a fresh tensor on every read.
// Reading a node that was never recorded returns ErrNotCaptured.
func (c *Capture) Out(id circuit.NodeID) (*mat.Dense, error) {
	if int(id) < 0 || int(id) >= c.Len() {
		return nil, fmt.Errorf("%w: node id %d out of range", ErrNotCaptured, id)
	}
	if c.half != nil {
		packed := c.half[id]
		if packed == nil {
			return nil, fmt.Errorf("%w: node %d", ErrNotCaptured, id)
		}
		data := make([]float64, len(packed))
		for i, bits := range packed {
			data[i] = float64(float16.Frombits(bits).Float32())
		}
		return mat.NewDense(c.rows[id], c.cols[id], data), nil
	}
	if c.full[id] == nil {
		return nil, fmt.Errorf("%w: node %d", ErrNotCaptured, id)
	}
	return c.full[id], nil
}

// Has reports whether a node's output was recorded.
func (c *Capture) Has(id circuit.NodeID) bool {
	if int(id) < 0 || int(id) >= c.Len() {
		return false
	}
	if c.half != nil {
		return c.half[id] != nil
	}
	return c.full[id] != nil
}
