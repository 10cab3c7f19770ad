// Package model defines the contract between the attribution core and the
// host model.
//
// The core never touches model internals. It asks for forward passes that
// record every catalog-addressed activation into an explicit Capture
// context, optionally rewires component inputs through an Overrides plan,
// and asks for gradients of a scalar metric with respect to every
// destination-slot input. Any implementation satisfying Hooked can be
// attributed; pkg/model/transformer ships the reference one.
package model

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/G-structure/EAP-IG/pkg/circuit"
)

// ErrNotCaptured reports a read of an activation or gradient that the
// producing pass never recorded. Attribution treats this as fatal: partial
// captures silently corrupt edge scores.
var ErrNotCaptured = errors.New("model: activation not captured")

// Config describes the dimensions of a hooked model.
type Config struct {
	Layers int `json:"layers" yaml:"layers"`
	Heads  int `json:"heads" yaml:"heads"`
	DModel int `json:"d_model" yaml:"d_model"`
	DHead  int `json:"d_head" yaml:"d_head"`
	DMLP   int `json:"d_mlp" yaml:"d_mlp"`
	Vocab  int `json:"vocab" yaml:"vocab"`
	MaxSeq int `json:"max_seq" yaml:"max_seq"`
}

// Validate checks all dimensions are positive.
func (c Config) Validate() error {
	if err := c.Circuit().Validate(); err != nil {
		return err
	}
	for _, d := range []struct {
		name string
		v    int
	}{
		{"d_model", c.DModel},
		{"d_head", c.DHead},
		{"d_mlp", c.DMLP},
		{"vocab", c.Vocab},
		{"max_seq", c.MaxSeq},
	} {
		if d.v < 1 {
			return fmt.Errorf("model: %s must be >= 1, got %d", d.name, d.v)
		}
	}
	return nil
}

// Circuit derives the computation-graph topology configuration.
func (c Config) Circuit() circuit.Config {
	return circuit.Config{Layers: c.Layers, Heads: c.Heads}
}

// NumNodes is the catalog node count for this configuration.
func (c Config) NumNodes() int { return c.Circuit().NumNodes() }

// Result is the outcome of one forward pass. Implementations carry the
// opaque trace Backward needs, so captures and traces never live in
// ambient model state and sequential passes cannot trample each other.
type Result interface {
	// Logits returns the seq x vocab output of the pass.
	Logits() *mat.Dense
}

// Hooked is a model the attribution core can drive.
type Hooked interface {
	Config() Config

	// Forward runs the model on a token sequence. When cap is non-nil
	// every catalog point's output activation is recorded into it. When ov
	// is non-nil the input rewiring it describes is applied.
	Forward(tokens []int, cap *Capture, ov *Overrides) (Result, error)

	// Backward computes gradients of sum(seed .* logits) with respect to
	// every destination-slot input of the forward pass that produced res.
	// One backward pass serves every edge: all edges sharing a destination
	// slot read the same gradient tensor.
	Backward(res Result, seed *mat.Dense) (*Gradients, error)
}
