// Package patching measures what a pruned circuit is actually worth: it
// reruns the model with every out-of-circuit edge redirected to corrupted
// activations and scores the patched outputs against the clean reference.
//
// Faithfulness is the comparison the caller makes afterwards: a circuit
// whose patched metric sits near the clean baseline, far from the
// corrupted one, carries the behavior.
package patching

import (
	"fmt"

	"github.com/G-structure/EAP-IG/pkg/circuit"
	"github.com/G-structure/EAP-IG/pkg/metrics"
	"github.com/G-structure/EAP-IG/pkg/model"
	"github.com/G-structure/EAP-IG/pkg/task"
)

// edgePick is one redirected contribution: the src input into (dst, slot)
// reads the corrupted baseline instead of the live pass.
type edgePick struct {
	dst  circuit.NodeID
	slot circuit.Slot
	src  circuit.NodeID
}

// outOfCircuitPicks lists every edge currently excluded from the circuit.
// Built once per evaluation; the per-example Overrides replay it against
// that example's corrupted capture.
func outOfCircuitPicks(g *circuit.Graph) []edgePick {
	var picks []edgePick
	for _, e := range g.Edges() {
		if !e.InCircuit {
			picks = append(picks, edgePick{dst: e.Dst, slot: e.Slot, src: e.Src})
		}
	}
	return picks
}

// EvaluateGraph scores the circuit on every example: corrupted forward
// with capture, clean reference forward, then a patched clean forward
// where each out-of-circuit edge reads the corrupted capture. Returns the
// unreduced per-example metric values in dataset order.
//
// With every edge in-circuit the patched pass is the clean pass; with
// every edge excluded it reproduces the corrupted activations exactly.
func EvaluateGraph(m model.Hooked, g *circuit.Graph, ds task.Dataset, metric task.Metric) ([]float64, error) {
	if metric == nil {
		return nil, fmt.Errorf("patching: metric is nil")
	}
	cfg := m.Config()
	if g.Config() != cfg.Circuit() {
		return nil, fmt.Errorf("patching: graph topology %+v does not match model %+v", g.Config(), cfg.Circuit())
	}
	if err := ds.Validate(cfg.MaxSeq); err != nil {
		return nil, err
	}

	picks := outOfCircuitPicks(g)
	out := make([]float64, 0, ds.NumExamples())
	for _, batch := range ds {
		for _, ex := range batch.Examples {
			capCorr := model.NewCapture(cfg.NumNodes())
			if _, err := m.Forward(ex.Corrupted, capCorr, nil); err != nil {
				return nil, err
			}
			metrics.ForwardPassesTotal.WithLabelValues("corrupted").Inc()

			resClean, err := m.Forward(ex.Clean, nil, nil)
			if err != nil {
				return nil, err
			}
			metrics.ForwardPassesTotal.WithLabelValues("clean").Inc()

			ov := model.NewOverrides()
			ov.SetBaseline(capCorr)
			for _, p := range picks {
				ov.UseBaseline(p.dst, p.slot, p.src)
			}
			resPatch, err := m.Forward(ex.Clean, nil, ov)
			if err != nil {
				return nil, err
			}
			metrics.ForwardPassesTotal.WithLabelValues("patched").Inc()

			out = append(out, metric.Value(resPatch.Logits(), resClean.Logits(), ex.Length(), ex.Label))
		}
	}
	return out, nil
}

// EvaluateBaseline scores the full unpatched model on every example. With
// corrupted false it runs the clean inputs, giving the ceiling the circuit
// is compared against; with corrupted true it runs the corrupted inputs,
// giving the floor. Either way the metric's reference logits come from the
// clean pass.
func EvaluateBaseline(m model.Hooked, ds task.Dataset, metric task.Metric, corrupted bool) ([]float64, error) {
	if metric == nil {
		return nil, fmt.Errorf("patching: metric is nil")
	}
	if err := ds.Validate(m.Config().MaxSeq); err != nil {
		return nil, err
	}

	out := make([]float64, 0, ds.NumExamples())
	for _, batch := range ds {
		for _, ex := range batch.Examples {
			resClean, err := m.Forward(ex.Clean, nil, nil)
			if err != nil {
				return nil, err
			}
			metrics.ForwardPassesTotal.WithLabelValues("clean").Inc()

			logits := resClean.Logits()
			if corrupted {
				resCorr, err := m.Forward(ex.Corrupted, nil, nil)
				if err != nil {
					return nil, err
				}
				metrics.ForwardPassesTotal.WithLabelValues("corrupted").Inc()
				logits = resCorr.Logits()
			}
			out = append(out, metric.Value(logits, resClean.Logits(), ex.Length(), ex.Label))
		}
	}
	return out, nil
}

// Mean reduces per-example metric values. Empty input returns 0.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	s := 0.0
	for _, v := range values {
		s += v
	}
	return s / float64(len(values))
}
