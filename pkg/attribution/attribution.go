// Package attribution assigns an importance score to every edge of a
// computation graph by comparing clean and corrupted activations under a
// gradient-based patch estimate.
//
// The engine owns nothing durable: captures and gradients live for one
// example, batches run strictly sequentially, and the only state that
// outlives a batch is the additive score accumulation in the graph. Scores
// are summed over the whole dataset with no normalization; callers that
// want means divide afterwards.
package attribution

import (
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/G-structure/EAP-IG/pkg/circuit"
	"github.com/G-structure/EAP-IG/pkg/metrics"
	"github.com/G-structure/EAP-IG/pkg/model"
	"github.com/G-structure/EAP-IG/pkg/task"
)

// Attribute scores every edge of g over the dataset, in place.
//
// For each edge U -> (D, slot) and each example, the contribution is
// <G(D,slot), clean(U) - corrupted(U)>: the slot-input gradient against
// the activation difference. A positive total means patching U toward its
// corrupted value decreases the metric: the edge carries behavior in the
// measured direction. Non-finite contributions are accumulated as-is so
// degenerate metric gradients stay visible downstream.
//
// All validation (options, graph/model topology match, dataset shapes)
// happens before the first forward pass; a ConfigurationError from
// Attribute means the model was never executed.
func Attribute(m model.Hooked, g *circuit.Graph, ds task.Dataset, metric task.Metric, opts Options) error {
	start := time.Now()
	defer func() { metrics.AttributionSeconds.Observe(time.Since(start).Seconds()) }()

	if err := opts.Validate(); err != nil {
		return err
	}
	if metric == nil {
		return configErrf("metric is nil")
	}
	cfg := m.Config()
	if g.Config() != cfg.Circuit() {
		return configErrf("graph topology %+v does not match model %+v", g.Config(), cfg.Circuit())
	}
	if err := ds.Validate(cfg.MaxSeq); err != nil {
		return &ConfigurationError{Reason: err.Error()}
	}

	for _, batch := range ds {
		for _, ex := range batch.Examples {
			if err := attributeExample(m, g, ex, metric, opts); err != nil {
				return err
			}
			metrics.ExamplesAttributedTotal.WithLabelValues(opts.Method.String()).Inc()
		}
	}
	return nil
}

// attributeExample folds one clean/corrupted pair into the edge scores.
// Its captures are scoped to this call; memory stays proportional to
// nodes x sequence x width however long the dataset is.
func attributeExample(m model.Hooked, g *circuit.Graph, ex task.Example, metric task.Metric, opts Options) error {
	cfg := m.Config()
	n := cfg.NumNodes()

	capCorr := model.NewCapture(n)
	if opts.HalfPrecisionCaptures {
		capCorr = model.NewCaptureF16(n)
	}
	resCorr, err := m.Forward(ex.Corrupted, capCorr, nil)
	if err != nil {
		return err
	}
	metrics.ForwardPassesTotal.WithLabelValues("corrupted").Inc()

	capClean := model.NewCapture(n)
	resClean, err := m.Forward(ex.Clean, capClean, nil)
	if err != nil {
		return err
	}
	metrics.ForwardPassesTotal.WithLabelValues("clean").Inc()

	grads, err := slotGradients(m, ex, metric, opts, capClean, capCorr, resClean, resCorr)
	if err != nil {
		return err
	}

	// One pass over the edge arena. Edges sharing a destination slot read
	// the same gradient tensor; the work per edge is one row-wise inner
	// product against the source's activation difference.
	for _, e := range g.Edges() {
		grad, err := grads.Slot(e.Dst, e.Slot)
		if err != nil {
			return &CaptureError{What: "slot gradient " + g.EdgeName(e.ID), Err: err}
		}
		cleanOut, err := capClean.Out(e.Src)
		if err != nil {
			return &CaptureError{What: "clean activation " + g.Config().NodeName(e.Src), Err: err}
		}
		corrOut, err := capCorr.Out(e.Src)
		if err != nil {
			return &CaptureError{What: "corrupted activation " + g.Config().NodeName(e.Src), Err: err}
		}
		g.Accumulate(e.ID, patchEstimate(grad, cleanOut, corrOut))
		metrics.EdgeScoreUpdatesTotal.Inc()
	}
	return nil
}

// slotGradients produces the per-slot gradient tensors for one example,
// per method.
func slotGradients(m model.Hooked, ex task.Example, metric task.Metric, opts Options,
	capClean, capCorr *model.Capture, resClean, resCorr model.Result) (*model.Gradients, error) {

	cleanLogits := resClean.Logits()
	length := ex.Length()

	switch opts.Method {
	case MethodEAP:
		// Endpoint gradient at the clean point only.
		seed := metric.Grad(cleanLogits, cleanLogits, length, ex.Label)
		grads, err := m.Backward(resClean, seed)
		if err != nil {
			return nil, err
		}
		metrics.BackwardPassesTotal.Inc()
		return grads, nil

	case MethodEAPIGInputs:
		return igInputsGradients(m, ex, metric, opts.IGSteps, capClean, capCorr, cleanLogits)

	case MethodCleanCorrupted:
		// Two endpoint gradients, averaged. No interpolation: this is the
		// ablation baseline against the full integral.
		seedClean := metric.Grad(cleanLogits, cleanLogits, length, ex.Label)
		grads, err := m.Backward(resClean, seedClean)
		if err != nil {
			return nil, err
		}
		seedCorr := metric.Grad(resCorr.Logits(), cleanLogits, length, ex.Label)
		gCorr, err := m.Backward(resCorr, seedCorr)
		if err != nil {
			return nil, err
		}
		metrics.BackwardPassesTotal.Add(2)
		grads.Add(gCorr)
		grads.Scale(0.5)
		return grads, nil
	}
	return nil, configErrf("unknown method %d", int(opts.Method))
}

// igInputsGradients approximates the path integral of the slot gradients
// along the straight line from the corrupted to the clean input embedding.
// A pure fold over the interpolation points: each step contributes one
// gradient sample, the average multiplies the activation difference
// exactly once, outside. Step k = steps lands on the clean endpoint, so a
// single step degenerates to plain EAP.
func igInputsGradients(m model.Hooked, ex task.Example, metric task.Metric, steps int,
	capClean, capCorr *model.Capture, cleanLogits *mat.Dense) (*model.Gradients, error) {

	inputID := m.Config().Circuit().InputID()
	embClean, err := capClean.Out(inputID)
	if err != nil {
		return nil, &CaptureError{What: "clean input embedding", Err: err}
	}
	embCorr, err := capCorr.Out(inputID)
	if err != nil {
		return nil, &CaptureError{What: "corrupted input embedding", Err: err}
	}

	var diff mat.Dense
	diff.Sub(embClean, embCorr)

	acc := model.NewGradients()
	for k := 1; k <= steps; k++ {
		alpha := float64(k) / float64(steps)
		interp := mat.DenseCopyOf(embCorr)
		var scaled mat.Dense
		scaled.Scale(alpha, &diff)
		interp.Add(interp, &scaled)

		ov := model.NewOverrides()
		ov.SetOutput(inputID, interp)
		res, err := m.Forward(ex.Clean, nil, ov)
		if err != nil {
			return nil, err
		}
		metrics.ForwardPassesTotal.WithLabelValues("interpolated").Inc()

		seed := metric.Grad(res.Logits(), cleanLogits, ex.Length(), ex.Label)
		sample, err := m.Backward(res, seed)
		if err != nil {
			return nil, err
		}
		metrics.BackwardPassesTotal.Inc()
		acc.Add(sample)
	}
	acc.Scale(1 / float64(steps))
	return acc, nil
}

// patchEstimate computes <grad, clean - corrupted> without materializing
// the difference tensor.
func patchEstimate(grad, clean, corrupted *mat.Dense) float64 {
	rows, _ := grad.Dims()
	var s float64
	for t := 0; t < rows; t++ {
		gRow := grad.RawRowView(t)
		s += floats.Dot(gRow, clean.RawRowView(t)) - floats.Dot(gRow, corrupted.RawRowView(t))
	}
	return s
}
