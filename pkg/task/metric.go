package task

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Metric scores a model output against an example's label. Value is the
// behavioral measurement; Grad is its exact derivative with respect to the
// evaluated logits, which is what seeds the backward pass during
// attribution. cleanLogits carries the unpatched clean run for
// reference-dependent metrics (KL); reference-free metrics ignore it.
//
// All metrics read the final position of the sequence (length-1), the
// point where next-token behavior is measured.
type Metric interface {
	Name() string
	Value(logits, cleanLogits *mat.Dense, length int, label Label) float64
	Grad(logits, cleanLogits *mat.Dense, length int, label Label) *mat.Dense
}

// ByName resolves a metric from its configuration string.
func ByName(name string) (Metric, error) {
	switch name {
	case "logit-diff":
		return LogitDiff{}, nil
	case "prob-diff":
		return ProbDiff{}, nil
	case "kl":
		return KLDivergence{}, nil
	}
	return nil, fmt.Errorf("task: unknown metric %q (want logit-diff, prob-diff or kl)", name)
}

// LogitDiff measures logit(answer) - logit(distractor) at the final
// position. Linear in the logits, so its gradient is constant.
type LogitDiff struct{}

func (LogitDiff) Name() string { return "logit-diff" }

func (LogitDiff) Value(logits, _ *mat.Dense, length int, label Label) float64 {
	t := length - 1
	return logits.At(t, label.Answer) - logits.At(t, label.Distractor)
}

func (LogitDiff) Grad(logits, _ *mat.Dense, length int, label Label) *mat.Dense {
	r, c := logits.Dims()
	g := mat.NewDense(r, c, nil)
	t := length - 1
	g.Set(t, label.Answer, 1)
	g.Set(t, label.Distractor, -1)
	return g
}

// ProbDiff measures p(answer) - p(distractor) under the softmax of the
// final-position logits.
type ProbDiff struct{}

func (ProbDiff) Name() string { return "prob-diff" }

func (ProbDiff) Value(logits, _ *mat.Dense, length int, label Label) float64 {
	p := softmaxRow(logits, length-1)
	return p[label.Answer] - p[label.Distractor]
}

func (ProbDiff) Grad(logits, _ *mat.Dense, length int, label Label) *mat.Dense {
	r, c := logits.Dims()
	g := mat.NewDense(r, c, nil)
	t := length - 1
	p := softmaxRow(logits, t)
	pa, pd := p[label.Answer], p[label.Distractor]
	row := g.RawRowView(t)
	// d(p_a - p_d)/dz_j = p_a(1{a=j} - p_j) - p_d(1{d=j} - p_j)
	for j := range row {
		row[j] = -(pa - pd) * p[j]
	}
	row[label.Answer] += pa
	row[label.Distractor] -= pd
	return g
}

// KLDivergence measures KL(clean || evaluated) between the final-position
// next-token distributions: how far the evaluated run's prediction drifts
// from the unpatched clean run's. Zero when the distributions agree,
// always non-negative. Note the sign convention: a faithful circuit keeps
// this small, so callers comparing against difference metrics usually
// negate or rank separately.
type KLDivergence struct{}

func (KLDivergence) Name() string { return "kl" }

func (KLDivergence) Value(logits, cleanLogits *mat.Dense, length int, label Label) float64 {
	t := length - 1
	p := softmaxRow(cleanLogits, t)
	logq := logSoftmaxRow(logits, t)
	logp := logSoftmaxRow(cleanLogits, t)
	var kl float64
	for i := range p {
		if p[i] > 0 {
			kl += p[i] * (logp[i] - logq[i])
		}
	}
	return kl
}

func (KLDivergence) Grad(logits, cleanLogits *mat.Dense, length int, label Label) *mat.Dense {
	r, c := logits.Dims()
	g := mat.NewDense(r, c, nil)
	t := length - 1
	p := softmaxRow(cleanLogits, t)
	q := softmaxRow(logits, t)
	row := g.RawRowView(t)
	// d KL(p||q)/dz_j = q_j - p_j for q = softmax(z)
	for j := range row {
		row[j] = q[j] - p[j]
	}
	return g
}

func softmaxRow(logits *mat.Dense, t int) []float64 {
	_, c := logits.Dims()
	row := make([]float64, c)
	copy(row, logits.RawRowView(t))
	lse := floats.LogSumExp(row)
	for i := range row {
		row[i] = math.Exp(row[i] - lse)
	}
	return row
}

func logSoftmaxRow(logits *mat.Dense, t int) []float64 {
	_, c := logits.Dims()
	row := make([]float64, c)
	copy(row, logits.RawRowView(t))
	lse := floats.LogSumExp(row)
	for i := range row {
		row[i] -= lse
	}
	return row
}
