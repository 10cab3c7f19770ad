package transformer

import (
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/G-structure/EAP-IG/pkg/circuit"
	"github.com/G-structure/EAP-IG/pkg/model"
)

func testConfig() model.Config {
	return model.Config{
		Layers: 2, Heads: 2,
		DModel: 6, DHead: 3, DMLP: 8,
		Vocab: 9, MaxSeq: 6,
	}
}

func TestForwardDeterminism(t *testing.T) {
	m, err := New(testConfig(), 7)
	if err != nil {
		t.Fatal(err)
	}
	tokens := []int{1, 4, 2, 8}

	a, err := m.Forward(tokens, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	b, err := m.Forward(tokens, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !mat.Equal(a.Logits(), b.Logits()) {
		t.Error("repeated forward passes must be bitwise identical")
	}

	// Same seed rebuilds the same model.
	m2, _ := New(testConfig(), 7)
	c, _ := m2.Forward(tokens, nil, nil)
	if !mat.Equal(a.Logits(), c.Logits()) {
		t.Error("same seed must produce the same model")
	}
}

func TestForwardValidation(t *testing.T) {
	m, _ := New(testConfig(), 1)
	if _, err := m.Forward([]int{}, nil, nil); err == nil {
		t.Error("empty sequence should fail")
	}
	if _, err := m.Forward([]int{0, 1, 2, 3, 4, 5, 6}, nil, nil); err == nil {
		t.Error("over-length sequence should fail")
	}
	if _, err := m.Forward([]int{0, 99}, nil, nil); err == nil {
		t.Error("out-of-vocab token should fail")
	}
}

func TestForwardCapturesEveryNode(t *testing.T) {
	cfg := testConfig()
	m, _ := New(cfg, 3)
	cap := model.NewCapture(cfg.NumNodes())
	if _, err := m.Forward([]int{2, 5, 1}, cap, nil); err != nil {
		t.Fatal(err)
	}
	for id := 0; id < cfg.NumNodes(); id++ {
		if !cap.Has(circuit.NodeID(id)) {
			t.Errorf("node %s not captured", cfg.Circuit().NodeName(circuit.NodeID(id)))
		}
	}

	// Non-logits outputs are seq x dModel, logits is seq x vocab.
	out, _ := cap.Out(cfg.Circuit().MLPID(1))
	if r, c := out.Dims(); r != 3 || c != cfg.DModel {
		t.Errorf("mlp output dims %dx%d", r, c)
	}
	lg, _ := cap.Out(cfg.Circuit().LogitsID())
	if r, c := lg.Dims(); r != 3 || c != cfg.Vocab {
		t.Errorf("logits dims %dx%d", r, c)
	}
}

// metricOf evaluates sum(seed .* logits), the scalar Backward
// differentiates.
func metricOf(seed, logits *mat.Dense) float64 {
	var s float64
	r, c := seed.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			s += seed.At(i, j) * logits.At(i, j)
		}
	}
	return s
}

// sumAllSlotGrads adds up every destination-slot gradient. Because each
// slot input contains the input node's output as an additive term, this
// sum is exactly d(metric)/d(embedding output).
func sumAllSlotGrads(t *testing.T, cfg model.Config, grads *model.Gradients, T int) *mat.Dense {
	t.Helper()
	ccfg := cfg.Circuit()
	total := mat.NewDense(T, cfg.DModel, nil)
	for id := circuit.NodeID(1); int(id) < cfg.NumNodes(); id++ {
		kind, _, _ := ccfg.KindOf(id)
		for _, slot := range kind.Slots() {
			g, err := grads.Slot(id, slot)
			if err != nil {
				t.Fatalf("missing gradient for %s<%s>: %v", ccfg.NodeName(id), slot, err)
			}
			total.Add(total, g)
		}
	}
	return total
}

func TestBackwardMatchesFiniteDifferences(t *testing.T) {
	cfg := testConfig()
	m, err := New(cfg, 11)
	if err != nil {
		t.Fatal(err)
	}
	tokens := []int{3, 1, 7, 0}
	T := len(tokens)

	rng := rand.New(rand.NewSource(99))
	seed := mat.NewDense(T, cfg.Vocab, nil)
	for i := 0; i < T; i++ {
		for j := 0; j < cfg.Vocab; j++ {
			seed.Set(i, j, rng.NormFloat64())
		}
	}

	// 1. Analytic gradients from one backward pass.
	cap := model.NewCapture(cfg.NumNodes())
	res, err := m.Forward(tokens, cap, nil)
	if err != nil {
		t.Fatal(err)
	}
	grads, err := m.Backward(res, seed)
	if err != nil {
		t.Fatal(err)
	}
	total := sumAllSlotGrads(t, cfg, grads, T)

	// 2. Finite differences on the embedding output, via SetOutput.
	emb, _ := cap.Out(cfg.Circuit().InputID())
	f := func(e *mat.Dense) float64 {
		ov := model.NewOverrides()
		ov.SetOutput(cfg.Circuit().InputID(), e)
		r, err := m.Forward(tokens, nil, ov)
		if err != nil {
			t.Fatal(err)
		}
		return metricOf(seed, r.Logits())
	}

	const eps = 1e-5
	for _, pt := range [][2]int{{0, 0}, {1, 3}, {2, 5}, {3, 1}} {
		ti, di := pt[0], pt[1]
		plus := mat.DenseCopyOf(emb)
		plus.Set(ti, di, emb.At(ti, di)+eps)
		minus := mat.DenseCopyOf(emb)
		minus.Set(ti, di, emb.At(ti, di)-eps)

		want := (f(plus) - f(minus)) / (2 * eps)
		got := total.At(ti, di)
		if diff := math.Abs(got - want); diff > 1e-6+1e-4*math.Abs(want) {
			t.Errorf("d/d emb[%d,%d]: analytic %v, finite difference %v", ti, di, got, want)
		}
	}
}

func TestBackwardPerComponentGradient(t *testing.T) {
	// Perturbing one head's output exercises only the slots strictly
	// downstream of it, which distinguishes the slot partition from the
	// whole-stream identity above. a0.h0 feeds m0, layer 1 and logits,
	// but never its own layer's sibling head.
	cfg := testConfig()
	m, err := New(cfg, 23)
	if err != nil {
		t.Fatal(err)
	}
	ccfg := cfg.Circuit()
	tokens := []int{2, 6, 4}
	T := len(tokens)

	seed := mat.NewDense(T, cfg.Vocab, nil)
	seed.Set(T-1, 4, 1)
	seed.Set(T-1, 7, -1)

	cap := model.NewCapture(cfg.NumNodes())
	res, err := m.Forward(tokens, cap, nil)
	if err != nil {
		t.Fatal(err)
	}
	grads, err := m.Backward(res, seed)
	if err != nil {
		t.Fatal(err)
	}

	headID := ccfg.AttentionID(0, 0)
	downstream := mat.NewDense(T, cfg.DModel, nil)
	for id := headID + 1; int(id) < cfg.NumNodes(); id++ {
		kind, _, _ := ccfg.KindOf(id)
		if ccfg.UpstreamLimit(id) <= headID {
			continue // sibling heads of layer 0
		}
		for _, slot := range kind.Slots() {
			g, err := grads.Slot(id, slot)
			if err != nil {
				t.Fatal(err)
			}
			downstream.Add(downstream, g)
		}
	}

	headOut, _ := cap.Out(headID)
	f := func(o *mat.Dense) float64 {
		ov := model.NewOverrides()
		ov.SetOutput(headID, o)
		r, err := m.Forward(tokens, nil, ov)
		if err != nil {
			t.Fatal(err)
		}
		return metricOf(seed, r.Logits())
	}

	const eps = 1e-5
	for _, pt := range [][2]int{{0, 2}, {1, 0}, {2, 4}} {
		ti, di := pt[0], pt[1]
		plus := mat.DenseCopyOf(headOut)
		plus.Set(ti, di, headOut.At(ti, di)+eps)
		minus := mat.DenseCopyOf(headOut)
		minus.Set(ti, di, headOut.At(ti, di)-eps)

		want := (f(plus) - f(minus)) / (2 * eps)
		got := downstream.At(ti, di)
		if diff := math.Abs(got - want); diff > 1e-6+1e-4*math.Abs(want) {
			t.Errorf("d/d a0.h0[%d,%d]: analytic %v, finite difference %v", ti, di, got, want)
		}
	}
}

func TestAllBaselineRewiringReproducesBaseline(t *testing.T) {
	// Redirect every slot contribution to the corrupted capture: the
	// patched run must emit exactly the corrupted logits, regardless of
	// the clean tokens it nominally runs on.
	cfg := testConfig()
	m, err := New(cfg, 5)
	if err != nil {
		t.Fatal(err)
	}
	ccfg := cfg.Circuit()

	corrupted := []int{8, 8, 8, 8}
	clean := []int{1, 2, 3, 4}

	capCorr := model.NewCapture(cfg.NumNodes())
	resCorr, err := m.Forward(corrupted, capCorr, nil)
	if err != nil {
		t.Fatal(err)
	}

	ov := model.NewOverrides()
	ov.SetBaseline(capCorr)
	for id := circuit.NodeID(1); int(id) < cfg.NumNodes(); id++ {
		kind, _, _ := ccfg.KindOf(id)
		for _, slot := range kind.Slots() {
			for src := circuit.NodeID(0); src < ccfg.UpstreamLimit(id); src++ {
				ov.UseBaseline(id, slot, src)
			}
		}
	}

	resPatched, err := m.Forward(clean, nil, ov)
	if err != nil {
		t.Fatal(err)
	}
	if !mat.EqualApprox(resPatched.Logits(), resCorr.Logits(), 1e-12) {
		t.Error("fully-baseline rewiring should reproduce the corrupted logits")
	}
}
