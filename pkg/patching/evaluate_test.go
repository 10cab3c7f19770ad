package patching

import (
	"math"
	"testing"

	"github.com/G-structure/EAP-IG/pkg/circuit"
	"github.com/G-structure/EAP-IG/pkg/model"
	"github.com/G-structure/EAP-IG/pkg/model/transformer"
	"github.com/G-structure/EAP-IG/pkg/task"
)

func testConfig() model.Config {
	return model.Config{Layers: 2, Heads: 2, DModel: 6, DHead: 3, DMLP: 8, Vocab: 9, MaxSeq: 6}
}

func testDataset() task.Dataset {
	return task.Dataset{
		{Examples: []task.Example{
			{Clean: []int{1, 2, 3}, Corrupted: []int{1, 2, 4}, Label: task.Label{Answer: 5, Distractor: 6}},
			{Clean: []int{0, 4}, Corrupted: []int{0, 7}, Label: task.Label{Answer: 2, Distractor: 8}},
		}},
		{Examples: []task.Example{
			{Clean: []int{6, 1, 3, 2}, Corrupted: []int{6, 1, 8, 2}, Label: task.Label{Answer: 0, Distractor: 4}},
		}},
	}
}

func fixtures(t *testing.T) (*transformer.Model, *circuit.Graph) {
	t.Helper()
	m, err := transformer.New(testConfig(), 21)
	if err != nil {
		t.Fatal(err)
	}
	g, err := circuit.Build(testConfig().Circuit())
	if err != nil {
		t.Fatal(err)
	}
	return m, g
}

// A fresh graph includes every edge, so patching redirects nothing and the
// evaluation must reproduce the clean baseline.
func TestFullCircuitMatchesCleanBaseline(t *testing.T) {
	m, g := fixtures(t)
	ds := testDataset()

	patched, err := EvaluateGraph(m, g, ds, task.LogitDiff{})
	if err != nil {
		t.Fatal(err)
	}
	clean, err := EvaluateBaseline(m, ds, task.LogitDiff{}, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(patched) != ds.NumExamples() || len(clean) != ds.NumExamples() {
		t.Fatalf("lengths = %d/%d, want %d", len(patched), len(clean), ds.NumExamples())
	}
	for i := range patched {
		if math.Abs(patched[i]-clean[i]) > 1e-9 {
			t.Errorf("example %d: patched %v vs clean %v", i, patched[i], clean[i])
		}
	}
}

// Excluding every edge feeds every slot from the corrupted capture, which
// rebuilds the corrupted run activation for activation.
func TestEmptyCircuitMatchesCorruptedBaseline(t *testing.T) {
	m, g := fixtures(t)
	ds := testDataset()
	g.PruneTopN(0, true)

	patched, err := EvaluateGraph(m, g, ds, task.ProbDiff{})
	if err != nil {
		t.Fatal(err)
	}
	corrupted, err := EvaluateBaseline(m, ds, task.ProbDiff{}, true)
	if err != nil {
		t.Fatal(err)
	}
	for i := range patched {
		if math.Abs(patched[i]-corrupted[i]) > 1e-9 {
			t.Errorf("example %d: patched %v vs corrupted %v", i, patched[i], corrupted[i])
		}
	}
}

// A partial circuit must land somewhere other than both baselines for a
// random model: the redirected edges change the computation.
func TestPartialCircuitDiffersFromBaselines(t *testing.T) {
	m, g := fixtures(t)
	ds := testDataset()

	// Exclude a single high-fan edge by hand.
	e, ok := g.EdgeBetween("input", "logits", circuit.SlotIn)
	if !ok {
		t.Fatal("input->logits edge missing")
	}
	g.Edge(e.ID).InCircuit = false

	patched, err := EvaluateGraph(m, g, ds, task.LogitDiff{})
	if err != nil {
		t.Fatal(err)
	}
	clean, err := EvaluateBaseline(m, ds, task.LogitDiff{}, false)
	if err != nil {
		t.Fatal(err)
	}
	same := true
	for i := range patched {
		if math.Abs(patched[i]-clean[i]) > 1e-9 {
			same = false
		}
	}
	if same {
		t.Error("excluding input->logits changed nothing")
	}
}

func TestEvaluateRejectsBadInputs(t *testing.T) {
	m, g := fixtures(t)
	ds := testDataset()

	if _, err := EvaluateGraph(m, g, ds, nil); err == nil {
		t.Error("nil metric should fail")
	}
	other, err := circuit.Build(circuit.Config{Layers: 1, Heads: 2})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := EvaluateGraph(m, other, ds, task.LogitDiff{}); err == nil {
		t.Error("topology mismatch should fail")
	}
	bad := task.Dataset{{Examples: []task.Example{{Clean: []int{1}, Corrupted: []int{1, 2}}}}}
	if _, err := EvaluateBaseline(m, bad, task.LogitDiff{}, false); err == nil {
		t.Error("invalid dataset should fail")
	}
}

func TestMean(t *testing.T) {
	if got := Mean(nil); got != 0 {
		t.Errorf("Mean(nil) = %v", got)
	}
	if got := Mean([]float64{1, 2, 6}); math.Abs(got-3) > 1e-12 {
		t.Errorf("Mean = %v, want 3", got)
	}
}
