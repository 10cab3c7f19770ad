package runner

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/G-structure/EAP-IG/pkg/circuit"
	"github.com/G-structure/EAP-IG/pkg/model/transformer"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

const tinyDataset = `{"batches":[
	{"examples":[
		{"clean":[1,2,3],"corrupted":[1,2,4],"label":{"answer":5,"distractor":6}},
		{"clean":[0,7],"corrupted":[0,8],"label":{"answer":1,"distractor":2}}
	]},
	{"examples":[
		{"clean":[3,3,1],"corrupted":[3,3,5],"label":{"answer":0,"distractor":4}}
	]}
]}`

func tinyConfig(t *testing.T, dir string) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Model = ModelConfig{
		Layers: 2, Heads: 2,
		DModel: 6, DHead: 3, DMLP: 8,
		Vocab: 9, MaxSeq: 6,
		Seed: 42,
	}
	cfg.Method = "EAP"
	cfg.TopN = 10
	cfg.Dataset = writeFile(t, dir, "ds.json", tinyDataset)
	return cfg
}

func TestLoadOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "run.yaml", `
model:
  layers: 3
  heads: 2
  d_model: 12
  d_head: 6
  d_mlp: 24
  vocab: 50
  max_seq: 16
  seed: 9
dataset: /tmp/ds.json
method: EAP
top_n: 25
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Model.Layers != 3 || cfg.Model.Seed != 9 || cfg.TopN != 25 || cfg.Method != "EAP" {
		t.Errorf("overlay not applied: %+v", cfg)
	}
	// Untouched keys keep their defaults.
	if cfg.Metric != "logit-diff" || cfg.IGSteps != 5 {
		t.Errorf("defaults lost: metric=%q ig_steps=%d", cfg.Metric, cfg.IGSteps)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "run.yaml", "dataset: x\nmethod: EAP\nnum_steps: 3\n")
	if _, err := Load(path); err == nil {
		t.Error("unknown key should fail strict parsing")
	}
	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("missing file should fail")
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err == nil {
		t.Error("missing dataset should fail")
	}
	cfg.Dataset = "ds.json"
	cfg.TopN = -1
	if err := cfg.Validate(); err == nil {
		t.Error("negative top_n should fail")
	}
	cfg.TopN = 0
	if err := cfg.Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
}

func TestRunEndToEnd(t *testing.T) {
	dir := t.TempDir()
	cfg := tinyConfig(t, dir)
	cfg.Output = OutputConfig{
		GraphJSON: filepath.Join(dir, "graph.json"),
		GraphDOT:  filepath.Join(dir, "graph.dot"),
		Snapshot:  filepath.Join(dir, "scores.snap"),
		Report:    filepath.Join(dir, "report.json"),
	}

	rep, err := Run(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if rep.RunID == "" || rep.Examples != 3 || rep.Method != "EAP" {
		t.Errorf("report fields: %+v", rep)
	}
	if rep.EdgesIncluded > cfg.TopN {
		t.Errorf("edges included %d exceeds top_n %d", rep.EdgesIncluded, cfg.TopN)
	}

	// Report file round-trips.
	raw, err := os.ReadFile(cfg.Output.Report)
	if err != nil {
		t.Fatal(err)
	}
	var onDisk Report
	if err := json.Unmarshal(raw, &onDisk); err != nil {
		t.Fatal(err)
	}
	if onDisk.RunID != rep.RunID || onDisk.CleanMean != rep.CleanMean {
		t.Errorf("report on disk %+v != returned %+v", onDisk, rep)
	}

	// The snapshot restores into a graph of the same topology.
	g, err := circuit.Build(cfg.Model.Dims().Circuit())
	if err != nil {
		t.Fatal(err)
	}
	f, err := os.Open(cfg.Output.Snapshot)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := g.ReadSnapshot(f); err != nil {
		t.Fatalf("snapshot restore: %v", err)
	}

	for _, name := range []string{"graph.json", "graph.dot"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("artifact %s missing: %v", name, err)
		}
	}
}

func TestRunDeterministicAcrossInvocations(t *testing.T) {
	dir := t.TempDir()
	cfg := tinyConfig(t, dir)

	a, err := Run(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Run(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if a.CircuitMean != b.CircuitMean || a.EdgesIncluded != b.EdgesIncluded {
		t.Errorf("runs diverged: %+v vs %+v", a, b)
	}
}

func TestRunFailsBeforeAttributingOnEmptyBatch(t *testing.T) {
	dir := t.TempDir()
	cfg := tinyConfig(t, dir)
	cfg.Dataset = writeFile(t, dir, "empty_batch.json", `{"batches":[
		{"examples":[{"clean":[1,2],"corrupted":[1,3],"label":{"answer":5,"distractor":6}}]},
		{"examples":[]}
	]}`)
	cfg.Output.Snapshot = filepath.Join(dir, "scores.snap")

	_, err := Run(context.Background(), cfg)
	if err == nil {
		t.Fatal("dataset with an empty batch should fail")
	}
	// Up-front validation, not a mid-run failure: the per-batch loop wraps
	// its errors with the batch index, and no checkpoint may exist.
	if strings.Contains(err.Error(), "runner: batch") {
		t.Errorf("empty batch surfaced mid-run: %v", err)
	}
	if _, statErr := os.Stat(cfg.Output.Snapshot); statErr == nil {
		t.Error("failed run wrote a score checkpoint")
	}
}

func TestRunLoadsWeightsFile(t *testing.T) {
	dir := t.TempDir()
	cfg := tinyConfig(t, dir)

	seeded, err := Run(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}

	// Persist the same model and rerun from the file; the seed must be
	// ignored and the results must match.
	m, err := transformer.New(cfg.Model.Dims(), cfg.Model.Seed)
	if err != nil {
		t.Fatal(err)
	}
	weightsPath := filepath.Join(dir, "model.weights")
	f, err := os.Create(weightsPath)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.WriteWeights(f); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	cfg.Model.Weights = weightsPath
	cfg.Model.Seed = 999
	fromFile, err := Run(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if fromFile.CircuitMean != seeded.CircuitMean || fromFile.CleanMean != seeded.CleanMean {
		t.Errorf("weights-file run diverged: %+v vs %+v", fromFile, seeded)
	}
}

func TestRunHonorsCancellation(t *testing.T) {
	dir := t.TempDir()
	cfg := tinyConfig(t, dir)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Run(ctx, cfg); err != context.Canceled {
		t.Errorf("cancelled run returned %v, want context.Canceled", err)
	}
}

func TestRunRejectsBadMethodAndMetric(t *testing.T) {
	dir := t.TempDir()
	cfg := tinyConfig(t, dir)
	cfg.Method = "gradient-times-input"
	if _, err := Run(context.Background(), cfg); err == nil {
		t.Error("unknown method should fail")
	}
	cfg = tinyConfig(t, dir)
	cfg.Metric = "accuracy"
	if _, err := Run(context.Background(), cfg); err == nil {
		t.Error("unknown metric should fail")
	}
}
