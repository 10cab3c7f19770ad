package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/G-structure/EAP-IG/pkg/attribution"
	"github.com/G-structure/EAP-IG/pkg/circuit"
	"github.com/G-structure/EAP-IG/pkg/model/transformer"
	"github.com/G-structure/EAP-IG/pkg/patching"
	"github.com/G-structure/EAP-IG/pkg/task"
)

// Report summarizes one completed run. Written as JSON next to the graph
// artifacts so runs stay comparable after the fact.
type Report struct {
	RunID    string `json:"run_id"`
	Method   string `json:"method"`
	Metric   string `json:"metric"`
	IGSteps  int    `json:"ig_steps,omitempty"`
	Examples int    `json:"examples"`

	TopN          int `json:"top_n"`
	NodesIncluded int `json:"nodes_included"`
	EdgesIncluded int `json:"edges_included"`

	CircuitMean   float64 `json:"circuit_mean"`
	CleanMean     float64 `json:"clean_mean"`
	CorruptedMean float64 `json:"corrupted_mean"`

	DurationSeconds float64 `json:"duration_seconds"`
}

// Run executes one full attribution pipeline: attribute edge scores over
// the dataset, checkpoint them, prune to the requested circuit size and
// evaluate the circuit against the clean and corrupted baselines.
//
// ctx is consulted between batches; a cancelled run returns ctx.Err() with
// no artifacts written.
func Run(ctx context.Context, cfg Config) (*Report, error) {
	start := time.Now()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	method, err := attribution.ParseMethod(cfg.Method)
	if err != nil {
		return nil, err
	}
	metric, err := task.ByName(cfg.Metric)
	if err != nil {
		return nil, err
	}
	opts := attribution.Options{
		Method:                method,
		IGSteps:               cfg.IGSteps,
		HalfPrecisionCaptures: cfg.HalfPrecisionCaptures,
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	m, err := buildModel(cfg.Model)
	if err != nil {
		return nil, err
	}
	g, err := circuit.Build(cfg.Model.Dims().Circuit())
	if err != nil {
		return nil, err
	}
	ds, err := task.LoadJSON(cfg.Dataset)
	if err != nil {
		return nil, err
	}
	if err := ds.Validate(cfg.Model.MaxSeq); err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	log := slog.With("run_id", runID, "method", method.String(), "metric", metric.Name())
	log.Info("starting attribution",
		"examples", ds.NumExamples(), "batches", len(ds),
		"nodes", g.NumNodes(), "edges", g.NumEdges())

	for i, batch := range ds {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if err := attribution.Attribute(m, g, task.Dataset{batch}, metric, opts); err != nil {
			return nil, fmt.Errorf("runner: batch %d: %w", i, err)
		}
		log.Debug("batch attributed", "batch", i, "examples", len(batch.Examples))
	}

	if cfg.Output.Snapshot != "" {
		if err := writeSnapshot(g, cfg.Output.Snapshot); err != nil {
			return nil, err
		}
		log.Info("scores checkpointed", "path", cfg.Output.Snapshot)
	}

	g.PruneTopN(cfg.TopN, cfg.KeepDeadEnds)
	log.Info("circuit pruned",
		"top_n", cfg.TopN,
		"nodes_included", g.CountIncludedNodes(),
		"edges_included", g.CountIncludedEdges())

	circuitVals, err := patching.EvaluateGraph(m, g, ds, metric)
	if err != nil {
		return nil, err
	}
	cleanVals, err := patching.EvaluateBaseline(m, ds, metric, false)
	if err != nil {
		return nil, err
	}
	corrVals, err := patching.EvaluateBaseline(m, ds, metric, true)
	if err != nil {
		return nil, err
	}

	if err := writeExports(g, cfg.Output); err != nil {
		return nil, err
	}

	rep := &Report{
		RunID:           runID,
		Method:          method.String(),
		Metric:          metric.Name(),
		Examples:        ds.NumExamples(),
		TopN:            cfg.TopN,
		NodesIncluded:   g.CountIncludedNodes(),
		EdgesIncluded:   g.CountIncludedEdges(),
		CircuitMean:     patching.Mean(circuitVals),
		CleanMean:       patching.Mean(cleanVals),
		CorruptedMean:   patching.Mean(corrVals),
		DurationSeconds: time.Since(start).Seconds(),
	}
	if method == attribution.MethodEAPIGInputs {
		rep.IGSteps = cfg.IGSteps
	}
	if cfg.Output.Report != "" {
		if err := writeReport(rep, cfg.Output.Report); err != nil {
			return nil, err
		}
	}
	log.Info("run complete",
		"circuit_mean", rep.CircuitMean,
		"clean_mean", rep.CleanMean,
		"corrupted_mean", rep.CorruptedMean,
		"duration", time.Since(start))
	return rep, nil
}

func buildModel(mc ModelConfig) (*transformer.Model, error) {
	if mc.Weights == "" {
		return transformer.New(mc.Dims(), mc.Seed)
	}
	f, err := os.Open(mc.Weights)
	if err != nil {
		return nil, fmt.Errorf("runner: open weights %q: %w", mc.Weights, err)
	}
	defer f.Close()
	return transformer.ReadWeights(mc.Dims(), f)
}

func writeSnapshot(g *circuit.Graph, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("runner: create snapshot %q: %w", path, err)
	}
	defer f.Close()
	if err := g.WriteSnapshot(f); err != nil {
		return err
	}
	return f.Close()
}

func writeExports(g *circuit.Graph, out OutputConfig) error {
	if out.GraphJSON == "" && out.GraphDOT == "" {
		return nil
	}
	ex := g.Export()
	if out.GraphJSON != "" {
		f, err := os.Create(out.GraphJSON)
		if err != nil {
			return fmt.Errorf("runner: create graph export %q: %w", out.GraphJSON, err)
		}
		defer f.Close()
		if err := ex.WriteJSON(f); err != nil {
			return err
		}
	}
	if out.GraphDOT != "" {
		f, err := os.Create(out.GraphDOT)
		if err != nil {
			return fmt.Errorf("runner: create DOT export %q: %w", out.GraphDOT, err)
		}
		defer f.Close()
		if err := ex.WriteDOT(f); err != nil {
			return err
		}
	}
	return nil
}

func writeReport(rep *Report, path string) error {
	raw, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return fmt.Errorf("runner: encode report: %w", err)
	}
	if err := os.WriteFile(path, raw, 0644); err != nil {
		return fmt.Errorf("runner: write report %q: %w", path, err)
	}
	return nil
}
