// Command eapig runs edge attribution over a configured model and dataset,
// prunes the scored graph to a circuit and reports its faithfulness
// against the clean and corrupted baselines.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/G-structure/EAP-IG/internal/runner"
)

func main() {
	configPath := flag.String("config", "eapig.yaml", "Path to the YAML run configuration")
	topN := flag.Int("top-n", -1, "Override the configured circuit size (number of edges to keep)")
	verbose := flag.Bool("v", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := runner.Load(*configPath)
	if err != nil {
		slog.Error("configuration failed", "error", err)
		os.Exit(1)
	}
	if *topN >= 0 {
		cfg.TopN = *topN
	}

	// SIGINT/SIGTERM cancel between batches; scores already checkpointed
	// stay on disk.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rep, err := runner.Run(ctx, cfg)
	if err != nil {
		slog.Error("run failed", "error", err)
		os.Exit(1)
	}

	fmt.Printf("run %s: %d/%d edges kept, %s circuit=%.6g clean=%.6g corrupted=%.6g\n",
		rep.RunID, rep.EdgesIncluded, rep.TopN, rep.Metric,
		rep.CircuitMean, rep.CleanMean, rep.CorruptedMean)
}
