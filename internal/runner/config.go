// Package runner orchestrates a full attribution run for the CLI: load the
// YAML run configuration, build the model and graph, attribute, prune,
// evaluate and write the artifacts.
package runner

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/G-structure/EAP-IG/pkg/model"
)

// ModelConfig sets the dimensions of the reference transformer the run
// executes against, and either a deterministic weight seed or a weights
// file to load. A non-empty Weights path wins over the seed.
type ModelConfig struct {
	Layers  int    `yaml:"layers"`
	Heads   int    `yaml:"heads"`
	DModel  int    `yaml:"d_model"`
	DHead   int    `yaml:"d_head"`
	DMLP    int    `yaml:"d_mlp"`
	Vocab   int    `yaml:"vocab"`
	MaxSeq  int    `yaml:"max_seq"`
	Seed    int64  `yaml:"seed"`
	Weights string `yaml:"weights"`
}

// Dims converts to the model package's configuration.
func (m ModelConfig) Dims() model.Config {
	return model.Config{
		Layers: m.Layers, Heads: m.Heads,
		DModel: m.DModel, DHead: m.DHead, DMLP: m.DMLP,
		Vocab: m.Vocab, MaxSeq: m.MaxSeq,
	}
}

// OutputConfig names the artifacts a run writes. Empty paths skip the
// artifact.
type OutputConfig struct {
	GraphJSON string `yaml:"graph_json"`
	GraphDOT  string `yaml:"graph_dot"`
	Snapshot  string `yaml:"snapshot"`
	Report    string `yaml:"report"`
}

// Config is the complete YAML run definition.
type Config struct {
	Model   ModelConfig `yaml:"model"`
	Dataset string      `yaml:"dataset"`

	Method  string `yaml:"method"`
	IGSteps int    `yaml:"ig_steps"`
	Metric  string `yaml:"metric"`

	TopN                  int  `yaml:"top_n"`
	KeepDeadEnds          bool `yaml:"keep_dead_ends"`
	HalfPrecisionCaptures bool `yaml:"half_precision_captures"`

	Output OutputConfig `yaml:"output"`
}

// DefaultConfig returns a runnable starting point: a small seeded model,
// integrated gradients with a modest step count, logit difference scoring.
// Dataset and output paths still come from the file or flags.
func DefaultConfig() Config {
	return Config{
		Model: ModelConfig{
			Layers: 2, Heads: 4,
			DModel: 64, DHead: 16, DMLP: 256,
			Vocab: 128, MaxSeq: 32,
			Seed: 1,
		},
		Method:  "EAP-IG-inputs",
		IGSteps: 5,
		Metric:  "logit-diff",
		TopN:    100,
	}
}

// Load reads a YAML run configuration over the defaults. Unknown keys are
// rejected so typos fail loudly, and environment references in the file
// are expanded before parsing.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("runner: read config %q: %w", path, err)
	}

	dec := yaml.NewDecoder(strings.NewReader(os.ExpandEnv(string(data))))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("runner: parse config %q: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the parts the runner itself owns; model dimensions and
// method options are validated by their packages when the run starts.
func (c Config) Validate() error {
	if c.Dataset == "" {
		return fmt.Errorf("runner: dataset path is required")
	}
	if c.TopN < 0 {
		return fmt.Errorf("runner: top_n must be >= 0, got %d", c.TopN)
	}
	return nil
}
