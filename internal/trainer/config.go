// Package trainer wires the trainer processes together: configuration,
// the head composition (model-sync, scheduler, API), and the worker
// composition (sampler, loader, learner, booster).
package trainer

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v2"

	"github.com/harrier-ml/harrier/internal/domain"
)

// Config holds one training or testing job. Every deployment-specific
// knob of the search — the confidence bound's δ, the γ statistics
// window, failure thresholds — surfaces here.
type Config struct {
	MachineName string `yaml:"machine_name"`
	MachineID   int    `yaml:"machine_id"`
	Head        bool   `yaml:"head"`
	Worker      bool   `yaml:"worker"`
	ExpName     string `yaml:"exp_name"`

	Network NetworkConfig `yaml:"network"`
	Data    DataConfig    `yaml:"data"`
	Buffer  BufferConfig  `yaml:"buffer"`
	Boost   BoostConfig   `yaml:"boost"`
	Models  ModelsConfig  `yaml:"models"`
}

// NetworkConfig names the head address and the head's HTTP surface.
type NetworkConfig struct {
	Addr    string `yaml:"addr"`     // head listen / worker dial address
	APIAddr string `yaml:"api_addr"` // head HTTP API; empty disables
	Metrics bool   `yaml:"metrics"`  // expose /metrics on the API server
}

// DataConfig locates the training data.
type DataConfig struct {
	TrainingFile  string `yaml:"training_file"`
	TestingFile   string `yaml:"testing_file"`
	NumFeatures   int    `yaml:"num_features"`
	PositiveLabel string `yaml:"positive_label"`
}

// BufferConfig shapes the sample pipeline.
type BufferConfig struct {
	Size             int     `yaml:"size"`
	BatchSize        int     `yaml:"batch_size"`
	BlockingSampling bool    `yaml:"blocking_sampling"`
	MinESS           float64 `yaml:"min_ess"`
	InitBlockSecs    int     `yaml:"init_block_secs"`
	SamplerSeed      int64   `yaml:"sampler_seed"`
}

// BoostConfig shapes the boosting search.
type BoostConfig struct {
	NumIterations         int             `yaml:"num_iterations"`
	MaxSampleSize         int             `yaml:"max_sample_size"`
	MaxBinSize            int             `yaml:"max_bin_size"`
	DefaultGamma          float64         `yaml:"default_gamma"`
	MinGamma              float64         `yaml:"min_gamma"`
	ShrinkFactor          float64         `yaml:"shrink_factor"`
	GammaWindow           int             `yaml:"gamma_window"`
	GammaFailureRatio     float64         `yaml:"gamma_failure_ratio"`
	ConfidenceDelta       float64         `yaml:"confidence_delta"`
	MaxTrialsBeforeShrink int             `yaml:"max_trials_before_shrink"`
	MaxDepth              int             `yaml:"max_depth"`
	MaxChildren           int             `yaml:"max_children"`
	MinGridSize           int             `yaml:"min_grid_size"`
	FailureThreshold      float64         `yaml:"failure_threshold"`
	Loss                  domain.LossKind `yaml:"loss"`
}

// ModelsConfig locates model artifacts.
type ModelsConfig struct {
	Dir              string `yaml:"dir"`
	Table            string `yaml:"table"`
	SnapshotInterval int    `yaml:"snapshot_interval"`
	Incremental      bool   `yaml:"incremental_testing"`
	ScoresOnly       bool   `yaml:"testing_scores_only"`
}

// DefaultConfig returns a sensible single-machine configuration.
func DefaultConfig() Config {
	return Config{
		MachineName: "local",
		Head:        true,
		Worker:      true,
		Network: NetworkConfig{
			Addr:    "127.0.0.1:7150",
			APIAddr: "127.0.0.1:7151",
			Metrics: true,
		},
		Data: DataConfig{
			NumFeatures:   0,
			PositiveLabel: "1",
		},
		Buffer: BufferConfig{
			Size:          50_000,
			BatchSize:     1_000,
			MinESS:        0.1,
			InitBlockSecs: 60,
			SamplerSeed:   42,
		},
		Boost: BoostConfig{
			NumIterations:         0,
			MaxSampleSize:         100_000,
			MaxBinSize:            16,
			DefaultGamma:          0.25,
			MinGamma:              0.000125,
			ShrinkFactor:          0.8,
			GammaWindow:           20,
			GammaFailureRatio:     0.9,
			ConfidenceDelta:       0.001,
			MaxTrialsBeforeShrink: 1_500_000,
			MaxDepth:              2,
			MaxChildren:           16,
			MinGridSize:           4,
			FailureThreshold:      3,
			Loss:                  domain.LossExp,
		},
		Models: ModelsConfig{
			Dir:              "models",
			Table:            "models/table.txt",
			SnapshotInterval: 10,
		},
	}
}

// LoadConfig reads a job config, layering the file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.UnmarshalStrict(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the trainer cannot run.
func (c *Config) Validate() error {
	switch {
	case !c.Head && !c.Worker:
		return fmt.Errorf("config: neither head nor worker")
	case c.Data.NumFeatures <= 0:
		return fmt.Errorf("config: num_features must be positive")
	case c.Buffer.Size <= 0 || c.Buffer.BatchSize <= 0:
		return fmt.Errorf("config: buffer size and batch_size must be positive")
	case c.Buffer.BatchSize > c.Buffer.Size:
		return fmt.Errorf("config: batch_size exceeds buffer size")
	case c.Boost.MaxBinSize <= 0:
		return fmt.Errorf("config: max_bin_size must be positive")
	case c.Boost.MinGamma <= 0 || c.Boost.DefaultGamma < c.Boost.MinGamma:
		return fmt.Errorf("config: gamma bounds are inconsistent")
	case c.Boost.ShrinkFactor <= 0 || c.Boost.ShrinkFactor >= 1:
		return fmt.Errorf("config: shrink_factor must be in (0, 1)")
	case !c.Boost.Loss.Valid():
		return fmt.Errorf("config: unknown loss %q", c.Boost.Loss)
	}
	return nil
}
