// Package config holds the resolved settings of one experiment run.
package config

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/23skdu/longbow-circuit/internal/algos"
	"github.com/23skdu/longbow-circuit/internal/data"
	"github.com/23skdu/longbow-circuit/internal/experiment"
	"github.com/23skdu/longbow-circuit/internal/logger"
	"github.com/23skdu/longbow-circuit/internal/model"
)

const EnvPrefix = "CIRCUIT"

type DataConfig struct {
	// Path to an Arrow IPC dataset. Empty uses Synthetic.
	Path      string               `mapstructure:"path" yaml:"path"`
	Synthetic data.SyntheticConfig `mapstructure:"synthetic" yaml:"synthetic"`
}

type ExperimentConfig struct {
	Input            string `mapstructure:"input" yaml:"input"`
	Patch            string `mapstructure:"patch" yaml:"patch"`
	SortHighToLow    bool   `mapstructure:"sort_high_to_low" yaml:"sort_high_to_low"`
	Factorized       bool   `mapstructure:"factorized" yaml:"factorized"`
	TestEdgeCounts   []int  `mapstructure:"test_edge_counts" yaml:"test_edge_counts"`
	EdgeCountMode    string `mapstructure:"edge_count_mode" yaml:"edge_count_mode"`
	ExcludeZeroEdges bool   `mapstructure:"exclude_zero_edges" yaml:"exclude_zero_edges"`
}

type OutputConfig struct {
	Dir        string `mapstructure:"dir" yaml:"dir"`
	RenderDOT  bool   `mapstructure:"render_dot" yaml:"render_dot"`
	FlightAddr string `mapstructure:"flight_addr" yaml:"flight_addr"`
}

type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
}

type Config struct {
	Model       model.Config     `mapstructure:"model" yaml:"model"`
	Data        DataConfig       `mapstructure:"data" yaml:"data"`
	Algorithm   algos.Config     `mapstructure:"algorithm" yaml:"algorithm"`
	Experiment  ExperimentConfig `mapstructure:"experiment" yaml:"experiment"`
	Output      OutputConfig     `mapstructure:"output" yaml:"output"`
	Log         LogConfig        `mapstructure:"log" yaml:"log"`
	MetricsAddr string           `mapstructure:"metrics_addr" yaml:"metrics_addr"`
}

func Default() Config {
	return Config{
		Model: model.Config{Layers: 2, Heads: 2, Width: 8, Vocab: 16, Seed: 1},
		Data: DataConfig{
			Synthetic: data.SyntheticConfig{Batches: 4, BatchSize: 8, Width: 8, Seed: 1},
		},
		Algorithm: algos.Config{Key: "act-mag", Random: algos.RandomConfig{Seed: 1}},
		Experiment: ExperimentConfig{
			Input:         "clean",
			Patch:         "corrupt",
			SortHighToLow: true,
			Factorized:    true,
			EdgeCountMode: string(experiment.CountsAll),
		},
		Output: OutputConfig{Dir: "circuit-out"},
		Log:    LogConfig{Level: "info", Format: "console", MaxSizeMB: 10, MaxBackups: 3},
	}
}

func (c *Config) Validate() error {
	if err := c.Model.Validate(); err != nil {
		return fmt.Errorf("model: %w", err)
	}
	if c.Data.Path == "" && c.Data.Synthetic.Width != c.Model.Width {
		return fmt.Errorf("data width %d does not match model width %d", c.Data.Synthetic.Width, c.Model.Width)
	}
	if _, err := c.ExperimentType(); err != nil {
		return err
	}
	for _, n := range c.Experiment.TestEdgeCounts {
		if n < 0 {
			return fmt.Errorf("invalid test edge count: %d (must be non-negative)", n)
		}
	}
	switch experiment.EdgeCountMode(c.Experiment.EdgeCountMode) {
	case experiment.CountsAll, experiment.CountsLog, "":
	default:
		return fmt.Errorf("invalid edge_count_mode: %q", c.Experiment.EdgeCountMode)
	}
	if c.Algorithm.Key == "" {
		return fmt.Errorf("algorithm key is required")
	}
	if c.Output.Dir == "" {
		return fmt.Errorf("output dir is required")
	}
	return nil
}

// ExperimentType parses the input and patch conditions.
func (c *Config) ExperimentType() (experiment.ExperimentType, error) {
	in, err := experiment.ParseActType(c.Experiment.Input)
	if err != nil {
		return experiment.ExperimentType{}, fmt.Errorf("input: %w", err)
	}
	patch, err := experiment.ParseActType(c.Experiment.Patch)
	if err != nil {
		return experiment.ExperimentType{}, fmt.Errorf("patch: %w", err)
	}
	exp := experiment.ExperimentType{InputType: in, PatchType: patch, SortHighToLow: c.Experiment.SortHighToLow}
	return exp, exp.Validate()
}

// EdgeCounts returns the listed checkpoints, or generates them for a graph
// of total edges.
func (c *Config) EdgeCounts(total int) ([]int, error) {
	if len(c.Experiment.TestEdgeCounts) > 0 {
		return c.Experiment.TestEdgeCounts, nil
	}
	return experiment.EdgeCounts(experiment.EdgeCountMode(c.Experiment.EdgeCountMode), total)
}

func (c *Config) LoggerOptions() logger.Options {
	return logger.Options{
		Level:      c.Log.Level,
		Format:     c.Log.Format,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
	}
}

// SetDefaults registers every key of Default on v so that environment
// variables reach nested fields.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("model.layers", d.Model.Layers)
	v.SetDefault("model.heads", d.Model.Heads)
	v.SetDefault("model.width", d.Model.Width)
	v.SetDefault("model.vocab", d.Model.Vocab)
	v.SetDefault("model.seed", d.Model.Seed)
	v.SetDefault("data.path", d.Data.Path)
	v.SetDefault("data.synthetic.batches", d.Data.Synthetic.Batches)
	v.SetDefault("data.synthetic.batch_size", d.Data.Synthetic.BatchSize)
	v.SetDefault("data.synthetic.width", d.Data.Synthetic.Width)
	v.SetDefault("data.synthetic.seed", d.Data.Synthetic.Seed)
	v.SetDefault("algorithm.key", d.Algorithm.Key)
	v.SetDefault("algorithm.random.seed", d.Algorithm.Random.Seed)
	v.SetDefault("algorithm.ground_truth.edges", []string{})
	v.SetDefault("experiment.input", d.Experiment.Input)
	v.SetDefault("experiment.patch", d.Experiment.Patch)
	v.SetDefault("experiment.sort_high_to_low", d.Experiment.SortHighToLow)
	v.SetDefault("experiment.factorized", d.Experiment.Factorized)
	v.SetDefault("experiment.test_edge_counts", []int{})
	v.SetDefault("experiment.edge_count_mode", d.Experiment.EdgeCountMode)
	v.SetDefault("experiment.exclude_zero_edges", d.Experiment.ExcludeZeroEdges)
	v.SetDefault("output.dir", d.Output.Dir)
	v.SetDefault("output.render_dot", d.Output.RenderDOT)
	v.SetDefault("output.flight_addr", d.Output.FlightAddr)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("metrics_addr", d.MetricsAddr)
}

// NewViper returns a viper instance with defaults and CIRCUIT_ environment
// overrides. A non-empty file is read as YAML.
func NewViper(file string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	if file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", file, err)
		}
	}
	return v, nil
}

// Load unmarshals and validates the configuration held by v.
func Load(v *viper.Viper) (Config, error) {
	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// WriteSnapshot writes cfg as YAML.
func (c *Config) WriteSnapshot(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}
