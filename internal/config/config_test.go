package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/23skdu/longbow-circuit/internal/experiment"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	exp, err := cfg.ExperimentType()
	if err != nil {
		t.Fatal(err)
	}
	if exp.InputType != experiment.Clean || exp.PatchType != experiment.Corrupt || !exp.SortHighToLow {
		t.Errorf("unexpected default experiment %s", exp)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected info log level, got %q", cfg.Log.Level)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid config", func(*Config) {}, false},
		{"zero input", func(c *Config) { c.Experiment.Input = "zero" }, true},
		{"unknown patch", func(c *Config) { c.Experiment.Patch = "mean" }, true},
		{"zero patch", func(c *Config) { c.Experiment.Patch = "zero" }, false},
		{"invalid width", func(c *Config) { c.Model.Width = 0 }, true},
		{"data width mismatch", func(c *Config) { c.Data.Synthetic.Width = 3 }, true},
		{"arrow data skips width check", func(c *Config) { c.Data.Path = "x.arrow"; c.Data.Synthetic.Width = 3 }, false},
		{"negative edge count", func(c *Config) { c.Experiment.TestEdgeCounts = []int{1, -1} }, true},
		{"unknown count mode", func(c *Config) { c.Experiment.EdgeCountMode = "every-other" }, true},
		{"missing algorithm", func(c *Config) { c.Algorithm.Key = "" }, true},
		{"missing output", func(c *Config) { c.Output.Dir = "" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEdgeCounts(t *testing.T) {
	cfg := Default()
	got, err := cfg.EdgeCounts(4)
	if err != nil || len(got) != 4 || got[3] != 4 {
		t.Errorf("all mode: %v %v", got, err)
	}
	cfg.Experiment.TestEdgeCounts = []int{2, 999}
	got, _ = cfg.EdgeCounts(4)
	if len(got) != 2 || got[1] != 999 {
		t.Errorf("explicit counts should pass through, got %v", got)
	}
}

func TestLoadFromFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "circuit.yaml")
	body := []byte(`
model:
  layers: 3
  width: 4
data:
  synthetic:
    width: 4
experiment:
  patch: zero
  test_edge_counts: [1, 5]
`)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CIRCUIT_ALGORITHM_KEY", "random")

	v, err := NewViper(path)
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(v)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Model.Layers != 3 || cfg.Model.Width != 4 {
		t.Errorf("file values not applied: %+v", cfg.Model)
	}
	if cfg.Model.Heads != Default().Model.Heads {
		t.Errorf("unset keys should keep defaults, heads = %d", cfg.Model.Heads)
	}
	if cfg.Experiment.Patch != "zero" || len(cfg.Experiment.TestEdgeCounts) != 2 {
		t.Errorf("experiment not applied: %+v", cfg.Experiment)
	}
	if cfg.Algorithm.Key != "random" {
		t.Errorf("env override not applied, key = %q", cfg.Algorithm.Key)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("CIRCUIT_EXPERIMENT_INPUT", "zero")
	v, err := NewViper("")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Load(v); err == nil {
		t.Error("expected validation error")
	}
}

func TestNewViperMissingFile(t *testing.T) {
	if _, err := NewViper(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestWriteSnapshot(t *testing.T) {
	cfg := Default()
	cfg.Algorithm.GroundTruth.Edges = []string{"A0.0->Resid End"}

	var buf bytes.Buffer
	if err := cfg.WriteSnapshot(&buf); err != nil {
		t.Fatal(err)
	}
	var back Config
	if err := yaml.Unmarshal(buf.Bytes(), &back); err != nil {
		t.Fatal(err)
	}
	if back.Model != cfg.Model || back.Experiment.Input != cfg.Experiment.Input {
		t.Errorf("snapshot lost values: %+v", back)
	}
	if len(back.Algorithm.GroundTruth.Edges) != 1 {
		t.Errorf("snapshot lost ground truth edges")
	}
}
