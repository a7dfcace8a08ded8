package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Model.Dim <= 0 || cfg.Model.NumLayers <= 0 {
		t.Error("default model dimensions must be positive")
	}
	if cfg.Model.Dim%cfg.Model.NumHeads != 0 {
		t.Errorf("default dim %d not divisible by heads %d", cfg.Model.Dim, cfg.Model.NumHeads)
	}
	if cfg.Train.BatchSize <= 0 {
		t.Error("default batch size must be positive")
	}
	if cfg.Data.Tokenizer != "bpe" {
		t.Errorf("default tokenizer = %q, want bpe", cfg.Data.Tokenizer)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config must validate: %v", err)
	}
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\"): %v", err)
	}
	if cfg.Model.Dim != Default().Model.Dim {
		t.Error("empty path should return defaults")
	}
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	content := `
model:
  dim: 64
  num_heads: 4
train:
  epochs: 3
data:
  dataset_path: pairs.jsonl
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Model.Dim != 64 {
		t.Errorf("dim = %d, want 64", cfg.Model.Dim)
	}
	if cfg.Model.NumHeads != 4 {
		t.Errorf("num_heads = %d, want 4", cfg.Model.NumHeads)
	}
	if cfg.Train.Epochs != 3 {
		t.Errorf("epochs = %d, want 3", cfg.Train.Epochs)
	}
	if cfg.Data.DatasetPath != "pairs.jsonl" {
		t.Errorf("dataset_path = %q", cfg.Data.DatasetPath)
	}
	// Untouched fields keep their defaults.
	if cfg.Model.NumLayers != Default().Model.NumLayers {
		t.Error("unset fields must keep defaults")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Model.Dim = 250 // not divisible by 8 heads
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for dim not divisible by heads")
	}

	cfg = Default()
	cfg.Train.ValSplit = 1.0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for val_split of 1.0")
	}
}
