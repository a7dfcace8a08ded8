package train

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/avolkov/qachat/dataset"
	"github.com/avolkov/qachat/nn"
	"github.com/avolkov/qachat/ops"

	_ "github.com/avolkov/qachat/backend/cpu" // register CPU backend
)

// syntheticExamples builds a trivially learnable dataset: every
// position predicts the next token of a fixed repeating pattern.
func syntheticExamples(n, seqLen int) []dataset.Example {
	pattern := []int64{1, 2, 3, 4}
	out := make([]dataset.Example, n)
	for i := range out {
		source := make([]int64, seqLen)
		target := make([]int64, seqLen)
		mask := make([]bool, seqLen)
		for j := 0; j < seqLen; j++ {
			source[j] = pattern[j%len(pattern)]
			target[j] = pattern[(j+1)%len(pattern)]
		}
		out[i] = dataset.Example{Source: source, Target: target, PadMask: mask}
	}
	return out
}

func TestTrainReducesLoss(t *testing.T) {
	model, err := nn.NewTransformer(nn.TinyConfig(8))
	if err != nil {
		t.Fatal(err)
	}

	examples := syntheticExamples(16, 8)
	trainer := NewTrainer(model, nil, Config{
		Epochs:        3,
		BatchSize:     4,
		LearningRate:  1e-2,
		WarmupSteps:   2,
		ClipNorm:      1.0,
		CheckpointDir: "", // no checkpointing in this test
		Seed:          42,
	})

	before, err := trainer.Evaluate(examples)
	if err != nil {
		t.Fatalf("initial eval: %v", err)
	}
	if err := trainer.Train(examples, examples[:4]); err != nil {
		t.Fatalf("Train: %v", err)
	}
	after, err := trainer.Evaluate(examples)
	if err != nil {
		t.Fatalf("final eval: %v", err)
	}

	if math.IsNaN(after) || math.IsInf(after, 0) {
		t.Fatalf("final loss is not finite: %v", after)
	}
	if after >= before {
		t.Errorf("loss did not decrease: before %v, after %v", before, after)
	}
}

func TestEvaluateHandlesPadding(t *testing.T) {
	model, err := nn.NewTransformer(nn.TinyConfig(8))
	if err != nil {
		t.Fatal(err)
	}

	// One example with a padded tail: its positions are ignored.
	ex := dataset.Example{
		Source:  []int64{1, 2, 3, 0, 0, 0, 0, 0},
		Target:  []int64{2, 3, 4, ops.IgnoreIndex, ops.IgnoreIndex, ops.IgnoreIndex, ops.IgnoreIndex, ops.IgnoreIndex},
		PadMask: []bool{false, false, false, true, true, true, true, true},
	}
	trainer := NewTrainer(model, nil, Config{BatchSize: 1})

	loss, err := trainer.Evaluate([]dataset.Example{ex})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		t.Fatalf("loss = %v, want finite", loss)
	}
}

func TestCheckpointRoundtrip(t *testing.T) {
	model, err := nn.NewTransformer(nn.TinyConfig(8))
	if err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "model.ckpt")
	if err := SaveCheckpoint(path, model); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}
	loaded, err := LoadCheckpoint(path)
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}

	if loaded.Config != model.Config {
		t.Fatalf("config mismatch: %+v vs %+v", loaded.Config, model.Config)
	}

	orig := model.Parameters()
	rest := loaded.Parameters()
	if len(orig) != len(rest) {
		t.Fatalf("parameter count mismatch: %d vs %d", len(orig), len(rest))
	}
	for i := range orig {
		a := orig[i].ToFloat32Slice()
		b := rest[i].ToFloat32Slice()
		for j := range a {
			if a[j] != b[j] {
				t.Fatalf("parameter %d element %d: %v vs %v", i, j, a[j], b[j])
			}
		}
	}
}

func TestLoadCheckpointMissingFile(t *testing.T) {
	if _, err := LoadCheckpoint(filepath.Join(t.TempDir(), "missing.ckpt")); err == nil {
		t.Fatal("expected error for missing checkpoint")
	}
}
