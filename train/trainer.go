// Package train runs the optimization loop over QA examples.
package train

import (
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"gonum.org/v1/gonum/stat"

	"github.com/avolkov/qachat/dataset"
	"github.com/avolkov/qachat/nn"
	"github.com/avolkov/qachat/ops"
	"github.com/avolkov/qachat/optim"
	"github.com/avolkov/qachat/pkg/chat"
	"github.com/avolkov/qachat/tokenizer"
)

// Config controls one training run.
type Config struct {
	Epochs        int
	BatchSize     int
	LearningRate  float64
	WarmupSteps   int
	ClipNorm      float64
	CheckpointDir string
	Seed          int64

	// SampleQuestions are answered greedily after each epoch so
	// training progress is visible in the log.
	SampleQuestions []string
}

// DefaultConfig returns sensible defaults for small-corpus chatbot
// training.
func DefaultConfig() Config {
	return Config{
		Epochs:        10,
		BatchSize:     16,
		LearningRate:  3e-4,
		WarmupSteps:   100,
		ClipNorm:      1.0,
		CheckpointDir: "checkpoints",
		Seed:          time.Now().UnixNano(),
	}
}

// Trainer drives the optimization loop.
type Trainer struct {
	Model *nn.Transformer
	Tok   tokenizer.Tokenizer
	Cfg   Config

	RunID string
	opt   *optim.AdamW
	sched *optim.CosineSchedule
	rng   *rand.Rand
}

// NewTrainer wires a model, tokenizer and config into a run.
func NewTrainer(model *nn.Transformer, tok tokenizer.Tokenizer, cfg Config) *Trainer {
	return &Trainer{
		Model: model,
		Tok:   tok,
		Cfg:   cfg,
		RunID: uuid.NewString(),
		rng:   rand.New(rand.NewSource(cfg.Seed)),
	}
}

// Train runs the full loop over the training examples, evaluating on
// valEx after every epoch and checkpointing the best model.
func (t *Trainer) Train(trainEx, valEx []dataset.Example) error {
	loader, err := dataset.NewLoader(trainEx, t.Cfg.BatchSize, false, t.rng)
	if err != nil {
		return fmt.Errorf("train loader: %w", err)
	}

	t.Model.SeedDropout(t.Cfg.Seed)

	totalSteps := loader.NumBatches() * t.Cfg.Epochs
	t.opt = optim.NewAdamW(t.Model.Parameters(), t.Cfg.LearningRate)
	t.sched = optim.NewCosineSchedule(t.Cfg.LearningRate, t.Cfg.WarmupSteps, totalSteps)

	log.Printf("run %s: %d params, %d train / %d val examples, %d steps",
		t.RunID, t.Model.CountParameters(), len(trainEx), len(valEx), totalSteps)

	bestVal := math.Inf(1)
	step := 0

	for epoch := 1; epoch <= t.Cfg.Epochs; epoch++ {
		loader.Reset()
		bar := progressbar.NewOptions(loader.NumBatches(),
			progressbar.OptionSetDescription(fmt.Sprintf("epoch %d/%d", epoch, t.Cfg.Epochs)),
			progressbar.OptionShowCount(),
		)

		var losses []float64
		for {
			batch, ok, err := loader.Next()
			if err != nil {
				return err
			}
			if !ok {
				break
			}

			step++
			t.opt.SetLR(t.sched.LR(step))

			loss, err := t.trainStep(batch)
			if err != nil {
				return fmt.Errorf("step %d: %w", step, err)
			}
			losses = append(losses, loss)
			bar.Add(1)
		}
		fmt.Println()

		trainLoss := stat.Mean(losses, nil)
		valLoss, err := t.Evaluate(valEx)
		if err != nil {
			return fmt.Errorf("epoch %d eval: %w", epoch, err)
		}
		log.Printf("epoch %d: train_loss=%.4f val_loss=%.4f val_ppl=%.2f lr=%.2e",
			epoch, trainLoss, valLoss, math.Exp(valLoss), t.sched.LR(step))

		if valLoss < bestVal && t.Cfg.CheckpointDir != "" {
			bestVal = valLoss
			path := filepath.Join(t.Cfg.CheckpointDir, "best.ckpt")
			if err := t.save(path); err != nil {
				return fmt.Errorf("checkpoint: %w", err)
			}
			log.Printf("saved %s (val_loss=%.4f)", path, valLoss)
		}

		t.printSamples()
	}
	return nil
}

// printSamples answers the configured sample questions greedily so
// generation quality can be eyeballed between epochs.
func (t *Trainer) printSamples() {
	if t.Tok == nil || len(t.Cfg.SampleQuestions) == 0 {
		return
	}
	sess := chat.NewSession(t.Model, t.Tok, chat.Options{
		MaxNewTokens: 64,
	})
	for _, q := range t.Cfg.SampleQuestions {
		a, err := sess.Answer(q)
		if err != nil {
			log.Printf("sample %q: %v", q, err)
			continue
		}
		log.Printf("sample %q -> %q", q, a)
	}
}

// trainStep runs forward, loss, backward and the optimizer update for
// one batch, returning the batch loss.
func (t *Trainer) trainStep(batch dataset.Batch) (float64, error) {
	logits, cache, err := t.Model.ForwardWithCache(batch.Source, batch.PadMask)
	if err != nil {
		return 0, err
	}

	loss, err := ops.CrossEntropyLoss(logits, batch.Target)
	if err != nil {
		return 0, err
	}
	dLogits, err := ops.CrossEntropyBackward(logits, batch.Target)
	if err != nil {
		return 0, err
	}

	t.opt.ZeroGrad()
	if err := t.Model.Backward(cache, dLogits); err != nil {
		return 0, err
	}
	if t.Cfg.ClipNorm > 0 {
		t.opt.ClipGradNorm(t.Cfg.ClipNorm)
	}
	t.opt.Step()

	return float64(loss.ToFloat32Slice()[0]), nil
}

// Evaluate returns mean cross-entropy over the examples without
// updating the model.
func (t *Trainer) Evaluate(examples []dataset.Example) (float64, error) {
	if len(examples) == 0 {
		return 0, nil
	}
	loader, err := dataset.NewLoader(examples, t.Cfg.BatchSize, false, nil)
	if err != nil {
		return 0, err
	}

	var losses []float64
	for {
		batch, ok, err := loader.Next()
		if err != nil {
			return 0, err
		}
		if !ok {
			break
		}
		logits, err := t.Model.Forward(batch.Source, batch.PadMask)
		if err != nil {
			return 0, err
		}
		loss, err := ops.CrossEntropyLoss(logits, batch.Target)
		if err != nil {
			return 0, err
		}
		losses = append(losses, float64(loss.ToFloat32Slice()[0]))
	}
	return stat.Mean(losses, nil), nil
}

func (t *Trainer) save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return SaveCheckpoint(path, t.Model)
}
