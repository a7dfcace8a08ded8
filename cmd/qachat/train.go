package main

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/avolkov/qachat/dataset"
	"github.com/avolkov/qachat/nn"
	"github.com/avolkov/qachat/pkg/config"
	"github.com/avolkov/qachat/tokenizer"
	"github.com/avolkov/qachat/train"
)

func newTrainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train the model on a QA dataset",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if cfg.Data.DatasetPath == "" {
				return fmt.Errorf("data.dataset_path is required")
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runTrain(cfg)
		},
	}
	return cmd
}

func runTrain(cfg config.Config) error {
	pairs, err := dataset.LoadPairs(cfg.Data.DatasetPath)
	if err != nil {
		return fmt.Errorf("load dataset: %w", err)
	}
	pairs = dataset.Subset(pairs, cfg.Train.TrainFraction)
	log.Printf("loaded %d pairs from %s", len(pairs), cfg.Data.DatasetPath)

	tok, err := buildTokenizer(cfg, pairs)
	if err != nil {
		return err
	}

	builder, err := dataset.NewSequenceBuilder(tok, cfg.Model.MaxSeqLen)
	if err != nil {
		return err
	}
	examples := builder.BuildAll(pairs)

	stats := dataset.Summarize(examples)
	log.Printf("examples: %d, mean_len=%.1f±%.1f, max_len=%d, filled_window=%d",
		stats.Count, stats.MeanLen, stats.StdDevLen, stats.MaxLen, stats.Truncated)

	split := len(examples) - int(float64(len(examples))*cfg.Train.ValSplit)
	if split < 1 {
		split = 1
	}
	trainEx, valEx := examples[:split], examples[split:]

	mcfg := nn.ModelConfig{
		VocabSize:    tok.VocabSize(),
		Dim:          cfg.Model.Dim,
		NumLayers:    cfg.Model.NumLayers,
		NumHeads:     cfg.Model.NumHeads,
		FFNHiddenDim: cfg.Model.FFNHiddenDim,
		MaxSeqLen:    cfg.Model.MaxSeqLen,
		Dropout:      cfg.Model.Dropout,
		NormEps:      cfg.Model.NormEps,
	}
	model, err := nn.NewTransformer(mcfg)
	if err != nil {
		return fmt.Errorf("build model: %w", err)
	}

	trainer := train.NewTrainer(model, tok, train.Config{
		Epochs:        cfg.Train.Epochs,
		BatchSize:     cfg.Train.BatchSize,
		LearningRate:  cfg.Train.LearningRate,
		WarmupSteps:   cfg.Train.WarmupSteps,
		ClipNorm:      cfg.Train.ClipNorm,
		CheckpointDir: cfg.Train.CheckpointDir,
		Seed:          cfg.Train.Seed,

		SampleQuestions: cfg.Train.SampleQuestions,
	})
	return trainer.Train(trainEx, valEx)
}

// buildTokenizer picks the tokenizer per config: a pre-trained BPE
// merge file, a fresh BPE trained on the corpus, or cl100k_base.
func buildTokenizer(cfg config.Config, pairs []dataset.Pair) (tokenizer.Tokenizer, error) {
	switch cfg.Data.Tokenizer {
	case "tiktoken":
		return tokenizer.NewTiktoken()
	case "bpe", "":
		if cfg.Data.TokenizerPath != "" {
			if _, err := os.Stat(cfg.Data.TokenizerPath); err == nil {
				return tokenizer.LoadBPE(cfg.Data.TokenizerPath)
			}
		}
		var sb strings.Builder
		for _, p := range pairs {
			sb.WriteString(p.Question)
			sb.WriteString("\n")
			sb.WriteString(p.Answer)
			sb.WriteString("\n")
		}
		tok := tokenizer.TrainBPE(sb.String(), cfg.Data.BPEVocabSize)
		if cfg.Data.TokenizerPath != "" {
			if err := tok.Save(cfg.Data.TokenizerPath); err != nil {
				return nil, fmt.Errorf("save tokenizer: %w", err)
			}
		}
		return tok, nil
	default:
		return nil, fmt.Errorf("unknown tokenizer %q", cfg.Data.Tokenizer)
	}
}
