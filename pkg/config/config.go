// Package config holds the run configuration and its file loading.
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Model mirrors the architecture hyperparameters.
type Model struct {
	VocabSize    int     `mapstructure:"vocab_size" json:"vocab_size"`
	Dim          int     `mapstructure:"dim" json:"dim"`
	NumLayers    int     `mapstructure:"num_layers" json:"num_layers"`
	NumHeads     int     `mapstructure:"num_heads" json:"num_heads"`
	FFNHiddenDim int     `mapstructure:"ffn_hidden_dim" json:"ffn_hidden_dim"`
	MaxSeqLen    int     `mapstructure:"max_seq_len" json:"max_seq_len"`
	Dropout      float64 `mapstructure:"dropout" json:"dropout"`
	NormEps      float64 `mapstructure:"norm_eps" json:"norm_eps"`
}

// Train holds optimization settings.
type Train struct {
	Epochs        int     `mapstructure:"epochs" json:"epochs"`
	BatchSize     int     `mapstructure:"batch_size" json:"batch_size"`
	LearningRate  float64 `mapstructure:"learning_rate" json:"learning_rate"`
	WarmupSteps   int     `mapstructure:"warmup_steps" json:"warmup_steps"`
	ClipNorm      float64 `mapstructure:"clip_norm" json:"clip_norm"`
	TrainFraction float64 `mapstructure:"train_fraction" json:"train_fraction"`
	ValSplit      float64 `mapstructure:"val_split" json:"val_split"`
	CheckpointDir string  `mapstructure:"checkpoint_dir" json:"checkpoint_dir"`
	Seed          int64   `mapstructure:"seed" json:"seed"`

	SampleQuestions []string `mapstructure:"sample_questions" json:"sample_questions"`
}

// Data describes the corpus and tokenizer inputs.
type Data struct {
	DatasetPath   string `mapstructure:"dataset_path" json:"dataset_path"`
	TokenizerPath string `mapstructure:"tokenizer_path" json:"tokenizer_path"`
	Tokenizer     string `mapstructure:"tokenizer" json:"tokenizer"` // "bpe" or "tiktoken"
	BPEVocabSize  int    `mapstructure:"bpe_vocab_size" json:"bpe_vocab_size"`
}

// Chat controls generation at inference time.
type Chat struct {
	MaxNewTokens int     `mapstructure:"max_new_tokens" json:"max_new_tokens"`
	TopK         int     `mapstructure:"top_k" json:"top_k"`
	Temperature  float64 `mapstructure:"temperature" json:"temperature"`
}

// Config is the full run configuration.
type Config struct {
	Model Model `mapstructure:"model" json:"model"`
	Train Train `mapstructure:"train" json:"train"`
	Data  Data  `mapstructure:"data" json:"data"`
	Chat  Chat  `mapstructure:"chat" json:"chat"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		Model: Model{
			Dim:          256,
			NumLayers:    6,
			NumHeads:     8,
			FFNHiddenDim: 1024,
			MaxSeqLen:    256,
			Dropout:      0.1,
			NormEps:      1e-5,
		},
		Train: Train{
			Epochs:        10,
			BatchSize:     16,
			LearningRate:  3e-4,
			WarmupSteps:   100,
			ClipNorm:      1.0,
			TrainFraction: 1.0,
			ValSplit:      0.1,
			CheckpointDir: "checkpoints",
		},
		Data: Data{
			Tokenizer:    "bpe",
			BPEVocabSize: 4096,
		},
		Chat: Chat{
			MaxNewTokens: 128,
			TopK:         40,
			Temperature:  0.8,
		},
	}
}

// Load reads a config file (YAML or JSON, picked by extension) over
// the defaults. An empty path returns the defaults untouched.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the fields a run cannot proceed without.
func (c Config) Validate() error {
	if c.Model.Dim <= 0 || c.Model.NumHeads <= 0 || c.Model.NumLayers <= 0 {
		return fmt.Errorf("model dimensions must be positive")
	}
	if c.Model.Dim%c.Model.NumHeads != 0 {
		return fmt.Errorf("dim %d not divisible by num_heads %d", c.Model.Dim, c.Model.NumHeads)
	}
	if c.Train.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive")
	}
	if c.Train.ValSplit < 0 || c.Train.ValSplit >= 1 {
		return fmt.Errorf("val_split must be in [0, 1)")
	}
	return nil
}
