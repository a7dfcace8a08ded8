package nn

// ModelConfig defines the architecture hyperparameters.
type ModelConfig struct {
	VocabSize    int     // vocabulary size (including special tokens)
	Dim          int     // model dimension (embedding size)
	NumLayers    int     // number of decoder blocks
	NumHeads     int     // number of attention heads
	FFNHiddenDim int     // FFN intermediate size, conventionally 4*Dim
	MaxSeqLen    int     // maximum sequence length
	Dropout      float64 // dropout probability
	NormEps      float64 // layer norm epsilon
}

// SmallConfig returns the configuration used for real chatbot training runs.
func SmallConfig(vocabSize int) ModelConfig {
	return ModelConfig{
		VocabSize:    vocabSize,
		Dim:          256,
		NumLayers:    6,
		NumHeads:     8,
		FFNHiddenDim: 1024,
		MaxSeqLen:    256,
		Dropout:      0.1,
		NormEps:      1e-5,
	}
}

// TinyConfig returns a configuration small enough for quick tests.
func TinyConfig(vocabSize int) ModelConfig {
	return ModelConfig{
		VocabSize:    vocabSize,
		Dim:          32,
		NumLayers:    2,
		NumHeads:     4,
		FFNHiddenDim: 128,
		MaxSeqLen:    64,
		Dropout:      0.0,
		NormEps:      1e-5,
	}
}
