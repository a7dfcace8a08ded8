package nn

import (
	"fmt"

	"github.com/avolkov/qachat/tensor"
)

// Transformer is a decoder-only language model:
// token embedding → sinusoidal positions → dropout → N pre-norm
// decoder blocks → vocabulary projection. There is no final layer
// norm before the projection.
type Transformer struct {
	Config ModelConfig

	Embed  *Embedding
	PosEnc *PositionalEncoding
	Drop   *Dropout
	Blocks []*DecoderBlock
	Output *Linear
}

// NewTransformer builds a model from the config.
func NewTransformer(cfg ModelConfig) (*Transformer, error) {
	if cfg.VocabSize <= 0 {
		return nil, fmt.Errorf("vocab size must be positive, got %d", cfg.VocabSize)
	}

	embed, err := NewEmbedding(cfg.VocabSize, cfg.Dim)
	if err != nil {
		return nil, fmt.Errorf("embedding: %w", err)
	}
	posEnc, err := NewPositionalEncoding(cfg.Dim, cfg.MaxSeqLen)
	if err != nil {
		return nil, fmt.Errorf("positional encoding: %w", err)
	}

	blocks := make([]*DecoderBlock, cfg.NumLayers)
	for i := range blocks {
		blocks[i], err = NewDecoderBlock(cfg)
		if err != nil {
			return nil, fmt.Errorf("block %d: %w", i, err)
		}
	}

	output, err := NewLinear(cfg.Dim, cfg.VocabSize, true)
	if err != nil {
		return nil, fmt.Errorf("output projection: %w", err)
	}

	return &Transformer{
		Config: cfg,
		Embed:  embed,
		PosEnc: posEnc,
		Drop:   NewDropout(cfg.Dropout),
		Blocks: blocks,
		Output: output,
	}, nil
}

// ModelCache holds per-layer intermediates for the training backward
// pass.
type ModelCache struct {
	Tokens      *tensor.Tensor // [batch, seqLen] int64
	EmbedMask   []float32      // dropout mask after positional encoding
	BlockCaches []*BlockCache
	LastHidden  *tensor.Tensor // input to the output projection
}

// Forward computes logits in inference mode.
// tokens: [batch, seqLen] int64, padMask: [batch, seqLen] bool or nil
// → [batch, seqLen, vocabSize] float32
func (m *Transformer) Forward(tokens, padMask *tensor.Tensor) (*tensor.Tensor, error) {
	x, err := m.embedTokens(tokens)
	if err != nil {
		return nil, err
	}
	x, err = m.PosEnc.Forward(x)
	if err != nil {
		return nil, err
	}
	for i, blk := range m.Blocks {
		x, err = blk.Forward(x, padMask)
		if err != nil {
			return nil, fmt.Errorf("block %d: %w", i, err)
		}
	}
	return m.Output.Forward(x)
}

// ForwardWithCache computes logits in training mode (dropout active)
// and retains everything Backward needs.
func (m *Transformer) ForwardWithCache(tokens, padMask *tensor.Tensor) (*tensor.Tensor, *ModelCache, error) {
	cache := &ModelCache{Tokens: tokens}

	x, err := m.embedTokens(tokens)
	if err != nil {
		return nil, nil, err
	}
	x, err = m.PosEnc.Forward(x)
	if err != nil {
		return nil, nil, err
	}
	x, mask, err := m.Drop.ForwardWithMask(x, true)
	if err != nil {
		return nil, nil, err
	}
	cache.EmbedMask = mask

	cache.BlockCaches = make([]*BlockCache, len(m.Blocks))
	for i, blk := range m.Blocks {
		var bc *BlockCache
		x, bc, err = blk.ForwardWithCache(x, padMask)
		if err != nil {
			return nil, nil, fmt.Errorf("block %d: %w", i, err)
		}
		cache.BlockCaches[i] = bc
	}
	cache.LastHidden = x

	logits, err := m.Output.Forward(x)
	if err != nil {
		return nil, nil, err
	}
	return logits, cache, nil
}

// Backward propagates the loss gradient through the whole model,
// accumulating parameter gradients.
func (m *Transformer) Backward(cache *ModelCache, dLogits *tensor.Tensor) error {
	dx, err := m.Output.Backward(cache.LastHidden, dLogits)
	if err != nil {
		return fmt.Errorf("output projection: %w", err)
	}

	for i := len(m.Blocks) - 1; i >= 0; i-- {
		dx, err = m.Blocks[i].Backward(cache.BlockCaches[i], dx)
		if err != nil {
			return fmt.Errorf("block %d: %w", i, err)
		}
	}

	dx, err = m.Drop.Backward(dx, cache.EmbedMask)
	if err != nil {
		return err
	}

	// Positional encoding adds a constant table, so its gradient
	// passes through unchanged to the embeddings.
	shape := cache.Tokens.Shape()
	batch := shape[0]
	seqLen := shape[1]
	dxArr := dx.ToFloat32Slice()
	for b := 0; b < batch; b++ {
		row, err := sliceBatch(cache.Tokens, b)
		if err != nil {
			return err
		}
		dRow, err := tensor.FromSlice(
			dxArr[b*seqLen*m.Config.Dim:(b+1)*seqLen*m.Config.Dim],
			tensor.Shape{seqLen, m.Config.Dim})
		if err != nil {
			return err
		}
		if err := m.Embed.Backward(row, dRow); err != nil {
			return fmt.Errorf("embedding: %w", err)
		}
	}
	return nil
}

// embedTokens looks up embeddings row by row and stacks them into
// [batch, seqLen, dim].
func (m *Transformer) embedTokens(tokens *tensor.Tensor) (*tensor.Tensor, error) {
	shape := tokens.Shape()
	if len(shape) != 2 {
		return nil, fmt.Errorf("tokens must be 2-D [batch, seqLen], got %v", shape)
	}
	batch := shape[0]
	seqLen := shape[1]

	out := make([]float32, batch*seqLen*m.Config.Dim)
	for b := 0; b < batch; b++ {
		row, err := sliceBatch(tokens, b)
		if err != nil {
			return nil, err
		}
		emb, err := m.Embed.Forward(row)
		if err != nil {
			return nil, err
		}
		copy(out[b*seqLen*m.Config.Dim:], emb.ToFloat32Slice())
	}
	return tensor.FromSlice(out, tensor.Shape{batch, seqLen, m.Config.Dim})
}

// sliceBatch extracts row b of a [batch, seqLen] int64 tensor.
func sliceBatch(tokens *tensor.Tensor, b int) (*tensor.Tensor, error) {
	shape := tokens.Shape()
	seqLen := shape[1]
	data := tokens.ToInt64Slice()
	row := make([]int64, seqLen)
	copy(row, data[b*seqLen:(b+1)*seqLen])
	return tensor.FromSlice(row, tensor.Shape{seqLen})
}

// SeedDropout makes every dropout layer's masks deterministic, so a
// run is reproducible from a single seed. Each layer gets a distinct
// stream.
func (m *Transformer) SeedDropout(seed int64) {
	m.Drop.Reseed(seed)
	for i, blk := range m.Blocks {
		blk.Drop.Reseed(seed + int64(i) + 1)
	}
}

// Parameters returns every trainable parameter of the model.
func (m *Transformer) Parameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	params = append(params, m.Embed.Parameters()...)
	for _, blk := range m.Blocks {
		params = append(params, blk.Parameters()...)
	}
	params = append(params, m.Output.Parameters()...)
	return params
}

// CountParameters returns the total number of trainable scalars.
func (m *Transformer) CountParameters() int {
	total := 0
	for _, p := range m.Parameters() {
		total += p.NumElements()
	}
	return total
}
