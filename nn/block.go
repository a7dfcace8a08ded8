package nn

import (
	"fmt"

	"github.com/avolkov/qachat/tensor"
)

// DecoderBlock is one pre-norm transformer block:
//
//	x = x + Dropout(Attention(LN1(x)))
//	x = x + Dropout(FFN(LN2(x)))
type DecoderBlock struct {
	LN1  *LayerNorm
	Attn *MultiHeadAttention
	LN2  *LayerNorm
	FFN  *FeedForward
	Drop *Dropout
}

// NewDecoderBlock creates a decoder block from the model config.
func NewDecoderBlock(cfg ModelConfig) (*DecoderBlock, error) {
	ln1, err := NewLayerNorm(cfg.Dim, cfg.NormEps)
	if err != nil {
		return nil, err
	}
	attn, err := NewMultiHeadAttention(cfg.Dim, cfg.NumHeads)
	if err != nil {
		return nil, fmt.Errorf("attention: %w", err)
	}
	ln2, err := NewLayerNorm(cfg.Dim, cfg.NormEps)
	if err != nil {
		return nil, err
	}
	ffn, err := NewFeedForward(cfg.Dim, cfg.FFNHiddenDim)
	if err != nil {
		return nil, fmt.Errorf("ffn: %w", err)
	}
	return &DecoderBlock{
		LN1:  ln1,
		Attn: attn,
		LN2:  ln2,
		FFN:  ffn,
		Drop: NewDropout(cfg.Dropout),
	}, nil
}

// BlockCache stores everything needed to backprop through one block.
type BlockCache struct {
	LN1Cache  *LNCache
	AttnCache *AttentionCache
	AttnMask  []float32
	LN2Cache  *LNCache
	FFNCache  *FFNCache
	FFNMask   []float32
}

// Forward runs the block in inference mode (no dropout).
func (blk *DecoderBlock) Forward(x, padMask *tensor.Tensor) (*tensor.Tensor, error) {
	normed, err := blk.LN1.Forward(x)
	if err != nil {
		return nil, err
	}
	attnOut, err := blk.Attn.Forward(normed, padMask)
	if err != nil {
		return nil, err
	}
	x = addTensors(x, attnOut)

	normed2, err := blk.LN2.Forward(x)
	if err != nil {
		return nil, err
	}
	ffnOut, err := blk.FFN.Forward(normed2)
	if err != nil {
		return nil, err
	}
	return addTensors(x, ffnOut), nil
}

// ForwardWithCache runs the block in training mode, applying dropout
// and retaining intermediates for Backward.
func (blk *DecoderBlock) ForwardWithCache(x, padMask *tensor.Tensor) (*tensor.Tensor, *BlockCache, error) {
	cache := &BlockCache{}

	normed, lnCache, err := blk.LN1.ForwardWithCache(x)
	if err != nil {
		return nil, nil, err
	}
	cache.LN1Cache = lnCache

	attnOut, attnCache, err := blk.Attn.ForwardWithCache(normed, padMask)
	if err != nil {
		return nil, nil, err
	}
	cache.AttnCache = attnCache

	attnOut, mask, err := blk.Drop.ForwardWithMask(attnOut, true)
	if err != nil {
		return nil, nil, err
	}
	cache.AttnMask = mask

	x = addTensors(x, attnOut)

	normed2, ln2Cache, err := blk.LN2.ForwardWithCache(x)
	if err != nil {
		return nil, nil, err
	}
	cache.LN2Cache = ln2Cache

	ffnOut, ffnCache, err := blk.FFN.ForwardWithCache(normed2)
	if err != nil {
		return nil, nil, err
	}
	cache.FFNCache = ffnCache

	ffnOut, mask2, err := blk.Drop.ForwardWithMask(ffnOut, true)
	if err != nil {
		return nil, nil, err
	}
	cache.FFNMask = mask2

	return addTensors(x, ffnOut), cache, nil
}

// Backward propagates gradients through the block. Residual
// connections make the upstream gradient flow into both branches.
func (blk *DecoderBlock) Backward(cache *BlockCache, dout *tensor.Tensor) (*tensor.Tensor, error) {
	// FFN branch
	dFFNOut, err := blk.Drop.Backward(dout, cache.FFNMask)
	if err != nil {
		return nil, err
	}
	dNormed2, err := blk.FFN.Backward(cache.FFNCache, dFFNOut)
	if err != nil {
		return nil, err
	}
	dMid, err := blk.LN2.Backward(cache.LN2Cache, dNormed2)
	if err != nil {
		return nil, err
	}
	dMid = addTensors(dMid, dout)

	// Attention branch
	dAttnOut, err := blk.Drop.Backward(dMid, cache.AttnMask)
	if err != nil {
		return nil, err
	}
	dNormed, err := blk.Attn.Backward(cache.AttnCache, dAttnOut)
	if err != nil {
		return nil, err
	}
	dx, err := blk.LN1.Backward(cache.LN1Cache, dNormed)
	if err != nil {
		return nil, err
	}
	return addTensors(dx, dMid), nil
}

// Parameters returns all trainable parameters of the block.
func (blk *DecoderBlock) Parameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	params = append(params, blk.LN1.Parameters()...)
	params = append(params, blk.Attn.Parameters()...)
	params = append(params, blk.LN2.Parameters()...)
	params = append(params, blk.FFN.Parameters()...)
	return params
}
