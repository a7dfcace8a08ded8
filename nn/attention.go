package nn

import (
	"fmt"
	"math"

	"github.com/avolkov/qachat/backend"
	"github.com/avolkov/qachat/tensor"
)

// MultiHeadAttention implements causal multi-head self-attention with
// optional key-padding masking. Q, K, V and output projections all
// carry a bias.
type MultiHeadAttention struct {
	Wq *Linear // [dim, dim]
	Wk *Linear // [dim, dim]
	Wv *Linear // [dim, dim]
	Wo *Linear // [dim, dim]

	NumHeads int
	HeadDim  int
	Dim      int
}

// NewMultiHeadAttention creates an MHA layer.
func NewMultiHeadAttention(dim, numHeads int) (*MultiHeadAttention, error) {
	if dim%numHeads != 0 {
		return nil, fmt.Errorf("dim %d not divisible by numHeads %d", dim, numHeads)
	}

	wq, err := NewLinear(dim, dim, true)
	if err != nil {
		return nil, err
	}
	wk, err := NewLinear(dim, dim, true)
	if err != nil {
		return nil, err
	}
	wv, err := NewLinear(dim, dim, true)
	if err != nil {
		return nil, err
	}
	wo, err := NewLinear(dim, dim, true)
	if err != nil {
		return nil, err
	}

	return &MultiHeadAttention{
		Wq: wq, Wk: wk, Wv: wv, Wo: wo,
		NumHeads: numHeads, HeadDim: dim / numHeads, Dim: dim,
	}, nil
}

// AttentionCache stores intermediates needed by the backward pass.
type AttentionCache struct {
	X      *tensor.Tensor // layer input [batch, seqLen, dim]
	Q      *tensor.Tensor // [batch, heads, seqLen, headDim]
	K      *tensor.Tensor
	V      *tensor.Tensor
	Scores []float32 // post-softmax weights [batch, heads, seqLen, seqLen]
}

// Forward runs masked self-attention.
// x: [batch, seqLen, dim], padMask: [batch, seqLen] bool or nil
// → [batch, seqLen, dim]
func (mha *MultiHeadAttention) Forward(x, padMask *tensor.Tensor) (*tensor.Tensor, error) {
	out, _, err := mha.run(x, padMask, false)
	return out, err
}

// ForwardWithCache runs attention and retains intermediates for Backward.
func (mha *MultiHeadAttention) ForwardWithCache(x, padMask *tensor.Tensor) (*tensor.Tensor, *AttentionCache, error) {
	return mha.run(x, padMask, true)
}

func (mha *MultiHeadAttention) run(x, padMask *tensor.Tensor, keep bool) (*tensor.Tensor, *AttentionCache, error) {
	shape := x.Shape()
	batch := shape[0]
	seqLen := shape[1]

	q, err := mha.Wq.Forward(x)
	if err != nil {
		return nil, nil, fmt.Errorf("Wq: %w", err)
	}
	k, err := mha.Wk.Forward(x)
	if err != nil {
		return nil, nil, fmt.Errorf("Wk: %w", err)
	}
	v, err := mha.Wv.Forward(x)
	if err != nil {
		return nil, nil, fmt.Errorf("Wv: %w", err)
	}

	// Rearrange [batch, seq, heads*headDim] → [batch, heads, seq, headDim]
	qArr := rearrangeBSHD(q.ToFloat32Slice(), batch, seqLen, mha.NumHeads, mha.HeadDim)
	kArr := rearrangeBSHD(k.ToFloat32Slice(), batch, seqLen, mha.NumHeads, mha.HeadDim)
	vArr := rearrangeBSHD(v.ToFloat32Slice(), batch, seqLen, mha.NumHeads, mha.HeadDim)

	headShape := tensor.Shape{batch, mha.NumHeads, seqLen, mha.HeadDim}
	qT, err := tensor.FromSlice(qArr, headShape)
	if err != nil {
		return nil, nil, err
	}
	kT, err := tensor.FromSlice(kArr, headShape)
	if err != nil {
		return nil, nil, err
	}
	vT, err := tensor.FromSlice(vArr, headShape)
	if err != nil {
		return nil, nil, err
	}

	bk, err := backend.GetForDevice(x.Device())
	if err != nil {
		return nil, nil, err
	}

	outStore, err := bk.Alloc(batch * mha.NumHeads * seqLen * mha.HeadDim * int(tensor.Float32.Size()))
	if err != nil {
		return nil, nil, err
	}

	var padStore backend.Storage
	if padMask != nil {
		padStore = padMask.Storage()
	}
	var scores []float32
	if keep {
		scores = make([]float32, batch*mha.NumHeads*seqLen*seqLen)
	}

	err = bk.MaskedAttention(outStore, qT.Storage(), kT.Storage(), vT.Storage(), padStore,
		batch, mha.NumHeads, seqLen, mha.HeadDim, true, scores)
	if err != nil {
		outStore.Free()
		return nil, nil, fmt.Errorf("attention: %w", err)
	}

	attnOut := tensor.NewTensor(outStore, headShape, tensor.Float32)
	outFlat := rearrangeBHSD(attnOut.ToFloat32Slice(), batch, seqLen, mha.NumHeads, mha.HeadDim)
	merged, err := tensor.FromSlice(outFlat, tensor.Shape{batch, seqLen, mha.Dim})
	if err != nil {
		return nil, nil, err
	}

	result, err := mha.Wo.Forward(merged)
	if err != nil {
		return nil, nil, fmt.Errorf("Wo: %w", err)
	}

	if !keep {
		return result, nil, nil
	}
	return result, &AttentionCache{X: x, Q: qT, K: kT, V: vT, Scores: scores}, nil
}

// Backward computes gradients for attention from cached intermediates.
// The cached post-softmax weights already embed causal and padding
// masking: masked positions carry near-zero weight, so the softmax
// jacobian sends no gradient through them.
func (mha *MultiHeadAttention) Backward(cache *AttentionCache, dout *tensor.Tensor) (*tensor.Tensor, error) {
	shape := cache.X.Shape()
	batch := shape[0]
	seqLen := shape[1]

	qArr := cache.Q.ToFloat32Slice()
	kArr := cache.K.ToFloat32Slice()
	vArr := cache.V.ToFloat32Slice()
	scores := cache.Scores

	// Recompute the pre-projection attention output for Wo's backward.
	outArr := make([]float32, batch*mha.NumHeads*seqLen*mha.HeadDim)
	for b := 0; b < batch; b++ {
		for h := 0; h < mha.NumHeads; h++ {
			bhOff := (b*mha.NumHeads + h) * seqLen * mha.HeadDim
			scOff := (b*mha.NumHeads + h) * seqLen * seqLen
			for i := 0; i < seqLen; i++ {
				for d := 0; d < mha.HeadDim; d++ {
					sum := float32(0)
					for j := 0; j < seqLen; j++ {
						sum += scores[scOff+i*seqLen+j] * vArr[bhOff+j*mha.HeadDim+d]
					}
					outArr[bhOff+i*mha.HeadDim+d] = sum
				}
			}
		}
	}
	outFlat := rearrangeBHSD(outArr, batch, seqLen, mha.NumHeads, mha.HeadDim)
	attnOutTensor, err := tensor.FromSlice(outFlat, tensor.Shape{batch, seqLen, mha.Dim})
	if err != nil {
		return nil, err
	}

	dAttnOut, err := mha.Wo.Backward(attnOutTensor, dout)
	if err != nil {
		return nil, err
	}
	dOutArr := rearrangeBSHD(dAttnOut.ToFloat32Slice(), batch, seqLen, mha.NumHeads, mha.HeadDim)

	scale := float32(1.0 / math.Sqrt(float64(mha.HeadDim)))
	dQArr := make([]float32, len(qArr))
	dKArr := make([]float32, len(kArr))
	dVArr := make([]float32, len(vArr))

	for b := 0; b < batch; b++ {
		for h := 0; h < mha.NumHeads; h++ {
			bhOff := (b*mha.NumHeads + h) * seqLen * mha.HeadDim
			scOff := (b*mha.NumHeads + h) * seqLen * seqLen

			// dV = scores^T @ dOut
			for j := 0; j < seqLen; j++ {
				for d := 0; d < mha.HeadDim; d++ {
					sum := float32(0)
					for i := 0; i < seqLen; i++ {
						sum += scores[scOff+i*seqLen+j] * dOutArr[bhOff+i*mha.HeadDim+d]
					}
					dVArr[bhOff+j*mha.HeadDim+d] = sum
				}
			}

			// dScores = dOut @ V^T
			dScores := make([]float32, seqLen*seqLen)
			for i := 0; i < seqLen; i++ {
				for j := 0; j < seqLen; j++ {
					sum := float32(0)
					for d := 0; d < mha.HeadDim; d++ {
						sum += dOutArr[bhOff+i*mha.HeadDim+d] * vArr[bhOff+j*mha.HeadDim+d]
					}
					dScores[i*seqLen+j] = sum
				}
			}

			// Softmax backward: dPre = scores * (dScores - sum(dScores * scores))
			for i := 0; i < seqLen; i++ {
				dot := float32(0)
				for j := 0; j < seqLen; j++ {
					dot += dScores[i*seqLen+j] * scores[scOff+i*seqLen+j]
				}
				for j := 0; j < seqLen; j++ {
					dScores[i*seqLen+j] = scores[scOff+i*seqLen+j] * (dScores[i*seqLen+j] - dot) * scale
				}
			}

			// dQ = dPre @ K
			for i := 0; i < seqLen; i++ {
				for d := 0; d < mha.HeadDim; d++ {
					sum := float32(0)
					for j := 0; j < seqLen; j++ {
						sum += dScores[i*seqLen+j] * kArr[bhOff+j*mha.HeadDim+d]
					}
					dQArr[bhOff+i*mha.HeadDim+d] = sum
				}
			}

			// dK = dPre^T @ Q
			for j := 0; j < seqLen; j++ {
				for d := 0; d < mha.HeadDim; d++ {
					sum := float32(0)
					for i := 0; i < seqLen; i++ {
						sum += dScores[i*seqLen+j] * qArr[bhOff+i*mha.HeadDim+d]
					}
					dKArr[bhOff+j*mha.HeadDim+d] = sum
				}
			}
		}
	}

	dQFlat := rearrangeBHSD(dQArr, batch, seqLen, mha.NumHeads, mha.HeadDim)
	dKFlat := rearrangeBHSD(dKArr, batch, seqLen, mha.NumHeads, mha.HeadDim)
	dVFlat := rearrangeBHSD(dVArr, batch, seqLen, mha.NumHeads, mha.HeadDim)

	flatShape := tensor.Shape{batch, seqLen, mha.Dim}
	dQ, err := tensor.FromSlice(dQFlat, flatShape)
	if err != nil {
		return nil, err
	}
	dK, err := tensor.FromSlice(dKFlat, flatShape)
	if err != nil {
		return nil, err
	}
	dV, err := tensor.FromSlice(dVFlat, flatShape)
	if err != nil {
		return nil, err
	}

	dx1, err := mha.Wq.Backward(cache.X, dQ)
	if err != nil {
		return nil, err
	}
	dx2, err := mha.Wk.Backward(cache.X, dK)
	if err != nil {
		return nil, err
	}
	dx3, err := mha.Wv.Backward(cache.X, dV)
	if err != nil {
		return nil, err
	}

	return addTensors(addTensors(dx1, dx2), dx3), nil
}

// Parameters returns all trainable parameters.
func (mha *MultiHeadAttention) Parameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	params = append(params, mha.Wq.Parameters()...)
	params = append(params, mha.Wk.Parameters()...)
	params = append(params, mha.Wv.Parameters()...)
	params = append(params, mha.Wo.Parameters()...)
	return params
}

// rearrangeBSHD: [batch, seq, heads*headDim] → [batch, heads, seq, headDim] (flat)
func rearrangeBSHD(data []float32, batch, seqLen, numHeads, headDim int) []float32 {
	out := make([]float32, len(data))
	for b := 0; b < batch; b++ {
		for s := 0; s < seqLen; s++ {
			for h := 0; h < numHeads; h++ {
				for d := 0; d < headDim; d++ {
					srcIdx := (b*seqLen+s)*numHeads*headDim + h*headDim + d
					dstIdx := ((b*numHeads+h)*seqLen+s)*headDim + d
					out[dstIdx] = data[srcIdx]
				}
			}
		}
	}
	return out
}

// rearrangeBHSD: [batch, heads, seq, headDim] → [batch, seq, heads*headDim] (flat)
func rearrangeBHSD(data []float32, batch, seqLen, numHeads, headDim int) []float32 {
	out := make([]float32, len(data))
	for b := 0; b < batch; b++ {
		for h := 0; h < numHeads; h++ {
			for s := 0; s < seqLen; s++ {
				for d := 0; d < headDim; d++ {
					srcIdx := ((b*numHeads+h)*seqLen+s)*headDim + d
					dstIdx := (b*seqLen+s)*numHeads*headDim + h*headDim + d
					out[dstIdx] = data[srcIdx]
				}
			}
		}
	}
	return out
}
