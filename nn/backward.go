package nn

import (
	"fmt"
	"math"

	"github.com/avolkov/qachat/tensor"
)

// Manual backward passes used by the training loop. These accumulate
// parameter gradients directly on the .Grad() of each parameter and
// return the gradient with respect to the layer input.

// Backward computes gradients for a linear layer given its input and
// the upstream gradient. x: [..., inF], dout: [..., outF].
func (l *Linear) Backward(x, dout *tensor.Tensor) (*tensor.Tensor, error) {
	xArr := x.ToFloat32Slice()
	doutArr := dout.ToFloat32Slice()
	wArr := l.Weight.ToFloat32Slice()

	rows := x.NumElements() / l.InF
	if dout.NumElements() != rows*l.OutF {
		return nil, fmt.Errorf("linear backward: dout has %d elements, want %d", dout.NumElements(), rows*l.OutF)
	}

	// dW += dout^T @ x
	dW := make([]float32, l.OutF*l.InF)
	for r := 0; r < rows; r++ {
		for o := 0; o < l.OutF; o++ {
			g := doutArr[r*l.OutF+o]
			if g == 0 {
				continue
			}
			for i := 0; i < l.InF; i++ {
				dW[o*l.InF+i] += g * xArr[r*l.InF+i]
			}
		}
	}
	if err := accumulateGrad(l.Weight, dW); err != nil {
		return nil, err
	}

	if l.Bias != nil {
		dB := make([]float32, l.OutF)
		for r := 0; r < rows; r++ {
			for o := 0; o < l.OutF; o++ {
				dB[o] += doutArr[r*l.OutF+o]
			}
		}
		if err := accumulateGrad(l.Bias, dB); err != nil {
			return nil, err
		}
	}

	// dx = dout @ W
	dx := make([]float32, rows*l.InF)
	for r := 0; r < rows; r++ {
		for o := 0; o < l.OutF; o++ {
			g := doutArr[r*l.OutF+o]
			if g == 0 {
				continue
			}
			for i := 0; i < l.InF; i++ {
				dx[r*l.InF+i] += g * wArr[o*l.InF+i]
			}
		}
	}
	return tensor.FromSlice(dx, x.Shape().Clone())
}

// LNCache stores normalization statistics for the backward pass.
type LNCache struct {
	X      *tensor.Tensor
	Normed []float32 // (x - mean) / sqrt(var + eps)
	InvStd []float32 // one per row
}

// ForwardWithCache applies layer norm and keeps per-row statistics.
func (ln *LayerNorm) ForwardWithCache(x *tensor.Tensor) (*tensor.Tensor, *LNCache, error) {
	xArr := x.ToFloat32Slice()
	gArr := ln.Gamma.ToFloat32Slice()
	bArr := ln.Beta.ToFloat32Slice()

	size := ln.Gamma.NumElements()
	rows := x.NumElements() / size

	out := make([]float32, len(xArr))
	normed := make([]float32, len(xArr))
	invStd := make([]float32, rows)

	for r := 0; r < rows; r++ {
		off := r * size
		mean := float32(0)
		for i := 0; i < size; i++ {
			mean += xArr[off+i]
		}
		mean /= float32(size)

		variance := float32(0)
		for i := 0; i < size; i++ {
			d := xArr[off+i] - mean
			variance += d * d
		}
		variance /= float32(size)

		is := float32(1.0 / math.Sqrt(float64(variance)+ln.Eps))
		invStd[r] = is
		for i := 0; i < size; i++ {
			n := (xArr[off+i] - mean) * is
			normed[off+i] = n
			out[off+i] = n*gArr[i] + bArr[i]
		}
	}

	outT, err := tensor.FromSlice(out, x.Shape().Clone())
	if err != nil {
		return nil, nil, err
	}
	return outT, &LNCache{X: x, Normed: normed, InvStd: invStd}, nil
}

// Backward propagates gradients through layer norm and accumulates
// gamma and beta gradients.
func (ln *LayerNorm) Backward(cache *LNCache, dout *tensor.Tensor) (*tensor.Tensor, error) {
	doutArr := dout.ToFloat32Slice()
	gArr := ln.Gamma.ToFloat32Slice()

	size := ln.Gamma.NumElements()
	rows := len(doutArr) / size

	dGamma := make([]float32, size)
	dBeta := make([]float32, size)
	dx := make([]float32, len(doutArr))

	for r := 0; r < rows; r++ {
		off := r * size
		is := cache.InvStd[r]

		// dNormed = dout * gamma, plus the two mean terms
		sumD := float32(0)
		sumDN := float32(0)
		for i := 0; i < size; i++ {
			g := doutArr[off+i]
			n := cache.Normed[off+i]
			dGamma[i] += g * n
			dBeta[i] += g
			dn := g * gArr[i]
			sumD += dn
			sumDN += dn * n
		}
		invSize := 1.0 / float32(size)
		for i := 0; i < size; i++ {
			dn := doutArr[off+i] * gArr[i]
			n := cache.Normed[off+i]
			dx[off+i] = is * (dn - sumD*invSize - n*sumDN*invSize)
		}
	}

	if err := accumulateGrad(ln.Gamma, dGamma); err != nil {
		return nil, err
	}
	if err := accumulateGrad(ln.Beta, dBeta); err != nil {
		return nil, err
	}
	return tensor.FromSlice(dx, cache.X.Shape().Clone())
}

// Backward scatters gradients into the embedding table for the rows
// selected by indices. indices: [seqLen] int64, dout: [seqLen, embedDim].
func (e *Embedding) Backward(indices, dout *tensor.Tensor) error {
	idxArr := indices.ToInt64Slice()
	doutArr := dout.ToFloat32Slice()

	dW := make([]float32, e.VocabSize*e.EmbedDim)
	for s, id := range idxArr {
		if id < 0 || int(id) >= e.VocabSize {
			return fmt.Errorf("embedding backward: index %d out of range [0,%d)", id, e.VocabSize)
		}
		for d := 0; d < e.EmbedDim; d++ {
			dW[int(id)*e.EmbedDim+d] += doutArr[s*e.EmbedDim+d]
		}
	}
	return accumulateGrad(e.Weight, dW)
}

// accumulateGrad adds data into the parameter's gradient, allocating
// it on first use.
func accumulateGrad(param *tensor.Tensor, data []float32) error {
	if param.NumElements() != len(data) {
		return fmt.Errorf("grad size mismatch: param has %d elements, grad has %d", param.NumElements(), len(data))
	}
	g := param.Grad()
	if g == nil {
		gt, err := tensor.FromSlice(data, param.Shape().Clone())
		if err != nil {
			return err
		}
		param.SetGrad(gt)
		return nil
	}
	gArr := g.ToFloat32Slice()
	for i := range gArr {
		gArr[i] += data[i]
	}
	return nil
}

// addTensors returns the elementwise sum of two same-shape float32
// tensors without recording a graph node.
func addTensors(a, b *tensor.Tensor) *tensor.Tensor {
	aArr := a.ToFloat32Slice()
	bArr := b.ToFloat32Slice()
	out := make([]float32, len(aArr))
	for i := range out {
		out[i] = aArr[i] + bArr[i]
	}
	t, err := tensor.FromSlice(out, a.Shape().Clone())
	if err != nil {
		panic(err)
	}
	return t
}
