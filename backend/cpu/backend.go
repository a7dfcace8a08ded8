package cpu

import (
	"fmt"
	"math"
	"unsafe"

	"gonum.org/v1/gonum/mat"

	"github.com/avolkov/qachat/backend"
	"github.com/avolkov/qachat/core"
)

// Backend implements backend.Backend for CPU.
type Backend struct{}

func init() {
	backend.Register(&Backend{})
}

func (b *Backend) Name() string                   { return "cpu" }
func (b *Backend) DeviceType() backend.DeviceType { return backend.CPU }

// ---- Memory ----

func (b *Backend) Alloc(byteLen int) (backend.Storage, error) {
	return newStorage(byteLen), nil
}

func (b *Backend) Free(s backend.Storage) {
	s.Free()
}

func (b *Backend) Copy(dst, src backend.Storage, byteLen int) error {
	copy(dst.Bytes()[:byteLen], src.Bytes()[:byteLen])
	return nil
}

// ---- Unary ops ----

func (b *Backend) Neg(dst, src backend.Storage, shape core.Shape, dtype core.DType) error {
	return unaryOp(dst, src, shape, dtype, func(x float32) float32 { return -x })
}

func (b *Backend) Exp(dst, src backend.Storage, shape core.Shape, dtype core.DType) error {
	return unaryOp(dst, src, shape, dtype, func(x float32) float32 {
		return float32(math.Exp(float64(x)))
	})
}

func (b *Backend) Tanh(dst, src backend.Storage, shape core.Shape, dtype core.DType) error {
	return unaryOp(dst, src, shape, dtype, func(x float32) float32 {
		return float32(math.Tanh(float64(x)))
	})
}

func (b *Backend) Relu(dst, src backend.Storage, shape core.Shape, dtype core.DType) error {
	return unaryOp(dst, src, shape, dtype, func(x float32) float32 {
		if x > 0 {
			return x
		}
		return 0
	})
}

func (b *Backend) Gelu(dst, src backend.Storage, shape core.Shape, dtype core.DType) error {
	// GELU(x) = 0.5 * x * (1 + tanh(sqrt(2/pi) * (x + 0.044715 * x^3)))
	c := float32(math.Sqrt(2.0 / math.Pi))
	return unaryOp(dst, src, shape, dtype, func(x float32) float32 {
		return 0.5 * x * (1 + float32(math.Tanh(float64(c*(x+0.044715*x*x*x)))))
	})
}

// ---- Binary ops ----

func (b *Backend) Add(dst, a, bStore backend.Storage, shapeA, shapeB, shapeOut core.Shape, dtype core.DType) error {
	return binaryOp(dst, a, bStore, shapeA, shapeB, shapeOut, dtype, func(x, y float32) float32 { return x + y })
}

func (b *Backend) Sub(dst, a, bStore backend.Storage, shapeA, shapeB, shapeOut core.Shape, dtype core.DType) error {
	return binaryOp(dst, a, bStore, shapeA, shapeB, shapeOut, dtype, func(x, y float32) float32 { return x - y })
}

func (b *Backend) Mul(dst, a, bStore backend.Storage, shapeA, shapeB, shapeOut core.Shape, dtype core.DType) error {
	return binaryOp(dst, a, bStore, shapeA, shapeB, shapeOut, dtype, func(x, y float32) float32 { return x * y })
}

func (b *Backend) Div(dst, a, bStore backend.Storage, shapeA, shapeB, shapeOut core.Shape, dtype core.DType) error {
	return binaryOp(dst, a, bStore, shapeA, shapeB, shapeOut, dtype, func(x, y float32) float32 { return x / y })
}

// ---- Reduction ops ----

func (b *Backend) Sum(dst, src backend.Storage, shape core.Shape, axes []int, keepDim bool, dtype core.DType) error {
	return reduceOp(dst, src, shape, axes, keepDim, dtype, 0, func(acc, x float32) float32 { return acc + x })
}

func (b *Backend) Max(dst, src backend.Storage, shape core.Shape, axes []int, keepDim bool, dtype core.DType) error {
	return reduceOp(dst, src, shape, axes, keepDim, dtype, -math.MaxFloat32, func(acc, x float32) float32 {
		if x > acc {
			return x
		}
		return acc
	})
}

func (b *Backend) Mean(dst, src backend.Storage, shape core.Shape, axes []int, keepDim bool, dtype core.DType) error {
	count := 1
	for _, a := range axes {
		count *= shape[a]
	}
	return reduceOp(dst, src, shape, axes, keepDim, dtype, 0, func(acc, x float32) float32 { return acc + x/float32(count) })
}

// ---- MatMul ----

func (b *Backend) MatMul(dst, a, bStore backend.Storage, shapeA, shapeB core.Shape, dtype core.DType) error {
	ndimA := len(shapeA)
	ndimB := len(shapeB)
	M := shapeA[ndimA-2]
	K := shapeA[ndimA-1]
	N := shapeB[ndimB-1]
	if shapeB[ndimB-2] != K {
		return fmt.Errorf("matmul: inner dims %d and %d do not match", K, shapeB[ndimB-2])
	}

	batchSize := 1
	for i := 0; i < ndimA-2; i++ {
		batchSize *= shapeA[i]
	}
	// A 2D right-hand side is shared across all batches of A.
	batchB := 1
	for i := 0; i < ndimB-2; i++ {
		batchB *= shapeB[i]
	}
	if batchB != 1 && batchB != batchSize {
		return fmt.Errorf("matmul: batch dims %v and %v do not match", shapeA, shapeB)
	}

	switch dtype {
	case core.Float32:
		aData := f32Slice(a, batchSize*M*K)
		bData := f32Slice(bStore, batchB*K*N)
		cData := f32Slice(dst, batchSize*M*N)
		for batch := 0; batch < batchSize; batch++ {
			bOff := 0
			if batchB != 1 {
				bOff = batch * K * N
			}
			matmulF32(
				cData[batch*M*N:(batch+1)*M*N],
				aData[batch*M*K:(batch+1)*M*K],
				bData[bOff:bOff+K*N],
				M, K, N,
			)
		}
	case core.Float64:
		aData := f64Slice(a, batchSize*M*K)
		bData := f64Slice(bStore, batchB*K*N)
		cData := f64Slice(dst, batchSize*M*N)
		for batch := 0; batch < batchSize; batch++ {
			bOff := 0
			if batchB != 1 {
				bOff = batch * K * N
			}
			am := mat.NewDense(M, K, aData[batch*M*K:(batch+1)*M*K])
			bm := mat.NewDense(K, N, bData[bOff:bOff+K*N])
			cm := mat.NewDense(M, N, cData[batch*M*N:(batch+1)*M*N])
			cm.Mul(am, bm)
		}
	default:
		return fmt.Errorf("matmul: unsupported dtype %s", dtype)
	}
	return nil
}

// matmulF32 performs C = A @ B with tiling for cache efficiency.
func matmulF32(c, a, b []float32, M, K, N int) {
	for i := range c {
		c[i] = 0
	}

	const tileSize = 32

	for i0 := 0; i0 < M; i0 += tileSize {
		iEnd := min(i0+tileSize, M)
		for k0 := 0; k0 < K; k0 += tileSize {
			kEnd := min(k0+tileSize, K)
			for j0 := 0; j0 < N; j0 += tileSize {
				jEnd := min(j0+tileSize, N)
				for i := i0; i < iEnd; i++ {
					for k := k0; k < kEnd; k++ {
						aik := a[i*K+k]
						for j := j0; j < jEnd; j++ {
							c[i*N+j] += aik * b[k*N+j]
						}
					}
				}
			}
		}
	}
}

// ---- Softmax ----

func (b *Backend) Softmax(dst, src backend.Storage, shape core.Shape, axis int, dtype core.DType) error {
	if dtype != core.Float32 {
		return fmt.Errorf("softmax: only float32 supported")
	}

	n := shape.NumElements()
	srcData := f32Slice(src, n)
	dstData := f32Slice(dst, n)

	axisSize := shape[axis]
	outerSize := 1
	for i := 0; i < axis; i++ {
		outerSize *= shape[i]
	}
	innerSize := 1
	for i := axis + 1; i < len(shape); i++ {
		innerSize *= shape[i]
	}

	for outer := 0; outer < outerSize; outer++ {
		for inner := 0; inner < innerSize; inner++ {
			maxVal := float32(-math.MaxFloat32)
			for a := 0; a < axisSize; a++ {
				idx := outer*axisSize*innerSize + a*innerSize + inner
				if srcData[idx] > maxVal {
					maxVal = srcData[idx]
				}
			}
			sumExp := float32(0)
			for a := 0; a < axisSize; a++ {
				idx := outer*axisSize*innerSize + a*innerSize + inner
				v := float32(math.Exp(float64(srcData[idx] - maxVal)))
				dstData[idx] = v
				sumExp += v
			}
			for a := 0; a < axisSize; a++ {
				idx := outer*axisSize*innerSize + a*innerSize + inner
				dstData[idx] /= sumExp
			}
		}
	}
	return nil
}

// ---- LayerNorm ----

func (b *Backend) LayerNorm(dst, src, gamma, beta backend.Storage, shape core.Shape, normAxis int, eps float64, dtype core.DType) error {
	if dtype != core.Float32 {
		return fmt.Errorf("layernorm: only float32 supported")
	}

	n := shape.NumElements()
	srcData := f32Slice(src, n)
	dstData := f32Slice(dst, n)

	normSize := 1
	for i := normAxis; i < len(shape); i++ {
		normSize *= shape[i]
	}
	batchSize := n / normSize

	var gammaData, betaData []float32
	if gamma != nil {
		gammaData = f32Slice(gamma, normSize)
	}
	if beta != nil {
		betaData = f32Slice(beta, normSize)
	}

	for batch := 0; batch < batchSize; batch++ {
		off := batch * normSize

		mean := float32(0)
		for i := 0; i < normSize; i++ {
			mean += srcData[off+i]
		}
		mean /= float32(normSize)

		variance := float32(0)
		for i := 0; i < normSize; i++ {
			d := srcData[off+i] - mean
			variance += d * d
		}
		variance /= float32(normSize)

		invStd := float32(1.0 / math.Sqrt(float64(variance)+eps))

		for i := 0; i < normSize; i++ {
			normalized := (srcData[off+i] - mean) * invStd
			if gammaData != nil {
				normalized *= gammaData[i]
			}
			if betaData != nil {
				normalized += betaData[i]
			}
			dstData[off+i] = normalized
		}
	}
	return nil
}

// ---- Embedding ----

func (b *Backend) Embedding(dst, weight, indices backend.Storage, vocabSize, embedDim, seqLen int, dtype core.DType) error {
	if dtype != core.Float32 {
		return fmt.Errorf("embedding: only float32 supported")
	}

	wData := f32Slice(weight, vocabSize*embedDim)
	iData := i64Slice(indices, seqLen)
	oData := f32Slice(dst, seqLen*embedDim)

	for s := 0; s < seqLen; s++ {
		idx := int(iData[s])
		if idx < 0 || idx >= vocabSize {
			return fmt.Errorf("embedding index %d out of range [0, %d)", idx, vocabSize)
		}
		copy(oData[s*embedDim:(s+1)*embedDim], wData[idx*embedDim:(idx+1)*embedDim])
	}
	return nil
}

// ---- Masked Scaled Dot-Product Attention ----

func (b *Backend) MaskedAttention(
	dst, q, k, v, padMask backend.Storage,
	batchSize, numHeads, seqLen, headDim int,
	causal bool, scoresOut []float32,
) error {
	total := batchSize * numHeads * seqLen * headDim
	qData := f32Slice(q, total)
	kData := f32Slice(k, total)
	vData := f32Slice(v, total)
	oData := f32Slice(dst, total)

	var pad []byte
	if padMask != nil {
		pad = padMask.Bytes()[:batchSize*seqLen]
	}

	scale := float32(1.0 / math.Sqrt(float64(headDim)))
	scores := make([]float32, seqLen*seqLen)

	for bi := 0; bi < batchSize; bi++ {
		for h := 0; h < numHeads; h++ {
			bhOff := (bi*numHeads + h) * seqLen * headDim

			// Q @ K^T with causal and key-padding masking
			for i := 0; i < seqLen; i++ {
				for j := 0; j < seqLen; j++ {
					masked := causal && j > i
					if !masked && pad != nil && pad[bi*seqLen+j] != 0 {
						masked = true
					}
					if masked {
						scores[i*seqLen+j] = -1e9
						continue
					}
					dot := float32(0)
					for d := 0; d < headDim; d++ {
						dot += qData[bhOff+i*headDim+d] * kData[bhOff+j*headDim+d]
					}
					scores[i*seqLen+j] = dot * scale
				}
			}

			// Softmax over keys. The running max makes a fully masked row
			// collapse to a uniform distribution rather than NaN.
			for i := 0; i < seqLen; i++ {
				maxVal := float32(-math.MaxFloat32)
				for j := 0; j < seqLen; j++ {
					if scores[i*seqLen+j] > maxVal {
						maxVal = scores[i*seqLen+j]
					}
				}
				sumExp := float32(0)
				for j := 0; j < seqLen; j++ {
					scores[i*seqLen+j] = float32(math.Exp(float64(scores[i*seqLen+j] - maxVal)))
					sumExp += scores[i*seqLen+j]
				}
				for j := 0; j < seqLen; j++ {
					scores[i*seqLen+j] /= sumExp
				}
			}

			if scoresOut != nil {
				scOff := (bi*numHeads + h) * seqLen * seqLen
				copy(scoresOut[scOff:scOff+seqLen*seqLen], scores)
			}

			// Attn @ V
			for i := 0; i < seqLen; i++ {
				for d := 0; d < headDim; d++ {
					sum := float32(0)
					for j := 0; j < seqLen; j++ {
						sum += scores[i*seqLen+j] * vData[bhOff+j*headDim+d]
					}
					oData[bhOff+i*headDim+d] = sum
				}
			}
		}
	}
	return nil
}

// ---- Fill ops ----

func (b *Backend) Fill(dst backend.Storage, shape core.Shape, value float64, dtype core.DType) error {
	n := shape.NumElements()
	switch dtype {
	case core.Float32:
		data := f32Slice(dst, n)
		v := float32(value)
		for i := range data {
			data[i] = v
		}
	case core.Float64:
		data := f64Slice(dst, n)
		for i := range data {
			data[i] = value
		}
	case core.Int64:
		data := i64Slice(dst, n)
		v := int64(value)
		for i := range data {
			data[i] = v
		}
	case core.Bool:
		data := dst.Bytes()[:n]
		v := byte(0)
		if value != 0 {
			v = 1
		}
		for i := range data {
			data[i] = v
		}
	default:
		return fmt.Errorf("fill: unsupported dtype %s", dtype)
	}
	return nil
}

func (b *Backend) Arange(dst backend.Storage, start, step float64, n int, dtype core.DType) error {
	switch dtype {
	case core.Float32:
		data := f32Slice(dst, n)
		for i := range data {
			data[i] = float32(start + float64(i)*step)
		}
	case core.Float64:
		data := f64Slice(dst, n)
		for i := range data {
			data[i] = start + float64(i)*step
		}
	case core.Int64:
		data := i64Slice(dst, n)
		for i := range data {
			data[i] = int64(start + float64(i)*step)
		}
	default:
		return fmt.Errorf("arange: unsupported dtype %s", dtype)
	}
	return nil
}

// ---- Helpers ----

func f32Slice(s backend.Storage, n int) []float32 {
	b := s.Bytes()
	if n == 0 || len(b) == 0 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), n)
}

func f64Slice(s backend.Storage, n int) []float64 {
	b := s.Bytes()
	if n == 0 || len(b) == 0 {
		return nil
	}
	return unsafe.Slice((*float64)(unsafe.Pointer(&b[0])), n)
}

func i64Slice(s backend.Storage, n int) []int64 {
	b := s.Bytes()
	if n == 0 || len(b) == 0 {
		return nil
	}
	return unsafe.Slice((*int64)(unsafe.Pointer(&b[0])), n)
}

// unaryOp applies a scalar function element-wise (float32 only).
func unaryOp(dst, src backend.Storage, shape core.Shape, dtype core.DType, fn func(float32) float32) error {
	if dtype != core.Float32 {
		return fmt.Errorf("unary op: only float32 supported, got %s", dtype)
	}
	n := shape.NumElements()
	srcData := f32Slice(src, n)
	dstData := f32Slice(dst, n)
	for i := 0; i < n; i++ {
		dstData[i] = fn(srcData[i])
	}
	return nil
}

// binaryOp applies a binary function element-wise with broadcasting.
func binaryOp(dst, aStore, bStore backend.Storage, shapeA, shapeB, shapeOut core.Shape, dtype core.DType, fn func(float32, float32) float32) error {
	if dtype != core.Float32 {
		return fmt.Errorf("binary op: only float32 supported, got %s", dtype)
	}

	nOut := shapeOut.NumElements()
	aData := f32Slice(aStore, shapeA.NumElements())
	bData := f32Slice(bStore, shapeB.NumElements())
	dData := f32Slice(dst, nOut)

	// Fast path: same shape, no broadcasting needed
	if shapeA.Equal(shapeB) {
		for i := 0; i < nOut; i++ {
			dData[i] = fn(aData[i], bData[i])
		}
		return nil
	}

	ndim := len(shapeOut)
	indices := make([]int, ndim)

	for i := 0; i < nOut; i++ {
		idxA := 0
		idxB := 0
		strideA := 1
		strideB := 1
		for d := ndim - 1; d >= 0; d-- {
			dimA := 1
			dimB := 1
			offA := d - (ndim - len(shapeA))
			offB := d - (ndim - len(shapeB))
			if offA >= 0 {
				dimA = shapeA[offA]
			}
			if offB >= 0 {
				dimB = shapeB[offB]
			}

			aIdx := indices[d]
			bIdx := indices[d]
			if dimA == 1 {
				aIdx = 0
			}
			if dimB == 1 {
				bIdx = 0
			}

			if offA >= 0 {
				idxA += aIdx * strideA
				strideA *= dimA
			}
			if offB >= 0 {
				idxB += bIdx * strideB
				strideB *= dimB
			}
		}

		dData[i] = fn(aData[idxA], bData[idxB])

		for d := ndim - 1; d >= 0; d-- {
			indices[d]++
			if indices[d] < shapeOut[d] {
				break
			}
			indices[d] = 0
		}
	}
	return nil
}

// reduceOp performs a reduction along given axes.
func reduceOp(dst, src backend.Storage, shape core.Shape, axes []int, keepDim bool, dtype core.DType, init float32, fn func(float32, float32) float32) error {
	if dtype != core.Float32 {
		return fmt.Errorf("reduce op: only float32 supported, got %s", dtype)
	}

	n := shape.NumElements()
	srcData := f32Slice(src, n)

	outShape := make(core.Shape, 0, len(shape))
	axisSet := make(map[int]bool)
	for _, a := range axes {
		axisSet[a] = true
	}
	for i, d := range shape {
		if axisSet[i] {
			if keepDim {
				outShape = append(outShape, 1)
			}
		} else {
			outShape = append(outShape, d)
		}
	}
	if len(outShape) == 0 {
		outShape = core.Shape{1}
	}

	nOut := outShape.NumElements()
	dstData := f32Slice(dst, nOut)

	for i := range dstData {
		dstData[i] = init
	}

	ndim := len(shape)
	indices := make([]int, ndim)

	// Map each source element to its output slot by skipping reduced axes.
	outStrides := make([]int, ndim)
	stride := 1
	for d := ndim - 1; d >= 0; d-- {
		if axisSet[d] {
			outStrides[d] = 0
			if keepDim {
				stride *= 1
			}
		} else {
			outStrides[d] = stride
			stride *= shape[d]
		}
	}

	for i := 0; i < n; i++ {
		outIdx := 0
		for d := 0; d < ndim; d++ {
			outIdx += indices[d] * outStrides[d]
		}
		dstData[outIdx] = fn(dstData[outIdx], srcData[i])

		for d := ndim - 1; d >= 0; d-- {
			indices[d]++
			if indices[d] < shape[d] {
				break
			}
			indices[d] = 0
		}
	}

	return nil
}
