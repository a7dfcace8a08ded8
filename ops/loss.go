package ops

import (
	"math"

	"github.com/avolkov/qachat/tensor"
)

// IgnoreIndex marks target positions excluded from the loss. The
// sequence builder writes it over every padded target position.
const IgnoreIndex = -100

// CrossEntropyLoss computes the mean cross-entropy between logits and targets.
// logits: [batch, seqLen, vocabSize] (float32)
// targets: [batch, seqLen] (int64), entries < 0 are ignored
// Returns: scalar loss tensor [1]
func CrossEntropyLoss(logits, targets *tensor.Tensor) (*tensor.Tensor, error) {
	logitsShape := logits.Shape()
	batch := logitsShape[0]
	seqLen := logitsShape[1]
	vocabSize := logitsShape[2]

	logitsData := logits.ToFloat32Slice()
	targetsData := targets.ToInt64Slice()

	totalLoss := float64(0)
	count := 0

	for b := 0; b < batch; b++ {
		for s := 0; s < seqLen; s++ {
			offset := (b*seqLen + s) * vocabSize
			target := int(targetsData[b*seqLen+s])

			if target < 0 { // ignored position
				continue
			}

			// loss = logsumexp(logits) - logits[target]
			maxVal := float64(-math.MaxFloat64)
			for v := 0; v < vocabSize; v++ {
				val := float64(logitsData[offset+v])
				if val > maxVal {
					maxVal = val
				}
			}

			sumExp := float64(0)
			for v := 0; v < vocabSize; v++ {
				sumExp += math.Exp(float64(logitsData[offset+v]) - maxVal)
			}
			logSumExp := maxVal + math.Log(sumExp)

			totalLoss += logSumExp - float64(logitsData[offset+target])
			count++
		}
	}

	if count > 0 {
		totalLoss /= float64(count)
	}

	return tensor.FromSlice([]float32{float32(totalLoss)}, tensor.Shape{1})
}

// CrossEntropyBackward computes the gradient of the mean cross-entropy
// loss w.r.t. logits: softmax(logits) - one_hot(target), scaled by
// 1/count, and zero at ignored positions.
func CrossEntropyBackward(logits, targets *tensor.Tensor) (*tensor.Tensor, error) {
	logitsShape := logits.Shape()
	batch := logitsShape[0]
	seqLen := logitsShape[1]
	vocabSize := logitsShape[2]

	logitsData := logits.ToFloat32Slice()
	targetsData := targets.ToInt64Slice()

	gradData := make([]float32, batch*seqLen*vocabSize)

	count := 0
	for b := 0; b < batch; b++ {
		for s := 0; s < seqLen; s++ {
			offset := (b*seqLen + s) * vocabSize
			target := int(targetsData[b*seqLen+s])

			if target < 0 {
				continue
			}
			count++

			maxVal := float32(-math.MaxFloat32)
			for v := 0; v < vocabSize; v++ {
				if logitsData[offset+v] > maxVal {
					maxVal = logitsData[offset+v]
				}
			}

			sumExp := float32(0)
			for v := 0; v < vocabSize; v++ {
				gradData[offset+v] = float32(math.Exp(float64(logitsData[offset+v] - maxVal)))
				sumExp += gradData[offset+v]
			}

			for v := 0; v < vocabSize; v++ {
				gradData[offset+v] /= sumExp
			}
			gradData[offset+target] -= 1.0
		}
	}

	if count > 0 {
		scale := float32(1.0) / float32(count)
		for i := range gradData {
			gradData[i] *= scale
		}
	}

	return tensor.FromSlice(gradData, logitsShape)
}

// GeluBackward propagates a gradient through the tanh-approximated GELU.
func GeluBackward(x, dout *tensor.Tensor) *tensor.Tensor {
	xData := x.ToFloat32Slice()
	dData := dout.ToFloat32Slice()
	c := math.Sqrt(2.0 / math.Pi)
	out := make([]float32, len(xData))
	for i, v := range xData {
		vf := float64(v)
		inner := c * (vf + 0.044715*vf*vf*vf)
		tanh := math.Tanh(inner)
		dtanh := 1 - tanh*tanh
		dinner := c * (1 + 3*0.044715*vf*vf)
		grad := 0.5*(1+tanh) + 0.5*vf*dtanh*dinner
		out[i] = dData[i] * float32(grad)
	}
	t, _ := tensor.FromSlice(out, x.Shape())
	return t
}
