// Package optim provides the AdamW optimizer and learning-rate
// schedules used for training.
package optim

import (
	"math"

	"github.com/avolkov/qachat/tensor"
)

// AdamW implements Adam with decoupled weight decay
// (Loshchilov & Hutter, 2019).
type AdamW struct {
	LR          float64
	Beta1       float64
	Beta2       float64
	Eps         float64
	WeightDecay float64

	params []*tensor.Tensor
	m      [][]float32 // first moment per parameter
	v      [][]float32 // second moment per parameter
	step   int
}

// NewAdamW creates an optimizer over the given parameters with the
// common LLM-training defaults (beta2 = 0.95).
func NewAdamW(params []*tensor.Tensor, lr float64) *AdamW {
	opt := &AdamW{
		LR:          lr,
		Beta1:       0.9,
		Beta2:       0.95,
		Eps:         1e-8,
		WeightDecay: 0.01,
		params:      params,
		m:           make([][]float32, len(params)),
		v:           make([][]float32, len(params)),
	}
	for i, p := range params {
		opt.m[i] = make([]float32, p.NumElements())
		opt.v[i] = make([]float32, p.NumElements())
	}
	return opt
}

// Step applies one update from the accumulated gradients. Parameters
// whose gradient is nil are skipped.
func (o *AdamW) Step() {
	o.step++
	bc1 := 1.0 - math.Pow(o.Beta1, float64(o.step))
	bc2 := 1.0 - math.Pow(o.Beta2, float64(o.step))

	for i, p := range o.params {
		g := p.Grad()
		if g == nil {
			continue
		}
		gArr := g.ToFloat32Slice()
		pArr := p.ToFloat32Slice()
		m := o.m[i]
		v := o.v[i]

		for j := range pArr {
			grad := float64(gArr[j])
			m[j] = float32(o.Beta1*float64(m[j]) + (1-o.Beta1)*grad)
			v[j] = float32(o.Beta2*float64(v[j]) + (1-o.Beta2)*grad*grad)

			mHat := float64(m[j]) / bc1
			vHat := float64(v[j]) / bc2

			update := o.LR * (mHat/(math.Sqrt(vHat)+o.Eps) + o.WeightDecay*float64(pArr[j]))
			pArr[j] -= float32(update)
		}
	}
}

// ZeroGrad clears all parameter gradients.
func (o *AdamW) ZeroGrad() {
	for _, p := range o.params {
		if g := p.Grad(); g != nil {
			gArr := g.ToFloat32Slice()
			for i := range gArr {
				gArr[i] = 0
			}
		}
	}
}

// SetLR updates the learning rate, typically from a schedule.
func (o *AdamW) SetLR(lr float64) { o.LR = lr }

// ClipGradNorm scales all gradients down so their global L2 norm does
// not exceed maxNorm. Returns the pre-clip norm.
func (o *AdamW) ClipGradNorm(maxNorm float64) float64 {
	total := 0.0
	for _, p := range o.params {
		g := p.Grad()
		if g == nil {
			continue
		}
		for _, x := range g.ToFloat32Slice() {
			total += float64(x) * float64(x)
		}
	}
	norm := math.Sqrt(total)
	if norm <= maxNorm || norm == 0 {
		return norm
	}

	scale := float32(maxNorm / norm)
	for _, p := range o.params {
		g := p.Grad()
		if g == nil {
			continue
		}
		gArr := g.ToFloat32Slice()
		for i := range gArr {
			gArr[i] *= scale
		}
	}
	return norm
}
