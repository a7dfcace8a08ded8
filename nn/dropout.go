package nn

import (
	"math/rand"

	"github.com/avolkov/qachat/tensor"
)

// Dropout zeroes activations with probability P during training,
// scaling survivors by 1/(1-P) so eval needs no rescaling.
type Dropout struct {
	P   float64
	rng *rand.Rand
}

func NewDropout(p float64) *Dropout {
	return &Dropout{P: p}
}

// Reseed makes subsequent masks deterministic. Unseeded dropouts draw
// from the global source.
func (d *Dropout) Reseed(seed int64) {
	d.rng = rand.New(rand.NewSource(seed))
}

func (d *Dropout) random() float64 {
	if d.rng != nil {
		return d.rng.Float64()
	}
	return rand.Float64()
}

// Forward applies dropout when train is set, identity otherwise.
func (d *Dropout) Forward(x *tensor.Tensor, train bool) (*tensor.Tensor, error) {
	out, _, err := d.ForwardWithMask(x, train)
	return out, err
}

// ForwardWithMask additionally returns the multiplicative mask used,
// which the backward pass replays. The mask is nil when dropout was a
// no-op.
func (d *Dropout) ForwardWithMask(x *tensor.Tensor, train bool) (*tensor.Tensor, []float32, error) {
	if !train || d.P <= 0 {
		return x, nil, nil
	}

	data := x.ToFloat32Slice()
	keep := float32(1.0 / (1.0 - d.P))
	mask := make([]float32, len(data))
	out := make([]float32, len(data))
	for i := range data {
		if d.random() >= d.P {
			mask[i] = keep
			out[i] = data[i] * keep
		}
	}

	t, err := tensor.FromSlice(out, x.Shape())
	if err != nil {
		return nil, nil, err
	}
	return t, mask, nil
}

// Backward replays a saved mask over the incoming gradient.
func (d *Dropout) Backward(dout *tensor.Tensor, mask []float32) (*tensor.Tensor, error) {
	if mask == nil {
		return dout, nil
	}

	dData := dout.ToFloat32Slice()
	out := make([]float32, len(dData))
	for i := range dData {
		out[i] = dData[i] * mask[i]
	}
	return tensor.FromSlice(out, dout.Shape())
}
