package nn

import (
	"github.com/avolkov/qachat/ops"
	"github.com/avolkov/qachat/tensor"
)

// LayerNorm implements layer normalization over the last axis.
type LayerNorm struct {
	Gamma *tensor.Tensor // [normSize] scale
	Beta  *tensor.Tensor // [normSize] shift
	Eps   float64
}

// NewLayerNorm creates a layer norm with gamma=1, beta=0.
func NewLayerNorm(normSize int, eps float64) (*LayerNorm, error) {
	gamma, err := tensor.Ones(tensor.Shape{normSize}, tensor.Float32)
	if err != nil {
		return nil, err
	}
	gamma.SetRequiresGrad(true)

	beta, err := tensor.Zeros(tensor.Shape{normSize}, tensor.Float32)
	if err != nil {
		return nil, err
	}
	beta.SetRequiresGrad(true)

	return &LayerNorm{Gamma: gamma, Beta: beta, Eps: eps}, nil
}

// Forward applies layer normalization.
// x shape: [..., normSize] → same shape
func (ln *LayerNorm) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return ops.LayerNorm(x, ln.Gamma, ln.Beta, x.NDim()-1, ln.Eps)
}

// Parameters returns trainable parameters.
func (ln *LayerNorm) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{ln.Gamma, ln.Beta}
}
