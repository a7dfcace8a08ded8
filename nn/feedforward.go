package nn

import (
	"fmt"

	"github.com/avolkov/qachat/ops"
	"github.com/avolkov/qachat/tensor"
)

// FeedForward is the position-wise MLP: Linear → GELU → Linear,
// with the hidden width conventionally 4x the model dim.
type FeedForward struct {
	Up   *Linear // [hidden, dim]
	Down *Linear // [dim, hidden]
}

// NewFeedForward creates a feed-forward layer.
func NewFeedForward(dim, hiddenDim int) (*FeedForward, error) {
	up, err := NewLinear(dim, hiddenDim, true)
	if err != nil {
		return nil, fmt.Errorf("up projection: %w", err)
	}
	down, err := NewLinear(hiddenDim, dim, true)
	if err != nil {
		return nil, fmt.Errorf("down projection: %w", err)
	}
	return &FeedForward{Up: up, Down: down}, nil
}

// FFNCache stores intermediates for the backward pass.
type FFNCache struct {
	X      *tensor.Tensor // layer input
	Pre    *tensor.Tensor // pre-activation hidden
	Hidden *tensor.Tensor // post-GELU hidden
}

// Forward computes Down(GELU(Up(x))).
func (ff *FeedForward) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	out, _, err := ff.run(x, false)
	return out, err
}

// ForwardWithCache runs the layer and retains intermediates for Backward.
func (ff *FeedForward) ForwardWithCache(x *tensor.Tensor) (*tensor.Tensor, *FFNCache, error) {
	return ff.run(x, true)
}

func (ff *FeedForward) run(x *tensor.Tensor, keep bool) (*tensor.Tensor, *FFNCache, error) {
	pre, err := ff.Up.Forward(x)
	if err != nil {
		return nil, nil, err
	}
	hidden, err := ops.Gelu(pre)
	if err != nil {
		return nil, nil, err
	}
	out, err := ff.Down.Forward(hidden)
	if err != nil {
		return nil, nil, err
	}
	if !keep {
		return out, nil, nil
	}
	return out, &FFNCache{X: x, Pre: pre, Hidden: hidden}, nil
}

// Backward propagates gradients through the MLP and accumulates
// parameter gradients on both projections.
func (ff *FeedForward) Backward(cache *FFNCache, dout *tensor.Tensor) (*tensor.Tensor, error) {
	dHidden, err := ff.Down.Backward(cache.Hidden, dout)
	if err != nil {
		return nil, err
	}
	dPre := ops.GeluBackward(cache.Pre, dHidden)
	return ff.Up.Backward(cache.X, dPre)
}

// Parameters returns all trainable parameters.
func (ff *FeedForward) Parameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	params = append(params, ff.Up.Parameters()...)
	params = append(params, ff.Down.Parameters()...)
	return params
}
