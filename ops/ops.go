package ops

import (
	"fmt"

	"github.com/avolkov/qachat/backend"
	"github.com/avolkov/qachat/tensor"
)

// ---- Autograd function implementations ----

type addGradFn struct {
	a, b *tensor.Tensor
}

func (f *addGradFn) Name() string             { return "AddBackward" }
func (f *addGradFn) Inputs() []*tensor.Tensor { return []*tensor.Tensor{f.a, f.b} }
func (f *addGradFn) Backward(grad *tensor.Tensor) []*tensor.Tensor {
	// d(a+b)/da = 1, d(a+b)/db = 1, reduced over broadcast axes
	gradA, _ := SumToShape(grad, f.a.Shape())
	gradB, _ := SumToShape(grad, f.b.Shape())
	return []*tensor.Tensor{gradA, gradB}
}

type subGradFn struct {
	a, b *tensor.Tensor
}

func (f *subGradFn) Name() string             { return "SubBackward" }
func (f *subGradFn) Inputs() []*tensor.Tensor { return []*tensor.Tensor{f.a, f.b} }
func (f *subGradFn) Backward(grad *tensor.Tensor) []*tensor.Tensor {
	gradA, _ := SumToShape(grad, f.a.Shape())
	negGrad, _ := Neg(grad)
	gradB, _ := SumToShape(negGrad, f.b.Shape())
	return []*tensor.Tensor{gradA, gradB}
}

type mulGradFn struct {
	a, b *tensor.Tensor
}

func (f *mulGradFn) Name() string             { return "MulBackward" }
func (f *mulGradFn) Inputs() []*tensor.Tensor { return []*tensor.Tensor{f.a, f.b} }
func (f *mulGradFn) Backward(grad *tensor.Tensor) []*tensor.Tensor {
	// d(a*b)/da = b, d(a*b)/db = a
	ga, _ := mulNoGrad(grad, f.b)
	gb, _ := mulNoGrad(grad, f.a)
	gradA, _ := SumToShape(ga, f.a.Shape())
	gradB, _ := SumToShape(gb, f.b.Shape())
	return []*tensor.Tensor{gradA, gradB}
}

type matmulGradFn struct {
	a, b *tensor.Tensor
}

func (f *matmulGradFn) Name() string             { return "MatMulBackward" }
func (f *matmulGradFn) Inputs() []*tensor.Tensor { return []*tensor.Tensor{f.a, f.b} }
func (f *matmulGradFn) Backward(grad *tensor.Tensor) []*tensor.Tensor {
	// d(A@B)/dA = grad @ B^T
	// d(A@B)/dB = A^T @ grad, summed over batch dims when B was shared
	bT, _ := transposeLast2(f.b)
	aT, _ := transposeLast2(f.a)
	gradA, _ := matmulNoGrad(grad, bT)
	gradB, _ := matmulNoGrad(aT, grad)
	gradA, _ = SumToShape(gradA, f.a.Shape())
	gradB, _ = SumToShape(gradB, f.b.Shape())
	return []*tensor.Tensor{gradA, gradB}
}

type reluGradFn struct {
	input *tensor.Tensor
}

func (f *reluGradFn) Name() string             { return "ReluBackward" }
func (f *reluGradFn) Inputs() []*tensor.Tensor { return []*tensor.Tensor{f.input} }
func (f *reluGradFn) Backward(grad *tensor.Tensor) []*tensor.Tensor {
	xData := f.input.ToFloat32Slice()
	gData := grad.ToFloat32Slice()
	out := make([]float32, len(xData))
	for i, x := range xData {
		if x > 0 {
			out[i] = gData[i]
		}
	}
	dx, _ := tensor.FromSlice(out, f.input.Shape())
	return []*tensor.Tensor{dx}
}

type geluGradFn struct {
	input *tensor.Tensor
}

func (f *geluGradFn) Name() string             { return "GeluBackward" }
func (f *geluGradFn) Inputs() []*tensor.Tensor { return []*tensor.Tensor{f.input} }
func (f *geluGradFn) Backward(grad *tensor.Tensor) []*tensor.Tensor {
	dx := GeluBackward(f.input, grad)
	return []*tensor.Tensor{dx}
}

// ---- Public API ----

func getBackend(t *tensor.Tensor) (backend.Backend, error) {
	return backend.GetForDevice(t.Device())
}

func allocOutput(shape tensor.Shape, dtype tensor.DType, bk backend.Backend) (backend.Storage, error) {
	return bk.Alloc(shape.NumElements() * int(dtype.Size()))
}

func needsGrad(tensors ...*tensor.Tensor) bool {
	for _, t := range tensors {
		if t.RequiresGrad() {
			return true
		}
	}
	return false
}

type binaryKernel func(bk backend.Backend, dst, a, b backend.Storage, shapeA, shapeB, shapeOut tensor.Shape, dtype tensor.DType) error

func binary(a, b *tensor.Tensor, kernel binaryKernel) (*tensor.Tensor, error) {
	bk, err := getBackend(a)
	if err != nil {
		return nil, err
	}

	outShape, err := tensor.BroadcastShapes(a.Shape(), b.Shape())
	if err != nil {
		return nil, err
	}

	store, err := allocOutput(outShape, a.DType(), bk)
	if err != nil {
		return nil, err
	}

	if err := kernel(bk, store, a.Storage(), b.Storage(), a.Shape(), b.Shape(), outShape, a.DType()); err != nil {
		store.Free()
		return nil, err
	}

	return tensor.NewTensor(store, outShape, a.DType()), nil
}

// Add performs element-wise addition with broadcasting.
func Add(a, b *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := binary(a, b, func(bk backend.Backend, dst, sa, sb backend.Storage, shA, shB, shOut tensor.Shape, dt tensor.DType) error {
		return bk.Add(dst, sa, sb, shA, shB, shOut, dt)
	})
	if err != nil {
		return nil, err
	}
	if needsGrad(a, b) {
		out.SetRequiresGrad(true)
		out.SetGradFn(&addGradFn{a: a, b: b})
	}
	return out, nil
}

// Sub performs element-wise subtraction with broadcasting.
func Sub(a, b *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := binary(a, b, func(bk backend.Backend, dst, sa, sb backend.Storage, shA, shB, shOut tensor.Shape, dt tensor.DType) error {
		return bk.Sub(dst, sa, sb, shA, shB, shOut, dt)
	})
	if err != nil {
		return nil, err
	}
	if needsGrad(a, b) {
		out.SetRequiresGrad(true)
		out.SetGradFn(&subGradFn{a: a, b: b})
	}
	return out, nil
}

// Mul performs element-wise multiplication with broadcasting.
func Mul(a, b *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := mulNoGrad(a, b)
	if err != nil {
		return nil, err
	}
	if needsGrad(a, b) {
		out.SetRequiresGrad(true)
		out.SetGradFn(&mulGradFn{a: a, b: b})
	}
	return out, nil
}

func mulNoGrad(a, b *tensor.Tensor) (*tensor.Tensor, error) {
	return binary(a, b, func(bk backend.Backend, dst, sa, sb backend.Storage, shA, shB, shOut tensor.Shape, dt tensor.DType) error {
		return bk.Mul(dst, sa, sb, shA, shB, shOut, dt)
	})
}

// MatMul performs (batched) matrix multiplication.
func MatMul(a, b *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := matmulNoGrad(a, b)
	if err != nil {
		return nil, err
	}
	if needsGrad(a, b) {
		out.SetRequiresGrad(true)
		out.SetGradFn(&matmulGradFn{a: a, b: b})
	}
	return out, nil
}

func matmulNoGrad(a, b *tensor.Tensor) (*tensor.Tensor, error) {
	bk, err := getBackend(a)
	if err != nil {
		return nil, err
	}

	ac, err := a.Contiguous()
	if err != nil {
		return nil, err
	}
	bc, err := b.Contiguous()
	if err != nil {
		return nil, err
	}

	shapeA := ac.Shape()
	shapeB := bc.Shape()
	if len(shapeA) < 2 || len(shapeB) < 2 {
		return nil, fmt.Errorf("matmul requires >= 2D tensors, got %v and %v", shapeA, shapeB)
	}

	outShape := shapeA.Clone()
	outShape[len(outShape)-1] = shapeB[len(shapeB)-1]

	store, err := allocOutput(outShape, ac.DType(), bk)
	if err != nil {
		return nil, err
	}

	if err := bk.MatMul(store, ac.Storage(), bc.Storage(), shapeA, shapeB, ac.DType()); err != nil {
		store.Free()
		return nil, err
	}

	return tensor.NewTensor(store, outShape, ac.DType()), nil
}

// transposeLast2 swaps the last two axes and materializes the result.
func transposeLast2(t *tensor.Tensor) (*tensor.Tensor, error) {
	ndim := t.NDim()
	axes := make([]int, ndim)
	for i := range axes {
		axes[i] = i
	}
	axes[ndim-1], axes[ndim-2] = axes[ndim-2], axes[ndim-1]

	view, err := t.Transpose(axes)
	if err != nil {
		return nil, err
	}
	return view.Contiguous()
}

// Neg negates a tensor element-wise.
func Neg(a *tensor.Tensor) (*tensor.Tensor, error) {
	return unary(a, func(bk backend.Backend, dst, src backend.Storage) error {
		return bk.Neg(dst, src, a.Shape(), a.DType())
	}, nil)
}

// Relu applies the rectifier element-wise.
func Relu(a *tensor.Tensor) (*tensor.Tensor, error) {
	return unary(a, func(bk backend.Backend, dst, src backend.Storage) error {
		return bk.Relu(dst, src, a.Shape(), a.DType())
	}, &reluGradFn{input: a})
}

// Gelu applies the tanh-approximated GELU element-wise.
func Gelu(a *tensor.Tensor) (*tensor.Tensor, error) {
	return unary(a, func(bk backend.Backend, dst, src backend.Storage) error {
		return bk.Gelu(dst, src, a.Shape(), a.DType())
	}, &geluGradFn{input: a})
}

// Tanh applies tanh element-wise.
func Tanh(a *tensor.Tensor) (*tensor.Tensor, error) {
	return unary(a, func(bk backend.Backend, dst, src backend.Storage) error {
		return bk.Tanh(dst, src, a.Shape(), a.DType())
	}, nil)
}

func unary(a *tensor.Tensor, kernel func(bk backend.Backend, dst, src backend.Storage) error, gradFn tensor.GradFn) (*tensor.Tensor, error) {
	bk, err := getBackend(a)
	if err != nil {
		return nil, err
	}

	store, err := allocOutput(a.Shape(), a.DType(), bk)
	if err != nil {
		return nil, err
	}

	if err := kernel(bk, store, a.Storage()); err != nil {
		store.Free()
		return nil, err
	}

	out := tensor.NewTensor(store, a.Shape(), a.DType())
	if gradFn != nil && needsGrad(a) {
		out.SetRequiresGrad(true)
		out.SetGradFn(gradFn)
	}
	return out, nil
}

// Softmax normalizes along the given axis.
func Softmax(a *tensor.Tensor, axis int) (*tensor.Tensor, error) {
	if axis < 0 {
		axis = a.NDim() + axis
	}
	return unary(a, func(bk backend.Backend, dst, src backend.Storage) error {
		return bk.Softmax(dst, src, a.Shape(), axis, a.DType())
	}, nil)
}

// LayerNorm normalizes over the trailing axes starting at normAxis.
func LayerNorm(x, gamma, beta *tensor.Tensor, normAxis int, eps float64) (*tensor.Tensor, error) {
	bk, err := getBackend(x)
	if err != nil {
		return nil, err
	}

	store, err := allocOutput(x.Shape(), x.DType(), bk)
	if err != nil {
		return nil, err
	}

	var gs, bs backend.Storage
	if gamma != nil {
		gs = gamma.Storage()
	}
	if beta != nil {
		bs = beta.Storage()
	}

	if err := bk.LayerNorm(store, x.Storage(), gs, bs, x.Shape(), normAxis, eps, x.DType()); err != nil {
		store.Free()
		return nil, err
	}

	return tensor.NewTensor(store, x.Shape(), x.DType()), nil
}

// Sum reduces along the given axes.
func Sum(a *tensor.Tensor, axes []int, keepDim bool) (*tensor.Tensor, error) {
	bk, err := getBackend(a)
	if err != nil {
		return nil, err
	}

	outShape := reducedShape(a.Shape(), axes, keepDim)
	store, err := allocOutput(outShape, a.DType(), bk)
	if err != nil {
		return nil, err
	}

	if err := bk.Sum(store, a.Storage(), a.Shape(), axes, keepDim, a.DType()); err != nil {
		store.Free()
		return nil, err
	}

	return tensor.NewTensor(store, outShape, a.DType()), nil
}

// SumToShape reduces a broadcast gradient back down to the target shape.
func SumToShape(grad *tensor.Tensor, target tensor.Shape) (*tensor.Tensor, error) {
	gradShape := grad.Shape()
	if gradShape.Equal(target) {
		return grad, nil
	}

	// Leading axes that exist only in the gradient are summed away;
	// axes broadcast from size 1 are summed with keepDim.
	extra := len(gradShape) - len(target)
	out := grad
	var err error
	if extra > 0 {
		axes := make([]int, extra)
		for i := range axes {
			axes[i] = i
		}
		out, err = Sum(out, axes, false)
		if err != nil {
			return nil, err
		}
	}

	var keepAxes []int
	outShape := out.Shape()
	for i := range target {
		if target[i] == 1 && outShape[i] != 1 {
			keepAxes = append(keepAxes, i)
		}
	}
	if len(keepAxes) > 0 {
		out, err = Sum(out, keepAxes, true)
		if err != nil {
			return nil, err
		}
	}

	return out.View(target)
}

func reducedShape(shape tensor.Shape, axes []int, keepDim bool) tensor.Shape {
	axisSet := make(map[int]bool)
	for _, a := range axes {
		axisSet[a] = true
	}
	out := make(tensor.Shape, 0, len(shape))
	for i, d := range shape {
		if axisSet[i] {
			if keepDim {
				out = append(out, 1)
			}
		} else {
			out = append(out, d)
		}
	}
	if len(out) == 0 {
		out = tensor.Shape{1}
	}
	return out
}
