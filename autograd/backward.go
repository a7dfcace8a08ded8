package autograd

import (
	"fmt"

	"github.com/avolkov/qachat/backend"
	"github.com/avolkov/qachat/tensor"
)

// Backward computes gradients for all leaf tensors reachable from loss
// that require grad. loss must be a scalar tensor (1 element).
func Backward(loss *tensor.Tensor) error {
	if loss.NumElements() != 1 {
		panic("backward requires scalar loss")
	}

	seed, err := tensor.Ones(loss.Shape(), loss.DType())
	if err != nil {
		return err
	}

	// Reverse topological order over the op graph
	visited := make(map[*tensor.Tensor]bool)
	var order []*tensor.Tensor
	var topoSort func(t *tensor.Tensor)
	topoSort = func(t *tensor.Tensor) {
		if visited[t] {
			return
		}
		visited[t] = true
		if t.GradFn() != nil {
			for _, input := range t.GradFn().Inputs() {
				topoSort(input)
			}
		}
		order = append(order, t)
	}
	topoSort(loss)

	gradMap := make(map[*tensor.Tensor]*tensor.Tensor)
	gradMap[loss] = seed

	for i := len(order) - 1; i >= 0; i-- {
		t := order[i]
		grad, ok := gradMap[t]
		if !ok || t.GradFn() == nil {
			continue
		}

		inputGrads := t.GradFn().Backward(grad)
		inputs := t.GradFn().Inputs()
		if len(inputGrads) != len(inputs) {
			return fmt.Errorf("%s returned %d gradients for %d inputs",
				t.GradFn().Name(), len(inputGrads), len(inputs))
		}

		for j, input := range inputs {
			if inputGrads[j] == nil {
				continue
			}
			if existing, ok := gradMap[input]; ok {
				accumulated, err := addTensors(existing, inputGrads[j])
				if err != nil {
					return err
				}
				gradMap[input] = accumulated
			} else {
				gradMap[input] = inputGrads[j]
			}
		}
	}

	for t, grad := range gradMap {
		if t.IsLeaf() && t.RequiresGrad() {
			t.SetGrad(grad)
		}
	}

	return nil
}

// addTensors adds two gradients element-wise at the storage level,
// outside the op graph (ops would record new gradFns).
func addTensors(a, b *tensor.Tensor) (*tensor.Tensor, error) {
	bk, err := backend.GetForDevice(a.Device())
	if err != nil {
		return nil, err
	}

	if !a.Shape().Equal(b.Shape()) {
		return nil, fmt.Errorf("gradient shapes %v and %v differ", a.Shape(), b.Shape())
	}

	store, err := bk.Alloc(a.NumElements() * int(a.DType().Size()))
	if err != nil {
		return nil, err
	}

	if err := bk.Add(store, a.Storage(), b.Storage(), a.Shape(), b.Shape(), a.Shape(), a.DType()); err != nil {
		store.Free()
		return nil, err
	}

	return tensor.NewTensor(store, a.Shape(), a.DType()), nil
}
