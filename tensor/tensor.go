package tensor

import (
	"fmt"

	"github.com/avolkov/qachat/backend"
)

// Tensor is the core n-dimensional array.
// It lives on a backend device and can take part in autograd.
type Tensor struct {
	storage backend.Storage
	shape   Shape
	strides Strides
	dtype   DType

	// Autograd fields
	requiresGrad bool
	grad         *Tensor
	gradFn       GradFn // function that produced this tensor
	isLeaf       bool   // true if created by user (not by an op)
}

// GradFn represents the backward function for autograd.
type GradFn interface {
	Backward(gradOutput *Tensor) []*Tensor // returns gradients for each input
	Inputs() []*Tensor
	Name() string
}

// ---- Constructors ----

// NewTensor creates a tensor with given storage and metadata.
func NewTensor(storage backend.Storage, shape Shape, dtype DType) *Tensor {
	return &Tensor{
		storage: storage,
		shape:   shape.Clone(),
		strides: ContiguousStrides(shape, dtype.Size()),
		dtype:   dtype,
		isLeaf:  true,
	}
}

// FromSlice creates a CPU tensor from a Go slice.
func FromSlice[T float32 | float64 | int32 | int64](data []T, shape Shape) (*Tensor, error) {
	n := shape.NumElements()
	if len(data) != n {
		return nil, fmt.Errorf("data length %d != shape elements %d", len(data), n)
	}

	var dtype DType
	switch any(data).(type) {
	case []float32:
		dtype = Float32
	case []float64:
		dtype = Float64
	case []int32:
		dtype = Int32
	case []int64:
		dtype = Int64
	}

	store, err := alloc(n * int(dtype.Size()))
	if err != nil {
		return nil, err
	}
	copySliceToStorage(data, store.Bytes())

	return NewTensor(store, shape, dtype), nil
}

// FromBoolSlice creates a CPU bool tensor (one byte per element).
func FromBoolSlice(data []bool, shape Shape) (*Tensor, error) {
	n := shape.NumElements()
	if len(data) != n {
		return nil, fmt.Errorf("data length %d != shape elements %d", len(data), n)
	}

	store, err := alloc(n)
	if err != nil {
		return nil, err
	}
	dst := store.Bytes()
	for i, v := range data {
		if v {
			dst[i] = 1
		}
	}

	return NewTensor(store, shape, Bool), nil
}

// Zeros creates a zero-filled tensor.
func Zeros(shape Shape, dtype DType) (*Tensor, error) {
	return filled(shape, dtype, 0)
}

// Ones creates a tensor filled with ones.
func Ones(shape Shape, dtype DType) (*Tensor, error) {
	return filled(shape, dtype, 1)
}

// Arange creates a 1D tensor with values [start, start+step, start+2*step, ...].
func Arange(start, step float64, n int, dtype DType) (*Tensor, error) {
	bk, err := backend.Get(backend.CPU)
	if err != nil {
		return nil, err
	}

	store, err := bk.Alloc(n * int(dtype.Size()))
	if err != nil {
		return nil, err
	}
	if err := bk.Arange(store, start, step, n, dtype); err != nil {
		store.Free()
		return nil, err
	}

	return NewTensor(store, Shape{n}, dtype), nil
}

func filled(shape Shape, dtype DType, value float64) (*Tensor, error) {
	bk, err := backend.Get(backend.CPU)
	if err != nil {
		return nil, err
	}

	store, err := bk.Alloc(shape.NumElements() * int(dtype.Size()))
	if err != nil {
		return nil, err
	}
	if err := bk.Fill(store, shape, value, dtype); err != nil {
		store.Free()
		return nil, err
	}

	return NewTensor(store, shape, dtype), nil
}

func alloc(byteLen int) (backend.Storage, error) {
	bk, err := backend.Get(backend.CPU)
	if err != nil {
		return nil, err
	}
	return bk.Alloc(byteLen)
}

// ---- Accessors ----

func (t *Tensor) Shape() Shape             { return t.shape }
func (t *Tensor) Strides() Strides         { return t.strides }
func (t *Tensor) DType() DType             { return t.dtype }
func (t *Tensor) NDim() int                { return len(t.shape) }
func (t *Tensor) NumElements() int         { return t.shape.NumElements() }
func (t *Tensor) Device() backend.Device   { return t.storage.Device() }
func (t *Tensor) Storage() backend.Storage { return t.storage }
func (t *Tensor) IsLeaf() bool             { return t.isLeaf }

func (t *Tensor) IsContiguous() bool {
	return IsContiguous(t.shape, t.strides, t.dtype.Size())
}

func (t *Tensor) RequiresGrad() bool { return t.requiresGrad }

func (t *Tensor) SetRequiresGrad(v bool) *Tensor {
	t.requiresGrad = v
	return t
}

func (t *Tensor) Grad() *Tensor { return t.grad }

func (t *Tensor) SetGrad(grad *Tensor) { t.grad = grad }

func (t *Tensor) SetGradFn(fn GradFn) {
	t.gradFn = fn
	t.isLeaf = false
}

func (t *Tensor) GradFn() GradFn { return t.gradFn }

// ---- Views ----

// View returns a tensor with a new shape but shared storage.
func (t *Tensor) View(newShape Shape) (*Tensor, error) {
	if !t.IsContiguous() {
		return nil, fmt.Errorf("view requires contiguous tensor")
	}
	if newShape.NumElements() != t.NumElements() {
		return nil, fmt.Errorf("view shape %v has %d elements, need %d",
			newShape, newShape.NumElements(), t.NumElements())
	}
	return &Tensor{
		storage:      t.storage,
		shape:        newShape.Clone(),
		strides:      ContiguousStrides(newShape, t.dtype.Size()),
		dtype:        t.dtype,
		requiresGrad: t.requiresGrad,
		isLeaf:       false,
	}, nil
}

// Transpose returns a view with permuted axes.
func (t *Tensor) Transpose(axes []int) (*Tensor, error) {
	newShape, newStrides, err := Permute(t.shape, t.strides, axes)
	if err != nil {
		return nil, err
	}
	return &Tensor{
		storage:      t.storage,
		shape:        newShape,
		strides:      newStrides,
		dtype:        t.dtype,
		requiresGrad: t.requiresGrad,
		isLeaf:       false,
	}, nil
}

// T transposes a 2D tensor (shorthand for Transpose([]int{1, 0})).
func (t *Tensor) T() (*Tensor, error) {
	if t.NDim() != 2 {
		return nil, fmt.Errorf("T() requires 2D tensor, got %dD", t.NDim())
	}
	return t.Transpose([]int{1, 0})
}

// Contiguous returns a tensor with row-major storage, copying if needed.
func (t *Tensor) Contiguous() (*Tensor, error) {
	if t.IsContiguous() {
		return t, nil
	}

	n := t.NumElements()
	elemSize := int(t.dtype.Size())
	store, err := alloc(n * elemSize)
	if err != nil {
		return nil, err
	}

	srcBytes := t.storage.Bytes()
	dstBytes := store.Bytes()
	ndim := len(t.shape)
	indices := make([]int, ndim)

	for i := 0; i < n; i++ {
		srcOffset := 0
		for d := 0; d < ndim; d++ {
			srcOffset += indices[d] * t.strides[d]
		}
		copy(dstBytes[i*elemSize:(i+1)*elemSize], srcBytes[srcOffset:srcOffset+elemSize])

		for d := ndim - 1; d >= 0; d-- {
			indices[d]++
			if indices[d] < t.shape[d] {
				break
			}
			indices[d] = 0
		}
	}

	out := NewTensor(store, t.shape, t.dtype)
	out.requiresGrad = t.requiresGrad
	out.isLeaf = false
	return out, nil
}

// Clone returns a deep copy of the tensor's data with grad state reset.
func (t *Tensor) Clone() (*Tensor, error) {
	store, err := alloc(t.storage.ByteLen())
	if err != nil {
		return nil, err
	}
	copy(store.Bytes(), t.storage.Bytes())
	out := NewTensor(store, t.shape, t.dtype)
	out.strides = append(Strides{}, t.strides...)
	return out, nil
}

// Free releases the underlying storage.
func (t *Tensor) Free() {
	if t.storage != nil {
		t.storage.Free()
		t.storage = nil
	}
	if t.grad != nil {
		t.grad.Free()
		t.grad = nil
	}
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, dtype=%s, device=%s, grad=%v)",
		t.shape, t.dtype, t.Device(), t.requiresGrad)
}
