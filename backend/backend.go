package backend

import (
	"fmt"

	"github.com/avolkov/qachat/core"
)

// DeviceType represents the compute device.
type DeviceType uint8

const (
	CPU DeviceType = iota
)

func (d DeviceType) String() string {
	if d == CPU {
		return "cpu"
	}
	return fmt.Sprintf("device(%d)", d)
}

// Device identifies a specific device (type + index).
type Device struct {
	Type  DeviceType
	Index int
}

var CPU0 = Device{Type: CPU, Index: 0}

func (d Device) String() string {
	if d.Type == CPU {
		return "cpu"
	}
	return fmt.Sprintf("%s:%d", d.Type, d.Index)
}

// Storage represents a raw memory buffer on a device.
type Storage interface {
	// Device returns which device this storage lives on.
	Device() Device

	// Bytes returns the underlying byte slice.
	Bytes() []byte

	// ByteLen returns the total size in bytes.
	ByteLen() int

	// Free releases the memory.
	Free()
}

// Backend defines the compute interface a hardware backend must implement.
// Each operation takes raw storage buffers and shape metadata.
type Backend interface {
	Name() string
	DeviceType() DeviceType

	// Memory management
	Alloc(byteLen int) (Storage, error)
	Free(s Storage)
	Copy(dst, src Storage, byteLen int) error

	// Unary ops
	Neg(dst, src Storage, shape core.Shape, dtype core.DType) error
	Exp(dst, src Storage, shape core.Shape, dtype core.DType) error
	Tanh(dst, src Storage, shape core.Shape, dtype core.DType) error
	Relu(dst, src Storage, shape core.Shape, dtype core.DType) error
	Gelu(dst, src Storage, shape core.Shape, dtype core.DType) error

	// Binary ops (with broadcasting)
	Add(dst, a, b Storage, shapeA, shapeB, shapeOut core.Shape, dtype core.DType) error
	Sub(dst, a, b Storage, shapeA, shapeB, shapeOut core.Shape, dtype core.DType) error
	Mul(dst, a, b Storage, shapeA, shapeB, shapeOut core.Shape, dtype core.DType) error
	Div(dst, a, b Storage, shapeA, shapeB, shapeOut core.Shape, dtype core.DType) error

	// Reduction ops
	Sum(dst, src Storage, shape core.Shape, axes []int, keepDim bool, dtype core.DType) error
	Max(dst, src Storage, shape core.Shape, axes []int, keepDim bool, dtype core.DType) error
	Mean(dst, src Storage, shape core.Shape, axes []int, keepDim bool, dtype core.DType) error

	// MatMul: C = A @ B
	// A: [..., M, K], B: [..., K, N], C: [..., M, N] with shared batch dims.
	MatMul(dst, a, b Storage, shapeA, shapeB core.Shape, dtype core.DType) error

	// Softmax along given axis
	Softmax(dst, src Storage, shape core.Shape, axis int, dtype core.DType) error

	// LayerNorm: y = (x - mean) / sqrt(var + eps) * gamma + beta
	LayerNorm(dst, src, gamma, beta Storage, shape core.Shape, normAxis int, eps float64, dtype core.DType) error

	// Embedding lookup
	Embedding(dst, weight, indices Storage, vocabSize, embedDim, seqLen int, dtype core.DType) error

	// MaskedAttention computes scaled dot-product attention.
	// q, k, v: [batch, numHeads, seqLen, headDim]. padMask may be nil;
	// otherwise it is [batch, seqLen] bool marking key positions to ignore.
	// When scores is non-nil it receives the post-softmax attention
	// weights [batch, numHeads, seqLen, seqLen] for the backward pass.
	MaskedAttention(
		dst, q, k, v, padMask Storage,
		batchSize, numHeads, seqLen, headDim int,
		causal bool, scores []float32,
	) error

	// Fill ops
	Fill(dst Storage, shape core.Shape, value float64, dtype core.DType) error
	Arange(dst Storage, start, step float64, n int, dtype core.DType) error
}

// Registry holds all available backends.
var registry = map[DeviceType]Backend{}

// Register adds a backend to the global registry.
func Register(b Backend) {
	registry[b.DeviceType()] = b
}

// Get returns the backend for a device type.
func Get(dt DeviceType) (Backend, error) {
	b, ok := registry[dt]
	if !ok {
		return nil, fmt.Errorf("backend %s not registered", dt)
	}
	return b, nil
}

// GetForDevice returns the backend for a specific device.
func GetForDevice(d Device) (Backend, error) {
	return Get(d.Type)
}
