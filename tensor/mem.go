package tensor

import "unsafe"

// copySliceToStorage copies a Go slice into a storage buffer.
func copySliceToStorage[T any](data []T, dst []byte) {
	if len(data) == 0 || len(dst) == 0 {
		return
	}
	var zero T
	elemSize := int(unsafe.Sizeof(zero))
	srcLen := len(data) * elemSize
	if srcLen > len(dst) {
		srcLen = len(dst)
	}
	srcBytes := unsafe.Slice((*byte)(unsafe.Pointer(&data[0])), srcLen)
	copy(dst, srcBytes)
}

// bytesAs interprets a storage byte slice as a typed slice.
func bytesAs[T any](b []byte, n int) []T {
	if n == 0 || len(b) == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&b[0])), n)
}

// ToFloat32Slice returns the tensor data as []float32 (shared, not copied).
func (t *Tensor) ToFloat32Slice() []float32 {
	return bytesAs[float32](t.storage.Bytes(), t.NumElements())
}

// ToFloat64Slice returns the tensor data as []float64 (shared, not copied).
func (t *Tensor) ToFloat64Slice() []float64 {
	return bytesAs[float64](t.storage.Bytes(), t.NumElements())
}

// ToInt64Slice returns the tensor data as []int64 (shared, not copied).
func (t *Tensor) ToInt64Slice() []int64 {
	return bytesAs[int64](t.storage.Bytes(), t.NumElements())
}

// ToBoolSlice returns the tensor data as []bool (copied).
func (t *Tensor) ToBoolSlice() []bool {
	n := t.NumElements()
	b := t.storage.Bytes()
	out := make([]bool, n)
	for i := 0; i < n; i++ {
		out[i] = b[i] != 0
	}
	return out
}
