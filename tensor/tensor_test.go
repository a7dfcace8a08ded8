package tensor

import (
	"testing"

	_ "github.com/avolkov/qachat/backend/cpu" // register CPU backend
)

func TestFromSliceRoundtrip(t *testing.T) {
	data := []float32{1, 2, 3, 4, 5, 6}
	x, err := FromSlice(data, Shape{2, 3})
	if err != nil {
		t.Fatalf("FromSlice: %v", err)
	}
	defer x.Free()

	if x.DType() != Float32 {
		t.Errorf("dtype = %v, want Float32", x.DType())
	}
	got := x.ToFloat32Slice()
	for i, v := range data {
		if got[i] != v {
			t.Errorf("element %d = %v, want %v", i, got[i], v)
		}
	}
}

func TestFromSliceShapeMismatch(t *testing.T) {
	if _, err := FromSlice([]float32{1, 2, 3}, Shape{2, 2}); err == nil {
		t.Fatal("expected error for 3 elements into shape [2 2]")
	}
}

func TestFromSliceInt64(t *testing.T) {
	x, err := FromSlice([]int64{7, 8, 9}, Shape{3})
	if err != nil {
		t.Fatalf("FromSlice: %v", err)
	}
	defer x.Free()

	if x.DType() != Int64 {
		t.Errorf("dtype = %v, want Int64", x.DType())
	}
	got := x.ToInt64Slice()
	if got[0] != 7 || got[2] != 9 {
		t.Errorf("got %v", got)
	}
}

func TestView(t *testing.T) {
	x, err := FromSlice([]float32{1, 2, 3, 4, 5, 6}, Shape{2, 3})
	if err != nil {
		t.Fatal(err)
	}
	defer x.Free()

	v, err := x.View(Shape{3, 2})
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	if !v.Shape().Equal(Shape{3, 2}) {
		t.Errorf("view shape = %v", v.Shape())
	}
	// Views share storage.
	v.ToFloat32Slice()[0] = 42
	if x.ToFloat32Slice()[0] != 42 {
		t.Error("view should share storage with base")
	}

	if _, err := x.View(Shape{4, 2}); err == nil {
		t.Error("expected error for element count mismatch")
	}
}

func TestTransposeContiguous(t *testing.T) {
	x, err := FromSlice([]float32{1, 2, 3, 4, 5, 6}, Shape{2, 3})
	if err != nil {
		t.Fatal(err)
	}
	defer x.Free()

	xt, err := x.T()
	if err != nil {
		t.Fatalf("T: %v", err)
	}
	if !xt.Shape().Equal(Shape{3, 2}) {
		t.Fatalf("transposed shape = %v", xt.Shape())
	}

	c, err := xt.Contiguous()
	if err != nil {
		t.Fatalf("Contiguous: %v", err)
	}
	want := []float32{1, 4, 2, 5, 3, 6}
	got := c.ToFloat32Slice()
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("element %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestArange(t *testing.T) {
	x, err := Arange(0, 0.5, 4, Float32)
	if err != nil {
		t.Fatalf("Arange: %v", err)
	}
	defer x.Free()
	want := []float32{0, 0.5, 1, 1.5}
	got := x.ToFloat32Slice()
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("element %d = %v, want %v", i, got[i], want[i])
		}
	}

	ids, err := Arange(3, 2, 3, Int64)
	if err != nil {
		t.Fatalf("Arange int64: %v", err)
	}
	defer ids.Free()
	gotIDs := ids.ToInt64Slice()
	if gotIDs[0] != 3 || gotIDs[1] != 5 || gotIDs[2] != 7 {
		t.Errorf("int64 arange = %v, want [3 5 7]", gotIDs)
	}
}

func TestZerosOnes(t *testing.T) {
	z, err := Zeros(Shape{4}, Float32)
	if err != nil {
		t.Fatal(err)
	}
	defer z.Free()
	for _, v := range z.ToFloat32Slice() {
		if v != 0 {
			t.Fatalf("Zeros produced %v", v)
		}
	}

	o, err := Ones(Shape{4}, Float32)
	if err != nil {
		t.Fatal(err)
	}
	defer o.Free()
	for _, v := range o.ToFloat32Slice() {
		if v != 1 {
			t.Fatalf("Ones produced %v", v)
		}
	}
}
