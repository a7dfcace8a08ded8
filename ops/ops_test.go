package ops

import (
	"math"
	"testing"

	"github.com/avolkov/qachat/autograd"
	"github.com/avolkov/qachat/tensor"

	_ "github.com/avolkov/qachat/backend/cpu" // register CPU backend
)

func f32(t *testing.T, data []float32, shape tensor.Shape) *tensor.Tensor {
	t.Helper()
	x, err := tensor.FromSlice(data, shape)
	if err != nil {
		t.Fatalf("FromSlice: %v", err)
	}
	return x
}

func TestAddBroadcast(t *testing.T) {
	a := f32(t, []float32{1, 2, 3, 4, 5, 6}, tensor.Shape{2, 3})
	b := f32(t, []float32{10, 20, 30}, tensor.Shape{3})

	c, err := Add(a, b)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	want := []float32{11, 22, 33, 14, 25, 36}
	got := c.ToFloat32Slice()
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("element %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestMatMulGradients(t *testing.T) {
	a := f32(t, []float32{1, 2, 3}, tensor.Shape{1, 3}).SetRequiresGrad(true)
	b := f32(t, []float32{4, 5, 6}, tensor.Shape{3, 1}).SetRequiresGrad(true)

	c, err := MatMul(a, b)
	if err != nil {
		t.Fatalf("MatMul: %v", err)
	}
	if got := c.ToFloat32Slice()[0]; got != 32 {
		t.Fatalf("forward = %v, want 32", got)
	}

	if err := autograd.Backward(c); err != nil {
		t.Fatalf("Backward: %v", err)
	}

	// d(a@b)/da = b^T, d(a@b)/db = a^T
	ga := a.Grad().ToFloat32Slice()
	gb := b.Grad().ToFloat32Slice()
	wantA := []float32{4, 5, 6}
	wantB := []float32{1, 2, 3}
	for i := range wantA {
		if ga[i] != wantA[i] {
			t.Errorf("grad a[%d] = %v, want %v", i, ga[i], wantA[i])
		}
		if gb[i] != wantB[i] {
			t.Errorf("grad b[%d] = %v, want %v", i, gb[i], wantB[i])
		}
	}
}

func TestMulGradients(t *testing.T) {
	a := f32(t, []float32{3}, tensor.Shape{1}).SetRequiresGrad(true)
	b := f32(t, []float32{5}, tensor.Shape{1}).SetRequiresGrad(true)

	c, err := Mul(a, b)
	if err != nil {
		t.Fatalf("Mul: %v", err)
	}
	if err := autograd.Backward(c); err != nil {
		t.Fatalf("Backward: %v", err)
	}
	if g := a.Grad().ToFloat32Slice()[0]; g != 5 {
		t.Errorf("grad a = %v, want 5", g)
	}
	if g := b.Grad().ToFloat32Slice()[0]; g != 3 {
		t.Errorf("grad b = %v, want 3", g)
	}
}

func TestAddBroadcastGradientReduces(t *testing.T) {
	// a: [2,1] broadcast against b: [1] → both grads must reduce back.
	a := f32(t, []float32{1, 2}, tensor.Shape{2, 1}).SetRequiresGrad(true)
	b := f32(t, []float32{10}, tensor.Shape{1}).SetRequiresGrad(true)

	c, err := Add(a, b) // [2,1]
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	// Reduce to scalar with a matmul against ones.
	ones := f32(t, []float32{1, 1}, tensor.Shape{1, 2})
	s, err := MatMul(ones, c) // [1,1]
	if err != nil {
		t.Fatalf("MatMul: %v", err)
	}
	if err := autograd.Backward(s); err != nil {
		t.Fatalf("Backward: %v", err)
	}

	ga := a.Grad()
	if !ga.Shape().Equal(tensor.Shape{2, 1}) {
		t.Fatalf("grad a shape = %v", ga.Shape())
	}
	gb := b.Grad()
	if !gb.Shape().Equal(tensor.Shape{1}) {
		t.Fatalf("grad b shape = %v", gb.Shape())
	}
	if g := gb.ToFloat32Slice()[0]; g != 2 {
		t.Errorf("grad b = %v, want 2 (summed over broadcast)", g)
	}
}

func TestSubGradients(t *testing.T) {
	// a: [2,1] broadcast against b: [1]; b's gradient is the negated
	// upstream gradient summed over the broadcast dimension.
	a := f32(t, []float32{5, 7}, tensor.Shape{2, 1}).SetRequiresGrad(true)
	b := f32(t, []float32{3}, tensor.Shape{1}).SetRequiresGrad(true)

	c, err := Sub(a, b) // [2,1] = {2, 4}
	if err != nil {
		t.Fatalf("Sub: %v", err)
	}
	got := c.ToFloat32Slice()
	if got[0] != 2 || got[1] != 4 {
		t.Fatalf("forward = %v, want [2 4]", got)
	}

	ones := f32(t, []float32{1, 1}, tensor.Shape{1, 2})
	s, err := MatMul(ones, c) // [1,1]
	if err != nil {
		t.Fatalf("MatMul: %v", err)
	}
	if err := autograd.Backward(s); err != nil {
		t.Fatalf("Backward: %v", err)
	}

	ga := a.Grad().ToFloat32Slice()
	if ga[0] != 1 || ga[1] != 1 {
		t.Errorf("grad a = %v, want [1 1]", ga)
	}
	if g := b.Grad().ToFloat32Slice()[0]; g != -2 {
		t.Errorf("grad b = %v, want -2", g)
	}
}

func TestNegForward(t *testing.T) {
	x := f32(t, []float32{1, -2, 0}, tensor.Shape{3})
	y, err := Neg(x)
	if err != nil {
		t.Fatalf("Neg: %v", err)
	}
	want := []float32{-1, 2, 0}
	got := y.ToFloat32Slice()
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("element %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestTanhForward(t *testing.T) {
	x := f32(t, []float32{0, 1, -1}, tensor.Shape{3})
	y, err := Tanh(x)
	if err != nil {
		t.Fatalf("Tanh: %v", err)
	}
	got := y.ToFloat32Slice()
	if got[0] != 0 {
		t.Errorf("tanh(0) = %v", got[0])
	}
	if math.Abs(float64(got[1])-math.Tanh(1)) > 1e-5 {
		t.Errorf("tanh(1) = %v, want %v", got[1], math.Tanh(1))
	}
	if math.Abs(float64(got[2])+math.Tanh(1)) > 1e-5 {
		t.Errorf("tanh(-1) = %v, want %v", got[2], -math.Tanh(1))
	}
}

func TestReluGradient(t *testing.T) {
	x := f32(t, []float32{-1, 2}, tensor.Shape{1, 2}).SetRequiresGrad(true)
	y, err := Relu(x)
	if err != nil {
		t.Fatalf("Relu: %v", err)
	}
	got := y.ToFloat32Slice()
	if got[0] != 0 || got[1] != 2 {
		t.Fatalf("forward = %v, want [0 2]", got)
	}

	ones := f32(t, []float32{1, 1}, tensor.Shape{2, 1})
	s, err := MatMul(y, ones) // [1,1]
	if err != nil {
		t.Fatalf("MatMul: %v", err)
	}
	if err := autograd.Backward(s); err != nil {
		t.Fatalf("Backward: %v", err)
	}

	// Gradient is zero where the input was clamped.
	g := x.Grad().ToFloat32Slice()
	if g[0] != 0 {
		t.Errorf("grad at clamped input = %v, want 0", g[0])
	}
	if g[1] != 1 {
		t.Errorf("grad at positive input = %v, want 1", g[1])
	}
}

func TestSoftmaxRows(t *testing.T) {
	x := f32(t, []float32{1, 2, 3, 0, 0, 0}, tensor.Shape{2, 3})
	y, err := Softmax(x, -1)
	if err != nil {
		t.Fatalf("Softmax: %v", err)
	}
	got := y.ToFloat32Slice()
	for r := 0; r < 2; r++ {
		sum := float64(0)
		for c := 0; c < 3; c++ {
			sum += float64(got[r*3+c])
		}
		if math.Abs(sum-1) > 1e-5 {
			t.Errorf("row %d sums to %v", r, sum)
		}
	}
	if !(got[0] < got[1] && got[1] < got[2]) {
		t.Errorf("row 0 = %v, want increasing with logits", got[:3])
	}
	for c := 0; c < 3; c++ {
		if math.Abs(float64(got[3+c])-1.0/3) > 1e-5 {
			t.Errorf("uniform row element %d = %v, want 1/3", c, got[3+c])
		}
	}
}

func TestGeluForward(t *testing.T) {
	x := f32(t, []float32{-2, 0, 2}, tensor.Shape{3})
	y, err := Gelu(x)
	if err != nil {
		t.Fatalf("Gelu: %v", err)
	}
	got := y.ToFloat32Slice()
	if got[1] != 0 {
		t.Errorf("gelu(0) = %v", got[1])
	}
	if math.Abs(float64(got[2])-1.9546) > 1e-3 {
		t.Errorf("gelu(2) = %v, want ~1.9546", got[2])
	}
}

func TestCrossEntropyLoss(t *testing.T) {
	// Batch 1, seq 2, vocab 3. First position predicts class 0 almost
	// surely; second is ignored.
	logits := f32(t, []float32{
		10, 0, 0,
		1, 1, 1,
	}, tensor.Shape{1, 2, 3})
	targets, err := tensor.FromSlice([]int64{0, IgnoreIndex}, tensor.Shape{1, 2})
	if err != nil {
		t.Fatal(err)
	}

	loss, err := CrossEntropyLoss(logits, targets)
	if err != nil {
		t.Fatalf("CrossEntropyLoss: %v", err)
	}
	got := float64(loss.ToFloat32Slice()[0])
	if got > 1e-3 {
		t.Errorf("loss = %v, want near 0 (ignored position must not count)", got)
	}
}

func TestCrossEntropyLossUniform(t *testing.T) {
	logits := f32(t, []float32{0, 0, 0, 0}, tensor.Shape{1, 1, 4})
	targets, err := tensor.FromSlice([]int64{2}, tensor.Shape{1, 1})
	if err != nil {
		t.Fatal(err)
	}

	loss, err := CrossEntropyLoss(logits, targets)
	if err != nil {
		t.Fatalf("CrossEntropyLoss: %v", err)
	}
	got := float64(loss.ToFloat32Slice()[0])
	want := math.Log(4)
	if math.Abs(got-want) > 1e-4 {
		t.Errorf("loss = %v, want ln(4) = %v", got, want)
	}
}

func TestCrossEntropyBackwardIgnoredPositions(t *testing.T) {
	logits := f32(t, []float32{
		1, 2, 3,
		4, 5, 6,
	}, tensor.Shape{1, 2, 3})
	targets, err := tensor.FromSlice([]int64{1, IgnoreIndex}, tensor.Shape{1, 2})
	if err != nil {
		t.Fatal(err)
	}

	grad, err := CrossEntropyBackward(logits, targets)
	if err != nil {
		t.Fatalf("CrossEntropyBackward: %v", err)
	}
	g := grad.ToFloat32Slice()

	// Ignored position contributes zero gradient.
	for i := 3; i < 6; i++ {
		if g[i] != 0 {
			t.Errorf("ignored position grad[%d] = %v, want 0", i, g[i])
		}
	}
	// Counted position's gradient sums to zero (softmax minus one-hot).
	sum := g[0] + g[1] + g[2]
	if math.Abs(float64(sum)) > 1e-5 {
		t.Errorf("counted position grads sum to %v, want 0", sum)
	}
	if g[1] >= 0 {
		t.Errorf("target class grad = %v, want negative", g[1])
	}
}

func TestCrossEntropyGradMatchesNumerical(t *testing.T) {
	base := []float32{0.5, -1.2, 2.0}
	targets, err := tensor.FromSlice([]int64{2}, tensor.Shape{1, 1})
	if err != nil {
		t.Fatal(err)
	}

	lossAt := func(data []float32) float64 {
		logits := f32(t, data, tensor.Shape{1, 1, 3})
		loss, err := CrossEntropyLoss(logits, targets)
		if err != nil {
			t.Fatalf("CrossEntropyLoss: %v", err)
		}
		return float64(loss.ToFloat32Slice()[0])
	}

	logits := f32(t, base, tensor.Shape{1, 1, 3})
	grad, err := CrossEntropyBackward(logits, targets)
	if err != nil {
		t.Fatalf("CrossEntropyBackward: %v", err)
	}
	g := grad.ToFloat32Slice()

	const eps = 1e-2
	for i := range base {
		plus := append([]float32(nil), base...)
		minus := append([]float32(nil), base...)
		plus[i] += eps
		minus[i] -= eps
		numeric := (lossAt(plus) - lossAt(minus)) / (2 * eps)
		if math.Abs(numeric-float64(g[i])) > 1e-2 {
			t.Errorf("grad[%d] = %v, numerical %v", i, g[i], numeric)
		}
	}
}
