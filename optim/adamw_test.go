package optim

import (
	"math"
	"testing"

	"github.com/avolkov/qachat/tensor"

	_ "github.com/avolkov/qachat/backend/cpu" // register CPU backend
)

func TestAdamWMinimizesQuadratic(t *testing.T) {
	// Minimize f(x) = x^2 by hand-feeding the gradient 2x.
	x, err := tensor.FromSlice([]float32{5}, tensor.Shape{1})
	if err != nil {
		t.Fatal(err)
	}
	x.SetRequiresGrad(true)

	opt := NewAdamW([]*tensor.Tensor{x}, 0.1)
	opt.WeightDecay = 0

	for i := 0; i < 200; i++ {
		g, err := tensor.FromSlice([]float32{2 * x.ToFloat32Slice()[0]}, tensor.Shape{1})
		if err != nil {
			t.Fatal(err)
		}
		x.SetGrad(g)
		opt.Step()
	}

	if v := math.Abs(float64(x.ToFloat32Slice()[0])); v > 0.1 {
		t.Errorf("after 200 steps x = %v, want near 0", v)
	}
}

func TestAdamWSkipsNilGrad(t *testing.T) {
	x, err := tensor.FromSlice([]float32{3}, tensor.Shape{1})
	if err != nil {
		t.Fatal(err)
	}
	opt := NewAdamW([]*tensor.Tensor{x}, 0.1)
	opt.Step()
	if got := x.ToFloat32Slice()[0]; got != 3 {
		t.Errorf("parameter without grad moved to %v", got)
	}
}

func TestZeroGrad(t *testing.T) {
	x, err := tensor.FromSlice([]float32{1, 2}, tensor.Shape{2})
	if err != nil {
		t.Fatal(err)
	}
	g, err := tensor.FromSlice([]float32{7, 8}, tensor.Shape{2})
	if err != nil {
		t.Fatal(err)
	}
	x.SetGrad(g)

	opt := NewAdamW([]*tensor.Tensor{x}, 0.1)
	opt.ZeroGrad()

	for i, v := range x.Grad().ToFloat32Slice() {
		if v != 0 {
			t.Errorf("grad[%d] = %v after ZeroGrad", i, v)
		}
	}
}

func TestClipGradNorm(t *testing.T) {
	g, err := tensor.FromSlice([]float32{3, 4}, tensor.Shape{2})
	if err != nil {
		t.Fatal(err)
	}
	y, err := tensor.FromSlice([]float32{0, 0}, tensor.Shape{2})
	if err != nil {
		t.Fatal(err)
	}
	y.SetGrad(g)

	opt := NewAdamW([]*tensor.Tensor{y}, 0.1)
	norm := opt.ClipGradNorm(1.0)

	if math.Abs(norm-5) > 1e-6 {
		t.Errorf("pre-clip norm = %v, want 5", norm)
	}
	clipped := y.Grad().ToFloat32Slice()
	got := math.Sqrt(float64(clipped[0]*clipped[0] + clipped[1]*clipped[1]))
	if math.Abs(got-1) > 1e-5 {
		t.Errorf("post-clip norm = %v, want 1", got)
	}
}

func TestCosineSchedule(t *testing.T) {
	s := NewCosineSchedule(1.0, 10, 100)

	// Warmup is linear.
	if lr := s.LR(5); math.Abs(lr-0.5) > 1e-9 {
		t.Errorf("LR(5) = %v, want 0.5", lr)
	}
	// Peak right after warmup.
	if lr := s.LR(10); math.Abs(lr-1.0) > 1e-9 {
		t.Errorf("LR(10) = %v, want 1.0", lr)
	}
	// Monotonically non-increasing after warmup.
	prev := s.LR(10)
	for step := 11; step <= 100; step++ {
		lr := s.LR(step)
		if lr > prev+1e-12 {
			t.Fatalf("LR increased at step %d: %v > %v", step, lr, prev)
		}
		prev = lr
	}
	// Floor at MinLR.
	if lr := s.LR(1000); math.Abs(lr-s.MinLR) > 1e-9 {
		t.Errorf("LR past the end = %v, want MinLR %v", lr, s.MinLR)
	}
}
