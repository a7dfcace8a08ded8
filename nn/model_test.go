package nn

import (
	"math"
	"testing"

	"github.com/avolkov/qachat/tensor"

	_ "github.com/avolkov/qachat/backend/cpu" // register CPU backend
)

const testVocab = 16

func testModel(t *testing.T) *Transformer {
	t.Helper()
	m, err := NewTransformer(TinyConfig(testVocab))
	if err != nil {
		t.Fatalf("NewTransformer: %v", err)
	}
	return m
}

func tokensTensor(t *testing.T, data []int64, shape tensor.Shape) *tensor.Tensor {
	t.Helper()
	x, err := tensor.FromSlice(data, shape)
	if err != nil {
		t.Fatal(err)
	}
	return x
}

func TestForwardShape(t *testing.T) {
	m := testModel(t)
	tokens := tokensTensor(t, []int64{1, 2, 3, 4, 5, 6, 7, 8}, tensor.Shape{2, 4})

	logits, err := m.Forward(tokens, nil)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if !logits.Shape().Equal(tensor.Shape{2, 4, testVocab}) {
		t.Fatalf("logits shape = %v, want [2 4 %d]", logits.Shape(), testVocab)
	}
	for _, v := range logits.ToFloat32Slice() {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Fatal("logits contain non-finite values")
		}
	}
}

func TestCausality(t *testing.T) {
	// Changing a later token must not change logits at earlier positions.
	m := testModel(t)

	a := tokensTensor(t, []int64{3, 5, 7, 9}, tensor.Shape{1, 4})
	b := tokensTensor(t, []int64{3, 5, 7, 12}, tensor.Shape{1, 4})

	la, err := m.Forward(a, nil)
	if err != nil {
		t.Fatal(err)
	}
	lb, err := m.Forward(b, nil)
	if err != nil {
		t.Fatal(err)
	}

	ga := la.ToFloat32Slice()
	gb := lb.ToFloat32Slice()
	for pos := 0; pos < 3; pos++ {
		for v := 0; v < testVocab; v++ {
			i := pos*testVocab + v
			if math.Abs(float64(ga[i]-gb[i])) > 1e-5 {
				t.Fatalf("position %d logit %d changed when a future token changed", pos, v)
			}
		}
	}
}

func TestPaddingMaskIsolation(t *testing.T) {
	// Changing the token at a padded position must not change logits
	// at LATER non-padded positions. Causality alone would not give
	// this; it requires the key-padding mask.
	m := testModel(t)

	mask, err := tensor.FromBoolSlice([]bool{false, true, false, false}, tensor.Shape{1, 4})
	if err != nil {
		t.Fatal(err)
	}

	a := tokensTensor(t, []int64{3, 0, 5, 7}, tensor.Shape{1, 4})
	b := tokensTensor(t, []int64{3, 11, 5, 7}, tensor.Shape{1, 4})

	la, err := m.Forward(a, mask)
	if err != nil {
		t.Fatal(err)
	}
	lb, err := m.Forward(b, mask)
	if err != nil {
		t.Fatal(err)
	}

	ga := la.ToFloat32Slice()
	gb := lb.ToFloat32Slice()
	for _, pos := range []int{0, 2, 3} {
		for v := 0; v < testVocab; v++ {
			i := pos*testVocab + v
			if math.Abs(float64(ga[i]-gb[i])) > 1e-5 {
				t.Fatalf("position %d logit %d influenced by a padded position", pos, v)
			}
		}
	}
}

func TestForwardWithCacheMatchesForward(t *testing.T) {
	// Dropout is zero in the tiny config, so the training-mode forward
	// must agree with the inference forward.
	m := testModel(t)
	tokens := tokensTensor(t, []int64{1, 2, 3, 4}, tensor.Shape{1, 4})

	inf, err := m.Forward(tokens, nil)
	if err != nil {
		t.Fatal(err)
	}
	trn, cache, err := m.ForwardWithCache(tokens, nil)
	if err != nil {
		t.Fatal(err)
	}
	if cache == nil || len(cache.BlockCaches) != len(m.Blocks) {
		t.Fatal("cache missing block entries")
	}

	a := inf.ToFloat32Slice()
	b := trn.ToFloat32Slice()
	for i := range a {
		if math.Abs(float64(a[i]-b[i])) > 1e-4 {
			t.Fatalf("element %d: inference %v vs training %v", i, a[i], b[i])
		}
	}
}

func TestBackwardPopulatesGradients(t *testing.T) {
	m := testModel(t)
	tokens := tokensTensor(t, []int64{1, 2, 3, 4}, tensor.Shape{1, 4})

	logits, cache, err := m.ForwardWithCache(tokens, nil)
	if err != nil {
		t.Fatal(err)
	}

	dLogits, err := tensor.Ones(logits.Shape(), tensor.Float32)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Backward(cache, dLogits); err != nil {
		t.Fatalf("Backward: %v", err)
	}

	withGrad := 0
	for _, p := range m.Parameters() {
		g := p.Grad()
		if g == nil {
			continue
		}
		withGrad++
		for _, v := range g.ToFloat32Slice() {
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				t.Fatal("gradient contains non-finite values")
			}
		}
	}
	if withGrad != len(m.Parameters()) {
		t.Errorf("%d of %d parameters received gradients", withGrad, len(m.Parameters()))
	}
}

func TestCountParameters(t *testing.T) {
	m := testModel(t)
	total := 0
	for _, p := range m.Parameters() {
		total += p.NumElements()
	}
	if m.CountParameters() != total {
		t.Errorf("CountParameters = %d, want %d", m.CountParameters(), total)
	}
	if total == 0 {
		t.Error("model has no parameters")
	}
}
