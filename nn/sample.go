package nn

import (
	"math"
	"math/rand"
	"sort"
)

// ArgMax returns the index of the largest logit.
func ArgMax(logits []float32) int {
	best := 0
	for i, v := range logits {
		if v > logits[best] {
			best = i
		}
	}
	return best
}

// TopKSample samples a token from the k highest logits after
// temperature scaling. k <= 0 or k >= len(logits) samples from the
// full distribution; temperature <= 0 falls back to argmax.
func TopKSample(rng *rand.Rand, logits []float32, k int, temperature float64) int {
	if temperature <= 0 {
		return ArgMax(logits)
	}
	if k <= 0 || k > len(logits) {
		k = len(logits)
	}

	type scored struct {
		idx   int
		logit float64
	}
	cand := make([]scored, len(logits))
	for i, v := range logits {
		cand[i] = scored{i, float64(v) / temperature}
	}
	sort.Slice(cand, func(a, b int) bool { return cand[a].logit > cand[b].logit })
	cand = cand[:k]

	// Softmax over the kept candidates.
	maxLogit := cand[0].logit
	sum := 0.0
	probs := make([]float64, k)
	for i, c := range cand {
		p := math.Exp(c.logit - maxLogit)
		probs[i] = p
		sum += p
	}

	r := rng.Float64() * sum
	acc := 0.0
	for i, p := range probs {
		acc += p
		if r < acc {
			return cand[i].idx
		}
	}
	return cand[k-1].idx
}
